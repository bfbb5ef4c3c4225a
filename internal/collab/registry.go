package collab

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Engines is the registry of live engine instances, one per open playlist.
// Handlers and the sync gateway resolve engines through it instead of
// reaching for ambient state.
type Engines struct {
	store  EngineStore
	events *Events
	outbox *Outbox
	log    *logrus.Logger

	mu sync.Mutex
	m  map[string]*Engine
}

func NewEngines(store EngineStore, events *Events, outbox *Outbox, log *logrus.Logger) *Engines {
	return &Engines{
		store:  store,
		events: events,
		outbox: outbox,
		log:    log,
		m:      make(map[string]*Engine),
	}
}

// Get returns the engine for a playlist, loading it on first use.
func (r *Engines) Get(ctx context.Context, playlistID string) (*Engine, error) {
	r.mu.Lock()
	if e, ok := r.m[playlistID]; ok {
		r.mu.Unlock()
		return e, nil
	}
	r.mu.Unlock()

	// Load outside the registry lock; a racing loader is harmless, the
	// first one registered wins.
	e, err := NewEngine(ctx, playlistID, r.store, r.events, r.outbox, r.log)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.m[playlistID]; ok {
		return existing, nil
	}
	r.m[playlistID] = e
	return e, nil
}

// Peek returns a loaded engine without loading, or nil.
func (r *Engines) Peek(playlistID string) *Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m[playlistID]
}

// Drop evicts an engine, e.g. after playlist deletion.
func (r *Engines) Drop(playlistID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, playlistID)
}
