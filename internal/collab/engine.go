package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

const (
	// historyWindow bounds the in-memory view of the log and the conflict
	// detection horizon. Operations older than the window are causally
	// settled for any live client.
	historyWindow = 200

	// casRetries bounds version compare-and-set retries before the write
	// falls back to the outbox.
	casRetries = 5

	// dedupeWindow bounds the applied-operation-id cache used to suppress
	// duplicate feed deliveries.
	dedupeWindow = 1024
)

// EngineStore is the slice of Store the engine needs. Tests substitute an
// in-memory implementation.
type EngineStore interface {
	GetPlaylist(ctx context.Context, id string) (*CollaborativePlaylist, error)
	RecentOperations(ctx context.Context, playlistID string, limit int) ([]PlaylistOperation, error)
	PendingOperations(ctx context.Context, playlistID string) ([]PlaylistOperation, error)
	OperationByID(ctx context.Context, opID string) (*PlaylistOperation, error)
	InsertOperation(ctx context.Context, op *PlaylistOperation) error
	ApplyOperation(ctx context.Context, op *PlaylistOperation, pr *Projection, expectedVersion int64) error
	SetOperationStatus(ctx context.Context, opID string, status OperationStatus) error
	InsertResolution(ctx context.Context, res *ConflictResolution) (*ConflictResolution, error)
	ResolutionFor(ctx context.Context, opID string) (*ConflictResolution, error)
}

// ProposeStatus is the outcome of a proposal.
type ProposeStatus string

const (
	ProposeApplied ProposeStatus = "applied"
	ProposeQueued  ProposeStatus = "queued"
)

// ProposeResult is returned to the caller synchronously. Conflicts is
// non-empty exactly when Status is queued.
type ProposeResult struct {
	Status    ProposeStatus       `json:"status"`
	Operation PlaylistOperation   `json:"operation"`
	Conflicts []PlaylistOperation `json:"conflicts,omitempty"`
	Version   int64               `json:"version"`
}

// Engine owns the collaboration state for one open playlist: the log cache,
// the projection, the pending-conflict index and the dedupe window. There is
// one engine instance per playlist; handlers and the sync gateway share it
// through the registry. No global singletons.
type Engine struct {
	playlistID string
	store      EngineStore
	events     *Events
	outbox     *Outbox
	log        *logrus.Logger

	mu         sync.Mutex
	playlist   *CollaborativePlaylist
	projection *Projection
	base       *Projection
	history    []PlaylistOperation
	detector   *Detector
	clock      VectorClock
	lastByKey  map[string]string
	seen       *lru.Cache[string, struct{}]
}

// NewEngine loads the playlist and its recent log and rebuilds the in-memory
// state deterministically from history.
func NewEngine(ctx context.Context, playlistID string, store EngineStore, events *Events, outbox *Outbox, log *logrus.Logger) (*Engine, error) {
	seen, err := lru.New[string, struct{}](dedupeWindow)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		playlistID: playlistID,
		store:      store,
		events:     events,
		outbox:     outbox,
		log:        log,
		detector:   NewDetector(),
		seen:       seen,
	}
	if err := e.reload(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// reload refreshes playlist, history and every derived structure from the
// store. Caller holds e.mu (or is the constructor).
func (e *Engine) reload(ctx context.Context) error {
	p, err := e.store.GetPlaylist(ctx, e.playlistID)
	if err != nil {
		return err
	}
	applied, err := e.store.RecentOperations(ctx, e.playlistID, historyWindow)
	if err != nil {
		return err
	}
	pending, err := e.store.PendingOperations(ctx, e.playlistID)
	if err != nil {
		return err
	}

	history := make([]PlaylistOperation, 0, len(applied)+len(pending))
	history = append(history, applied...)
	for _, op := range pending {
		if !containsOp(history, op.ID) {
			history = append(history, op)
		}
	}

	e.playlist = p
	e.history = history
	e.detector.Rebuild(history)
	e.rebuildProjection(p)
	e.clock = make(VectorClock)
	e.lastByKey = make(map[string]string)
	for i := range history {
		op := &history[i]
		e.clock.Merge(op.Clock)
		e.seen.Add(op.ID, struct{}{})
		if op.Status == OpStatusApplied {
			for _, key := range entityKeys(op) {
				e.lastByKey[key] = op.ID
			}
		}
	}
	return nil
}

// rebuildProjection installs the store snapshot as the fold base. The cached
// clips on the playlist row already reflect every applied operation in the
// window; marking those ids lets any later refold start from the base and
// fold in only operations the row has not seen.
func (e *Engine) rebuildProjection(p *CollaborativePlaylist) {
	base := NewProjection()
	base.Seed(p)
	base.Clips = append([]Clip(nil), p.Clips...)
	for i := range e.history {
		if e.history[i].Status == OpStatusApplied {
			base.applied[e.history[i].ID] = true
		}
	}
	e.base = base
	e.projection = base.Clone()
}

// trimHistory bounds e.history to the window. Applied operations that fall
// out of the window are folded into the base snapshot first, so a refold
// never loses state that predates the window. Caller holds e.mu.
func (e *Engine) trimHistory() {
	if len(e.history) <= historyWindow {
		return
	}
	cut := len(e.history) - historyWindow
	var settled []PlaylistOperation
	for i := 0; i < cut; i++ {
		if e.history[i].Status == OpStatusApplied && !e.base.Applied(e.history[i].ID) {
			settled = append(settled, e.history[i])
		}
	}
	if err := e.base.Replay(settled); err != nil {
		e.log.Errorf("engine %s: absorb settled operations: %v", e.playlistID, err)
	}
	e.history = append([]PlaylistOperation(nil), e.history[cut:]...)
}

func containsOp(ops []PlaylistOperation, id string) bool {
	for i := range ops {
		if ops[i].ID == id {
			return true
		}
	}
	return false
}

// Snapshot returns the current playlist with its projection fields and the
// bounded operation history, for handlers.
func (e *Engine) Snapshot() (CollaborativePlaylist, []PlaylistOperation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := *e.playlist
	p.Clips = append([]Clip(nil), e.projection.Clips...)
	p.Name = e.projection.Name
	p.Description = e.projection.Description
	p.IsPublic = e.projection.IsPublic
	p.DefaultPermission = e.projection.DefaultPermission
	p.DrinkingSoundURL = e.projection.DrinkingSoundURL
	hist := append([]PlaylistOperation(nil), e.history...)
	return p, hist
}

// Propose runs the full pipeline for a user intent: authorize, validate,
// stamp, detect, then apply or queue. Authorization and validation errors
// return synchronously; a detected conflict is not an error but a queued
// result carrying the conflicting set.
//
// observed is the issuing client's view of causal history at emission time.
// A client that has not caught up proposes with a stale clock, which is
// exactly what makes its operation concurrent with edits it has not seen.
// A nil observed clock means "fully synced" and stamps with the engine's
// merged clock.
func (e *Engine) Propose(ctx context.Context, userID string, opType OperationType, payload []byte, observed VectorClock) (*ProposeResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.playlist.Status == StatusArchived {
		return nil, fmt.Errorf("%w: %s", ErrValidation, ErrPlaylistArchived)
	}
	if !CanPerform(userID, e.playlist, ActionFor(opType)) {
		return nil, fmt.Errorf("%w: %s requires editor access", ErrForbidden, opType)
	}

	op := &PlaylistOperation{
		ID:         uuid.NewString(),
		PlaylistID: e.playlistID,
		Type:       opType,
		UserID:     userID,
		Timestamp:  time.Now().UTC(),
		Payload:    payload,
		Status:     OpStatusApplied,
	}
	if err := op.Validate(); err != nil {
		return nil, err
	}
	if err := e.validateTarget(op); err != nil {
		return nil, err
	}

	// Stamp: issuer's view of causal history, incremented for the issuer,
	// plus explicit dependencies on the latest operations for each entity
	// the issuer had observed.
	clock := observed.Clone()
	if observed == nil {
		clock = e.clock.Clone()
	}
	clock.Tick(userID)
	op.Clock = clock
	for _, key := range entityKeys(op) {
		last, ok := e.lastByKey[key]
		if !ok {
			continue
		}
		// Only depend on operations the issuer actually observed.
		if dep := e.findHistory(last); dep == nil || clock.Descends(dep.UserID, dep.Clock[dep.UserID]) {
			op.Dependencies = append(op.Dependencies, last)
		}
	}

	conflicts := e.detector.Detect(op, e.history)
	if len(conflicts) > 0 {
		op.Status = OpStatusPending
		e.persistOp(ctx, op)
		e.detector.Queue(op)
		e.history = append(e.history, *op)
		e.seen.Add(op.ID, struct{}{})

		e.events.Publish(ctx, PlaylistChannel(e.playlistID), Event{
			Type:       EventConflictDetected,
			PlaylistID: e.playlistID,
			Payload:    Conflict{Candidate: *op, Against: conflicts},
		})
		return &ProposeResult{
			Status:    ProposeQueued,
			Operation: *op,
			Conflicts: conflicts,
			Version:   e.playlist.Version,
		}, nil
	}

	if err := e.applyLocked(ctx, op); err != nil {
		return nil, err
	}
	return &ProposeResult{
		Status:    ProposeApplied,
		Operation: *op,
		Version:   e.playlist.Version,
	}, nil
}

// validateTarget rejects operations aimed at clips the issuer's view does
// not contain.
func (e *Engine) validateTarget(op *PlaylistOperation) error {
	payload, err := op.DecodePayload()
	if err != nil {
		return err
	}
	var clipID string
	switch p := payload.(type) {
	case RemoveClipPayload:
		clipID = p.ClipID
	case UpdateClipPayload:
		clipID = p.ClipID
	case ReorderClipsPayload:
		clipID = p.ClipID
	default:
		return nil
	}
	if e.projection.ClipIndex(clipID) < 0 {
		return fmt.Errorf("%w: unknown clip %s", ErrValidation, clipID)
	}
	return nil
}

// applyLocked commits an operation: CAS on version with bounded retry, then
// in-memory state update and event publication. If the store is unreachable
// the operation applies optimistically in memory and the durable write goes
// to the outbox. Caller holds e.mu.
func (e *Engine) applyLocked(ctx context.Context, op *PlaylistOperation) error {
	op.Status = OpStatusApplied

	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		next := e.projectionWith(op)
		err := e.store.ApplyOperation(ctx, op, next, e.playlist.Version)
		if err == nil {
			e.commitLocal(op, next, e.playlist.Version+1)
			e.publishApplied(ctx, op)
			return nil
		}
		if errors.Is(err, ErrVersionConflict) {
			lastErr = err
			if rerr := e.reload(ctx); rerr != nil {
				return rerr
			}
			// Another applier advanced the playlist while we raced.
			// Re-detect against the refreshed history before retrying.
			if conflicts := e.detector.Detect(op, e.history); len(conflicts) > 0 {
				return e.queueAfterRace(ctx, op, conflicts)
			}
			continue
		}

		// Store unavailable: apply optimistically, retry durability in
		// the background.
		e.log.Warnf("engine %s: durable apply of %s failed, queueing: %v", e.playlistID, op.ID, err)
		next = e.projectionWith(op)
		e.commitLocal(op, next, e.playlist.Version+1)
		e.enqueueDurable(op)
		e.publishApplied(ctx, op)
		return nil
	}
	return fmt.Errorf("apply %s: %w", op.ID, lastErr)
}

// queueAfterRace converts an operation that lost its CAS race into a queued
// conflict, mirroring the normal detection path.
func (e *Engine) queueAfterRace(ctx context.Context, op *PlaylistOperation, conflicts []PlaylistOperation) error {
	op.Status = OpStatusPending
	e.persistOp(ctx, op)
	e.detector.Queue(op)
	e.history = append(e.history, *op)
	e.seen.Add(op.ID, struct{}{})
	e.events.Publish(ctx, PlaylistChannel(e.playlistID), Event{
		Type:       EventConflictDetected,
		PlaylistID: e.playlistID,
		Payload:    Conflict{Candidate: *op, Against: conflicts},
	})
	return nil
}

// projectionWith returns a copy of the current projection with op folded in.
func (e *Engine) projectionWith(op *PlaylistOperation) *Projection {
	next := e.projection.Clone()
	if err := next.Apply(op); err != nil {
		// Validation already ran; a fold error here means the target
		// vanished, which folds to a no-op.
		e.log.Debugf("engine %s: fold %s: %v", e.playlistID, op.ID, err)
	}
	return next
}

// commitLocal installs the post-apply state. Caller holds e.mu.
func (e *Engine) commitLocal(op *PlaylistOperation, next *Projection, version int64) {
	op.Version = version
	e.projection = next
	e.playlist.Version = version
	e.playlist.LastActivity = time.Now().UTC()
	e.clock.Merge(op.Clock)
	e.seen.Add(op.ID, struct{}{})
	for _, key := range entityKeys(op) {
		e.lastByKey[key] = op.ID
	}
	e.history = append(e.history, *op)
	e.trimHistory()
}

func (e *Engine) publishApplied(ctx context.Context, op *PlaylistOperation) {
	e.events.Publish(ctx, PlaylistChannel(e.playlistID), Event{
		Type:       EventOperationApplied,
		PlaylistID: e.playlistID,
		Payload:    op,
	})
}

// persistOp durably inserts an operation row, falling back to the outbox.
func (e *Engine) persistOp(ctx context.Context, op *PlaylistOperation) {
	if err := e.store.InsertOperation(ctx, op); err != nil {
		e.log.Warnf("engine %s: insert %s failed, queueing: %v", e.playlistID, op.ID, err)
		e.enqueueDurable(op)
	}
}

func (e *Engine) enqueueDurable(op *PlaylistOperation) {
	if e.outbox == nil {
		return
	}
	o := *op
	e.outbox.Enqueue(o.ID, func(ctx context.Context) error {
		return e.store.InsertOperation(ctx, &o)
	})
}

// Integrate folds an externally delivered operation into local state. Safe
// under out-of-order and duplicate delivery: ordering is recovered from
// vector clocks and dependencies, and the dedupe window drops repeats.
func (e *Engine) Integrate(ctx context.Context, op *PlaylistOperation) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, dup := e.seen.Get(op.ID); dup || e.projection.Applied(op.ID) {
		return
	}
	e.seen.Add(op.ID, struct{}{})
	e.clock.Merge(op.Clock)

	if op.Status == OpStatusPending {
		e.detector.Queue(op)
		e.history = append(e.history, *op)
		e.trimHistory()
		return
	}

	e.history = append(e.history, *op)
	e.trimHistory()

	// Refold from the base snapshot rather than appending blindly:
	// SortCausal puts the newcomer where its clock says it belongs even if
	// the feed delivered it late, and the base keeps every effect older
	// than the window.
	pr := e.base.Clone()
	applied := make([]PlaylistOperation, 0, len(e.history))
	for i := range e.history {
		if e.history[i].Status == OpStatusApplied {
			applied = append(applied, e.history[i])
		}
	}
	if err := pr.Replay(applied); err != nil {
		e.log.Errorf("engine %s: refold after %s: %v", e.playlistID, op.ID, err)
		return
	}
	e.projection = pr
	if op.Version > e.playlist.Version {
		e.playlist.Version = op.Version
	}
	for _, key := range entityKeys(op) {
		e.lastByKey[key] = op.ID
	}
}

// Conflicts lists the queued candidates with their current conflicting sets.
func (e *Engine) Conflicts() []Conflict {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Conflict
	for i := range e.history {
		if e.history[i].Status != OpStatusPending {
			continue
		}
		op := e.history[i]
		out = append(out, Conflict{
			Candidate: op,
			Against:   e.detector.Detect(&op, e.history),
		})
	}
	return out
}

// ResolveConflict commits a resolution for a queued candidate. Idempotent:
// a repeat resolution returns the stored record and does not re-apply.
// Accepting or merging when the merge cannot be computed deterministically
// downgrades to reject inside Resolve.
func (e *Engine) ResolveConflict(ctx context.Context, resolvedBy, opID string, verdict Verdict, reason string) (*ConflictResolution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !CanPerform(resolvedBy, e.playlist, ActionFor(OpUpdateClip)) {
		return nil, fmt.Errorf("%w: resolving conflicts requires editor access", ErrForbidden)
	}

	if prior, err := e.store.ResolutionFor(ctx, opID); err != nil {
		return nil, err
	} else if prior != nil {
		return prior, nil
	}

	var candidate *PlaylistOperation
	for i := range e.history {
		if e.history[i].ID == opID {
			candidate = &e.history[i]
			break
		}
	}
	if candidate == nil {
		stored, err := e.store.OperationByID(ctx, opID)
		if err != nil {
			return nil, err
		}
		candidate = stored
	}
	if candidate.Status != OpStatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNoResolution, opID, candidate.Status)
	}

	against := e.detector.Detect(candidate, e.history)
	res, err := Resolve(e.playlistID, candidate, against, verdict, resolvedBy, reason, e.projection)
	if err != nil {
		return nil, err
	}

	stored, err := e.store.InsertResolution(ctx, res)
	if err != nil {
		return nil, err
	}
	if stored.ID != res.ID {
		// Lost a resolution race; the first decision stands.
		return stored, nil
	}

	switch res.Verdict {
	case VerdictAccept:
		// The accepted candidate supersedes the conflicting set: commit
		// it causally after them so every replica folds it last.
		accepted := *candidate
		for i := range against {
			accepted.Dependencies = appendUnique(accepted.Dependencies, against[i].ID)
			accepted.Clock = accepted.Clock.Clone()
			accepted.Clock.Merge(against[i].Clock)
		}
		e.detector.Dequeue(&accepted)
		e.dropFromHistory(opID)
		if err := e.applyLocked(ctx, &accepted); err != nil {
			return nil, err
		}
	case VerdictReject:
		e.detector.Dequeue(candidate)
		e.markHistoryStatus(opID, OpStatusRejected)
		if err := e.store.SetOperationStatus(ctx, opID, OpStatusRejected); err != nil {
			e.log.Warnf("engine %s: mark %s rejected: %v", e.playlistID, opID, err)
		}
	case VerdictMerge:
		e.detector.Dequeue(candidate)
		e.markHistoryStatus(opID, OpStatusRejected)
		if err := e.store.SetOperationStatus(ctx, opID, OpStatusRejected); err != nil {
			e.log.Warnf("engine %s: mark %s merged-out: %v", e.playlistID, opID, err)
		}
		if err := e.applyLocked(ctx, res.MergedOp); err != nil {
			return nil, err
		}
	}

	e.events.Publish(ctx, PlaylistChannel(e.playlistID), Event{
		Type:       EventConflictResolved,
		PlaylistID: e.playlistID,
		Payload:    stored,
	})
	return stored, nil
}

func (e *Engine) markHistoryStatus(opID string, status OperationStatus) {
	for i := range e.history {
		if e.history[i].ID == opID {
			e.history[i].Status = status
			return
		}
	}
}

func (e *Engine) dropFromHistory(opID string) {
	for i := range e.history {
		if e.history[i].ID == opID {
			e.history = append(e.history[:i], e.history[i+1:]...)
			return
		}
	}
}

func (e *Engine) findHistory(opID string) *PlaylistOperation {
	for i := range e.history {
		if e.history[i].ID == opID {
			return &e.history[i]
		}
	}
	return nil
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}

// Refresh re-reads playlist and collaborators from the store. The gateway
// calls this when a collaborator or metadata change arrives on the feed.
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reload(ctx)
}

// CanUser is the permission check exposed to handlers.
func (e *Engine) CanUser(userID string, action Action) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return CanPerform(userID, e.playlist, action)
}
