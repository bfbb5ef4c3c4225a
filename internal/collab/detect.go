package collab

import "sort"

// Entity keys partition playlist state for overlap checks. Two operations
// can only conflict when they touch at least one key in common.
const (
	keyOrdering      = "ordering"
	keyMetadata      = "metadata"
	keyDrinkingSound = "drinking_sound"
)

func clipKey(clipID string) string { return "clip:" + clipID }

// entityKeys returns the state keys an operation touches. add_clip returns
// none: adds from different users never conflict, their relative order is
// settled by the deterministic fold tiebreak.
func entityKeys(op *PlaylistOperation) []string {
	payload, err := op.DecodePayload()
	if err != nil {
		return nil
	}
	switch p := payload.(type) {
	case RemoveClipPayload:
		return []string{clipKey(p.ClipID)}
	case UpdateClipPayload:
		return []string{clipKey(p.ClipID)}
	case ReorderClipsPayload:
		return []string{keyOrdering, clipKey(p.ClipID)}
	case UpdateMetadataPayload:
		return []string{keyMetadata}
	case UpdateDrinkingSoundPayload:
		return []string{keyDrinkingSound}
	}
	return nil
}

// Detector finds the unresolved concurrent operations a candidate conflicts
// with. It keeps a pending index (entity key -> queued operations) that is
// rebuilt deterministically from the log, never mutated ad hoc.
type Detector struct {
	pending map[string]map[string]*PlaylistOperation
}

func NewDetector() *Detector {
	return &Detector{pending: make(map[string]map[string]*PlaylistOperation)}
}

// Rebuild repopulates the pending index from a log snapshot.
func (d *Detector) Rebuild(ops []PlaylistOperation) {
	d.pending = make(map[string]map[string]*PlaylistOperation)
	for i := range ops {
		if ops[i].Status == OpStatusPending {
			d.Queue(&ops[i])
		}
	}
}

// Queue indexes a pending operation under each key it touches.
func (d *Detector) Queue(op *PlaylistOperation) {
	for _, key := range entityKeys(op) {
		m := d.pending[key]
		if m == nil {
			m = make(map[string]*PlaylistOperation)
			d.pending[key] = m
		}
		m[op.ID] = op
	}
}

// Dequeue drops a resolved operation from the pending index.
func (d *Detector) Dequeue(op *PlaylistOperation) {
	for _, key := range entityKeys(op) {
		delete(d.pending[key], op.ID)
		if len(d.pending[key]) == 0 {
			delete(d.pending, key)
		}
	}
}

// PendingIDs returns the queued operation ids for an entity key, sorted for
// deterministic output.
func (d *Detector) PendingIDs(key string) []string {
	ids := make([]string, 0, len(d.pending[key]))
	for id := range d.pending[key] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Detect returns the set of unresolved concurrent operations the candidate
// conflicts with: operations that are neither causal ancestors nor
// descendants of the candidate (vector clocks concurrent) and that touch
// overlapping state. The recent slice is the applied window of the log;
// queued pending operations are checked through the index.
func (d *Detector) Detect(candidate *PlaylistOperation, recent []PlaylistOperation) []PlaylistOperation {
	keys := entityKeys(candidate)
	if len(keys) == 0 {
		return nil
	}

	seen := make(map[string]bool)
	var conflicts []PlaylistOperation

	consider := func(other *PlaylistOperation) {
		if other.ID == candidate.ID || other.UserID == candidate.UserID || seen[other.ID] {
			return
		}
		if !candidate.Clock.Concurrent(other.Clock) {
			return
		}
		if !statesOverlap(candidate, other) {
			return
		}
		seen[other.ID] = true
		conflicts = append(conflicts, *other)
	}

	for _, key := range keys {
		for _, op := range d.pending[key] {
			consider(op)
		}
	}
	for i := range recent {
		if recent[i].Status != OpStatusApplied {
			continue
		}
		consider(&recent[i])
	}

	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Before(&conflicts[j]) })
	return conflicts
}

// statesOverlap applies the type-specific overlap rules on top of the shared
// entity keys: reorder-vs-reorder only conflicts on overlapping index
// ranges, everything else conflicts on any shared key.
func statesOverlap(a, b *PlaylistOperation) bool {
	if a.Type == OpReorderClips && b.Type == OpReorderClips {
		pa, errA := a.DecodePayload()
		pb, errB := b.DecodePayload()
		if errA != nil || errB != nil {
			return false
		}
		return reorderRangesOverlap(pa.(ReorderClipsPayload), pb.(ReorderClipsPayload))
	}
	keys := make(map[string]bool)
	for _, k := range entityKeys(a) {
		keys[k] = true
	}
	for _, k := range entityKeys(b) {
		if keys[k] {
			return true
		}
	}
	return false
}

// reorderRangesOverlap checks whether the index spans disturbed by two
// moves intersect. A move from i to j shifts every clip between them.
func reorderRangesOverlap(a, b ReorderClipsPayload) bool {
	aLo, aHi := minMax(a.FromIndex, a.ToIndex)
	bLo, bHi := minMax(b.FromIndex, b.ToIndex)
	return aLo <= bHi && bLo <= aHi
}

func minMax(a, b int) (int, int) {
	if a < b {
		return a, b
	}
	return b, a
}
