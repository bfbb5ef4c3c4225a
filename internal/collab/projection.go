package collab

// Projection is the playlist state computed as a left-fold over the
// operation log. The log is the source of truth; a projection can always be
// rebuilt from history, and replaying the same history always yields the
// same projection regardless of delivery order.
type Projection struct {
	Clips             []Clip
	Name              string
	Description       string
	IsPublic          bool
	DefaultPermission Permission
	DrinkingSoundURL  string

	applied map[string]bool
}

func NewProjection() *Projection {
	return &Projection{applied: make(map[string]bool)}
}

// Seed initializes the metadata fields from the stored playlist row before
// any operations are folded in.
func (pr *Projection) Seed(p *CollaborativePlaylist) {
	pr.Name = p.Name
	pr.Description = p.Description
	pr.IsPublic = p.IsPublic
	pr.DefaultPermission = p.DefaultPermission
	pr.DrinkingSoundURL = p.DrinkingSoundURL
}

// Clone returns an independent copy, applied marks included.
func (pr *Projection) Clone() *Projection {
	next := NewProjection()
	next.Name = pr.Name
	next.Description = pr.Description
	next.IsPublic = pr.IsPublic
	next.DefaultPermission = pr.DefaultPermission
	next.DrinkingSoundURL = pr.DrinkingSoundURL
	next.Clips = append([]Clip(nil), pr.Clips...)
	for id := range pr.applied {
		next.applied[id] = true
	}
	return next
}

// Applied reports whether an operation id has already been folded in.
func (pr *Projection) Applied(opID string) bool {
	return pr.applied[opID]
}

// ClipIndex returns the position of a clip, or -1.
func (pr *Projection) ClipIndex(clipID string) int {
	for i, c := range pr.Clips {
		if c.ID == clipID {
			return i
		}
	}
	return -1
}

// Apply folds one applied operation into the projection. Duplicate delivery
// of the same operation id is a no-op, as are operations whose target clip
// no longer exists (the remove won the fold order).
func (pr *Projection) Apply(op *PlaylistOperation) error {
	if pr.applied[op.ID] {
		return nil
	}
	payload, err := op.DecodePayload()
	if err != nil {
		return err
	}
	switch p := payload.(type) {
	case AddClipPayload:
		if pr.ClipIndex(p.Clip.ID) >= 0 {
			break // already present, duplicate add
		}
		clip := p.Clip
		if clip.AddedBy == "" {
			clip.AddedBy = op.UserID
		}
		idx := p.Index
		if idx > len(pr.Clips) {
			idx = len(pr.Clips)
		}
		pr.Clips = append(pr.Clips, Clip{})
		copy(pr.Clips[idx+1:], pr.Clips[idx:])
		pr.Clips[idx] = clip
	case RemoveClipPayload:
		if i := pr.ClipIndex(p.ClipID); i >= 0 {
			pr.Clips = append(pr.Clips[:i], pr.Clips[i+1:]...)
		}
	case ReorderClipsPayload:
		from := pr.ClipIndex(p.ClipID)
		if from < 0 {
			break
		}
		to := p.ToIndex
		if to >= len(pr.Clips) {
			to = len(pr.Clips) - 1
		}
		if to < 0 || to == from {
			break
		}
		clip := pr.Clips[from]
		pr.Clips = append(pr.Clips[:from], pr.Clips[from+1:]...)
		pr.Clips = append(pr.Clips, Clip{})
		copy(pr.Clips[to+1:], pr.Clips[to:])
		pr.Clips[to] = clip
	case UpdateClipPayload:
		i := pr.ClipIndex(p.ClipID)
		if i < 0 {
			break
		}
		c := &pr.Clips[i]
		if p.Patch.Title != nil {
			c.Title = *p.Patch.Title
		}
		if p.Patch.Artist != nil {
			c.Artist = *p.Patch.Artist
		}
		if p.Patch.ThumbnailURL != nil {
			c.ThumbnailURL = *p.Patch.ThumbnailURL
		}
		if p.Patch.DurationMs != nil {
			c.DurationMs = *p.Patch.DurationMs
		}
	case UpdateMetadataPayload:
		if p.Patch.Name != nil {
			pr.Name = *p.Patch.Name
		}
		if p.Patch.Description != nil {
			pr.Description = *p.Patch.Description
		}
		if p.Patch.IsPublic != nil {
			pr.IsPublic = *p.Patch.IsPublic
		}
		if p.Patch.DefaultPermission != nil {
			pr.DefaultPermission = *p.Patch.DefaultPermission
		}
	case UpdateDrinkingSoundPayload:
		pr.DrinkingSoundURL = p.SoundURL
	}
	pr.applied[op.ID] = true
	return nil
}

// Replay rebuilds the projection from a set of operations in deterministic
// causal order, independent of slice order. See SortCausal.
func (pr *Projection) Replay(ops []PlaylistOperation) error {
	for _, op := range SortCausal(ops) {
		o := op
		if err := pr.Apply(&o); err != nil {
			return err
		}
	}
	return nil
}

// SortCausal orders operations so that every operation follows its
// dependencies, with concurrent operations ordered by the (timestamp,
// userID, id) tiebreak. The result is deterministic for a given set: two
// replicas that hold the same operations fold to the same state no matter
// what order the feed delivered them in.
func SortCausal(ops []PlaylistOperation) []PlaylistOperation {
	byID := make(map[string]int, len(ops))
	for i := range ops {
		byID[ops[i].ID] = i
	}

	// Dependency edges restricted to operations present in the set; a
	// dependency on an operation outside the window counts as satisfied.
	indegree := make([]int, len(ops))
	dependents := make(map[string][]int, len(ops))
	for i := range ops {
		for _, dep := range ops[i].Dependencies {
			if _, ok := byID[dep]; ok {
				indegree[i]++
				dependents[dep] = append(dependents[dep], i)
			}
		}
	}

	ready := make([]int, 0, len(ops))
	for i := range ops {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	out := make([]PlaylistOperation, 0, len(ops))
	for len(ready) > 0 {
		// Pick the minimum under the deterministic tiebreak. The window
		// is bounded, so a linear scan beats maintaining a heap.
		best := 0
		for i := 1; i < len(ready); i++ {
			if ops[ready[i]].Before(&ops[ready[best]]) {
				best = i
			}
		}
		next := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		out = append(out, ops[next])
		for _, d := range dependents[ops[next].ID] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	// Dependency cycles cannot occur in an append-only log; if corrupt
	// input produces one, append the remainder in tiebreak order rather
	// than dropping operations.
	if len(out) < len(ops) {
		seen := make(map[string]bool, len(out))
		for i := range out {
			seen[out[i].ID] = true
		}
		var rest []PlaylistOperation
		for i := range ops {
			if !seen[ops[i].ID] {
				rest = append(rest, ops[i])
			}
		}
		for len(rest) > 0 {
			best := 0
			for i := 1; i < len(rest); i++ {
				if rest[i].Before(&rest[best]) {
					best = i
				}
			}
			out = append(out, rest[best])
			rest = append(rest[:best], rest[best+1:]...)
		}
	}
	return out
}
