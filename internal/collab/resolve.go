package collab

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Verdict is the terminal decision for a detected conflict.
type Verdict string

const (
	// VerdictAccept commits the candidate, superseding the conflicting set.
	VerdictAccept Verdict = "accept"
	// VerdictReject discards the candidate and keeps existing state.
	VerdictReject Verdict = "reject"
	// VerdictMerge synthesizes a new operation combining both sides.
	VerdictMerge Verdict = "merge"
)

func (v Verdict) Valid() bool {
	return v == VerdictAccept || v == VerdictReject || v == VerdictMerge
}

// ConflictResolution records the decision for one contested operation.
// Terminal once applied; resolving the same conflict again returns the
// stored record unchanged.
type ConflictResolution struct {
	ID          string             `json:"id"`
	PlaylistID  string             `json:"playlistId"`
	OperationID string             `json:"operationId"`
	Verdict     Verdict            `json:"verdict"`
	MergedOp    *PlaylistOperation `json:"mergedOperation,omitempty"`
	Reason      string             `json:"reason"`
	ResolvedBy  string             `json:"resolvedBy"`
	CreatedAt   time.Time          `json:"createdAt"`
}

// Conflict pairs a queued candidate with the operations it collides with,
// for surfacing to the affected users.
type Conflict struct {
	Candidate PlaylistOperation   `json:"candidate"`
	Against   []PlaylistOperation `json:"against"`
}

// Resolve computes the resolution for a queued candidate. A merge that
// cannot be computed deterministically downgrades to reject rather than
// corrupting the projection; the returned resolution records the downgrade
// in its reason.
func Resolve(playlistID string, candidate *PlaylistOperation, against []PlaylistOperation, verdict Verdict, resolvedBy, reason string, pr *Projection) (*ConflictResolution, error) {
	if !verdict.Valid() {
		return nil, fmt.Errorf("%w: unknown verdict %q", ErrValidation, verdict)
	}

	res := &ConflictResolution{
		ID:          uuid.NewString(),
		PlaylistID:  playlistID,
		OperationID: candidate.ID,
		Verdict:     verdict,
		Reason:      reason,
		ResolvedBy:  resolvedBy,
		CreatedAt:   time.Now().UTC(),
	}

	switch verdict {
	case VerdictReject:
		return res, nil
	case VerdictAccept:
		if !applicable(candidate, pr) {
			res.Verdict = VerdictReject
			res.Reason = downgradeReason(res.Reason, "target no longer exists")
		}
		return res, nil
	}

	merged, infeasible := merge(candidate, against, pr)
	if infeasible != "" {
		res.Verdict = VerdictReject
		res.Reason = downgradeReason(res.Reason, infeasible)
		return res, nil
	}
	res.MergedOp = merged
	return res, nil
}

func downgradeReason(user, cause string) string {
	msg := "merge infeasible, downgraded to reject: " + cause
	if user != "" {
		return user + " (" + msg + ")"
	}
	return msg
}

// applicable reports whether the candidate still has a live target in the
// projection. Accepting an update or reorder whose clip was removed by the
// competing operation would fold to a no-op at best and a corrupt order at
// worst, so acceptance requires the target to exist.
func applicable(op *PlaylistOperation, pr *Projection) bool {
	payload, err := op.DecodePayload()
	if err != nil {
		return false
	}
	switch p := payload.(type) {
	case UpdateClipPayload:
		return pr.ClipIndex(p.ClipID) >= 0
	case ReorderClipsPayload:
		return pr.ClipIndex(p.ClipID) >= 0
	case RemoveClipPayload:
		return pr.ClipIndex(p.ClipID) >= 0
	}
	return true
}

// merge synthesizes a combined operation, or explains why it cannot.
//
// Rules:
//   - update_clip vs update_clip on one clip: field-level last-writer-wins,
//     non-overlapping fields union.
//   - update_metadata vs update_metadata: field-level last-writer-wins.
//   - reorder vs reorder moving the same clip: the later move wins.
//   - anything whose target clip was removed by the other side: infeasible.
//   - structurally incompatible pairs: infeasible.
func merge(candidate *PlaylistOperation, against []PlaylistOperation, pr *Projection) (*PlaylistOperation, string) {
	if !applicable(candidate, pr) {
		return nil, "target clip was removed by a competing operation"
	}

	payload, err := candidate.DecodePayload()
	if err != nil {
		return nil, err.Error()
	}

	switch p := payload.(type) {
	case UpdateClipPayload:
		patch := p.Patch
		for i := range against {
			other, err := against[i].DecodePayload()
			if err != nil {
				return nil, err.Error()
			}
			op, ok := other.(UpdateClipPayload)
			if !ok || op.ClipID != p.ClipID {
				return nil, "competing operation is not an update of the same clip"
			}
			// Fields set by the later writer win; fields only the
			// earlier writer touched survive into the union.
			if against[i].Timestamp.After(candidate.Timestamp) {
				patch = overlayClipPatch(patch, op.Patch)
			} else {
				patch = overlayClipPatch(op.Patch, patch)
			}
		}
		return synthesize(candidate, MustPayload(UpdateClipPayload{ClipID: p.ClipID, Patch: patch})), ""

	case UpdateMetadataPayload:
		patch := p.Patch
		for i := range against {
			other, err := against[i].DecodePayload()
			if err != nil {
				return nil, err.Error()
			}
			op, ok := other.(UpdateMetadataPayload)
			if !ok {
				return nil, "competing operation is not a metadata update"
			}
			if against[i].Timestamp.After(candidate.Timestamp) {
				patch = overlayMetadataPatch(patch, op.Patch)
			} else {
				patch = overlayMetadataPatch(op.Patch, patch)
			}
		}
		return synthesize(candidate, MustPayload(UpdateMetadataPayload{Patch: patch})), ""

	case ReorderClipsPayload:
		winner := p
		winnerTS := candidate.Timestamp
		for i := range against {
			other, err := against[i].DecodePayload()
			if err != nil {
				return nil, err.Error()
			}
			op, ok := other.(ReorderClipsPayload)
			if !ok || op.ClipID != p.ClipID {
				return nil, "concurrent reorders move different clips in overlapping ranges"
			}
			if against[i].Timestamp.After(winnerTS) {
				winner = op
				winnerTS = against[i].Timestamp
			}
		}
		return synthesize(candidate, MustPayload(winner)), ""
	}

	return nil, fmt.Sprintf("no merge rule for %s", candidate.Type)
}

// overlayClipPatch lays winner on top of base: any field the winner set
// replaces the base's value.
func overlayClipPatch(base, winner ClipPatch) ClipPatch {
	out := base
	if winner.Title != nil {
		out.Title = winner.Title
	}
	if winner.Artist != nil {
		out.Artist = winner.Artist
	}
	if winner.ThumbnailURL != nil {
		out.ThumbnailURL = winner.ThumbnailURL
	}
	if winner.DurationMs != nil {
		out.DurationMs = winner.DurationMs
	}
	return out
}

func overlayMetadataPatch(base, winner MetadataPatch) MetadataPatch {
	out := base
	if winner.Name != nil {
		out.Name = winner.Name
	}
	if winner.Description != nil {
		out.Description = winner.Description
	}
	if winner.IsPublic != nil {
		out.IsPublic = winner.IsPublic
	}
	if winner.DefaultPermission != nil {
		out.DefaultPermission = winner.DefaultPermission
	}
	return out
}

// synthesize builds the merged operation as a fresh log entry: new id, the
// candidate's issuer and type, a clock that has observed the candidate so
// the merged entry causally follows it.
func synthesize(candidate *PlaylistOperation, payload []byte) *PlaylistOperation {
	clock := candidate.Clock.Clone()
	clock.Tick(candidate.UserID)
	return &PlaylistOperation{
		ID:           uuid.NewString(),
		PlaylistID:   candidate.PlaylistID,
		Type:         candidate.Type,
		UserID:       candidate.UserID,
		Timestamp:    time.Now().UTC(),
		Payload:      payload,
		Clock:        clock,
		Dependencies: []string{candidate.ID},
		Status:       OpStatusApplied,
	}
}
