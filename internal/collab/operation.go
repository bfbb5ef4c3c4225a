package collab

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// OperationType is the closed set of logged edit types. Admin actions that
// never reach the log (collaborator management, deletion) are modelled as
// Actions in permissions.go.
type OperationType string

const (
	OpAddClip             OperationType = "add_clip"
	OpRemoveClip          OperationType = "remove_clip"
	OpReorderClips        OperationType = "reorder_clips"
	OpUpdateClip          OperationType = "update_clip"
	OpUpdateMetadata      OperationType = "update_metadata"
	OpUpdateDrinkingSound OperationType = "update_drinking_sound"
)

// OperationStatus tracks an operation through the log. Appended operations
// are immutable; status is the only field the engine transitions, and only
// pending -> {applied, rejected}.
type OperationStatus string

const (
	OpStatusApplied  OperationStatus = "applied"
	OpStatusPending  OperationStatus = "pending"
	OpStatusRejected OperationStatus = "rejected"
)

// AddClipPayload inserts Clip at Index (clamped to list length on apply).
type AddClipPayload struct {
	Clip  Clip `json:"clip"`
	Index int  `json:"index"`
}

type RemoveClipPayload struct {
	ClipID string `json:"clipId"`
}

// ReorderClipsPayload moves one clip. ClipID identifies the clip so the move
// survives index shifts from concurrent edits; FromIndex is the position the
// issuer observed and is used for range-overlap conflict checks only.
type ReorderClipsPayload struct {
	ClipID    string `json:"clipId"`
	FromIndex int    `json:"fromIndex"`
	ToIndex   int    `json:"toIndex"`
}

// ClipPatch carries field-level updates; nil fields are untouched.
type ClipPatch struct {
	Title        *string `json:"title,omitempty"`
	Artist       *string `json:"artist,omitempty"`
	ThumbnailURL *string `json:"thumbnailUrl,omitempty"`
	DurationMs   *int    `json:"durationMs,omitempty"`
}

func (p ClipPatch) empty() bool {
	return p.Title == nil && p.Artist == nil && p.ThumbnailURL == nil && p.DurationMs == nil
}

type UpdateClipPayload struct {
	ClipID string    `json:"clipId"`
	Patch  ClipPatch `json:"patch"`
}

// MetadataPatch carries playlist-level field updates; nil fields are untouched.
type MetadataPatch struct {
	Name              *string     `json:"name,omitempty"`
	Description       *string     `json:"description,omitempty"`
	IsPublic          *bool       `json:"isPublic,omitempty"`
	DefaultPermission *Permission `json:"defaultPermission,omitempty"`
}

func (p MetadataPatch) empty() bool {
	return p.Name == nil && p.Description == nil && p.IsPublic == nil && p.DefaultPermission == nil
}

type UpdateMetadataPayload struct {
	Patch MetadataPatch `json:"patch"`
}

type UpdateDrinkingSoundPayload struct {
	SoundURL string `json:"soundUrl"`
}

// PlaylistOperation is one immutable entry in the append-only log.
//
// Clock is the issuer's vector clock at emission (own counter already
// incremented). Dependencies lists the ids of the most recent operations the
// issuer had observed for the touched entity. Version is assigned when the
// operation is applied and is 0 while pending.
type PlaylistOperation struct {
	ID           string          `json:"id"`
	PlaylistID   string          `json:"playlistId"`
	Type         OperationType   `json:"type"`
	UserID       string          `json:"userId"`
	Timestamp    time.Time       `json:"timestamp"`
	Payload      json.RawMessage `json:"payload"`
	Clock        VectorClock     `json:"vectorClock"`
	Dependencies []string        `json:"dependencies"`
	Status       OperationStatus `json:"status"`
	Version      int64           `json:"version,omitempty"`
}

// DecodePayload unmarshals the payload into the variant struct for the
// operation's type. The switch is exhaustive over OperationType; an unknown
// type is a validation error, never a silent skip.
func (op *PlaylistOperation) DecodePayload() (any, error) {
	switch op.Type {
	case OpAddClip:
		var p AddClipPayload
		return decodeInto(op, &p)
	case OpRemoveClip:
		var p RemoveClipPayload
		return decodeInto(op, &p)
	case OpReorderClips:
		var p ReorderClipsPayload
		return decodeInto(op, &p)
	case OpUpdateClip:
		var p UpdateClipPayload
		return decodeInto(op, &p)
	case OpUpdateMetadata:
		var p UpdateMetadataPayload
		return decodeInto(op, &p)
	case OpUpdateDrinkingSound:
		var p UpdateDrinkingSoundPayload
		return decodeInto(op, &p)
	}
	return nil, fmt.Errorf("%w: unknown operation type %q", ErrValidation, op.Type)
}

func decodeInto[T any](op *PlaylistOperation, p *T) (any, error) {
	if err := json.Unmarshal(op.Payload, p); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrValidation, op.Type, err)
	}
	return *p, nil
}

// Validate checks the payload shape. Checks that need the current projection
// (unknown clip ids) happen in the engine.
func (op *PlaylistOperation) Validate() error {
	payload, err := op.DecodePayload()
	if err != nil {
		return err
	}
	switch p := payload.(type) {
	case AddClipPayload:
		if strings.TrimSpace(p.Clip.ID) == "" {
			return fmt.Errorf("%w: add_clip requires clip.id", ErrValidation)
		}
		if strings.TrimSpace(p.Clip.Title) == "" {
			return fmt.Errorf("%w: add_clip requires clip.title", ErrValidation)
		}
		if p.Index < 0 {
			return fmt.Errorf("%w: add_clip index must be >= 0", ErrValidation)
		}
	case RemoveClipPayload:
		if p.ClipID == "" {
			return fmt.Errorf("%w: remove_clip requires clipId", ErrValidation)
		}
	case ReorderClipsPayload:
		if p.ClipID == "" {
			return fmt.Errorf("%w: reorder_clips requires clipId", ErrValidation)
		}
		if p.FromIndex < 0 || p.ToIndex < 0 {
			return fmt.Errorf("%w: reorder_clips indexes must be >= 0", ErrValidation)
		}
	case UpdateClipPayload:
		if p.ClipID == "" {
			return fmt.Errorf("%w: update_clip requires clipId", ErrValidation)
		}
		if p.Patch.empty() {
			return fmt.Errorf("%w: update_clip patch is empty", ErrValidation)
		}
	case UpdateMetadataPayload:
		if p.Patch.empty() {
			return fmt.Errorf("%w: update_metadata patch is empty", ErrValidation)
		}
		if p.Patch.DefaultPermission != nil && !p.Patch.DefaultPermission.Valid() {
			return fmt.Errorf("%w: invalid defaultPermission", ErrValidation)
		}
	case UpdateDrinkingSoundPayload:
		// An empty sound URL clears the sound; nothing to check.
	}
	return nil
}

// Before is the deterministic total-order tiebreak for operations whose
// clocks are concurrent: timestamp, then user id, then operation id. Every
// replica sorts concurrent operations identically without coordination.
func (op *PlaylistOperation) Before(other *PlaylistOperation) bool {
	switch op.Clock.Compare(other.Clock) {
	case ClockBefore:
		return true
	case ClockAfter:
		return false
	}
	if !op.Timestamp.Equal(other.Timestamp) {
		return op.Timestamp.Before(other.Timestamp)
	}
	if op.UserID != other.UserID {
		return op.UserID < other.UserID
	}
	return op.ID < other.ID
}

// MustPayload json-encodes v, panicking on failure. Only used with the
// payload structs above, which always marshal.
func MustPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
