package collab

import "errors"

// Sentinel errors. Handlers map these onto HTTP statuses in http_utils.go;
// everything else surfaces as a 500.
var (
	// ErrForbidden: the actor lacks the permission an action requires.
	ErrForbidden = errors.New("forbidden")
	// ErrValidation: malformed payload or unknown target entity.
	ErrValidation = errors.New("validation")
	// ErrNotFound: playlist, operation or invitation does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict: compare-and-set on the playlist version lost a
	// race with another applier; callers reload and retry.
	ErrVersionConflict = errors.New("version conflict")
	// ErrInvitationExpired: a response arrived after the invitation TTL.
	ErrInvitationExpired = errors.New("invitation expired")
	// ErrInvitationClosed: the invitation already reached a terminal state.
	ErrInvitationClosed = errors.New("invitation already resolved")
	// ErrPlaylistArchived: mutating operations on an archived playlist.
	ErrPlaylistArchived = errors.New("playlist archived")
	// ErrNoResolution: a resolution was submitted for an operation that is
	// not awaiting one.
	ErrNoResolution = errors.New("operation is not pending resolution")
)
