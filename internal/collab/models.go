package collab

import (
	"time"
)

// Permission levels are strictly ordered: owner > editor > viewer.
type Permission string

const (
	PermissionOwner  Permission = "owner"
	PermissionEditor Permission = "editor"
	PermissionViewer Permission = "viewer"
)

// rank returns the numeric position of a permission in the total order.
// Unknown permissions rank below viewer.
func (p Permission) rank() int {
	switch p {
	case PermissionOwner:
		return 3
	case PermissionEditor:
		return 2
	case PermissionViewer:
		return 1
	}
	return 0
}

// AtLeast reports whether p grants everything q grants.
func (p Permission) AtLeast(q Permission) bool {
	return p.rank() >= q.rank()
}

func (p Permission) Valid() bool {
	return p.rank() > 0
}

// PlaylistStatus is the lifecycle state of a collaborative playlist.
type PlaylistStatus string

const (
	StatusActive   PlaylistStatus = "active"
	StatusInactive PlaylistStatus = "inactive"
	StatusArchived PlaylistStatus = "archived"
)

// Collaborator is a user attached to a playlist with a permission level.
type Collaborator struct {
	UserID      string     `json:"userId"`
	DisplayName string     `json:"displayName"`
	Permission  Permission `json:"permission"`
	IsOnline    bool       `json:"isOnline"`
	LastActive  time.Time  `json:"lastActive"`
	Activity    string     `json:"activity,omitempty"`
	JoinedAt    time.Time  `json:"joinedAt"`
}

// Clip is one entry in the shared ordered list. The clip list on a playlist
// is a cached projection of the operation log, never authoritative on its own.
type Clip struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Artist       string `json:"artist"`
	SourceURL    string `json:"sourceUrl,omitempty"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	DurationMs   int    `json:"durationMs"`
	AddedBy      string `json:"addedBy"`
}

// LockState is an advisory hold taken for destructive admin actions
// (playlist deletion). It is not a concurrency primitive.
type LockState struct {
	HeldBy     string    `json:"heldBy"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// CollaborativePlaylist is a playlist opened for shared editing.
//
// Version increases by exactly 1 per applied operation. Clips and Metadata
// are the projection of the log at Version and can always be rebuilt from
// history.
type CollaborativePlaylist struct {
	ID                string                  `json:"id"`
	OwnerID           string                  `json:"ownerId"`
	Name              string                  `json:"name"`
	Description       string                  `json:"description"`
	IsPublic          bool                    `json:"isPublic"`
	DefaultPermission Permission              `json:"defaultPermission"`
	InviteCode        string                  `json:"inviteCode,omitempty"`
	Status            PlaylistStatus          `json:"status"`
	Version           int64                   `json:"version"`
	Clips             []Clip                  `json:"clips"`
	DrinkingSoundURL  string                  `json:"drinkingSoundUrl,omitempty"`
	Collaborators     map[string]Collaborator `json:"collaborators"`
	ActiveUsers       []string                `json:"activeUsers"`
	Lock              *LockState              `json:"lockState,omitempty"`
	CreatedAt         time.Time               `json:"createdAt"`
	LastActivity      time.Time               `json:"lastCollaborativeActivity"`
}

// CollaboratorFor returns the collaborator record for a user, if any.
func (p *CollaborativePlaylist) CollaboratorFor(userID string) (Collaborator, bool) {
	c, ok := p.Collaborators[userID]
	return c, ok
}

// InvitationStatus is the one-way lifecycle of a named invitation.
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationDeclined InvitationStatus = "declined"
	InvitationExpired  InvitationStatus = "expired"
)

// CollaborationInvitation is a targeted invite bound to a permission level.
// InviteeUserID stays empty until the invitee resolves to a known user.
type CollaborationInvitation struct {
	ID            string           `json:"id"`
	PlaylistID    string           `json:"playlistId"`
	PlaylistName  string           `json:"playlistName"`
	InviterID     string           `json:"inviterId"`
	InviteeEmail  string           `json:"inviteeEmail,omitempty"`
	InviteeUserID string           `json:"inviteeUserId,omitempty"`
	Permission    Permission       `json:"permission"`
	Code          string           `json:"code"`
	Status        InvitationStatus `json:"status"`
	CreatedAt     time.Time        `json:"createdAt"`
	ExpiresAt     time.Time        `json:"expiresAt"`
}

// Expired reports whether the invitation's TTL has lapsed at now,
// independent of whether the stored status has caught up.
func (i *CollaborationInvitation) Expired(now time.Time) bool {
	return now.After(i.ExpiresAt)
}

// NotificationType enumerates collaboration events surfaced to users.
type NotificationType string

const (
	NotifyInvitationReceived NotificationType = "invitation_received"
	NotifyUserJoined         NotificationType = "user_joined"
	NotifyUserLeft           NotificationType = "user_left"
	NotifyPlaylistUpdated    NotificationType = "playlist_updated"
	NotifyPermissionChanged  NotificationType = "permission_changed"
)

// CollaborationNotification is a fire-and-forget record addressed to one
// user. Only IsRead is mutable after creation.
type CollaborationNotification struct {
	ID         string           `json:"id"`
	ToUserID   string           `json:"toUserId"`
	PlaylistID string           `json:"playlistId"`
	Type       NotificationType `json:"type"`
	Message    string           `json:"message"`
	IsRead     bool             `json:"isRead"`
	CreatedAt  time.Time        `json:"createdAt"`
}

// CursorAction describes what a user is doing at their cursor position.
type CursorAction string

const (
	CursorViewing   CursorAction = "viewing"
	CursorSelecting CursorAction = "selecting"
	CursorEditing   CursorAction = "editing"
	CursorDragging  CursorAction = "dragging"
)

// UserCursor is ephemeral presence. It is overwritten on every update and
// excluded from reads once older than the liveness window; it never enters
// the operation log.
type UserCursor struct {
	UserID      string       `json:"userId"`
	DisplayName string       `json:"displayName"`
	Color       string       `json:"color"`
	ClipID      string       `json:"clipId,omitempty"`
	Action      CursorAction `json:"action"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}
