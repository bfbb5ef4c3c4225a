package collab

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Invite codes are uppercase alphanumerics, 6-12 characters. The alphabet
// drops 0/O, 1/I/L and 5/S so a code read aloud or retyped survives.
const (
	codeAlphabet = "ABCDEFGHJKMNPQRTUVWXYZ234679"
	codeLength   = 8

	// DefaultInvitationTTL is how long a named invitation stays
	// redeemable.
	DefaultInvitationTTL = 7 * 24 * time.Hour
)

// GenerateInviteCode produces a unique code, probing taken() until an unused
// one is found. Collisions are vanishingly rare at this alphabet size, so a
// small retry bound suffices.
func GenerateInviteCode(ctx context.Context, taken func(ctx context.Context, code string) (bool, error)) (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		code, err := randomCode(codeLength)
		if err != nil {
			return "", err
		}
		used, err := taken(ctx, code)
		if err != nil {
			return "", err
		}
		if !used {
			return code, nil
		}
	}
	return "", fmt.Errorf("invite code space exhausted after retries")
}

func randomCode(n int) (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(codeAlphabet[idx.Int64()])
	}
	return b.String(), nil
}

// ValidInviteCode checks the external format rule: 6-12 uppercase
// alphanumerics.
func ValidInviteCode(code string) bool {
	if len(code) < 6 || len(code) > 12 {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// InvitationStore is the slice of Store the workflow needs.
type InvitationStore interface {
	GetPlaylist(ctx context.Context, id string) (*CollaborativePlaylist, error)
	GetPlaylistByCode(ctx context.Context, code string) (*CollaborativePlaylist, error)
	UpsertCollaborator(ctx context.Context, playlistID string, c *Collaborator) error
	InsertInvitation(ctx context.Context, inv *CollaborationInvitation) error
	GetInvitation(ctx context.Context, id string) (*CollaborationInvitation, error)
	InvitationsFor(ctx context.Context, userID, email string) ([]CollaborationInvitation, error)
	TransitionInvitation(ctx context.Context, id string, to InvitationStatus) (bool, error)
	InsertNotification(ctx context.Context, n *CollaborationNotification) error
}

// UserResolver maps an email to a known user, if any. Backed by the external
// identity provider; a failed lookup is not an error, the invitation stays
// redeemable for when the invitee signs up.
type UserResolver func(ctx context.Context, email string) (userID, displayName string, ok bool)

// Invitations runs the invitation and notification workflow.
type Invitations struct {
	store   InvitationStore
	events  *Events
	log     *logrus.Logger
	resolve UserResolver
	ttl     time.Duration
	now     func() time.Time
}

func NewInvitations(store InvitationStore, events *Events, resolve UserResolver, log *logrus.Logger) *Invitations {
	return &Invitations{
		store:   store,
		events:  events,
		log:     log,
		resolve: resolve,
		ttl:     DefaultInvitationTTL,
		now:     time.Now,
	}
}

// Send issues a named invitation bound to a permission level. Owner-only.
func (w *Invitations) Send(ctx context.Context, inviterID, playlistID, inviteeEmail string, perm Permission) (*CollaborationInvitation, error) {
	if perm != PermissionEditor && perm != PermissionViewer {
		return nil, fmt.Errorf("%w: invitation permission must be editor or viewer", ErrValidation)
	}
	inviteeEmail = strings.ToLower(strings.TrimSpace(inviteeEmail))
	if inviteeEmail == "" {
		return nil, fmt.Errorf("%w: invitee email is required", ErrValidation)
	}

	p, err := w.store.GetPlaylist(ctx, playlistID)
	if err != nil {
		return nil, err
	}
	if !CanPerform(inviterID, p, ActionSendInvitation) {
		return nil, fmt.Errorf("%w: only the owner can invite", ErrForbidden)
	}

	inv := &CollaborationInvitation{
		ID:           uuid.NewString(),
		PlaylistID:   p.ID,
		PlaylistName: p.Name,
		InviterID:    inviterID,
		InviteeEmail: inviteeEmail,
		Permission:   perm,
		Status:       InvitationPending,
		CreatedAt:    w.now().UTC(),
		ExpiresAt:    w.now().UTC().Add(w.ttl),
	}
	inv.Code, err = randomCode(codeLength)
	if err != nil {
		return nil, err
	}

	// Resolving the invitee is best-effort. Known users get an addressed
	// notification; unknown emails keep a valid invitation for later.
	if w.resolve != nil {
		if userID, _, ok := w.resolve(ctx, inviteeEmail); ok {
			inv.InviteeUserID = userID
		}
	}

	if err := w.store.InsertInvitation(ctx, inv); err != nil {
		return nil, err
	}

	if inv.InviteeUserID != "" {
		w.notify(ctx, inv.InviteeUserID, p.ID, NotifyInvitationReceived,
			fmt.Sprintf("You were invited to %q as %s", p.Name, perm))
	}
	return inv, nil
}

// Respond accepts or declines a pending invitation. Terminal and one-way;
// accepting when already a collaborator is an idempotent no-op.
func (w *Invitations) Respond(ctx context.Context, userID, displayName, email, invitationID string, accept bool) (*CollaborationInvitation, error) {
	inv, err := w.store.GetInvitation(ctx, invitationID)
	if err != nil {
		return nil, err
	}
	if inv.InviteeUserID != userID && !strings.EqualFold(inv.InviteeEmail, email) {
		return nil, fmt.Errorf("%w: invitation is not addressed to you", ErrForbidden)
	}

	if inv.Status == InvitationPending && inv.Expired(w.now()) {
		if _, err := w.store.TransitionInvitation(ctx, inv.ID, InvitationExpired); err != nil {
			w.log.Warnf("invitations: mark %s expired: %v", inv.ID, err)
		}
		inv.Status = InvitationExpired
		return inv, ErrInvitationExpired
	}

	switch inv.Status {
	case InvitationExpired:
		return inv, ErrInvitationExpired
	case InvitationAccepted, InvitationDeclined:
		return inv, ErrInvitationClosed
	}

	if !accept {
		if _, err := w.store.TransitionInvitation(ctx, inv.ID, InvitationDeclined); err != nil {
			return nil, err
		}
		inv.Status = InvitationDeclined
		return inv, nil
	}

	p, err := w.store.GetPlaylist(ctx, inv.PlaylistID)
	if err != nil {
		return nil, err
	}

	moved, err := w.store.TransitionInvitation(ctx, inv.ID, InvitationAccepted)
	if err != nil {
		return nil, err
	}
	if !moved {
		// Raced with another response; re-read for the terminal state.
		return w.store.GetInvitation(ctx, inv.ID)
	}
	inv.Status = InvitationAccepted

	if _, already := p.CollaboratorFor(userID); !already {
		if err := w.join(ctx, p, userID, displayName, inv.Permission); err != nil {
			return nil, err
		}
	}
	return inv, nil
}

// RedeemCode joins via the playlist's invite code at its default permission.
// Idempotent: redeeming twice is a no-op, not an error.
func (w *Invitations) RedeemCode(ctx context.Context, userID, displayName, code string) (*CollaborativePlaylist, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !ValidInviteCode(code) {
		return nil, fmt.Errorf("%w: malformed invite code", ErrValidation)
	}
	p, err := w.store.GetPlaylistByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if _, already := p.CollaboratorFor(userID); already {
		return p, nil
	}
	if err := w.join(ctx, p, userID, displayName, p.DefaultPermission); err != nil {
		return nil, err
	}
	return w.store.GetPlaylist(ctx, p.ID)
}

// join atomically records the collaborator, notifies the owner and announces
// on the playlist channel.
func (w *Invitations) join(ctx context.Context, p *CollaborativePlaylist, userID, displayName string, perm Permission) error {
	c := &Collaborator{
		UserID:      userID,
		DisplayName: displayName,
		Permission:  perm,
	}
	if err := w.store.UpsertCollaborator(ctx, p.ID, c); err != nil {
		return err
	}
	w.notify(ctx, p.OwnerID, p.ID, NotifyUserJoined,
		fmt.Sprintf("%s joined %q as %s", displayNameOr(displayName, userID), p.Name, perm))
	w.events.Publish(ctx, PlaylistChannel(p.ID), Event{
		Type:       EventCollaboratorJoin,
		PlaylistID: p.ID,
		Payload:    c,
	})
	return nil
}

// notify writes a notification row and mirrors it on the user channel.
// Best-effort on both legs.
func (w *Invitations) notify(ctx context.Context, toUserID, playlistID string, t NotificationType, message string) {
	n := &CollaborationNotification{
		ID:         uuid.NewString(),
		ToUserID:   toUserID,
		PlaylistID: playlistID,
		Type:       t,
		Message:    message,
		CreatedAt:  w.now().UTC(),
	}
	if err := w.store.InsertNotification(ctx, n); err != nil {
		w.log.Warnf("invitations: notification for %s dropped: %v", toUserID, err)
		return
	}
	w.events.Publish(ctx, UserChannel(toUserID), Event{
		Type:       EventNotification,
		PlaylistID: playlistID,
		Payload:    n,
	})
}

func displayNameOr(name, fallback string) string {
	if strings.TrimSpace(name) != "" {
		return name
	}
	return fallback
}

// ListFor returns the invitations addressed to a user by id or email.
func (w *Invitations) ListFor(ctx context.Context, userID, email string) ([]CollaborationInvitation, error) {
	return w.store.InvitationsFor(ctx, userID, strings.ToLower(email))
}
