package collab

// Action is anything a collaborator can ask the engine to do, logged
// operation types included. Admin actions never enter the operation log but
// share the permission check.
type Action string

const (
	ActionRead                   Action = "read"
	ActionPublishPresence        Action = "publish_presence"
	ActionRemoveCollaborator     Action = "remove_collaborator"
	ActionUpdateCollabPermission Action = "update_collaborator_permission"
	ActionDeletePlaylist         Action = "delete_playlist"
	ActionSendInvitation         Action = "send_invitation"
	ActionArchivePlaylist        Action = "archive_playlist"
)

// ownerOnly is the allow-list of actions reserved to the owner.
var ownerOnly = map[Action]bool{
	ActionRemoveCollaborator:     true,
	ActionUpdateCollabPermission: true,
	ActionDeletePlaylist:         true,
	ActionSendInvitation:         true,
	ActionArchivePlaylist:        true,
}

// ActionFor maps a logged operation type onto its permission action.
func ActionFor(t OperationType) Action {
	return Action(t)
}

// CanPerform decides whether actor may perform action on the playlist.
// Non-collaborators may read public playlists and nothing else. Viewers may
// read and publish presence. Editors may additionally apply any logged
// operation. Owner-only actions need the owner record itself.
func CanPerform(actor string, p *CollaborativePlaylist, action Action) bool {
	c, ok := p.CollaboratorFor(actor)
	if !ok {
		return action == ActionRead && p.IsPublic
	}
	if ownerOnly[action] {
		return c.Permission == PermissionOwner
	}
	switch action {
	case ActionRead, ActionPublishPresence:
		return c.Permission.AtLeast(PermissionViewer)
	}
	// Everything else is a logged clip/content operation.
	return c.Permission.AtLeast(PermissionEditor)
}
