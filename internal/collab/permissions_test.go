package collab

import "testing"

func TestPermissionOrdering(t *testing.T) {
	if !PermissionOwner.AtLeast(PermissionEditor) || !PermissionEditor.AtLeast(PermissionViewer) {
		t.Error("owner > editor > viewer ordering broken")
	}
	if PermissionViewer.AtLeast(PermissionEditor) {
		t.Error("viewer must not reach editor")
	}
	if Permission("admin").Valid() {
		t.Error("unknown permission must be invalid")
	}
}

func TestCanPerform(t *testing.T) {
	p := testPlaylist()

	tests := []struct {
		name   string
		actor  string
		action Action
		want   bool
	}{
		{"viewer reads", "victor", ActionRead, true},
		{"viewer publishes presence", "victor", ActionPublishPresence, true},
		{"viewer cannot edit", "victor", ActionFor(OpAddClip), false},
		{"viewer cannot reorder", "victor", ActionFor(OpReorderClips), false},
		{"editor edits", "alice", ActionFor(OpAddClip), true},
		{"editor updates metadata", "alice", ActionFor(OpUpdateMetadata), true},
		{"editor cannot invite", "alice", ActionSendInvitation, false},
		{"editor cannot change permissions", "alice", ActionUpdateCollabPermission, false},
		{"editor cannot delete", "alice", ActionDeletePlaylist, false},
		{"editor cannot archive", "alice", ActionArchivePlaylist, false},
		{"owner invites", "olivia", ActionSendInvitation, true},
		{"owner removes collaborators", "olivia", ActionRemoveCollaborator, true},
		{"owner deletes", "olivia", ActionDeletePlaylist, true},
		{"stranger reads public playlist", "mallory", ActionRead, true},
		{"stranger cannot edit", "mallory", ActionFor(OpAddClip), false},
		{"stranger cannot publish presence", "mallory", ActionPublishPresence, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanPerform(tt.actor, p, tt.action); got != tt.want {
				t.Errorf("CanPerform(%s, %s) = %v, want %v", tt.actor, tt.action, got, tt.want)
			}
		})
	}
}

func TestCanPerformPrivatePlaylist(t *testing.T) {
	p := testPlaylist()
	p.IsPublic = false

	if CanPerform("mallory", p, ActionRead) {
		t.Error("stranger must not read a private playlist")
	}
	if !CanPerform("victor", p, ActionRead) {
		t.Error("collaborators keep reading a private playlist")
	}
}
