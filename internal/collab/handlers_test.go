package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"collab-service/internal/identity"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func testServer(db DB) http.Handler {
	store := NewStore(db)
	srv := NewServer(store, nil, NewInvitations(store, nil, nil, testLogger()), nil, nil, testLogger())
	return srv.Router(identity.Middleware([]byte("test-secret")))
}

func TestHandleHealth(t *testing.T) {
	r := testServer(&MockDB{})

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "collab-service") {
		t.Errorf("unexpected body: %s", w.Body.String())
	}
}

func TestAuthRequired(t *testing.T) {
	r := testServer(&MockDB{})

	req := httptest.NewRequest("GET", "/notifications", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without identity, got %d", w.Code)
	}
}

func TestHandleCreatePlaylistSuccess(t *testing.T) {
	mockDB := &MockDB{}
	mockDB.QueryRowFunc = func(ctx context.Context, sql string, args ...any) pgx.Row {
		// Invite code uniqueness check: always fresh.
		if strings.Contains(sql, "SELECT 1 FROM collaborative_playlists") {
			return &MockRow{ScanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
		}
		if strings.Contains(sql, "INSERT INTO collaborative_playlists") {
			return &MockRow{ScanFunc: func(dest ...any) error {
				*dest[0].(*string) = "pl-new"
				*dest[1].(*int64) = 1
				*dest[2].(*time.Time) = time.Now().UTC()
				*dest[3].(*time.Time) = time.Now().UTC()
				return nil
			}}
		}
		t.Errorf("unexpected query: %s", sql)
		return &MockRow{}
	}

	var upsertedOwner bool
	mockDB.ExecFunc = func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		if strings.Contains(sql, "INSERT INTO playlist_collaborators") {
			upsertedOwner = true
			if args[3].(Permission) != PermissionOwner {
				t.Errorf("creator must join as owner, got %v", args[3])
			}
		}
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}

	body, _ := json.Marshal(map[string]any{
		"name":              "Road Trip",
		"description":       "weekend mix",
		"defaultPermission": "editor",
	})
	req := httptest.NewRequest("POST", "/playlists", bytes.NewReader(body))
	req.Header.Set("X-User-Id", "olivia")
	req.Header.Set("X-User-Name", "Olivia")

	w := httptest.NewRecorder()
	testServer(mockDB).ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d. Body: %s", w.Code, w.Body.String())
	}
	if !upsertedOwner {
		t.Error("owner collaborator row was never written")
	}

	var created CollaborativePlaylist
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.ID != "pl-new" {
		t.Errorf("expected id pl-new, got %s", created.ID)
	}
	if !ValidInviteCode(created.InviteCode) {
		t.Errorf("invite code %q fails the format rule", created.InviteCode)
	}
	if created.DefaultPermission != PermissionEditor {
		t.Errorf("expected editor default, got %s", created.DefaultPermission)
	}
}

func TestHandleCreatePlaylistValidation(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
	}{
		{"empty name", map[string]any{"name": "  "}},
		{"name too long", map[string]any{"name": strings.Repeat("x", 201)}},
		{"owner default permission", map[string]any{"name": "ok", "defaultPermission": "owner"}},
		{"unknown default permission", map[string]any{"name": "ok", "defaultPermission": "superuser"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(tt.body)
			req := httptest.NewRequest("POST", "/playlists", bytes.NewReader(body))
			req.Header.Set("X-User-Id", "olivia")

			w := httptest.NewRecorder()
			testServer(&MockDB{}).ServeHTTP(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d. Body: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestHandleMarkNotificationRead(t *testing.T) {
	mockDB := &MockDB{
		ExecFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			if args[1].(string) != "olivia" {
				t.Errorf("mark-read must be scoped to the caller, got %v", args[1])
			}
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
	}

	req := httptest.NewRequest("POST", "/notifications/n-1/read", nil)
	req.Header.Set("X-User-Id", "olivia")

	w := httptest.NewRecorder()
	testServer(mockDB).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d. Body: %s", w.Code, w.Body.String())
	}
}

func TestHandleMarkNotificationReadForeign(t *testing.T) {
	mockDB := &MockDB{
		ExecFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			// Someone else's notification: the scoped UPDATE matches nothing.
			return pgconn.NewCommandTag("UPDATE 0"), nil
		},
	}

	req := httptest.NewRequest("POST", "/notifications/n-1/read", nil)
	req.Header.Set("X-User-Id", "mallory")

	w := httptest.NewRecorder()
	testServer(mockDB).ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestHandleListNotificationsEmpty(t *testing.T) {
	req := httptest.NewRequest("GET", "/notifications", nil)
	req.Header.Set("X-User-Id", "olivia")

	w := httptest.NewRecorder()
	testServer(&MockDB{}).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("an empty list must encode as [], got %s", w.Body.String())
	}
}
