package users

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/companion/backend/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type hookRecorder struct {
	mu    sync.Mutex
	users []string
}

func (r *hookRecorder) record(_ context.Context, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userID)
}

func newTestService(t *testing.T, hook FirstSeenHook) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "users.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
		OnFirstSeen: hook,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestResolveCanonicalUserIDStripsProviderPrefix(t *testing.T) {
	recorder := &hookRecorder{}
	service, _ := newTestService(t, recorder.record)

	claims := auth.SessionClaims{
		UserID:          "google:12345",
		UserEmail:       "user@example.com",
		UserDisplayName: "Example User",
		UserAvatarURL:   "https://example.com/avatar.png",
	}
	userID, err := service.ResolveCanonicalUserID(context.Background(), claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if userID != "12345" {
		t.Fatalf("expected canonical user id without provider prefix, got %q", userID)
	}

	userID, err = service.ResolveCanonicalUserID(context.Background(), claims)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if userID != "12345" {
		t.Fatalf("expected canonical user id to remain stable, got %q", userID)
	}
	if len(recorder.users) != 1 || recorder.users[0] != "12345" {
		t.Fatalf("expected exactly one first-seen call, got %v", recorder.users)
	}
}

func TestResolveCanonicalUserIDFiresHookOnlyForNewIdentities(t *testing.T) {
	recorder := &hookRecorder{}
	service, db := newTestService(t, recorder.record)

	existing := Identity{Provider: "google", Subject: "777", UserID: "777", LastSeenAt: time.Unix(0, 0)}
	if err := db.Create(&existing).Error; err != nil {
		t.Fatalf("failed to seed identity: %v", err)
	}

	userID, err := service.ResolveCanonicalUserID(context.Background(), auth.SessionClaims{
		UserID:          "google:777",
		UserDisplayName: "Returning Fan",
	})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if userID != "777" {
		t.Fatalf("unexpected user id %q", userID)
	}
	if len(recorder.users) != 0 {
		t.Fatalf("expected no first-seen call for a known identity, got %v", recorder.users)
	}

	var refreshed Identity
	if err := db.Where("provider = ? AND subject = ?", "google", "777").Take(&refreshed).Error; err != nil {
		t.Fatalf("failed to load identity: %v", err)
	}
	if refreshed.DisplayName != "Returning Fan" {
		t.Fatalf("expected display name refresh, got %q", refreshed.DisplayName)
	}
}

func TestResolveCanonicalUserIDRejectsEmptyClaims(t *testing.T) {
	service, _ := newTestService(t, nil)
	if _, err := service.ResolveCanonicalUserID(context.Background(), auth.SessionClaims{}); err != ErrInvalidIdentity {
		t.Fatalf("expected invalid identity error, got %v", err)
	}
}

func TestLoginKeepsItsWalletOwner(t *testing.T) {
	service, db := newTestService(t, nil)

	linked := Identity{Provider: "apple", Subject: "fan-42", UserID: "wallet-owner-1", LastSeenAt: time.Unix(0, 0)}
	if err := db.Create(&linked).Error; err != nil {
		t.Fatalf("failed to seed identity: %v", err)
	}
	duplicate := Identity{Provider: "apple", Subject: "fan-42", UserID: "wallet-owner-2"}
	if err := db.Create(&duplicate).Error; err == nil {
		t.Fatalf("expected a second owner for the same login to be rejected")
	}

	userID, err := service.ResolveCanonicalUserID(context.Background(), auth.SessionClaims{
		UserID:    "apple:fan-42",
		UserEmail: "fan@example.com",
	})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if userID != "wallet-owner-1" {
		t.Fatalf("expected the linked wallet owner, got %q", userID)
	}

	var rows []Identity
	if err := db.Where("provider = ? AND subject = ?", "apple", "fan-42").Find(&rows).Error; err != nil {
		t.Fatalf("failed to list identities: %v", err)
	}
	if len(rows) != 1 || rows[0].UserID != "wallet-owner-1" || rows[0].Email != "fan@example.com" {
		t.Fatalf("expected one refreshed identity for the owner, got %+v", rows)
	}
}

func TestProfileUpdatesNeverReassignOwner(t *testing.T) {
	stored := Identity{Provider: "google", Subject: "1", UserID: "owner", Email: "old@example.com", DisplayName: "Old"}
	fresh := Identity{Provider: "google", Subject: "1", UserID: "someone-else", Email: "new@example.com", LastSeenAt: time.Unix(5, 0)}

	updates := stored.profileUpdates(fresh)
	if _, ok := updates["user_id"]; ok {
		t.Fatalf("expected owner to stay out of profile updates, got %v", updates)
	}
	if updates["user_email"] != "new@example.com" {
		t.Fatalf("expected email refresh, got %v", updates["user_email"])
	}
	if _, ok := updates["user_display_name"]; ok {
		t.Fatalf("expected blank display name to keep the stored value")
	}
}
