package memory

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func TestDigestRendersTopicsFactsAndEpisodes(t *testing.T) {
	summary := &Summary{
		Topics:   datatypes.JSONSlice[string]{"jazz", " ", "night shifts"},
		KeyFacts: datatypes.JSONSlice[string]{"Works as a nurse", "Has a cat named Mochi"},
		Episodes: datatypes.JSONSlice[Episode]{
			{Summary: "Talked about a rough shift", OccurredAt: time.Date(2026, time.April, 2, 0, 0, 0, 0, time.UTC)},
			{Summary: "   "},
		},
	}
	digest := summary.Digest()
	for _, want := range []string{
		"You have talked about: jazz, night shifts.",
		"- Works as a nurse",
		"- Has a cat named Mochi",
		"- 2026-04-02: Talked about a rough shift",
	} {
		if !strings.Contains(digest, want) {
			t.Fatalf("digest missing %q:\n%s", want, digest)
		}
	}
	if strings.HasSuffix(digest, "\n") {
		t.Fatalf("digest must not end with a newline")
	}
}

func TestDigestEmptyForBlankSummary(t *testing.T) {
	var missing *Summary
	if missing.Digest() != "" {
		t.Fatalf("expected empty digest for nil summary")
	}
	blank := &Summary{Topics: datatypes.JSONSlice[string]{"  "}}
	if !blank.Empty() || blank.Digest() != "" {
		t.Fatalf("expected blank summary to be empty")
	}
}

func TestDigestKeepsLatestEpisodes(t *testing.T) {
	summary := &Summary{}
	base := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	for day := 0; day < maxEpisodes+2; day++ {
		summary.Episodes = append(summary.Episodes, Episode{
			Summary:    "episode-" + string(rune('a'+day)),
			OccurredAt: base.AddDate(0, 0, day),
		})
	}
	digest := summary.Digest()
	if strings.Contains(digest, "episode-a") || strings.Contains(digest, "episode-b") {
		t.Fatalf("expected the oldest episodes to be dropped:\n%s", digest)
	}
	if !strings.Contains(digest, "episode-g") {
		t.Fatalf("expected the latest episode:\n%s", digest)
	}
}

func TestStoreSaveReplacesSummary(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "memory.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Summary{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := NewStore(StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()

	missing, err := store.Get(ctx, "user-1", "aoi-hoshino")
	if err != nil || missing != nil {
		t.Fatalf("expected no summary yet, got %+v (%v)", missing, err)
	}

	later := time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)
	earlier := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	if _, err := store.Save(ctx, Summary{
		UserID:      "user-1",
		CharacterID: "aoi-hoshino",
		Topics:      datatypes.JSONSlice[string]{"music"},
		Episodes: datatypes.JSONSlice[Episode]{
			{Summary: "second", OccurredAt: later},
			{Summary: "first", OccurredAt: earlier},
		},
	}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if _, err := store.Save(ctx, Summary{
		UserID:      "user-1",
		CharacterID: "aoi-hoshino",
		Topics:      datatypes.JSONSlice[string]{"music", "travel"},
		KeyFacts:    datatypes.JSONSlice[string]{"Lives in Osaka"},
		Episodes: datatypes.JSONSlice[Episode]{
			{Summary: "second", OccurredAt: later},
			{Summary: "first", OccurredAt: earlier},
		},
	}); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	stored, err := store.Get(ctx, "user-1", "aoi-hoshino")
	if err != nil || stored == nil {
		t.Fatalf("expected stored summary, got %v", err)
	}
	if len(stored.Topics) != 2 || len(stored.KeyFacts) != 1 {
		t.Fatalf("expected replaced summary, got %+v", stored)
	}
	if stored.Episodes[0].Summary != "first" {
		t.Fatalf("expected episodes ordered oldest first, got %+v", stored.Episodes)
	}
}
