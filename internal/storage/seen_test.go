package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/DoctorSlayer/telegram-rss-bot-2/pkg/logx"
)

func openTestSeen(t *testing.T) SeenStore {
	t.Helper()
	s, err := OpenSeen(Config{SeenPath: filepath.Join(t.TempDir(), "seen.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("OpenSeen: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSeenMarkAndCheck(t *testing.T) {
	t.Parallel()
	s := openTestSeen(t)
	ctx := context.Background()

	ok, err := s.IsNew(ctx, 1, "Tech", "fp-1")
	if err != nil || !ok {
		t.Fatalf("IsNew before mark = (%v, %v), want (true, nil)", ok, err)
	}
	if err := s.MarkSeen(ctx, 1, "Tech", "https://a/feed", "fp-1"); err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}
	ok, err = s.IsNew(ctx, 1, "Tech", "fp-1")
	if err != nil || ok {
		t.Fatalf("IsNew after mark = (%v, %v), want (false, nil)", ok, err)
	}

	// Scoped per (user, topic): other users and topics are unaffected.
	if ok, _ := s.IsNew(ctx, 2, "Tech", "fp-1"); !ok {
		t.Fatal("fingerprint leaked across users")
	}
	if ok, _ := s.IsNew(ctx, 1, "News", "fp-1"); !ok {
		t.Fatal("fingerprint leaked across topics")
	}
}

func TestSeenMarkIsIdempotent(t *testing.T) {
	t.Parallel()
	s := openTestSeen(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := s.MarkSeen(ctx, 1, "Tech", "src", "fp"); err != nil {
			t.Fatalf("MarkSeen #%d: %v", i, err)
		}
	}
	if ok, _ := s.IsNew(ctx, 1, "Tech", "fp"); ok {
		t.Fatal("expected seen after repeated marks")
	}
}

func TestSeenPrunePerSourceCap(t *testing.T) {
	t.Parallel()
	s := openTestSeen(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := s.MarkSeen(ctx, 1, "Tech", "src-a", fmt.Sprintf("fp-%d", i)); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := s.MarkSeen(ctx, 1, "Tech", "src-b", fmt.Sprintf("other-%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := s.Prune(ctx, 0, 5)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 5 {
		t.Fatalf("removed = %d, want 5", removed)
	}
	// src-b is under the cap and untouched.
	for i := 0; i < 3; i++ {
		if ok, _ := s.IsNew(ctx, 1, "Tech", fmt.Sprintf("other-%d", i)); ok {
			t.Fatalf("src-b row %d was pruned", i)
		}
	}
}

func TestSeenPruneMaxAge(t *testing.T) {
	t.Parallel()
	s := openTestSeen(t)
	ctx := context.Background()

	if err := s.MarkSeen(ctx, 1, "Tech", "src", "fresh"); err != nil {
		t.Fatal(err)
	}
	// Nothing is older than an hour yet.
	removed, err := s.Prune(ctx, time.Hour, 0)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 0 {
		t.Fatalf("removed = %d, want 0", removed)
	}
	if ok, _ := s.IsNew(ctx, 1, "Tech", "fresh"); ok {
		t.Fatal("fresh row was pruned")
	}
}

func TestAppendAudit(t *testing.T) {
	t.Parallel()
	s := openTestSeen(t)
	err := s.AppendAudit(context.Background(), AuditEntry{
		UserID: 1, Topic: "Tech", Source: "https://a/feed",
		ChatID: -100123, OK: true, TookMS: 12,
	})
	if err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
}

func TestMemorySeenMatchesContract(t *testing.T) {
	t.Parallel()
	m := NewMemorySeen()
	ctx := context.Background()

	if ok, _ := m.IsNew(ctx, 1, "t", "fp"); !ok {
		t.Fatal("expected new")
	}
	if err := m.MarkSeen(ctx, 1, "t", "src", "fp"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := m.IsNew(ctx, 1, "t", "fp"); ok {
		t.Fatal("expected seen")
	}
	for i := 0; i < 10; i++ {
		_ = m.MarkSeen(ctx, 1, "t", "src", fmt.Sprintf("fp-%d", i))
	}
	removed, err := m.Prune(ctx, 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	if removed == 0 {
		t.Fatal("expected cap pruning to remove rows")
	}
}
