package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryStore_CreateFindRevoke(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	a, err := s.CreateRefreshToken(ctx, RefreshToken{Token: "t-a", UserID: "u1", ExpiresAt: now.Add(time.Hour), CreatedAt: now})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(a.ID) != 26 {
		t.Fatalf("expected ULID id, got %q", a.ID)
	}
	if _, err := s.CreateRefreshToken(ctx, RefreshToken{Token: "t-b", UserID: "u1", ExpiresAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateRefreshToken(ctx, RefreshToken{Token: "t-c", UserID: "u2", ExpiresAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateRefreshToken(ctx, RefreshToken{Token: "t-a", UserID: "u3"}); !errors.Is(err, ErrDuplicateToken) {
		t.Fatalf("expected ErrDuplicateToken, got %v", err)
	}

	got, err := s.FindRefreshTokenByValue(ctx, "t-a")
	if err != nil || got == nil || got.ID != a.ID {
		t.Fatalf("find: %+v %v", got, err)
	}
	if missing, err := s.FindRefreshTokenByValue(ctx, "nope"); missing != nil || err != nil {
		t.Fatalf("expected (nil, nil), got %+v %v", missing, err)
	}

	n, err := s.RevokeRefreshTokensMatching(ctx, RevokeFilter{ID: a.ID}, now)
	if err != nil || n != 1 {
		t.Fatalf("revoke by id: n=%d err=%v", n, err)
	}
	n, err = s.RevokeRefreshTokensMatching(ctx, RevokeFilter{UserID: "u1", OnlyActive: true}, now.Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("revoke active by user: n=%d err=%v", n, err)
	}
	n, err = s.RevokeRefreshTokensMatching(ctx, RevokeFilter{UserID: "u1"}, now.Add(2*time.Minute))
	if err != nil || n != 2 {
		t.Fatalf("revoke all by user: n=%d err=%v", n, err)
	}

	// The first revocation time is kept.
	got, _ = s.FindRefreshTokenByValue(ctx, "t-a")
	if got.RevokedAt == nil || !got.RevokedAt.Equal(now) {
		t.Fatalf("revoked_at overwritten: %v", got.RevokedAt)
	}
	other, _ := s.FindRefreshTokenByValue(ctx, "t-c")
	if other.RevokedAt != nil {
		t.Fatalf("another user's token was revoked")
	}

	if _, err := s.RevokeRefreshTokensMatching(ctx, RevokeFilter{OnlyActive: true}, now); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("expected ErrInvalidFilter, got %v", err)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	if _, err := s.CreateRefreshToken(ctx, RefreshToken{Token: "t", UserID: "u"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, _ := s.FindRefreshTokenByValue(ctx, "t")
	got.RevokedAt = &now

	again, _ := s.FindRefreshTokenByValue(ctx, "t")
	if again.RevokedAt != nil {
		t.Fatalf("caller mutation leaked into the store")
	}
}

func TestMemoryStore_AtomicRotate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	old, err := s.CreateRefreshToken(ctx, RefreshToken{Token: "old", UserID: "u", ExpiresAt: now.Add(time.Hour)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := s.AtomicRotate(ctx, "missing", RefreshToken{Token: "x", UserID: "u"}, now); !errors.Is(err, ErrRefreshTokenMissing) {
		t.Fatalf("expected ErrRefreshTokenMissing, got %v", err)
	}
	if _, err := s.AtomicRotate(ctx, old.ID, RefreshToken{Token: "old", UserID: "u"}, now); !errors.Is(err, ErrDuplicateToken) {
		t.Fatalf("expected ErrDuplicateToken, got %v", err)
	}
	if got, _ := s.FindRefreshTokenByValue(ctx, "old"); got.RevokedAt != nil {
		t.Fatalf("failed rotation must not revoke the old token")
	}

	next, err := s.AtomicRotate(ctx, old.ID, RefreshToken{Token: "new", UserID: "u", ExpiresAt: now.Add(time.Hour)}, now)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if next.ID == old.ID || next.Token != "new" {
		t.Fatalf("unexpected successor: %+v", next)
	}
	if got, _ := s.FindRefreshTokenByValue(ctx, "old"); got.RevokedAt == nil {
		t.Fatalf("old token must be revoked")
	}

	if _, err := s.AtomicRotate(ctx, old.ID, RefreshToken{Token: "newer", UserID: "u"}, now); !errors.Is(err, ErrAlreadyRevoked) {
		t.Fatalf("expected ErrAlreadyRevoked, got %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 rows, got %d", s.Len())
	}
}

func TestMemoryStore_AtomicRotate_Concurrent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	old, err := s.CreateRefreshToken(ctx, RefreshToken{Token: "old", UserID: "u", ExpiresAt: now.Add(time.Hour)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 32
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AtomicRotate(ctx, old.ID, RefreshToken{Token: "new-" + string(rune('A'+i)), UserID: "u"}, now)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrAlreadyRevoked) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winning rotation, got %d", wins)
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 rows, got %d", s.Len())
	}
}
