package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"authd/cmd/identity/ids"
)

// MemoryStore is an in-process TokenStore.
// A single mutex serializes every operation, which makes AtomicRotate a plain check-and-set.
type MemoryStore struct {
	mu      sync.Mutex
	rows    map[string]RefreshToken
	byToken map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:    make(map[string]RefreshToken),
		byToken: make(map[string]string),
	}
}

func (s *MemoryStore) FindRefreshTokenByValue(ctx context.Context, token string) (*RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byToken[token]
	if !ok {
		return nil, nil
	}
	rec := cloneToken(s.rows[id])
	return &rec, nil
}

func (s *MemoryStore) CreateRefreshToken(ctx context.Context, rec RefreshToken) (*RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out, err := s.insertLocked(rec)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *MemoryStore) RevokeRefreshTokensMatching(ctx context.Context, f RevokeFilter, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validateFilter(f); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, rec := range s.rows {
		if f.ID != "" && rec.ID != f.ID {
			continue
		}
		if f.UserID != "" && rec.UserID != f.UserID {
			continue
		}
		if f.OnlyActive && rec.RevokedAt != nil {
			continue
		}
		if rec.RevokedAt == nil {
			t := now
			rec.RevokedAt = &t
			s.rows[id] = rec
		}
		n++
	}
	return n, nil
}

func (s *MemoryStore) AtomicRotate(ctx context.Context, oldID string, newRec RefreshToken, now time.Time) (*RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.rows[oldID]
	if !ok {
		return nil, ErrRefreshTokenMissing
	}
	if old.RevokedAt != nil {
		return nil, ErrAlreadyRevoked
	}
	if _, dup := s.byToken[newRec.Token]; dup {
		return nil, ErrDuplicateToken
	}

	out, err := s.insertLocked(newRec)
	if err != nil {
		return nil, err
	}
	t := now
	old.RevokedAt = &t
	s.rows[oldID] = old
	return &out, nil
}

func (s *MemoryStore) insertLocked(rec RefreshToken) (RefreshToken, error) {
	if _, dup := s.byToken[rec.Token]; dup {
		return RefreshToken{}, ErrDuplicateToken
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.ID == "" {
		id, err := ids.NewULID(rec.CreatedAt)
		if err != nil {
			return RefreshToken{}, err
		}
		rec.ID = id
	}
	if _, dup := s.rows[rec.ID]; dup {
		return RefreshToken{}, ErrDuplicateToken
	}
	rec = cloneToken(rec)
	s.rows[rec.ID] = rec
	s.byToken[rec.Token] = rec.ID
	return cloneToken(rec), nil
}

// Len returns the number of stored rows, revoked or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// TokensForUser returns a snapshot of userID's rows ordered by creation time.
func (s *MemoryStore) TokensForUser(userID string) []RefreshToken {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []RefreshToken
	for _, rec := range s.rows {
		if rec.UserID == userID {
			out = append(out, cloneToken(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func cloneToken(rec RefreshToken) RefreshToken {
	if rec.RevokedAt != nil {
		t := *rec.RevokedAt
		rec.RevokedAt = &t
	}
	return rec
}
