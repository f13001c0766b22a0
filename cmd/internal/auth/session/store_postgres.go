package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"authd/cmd/identity"
	"authd/cmd/identity/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements TokenStore over the refresh_tokens table.
//
// Rotation runs in one transaction and locks the old row with SELECT ... FOR UPDATE,
// so concurrent rotations of the same token are serialized by Postgres.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresStore creates a Postgres-backed token store in schema (default "authd").
func NewPostgresStore(pool *pgxpool.Pool, schema string) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("session: nil pool")
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = identity.DefaultSchema
	}
	if !identity.PgIdentIsValid(schema) {
		return nil, fmt.Errorf("session: invalid schema identifier")
	}
	return &PostgresStore{pool: pool, table: identity.PgIdent(schema, "refresh_tokens")}, nil
}

const tokenColumns = `id, token, user_id, expires_at, revoked_at, created_at`

func (s *PostgresStore) FindRefreshTokenByValue(ctx context.Context, token string) (*RefreshToken, error) {
	var rec RefreshToken
	err := s.pool.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM `+s.table+` WHERE token = $1`,
		token,
	).Scan(&rec.ID, &rec.Token, &rec.UserID, &rec.ExpiresAt, &rec.RevokedAt, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresStore) CreateRefreshToken(ctx context.Context, rec RefreshToken) (*RefreshToken, error) {
	return s.insert(ctx, s.pool, rec)
}

func (s *PostgresStore) RevokeRefreshTokensMatching(ctx context.Context, f RevokeFilter, now time.Time) (int64, error) {
	if err := validateFilter(f); err != nil {
		return 0, err
	}

	args := []any{now}
	var where []string
	if f.ID != "" {
		args = append(args, f.ID)
		where = append(where, fmt.Sprintf("id = $%d", len(args)))
	}
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.OnlyActive {
		where = append(where, "revoked_at IS NULL")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table+`
		    SET revoked_at = COALESCE(revoked_at, $1)
		  WHERE `+strings.Join(where, " AND "),
		args...,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) AtomicRotate(ctx context.Context, oldID string, newRec RefreshToken, now time.Time) (*RefreshToken, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// A concurrent rotation blocks here until the winner commits, then observes its revoked_at.
	var revokedAt *time.Time
	err = tx.QueryRow(ctx,
		`SELECT revoked_at FROM `+s.table+` WHERE id = $1 FOR UPDATE`,
		oldID,
	).Scan(&revokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRefreshTokenMissing
	}
	if err != nil {
		return nil, err
	}
	if revokedAt != nil {
		return nil, ErrAlreadyRevoked
	}

	tag, err := tx.Exec(ctx,
		`UPDATE `+s.table+` SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`,
		oldID, now,
	)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() != 1 {
		return nil, ErrAlreadyRevoked
	}

	out, err := s.insert(ctx, tx, newRec)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *PostgresStore) insert(ctx context.Context, db execer, rec RefreshToken) (*RefreshToken, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.ID == "" {
		id, err := ids.NewULID(rec.CreatedAt)
		if err != nil {
			return nil, err
		}
		rec.ID = id
	}

	_, err := db.Exec(ctx,
		`INSERT INTO `+s.table+` (`+tokenColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.Token, rec.UserID, rec.ExpiresAt, rec.RevokedAt, rec.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return nil, ErrDuplicateToken
		}
		return nil, err
	}
	return &rec, nil
}
