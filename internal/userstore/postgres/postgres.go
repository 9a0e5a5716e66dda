// Package postgres is a PostgreSQL-backed userstore.Store. The enrolled face
// descriptor lives in a pgvector column so it round-trips without encoding.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/voicepay/internal/userstore"
	"github.com/MrWong99/voicepay/pkg/face"
)

const ddlUsers = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS users (
    id               TEXT              PRIMARY KEY,
    mobile           TEXT              NOT NULL UNIQUE,
    name             TEXT              NOT NULL DEFAULT '',
    face_descriptor  vector(128),
    face_image_url   TEXT              NOT NULL DEFAULT '',
    voice_sample_url TEXT              NOT NULL DEFAULT '',
    balance          DOUBLE PRECISION  NOT NULL DEFAULT 0,
    created_at       TIMESTAMPTZ       NOT NULL DEFAULT now()
);
`

// Migrate creates the users table and the vector extension if they do not
// exist. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlUsers); err != nil {
		return fmt.Errorf("postgres userstore: migrate: %w", err)
	}
	return nil
}

// Store implements userstore.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ userstore.Store = (*Store)(nil)

// New connects to dsn, registers the pgvector types on every connection and
// runs [Migrate].
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres userstore: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres userstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres userstore: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool, now: time.Now}, nil
}

// Lookup implements userstore.Store.
func (s *Store) Lookup(ctx context.Context, mobile string) (userstore.Profile, error) {
	const q = `
SELECT id, mobile, name, face_descriptor, face_image_url, voice_sample_url, balance, created_at
FROM users
WHERE mobile = $1`

	var (
		p   userstore.Profile
		vec *pgvector.Vector
	)
	err := s.pool.QueryRow(ctx, q, mobile).Scan(
		&p.ID, &p.Mobile, &p.Name, &vec, &p.FaceImageURL, &p.VoiceSampleURL, &p.Balance, &p.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return userstore.Profile{}, userstore.ErrNotFound
	}
	if err != nil {
		return userstore.Profile{}, fmt.Errorf("postgres userstore: lookup: %w", err)
	}
	if vec != nil {
		p.FaceDescriptor = face.Descriptor(vec.Slice())
	}
	return p, nil
}

// Register implements userstore.Store. A duplicate mobile number is detected
// by the unique constraint, so concurrent registrations admit exactly one.
func (s *Store) Register(ctx context.Context, p userstore.Profile) (userstore.Profile, error) {
	p, err := userstore.Prepare(p, s.now())
	if err != nil {
		return userstore.Profile{}, err
	}

	const q = `
INSERT INTO users (id, mobile, name, face_descriptor, face_image_url, voice_sample_url, balance, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (mobile) DO NOTHING`

	var vec any
	if len(p.FaceDescriptor) > 0 {
		vec = pgvector.NewVector(p.FaceDescriptor)
	}
	tag, err := s.pool.Exec(ctx, q,
		p.ID, p.Mobile, p.Name, vec, p.FaceImageURL, p.VoiceSampleURL, p.Balance, p.CreatedAt,
	)
	if err != nil {
		return userstore.Profile{}, fmt.Errorf("postgres userstore: register: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return userstore.Profile{}, userstore.ErrAlreadyRegistered
	}
	return p, nil
}

// Ping checks the connection. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements userstore.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
