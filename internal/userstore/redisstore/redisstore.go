// Package redisstore is a Redis-backed userstore.Store. Each user is one hash
// keyed by mobile number; registration claims the key with HSETNX so that only
// one of several concurrent registrations succeeds.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/voicepay/internal/userstore"
	"github.com/MrWong99/voicepay/pkg/face"
)

// DefaultPrefix namespaces user keys.
const DefaultPrefix = "voicepay:user:"

// Hash fields.
const (
	fieldID         = "id"
	fieldMobile     = "mobile"
	fieldName       = "name"
	fieldDescriptor = "face_descriptor"
	fieldImageURL   = "face_image_url"
	fieldVoiceURL   = "voice_sample_url"
	fieldBalance    = "balance"
	fieldCreatedAt  = "created_at"
)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int

	// Prefix overrides DefaultPrefix.
	Prefix string
}

// Store implements userstore.Store on a go-redis client.
type Store struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

var _ userstore.Store = (*Store)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, opts Options) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis userstore: ping %s: %w", opts.Addr, err)
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix, now: time.Now}, nil
}

func (s *Store) key(mobile string) string { return s.prefix + mobile }

// Lookup implements userstore.Store. A hash without a mobile field is a
// registration still in progress and is reported as not found.
func (s *Store) Lookup(ctx context.Context, mobile string) (userstore.Profile, error) {
	m, err := s.rdb.HGetAll(ctx, s.key(mobile)).Result()
	if err != nil {
		return userstore.Profile{}, fmt.Errorf("redis userstore: lookup: %w", err)
	}
	if m[fieldMobile] == "" {
		return userstore.Profile{}, userstore.ErrNotFound
	}
	return decode(m)
}

// Register implements userstore.Store.
func (s *Store) Register(ctx context.Context, p userstore.Profile) (userstore.Profile, error) {
	p, err := userstore.Prepare(p, s.now())
	if err != nil {
		return userstore.Profile{}, err
	}
	key := s.key(p.Mobile)

	claimed, err := s.rdb.HSetNX(ctx, key, fieldID, p.ID).Result()
	if err != nil {
		return userstore.Profile{}, fmt.Errorf("redis userstore: register: %w", err)
	}
	if !claimed {
		return userstore.Profile{}, userstore.ErrAlreadyRegistered
	}

	fields, err := encode(p)
	if err != nil {
		_ = s.rdb.Del(ctx, key).Err()
		return userstore.Profile{}, err
	}
	if err := s.rdb.HSet(ctx, key, fields).Err(); err != nil {
		_ = s.rdb.Del(ctx, key).Err()
		return userstore.Profile{}, fmt.Errorf("redis userstore: register: %w", err)
	}
	return p, nil
}

// Ping checks the connection. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close implements userstore.Store.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func encode(p userstore.Profile) (map[string]any, error) {
	fields := map[string]any{
		fieldMobile:    p.Mobile,
		fieldName:      p.Name,
		fieldImageURL:  p.FaceImageURL,
		fieldVoiceURL:  p.VoiceSampleURL,
		fieldBalance:   strconv.FormatFloat(p.Balance, 'f', -1, 64),
		fieldCreatedAt: p.CreatedAt.Format(time.RFC3339Nano),
	}
	if len(p.FaceDescriptor) > 0 {
		b, err := json.Marshal(p.FaceDescriptor)
		if err != nil {
			return nil, fmt.Errorf("redis userstore: encode descriptor: %w", err)
		}
		fields[fieldDescriptor] = string(b)
	}
	return fields, nil
}

func decode(m map[string]string) (userstore.Profile, error) {
	p := userstore.Profile{
		ID:             m[fieldID],
		Mobile:         m[fieldMobile],
		Name:           m[fieldName],
		FaceImageURL:   m[fieldImageURL],
		VoiceSampleURL: m[fieldVoiceURL],
	}
	var err error
	if v := m[fieldBalance]; v != "" {
		if p.Balance, err = strconv.ParseFloat(v, 64); err != nil {
			return userstore.Profile{}, fmt.Errorf("redis userstore: decode balance: %w", err)
		}
	}
	if v := m[fieldCreatedAt]; v != "" {
		if p.CreatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return userstore.Profile{}, fmt.Errorf("redis userstore: decode created_at: %w", err)
		}
	}
	if v := m[fieldDescriptor]; v != "" {
		var d face.Descriptor
		if err := json.Unmarshal([]byte(v), &d); err != nil {
			return userstore.Profile{}, fmt.Errorf("redis userstore: decode descriptor: %w", err)
		}
		p.FaceDescriptor = d
	}
	return p, nil
}
