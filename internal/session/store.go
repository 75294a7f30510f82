package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"wattguard.io/internal/auth"
)

// ErrConflict reports that a concurrent writer changed the session first.
var ErrConflict = errors.New("session: concurrent update")

// Store persists session records. Update must apply fn atomically with respect to other
// writers of the same session and must not hold any lock across sessions.
type Store interface {
	Create(ctx context.Context, s *auth.Session) error
	Get(ctx context.Context, id string) (*auth.Session, error)
	Update(ctx context.Context, id string, fn func(s *auth.Session) error) (*auth.Session, error)
	ListIDs(ctx context.Context, principalID string) ([]string, error)
}

const (
	defaultKeyPrefix = "wg"
	updateAttempts   = 3
	// Revoked and expired records stay readable this long so callers get SessionRevoked
	// instead of TokenInvalid.
	retention = time.Hour
)

// RedisStore keeps sessions as JSON under wg:sess:<id> with a per-principal index set.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a session store backed by the given Redis client.
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix, now: time.Now}
}

func (r *RedisStore) key(id string) string          { return r.prefix + ":sess:" + id }
func (r *RedisStore) principalKey(id string) string { return r.prefix + ":psess:" + id }

func (r *RedisStore) ttl(s *auth.Session) time.Duration {
	ttl := s.ExpiresAt.Sub(r.now()) + retention
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (r *RedisStore) Create(ctx context.Context, s *auth.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ttl := r.ttl(s)
	ok, err := r.rdb.SetNX(ctx, r.key(s.ID), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if !ok {
		return auth.ErrConflict
	}
	pipe := r.rdb.TxPipeline()
	pipe.SAdd(ctx, r.principalKey(s.PrincipalID), s.ID)
	pipe.Expire(ctx, r.principalKey(s.PrincipalID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index session: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*auth.Session, error) {
	data, err := r.rdb.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, auth.ErrNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	var s auth.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

// Update runs fn under WATCH on the session key and writes the result in a MULTI block.
// An fn error aborts the write unless it was built with persistAnd.
func (r *RedisStore) Update(ctx context.Context, id string, fn func(s *auth.Session) error) (*auth.Session, error) {
	key := r.key(id)
	var result *auth.Session
	var fnErr error

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return auth.ErrNotFound
			}
			return err
		}
		var s auth.Session
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode session: %w", err)
		}
		fnErr = fn(&s)
		if fnErr != nil && !errors.Is(fnErr, errPersist) {
			return fnErr
		}
		encoded, err := json.Marshal(&s)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, r.ttl(&s))
			return nil
		})
		if err == nil {
			result = &s
		}
		return err
	}

	for attempt := 0; attempt < updateAttempts; attempt++ {
		err := r.rdb.Watch(ctx, txf, key)
		switch {
		case err == nil:
			if fnErr != nil {
				return result, unwrapPersist(fnErr)
			}
			return result, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return nil, err
		}
	}
	return nil, ErrConflict
}

func (r *RedisStore) ListIDs(ctx context.Context, principalID string) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, r.principalKey(principalID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return ids, nil
}

// errPersist marks an fn error whose session changes must still be written.
var errPersist = errors.New("persist")

type persistError struct{ err error }

func (e persistError) Error() string { return e.err.Error() }

func (e persistError) Unwrap() []error { return []error{e.err, errPersist} }

// persistAnd returns err from an Update fn while keeping the session changes.
func persistAnd(err error) error { return persistError{err: err} }

func unwrapPersist(err error) error {
	var pe persistError
	if errors.As(err, &pe) {
		return pe.err
	}
	return err
}
