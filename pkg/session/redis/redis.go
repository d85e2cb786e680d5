// Package redis provides a Redis-backed session store suitable for
// multi-node deployments. Each session is stored as one JSON document with
// an explicit TTL; a per-user index set supports listing without SCAN.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/convokit-dev/convokit/pkg/session"
)

// appendTxRetries bounds the optimistic WATCH transaction used by
// AppendEvent before the conflict is reported to the caller.
const appendTxRetries = 5

// Store implements session.Store using Redis.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// Config holds Redis connection configuration.
type Config struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is prepended to every key (default: none).
	Prefix string
	// TTL is the session expiry duration (default: 24h; negative disables).
	TTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// New creates a Redis session store and verifies connectivity.
func New(cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: redis ping failed: %v", session.ErrBackendUnavailable, err)
	}

	return &Store{
		client: client,
		prefix: cfg.Prefix,
		ttl:    normalizeTTL(cfg.TTL),
	}, nil
}

// NewFromClient creates a store from an existing client.
// This is useful for testing with miniredis.
func NewFromClient(client *redis.Client, prefix string, ttl time.Duration) *Store {
	return &Store{
		client: client,
		prefix: prefix,
		ttl:    normalizeTTL(ttl),
	}
}

// Factory creates a Redis store from a "redis://host:port/db" URI.
// Recognized options: TTL, PoolSize, KeyPrefix; the rest are ignored.
func Factory(uri string, opts session.Options) (session.Store, error) {
	ro, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("parse redis URI: %w", err)
	}
	if opts.PoolSize > 0 {
		ro.PoolSize = opts.PoolSize
	}

	client := redis.NewClient(ro)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: redis ping failed: %v", session.ErrBackendUnavailable, err)
	}

	return NewFromClient(client, opts.KeyPrefix, opts.TTL), nil
}

func normalizeTTL(ttl time.Duration) time.Duration {
	switch {
	case ttl == 0:
		return session.DefaultTTL
	case ttl < 0:
		return 0
	default:
		return ttl
	}
}

// Key helpers. The session key format is a compatibility contract.
func (s *Store) sessionKey(appName, userID, sessionID string) string {
	return s.prefix + session.Key{AppName: appName, UserID: userID, SessionID: sessionID}.String()
}

func (s *Store) indexKey(appName, userID string) string {
	return s.prefix + "sessions:" + appName + ":" + userID
}

// CreateSession stores an empty-events session under its key and records
// the session ID in the per-user index set.
func (s *Store) CreateSession(ctx context.Context, appName, userID string, opts session.CreateOptions) (*session.Session, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	now := time.Now().UTC()
	sess := &session.Session{
		AppName:   appName,
		UserID:    userID,
		ID:        sessionID,
		State:     session.ApplyDelta(nil, opts.State),
		Events:    []*session.Event{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}

	// Session key and index entry are written in one transaction so a
	// failure cannot leave a created-but-unindexed session behind. The
	// SAdd is idempotent on an ID collision since a live session is
	// already a member of its user's index.
	var created *redis.BoolCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		created = pipe.SetNX(ctx, s.sessionKey(appName, userID, sessionID), data, s.ttl)
		pipe.SAdd(ctx, s.indexKey(appName, userID), sessionID)
		if s.ttl > 0 {
			pipe.Expire(ctx, s.indexKey(appName, userID), s.ttl)
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("create session", err)
	}
	if !created.Val() {
		return nil, fmt.Errorf("%w: %s", session.ErrSessionExists, sess.Key())
	}

	return sess, nil
}

// GetSession loads the full session and refreshes its TTL.
func (s *Store) GetSession(ctx context.Context, appName, userID, sessionID string) (*session.Session, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	key := s.sessionKey(appName, userID, sessionID)
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, session.ErrSessionNotFound
		}
		return nil, unavailable("get session", err)
	}

	var sess session.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}

	// Active sessions must not expire mid-conversation.
	if s.ttl > 0 {
		pipe := s.client.Pipeline()
		pipe.Expire(ctx, key, s.ttl)
		pipe.Expire(ctx, s.indexKey(appName, userID), s.ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, unavailable("refresh ttl", err)
		}
	}

	return &sess, nil
}

// ListSessions resolves the per-user index set and loads each session as a
// summary. The index is authoritative over SCAN: keys that expired between
// index read and load are skipped and pruned from the index.
func (s *Store) ListSessions(ctx context.Context, appName, userID string) ([]*session.Session, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	ids, err := s.client.SMembers(ctx, s.indexKey(appName, userID)).Result()
	if err != nil {
		return nil, unavailable("list sessions", err)
	}
	sort.Strings(ids)

	summaries := make([]*session.Session, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.Get(ctx, s.sessionKey(appName, userID, id)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Expired since the last write; prune the index.
				s.client.SRem(ctx, s.indexKey(appName, userID), id)
				continue
			}
			return nil, unavailable("list sessions", err)
		}
		var sess session.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return nil, fmt.Errorf("unmarshal session %s: %w", id, err)
		}
		summaries = append(summaries, sess.Summary())
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

// DeleteSession removes the session document and its index entry.
// Idempotent: deleting an absent session succeeds.
func (s *Store) DeleteSession(ctx context.Context, appName, userID, sessionID string) error {
	if err := s.guard(); err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.sessionKey(appName, userID, sessionID))
	pipe.SRem(ctx, s.indexKey(appName, userID), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("delete session", err)
	}
	return nil
}

// AppendEvent appends atomically via an optimistic WATCH transaction: read
// the JSON document, mutate, write it back with a refreshed TTL. A
// concurrent writer invalidates the transaction and the whole read-modify-
// write is retried, so no event is ever lost or half-applied.
func (s *Store) AppendEvent(ctx context.Context, appName, userID, sessionID string, event *session.Event) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := event.Validate(); err != nil {
		return err
	}

	key := s.sessionKey(appName, userID, sessionID)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return session.ErrSessionNotFound
			}
			return err
		}

		var sess session.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return fmt.Errorf("unmarshal session: %w", err)
		}

		sess.Events = append(sess.Events, event)
		sess.State = session.ApplyDelta(sess.State, event.Actions.StateDelta)
		sess.UpdatedAt = time.Now().UTC()

		data, err = json.Marshal(&sess)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			if s.ttl > 0 {
				pipe.Expire(ctx, s.indexKey(appName, userID), s.ttl)
			}
			return nil
		})
		return err
	}

	for i := 0; i < appendTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err == nil || errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, session.ErrInvalidEvent) {
			return err
		}
		return unavailable("append event", err)
	}
	return fmt.Errorf("%w: append transaction conflicted %d times", session.ErrBackendUnavailable, appendTxRetries)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// Ping checks if the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Store) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return session.ErrStoreClosed
	}
	return nil
}

// unavailable translates a driver error into the store error taxonomy.
// Anything that reaches here is a connection-level failure: redis.Nil and
// decode errors are handled at the call sites.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, session.ErrBackendUnavailable, err)
}
