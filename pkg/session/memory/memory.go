// Package memory provides an in-process session store used for tests and
// local development. Sessions do not survive a process restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/convokit-dev/convokit/pkg/session"
)

// Store implements session.Store with nested in-memory maps keyed by
// app name, user ID and session ID. Expiry is lazy: expired sessions are
// dropped when touched, or eagerly by an optional cron janitor.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]map[string]map[string]*record
	ttl      time.Duration
	now      func() time.Time
	janitor  *cron.Cron
	closed   bool
}

type record struct {
	sess      *session.Session
	expiresAt time.Time
}

// Option configures the in-memory store.
type Option func(*Store)

// WithTTL enables expiry after d of inactivity. Zero means sessions never
// expire, which is the default for this backend.
func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// WithClock overrides the time source. Useful for expiry tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]map[string]map[string]*record),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Factory creates an in-memory store from a "memory://" URI. The URI
// remainder and networked options (pool size, key prefix) are ignored.
func Factory(_ string, opts session.Options) (session.Store, error) {
	return New(WithTTL(opts.TTL)), nil
}

// StartJanitor schedules an eager sweep of expired sessions on the given
// cron spec (e.g. "@every 1m"). Without a janitor expired sessions linger
// until the next touch, which is fine for tests but wasteful for
// long-running processes with a TTL.
func (s *Store) StartJanitor(spec string) error {
	if s.janitor != nil {
		return fmt.Errorf("janitor already started")
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, s.Sweep); err != nil {
		return fmt.Errorf("schedule janitor: %w", err)
	}
	c.Start()
	s.janitor = c
	return nil
}

// Sweep removes all expired sessions.
func (s *Store) Sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, users := range s.sessions {
		for _, byID := range users {
			for id, r := range byID {
				if r.expired(now) {
					delete(byID, id)
				}
			}
		}
	}
}

func (r *record) expired(now time.Time) bool {
	return !r.expiresAt.IsZero() && now.After(r.expiresAt)
}

// CreateSession allocates a new session with empty events.
func (s *Store) CreateSession(ctx context.Context, appName, userID string, opts session.CreateOptions) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, session.ErrStoreClosed
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	now := s.now().UTC()
	byID := s.bucket(appName, userID)
	if r, ok := byID[sessionID]; ok && !r.expired(now) {
		return nil, fmt.Errorf("%w: %s", session.ErrSessionExists,
			session.Key{AppName: appName, UserID: userID, SessionID: sessionID})
	}

	sess := &session.Session{
		AppName:   appName,
		UserID:    userID,
		ID:        sessionID,
		State:     session.ApplyDelta(nil, opts.State),
		Events:    []*session.Event{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	byID[sessionID] = &record{sess: sess, expiresAt: s.deadline(now)}

	return sess.Clone(), nil
}

// GetSession returns the full session and refreshes its expiry.
func (s *Store) GetSession(ctx context.Context, appName, userID, sessionID string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, session.ErrStoreClosed
	}

	r, err := s.lookup(appName, userID, sessionID)
	if err != nil {
		return nil, err
	}
	r.expiresAt = s.deadline(s.now().UTC())
	return r.sess.Clone(), nil
}

// ListSessions returns summaries of non-expired sessions, most recently
// updated first.
func (s *Store) ListSessions(ctx context.Context, appName, userID string) ([]*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, session.ErrStoreClosed
	}

	now := s.now()
	summaries := make([]*session.Session, 0)
	for _, r := range s.sessions[appName][userID] {
		if r.expired(now) {
			continue
		}
		summaries = append(summaries, r.sess.Summary())
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

// DeleteSession removes a session. Deleting an absent session succeeds.
func (s *Store) DeleteSession(ctx context.Context, appName, userID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return session.ErrStoreClosed
	}

	delete(s.sessions[appName][userID], sessionID)
	return nil
}

// AppendEvent appends the event, folds its state delta and bumps the
// session's update time and expiry.
func (s *Store) AppendEvent(ctx context.Context, appName, userID, sessionID string, event *session.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return session.ErrStoreClosed
	}

	r, err := s.lookup(appName, userID, sessionID)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	r.sess.Events = append(r.sess.Events, event.Clone())
	r.sess.State = session.ApplyDelta(r.sess.State, event.Actions.StateDelta)
	r.sess.UpdatedAt = now
	r.expiresAt = s.deadline(now)

	return nil
}

// Close stops the janitor and rejects further operations.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	if s.janitor != nil {
		s.janitor.Stop()
	}
	s.closed = true
	return nil
}

// lookup finds a live record. Caller must hold the write lock: an expired
// record is deleted on the way out.
func (s *Store) lookup(appName, userID, sessionID string) (*record, error) {
	r, ok := s.sessions[appName][userID][sessionID]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	if r.expired(s.now()) {
		delete(s.sessions[appName][userID], sessionID)
		return nil, session.ErrSessionNotFound
	}
	return r, nil
}

func (s *Store) bucket(appName, userID string) map[string]*record {
	users, ok := s.sessions[appName]
	if !ok {
		users = make(map[string]map[string]*record)
		s.sessions[appName] = users
	}
	byID, ok := users[userID]
	if !ok {
		byID = make(map[string]*record)
		users[userID] = byID
	}
	return byID
}

func (s *Store) deadline(now time.Time) time.Time {
	if s.ttl <= 0 {
		return time.Time{}
	}
	return now.Add(s.ttl)
}
