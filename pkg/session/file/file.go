// Package file provides a session store backed by JSONL files, the default
// for local development when no server-backed store is configured.
//
// Storage layout:
//
//	<base-dir>/
//	  └── <app-name>/
//	      └── <user-id>/
//	          ├── sessions.json      # summary index: id -> summary
//	          └── <session-id>.jsonl # append-only event log
package file

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/convokit-dev/convokit/pkg/session"
)

// ErrInvalidPathComponent is returned when a key component contains unsafe
// characters.
var ErrInvalidPathComponent = errors.New("invalid path component: contains path separator or traversal sequence")

// validatePathComponent checks that a string is safe to use as a path
// component. It rejects empty strings, path separators and traversal
// sequences.
func validatePathComponent(s string) error {
	if s == "" {
		return errors.New("path component cannot be empty")
	}
	if strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return ErrInvalidPathComponent
	}
	return nil
}

// Store implements session.Store using JSONL files.
type Store struct {
	baseDir string
	ttl     time.Duration
	now     func() time.Time
	mu      sync.RWMutex
	closed  bool
}

// summary is the indexed portion of a session: everything except events.
type summary struct {
	AppName   string         `json:"app_name"`
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id"`
	State     map[string]any `json:"state"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Option configures the file store.
type Option func(*Store)

// WithTTL expires sessions after d of inactivity (zero disables, the
// default).
func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// WithClock overrides the time source. Useful for expiry tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a file-based session store.
// If baseDir is empty, uses ~/.convokit/sessions.
func New(baseDir string, opts ...Option) (*Store, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".convokit", "sessions")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	s := &Store{
		baseDir: baseDir,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Factory creates a file store from a "file:///path" URI. An empty path
// selects the default directory. Recognized options: TTL.
func Factory(uri string, opts session.Options) (session.Store, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse file URI: %w", err)
	}
	return New(u.Path, WithTTL(opts.TTL))
}

func (s *Store) userDir(appName, userID string) string {
	return filepath.Join(s.baseDir, appName, userID)
}

func (s *Store) expired(sum *summary, now time.Time) bool {
	return s.ttl > 0 && now.After(sum.UpdatedAt.Add(s.ttl))
}

// CreateSession writes a new summary into the user's index.
func (s *Store) CreateSession(ctx context.Context, appName, userID string, opts session.CreateOptions) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, session.ErrStoreClosed
	}

	if err := validatePathComponent(appName); err != nil {
		return nil, fmt.Errorf("invalid app name: %w", err)
	}
	if err := validatePathComponent(userID); err != nil {
		return nil, fmt.Errorf("invalid user ID: %w", err)
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if err := validatePathComponent(sessionID); err != nil {
		return nil, fmt.Errorf("invalid session ID: %w", err)
	}

	dir := s.userDir(appName, userID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create user directory: %w", err)
	}

	index, err := s.readIndex(dir)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if existing, ok := index[sessionID]; ok && !s.expired(existing, now) {
		return nil, fmt.Errorf("%w: %s", session.ErrSessionExists,
			session.Key{AppName: appName, UserID: userID, SessionID: sessionID})
	}

	sum := &summary{
		AppName:   appName,
		UserID:    userID,
		SessionID: sessionID,
		State:     session.ApplyDelta(nil, opts.State),
		CreatedAt: now,
		UpdatedAt: now,
	}
	index[sessionID] = sum

	// A stale event log from an expired predecessor must not leak into
	// the new session.
	_ = os.Remove(filepath.Join(dir, sessionID+".jsonl"))

	if err := s.writeIndex(dir, index); err != nil {
		return nil, err
	}
	return sum.toSession([]*session.Event{}), nil
}

// GetSession loads the summary plus the full event log.
func (s *Store) GetSession(ctx context.Context, appName, userID, sessionID string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, session.ErrStoreClosed
	}

	sum, err := s.findSummary(appName, userID, sessionID)
	if err != nil {
		return nil, err
	}

	events, err := s.readEvents(s.userDir(appName, userID), sessionID)
	if err != nil {
		return nil, err
	}
	return sum.toSession(events), nil
}

// ListSessions returns non-expired summaries, most recently updated first.
func (s *Store) ListSessions(ctx context.Context, appName, userID string) ([]*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, session.ErrStoreClosed
	}

	if err := validatePathComponent(appName); err != nil {
		return nil, fmt.Errorf("invalid app name: %w", err)
	}
	if err := validatePathComponent(userID); err != nil {
		return nil, fmt.Errorf("invalid user ID: %w", err)
	}

	index, err := s.readIndex(s.userDir(appName, userID))
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	summaries := make([]*session.Session, 0, len(index))
	for _, sum := range index {
		if s.expired(sum, now) {
			continue
		}
		summaries = append(summaries, sum.toSession([]*session.Event{}))
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

// DeleteSession removes the event log and the index entry. Idempotent.
func (s *Store) DeleteSession(ctx context.Context, appName, userID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return session.ErrStoreClosed
	}

	if err := validatePathComponent(appName); err != nil {
		return fmt.Errorf("invalid app name: %w", err)
	}
	if err := validatePathComponent(userID); err != nil {
		return fmt.Errorf("invalid user ID: %w", err)
	}
	if err := validatePathComponent(sessionID); err != nil {
		return fmt.Errorf("invalid session ID: %w", err)
	}

	dir := s.userDir(appName, userID)
	_ = os.Remove(filepath.Join(dir, sessionID+".jsonl"))

	index, err := s.readIndex(dir)
	if err != nil {
		return err
	}
	if _, ok := index[sessionID]; !ok {
		return nil
	}
	delete(index, sessionID)
	return s.writeIndex(dir, index)
}

// AppendEvent appends a JSON line to the session's event log and folds the
// state delta into the indexed summary.
func (s *Store) AppendEvent(ctx context.Context, appName, userID, sessionID string, event *session.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return session.ErrStoreClosed
	}

	sum, err := s.findSummary(appName, userID, sessionID)
	if err != nil {
		return err
	}

	dir := s.userDir(appName, userID)
	entriesPath := filepath.Join(dir, sessionID+".jsonl")

	f, err := os.OpenFile(entriesPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) // #nosec G304 - path components validated to prevent traversal
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer func() { _ = f.Close() }()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	index, err := s.readIndex(dir)
	if err != nil {
		return err
	}
	sum.State = session.ApplyDelta(sum.State, event.Actions.StateDelta)
	sum.UpdatedAt = s.now().UTC()
	index[sessionID] = sum
	return s.writeIndex(dir, index)
}

// Close rejects further operations.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

// findSummary validates the key and returns the live summary.
// Caller must hold a lock.
func (s *Store) findSummary(appName, userID, sessionID string) (*summary, error) {
	if err := validatePathComponent(appName); err != nil {
		return nil, fmt.Errorf("invalid app name: %w", err)
	}
	if err := validatePathComponent(userID); err != nil {
		return nil, fmt.Errorf("invalid user ID: %w", err)
	}
	if err := validatePathComponent(sessionID); err != nil {
		return nil, fmt.Errorf("invalid session ID: %w", err)
	}

	index, err := s.readIndex(s.userDir(appName, userID))
	if err != nil {
		return nil, err
	}
	sum, ok := index[sessionID]
	if !ok || s.expired(sum, s.now().UTC()) {
		return nil, session.ErrSessionNotFound
	}
	return sum, nil
}

func (s *Store) readIndex(dir string) (map[string]*summary, error) {
	index := make(map[string]*summary)

	data, err := os.ReadFile(filepath.Join(dir, "sessions.json")) // #nosec G304 - path components validated to prevent traversal
	if err != nil {
		if os.IsNotExist(err) {
			return index, nil
		}
		return nil, fmt.Errorf("read sessions index: %w", err)
	}
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse sessions index: %w", err)
	}
	return index, nil
}

func (s *Store) writeIndex(dir string, index map[string]*summary) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sessions index: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sessions.json"), data, 0600); err != nil {
		return fmt.Errorf("write sessions index: %w", err)
	}
	return nil
}

func (s *Store) readEvents(dir, sessionID string) ([]*session.Event, error) {
	f, err := os.Open(filepath.Join(dir, sessionID+".jsonl")) // #nosec G304 - path components validated to prevent traversal
	if err != nil {
		if os.IsNotExist(err) {
			return []*session.Event{}, nil
		}
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var events []*session.Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev session.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("parse event: %w", err)
		}
		events = append(events, &ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan event log: %w", err)
	}
	if events == nil {
		events = []*session.Event{}
	}
	return events, nil
}

func (sum *summary) toSession(events []*session.Event) *session.Session {
	state := sum.State
	if state == nil {
		state = make(map[string]any)
	}
	return &session.Session{
		AppName:   sum.AppName,
		UserID:    sum.UserID,
		ID:        sum.SessionID,
		State:     state,
		Events:    events,
		CreatedAt: sum.CreatedAt,
		UpdatedAt: sum.UpdatedAt,
	}
}
