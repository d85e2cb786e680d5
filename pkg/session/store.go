package session

import (
	"context"
	"errors"
)

// Common errors for storage operations. Backend implementations translate
// driver-specific failures into these before they cross the store boundary,
// so callers never see vendor error types.
var (
	// ErrSessionNotFound is returned when a session doesn't exist or has
	// expired. Callers may recover by creating a fresh session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned when creating a session with an
	// explicit ID that collides with an existing session.
	ErrSessionExists = errors.New("session already exists")
	// ErrInvalidEvent is returned for events missing a required author or
	// carrying a malformed payload. Nothing is persisted.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrUnknownScheme is returned when no factory is registered for a
	// storage URI scheme. This is a configuration error; fail fast rather
	// than falling back to a different backend.
	ErrUnknownScheme = errors.New("unknown storage scheme")
	// ErrBackendUnavailable is returned for connection-level failures
	// (network timeout, auth failure). It is transient: retry with
	// backoff, never interpret it as "session doesn't exist".
	ErrBackendUnavailable = errors.New("storage backend unavailable")
	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("session store is closed")
)

// Store abstracts session persistence.
// Implementations must be safe for concurrent use, and concurrent
// AppendEvent calls against the same session must never lose an event.
type Store interface {
	// CreateSession allocates a new session with empty events and the
	// given initial state, and returns it. An explicit session ID that
	// collides with an existing session fails with ErrSessionExists.
	CreateSession(ctx context.Context, appName, userID string, opts CreateOptions) (*Session, error)

	// GetSession returns the session with state and events fully
	// populated. Returns ErrSessionNotFound if the key does not exist or
	// has expired. On TTL backends a successful read refreshes the expiry.
	GetSession(ctx context.Context, appName, userID, sessionID string) (*Session, error)

	// ListSessions returns summaries of all non-expired sessions for the
	// user, most recently updated first. Summaries do not hydrate event
	// logs; use GetSession for full history.
	ListSessions(ctx context.Context, appName, userID string) ([]*Session, error)

	// DeleteSession removes a session and all its events.
	// Idempotent: deleting an absent session succeeds.
	DeleteSession(ctx context.Context, appName, userID, sessionID string) error

	// AppendEvent atomically appends the event to the session's log,
	// folds its state delta into the stored state and bumps the update
	// time. Returns ErrSessionNotFound if the session does not exist.
	// On TTL backends the expiry window is refreshed.
	AppendEvent(ctx context.Context, appName, userID, sessionID string, event *Event) error

	// Close releases any resources held by the store.
	Close() error
}

// Pinger is implemented by backends that can report connectivity,
// for wiring into health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CreateOptions configures session creation.
type CreateOptions struct {
	// SessionID requests an explicit session ID. When empty the backend
	// generates one.
	SessionID string
	// State is the initial session state.
	State map[string]any
}
