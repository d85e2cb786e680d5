package observability

import (
	"context"
	"errors"
	"time"

	"github.com/convokit-dev/convokit/pkg/session"
)

// InstrumentedStore wraps a session.Store and records Prometheus metrics
// for every operation. It adds no behavior of its own; wrap the store
// before handing it to session.NewService.
type InstrumentedStore struct {
	store   session.Store
	backend string
}

// NewInstrumentedStore wraps a store. The backend label should be the URI
// scheme the store was resolved from (e.g. "redis").
func NewInstrumentedStore(store session.Store, backend string) *InstrumentedStore {
	InitMetrics()
	return &InstrumentedStore{store: store, backend: backend}
}

// CreateSession implements session.Store.
func (s *InstrumentedStore) CreateSession(ctx context.Context, appName, userID string, opts session.CreateOptions) (*session.Session, error) {
	start := time.Now()
	sess, err := s.store.CreateSession(ctx, appName, userID, opts)
	RecordStoreOp(s.backend, "create_session", statusLabel(err), time.Since(start))
	if err == nil {
		RecordSessionCreated(s.backend)
	}
	return sess, err
}

// GetSession implements session.Store.
func (s *InstrumentedStore) GetSession(ctx context.Context, appName, userID, sessionID string) (*session.Session, error) {
	start := time.Now()
	sess, err := s.store.GetSession(ctx, appName, userID, sessionID)
	RecordStoreOp(s.backend, "get_session", statusLabel(err), time.Since(start))
	return sess, err
}

// ListSessions implements session.Store.
func (s *InstrumentedStore) ListSessions(ctx context.Context, appName, userID string) ([]*session.Session, error) {
	start := time.Now()
	sessions, err := s.store.ListSessions(ctx, appName, userID)
	RecordStoreOp(s.backend, "list_sessions", statusLabel(err), time.Since(start))
	return sessions, err
}

// DeleteSession implements session.Store.
func (s *InstrumentedStore) DeleteSession(ctx context.Context, appName, userID, sessionID string) error {
	start := time.Now()
	err := s.store.DeleteSession(ctx, appName, userID, sessionID)
	RecordStoreOp(s.backend, "delete_session", statusLabel(err), time.Since(start))
	return err
}

// AppendEvent implements session.Store.
func (s *InstrumentedStore) AppendEvent(ctx context.Context, appName, userID, sessionID string, event *session.Event) error {
	start := time.Now()
	err := s.store.AppendEvent(ctx, appName, userID, sessionID, event)
	RecordStoreOp(s.backend, "append_event", statusLabel(err), time.Since(start))
	if err == nil {
		RecordEventAppended(s.backend)
	}
	return err
}

// Close implements session.Store.
func (s *InstrumentedStore) Close() error {
	return s.store.Close()
}

// Ping forwards to the wrapped store when it supports connectivity checks.
func (s *InstrumentedStore) Ping(ctx context.Context) error {
	if p, ok := s.store.(session.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// statusLabel buckets errors into low-cardinality metric labels.
func statusLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, session.ErrSessionNotFound):
		return "not_found"
	case errors.Is(err, session.ErrSessionExists):
		return "already_exists"
	case errors.Is(err, session.ErrInvalidEvent):
		return "invalid_event"
	case errors.Is(err, session.ErrBackendUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
