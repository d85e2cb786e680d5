package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const tracerName = "github.com/convokit-dev/convokit/pkg/session"

// Service is the object callers hold. It wraps a resolved Store and adds
// backend-independent behavior: event validation, timestamp normalization,
// uniform list results, tracing and bounded retry with exponential backoff
// on transient backend failures.
// Service is safe for concurrent use.
type Service struct {
	store      Store
	clock      func() time.Time
	logger     *slog.Logger
	tracer     trace.Tracer
	limiter    *rate.Limiter
	maxRetries int
	retryBase  time.Duration
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the time source. Useful for tests.
func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) { s.clock = clock }
}

// WithRetry configures retries on ErrBackendUnavailable: up to max retries
// with exponential backoff starting at base. Zero max disables retries.
func WithRetry(max int, base time.Duration) ServiceOption {
	return func(s *Service) {
		s.maxRetries = max
		s.retryBase = base
	}
}

// WithRateLimit caps backend calls at rps operations per second with the
// given burst, protecting a shared store from a misbehaving caller.
func WithRateLimit(rps float64, burst int) ServiceOption {
	return func(s *Service) { s.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// NewService wraps a store obtained from a Registry.
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:      store,
		clock:      time.Now,
		logger:     slog.Default(),
		tracer:     otel.Tracer(tracerName),
		maxRetries: 3,
		retryBase:  100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSession creates a new session for the user, empty except for the
// optional initial state.
func (s *Service) CreateSession(ctx context.Context, appName, userID string, opts CreateOptions) (*Session, error) {
	if appName == "" {
		return nil, fmt.Errorf("app name is required")
	}
	if userID == "" {
		return nil, fmt.Errorf("user ID is required")
	}

	var sess *Session
	err := s.do(ctx, "create_session", appName, userID, func(ctx context.Context) error {
		var err error
		sess, err = s.store.CreateSession(ctx, appName, userID, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.normalize(sess), nil
}

// GetSession retrieves a session with state and events fully populated.
func (s *Service) GetSession(ctx context.Context, appName, userID, sessionID string) (*Session, error) {
	if err := (Key{appName, userID, sessionID}).Validate(); err != nil {
		return nil, err
	}
	var sess *Session
	err := s.do(ctx, "get_session", appName, userID, func(ctx context.Context) error {
		var err error
		sess, err = s.store.GetSession(ctx, appName, userID, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.normalize(sess), nil
}

// GetOrCreate returns the session when it exists and transparently starts a
// fresh one with the same ID when it doesn't (e.g. after TTL expiry).
func (s *Service) GetOrCreate(ctx context.Context, appName, userID, sessionID string) (*Session, error) {
	sess, err := s.GetSession(ctx, appName, userID, sessionID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}
	sess, err = s.CreateSession(ctx, appName, userID, CreateOptions{SessionID: sessionID})
	if errors.Is(err, ErrSessionExists) {
		// Lost a race with a concurrent creator; the session exists now.
		return s.GetSession(ctx, appName, userID, sessionID)
	}
	return sess, err
}

// ListSessions returns summaries of the user's non-expired sessions, most
// recently updated first. Results are uniform regardless of backend: state
// is never nil and event logs are empty, not absent.
func (s *Service) ListSessions(ctx context.Context, appName, userID string) ([]*Session, error) {
	if appName == "" {
		return nil, fmt.Errorf("app name is required")
	}
	if userID == "" {
		return nil, fmt.Errorf("user ID is required")
	}
	var sessions []*Session
	err := s.do(ctx, "list_sessions", appName, userID, func(ctx context.Context) error {
		var err error
		sessions, err = s.store.ListSessions(ctx, appName, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Session, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, s.normalize(sess))
	}
	return out, nil
}

// DeleteSession removes a session. Deleting an absent session succeeds.
func (s *Service) DeleteSession(ctx context.Context, appName, userID, sessionID string) error {
	if err := (Key{appName, userID, sessionID}).Validate(); err != nil {
		return err
	}
	return s.do(ctx, "delete_session", appName, userID, func(ctx context.Context) error {
		return s.store.DeleteSession(ctx, appName, userID, sessionID)
	})
}

// AppendEvent validates the event, stamps its ID and timestamp when unset
// and appends it to the session. Events missing an author are rejected with
// ErrInvalidEvent before anything reaches the backend.
func (s *Service) AppendEvent(ctx context.Context, appName, userID, sessionID string, event *Event) error {
	if err := (Key{appName, userID, sessionID}).Validate(); err != nil {
		return err
	}
	if err := event.Validate(); err != nil {
		return err
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp == 0 {
		event.Timestamp = EpochSeconds(s.clock())
	}
	return s.do(ctx, "append_event", appName, userID, func(ctx context.Context) error {
		return s.store.AppendEvent(ctx, appName, userID, sessionID, event)
	})
}

// Close releases the underlying store.
func (s *Service) Close() error {
	return s.store.Close()
}

// do runs one backend call under a span, retrying transient failures with
// exponential backoff. Retries are whole-operation: backends guarantee a
// timed-out call left no partial mutation behind.
func (s *Service) do(ctx context.Context, op, appName, userID string, fn func(context.Context) error) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	ctx, span := s.tracer.Start(ctx, "session."+op,
		trace.WithAttributes(
			attribute.String("session.app_name", appName),
			attribute.String("session.user_id", userID),
		),
	)
	defer span.End()

	var err error
	delay := s.retryBase
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || !errors.Is(err, ErrBackendUnavailable) || attempt >= s.maxRetries {
			break
		}
		s.logger.Warn("session store unavailable, retrying",
			"op", op, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			span.RecordError(ctx.Err())
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}

	if err != nil {
		span.RecordError(err)
	}
	return err
}

// normalize makes backend results uniform: state is never nil and summaries
// carry an empty (not nil) event slice.
func (s *Service) normalize(sess *Session) *Session {
	if sess == nil {
		return nil
	}
	if sess.State == nil {
		sess.State = make(map[string]any)
	}
	if sess.Events == nil {
		sess.Events = []*Event{}
	}
	return sess
}
