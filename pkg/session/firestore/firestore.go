// Package firestore provides a Google Cloud Firestore session store.
// Each session is one document in a flat collection; appends run inside a
// Firestore transaction, which the client retries on contention.
//
// Expiry uses an expires_at field: configure a Firestore TTL policy on it
// for physical deletion, and reads additionally filter on it because TTL
// deletion is not immediate.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/convokit-dev/convokit/pkg/session"
)

const defaultCollection = "sessions"

// Store implements session.Store using Firestore.
type Store struct {
	client     *firestore.Client
	collection string
	ttl        time.Duration
	now        func() time.Time
	mu         sync.RWMutex
	closed     bool
}

// Config contains configuration for the Firestore session store.
type Config struct {
	ProjectID       string
	CredentialsFile string
	Collection      string
	TTL             time.Duration
}

// Option configures the Firestore session store.
type Option func(*Config)

// WithProjectID sets the GCP project ID (required).
func WithProjectID(id string) Option {
	return func(c *Config) { c.ProjectID = id }
}

// WithCredentialsFile uses service account credentials instead of
// Application Default Credentials.
func WithCredentialsFile(path string) Option {
	return func(c *Config) { c.CredentialsFile = path }
}

// WithCollection overrides the sessions collection name.
func WithCollection(name string) Option {
	return func(c *Config) { c.Collection = name }
}

// WithTTL sets the session expiry duration (default: 24h; negative disables).
func WithTTL(ttl time.Duration) Option {
	return func(c *Config) { c.TTL = ttl }
}

// New creates a Firestore session store.
func New(ctx context.Context, opts ...Option) (*Store, error) {
	cfg := &Config{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project ID is required")
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}

	return NewFromClient(client, cfg.Collection, cfg.TTL), nil
}

// NewFromClient creates a store from an existing client. This is useful for
// testing against the Firestore emulator.
func NewFromClient(client *firestore.Client, collection string, ttl time.Duration) *Store {
	if collection == "" {
		collection = defaultCollection
	}
	return &Store{
		client:     client,
		collection: collection,
		ttl:        normalizeTTL(ttl),
		now:        time.Now,
	}
}

// Factory creates a Firestore store from a "firestore://project/collection"
// URI. Recognized options: TTL; the rest are ignored.
func Factory(uri string, opts session.Options) (session.Store, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse firestore URI: %w", err)
	}
	storeOpts := []Option{
		WithProjectID(u.Host),
		WithTTL(opts.TTL),
	}
	if coll := strings.TrimPrefix(u.Path, "/"); coll != "" {
		storeOpts = append(storeOpts, WithCollection(coll))
	}
	return New(context.Background(), storeOpts...)
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

// docID flattens the session key into a document ID. The separator is
// reserved: key components must not contain "__" or "/".
func docID(appName, userID, sessionID string) (string, error) {
	for _, part := range []string{appName, userID, sessionID} {
		if err := validateIDComponent(part); err != nil {
			return "", err
		}
	}
	return appName + "__" + userID + "__" + sessionID, nil
}

func validateIDComponent(s string) error {
	if s == "" {
		return fmt.Errorf("key component cannot be empty")
	}
	if strings.Contains(s, "__") || strings.ContainsAny(s, "/") {
		return fmt.Errorf("key component %q contains a reserved sequence", s)
	}
	return nil
}

// CreateSession creates the session document, failing on collision.
func (s *Store) CreateSession(ctx context.Context, appName, userID string, opts session.CreateOptions) (*session.Session, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	id, err := docID(appName, userID, sessionID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	sess := &session.Session{
		AppName:   appName,
		UserID:    userID,
		ID:        sessionID,
		State:     session.ApplyDelta(nil, opts.State),
		Events:    []*session.Event{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if _, err := s.client.Collection(s.collection).Doc(id).Create(ctx, fromSession(sess, s.expiry(now))); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return nil, fmt.Errorf("%w: %s", session.ErrSessionExists, sess.Key())
		}
		return nil, translate("create session", err)
	}
	return sess, nil
}

// GetSession loads the full session and refreshes its expiry. Documents the
// TTL policy has not reaped yet are treated as absent.
func (s *Store) GetSession(ctx context.Context, appName, userID, sessionID string) (*session.Session, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	id, err := docID(appName, userID, sessionID)
	if err != nil {
		return nil, err
	}
	ref := s.client.Collection(s.collection).Doc(id)

	snap, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, session.ErrSessionNotFound
		}
		return nil, translate("get session", err)
	}

	var doc sessionDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}

	now := s.now().UTC()
	if doc.expired(now) {
		return nil, session.ErrSessionNotFound
	}

	if s.ttl > 0 {
		update := []firestore.Update{{Path: "expires_at", Value: now.Add(s.ttl)}}
		if _, err := ref.Update(ctx, update); err != nil {
			return nil, translate("refresh expiry", err)
		}
	}

	return doc.toSession()
}

// ListSessions queries by app and user. Expired documents are filtered and
// results are sorted client-side, which avoids requiring a composite index.
func (s *Store) ListSessions(ctx context.Context, appName, userID string) ([]*session.Session, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	iter := s.client.Collection(s.collection).
		Where("app_name", "==", appName).
		Where("user_id", "==", userID).
		Documents(ctx)
	defer iter.Stop()

	summaries := make([]*session.Session, 0)
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, translate("list sessions", err)
		}
		var doc sessionDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		if doc.expired(now) {
			continue
		}
		sess, err := doc.toSession()
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, sess.Summary())
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

// DeleteSession removes the session document. Idempotent: Firestore deletes
// succeed whether or not the document exists.
func (s *Store) DeleteSession(ctx context.Context, appName, userID, sessionID string) error {
	if err := s.guard(); err != nil {
		return err
	}

	id, err := docID(appName, userID, sessionID)
	if err != nil {
		return err
	}
	if _, err := s.client.Collection(s.collection).Doc(id).Delete(ctx); err != nil {
		return translate("delete session", err)
	}
	return nil
}

// AppendEvent reads, mutates and writes the session document inside a
// transaction. The client retries the whole transaction on contention, so
// concurrent appends are never lost.
func (s *Store) AppendEvent(ctx context.Context, appName, userID, sessionID string, event *session.Event) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := event.Validate(); err != nil {
		return err
	}

	id, err := docID(appName, userID, sessionID)
	if err != nil {
		return err
	}
	ref := s.client.Collection(s.collection).Doc(id)

	err = s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return session.ErrSessionNotFound
			}
			return err
		}

		var doc sessionDoc
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode session: %w", err)
		}

		now := s.now().UTC()
		if doc.expired(now) {
			return session.ErrSessionNotFound
		}

		doc.Events = append(doc.Events, fromEvent(event))
		doc.State = session.ApplyDelta(doc.State, event.Actions.StateDelta)
		doc.UpdatedAt = now
		if s.ttl > 0 {
			at := now.Add(s.ttl)
			doc.ExpiresAt = &at
		}

		return tx.Set(ref, doc)
	})
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, session.ErrInvalidEvent) {
			return err
		}
		return translate("append event", err)
	}
	return nil
}

// Close releases the Firestore client.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

func (s *Store) expiry(now time.Time) *time.Time {
	if s.ttl <= 0 {
		return nil
	}
	at := now.Add(s.ttl)
	return &at
}

func (s *Store) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return session.ErrStoreClosed
	}
	return nil
}

// translate maps gRPC status codes onto the store taxonomy.
func translate(op string, err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Unauthenticated, codes.ResourceExhausted:
		return fmt.Errorf("%s: %w: %v", op, session.ErrBackendUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
