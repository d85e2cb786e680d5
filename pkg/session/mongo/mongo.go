// Package mongo provides a MongoDB-backed session store. Each session is
// one document; appends use the server's atomic array-push and field-merge
// operators so concurrent writers never lose an event.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/convokit-dev/convokit/pkg/session"
)

const (
	defaultCollection = "sessions"
	defaultDatabase   = "convokit"
	defaultOpTimeout  = 5 * time.Second
)

// Store implements session.Store using MongoDB.
type Store struct {
	client   *mongodriver.Client
	sessions collection
	ttl      time.Duration
	timeout  time.Duration
	now      func() time.Time
	mu       sync.RWMutex
	closed   bool
}

// Config holds MongoDB session store configuration.
type Config struct {
	// Client is a connected Mongo client (required).
	Client *mongodriver.Client
	// Database is the database name (required).
	Database string
	// Collection is the sessions collection (default: "sessions").
	Collection string
	// TTL is the session expiry duration (default: 24h; negative disables).
	TTL time.Duration
	// Timeout bounds each storage operation (default: 5s).
	Timeout time.Duration
}

// New creates a Mongo session store and ensures its indexes.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if cfg.Database == "" {
		return nil, errors.New("database name is required")
	}
	coll := cfg.Collection
	if coll == "" {
		coll = defaultCollection
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	s := &Store{
		client:   cfg.Client,
		sessions: mongoCollection{coll: cfg.Client.Database(cfg.Database).Collection(coll)},
		ttl:      normalizeTTL(cfg.TTL),
		timeout:  timeout,
		now:      time.Now,
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	return s, nil
}

// Factory creates a Mongo store from a "mongodb://host:port/db" URI.
// Recognized options: TTL; the rest are ignored.
func Factory(uri string, opts session.Options) (session.Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultOpTimeout)
	defer cancel()

	client, err := mongodriver.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: mongodb ping failed: %v", session.ErrBackendUnavailable, err)
	}

	return New(Config{
		Client:   client,
		Database: databaseFromURI(uri),
		TTL:      opts.TTL,
	})
}

func databaseFromURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return defaultDatabase
	}
	db := strings.TrimPrefix(u.Path, "/")
	if db == "" {
		return defaultDatabase
	}
	return db
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

func (s *Store) ensureIndexes(ctx context.Context) error {
	keyIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "app_name", Value: 1},
			{Key: "user_id", Value: 1},
			{Key: "session_id", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	if _, err := s.sessions.Indexes().CreateOne(ctx, keyIndex); err != nil {
		return err
	}
	// The server's TTL reaper deletes documents once expires_at passes.
	// Reads still filter on expires_at because the reaper runs periodically.
	ttlIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	}
	_, err := s.sessions.Indexes().CreateOne(ctx, ttlIndex)
	return err
}

// CreateSession inserts a new session document. A duplicate key on the
// (app_name, user_id, session_id) index reports ErrSessionExists.
func (s *Store) CreateSession(ctx context.Context, appName, userID string, opts session.CreateOptions) (*session.Session, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
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

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.sessions.InsertOne(ctx, fromSession(sess, s.expiry(now))); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("%w: %s", session.ErrSessionExists, sess.Key())
		}
		return nil, translate("create session", err)
	}
	return sess, nil
}

// GetSession loads the full session document and refreshes its expiry.
func (s *Store) GetSession(ctx context.Context, appName, userID, sessionID string) (*session.Session, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.now().UTC()
	var doc sessionDocument
	if err := s.sessions.FindOne(ctx, s.filter(appName, userID, sessionID, now)).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, session.ErrSessionNotFound
		}
		return nil, translate("get session", err)
	}

	// Refresh the retention window on read.
	if s.ttl > 0 {
		update := bson.M{"$set": bson.M{"expires_at": now.Add(s.ttl)}}
		if _, err := s.sessions.UpdateOne(ctx, s.filter(appName, userID, sessionID, now), update); err != nil {
			return nil, translate("refresh expiry", err)
		}
	}

	return doc.toSession()
}

// ListSessions queries by (app_name, user_id), excluding expired documents
// and the events array. Most recently updated first.
func (s *Store) ListSessions(ctx context.Context, appName, userID string) ([]*session.Session, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"app_name": appName, "user_id": userID}
	if s.ttl > 0 {
		filter["expires_at"] = bson.M{"$gt": s.now().UTC()}
	}
	opts := options.Find().
		SetProjection(bson.M{"events": 0}).
		SetSort(bson.D{{Key: "updated_at", Value: -1}})

	cur, err := s.sessions.Find(ctx, filter, opts)
	if err != nil {
		return nil, translate("list sessions", err)
	}
	defer func() {
		_ = cur.Close(ctx)
	}()

	summaries := make([]*session.Session, 0)
	for cur.Next(ctx) {
		var doc sessionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, translate("decode session", err)
		}
		sess, err := doc.toSession()
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, sess.Summary())
	}
	if err := cur.Err(); err != nil {
		return nil, translate("list sessions", err)
	}
	return summaries, nil
}

// DeleteSession removes the session document. Idempotent.
func (s *Store) DeleteSession(ctx context.Context, appName, userID, sessionID string) error {
	if err := s.guard(); err != nil {
		return err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"app_name": appName, "user_id": userID, "session_id": sessionID}
	if _, err := s.sessions.DeleteOne(ctx, filter); err != nil {
		return translate("delete session", err)
	}
	return nil
}

// AppendEvent pushes the event and merges its state delta in a single
// UpdateOne, so the append is atomic on the server and concurrent appends
// interleave without loss.
func (s *Store) AppendEvent(ctx context.Context, appName, userID, sessionID string, event *session.Event) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := event.Validate(); err != nil {
		return err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.now().UTC()
	set := bson.M{"updated_at": now}
	if s.ttl > 0 {
		set["expires_at"] = now.Add(s.ttl)
	}
	for k, v := range event.Actions.StateDelta {
		set["state."+k] = v
	}
	update := bson.M{
		"$push": bson.M{"events": fromEvent(event)},
		"$set":  set,
	}

	res, err := s.sessions.UpdateOne(ctx, s.filter(appName, userID, sessionID, now), update)
	if err != nil {
		return translate("append event", err)
	}
	if res.MatchedCount == 0 {
		return session.ErrSessionNotFound
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Ping checks connectivity to the primary.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return translate("ping", err)
	}
	return nil
}

// filter addresses one live session document.
func (s *Store) filter(appName, userID, sessionID string, now time.Time) bson.M {
	filter := bson.M{"app_name": appName, "user_id": userID, "session_id": sessionID}
	if s.ttl > 0 {
		filter["expires_at"] = bson.M{"$gt": now}
	}
	return filter
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

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// translate converts driver errors into the store taxonomy. Timeouts and
// network errors are transient; callers must be able to tell them apart
// from a missing session.
func translate(op string, err error) error {
	if mongodriver.IsTimeout(err) || mongodriver.IsNetworkError(err) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, mongodriver.ErrClientDisconnected) {
		return fmt.Errorf("%s: %w: %v", op, session.ErrBackendUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
