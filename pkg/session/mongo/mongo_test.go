package mongo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/convokit-dev/convokit/pkg/session"
)

// fakeCollection implements collection with canned results and records the
// filters and updates the store sends to the driver.
type fakeCollection struct {
	insertErr error
	inserted  []any

	findOneDoc *sessionDocument
	findOneErr error

	updateResult *mongodriver.UpdateResult
	updateErr    error
	lastFilter   any
	lastUpdate   any

	deleteErr   error
	lastDeleted any

	findDocs []sessionDocument
	findErr  error
}

func (f *fakeCollection) InsertOne(ctx context.Context, doc any,
	opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	f.inserted = append(f.inserted, doc)
	return &mongodriver.InsertOneResult{}, nil
}

func (f *fakeCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	f.lastFilter = filter
	return fakeSingleResult{doc: f.findOneDoc, err: f.findOneErr}
}

func (f *fakeCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	f.lastFilter = filter
	if f.findErr != nil {
		return nil, f.findErr
	}
	return &fakeCursor{docs: f.findDocs, pos: -1}, nil
}

func (f *fakeCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	f.lastFilter = filter
	f.lastUpdate = update
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	if f.updateResult != nil {
		return f.updateResult, nil
	}
	return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

func (f *fakeCollection) DeleteOne(ctx context.Context, filter any,
	opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	f.lastDeleted = filter
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	return &mongodriver.DeleteResult{DeletedCount: 1}, nil
}

func (f *fakeCollection) Indexes() indexView {
	return fakeIndexView{}
}

type fakeIndexView struct{}

func (fakeIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	return "idx", nil
}

type fakeSingleResult struct {
	doc *sessionDocument
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	*(val.(*sessionDocument)) = *r.doc
	return nil
}

type fakeCursor struct {
	docs []sessionDocument
	pos  int
}

func (c *fakeCursor) Close(ctx context.Context) error { return nil }
func (c *fakeCursor) Err() error                      { return nil }

func (c *fakeCursor) Next(ctx context.Context) bool {
	c.pos++
	return c.pos < len(c.docs)
}

func (c *fakeCursor) Decode(val any) error {
	*(val.(*sessionDocument)) = c.docs[c.pos]
	return nil
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(coll collection, ttl time.Duration) *Store {
	return &Store{
		sessions: coll,
		ttl:      normalizeTTL(ttl),
		timeout:  time.Second,
		now:      func() time.Time { return testNow },
	}
}

func TestCreateSessionInsertsDocument(t *testing.T) {
	coll := &fakeCollection{}
	store := newTestStore(coll, time.Hour)

	sess, err := store.CreateSession(context.Background(), "app1", "u1", session.CreateOptions{
		SessionID: "s1",
		State:     map[string]any{"x": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, "s1", sess.ID)

	require.Len(t, coll.inserted, 1)
	doc := coll.inserted[0].(sessionDocument)
	assert.Equal(t, "app1", doc.AppName)
	assert.Equal(t, "u1", doc.UserID)
	assert.Equal(t, "s1", doc.SessionID)
	require.NotNil(t, doc.ExpiresAt)
	assert.Equal(t, testNow.Add(time.Hour), *doc.ExpiresAt)
}

func TestCreateSessionGeneratesID(t *testing.T) {
	store := newTestStore(&fakeCollection{}, 0)

	sess, err := store.CreateSession(context.Background(), "app1", "u1", session.CreateOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
}

func TestCreateSessionDuplicateKey(t *testing.T) {
	coll := &fakeCollection{
		insertErr: mongodriver.WriteException{
			WriteErrors: mongodriver.WriteErrors{{Code: 11000}},
		},
	}
	store := newTestStore(coll, 0)

	_, err := store.CreateSession(context.Background(), "app1", "u1", session.CreateOptions{SessionID: "s1"})
	assert.ErrorIs(t, err, session.ErrSessionExists)
}

func TestGetSessionNotFound(t *testing.T) {
	coll := &fakeCollection{findOneErr: mongodriver.ErrNoDocuments}
	store := newTestStore(coll, 0)

	_, err := store.GetSession(context.Background(), "app1", "u1", "s1")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestGetSessionDecodesDocument(t *testing.T) {
	expires := testNow.Add(time.Hour)
	coll := &fakeCollection{
		findOneDoc: &sessionDocument{
			AppName:   "app1",
			UserID:    "u1",
			SessionID: "s1",
			State:     map[string]any{"x": int32(1)},
			Events: []eventDocument{
				{ID: "e1", Author: "u1", Timestamp: 42},
			},
			CreatedAt: testNow,
			UpdatedAt: testNow,
			ExpiresAt: &expires,
		},
	}
	store := newTestStore(coll, time.Hour)

	sess, err := store.GetSession(context.Background(), "app1", "u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", sess.ID)
	require.Len(t, sess.Events, 1)
	assert.Equal(t, "u1", sess.Events[0].Author)

	// The read refreshed the retention window.
	require.NotNil(t, coll.lastUpdate)
	set := coll.lastUpdate.(bson.M)["$set"].(bson.M)
	assert.Equal(t, testNow.Add(time.Hour), set["expires_at"])
}

func TestGetSessionFilterExcludesExpired(t *testing.T) {
	coll := &fakeCollection{findOneErr: mongodriver.ErrNoDocuments}
	store := newTestStore(coll, time.Hour)

	_, _ = store.GetSession(context.Background(), "app1", "u1", "s1")

	filter := coll.lastFilter.(bson.M)
	require.Contains(t, filter, "expires_at")
	assert.Equal(t, bson.M{"$gt": testNow}, filter["expires_at"])
}

func TestAppendEventUpdateShape(t *testing.T) {
	coll := &fakeCollection{}
	store := newTestStore(coll, time.Hour)

	ev := &session.Event{
		ID:        "e1",
		Author:    "agent",
		Timestamp: 42,
		Actions:   session.EventActions{StateDelta: map[string]any{"x": 1, "user:pref": "dark"}},
	}
	err := store.AppendEvent(context.Background(), "app1", "u1", "s1", ev)
	require.NoError(t, err)

	update := coll.lastUpdate.(bson.M)
	pushed := update["$push"].(bson.M)["events"].(eventDocument)
	assert.Equal(t, "e1", pushed.ID)
	assert.Equal(t, "agent", pushed.Author)

	set := update["$set"].(bson.M)
	assert.Equal(t, testNow, set["updated_at"])
	assert.Equal(t, testNow.Add(time.Hour), set["expires_at"])
	assert.Equal(t, 1, set["state.x"])
	assert.Equal(t, "dark", set["state.user:pref"])
}

func TestAppendEventSessionGone(t *testing.T) {
	coll := &fakeCollection{updateResult: &mongodriver.UpdateResult{MatchedCount: 0}}
	store := newTestStore(coll, 0)

	err := store.AppendEvent(context.Background(), "app1", "u1", "s1", session.NewEvent("u1"))
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestAppendEventMissingAuthor(t *testing.T) {
	coll := &fakeCollection{}
	store := newTestStore(coll, 0)

	err := store.AppendEvent(context.Background(), "app1", "u1", "s1", &session.Event{ID: "e1"})
	assert.ErrorIs(t, err, session.ErrInvalidEvent)
	assert.Nil(t, coll.lastUpdate, "invalid event reached the driver")
}

func TestListSessions(t *testing.T) {
	coll := &fakeCollection{
		findDocs: []sessionDocument{
			{AppName: "app1", UserID: "u1", SessionID: "s2", UpdatedAt: testNow},
			{AppName: "app1", UserID: "u1", SessionID: "s1", UpdatedAt: testNow.Add(-time.Minute)},
		},
	}
	store := newTestStore(coll, 0)

	sessions, err := store.ListSessions(context.Background(), "app1", "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "s2", sessions[0].ID)
	for _, sess := range sessions {
		assert.Empty(t, sess.Events)
		assert.NotNil(t, sess.State)
	}
}

func TestListSessionsEmpty(t *testing.T) {
	store := newTestStore(&fakeCollection{}, 0)

	sessions, err := store.ListSessions(context.Background(), "app1", "u1")
	require.NoError(t, err)
	assert.NotNil(t, sessions)
	assert.Empty(t, sessions)
}

func TestDeleteSession(t *testing.T) {
	coll := &fakeCollection{}
	store := newTestStore(coll, 0)

	err := store.DeleteSession(context.Background(), "app1", "u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, bson.M{"app_name": "app1", "user_id": "u1", "session_id": "s1"}, coll.lastDeleted)
}

func TestClosedStore(t *testing.T) {
	store := newTestStore(&fakeCollection{}, 0)
	require.NoError(t, store.Close())

	_, err := store.GetSession(context.Background(), "app1", "u1", "s1")
	assert.ErrorIs(t, err, session.ErrStoreClosed)
	require.NoError(t, store.Close())
}

func TestTranslate(t *testing.T) {
	err := translate("op", context.DeadlineExceeded)
	assert.ErrorIs(t, err, session.ErrBackendUnavailable)

	err = translate("op", mongodriver.ErrClientDisconnected)
	assert.ErrorIs(t, err, session.ErrBackendUnavailable)

	plain := errors.New("write concern failed")
	err = translate("op", plain)
	assert.NotErrorIs(t, err, session.ErrBackendUnavailable)
	assert.ErrorIs(t, err, plain)
}

func TestDatabaseFromURI(t *testing.T) {
	tests := []struct {
		uri  string
		want string
	}{
		{"mongodb://localhost:27017/agents", "agents"},
		{"mongodb://localhost:27017/", defaultDatabase},
		{"mongodb://localhost:27017", defaultDatabase},
		{"mongodb+srv://cluster0.example.net/prod", "prod"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, databaseFromURI(tt.uri), tt.uri)
	}
}

func TestNormalizeTTL(t *testing.T) {
	assert.Equal(t, session.DefaultTTL, normalizeTTL(0))
	assert.Equal(t, time.Duration(0), normalizeTTL(-time.Second))
	assert.Equal(t, time.Minute, normalizeTTL(time.Minute))
}

func TestEventDocumentRejectsMissingAuthor(t *testing.T) {
	doc := eventDocument{ID: "e1"}
	_, err := doc.toEvent()
	assert.ErrorIs(t, err, session.ErrInvalidEvent)
}
