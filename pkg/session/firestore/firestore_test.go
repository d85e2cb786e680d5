package firestore

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/convokit-dev/convokit/pkg/session"
)

func TestDocID(t *testing.T) {
	id, err := docID("app1", "u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "app1__u1__s1", id)
}

func TestDocIDRejectsReservedSequences(t *testing.T) {
	tests := []struct {
		name                      string
		appName, userID, sessByID string
	}{
		{"empty app", "", "u1", "s1"},
		{"empty user", "app1", "", "s1"},
		{"empty session", "app1", "u1", ""},
		{"separator in app", "my__app", "u1", "s1"},
		{"separator in user", "app1", "a__b", "s1"},
		{"slash in session", "app1", "u1", "a/b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := docID(tt.appName, tt.userID, tt.sessByID)
			assert.Error(t, err)
		})
	}
}

func TestTranslate(t *testing.T) {
	transient := []codes.Code{
		codes.Unavailable,
		codes.DeadlineExceeded,
		codes.Unauthenticated,
		codes.ResourceExhausted,
	}
	for _, code := range transient {
		err := translate("op", status.Error(code, "backend down"))
		assert.ErrorIs(t, err, session.ErrBackendUnavailable, code.String())
	}

	permanent := status.Error(codes.InvalidArgument, "bad request")
	err := translate("op", permanent)
	assert.NotErrorIs(t, err, session.ErrBackendUnavailable)

	plain := errors.New("not a status error")
	assert.NotErrorIs(t, translate("op", plain), session.ErrBackendUnavailable)
}

func TestSessionDocExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var doc sessionDoc
	assert.False(t, doc.expired(now), "no expiry set")

	past := now.Add(-time.Minute)
	doc.ExpiresAt = &past
	assert.True(t, doc.expired(now))

	future := now.Add(time.Minute)
	doc.ExpiresAt = &future
	assert.False(t, doc.expired(now))
}

func TestSessionDocRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	partial := true
	sess := &session.Session{
		AppName: "app1",
		UserID:  "u1",
		ID:      "s1",
		State:   map[string]any{"x": int64(1)},
		Events: []*session.Event{
			{ID: "e1", Author: "u1", Timestamp: 42, Partial: &partial},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	expires := now.Add(time.Hour)
	doc := fromSession(sess, &expires)
	assert.Equal(t, "app1__u1__s1", doc.AppName+"__"+doc.UserID+"__"+doc.SessionID)
	require.NotNil(t, doc.ExpiresAt)

	back, err := doc.toSession()
	require.NoError(t, err)
	assert.Equal(t, sess.ID, back.ID)
	require.Len(t, back.Events, 1)
	assert.Equal(t, "u1", back.Events[0].Author)
	require.NotNil(t, back.Events[0].Partial)
	assert.True(t, *back.Events[0].Partial)
}

func TestToSessionRejectsMissingAuthor(t *testing.T) {
	doc := sessionDoc{
		AppName:   "app1",
		UserID:    "u1",
		SessionID: "s1",
		Events:    []eventDoc{{ID: "e1"}},
	}
	_, err := doc.toSession()
	assert.ErrorIs(t, err, session.ErrInvalidEvent)
}

func TestToSessionNormalizesNilState(t *testing.T) {
	doc := sessionDoc{AppName: "app1", UserID: "u1", SessionID: "s1"}
	sess, err := doc.toSession()
	require.NoError(t, err)
	assert.NotNil(t, sess.State)
}

func TestNormalizeTTL(t *testing.T) {
	assert.Equal(t, session.DefaultTTL, normalizeTTL(0))
	assert.Equal(t, time.Duration(0), normalizeTTL(-time.Hour))
	assert.Equal(t, 30*time.Minute, normalizeTTL(30*time.Minute))
}
