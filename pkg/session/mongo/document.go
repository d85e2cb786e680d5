package mongo

import (
	"fmt"
	"time"

	"github.com/convokit-dev/convokit/pkg/session"
)

// sessionDocument is the persisted shape of a session. Field names mirror
// the JSON schema used by the key-value backends so the two remain
// inspectable with the same tooling.
type sessionDocument struct {
	AppName   string          `bson:"app_name"`
	UserID    string          `bson:"user_id"`
	SessionID string          `bson:"session_id"`
	State     map[string]any  `bson:"state"`
	Events    []eventDocument `bson:"events"`
	CreatedAt time.Time       `bson:"created_at"`
	UpdatedAt time.Time       `bson:"updated_at"`
	ExpiresAt *time.Time      `bson:"expires_at,omitempty"`
}

type eventDocument struct {
	ID        string          `bson:"id"`
	Timestamp float64         `bson:"timestamp"`
	Author    string          `bson:"author"`
	Partial   *bool           `bson:"partial,omitempty"`
	Actions   actionsDocument `bson:"actions"`
}

type actionsDocument struct {
	StateDelta map[string]any `bson:"state_delta,omitempty"`
}

func fromSession(sess *session.Session, expiresAt *time.Time) sessionDocument {
	events := make([]eventDocument, len(sess.Events))
	for i, ev := range sess.Events {
		events[i] = fromEvent(ev)
	}
	return sessionDocument{
		AppName:   sess.AppName,
		UserID:    sess.UserID,
		SessionID: sess.ID,
		State:     sess.State,
		Events:    events,
		CreatedAt: sess.CreatedAt.UTC(),
		UpdatedAt: sess.UpdatedAt.UTC(),
		ExpiresAt: expiresAt,
	}
}

func fromEvent(ev *session.Event) eventDocument {
	return eventDocument{
		ID:        ev.ID,
		Timestamp: ev.Timestamp,
		Author:    ev.Author,
		Partial:   ev.Partial,
		Actions:   actionsDocument{StateDelta: ev.Actions.StateDelta},
	}
}

func (doc sessionDocument) toSession() (*session.Session, error) {
	events := make([]*session.Event, len(doc.Events))
	for i, ed := range doc.Events {
		ev, err := ed.toEvent()
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		events[i] = ev
	}
	state := doc.State
	if state == nil {
		state = make(map[string]any)
	}
	return &session.Session{
		AppName:   doc.AppName,
		UserID:    doc.UserID,
		ID:        doc.SessionID,
		State:     state,
		Events:    events,
		CreatedAt: doc.CreatedAt.UTC(),
		UpdatedAt: doc.UpdatedAt.UTC(),
	}, nil
}

func (doc eventDocument) toEvent() (*session.Event, error) {
	if doc.Author == "" {
		return nil, fmt.Errorf("%w: missing author", session.ErrInvalidEvent)
	}
	return &session.Event{
		ID:        doc.ID,
		Timestamp: doc.Timestamp,
		Author:    doc.Author,
		Partial:   doc.Partial,
		Actions:   session.EventActions{StateDelta: doc.Actions.StateDelta},
	}, nil
}
