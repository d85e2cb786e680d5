package firestore

import (
	"fmt"
	"time"

	"github.com/convokit-dev/convokit/pkg/session"
)

// sessionDoc is the persisted shape of a session. Field names mirror the
// JSON schema used by the key-value backends.
type sessionDoc struct {
	AppName   string         `firestore:"app_name"`
	UserID    string         `firestore:"user_id"`
	SessionID string         `firestore:"session_id"`
	State     map[string]any `firestore:"state"`
	Events    []eventDoc     `firestore:"events"`
	CreatedAt time.Time      `firestore:"created_at"`
	UpdatedAt time.Time      `firestore:"updated_at"`
	ExpiresAt *time.Time     `firestore:"expires_at,omitempty"`
}

type eventDoc struct {
	ID        string         `firestore:"id"`
	Timestamp float64        `firestore:"timestamp"`
	Author    string         `firestore:"author"`
	Partial   *bool          `firestore:"partial,omitempty"`
	Actions   eventActionDoc `firestore:"actions"`
}

type eventActionDoc struct {
	StateDelta map[string]any `firestore:"state_delta,omitempty"`
}

func (d sessionDoc) expired(now time.Time) bool {
	return d.ExpiresAt != nil && now.After(*d.ExpiresAt)
}

func fromSession(sess *session.Session, expiresAt *time.Time) sessionDoc {
	events := make([]eventDoc, len(sess.Events))
	for i, ev := range sess.Events {
		events[i] = fromEvent(ev)
	}
	return sessionDoc{
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

func fromEvent(ev *session.Event) eventDoc {
	return eventDoc{
		ID:        ev.ID,
		Timestamp: ev.Timestamp,
		Author:    ev.Author,
		Partial:   ev.Partial,
		Actions:   eventActionDoc{StateDelta: ev.Actions.StateDelta},
	}
}

func (d sessionDoc) toSession() (*session.Session, error) {
	events := make([]*session.Event, len(d.Events))
	for i, ed := range d.Events {
		if ed.Author == "" {
			return nil, fmt.Errorf("event %d: %w: missing author", i, session.ErrInvalidEvent)
		}
		events[i] = &session.Event{
			ID:        ed.ID,
			Timestamp: ed.Timestamp,
			Author:    ed.Author,
			Partial:   ed.Partial,
			Actions:   session.EventActions{StateDelta: ed.Actions.StateDelta},
		}
	}
	state := d.State
	if state == nil {
		state = make(map[string]any)
	}
	return &session.Session{
		AppName:   d.AppName,
		UserID:    d.UserID,
		ID:        d.SessionID,
		State:     state,
		Events:    events,
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}, nil
}
