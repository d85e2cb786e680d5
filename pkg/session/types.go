// Package session provides pluggable persistence for conversational agent
// sessions. A session is an append-only log of authored events plus the
// materialized state produced by folding each event's state delta in order.
// Sessions are addressed by the (app name, user ID, session ID) triple and
// may expire after a configurable TTL on backends that support it.
package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is a single append to a session log.
// Events are immutable once written and are never reordered or deduplicated.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`
	// Timestamp is the creation time in epoch seconds.
	Timestamp float64 `json:"timestamp"`
	// Author identifies who produced the event: the end user or an agent
	// name. Required; events without an author are rejected.
	Author string `json:"author"`
	// Partial marks a not-yet-finalized streaming fragment.
	Partial *bool `json:"partial"`
	// Actions carries the structured payload asserted by this event.
	Actions EventActions `json:"actions"`
}

// EventActions is the structured payload of an event.
type EventActions struct {
	// StateDelta maps state keys to values merged into session state when
	// the event is appended. Keys may carry scope prefixes (e.g. "user:")
	// which the store persists verbatim and never interprets.
	StateDelta map[string]any `json:"state_delta,omitempty"`
}

// NewEvent creates an event with a generated ID and the current timestamp.
func NewEvent(author string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: EpochSeconds(time.Now()),
		Author:    author,
	}
}

// EpochSeconds converts a time to the epoch-seconds representation used for
// event timestamps.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Validate checks the event invariants enforced independent of backend.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: event is nil", ErrInvalidEvent)
	}
	if e.Author == "" {
		return fmt.Errorf("%w: missing author", ErrInvalidEvent)
	}
	return nil
}

// UnmarshalJSON decodes an event and rejects payloads without an author.
// A missing author caused model-validation failures downstream when sessions
// were reloaded, so it is treated as corrupt data at the decode boundary.
func (e *Event) UnmarshalJSON(data []byte) error {
	type alias Event
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	if a.Author == "" {
		return fmt.Errorf("%w: missing author", ErrInvalidEvent)
	}
	*e = Event(a)
	return nil
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := *e
	if e.Partial != nil {
		p := *e.Partial
		out.Partial = &p
	}
	out.Actions.StateDelta = cloneState(e.Actions.StateDelta)
	return &out
}

// Session is an addressable, append-only conversation record.
type Session struct {
	// AppName is the logical application/agent namespace.
	AppName string `json:"app_name"`
	// UserID identifies the owning user.
	UserID string `json:"user_id"`
	// ID is unique within the (app name, user ID) namespace.
	ID string `json:"session_id"`
	// State is the materialized state: the left-fold of every event's
	// state delta over the initial state.
	State map[string]any `json:"state"`
	// Events is the ordered, append-only event log. List operations
	// return summaries with Events left empty; use GetSession for the
	// full history.
	Events []*Event `json:"events"`
	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the session was last mutated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the storage key addressing this session.
func (s *Session) Key() Key {
	return Key{AppName: s.AppName, UserID: s.UserID, SessionID: s.ID}
}

// Clone returns a deep copy of the session, events included.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.State = cloneState(s.State)
	out.Events = make([]*Event, len(s.Events))
	for i, ev := range s.Events {
		out.Events[i] = ev.Clone()
	}
	return &out
}

// Summary returns a copy of the session without its event log hydrated.
func (s *Session) Summary() *Session {
	out := *s
	out.State = cloneState(s.State)
	out.Events = []*Event{}
	return &out
}

// Key uniquely addresses a session across all backends.
type Key struct {
	AppName   string
	UserID    string
	SessionID string
}

// String renders the key in the canonical key-value storage format.
// This format is a compatibility contract; changing it requires a data
// migration.
func (k Key) String() string {
	return "session:" + k.AppName + ":" + k.UserID + ":" + k.SessionID
}

// Validate checks that all key components are present.
func (k Key) Validate() error {
	if k.AppName == "" {
		return fmt.Errorf("app name is required")
	}
	if k.UserID == "" {
		return fmt.Errorf("user ID is required")
	}
	if k.SessionID == "" {
		return fmt.Errorf("session ID is required")
	}
	return nil
}
