package model

import (
	"encoding/json"
	"time"
)

// Table names carried by change events.
const (
	TableMessages      = "messages"
	TableNotifications = "notifications"
	TableConversations = "conversations"
)

// ChangeKind is the kind of row-level change.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
)

// ChangeEvent is a row-level change published by the backend.
type ChangeEvent struct {
	Table      string          `json:"table"`
	Kind       ChangeKind      `json:"kind"`
	Record     json.RawMessage `json:"record"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Decode unmarshals the event record into v.
func (e ChangeEvent) Decode(v any) error {
	return json.Unmarshal(e.Record, v)
}

// StoreChange names which part of a session changed.
type StoreChange string

const (
	ChangeConversations StoreChange = "conversations"
	ChangeMessages      StoreChange = "messages"
	ChangeNotifications StoreChange = "notifications"
)

// HeartbeatEvent represents a heartbeat event.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEvent represents an error event.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
