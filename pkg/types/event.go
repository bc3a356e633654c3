package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Event type tags carried in the "type" field of every wire message.
const (
	TypeCursorUpdate      = "cursor_update"
	TypeTextChange        = "text_change"
	TypeSelectionChange   = "selection_change"
	TypeTypingStart       = "typing_start"
	TypeTypingStop        = "typing_stop"
	TypeCommentAdded      = "comment_added"
	TypeSuggestionApplied = "suggestion_applied"
	TypePresenceUpdate    = "presence_update"
	TypeUserJoined        = "user_joined"
	TypeUserLeft          = "user_left"
	TypeError             = "error"
)

// payloadFields lists, per event type, the payload keys copied from the
// sender's message into the outbound event. Keys the sender omits are
// rendered as JSON null; keys outside the list are discarded.
var payloadFields = map[string][]string{
	TypeCursorUpdate:      {"position"},
	TypeTextChange:        {"changes", "version"},
	TypeSelectionChange:   {"selection"},
	TypeTypingStart:       {"position"},
	TypeTypingStop:        {},
	TypeCommentAdded:      {"comment_id", "position"},
	TypeSuggestionApplied: {"suggestion_id", "changes"},
	TypePresenceUpdate:    {"activity_type", "data"},
	TypeUserJoined:        {},
	TypeUserLeft:          {},
}

// clientSendable are the event types a connected client may submit.
var clientSendable = map[string]bool{
	TypeCursorUpdate:      true,
	TypeTextChange:        true,
	TypeSelectionChange:   true,
	TypeTypingStart:       true,
	TypeTypingStop:        true,
	TypeCommentAdded:      true,
	TypeSuggestionApplied: true,
}

// Known reports whether typ is any event type the system produces or accepts.
func Known(typ string) bool {
	_, ok := payloadFields[typ]
	return ok || typ == TypeError
}

// ClientSendable reports whether a connected client may submit events of this
// type. Join, leave, presence and error events are server-originated only.
func ClientSendable(typ string) bool { return clientSendable[typ] }

// Injectable reports whether server-side callers (REST API, internal
// services) may inject events of this type into a room.
func Injectable(typ string) bool {
	return clientSendable[typ] || typ == TypePresenceUpdate
}

// PresenceEvent is one collaboration event as it travels through the hub.
// UserID and ContractID are stamped by the server; zero values render as
// JSON null on the wire. Fields holds the type-specific payload keys.
type PresenceEvent struct {
	Type       string
	UserID     int64
	ContractID int64
	Fields     map[string]json.RawMessage
	Timestamp  time.Time
}

// NewEvent builds an outbound event of the given type. Payload keys the type
// defines are copied from src when present and null-filled when absent; any
// other key in src is dropped. The timestamp is normalized to UTC.
func NewEvent(typ string, userID, contractID int64, src map[string]json.RawMessage, ts time.Time) PresenceEvent {
	names := payloadFields[typ]
	fields := make(map[string]json.RawMessage, len(names))
	for _, name := range names {
		if v, ok := src[name]; ok {
			fields[name] = v
		} else {
			fields[name] = json.RawMessage("null")
		}
	}
	return PresenceEvent{
		Type:       typ,
		UserID:     userID,
		ContractID: contractID,
		Fields:     fields,
		Timestamp:  ts.UTC(),
	}
}

// MarshalJSON flattens the event: payload fields sit at the top level next to
// type, user_id, contract_id and timestamp, which is the format clients
// consume. Envelope fields win when a payload key collides with them.
func (e PresenceEvent) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(e.Fields)+4)
	for k, v := range e.Fields {
		out[k] = v
	}
	typ, err := json.Marshal(e.Type)
	if err != nil {
		return nil, err
	}
	ts, err := json.Marshal(e.Timestamp)
	if err != nil {
		return nil, err
	}
	out["type"] = typ
	out["user_id"] = nullableID(e.UserID)
	out["contract_id"] = nullableID(e.ContractID)
	out["timestamp"] = ts
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON: envelope fields are peeled off
// and every remaining key lands in Fields.
func (e *PresenceEvent) UnmarshalJSON(data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if raw, ok := obj["type"]; ok {
		if err := json.Unmarshal(raw, &e.Type); err != nil {
			return fmt.Errorf("event type: %w", err)
		}
		delete(obj, "type")
	}
	if raw, ok := obj["user_id"]; ok {
		if string(raw) != "null" {
			if err := json.Unmarshal(raw, &e.UserID); err != nil {
				return fmt.Errorf("event user_id: %w", err)
			}
		}
		delete(obj, "user_id")
	}
	if raw, ok := obj["contract_id"]; ok {
		if string(raw) != "null" {
			if err := json.Unmarshal(raw, &e.ContractID); err != nil {
				return fmt.Errorf("event contract_id: %w", err)
			}
		}
		delete(obj, "contract_id")
	}
	if raw, ok := obj["timestamp"]; ok {
		if string(raw) != "null" {
			if err := json.Unmarshal(raw, &e.Timestamp); err != nil {
				return fmt.Errorf("event timestamp: %w", err)
			}
		}
		delete(obj, "timestamp")
	}
	e.Fields = obj
	return nil
}

// nullableID renders an id, or JSON null for the zero id (anonymous sender,
// cross-contract delivery).
func nullableID(id int64) json.RawMessage {
	if id == 0 {
		return json.RawMessage("null")
	}
	return json.RawMessage(strconv.FormatInt(id, 10))
}

// ParseInbound decodes the raw bytes of a client message into its type tag
// and remaining payload keys. The type key is removed from the returned map.
func ParseInbound(raw []byte) (string, map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", nil, fmt.Errorf("decode message: %w", err)
	}
	rawType, ok := obj["type"]
	if !ok {
		return "", nil, errors.New("message has no type field")
	}
	var typ string
	if err := json.Unmarshal(rawType, &typ); err != nil || typ == "" {
		return "", nil, errors.New("message type must be a non-empty string")
	}
	delete(obj, "type")
	return typ, obj, nil
}

// ErrorMessage is the personal error sent back to a misbehaving client. It
// carries no identity or timestamp.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewError builds an error message for one client.
func NewError(msg string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: msg}
}
