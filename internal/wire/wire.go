// Package wire defines the JSON frames exchanged between clients and the
// sync authority. One type field discriminates payloads; unknown payload
// fields are tolerated so old peers survive newer servers.
package wire

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/vellumcanvas/vellum/internal/document"
)

// Frame is the envelope for every message in both directions.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Frame type discriminators.
const (
	TypeJoinAck         = "join_ack"
	TypeUserJoined      = "user_joined"
	TypeExistingUsers   = "existing_users"
	TypeUserLeft        = "user_left"
	TypeCursorMove      = "cursor_move"
	TypeSelectionChange = "selection_change"
	TypePropertyChange  = "property_change"
	TypeCreateObject    = "create_object"
	TypeDeleteObject    = "delete_object"
	TypeMoveObject      = "move_object"
	TypeAck             = "ack"
	TypeNack            = "nack"
	TypePing            = "ping"
	TypePong            = "pong"
	TypeError           = "error"
)

// Rejection and error codes carried by Nack and Error frames.
const (
	CodeInvalidArgument   = "INVALID_ARGUMENT"
	CodeResourceExhausted = "RESOURCE_EXHAUSTED"
	CodeUnknownObject     = "UNKNOWN_OBJECT"
	CodeUnknownParent     = "UNKNOWN_PARENT"
	CodeMoveWouldCycle    = "MOVE_WOULD_CYCLE"
)

// JoinAck tells the joining client its identity and the current document.
type JoinAck struct {
	ClientID      uint32         `json:"client_id"`
	DocumentState document.State `json:"document_state"`
}

// UserJoined announces a new peer to the rest of the room.
type UserJoined struct {
	ClientID uint32 `json:"client_id"`
	Name     string `json:"name"`
	Color    string `json:"color"`
}

// UserPresence is one peer's identity and last known cursor.
type UserPresence struct {
	ClientID uint32  `json:"client_id"`
	Name     string  `json:"name"`
	Color    string  `json:"color"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
}

// ExistingUsers lists current peers for a client that just joined.
type ExistingUsers struct {
	Users []UserPresence `json:"users"`
}

// UserLeft announces a departed peer.
type UserLeft struct {
	ClientID uint32 `json:"client_id"`
}

// CursorMove is an ephemeral pointer update; it never touches the document.
// ClientID is stamped by the server on rebroadcast.
type CursorMove struct {
	ClientID uint32  `json:"client_id,omitempty"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
}

// SelectionChange is an ephemeral broadcast of a peer's selected objects.
type SelectionChange struct {
	ClientID    uint32              `json:"client_id,omitempty"`
	SelectedIDs []document.ObjectID `json:"selected_ids"`
}

// PropertyChange sets one property of one object. Sequence is assigned by
// the origin client; ClientID and Clock are stamped by the authority.
type PropertyChange struct {
	ClientID uint32            `json:"client_id,omitempty"`
	Sequence uint64            `json:"sequence"`
	ObjectID document.ObjectID `json:"object_id"`
	Property document.Property `json:"property"`
	Value    document.Value    `json:"value"`
	Clock    *document.Clock   `json:"clock,omitempty"`
}

// CreateObject introduces a new object under a parent at an order position.
// Properties carries any further initial properties beyond the named fields.
type CreateObject struct {
	ClientID   uint32                               `json:"client_id,omitempty"`
	Sequence   uint64                               `json:"sequence"`
	ObjectID   document.ObjectID                    `json:"object_id"`
	ObjectType string                               `json:"object_type"`
	ParentID   document.ObjectID                    `json:"parent_id"`
	OrderIndex string                               `json:"order_index"`
	Properties map[document.Property]document.Value `json:"properties,omitempty"`
	Clock      *document.Clock                      `json:"clock,omitempty"`
}

// InitialProperties assembles the full property set a create establishes:
// the extras first, then the named fields, which win over any extra that
// tries to smuggle a conflicting parent, order, or type.
func (c CreateObject) InitialProperties() map[document.Property]document.Value {
	props := make(map[document.Property]document.Value, len(c.Properties)+3)
	for prop, value := range c.Properties {
		props[prop] = value
	}
	props[document.PropObjectType] = document.Text(c.ObjectType)
	props[document.PropParent] = document.Reference(c.ParentID)
	props[document.PropOrder] = document.Text(c.OrderIndex)
	return props
}

// DeleteObject removes an object and its descendants.
type DeleteObject struct {
	ClientID uint32            `json:"client_id,omitempty"`
	Sequence uint64            `json:"sequence"`
	ObjectID document.ObjectID `json:"object_id"`
	Clock    *document.Clock   `json:"clock,omitempty"`
}

// MoveObject reparents an object and places it among its new siblings.
type MoveObject struct {
	ClientID    uint32            `json:"client_id,omitempty"`
	Sequence    uint64            `json:"sequence"`
	ObjectID    document.ObjectID `json:"object_id"`
	NewParentID document.ObjectID `json:"new_parent_id"`
	OrderIndex  string            `json:"order_index"`
	Clock       *document.Clock   `json:"clock,omitempty"`
}

// Ack confirms one client operation. Clock is the authoritative clock the
// operation was merged under, so the origin replica can replace its
// provisional clock and match every other replica exactly.
type Ack struct {
	Sequence uint64         `json:"sequence"`
	Clock    document.Clock `json:"clock"`
}

// Nack rejects one client operation. The origin must back out its
// optimistic local application.
type Nack struct {
	Sequence uint64 `json:"sequence"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// Error reports a connection-level problem that is not tied to a sequence.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error satisfies the error interface so clients can surface server faults.
func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Encode wraps a payload in a typed frame.
func Encode(frameType string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", frameType, err)
	}
	return Frame{Type: frameType, Payload: raw}, nil
}

// MustPayload marshals a payload the caller controls; a marshal failure is a
// programming error and yields a logged nil payload rather than a panic.
func MustPayload(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		log.Printf("wire: marshal frame payload: %v", err)
		return nil
	}
	return raw
}
