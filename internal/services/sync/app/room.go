package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"

	"github.com/vellumcanvas/vellum/internal/document"
	"github.com/vellumcanvas/vellum/internal/fracindex"
	"github.com/vellumcanvas/vellum/internal/platform/id"
	"github.com/vellumcanvas/vellum/internal/wire"
)

// Registry tracks the live rooms keyed by document id. It is an explicit
// struct rather than package state so tests can construct their own and the
// handler owns exactly one.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*Room)}
}

// join admits the session into the document's room, creating the room on
// first join. The registry lock is held across the room registration so a
// concurrent drop of a just-emptied room cannot strand the joiner in a room
// the registry no longer maps.
func (reg *Registry) join(documentID string, sess *session, name string) (*Room, []*session) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, ok := reg.rooms[documentID]
	if !ok {
		room = newRoom(documentID)
		reg.rooms[documentID] = room
		log.Printf("sync: room opened document=%q epoch=%s", documentID, room.epoch)
	}
	peers := room.join(sess, name)
	return room, peers
}

// drop deletes the room once its last session is gone. A session that
// joined between the final leave and this call keeps the room alive. Room
// locks nest inside the registry lock everywhere, so the double acquisition
// here cannot deadlock.
func (reg *Registry) drop(room *Room) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room.mu.Lock()
	empty := len(room.sessions) == 0
	room.mu.Unlock()
	if !empty {
		return
	}
	if current, ok := reg.rooms[room.documentID]; ok && current == room {
		delete(reg.rooms, room.documentID)
		log.Printf("sync: room discarded document=%q epoch=%s objects=%d", room.documentID, room.epoch, room.store.Len())
	}
}

// RoomCount reports how many rooms are live.
func (reg *Registry) RoomCount() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

// CloseAll severs every live connection. Read loops observe the closed
// socket and run their normal leave path.
func (reg *Registry) CloseAll() {
	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	reg.mu.Unlock()

	for _, room := range rooms {
		room.mu.Lock()
		conns := make([]io.Closer, 0, len(room.sessions))
		for sess := range room.sessions {
			conns = append(conns, sess.conn)
		}
		room.mu.Unlock()
		for _, conn := range conns {
			_ = conn.Close()
		}
	}
}

// Room is the authority for one open document. Document mutations and their
// broadcasts run under its lock, so the frames any one session receives are
// ordered exactly like the merges that produced them; client reconcilers
// rely on that to shadow remote writes behind unacknowledged local ones.
// Ephemeral presence traffic bypasses the serialized path.
type Room struct {
	mu           sync.Mutex
	documentID   string
	epoch        string
	nextClientID uint32
	nextClock    uint64
	store        *document.Store
	sessions     map[*session]struct{}
}

func newRoom(documentID string) *Room {
	epoch, err := id.NewID()
	if err != nil {
		// Entropy exhaustion; the epoch only disambiguates log lines.
		epoch = "unknown"
		log.Printf("sync: generate room epoch: %v", err)
	}
	store := document.NewStore()
	store.Bootstrap()
	return &Room{
		documentID: documentID,
		epoch:      epoch,
		store:      store,
		sessions:   make(map[*session]struct{}),
	}
}

// join registers the session, assigns its identity, and writes the join_ack
// and existing_users frames before releasing the room lock. Holding the lock
// across those writes guarantees the snapshot and every later broadcast the
// session sees line up with the merge order. The returned peers still need a
// user_joined announcement, which the caller sends outside the lock. Called
// with the registry lock held.
func (r *Room) join(sess *session, name string) []*session {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextClientID++
	sess.clientID = r.nextClientID
	if name == "" {
		name = fmt.Sprintf("Guest %d", sess.clientID)
	}
	sess.name = name
	sess.color = wire.ColorForClient(sess.clientID)
	sess.room = r

	peers := make([]*session, 0, len(r.sessions))
	users := make([]wire.UserPresence, 0, len(r.sessions))
	for peer := range r.sessions {
		peers = append(peers, peer)
		x, y := peer.cursor()
		users = append(users, wire.UserPresence{
			ClientID: peer.clientID,
			Name:     peer.name,
			Color:    peer.color,
			X:        x,
			Y:        y,
		})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ClientID < users[j].ClientID })
	r.sessions[sess] = struct{}{}

	snapshot := r.store.Snapshot()
	snapshot.Clock = r.nextClock
	r.writeLocked(sess, wire.TypeJoinAck, wire.JoinAck{
		ClientID:      sess.clientID,
		DocumentState: snapshot,
	})
	r.writeLocked(sess, wire.TypeExistingUsers, wire.ExistingUsers{Users: users})
	return peers
}

// leave removes the session and reports the peers to notify. When the room
// emptied, peers is nil and the caller drops the room instead of announcing
// the departure.
func (r *Room) leave(sess *session) (peers []*session, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sess]; !ok {
		return nil, false
	}
	delete(r.sessions, sess)
	if len(r.sessions) == 0 {
		return nil, true
	}
	peers = make([]*session, 0, len(r.sessions))
	for peer := range r.sessions {
		peers = append(peers, peer)
	}
	return peers, false
}

// broadcast writes the frame to every session except exclude. Used for
// presence and other ephemeral traffic; the writes happen outside the room
// lock. A failed write is logged and the peer is left for its own read loop
// to finalize.
func (r *Room) broadcast(frame wire.Frame, exclude *session) {
	r.mu.Lock()
	peers := make([]*session, 0, len(r.sessions))
	for peer := range r.sessions {
		if peer == exclude {
			continue
		}
		peers = append(peers, peer)
	}
	r.mu.Unlock()

	for _, peer := range peers {
		if err := peer.writeFrame(frame); err != nil {
			log.Printf("sync: write %s to client=%d document=%q: %v", frame.Type, peer.clientID, r.documentID, err)
		}
	}
}

// tick issues the next authoritative clock on behalf of writer. Callers hold
// the room lock.
func (r *Room) tick(writer uint32) document.Clock {
	r.nextClock++
	return document.Clock{Tick: r.nextClock, Writer: writer}
}

// propertyChange merges one property write and, on success, fans out the
// stamped operation and acks the origin.
func (r *Room) propertyChange(origin *session, op wire.PropertyChange) {
	r.mu.Lock()
	defer r.mu.Unlock()

	clock := r.tick(origin.clientID)
	if _, err := r.store.ApplyProperty(op.ObjectID, op.Property, op.Value, clock); err != nil {
		r.rejectLocked(origin, "property_change", op.Sequence, err)
		return
	}
	op.ClientID = origin.clientID
	op.Clock = &clock
	r.fanoutLocked(origin, wire.TypePropertyChange, op)
	r.ackLocked(origin, op.Sequence, clock)
}

// createObject inserts a new object. A duplicate id is acked without a
// broadcast so a replayed create settles quietly.
func (r *Room) createObject(origin *session, op wire.CreateObject) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, _, err := document.ParseObjectID(op.ObjectID); err != nil {
		r.rejectLocked(origin, "create_object", op.Sequence, err)
		return
	}
	if err := fracindex.Validate(op.OrderIndex); err != nil {
		r.rejectLocked(origin, "create_object", op.Sequence, err)
		return
	}

	clock := r.tick(origin.clientID)
	duplicate := r.store.Has(op.ObjectID)
	if err := r.store.CreateObject(op.ObjectID, op.InitialProperties(), clock); err != nil {
		r.rejectLocked(origin, "create_object", op.Sequence, err)
		return
	}
	if !duplicate {
		op.ClientID = origin.clientID
		op.Clock = &clock
		r.fanoutLocked(origin, wire.TypeCreateObject, op)
	}
	r.ackLocked(origin, op.Sequence, clock)
}

// deleteObject hard-removes an object and its descendants. Deleting an
// unknown id is acked without a broadcast, which makes retried deletes and
// deletes racing each other settle cleanly.
func (r *Room) deleteObject(origin *session, op wire.DeleteObject) {
	r.mu.Lock()
	defer r.mu.Unlock()

	clock := r.tick(origin.clientID)
	removed := r.store.DeleteObject(op.ObjectID)
	if len(removed) > 0 {
		op.ClientID = origin.clientID
		op.Clock = &clock
		r.fanoutLocked(origin, wire.TypeDeleteObject, op)
		log.Printf("sync: delete document=%q object=%s removed=%d", r.documentID, op.ObjectID, len(removed))
	}
	r.ackLocked(origin, op.Sequence, clock)
}

// moveObject reparents and reorders in one merge. The cycle walk runs before
// either property is written, so a rejected move changes nothing.
func (r *Room) moveObject(origin *session, op wire.MoveObject) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := fracindex.Validate(op.OrderIndex); err != nil {
		r.rejectLocked(origin, "move_object", op.Sequence, err)
		return
	}

	clock := r.tick(origin.clientID)
	if _, err := r.store.Move(op.ObjectID, op.NewParentID, op.OrderIndex, clock); err != nil {
		r.rejectLocked(origin, "move_object", op.Sequence, err)
		return
	}
	op.ClientID = origin.clientID
	op.Clock = &clock
	r.fanoutLocked(origin, wire.TypeMoveObject, op)
	r.ackLocked(origin, op.Sequence, clock)
}

// cursorMove caches the sender's cursor and rebroadcasts it. Cursor traffic
// never touches the store.
func (r *Room) cursorMove(origin *session, op wire.CursorMove) {
	origin.setCursor(op.X, op.Y)
	op.ClientID = origin.clientID
	r.broadcast(wire.Frame{Type: wire.TypeCursorMove, Payload: wire.MustPayload(op)}, origin)
}

// selectionChange rebroadcasts the sender's selection, stamped with its id.
func (r *Room) selectionChange(origin *session, op wire.SelectionChange) {
	op.ClientID = origin.clientID
	r.broadcast(wire.Frame{Type: wire.TypeSelectionChange, Payload: wire.MustPayload(op)}, origin)
}

// fanoutLocked writes a stamped operation to every session except the
// origin while the room lock is held, keeping per-session frame order equal
// to merge order.
func (r *Room) fanoutLocked(origin *session, frameType string, payload any) {
	frame := wire.Frame{Type: frameType, Payload: wire.MustPayload(payload)}
	for peer := range r.sessions {
		if peer == origin {
			continue
		}
		if err := peer.writeFrame(frame); err != nil {
			log.Printf("sync: write %s to client=%d document=%q: %v", frameType, peer.clientID, r.documentID, err)
		}
	}
}

func (r *Room) ackLocked(origin *session, sequence uint64, clock document.Clock) {
	r.writeLocked(origin, wire.TypeAck, wire.Ack{Sequence: sequence, Clock: clock})
}

// rejectLocked nacks one operation back to its origin. Nothing is applied or
// broadcast for a rejected operation.
func (r *Room) rejectLocked(origin *session, kind string, sequence uint64, cause error) {
	code := rejectionCode(cause)
	log.Printf("sync: reject %s document=%q client=%d seq=%d code=%s: %v", kind, r.documentID, origin.clientID, sequence, code, cause)
	r.writeLocked(origin, wire.TypeNack, wire.Nack{
		Sequence: sequence,
		Code:     code,
		Message:  cause.Error(),
	})
}

func (r *Room) writeLocked(sess *session, frameType string, payload any) {
	if err := sess.writeFrame(wire.Frame{Type: frameType, Payload: wire.MustPayload(payload)}); err != nil {
		log.Printf("sync: write %s to client=%d document=%q: %v", frameType, sess.clientID, r.documentID, err)
	}
}

// rejectionCode maps a merge failure to its wire code.
func rejectionCode(err error) string {
	switch {
	case errors.Is(err, document.ErrCycle):
		return wire.CodeMoveWouldCycle
	case errors.Is(err, document.ErrUnknownObject):
		return wire.CodeUnknownObject
	case errors.Is(err, document.ErrUnknownParent):
		return wire.CodeUnknownParent
	default:
		return wire.CodeInvalidArgument
	}
}

// session is one live connection: identity, cached presence, and a
// serialized frame encoder. A session never changes rooms; reconnecting
// clients join again as a fresh session.
type session struct {
	conn     io.ReadWriteCloser
	room     *Room
	clientID uint32
	name     string
	color    string

	mu      sync.Mutex
	encoder *json.Encoder
	cursorX float64
	cursorY float64
}

func newSession(conn io.ReadWriteCloser) *session {
	return &session{conn: conn, encoder: json.NewEncoder(conn)}
}

func (s *session) writeFrame(frame wire.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encoder.Encode(frame)
}

func (s *session) setCursor(x, y float64) {
	s.mu.Lock()
	s.cursorX, s.cursorY = x, y
	s.mu.Unlock()
}

func (s *session) cursor() (x, y float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursorX, s.cursorY
}
