// Package client implements the editor-side half of the sync protocol: an
// optimistic document replica reconciled against authority acknowledgements
// and remote broadcasts, plus the websocket session that feeds it.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/vellumcanvas/vellum/internal/document"
	"github.com/vellumcanvas/vellum/internal/fracindex"
	"github.com/vellumcanvas/vellum/internal/wire"
)

// SendFunc delivers one frame to the authority.
type SendFunc func(wire.Frame) error

var (
	// ErrNotJoined reports an edit attempted before the first join_ack.
	ErrNotJoined = errors.New("not joined to a document")
	// ErrNothingToUndo reports an empty undo stack.
	ErrNothingToUndo = errors.New("nothing to undo")
	// ErrNothingToRedo reports an empty redo stack.
	ErrNothingToRedo = errors.New("nothing to redo")
)

// Peer is another participant's visible presence.
type Peer struct {
	ClientID  uint32
	Name      string
	Color     string
	X         float64
	Y         float64
	Selection []document.ObjectID
}

type propRef struct {
	object   document.ObjectID
	property document.Property
}

// applyFunc runs one optimistic apply under the given provisional clock and
// returns the closure that backs it out. Replay calls it again after a
// snapshot restore, refreshing the revert against the restored state.
type applyFunc func(*document.Store, document.Clock) (func(*document.Store), error)

// pendingOp is one local operation awaiting the authority's verdict.
type pendingOp struct {
	sequence    uint64
	frame       wire.Frame
	touches     []propRef
	provisional document.Clock
	apply       applyFunc
	revert      func(*document.Store)
}

type intentKind int

const (
	intentSet intentKind = iota
	intentCreate
	intentDelete
	intentMove
)

// intent is one replayable local edit, captured by value so undo and redo
// keep targeting the objects recorded at edit time rather than whatever is
// selected later.
type intent struct {
	kind       intentKind
	object     document.ObjectID
	property   document.Property
	value      document.Value
	objectType string
	parent     document.ObjectID
	order      string
	props      map[document.Property]document.Value
}

// historyEntry pairs the intents that reverse an edit with the intents that
// repeat it.
type historyEntry struct {
	undo []intent
	redo []intent
}

// Reconciler maintains one client's optimistic replica. Local edits apply
// immediately under provisional clocks and queue for acknowledgement;
// remote broadcasts merge through the same store rules the authority uses,
// so both ends converge. The session read loop and the editing surface
// share a reconciler, so every entry point locks.
type Reconciler struct {
	mu   sync.Mutex
	send SendFunc

	store    *document.Store
	gen      *document.Generator
	clientID uint32
	joined   bool

	lamport  uint64
	sequence uint64
	pending  []*pendingOp
	peers    map[uint32]*Peer
	undo     []historyEntry
	redo     []historyEntry
}

// NewReconciler returns a reconciler with a bootstrapped local replica.
// Edits are rejected until the first join_ack assigns an identity.
func NewReconciler(send SendFunc) *Reconciler {
	store := document.NewStore()
	store.Bootstrap()
	return &Reconciler{
		send:  send,
		store: store,
		peers: make(map[uint32]*Peer),
	}
}

// SetProperty applies one property edit optimistically and sends it.
func (r *Reconciler) SetProperty(object document.ObjectID, property document.Property, value document.Value) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.joined {
		return ErrNotJoined
	}
	return r.perform(&intent{kind: intentSet, object: object, property: property, value: value}, true)
}

// CreateObject creates a new object appended after the parent's current
// last child and returns its id. Extra initial properties ride along with
// the structural ones.
func (r *Reconciler) CreateObject(objectType string, parent document.ObjectID, extra map[document.Property]document.Value) (document.ObjectID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.joined {
		return "", ErrNotJoined
	}

	prev := ""
	if siblings := r.store.ChildrenOf(parent); len(siblings) > 0 {
		prev = r.orderKey(siblings[len(siblings)-1])
	}
	order, err := fracindex.Between(prev, "")
	if err != nil {
		return "", fmt.Errorf("allocate order key: %w", err)
	}

	in := &intent{kind: intentCreate, objectType: objectType, parent: parent, order: order, props: extra}
	if err := r.perform(in, true); err != nil {
		return "", err
	}
	return in.object, nil
}

// DeleteObject removes the object and its descendants optimistically.
func (r *Reconciler) DeleteObject(object document.ObjectID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.joined {
		return ErrNotJoined
	}
	return r.perform(&intent{kind: intentDelete, object: object}, true)
}

// MoveObject reparents the object and places it at index among the new
// parent's children; an index past the end appends.
func (r *Reconciler) MoveObject(object document.ObjectID, newParent document.ObjectID, index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.joined {
		return ErrNotJoined
	}

	siblings := make([]document.ObjectID, 0)
	for _, sibling := range r.store.ChildrenOf(newParent) {
		if sibling != object {
			siblings = append(siblings, sibling)
		}
	}
	if index < 0 {
		index = 0
	}
	if index > len(siblings) {
		index = len(siblings)
	}
	prev, next := "", ""
	if index > 0 {
		prev = r.orderKey(siblings[index-1])
	}
	if index < len(siblings) {
		next = r.orderKey(siblings[index])
	}
	order, err := fracindex.Between(prev, next)
	if err != nil {
		// Neighbors with colliding literal keys leave no gap; fall back
		// to placing right after prev with no upper bound.
		order, err = fracindex.Between(prev, "")
	}
	if err != nil {
		return fmt.Errorf("allocate order key: %w", err)
	}

	return r.perform(&intent{kind: intentMove, object: object, parent: newParent, order: order}, true)
}

// MoveCursor shares the local pointer position with the room. Ephemeral:
// no store mutation, no pending entry, no history.
func (r *Reconciler) MoveCursor(x, y float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.joined {
		return ErrNotJoined
	}
	frame, err := wire.Encode(wire.TypeCursorMove, wire.CursorMove{X: x, Y: y})
	if err != nil {
		return err
	}
	return r.sendLocked(frame)
}

// ChangeSelection shares the local selection with the room.
func (r *Reconciler) ChangeSelection(selected []document.ObjectID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.joined {
		return ErrNotJoined
	}
	frame, err := wire.Encode(wire.TypeSelectionChange, wire.SelectionChange{SelectedIDs: selected})
	if err != nil {
		return err
	}
	return r.sendLocked(frame)
}

// Undo reverses the most recent recorded edit by emitting its inverse as
// an ordinary edit through the normal apply/send/ack path, then arms redo.
// The stacks hold operations captured at edit time, keyed by the object ids
// they touched then; edits made in between, such as duplicating an object,
// neither clear redo nor redirect it to the newer objects.
func (r *Reconciler) Undo() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.joined {
		return ErrNotJoined
	}
	if len(r.undo) == 0 {
		return ErrNothingToUndo
	}
	entry := r.undo[len(r.undo)-1]
	r.undo = r.undo[:len(r.undo)-1]
	for i := range entry.undo {
		if err := r.perform(&entry.undo[i], false); err != nil {
			return fmt.Errorf("undo: %w", err)
		}
	}
	r.redo = append(r.redo, entry)
	return nil
}

// Redo repeats the most recently undone edit.
func (r *Reconciler) Redo() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.joined {
		return ErrNotJoined
	}
	if len(r.redo) == 0 {
		return ErrNothingToRedo
	}
	entry := r.redo[len(r.redo)-1]
	r.redo = r.redo[:len(r.redo)-1]
	for i := range entry.redo {
		if err := r.perform(&entry.redo[i], false); err != nil {
			return fmt.Errorf("redo: %w", err)
		}
	}
	r.undo = append(r.undo, entry)
	return nil
}

// Replay re-applies and re-sends every unacknowledged operation in its
// original order. The session calls it after each successful join; the
// operations carry their own ids and values, so replaying after a missed
// acknowledgement cannot double-apply.
func (r *Reconciler) Replay() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.pending[:0]
	var firstErr error
	for _, entry := range r.pending {
		clock := r.nextProvisional()
		revert, err := entry.apply(r.store, clock)
		if err != nil {
			log.Printf("client: drop pending op seq=%d on replay: %v", entry.sequence, err)
			continue
		}
		entry.provisional = clock
		entry.revert = revert
		kept = append(kept, entry)
		if err := r.sendLocked(entry.frame); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.pending = kept
	return firstErr
}

// HandleFrame applies one inbound server frame.
func (r *Reconciler) HandleFrame(frame wire.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch frame.Type {
	case wire.TypeJoinAck:
		var p wire.JoinAck
		if err := decodePayload(frame, &p); err != nil {
			return err
		}
		r.handleJoinAck(p)
	case wire.TypeExistingUsers:
		var p wire.ExistingUsers
		if err := decodePayload(frame, &p); err != nil {
			return err
		}
		for _, user := range p.Users {
			r.peers[user.ClientID] = &Peer{ClientID: user.ClientID, Name: user.Name, Color: user.Color, X: user.X, Y: user.Y}
		}
	case wire.TypeUserJoined:
		var p wire.UserJoined
		if err := decodePayload(frame, &p); err != nil {
			return err
		}
		r.peers[p.ClientID] = &Peer{ClientID: p.ClientID, Name: p.Name, Color: p.Color}
	case wire.TypeUserLeft:
		var p wire.UserLeft
		if err := decodePayload(frame, &p); err != nil {
			return err
		}
		delete(r.peers, p.ClientID)
	case wire.TypeCursorMove:
		var p wire.CursorMove
		if err := decodePayload(frame, &p); err != nil {
			return err
		}
		if peer, ok := r.peers[p.ClientID]; ok {
			peer.X, peer.Y = p.X, p.Y
		}
	case wire.TypeSelectionChange:
		var p wire.SelectionChange
		if err := decodePayload(frame, &p); err != nil {
			return err
		}
		if peer, ok := r.peers[p.ClientID]; ok {
			peer.Selection = p.SelectedIDs
		}
	case wire.TypePropertyChange:
		var p wire.PropertyChange
		if err := decodePayload(frame, &p); err != nil {
			return err
		}
		r.handleRemoteProperty(p)
	case wire.TypeCreateObject:
		var p wire.CreateObject
		if err := decodePayload(frame, &p); err != nil {
			return err
		}
		r.handleRemoteCreate(p)
	case wire.TypeDeleteObject:
		var p wire.DeleteObject
		if err := decodePayload(frame, &p); err != nil {
			return err
		}
		r.handleRemoteDelete(p)
	case wire.TypeMoveObject:
		var p wire.MoveObject
		if err := decodePayload(frame, &p); err != nil {
			return err
		}
		r.handleRemoteMove(p)
	case wire.TypeAck:
		var p wire.Ack
		if err := decodePayload(frame, &p); err != nil {
			return err
		}
		r.handleAck(p)
	case wire.TypeNack:
		var p wire.Nack
		if err := decodePayload(frame, &p); err != nil {
			return err
		}
		r.handleNack(p)
	case wire.TypePong:
		// Liveness is the session's concern.
	case wire.TypeError:
		var p wire.Error
		if err := decodePayload(frame, &p); err != nil {
			return err
		}
		log.Printf("client: server error: %s", p.Error())
	default:
		// Tolerated so newer servers and older clients can coexist.
		log.Printf("client: ignoring unknown frame type %q", frame.Type)
	}
	return nil
}

func (r *Reconciler) handleJoinAck(p wire.JoinAck) {
	r.clientID = p.ClientID
	r.gen = document.NewGenerator(p.ClientID)
	r.store.Restore(p.DocumentState)
	if p.DocumentState.Clock > r.lamport {
		r.lamport = p.DocumentState.Clock
	}
	r.peers = make(map[uint32]*Peer)
	r.joined = true
	log.Printf("client: joined as client=%d objects=%d", r.clientID, r.store.Len())
}

func (r *Reconciler) handleRemoteProperty(op wire.PropertyChange) {
	if op.Clock == nil {
		log.Printf("client: drop unstamped property_change for %s", op.ObjectID)
		return
	}
	r.observe(*op.Clock)
	if r.shadowed(op.ObjectID, op.Property) {
		// A local unacknowledged write covers this property. Frames
		// arrive in merge order, so the skipped write is one the pending
		// local write outranks at the authority; the ack settles it.
		return
	}
	if _, err := r.store.ApplyProperty(op.ObjectID, op.Property, op.Value, *op.Clock); err != nil {
		log.Printf("client: apply remote property_change %s.%s: %v", op.ObjectID, op.Property, err)
	}
}

func (r *Reconciler) handleRemoteCreate(op wire.CreateObject) {
	if op.Clock == nil {
		log.Printf("client: drop unstamped create_object for %s", op.ObjectID)
		return
	}
	r.observe(*op.Clock)
	if err := r.store.CreateObject(op.ObjectID, op.InitialProperties(), *op.Clock); err != nil {
		log.Printf("client: apply remote create_object %s: %v", op.ObjectID, err)
	}
}

func (r *Reconciler) handleRemoteDelete(op wire.DeleteObject) {
	if op.Clock != nil {
		r.observe(*op.Clock)
	}
	r.store.DeleteObject(op.ObjectID)
}

func (r *Reconciler) handleRemoteMove(op wire.MoveObject) {
	if op.Clock == nil {
		log.Printf("client: drop unstamped move_object for %s", op.ObjectID)
		return
	}
	r.observe(*op.Clock)
	// The two halves of a move merge property-wise so a pending local
	// write to one of them shadows only that one.
	if !r.shadowed(op.ObjectID, document.PropParent) {
		if _, err := r.store.ApplyProperty(op.ObjectID, document.PropParent, document.Reference(op.NewParentID), *op.Clock); err != nil {
			log.Printf("client: apply remote move_object parent %s: %v", op.ObjectID, err)
		}
	}
	if !r.shadowed(op.ObjectID, document.PropOrder) {
		if _, err := r.store.ApplyProperty(op.ObjectID, document.PropOrder, document.Text(op.OrderIndex), *op.Clock); err != nil {
			log.Printf("client: apply remote move_object order %s: %v", op.ObjectID, err)
		}
	}
}

func (r *Reconciler) handleAck(p wire.Ack) {
	r.observe(p.Clock)
	idx := r.findPending(p.Sequence)
	if idx < 0 {
		log.Printf("client: ack for unknown sequence %d", p.Sequence)
		return
	}
	entry := r.pending[idx]
	for _, ref := range entry.touches {
		// Adopt the authoritative clock only where the provisional one
		// still stands; a later local edit owns the record otherwise.
		if clock, ok := r.store.PropertyClock(ref.object, ref.property); ok && clock == entry.provisional {
			r.store.AdoptClock(ref.object, ref.property, p.Clock)
		}
	}
	r.pending = append(r.pending[:idx], r.pending[idx+1:]...)
}

func (r *Reconciler) handleNack(p wire.Nack) {
	idx := r.findPending(p.Sequence)
	if idx < 0 {
		log.Printf("client: nack for unknown sequence %d", p.Sequence)
		return
	}
	entry := r.pending[idx]
	log.Printf("client: op seq=%d rejected code=%s: %s", p.Sequence, p.Code, p.Message)
	if entry.revert != nil {
		entry.revert(r.store)
	}
	r.pending = append(r.pending[:idx], r.pending[idx+1:]...)
}

// perform runs one edit through the optimistic path: build the frame,
// record history, apply under a provisional clock, queue for
// acknowledgement, and send. Undo and redo replay intents with
// record=false so they reuse the path without re-recording it.
func (r *Reconciler) perform(in *intent, record bool) error {
	r.sequence++
	seq := r.sequence

	var (
		frame   wire.Frame
		touches []propRef
		apply   applyFunc
		history *historyEntry
		err     error
	)

	switch in.kind {
	case intentSet:
		frame, err = wire.Encode(wire.TypePropertyChange, wire.PropertyChange{
			Sequence: seq,
			ObjectID: in.object,
			Property: in.property,
			Value:    in.value,
		})
		if err != nil {
			return err
		}
		touches = []propRef{{in.object, in.property}}
		object, property, value := in.object, in.property, in.value
		apply = func(s *document.Store, clock document.Clock) (func(*document.Store), error) {
			prev, hadPrev := s.GetProperty(object, property)
			prevClock, _ := s.PropertyClock(object, property)
			if _, err := s.ApplyProperty(object, property, value, clock); err != nil {
				return nil, err
			}
			if hadPrev {
				return func(s *document.Store) { s.RestoreProperty(object, property, prev, prevClock) }, nil
			}
			return func(s *document.Store) { s.RemoveProperty(object, property) }, nil
		}
		if record {
			if prev, ok := r.store.GetProperty(object, property); ok {
				history = &historyEntry{
					undo: []intent{{kind: intentSet, object: object, property: property, value: prev}},
					redo: []intent{*in},
				}
			}
		}

	case intentCreate:
		if in.object == "" {
			in.object = r.gen.Next()
		}
		op := wire.CreateObject{
			Sequence:   seq,
			ObjectID:   in.object,
			ObjectType: in.objectType,
			ParentID:   in.parent,
			OrderIndex: in.order,
			Properties: in.props,
		}
		frame, err = wire.Encode(wire.TypeCreateObject, op)
		if err != nil {
			return err
		}
		initial := op.InitialProperties()
		touches = make([]propRef, 0, len(initial))
		for prop := range initial {
			touches = append(touches, propRef{in.object, prop})
		}
		id := in.object
		apply = func(s *document.Store, clock document.Clock) (func(*document.Store), error) {
			if s.Has(id) {
				return func(*document.Store) {}, nil
			}
			if err := s.CreateObject(id, initial, clock); err != nil {
				return nil, err
			}
			return func(s *document.Store) { s.DeleteObject(id) }, nil
		}
		if record {
			history = &historyEntry{
				undo: []intent{{kind: intentDelete, object: id}},
				redo: []intent{*in},
			}
		}

	case intentDelete:
		frame, err = wire.Encode(wire.TypeDeleteObject, wire.DeleteObject{
			Sequence: seq,
			ObjectID: in.object,
		})
		if err != nil {
			return err
		}
		id := in.object
		apply = func(s *document.Store, clock document.Clock) (func(*document.Store), error) {
			captured := s.CaptureSubtree(id)
			if captured == nil {
				return func(*document.Store) {}, nil
			}
			s.DeleteObject(id)
			return func(s *document.Store) { recreateCaptured(s, captured) }, nil
		}
		if record {
			if captured := r.store.CaptureSubtree(id); captured != nil {
				undoIns := make([]intent, 0, len(captured))
				for _, obj := range captured {
					undoIns = append(undoIns, recreateIntent(obj))
				}
				history = &historyEntry{undo: undoIns, redo: []intent{*in}}
			}
		}

	case intentMove:
		frame, err = wire.Encode(wire.TypeMoveObject, wire.MoveObject{
			Sequence:    seq,
			ObjectID:    in.object,
			NewParentID: in.parent,
			OrderIndex:  in.order,
		})
		if err != nil {
			return err
		}
		touches = []propRef{
			{in.object, document.PropParent},
			{in.object, document.PropOrder},
		}
		id, parent, order := in.object, in.parent, in.order
		apply = func(s *document.Store, clock document.Clock) (func(*document.Store), error) {
			prevParent, hadParent := s.GetProperty(id, document.PropParent)
			prevParentClock, _ := s.PropertyClock(id, document.PropParent)
			prevOrder, hadOrder := s.GetProperty(id, document.PropOrder)
			prevOrderClock, _ := s.PropertyClock(id, document.PropOrder)
			if _, err := s.Move(id, parent, order, clock); err != nil {
				return nil, err
			}
			return func(s *document.Store) {
				if hadParent {
					s.RestoreProperty(id, document.PropParent, prevParent, prevParentClock)
				} else {
					s.RemoveProperty(id, document.PropParent)
				}
				if hadOrder {
					s.RestoreProperty(id, document.PropOrder, prevOrder, prevOrderClock)
				} else {
					s.RemoveProperty(id, document.PropOrder)
				}
			}, nil
		}
		if record {
			prevParentVal, okParent := r.store.GetProperty(id, document.PropParent)
			prevOrderVal, okOrder := r.store.GetProperty(id, document.PropOrder)
			if okParent && okOrder {
				prevParent, _ := prevParentVal.AsReference()
				prevOrder, _ := prevOrderVal.AsText()
				history = &historyEntry{
					undo: []intent{{kind: intentMove, object: id, parent: prevParent, order: prevOrder}},
					redo: []intent{*in},
				}
			}
		}

	default:
		return fmt.Errorf("unknown intent kind %d", in.kind)
	}

	clock := r.nextProvisional()
	revert, err := apply(r.store, clock)
	if err != nil {
		return err
	}
	r.pending = append(r.pending, &pendingOp{
		sequence:    seq,
		frame:       frame,
		touches:     touches,
		provisional: clock,
		apply:       apply,
		revert:      revert,
	})
	if record && history != nil {
		r.undo = append(r.undo, *history)
	}
	if sendErr := r.sendLocked(frame); sendErr != nil {
		log.Printf("client: send %s seq=%d queued for replay: %v", frame.Type, seq, sendErr)
	}
	return nil
}

// ClientID returns the identity assigned by the authority, zero before the
// first join.
func (r *Reconciler) ClientID() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clientID
}

// Joined reports whether a join_ack has been applied.
func (r *Reconciler) Joined() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joined
}

// PendingCount reports how many operations await acknowledgement.
func (r *Reconciler) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// UndoDepth reports the undo stack size.
func (r *Reconciler) UndoDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.undo)
}

// RedoDepth reports the redo stack size.
func (r *Reconciler) RedoDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.redo)
}

// Peers lists the known presence of other participants, ordered by client
// id.
func (r *Reconciler) Peers() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := make([]Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		peers = append(peers, *peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ClientID < peers[j].ClientID })
	return peers
}

// Snapshot exports the local replica.
func (r *Reconciler) Snapshot() document.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Snapshot()
}

// ChildrenOf returns the replica's current sibling order under a node.
func (r *Reconciler) ChildrenOf(id document.ObjectID) []document.ObjectID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.ChildrenOf(id)
}

// GetProperty reads one property from the replica.
func (r *Reconciler) GetProperty(id document.ObjectID, prop document.Property) (document.Value, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.GetProperty(id, prop)
}

func (r *Reconciler) sendLocked(frame wire.Frame) error {
	if r.send == nil {
		return errors.New("no transport")
	}
	return r.send(frame)
}

func (r *Reconciler) nextProvisional() document.Clock {
	r.lamport++
	return document.Clock{Tick: r.lamport, Writer: r.clientID}
}

// observe folds an authoritative clock into the local one so provisional
// clocks stay ahead of everything this replica has seen.
func (r *Reconciler) observe(clock document.Clock) {
	if clock.Tick > r.lamport {
		r.lamport = clock.Tick
	}
}

func (r *Reconciler) shadowed(object document.ObjectID, property document.Property) bool {
	for _, entry := range r.pending {
		for _, ref := range entry.touches {
			if ref.object == object && ref.property == property {
				return true
			}
		}
	}
	return false
}

func (r *Reconciler) findPending(sequence uint64) int {
	for i, entry := range r.pending {
		if entry.sequence == sequence {
			return i
		}
	}
	return -1
}

func (r *Reconciler) orderKey(id document.ObjectID) string {
	value, ok := r.store.GetProperty(id, document.PropOrder)
	if !ok {
		return ""
	}
	key, _ := value.AsText()
	return key
}

// recreateIntent builds the create intent that brings one captured object
// back, splitting the structural properties out of the captured bag.
func recreateIntent(obj document.CapturedObject) intent {
	in := intent{kind: intentCreate, object: obj.ID, props: make(map[document.Property]document.Value)}
	for prop, ps := range obj.Properties {
		switch prop {
		case document.PropObjectType:
			in.objectType, _ = ps.Value.AsText()
		case document.PropParent:
			in.parent, _ = ps.Value.AsReference()
		case document.PropOrder:
			in.order, _ = ps.Value.AsText()
		default:
			in.props[prop] = ps.Value
		}
	}
	return in
}

// recreateCaptured restores captured objects with their exact property
// records. It backs out an optimistic delete the authority rejected.
func recreateCaptured(s *document.Store, captured []document.CapturedObject) {
	for _, obj := range captured {
		values := make(map[document.Property]document.Value, len(obj.Properties))
		for prop, ps := range obj.Properties {
			values[prop] = ps.Value
		}
		if err := s.CreateObject(obj.ID, values, document.Clock{}); err != nil {
			log.Printf("client: restore deleted object %s: %v", obj.ID, err)
			continue
		}
		for prop, ps := range obj.Properties {
			s.RestoreProperty(obj.ID, prop, ps.Value, ps.Clock)
		}
	}
}

func decodePayload(frame wire.Frame, dst any) error {
	if err := json.Unmarshal(frame.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", frame.Type, err)
	}
	return nil
}
