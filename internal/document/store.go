package document

import (
	"errors"
	"fmt"
	"sort"

	"github.com/vellumcanvas/vellum/internal/fracindex"
)

// Clock orders concurrent writes to one property. Ticks are assigned by the
// authority at merge time (or provisionally by a client before its write is
// acknowledged); equal ticks resolve by writer id so every replica picks the
// same winner.
type Clock struct {
	Tick   uint64 `json:"tick"`
	Writer uint32 `json:"writer"`
}

// Less reports whether c orders before other in the total write order.
func (c Clock) Less(other Clock) bool {
	if c.Tick != other.Tick {
		return c.Tick < other.Tick
	}
	return c.Writer < other.Writer
}

func (c Clock) String() string {
	return fmt.Sprintf("%d/%d", c.Tick, c.Writer)
}

var (
	// ErrUnknownObject reports an operation on an object the store has
	// never seen or has already deleted.
	ErrUnknownObject = errors.New("unknown object")
	// ErrUnknownParent reports a parent link to a missing object.
	ErrUnknownParent = errors.New("unknown parent")
	// ErrCycle reports a parent change that would make the object its own
	// ancestor.
	ErrCycle = errors.New("parent change would create a cycle")
	// ErrInvalidValue reports a value whose kind a property cannot hold.
	ErrInvalidValue = errors.New("invalid value for property")
)

type record struct {
	value Value
	clock Clock
}

// Store is one replica of a document: objects, their per-property records,
// and the children index derived from parent references.
type Store struct {
	objects  map[ObjectID]map[Property]record
	children map[ObjectID]map[ObjectID]struct{}
}

// NewStore returns an empty replica.
func NewStore() *Store {
	return &Store{
		objects:  make(map[ObjectID]map[Property]record),
		children: make(map[ObjectID]map[ObjectID]struct{}),
	}
}

// Bootstrap seeds the root object and its first page, both owned by the
// authority's client id zero, and returns the page id. Seeding is idempotent
// so a replica restored from a snapshot keeps its existing objects.
func (s *Store) Bootstrap() ObjectID {
	base := Clock{}
	if _, ok := s.objects[RootID]; !ok {
		s.objects[RootID] = map[Property]record{
			PropObjectType: {value: Text("document"), clock: base},
			PropName:       {value: Text("Document"), clock: base},
		}
	}
	pageID := MakeObjectID(0, 2)
	if _, ok := s.objects[pageID]; !ok {
		s.objects[pageID] = map[Property]record{
			PropObjectType: {value: Text("page"), clock: base},
			PropName:       {value: Text("Page 1"), clock: base},
			PropParent:     {value: Reference(RootID), clock: base},
			PropOrder:      {value: Text(fracindex.First()), clock: base},
		}
		s.index(pageID, RootID)
	}
	return pageID
}

// CreateObject inserts a new object with its initial properties, all stamped
// with one clock. Creating an id that already exists is a no-op so duplicate
// delivery never errors. A parent link must name an existing object.
func (s *Store) CreateObject(id ObjectID, props map[Property]Value, clock Clock) error {
	if _, ok := s.objects[id]; ok {
		return nil
	}
	var parent ObjectID
	hasParent := false
	if link, ok := props[PropParent]; ok {
		target, err := s.checkParentLink(id, link)
		if err != nil {
			return err
		}
		parent, hasParent = target, true
	}
	if order, ok := props[PropOrder]; ok {
		if _, isText := order.AsText(); !isText {
			return fmt.Errorf("%w: order must be text", ErrInvalidValue)
		}
	}

	records := make(map[Property]record, len(props))
	for prop, value := range props {
		records[prop] = record{value: value, clock: clock}
	}
	s.objects[id] = records
	if hasParent {
		s.index(id, parent)
	}
	return nil
}

// ApplyProperty merges one property write. Structural checks run first, then
// the write applies only if its clock beats the current record; a losing or
// duplicate write returns false with no error and no mutation.
func (s *Store) ApplyProperty(id ObjectID, prop Property, value Value, clock Clock) (bool, error) {
	records, ok := s.objects[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownObject, id)
	}

	var parent ObjectID
	switch prop {
	case PropParent:
		target, err := s.checkParentLink(id, value)
		if err != nil {
			return false, err
		}
		if err := s.checkCycle(id, target); err != nil {
			return false, err
		}
		parent = target
	case PropOrder:
		if _, isText := value.AsText(); !isText {
			return false, fmt.Errorf("%w: order must be text", ErrInvalidValue)
		}
	}

	existing, exists := records[prop]
	if exists && !existing.clock.Less(clock) {
		return false, nil
	}
	if prop == PropParent {
		s.unindex(id)
		s.index(id, parent)
	}
	records[prop] = record{value: value, clock: clock}
	return true, nil
}

// Move reparents and reorders an object with one clock. The cycle walk runs
// against the current tree before either property is written, so a rejected
// move leaves both untouched.
func (s *Store) Move(id ObjectID, parent ObjectID, order string, clock Clock) (bool, error) {
	if _, ok := s.objects[id]; !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownObject, id)
	}
	if _, ok := s.objects[parent]; !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownParent, parent)
	}
	if err := s.checkCycle(id, parent); err != nil {
		return false, err
	}

	parentApplied, err := s.ApplyProperty(id, PropParent, Reference(parent), clock)
	if err != nil {
		return false, err
	}
	orderApplied, err := s.ApplyProperty(id, PropOrder, Text(order), clock)
	if err != nil {
		return parentApplied, err
	}
	return parentApplied || orderApplied, nil
}

// DeleteObject removes the object and every descendant found through the
// children index, returning the removed ids parents-first. Deleting an
// unknown id is a no-op returning nil.
func (s *Store) DeleteObject(id ObjectID) []ObjectID {
	if _, ok := s.objects[id]; !ok {
		return nil
	}
	removed := s.subtree(id)
	for _, victim := range removed {
		s.unindex(victim)
		delete(s.objects, victim)
		delete(s.children, victim)
	}
	return removed
}

// GetProperty returns the current value of one property.
func (s *Store) GetProperty(id ObjectID, prop Property) (Value, bool) {
	rec, ok := s.objects[id][prop]
	return rec.value, ok
}

// PropertyClock returns the last-write clock of one property.
func (s *Store) PropertyClock(id ObjectID, prop Property) (Clock, bool) {
	rec, ok := s.objects[id][prop]
	return rec.clock, ok
}

// AdoptClock replaces the clock on an existing property record, leaving the
// value alone. A reconciler uses it to swap a provisional clock for the
// authoritative one carried by an acknowledgement.
func (s *Store) AdoptClock(id ObjectID, prop Property, clock Clock) bool {
	records, ok := s.objects[id]
	if !ok {
		return false
	}
	rec, ok := records[prop]
	if !ok {
		return false
	}
	rec.clock = clock
	records[prop] = rec
	return true
}

// RestoreProperty overwrites one property record exactly, bypassing the
// merge rules. It backs out a rejected optimistic write.
func (s *Store) RestoreProperty(id ObjectID, prop Property, value Value, clock Clock) bool {
	records, ok := s.objects[id]
	if !ok {
		return false
	}
	if prop == PropParent {
		target, isRef := value.AsReference()
		if !isRef {
			return false
		}
		s.unindex(id)
		s.index(id, target)
	}
	records[prop] = record{value: value, clock: clock}
	return true
}

// RemoveProperty deletes a property record outright. It backs out a rejected
// optimistic write to a property that previously had no value.
func (s *Store) RemoveProperty(id ObjectID, prop Property) bool {
	records, ok := s.objects[id]
	if !ok {
		return false
	}
	if _, ok := records[prop]; !ok {
		return false
	}
	if prop == PropParent {
		s.unindex(id)
	}
	delete(records, prop)
	return true
}

// Has reports whether the object exists.
func (s *Store) Has(id ObjectID) bool {
	_, ok := s.objects[id]
	return ok
}

// Len returns the number of live objects.
func (s *Store) Len() int {
	return len(s.objects)
}

// Parent returns the object's current parent link.
func (s *Store) Parent(id ObjectID) (ObjectID, bool) {
	rec, ok := s.objects[id][PropParent]
	if !ok {
		return "", false
	}
	return rec.value.AsReference()
}

// ChildrenOf returns the object's children sorted by order key, ties broken
// by object id so every replica derives the same sibling sequence.
func (s *Store) ChildrenOf(id ObjectID) []ObjectID {
	set := s.children[id]
	if len(set) == 0 {
		return nil
	}
	kids := make([]ObjectID, 0, len(set))
	for kid := range set {
		kids = append(kids, kid)
	}
	sort.Slice(kids, func(i, j int) bool {
		oi := s.orderKey(kids[i])
		oj := s.orderKey(kids[j])
		if oi != oj {
			return oi < oj
		}
		return kids[i] < kids[j]
	})
	return kids
}

// IDs returns all live object ids in sorted order.
func (s *Store) IDs() []ObjectID {
	ids := make([]ObjectID, 0, len(s.objects))
	for id := range s.objects {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Store) orderKey(id ObjectID) string {
	rec, ok := s.objects[id][PropOrder]
	if !ok {
		return ""
	}
	key, _ := rec.value.AsText()
	return key
}

// checkParentLink validates a parent value: it must be a reference to an
// existing object other than the object itself.
func (s *Store) checkParentLink(id ObjectID, value Value) (ObjectID, error) {
	target, isRef := value.AsReference()
	if !isRef {
		return "", fmt.Errorf("%w: parent must be a reference", ErrInvalidValue)
	}
	if target == id {
		return "", fmt.Errorf("%w: %s cannot parent itself", ErrCycle, id)
	}
	if _, ok := s.objects[target]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownParent, target)
	}
	return target, nil
}

// checkCycle walks up from the proposed parent; finding the object on that
// path means the change would make it its own ancestor. The walk is bounded
// by the object count so a corrupt index cannot hang it.
func (s *Store) checkCycle(id ObjectID, parent ObjectID) error {
	current := parent
	for steps := len(s.objects); steps >= 0; steps-- {
		if current == id {
			return fmt.Errorf("%w: %s under %s", ErrCycle, id, parent)
		}
		next, ok := s.Parent(current)
		if !ok {
			return nil
		}
		current = next
	}
	return fmt.Errorf("%w: ancestor walk from %s did not terminate", ErrCycle, parent)
}

// subtree returns id and its descendants, parents before children and
// siblings in display order.
func (s *Store) subtree(id ObjectID) []ObjectID {
	out := []ObjectID{id}
	for i := 0; i < len(out); i++ {
		out = append(out, s.ChildrenOf(out[i])...)
	}
	return out
}

func (s *Store) index(id ObjectID, parent ObjectID) {
	set, ok := s.children[parent]
	if !ok {
		set = make(map[ObjectID]struct{})
		s.children[parent] = set
	}
	set[id] = struct{}{}
}

func (s *Store) unindex(id ObjectID) {
	parent, ok := s.Parent(id)
	if !ok {
		return
	}
	set := s.children[parent]
	delete(set, id)
	if len(set) == 0 {
		delete(s.children, parent)
	}
}
