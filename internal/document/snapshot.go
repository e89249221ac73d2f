package document

// PropertyState is one property record in transportable form.
type PropertyState struct {
	Value Value `json:"value"`
	Clock Clock `json:"clock"`
}

// ObjectState is one object's full property map in transportable form.
type ObjectState struct {
	Properties map[Property]PropertyState `json:"properties"`
}

// State is a full document snapshot including per-property clocks, so a
// replica restored from it merges later writes exactly like one that watched
// every operation. Clock carries the authority's tick at snapshot time.
type State struct {
	Clock   uint64                   `json:"clock"`
	Objects map[ObjectID]ObjectState `json:"objects"`
}

// CapturedObject is one object captured for later recreation, for example to
// undo a delete.
type CapturedObject struct {
	ID         ObjectID
	Properties map[Property]PropertyState
}

// Snapshot exports every object and property record.
func (s *Store) Snapshot() State {
	objects := make(map[ObjectID]ObjectState, len(s.objects))
	for id, records := range s.objects {
		props := make(map[Property]PropertyState, len(records))
		for prop, rec := range records {
			props[prop] = PropertyState{Value: rec.value, Clock: rec.clock}
		}
		objects[id] = ObjectState{Properties: props}
	}
	return State{Objects: objects}
}

// Restore replaces the replica's contents with the snapshot and rebuilds the
// children index from the restored parent links.
func (s *Store) Restore(state State) {
	s.objects = make(map[ObjectID]map[Property]record, len(state.Objects))
	s.children = make(map[ObjectID]map[ObjectID]struct{})
	for id, object := range state.Objects {
		records := make(map[Property]record, len(object.Properties))
		for prop, ps := range object.Properties {
			records[prop] = record{value: ps.Value, clock: ps.Clock}
		}
		s.objects[id] = records
	}
	for id, records := range s.objects {
		if rec, ok := records[PropParent]; ok {
			if parent, isRef := rec.value.AsReference(); isRef {
				s.index(id, parent)
			}
		}
	}
}

// CaptureSubtree copies the object and its descendants, parents first, with
// exact property records. An unknown id returns nil.
func (s *Store) CaptureSubtree(id ObjectID) []CapturedObject {
	if _, ok := s.objects[id]; !ok {
		return nil
	}
	ids := s.subtree(id)
	captured := make([]CapturedObject, 0, len(ids))
	for _, oid := range ids {
		records := s.objects[oid]
		props := make(map[Property]PropertyState, len(records))
		for prop, rec := range records {
			props[prop] = PropertyState{Value: rec.value, Clock: rec.clock}
		}
		captured = append(captured, CapturedObject{ID: oid, Properties: props})
	}
	return captured
}
