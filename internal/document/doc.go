// Package document holds the in-memory replica of one design document: a
// flat map of objects whose properties each carry a last-write clock, plus
// the parent/children indices derived from the parent and order properties.
//
// Merge rules are deterministic so every replica that applies the same set
// of operations, in any order, converges to the same state. The store does
// no locking of its own; each owner (a server room or a client reconciler)
// serializes access.
package document
