package document

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ObjectID identifies one object as "{client}-{sequence}". Client ids are
// assigned by the authority and sequences count up per client, so ids are
// globally unique without coordination and creation works offline.
type ObjectID string

// ErrMalformedID reports an object id that is not a client-sequence pair.
var ErrMalformedID = errors.New("malformed object id")

// RootID is the document root created by Bootstrap, owned by the authority.
const RootID ObjectID = "0-1"

// MakeObjectID composes an object id from its owning client and sequence.
func MakeObjectID(client uint32, sequence uint64) ObjectID {
	return ObjectID(fmt.Sprintf("%d-%d", client, sequence))
}

// ParseObjectID splits an id back into its client and sequence parts.
func ParseObjectID(id ObjectID) (uint32, uint64, error) {
	raw := string(id)
	dash := strings.IndexByte(raw, '-')
	if dash <= 0 || dash == len(raw)-1 {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedID, raw)
	}
	client, err := strconv.ParseUint(raw[:dash], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedID, raw)
	}
	sequence, err := strconv.ParseUint(raw[dash+1:], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedID, raw)
	}
	return uint32(client), sequence, nil
}

// Client returns the id's owning client, or zero for malformed ids.
func (id ObjectID) Client() uint32 {
	client, _, err := ParseObjectID(id)
	if err != nil {
		return 0
	}
	return client
}

// Generator produces object ids for one client. The zero sequence is never
// issued; the first call yields "{client}-1". Not safe for concurrent use;
// the owning reconciler serializes calls.
type Generator struct {
	client   uint32
	sequence uint64
}

// NewGenerator returns a generator issuing ids owned by client.
func NewGenerator(client uint32) *Generator {
	return &Generator{client: client}
}

// Next returns a fresh object id. It never fails and needs no network.
func (g *Generator) Next() ObjectID {
	g.sequence++
	return MakeObjectID(g.client, g.sequence)
}

// Client returns the client id this generator issues for.
func (g *Generator) Client() uint32 {
	return g.client
}
