package replica

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/automerge/automerge-go"
	"google.golang.org/protobuf/encoding/protowire"
)

// every automerge chunk starts with these bytes, then a 4 byte checksum and
// the chunk type
var chunkMagic = []byte{0x85, 0x6f, 0x4a, 0x83}

const (
	chunkTypeOffset     = 8
	chunkTypeChange     = 1
	chunkTypeCompressed = 2
)

// EncodeUpdate writes a change count followed by each saved change as a
// length-prefixed chunk.
func EncodeUpdate(changes []*automerge.Change) []byte {
	b := protowire.AppendVarint(nil, uint64(len(changes)))
	for _, c := range changes {
		b = protowire.AppendBytes(b, c.Save())
	}
	return b
}

// DecodeUpdate splits an update produced by EncodeUpdate into its raw change
// chunks. Only the framing and chunk headers are checked here. Changes may
// depend on each other or on changes the receiver already holds, so their
// content is validated against a document by ApplyUpdate.
func DecodeUpdate(b []byte) ([][]byte, error) {
	count, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, fmt.Errorf("%w: change count: %v", ErrCorrupt, protowire.ParseError(n))
	}
	b = b[n:]
	// every chunk needs at least its length byte
	if count > uint64(len(b)) {
		return nil, fmt.Errorf("%w: %d changes announced in %d bytes", ErrCorrupt, count, len(b))
	}

	out := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: change %d: %v", ErrCorrupt, i, protowire.ParseError(n))
		}
		b = b[n:]
		if !isChangeChunk(raw) {
			return nil, fmt.Errorf("%w: change %d is not a change chunk", ErrCorrupt, i)
		}
		out = append(out, raw)
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(b))
	}
	return out, nil
}

func isChangeChunk(raw []byte) bool {
	// the type byte is followed by at least one length byte
	if len(raw) < chunkTypeOffset+2 || !bytes.HasPrefix(raw, chunkMagic) {
		return false
	}
	t := raw[chunkTypeOffset]
	return t == chunkTypeChange || t == chunkTypeCompressed
}

// StateVector maps an actor id to the highest sequence number seen from it.
// Changes from one actor form a chain, so a peer holding seq n of an actor
// holds every earlier change of that actor too.
type StateVector map[string]uint64

func stateVectorOf(changes []*automerge.Change) StateVector {
	sv := make(StateVector)
	for _, c := range changes {
		if seq := c.ActorSeq(); seq > sv[c.ActorID()] {
			sv[c.ActorID()] = seq
		}
	}
	return sv
}

// Covers reports whether a peer with this state vector already holds c.
func (sv StateVector) Covers(c *automerge.Change) bool {
	return c.ActorSeq() <= sv[c.ActorID()]
}

// EncodeSummary writes an entry count followed by each actor id and its
// sequence number, sorted by actor so equal vectors encode identically.
func EncodeSummary(sv StateVector) []byte {
	actors := make([]string, 0, len(sv))
	for a := range sv {
		actors = append(actors, a)
	}
	sort.Strings(actors)

	b := protowire.AppendVarint(nil, uint64(len(actors)))
	for _, a := range actors {
		b = protowire.AppendString(b, a)
		b = protowire.AppendVarint(b, sv[a])
	}
	return b
}

func DecodeSummary(b []byte) (StateVector, error) {
	count, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, fmt.Errorf("%w: summary count: %v", ErrCorrupt, protowire.ParseError(n))
	}
	b = b[n:]
	// every entry needs at least a length byte and a seq byte
	if count > uint64(len(b)/2) {
		return nil, fmt.Errorf("%w: %d actors announced in %d bytes", ErrCorrupt, count, len(b))
	}

	sv := make(StateVector, count)
	for i := uint64(0); i < count; i++ {
		actor, n := protowire.ConsumeString(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: summary actor %d: %v", ErrCorrupt, i, protowire.ParseError(n))
		}
		b = b[n:]
		seq, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: summary seq %d: %v", ErrCorrupt, i, protowire.ParseError(n))
		}
		b = b[n:]
		sv[actor] = seq
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("%w: %d trailing summary bytes", ErrCorrupt, len(b))
	}
	return sv, nil
}
