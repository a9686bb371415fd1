// Package wire frames the messages exchanged on a document connection.
//
// Every websocket binary message carries exactly one frame:
//
//	frame    = uvarint(tag) body
//	sync     = uvarint(kind) bytes(payload)        ; tag 0
//	presence = uvarint(clientID) bytes(state)      ; tag 1
//
// where bytes(x) is a uvarint length followed by x.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed wraps every decoding failure.
var ErrMalformed = errors.New("malformed frame")

type Tag uint64

const (
	TagSync     Tag = 0
	TagPresence Tag = 1
)

type SyncKind uint64

const (
	// SyncStep1 carries the sender's state summary and asks for what is missing.
	SyncStep1 SyncKind = 0
	// SyncStep2 answers a SyncStep1 with the changes the asker lacks.
	SyncStep2 SyncKind = 1
	// SyncUpdate carries changes produced after the handshake.
	SyncUpdate SyncKind = 2
)

func (k SyncKind) String() string {
	switch k {
	case SyncStep1:
		return "step1"
	case SyncStep2:
		return "step2"
	case SyncUpdate:
		return "update"
	default:
		return fmt.Sprintf("sync(%d)", uint64(k))
	}
}

// Frame is a decoded message. Only the fields belonging to Tag are set.
type Frame struct {
	Tag Tag

	Kind    SyncKind
	Payload []byte

	ClientID uint64
	State    []byte
}

func EncodeSync(kind SyncKind, payload []byte) []byte {
	b := make([]byte, 0, len(payload)+12)
	b = protowire.AppendVarint(b, uint64(TagSync))
	b = protowire.AppendVarint(b, uint64(kind))
	return protowire.AppendBytes(b, payload)
}

// EncodePresence builds a presence frame. An empty state announces that the
// client left.
func EncodePresence(clientID uint64, state []byte) []byte {
	b := make([]byte, 0, len(state)+12)
	b = protowire.AppendVarint(b, uint64(TagPresence))
	b = protowire.AppendVarint(b, clientID)
	return protowire.AppendBytes(b, state)
}

func Decode(b []byte) (Frame, error) {
	tag, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return Frame{}, fmt.Errorf("%w: tag: %v", ErrMalformed, protowire.ParseError(n))
	}
	b = b[n:]

	switch Tag(tag) {
	case TagSync:
		kind, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return Frame{}, fmt.Errorf("%w: sync kind: %v", ErrMalformed, protowire.ParseError(n))
		}
		if SyncKind(kind) > SyncUpdate {
			return Frame{}, fmt.Errorf("%w: unknown sync kind %d", ErrMalformed, kind)
		}
		payload, m := protowire.ConsumeBytes(b[n:])
		if m < 0 {
			return Frame{}, fmt.Errorf("%w: sync payload: %v", ErrMalformed, protowire.ParseError(m))
		}
		if n+m != len(b) {
			return Frame{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(b)-n-m)
		}
		return Frame{Tag: TagSync, Kind: SyncKind(kind), Payload: payload}, nil

	case TagPresence:
		clientID, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return Frame{}, fmt.Errorf("%w: client id: %v", ErrMalformed, protowire.ParseError(n))
		}
		state, m := protowire.ConsumeBytes(b[n:])
		if m < 0 {
			return Frame{}, fmt.Errorf("%w: presence state: %v", ErrMalformed, protowire.ParseError(m))
		}
		if n+m != len(b) {
			return Frame{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(b)-n-m)
		}
		return Frame{Tag: TagPresence, ClientID: clientID, State: state}, nil

	default:
		return Frame{}, fmt.Errorf("%w: unknown tag %d", ErrMalformed, tag)
	}
}
