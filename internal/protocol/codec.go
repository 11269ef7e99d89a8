package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// MaxFrameSize bounds one framed channel message.
const MaxFrameSize = 32766

var ErrFrameTooLarge = errors.New("frame exceeds max size")

type Frame struct {
	Type    string
	Payload []byte
}

// EncodeFrame writes the two length-prefixed fields.
func EncodeFrame(typeTag string, payload []byte) ([]byte, error) {
	if len(typeTag) > 0xFFFF || len(payload) > 0xFFFF {
		return nil, ErrFrameTooLarge
	}
	n := 4 + len(typeTag) + len(payload)
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, MaxFrameSize)
	}
	b := make([]byte, 0, n)
	b = binary.BigEndian.AppendUint16(b, uint16(len(typeTag)))
	b = append(b, typeTag...)
	b = binary.BigEndian.AppendUint16(b, uint16(len(payload)))
	b = append(b, payload...)
	return b, nil
}

// DecodeFrame parses one frame. Trailing bytes are an error.
func DecodeFrame(b []byte) (Frame, error) {
	tag, rest, err := readField(b)
	if err != nil {
		return Frame{}, fmt.Errorf("type tag: %w", err)
	}
	payload, rest, err := readField(rest)
	if err != nil {
		return Frame{}, fmt.Errorf("payload: %w", err)
	}
	if len(rest) != 0 {
		return Frame{}, fmt.Errorf("%d trailing bytes", len(rest))
	}
	if !utf8.Valid(tag) || !utf8.Valid(payload) {
		return Frame{}, errors.New("invalid utf-8")
	}
	return Frame{Type: string(tag), Payload: payload}, nil
}

func readField(b []byte) ([]byte, []byte, error) {
	if len(b) < 2 {
		return nil, nil, errors.New("short length prefix")
	}
	n := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if len(b) < n {
		return nil, nil, fmt.Errorf("field length %d exceeds remaining %d", n, len(b))
	}
	return b[:n], b[n:], nil
}

// Kind enumerates the inbound payload variants.
type Kind int

const (
	KindUnknown Kind = iota
	KindClaimCreate
	KindClaimUpdate
	KindClaimDelete
	KindClaimSyncRequest
	KindPartyCreate
	KindPermissionUpdate
	KindHeartbeat
)

func (k Kind) String() string {
	switch k {
	case KindClaimCreate:
		return TypeClaimCreate
	case KindClaimUpdate:
		return TypeClaimUpdate
	case KindClaimDelete:
		return TypeClaimDelete
	case KindClaimSyncRequest:
		return TypeClaimSyncRequest
	case KindPartyCreate:
		return TypePartyCreate
	case KindPermissionUpdate:
		return TypePermissionUpdate
	case KindHeartbeat:
		return TypeHeartbeat
	default:
		return "UNKNOWN"
	}
}

// Mutating kinds must be sent by the identity they act for.
func (k Kind) Mutating() bool {
	switch k {
	case KindClaimCreate, KindClaimUpdate, KindClaimDelete, KindPartyCreate, KindPermissionUpdate:
		return true
	}
	return false
}

// Inbound is one decoded client message. Exactly one pointer field is set,
// matching Kind.
type Inbound struct {
	Kind Kind

	ClaimCreate      *ClaimCreateMsg
	ClaimUpdate      *ClaimUpdateMsg
	ClaimDelete      *ClaimDeleteMsg
	ClaimSyncRequest *ClaimSyncRequestMsg
	PartyCreate      *PartyCreateMsg
	PermissionUpdate *PermissionUpdateMsg
	Heartbeat        *HeartbeatMsg
}

// IdentityID returns the acting identity carried in the payload.
func (in Inbound) IdentityID() string {
	switch in.Kind {
	case KindClaimCreate:
		return in.ClaimCreate.IdentityID
	case KindClaimUpdate:
		return in.ClaimUpdate.IdentityID
	case KindClaimDelete:
		return in.ClaimDelete.IdentityID
	case KindClaimSyncRequest:
		return in.ClaimSyncRequest.IdentityID
	case KindPartyCreate:
		return in.PartyCreate.IdentityID
	case KindPermissionUpdate:
		return in.PermissionUpdate.IdentityID
	case KindHeartbeat:
		return in.Heartbeat.IdentityID
	}
	return ""
}

// RequestID returns the optional client correlation id.
func (in Inbound) RequestID() string {
	switch in.Kind {
	case KindClaimCreate:
		return in.ClaimCreate.RequestID
	case KindClaimUpdate:
		return in.ClaimUpdate.RequestID
	case KindClaimDelete:
		return in.ClaimDelete.RequestID
	case KindClaimSyncRequest:
		return in.ClaimSyncRequest.RequestID
	case KindPartyCreate:
		return in.PartyCreate.RequestID
	case KindPermissionUpdate:
		return in.PermissionUpdate.RequestID
	}
	return ""
}

// DecodeError carries the wire code a decoding failure maps to.
type DecodeError struct {
	Code string
	Err  error
}

func (e *DecodeError) Error() string { return e.Code + ": " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

type decoder func([]byte) (Inbound, error)

var decoders = map[string]decoder{
	TypeClaimCreate: func(b []byte) (Inbound, error) {
		var m ClaimCreateMsg
		err := json.Unmarshal(b, &m)
		return Inbound{Kind: KindClaimCreate, ClaimCreate: &m}, err
	},
	TypeClaimUpdate: func(b []byte) (Inbound, error) {
		var m ClaimUpdateMsg
		err := json.Unmarshal(b, &m)
		return Inbound{Kind: KindClaimUpdate, ClaimUpdate: &m}, err
	},
	TypeClaimDelete: func(b []byte) (Inbound, error) {
		var m ClaimDeleteMsg
		err := json.Unmarshal(b, &m)
		return Inbound{Kind: KindClaimDelete, ClaimDelete: &m}, err
	},
	TypeClaimSyncRequest: func(b []byte) (Inbound, error) {
		var m ClaimSyncRequestMsg
		err := json.Unmarshal(b, &m)
		return Inbound{Kind: KindClaimSyncRequest, ClaimSyncRequest: &m}, err
	},
	TypePartyCreate: func(b []byte) (Inbound, error) {
		var m PartyCreateMsg
		err := json.Unmarshal(b, &m)
		return Inbound{Kind: KindPartyCreate, PartyCreate: &m}, err
	},
	TypePermissionUpdate: func(b []byte) (Inbound, error) {
		var m PermissionUpdateMsg
		err := json.Unmarshal(b, &m)
		return Inbound{Kind: KindPermissionUpdate, PermissionUpdate: &m}, err
	},
	TypeHeartbeat: func(b []byte) (Inbound, error) {
		var m HeartbeatMsg
		err := json.Unmarshal(b, &m)
		return Inbound{Kind: KindHeartbeat, Heartbeat: &m}, err
	},
}

// Decode parses a raw frame into a typed inbound message.
func Decode(raw []byte) (Inbound, error) {
	f, err := DecodeFrame(raw)
	if err != nil {
		return Inbound{}, &DecodeError{Code: ErrPacketParse, Err: err}
	}
	return DecodePayload(f.Type, f.Payload)
}

// DecodePayload dispatches on the type tag. An empty payload counts as
// malformed so a handler never sees a zero-value message.
func DecodePayload(typeTag string, payload []byte) (Inbound, error) {
	dec, ok := decoders[typeTag]
	if !ok {
		return Inbound{}, &DecodeError{Code: ErrUnknownPacket, Err: fmt.Errorf("unknown type %q", typeTag)}
	}
	if len(payload) == 0 {
		return Inbound{}, &DecodeError{Code: ErrInvalidJSON, Err: errors.New("empty payload")}
	}
	in, err := dec(payload)
	if err != nil {
		return Inbound{}, &DecodeError{Code: ErrInvalidJSON, Err: err}
	}
	return in, nil
}
