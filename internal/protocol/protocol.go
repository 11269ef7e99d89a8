// Package protocol defines the claim sync wire format.
//
// Wire encoding, version 1. Every channel message is one frame:
//
//	u16 big-endian length | type tag (UTF-8)
//	u16 big-endian length | payload (UTF-8 JSON object)
//
// A frame never exceeds MaxFrameSize bytes. Payloads are JSON objects with
// snake_case keys; decoders ignore unknown keys so newer peers can add fields.
// Incompatible changes bump Version, which is negotiated once in HELLO.
package protocol

import "encoding/json"

const Version = "1"

// Inbound message types.
const (
	TypeClaimCreate      = "CLAIM_CREATE"
	TypeClaimUpdate      = "CLAIM_UPDATE"
	TypeClaimDelete      = "CLAIM_DELETE"
	TypeClaimSyncRequest = "CLAIM_SYNC_REQUEST"
	TypePartyCreate      = "PARTY_CREATE"
	TypePermissionUpdate = "PERMISSION_UPDATE"
	TypeHeartbeat        = "HEARTBEAT"
)

// Outbound message types.
const (
	TypeClaimSyncResponse = "CLAIM_SYNC_RESPONSE"
	TypeError             = "ERROR"
	TypeHeartbeatResponse = "HEARTBEAT_RESPONSE"
)

// Transport handshake, exchanged before any claim traffic.
const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
)

// HELLO (client -> server)
type HelloMsg struct {
	ProtocolVersion string `json:"protocol_version"`
	IdentityID      string `json:"identity_id"`
	IdentityName    string `json:"identity_name"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	ProtocolVersion string `json:"protocol_version"`
	IdentityID      string `json:"identity_id"`
	MaxFrameSize    int    `json:"max_frame_size"`
	BatchSize       int    `json:"batch_size"`
	ServerTime      int64  `json:"server_time"`
}

// Outbound is a typed payload ready to be framed for one identity.
type Outbound struct {
	Type    string
	Payload any
}

// Encode marshals the payload and frames it.
func (o Outbound) Encode() ([]byte, error) {
	return Encode(o.Type, o.Payload)
}

func Encode(typeTag string, payload any) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(typeTag, b)
}
