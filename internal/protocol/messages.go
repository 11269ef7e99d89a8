package protocol

import "claimsync.ai/internal/model"

// CLAIM_CREATE (client -> server)
type ClaimCreateMsg struct {
	IdentityID  string `json:"identity_id"`
	RequestID   string `json:"request_id,omitempty"`
	World       string `json:"world"`
	MinX        int    `json:"min_x"`
	MinZ        int    `json:"min_z"`
	MaxX        int    `json:"max_x"`
	MaxZ        int    `json:"max_z"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	IsPublic    bool   `json:"is_public,omitempty"`
}

func (m ClaimCreateMsg) Rect() model.Rect {
	return model.Rect{MinX: m.MinX, MinZ: m.MinZ, MaxX: m.MaxX, MaxZ: m.MaxZ}
}

// CLAIM_UPDATE (client -> server). Nil fields are left unchanged.
type ClaimUpdateMsg struct {
	IdentityID  string      `json:"identity_id"`
	RequestID   string      `json:"request_id,omitempty"`
	ClaimID     string      `json:"claim_id"`
	Name        *string     `json:"name,omitempty"`
	Description *string     `json:"description,omitempty"`
	IsPublic    *bool       `json:"is_public,omitempty"`
	Bounds      *model.Rect `json:"bounds,omitempty"`
}

// CLAIM_DELETE (client -> server)
type ClaimDeleteMsg struct {
	IdentityID string `json:"identity_id"`
	RequestID  string `json:"request_id,omitempty"`
	ClaimID    string `json:"claim_id"`
}

// CLAIM_SYNC_REQUEST (client -> server)
type ClaimSyncRequestMsg struct {
	IdentityID string `json:"identity_id"`
	RequestID  string `json:"request_id,omitempty"`
	ForceFull  bool   `json:"force_full,omitempty"`
}

// PARTY_CREATE (client -> server)
type PartyCreateMsg struct {
	IdentityID  string   `json:"identity_id"`
	RequestID   string   `json:"request_id,omitempty"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	IsOpen      bool     `json:"is_open,omitempty"`
	MaxMembers  int      `json:"max_members,omitempty"`
	Members     []string `json:"members,omitempty"`
}

// PERMISSION_UPDATE (client -> server). Remove drops the subject's grant.
type PermissionUpdateMsg struct {
	IdentityID string           `json:"identity_id"`
	RequestID  string           `json:"request_id,omitempty"`
	ClaimID    string           `json:"claim_id"`
	Permission model.Permission `json:"permission"`
	Remove     bool             `json:"remove,omitempty"`
}

// HEARTBEAT (client -> server)
type HeartbeatMsg struct {
	IdentityID string `json:"identity_id"`
	Timestamp  int64  `json:"timestamp"`
}

// CLAIM_SYNC_RESPONSE (server -> client)
type ClaimSyncResponseMsg struct {
	RequestID       string        `json:"request_id,omitempty"`
	Claims          []model.Claim `json:"claims"`
	Parties         []model.Party `json:"parties"`
	RemovedClaimIDs []string      `json:"removed_claim_ids,omitempty"`
	BatchIndex      int           `json:"batch_index"`
	TotalBatches    int           `json:"total_batches"`
	FullSync        bool          `json:"full_sync"`
	SyncTime        int64         `json:"sync_time"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// HEARTBEAT_RESPONSE (server -> client)
type HeartbeatResponseMsg struct {
	Timestamp  int64 `json:"timestamp"`
	ServerTime int64 `json:"server_time"`
}
