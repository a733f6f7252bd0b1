package protocol

import (
	"encoding/json"

	"syncpad/pkg/logger"
)

// Client -> server message types.
const (
	JoinType         = "join"           // Enter the room for a document
	LeaveType        = "leave"          // Explicitly leave the room
	EditType         = "edit"           // Versioned batch of text changes
	CursorType       = "cursor"         // Cursor moved
	SelectionType    = "selection"      // Selection range changed
	SaveType         = "save"           // Authoritative full-content save
	SyncType         = "sync"           // Request the current document snapshot
	SignalType       = "signal"         // P2P signaling payload for one peer
	JoinPeerMeshType = "join-peer-mesh" // Announce availability for direct peer channels
)

// Server -> client message types.
const (
	InitType          = "init"
	SyncRequiredType  = "sync-required"
	SavedType         = "saved"
	UserJoinedType    = "user-joined"
	UserLeftType      = "user-left"
	PeerJoinedType    = "peer-joined"
	ExistingPeersType = "existing-peers"
)

// Identity is the authenticated {userId, displayName} pair attached to a
// connection before it reaches the core. The core trusts it as-is.
type Identity struct {
	UserID string `json:"user_id"`
	Name   string `json:"display_name"`
}

// Envelope is the client->server frame. The payload shape depends on Type.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

const (
	InsertChange = "insert"
	DeleteChange = "delete"
)

// Change is a single splice against the pre-edit text of one edit batch.
type Change struct {
	Kind   string `json:"kind"`
	Offset int    `json:"offset"`
	Text   string `json:"text,omitempty"`
	Length int    `json:"length,omitempty"`
}

// EditMessage is one client edit submission.
type EditMessage struct {
	Changes     []Change `json:"changes"`
	BaseVersion int64    `json:"base_version"`
	FileName    string   `json:"file_name"`
}

type JoinPayload struct {
	DocumentID string `json:"document_id"`
}

type CursorPayload struct {
	Position int    `json:"position"`
	FileName string `json:"file_name"`
}

// SelectionRange is a {start, end} pair of text offsets.
type SelectionRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type SelectionPayload struct {
	Selection SelectionRange `json:"selection"`
}

type SavePayload struct {
	Content  string `json:"content"`
	FileName string `json:"file_name"`
}

type SignalPayload struct {
	TargetUserID string          `json:"target_user_id"`
	Payload      json.RawMessage `json:"payload"`
}

type JoinPeerMeshPayload struct {
	PeerID string `json:"peer_id"`
}

// MemberInfo is one entry of the roster sent in an init frame.
type MemberInfo struct {
	UserID    string          `json:"user_id"`
	UserName  string          `json:"user_name"`
	Cursor    *int            `json:"cursor,omitempty"`
	Selection *SelectionRange `json:"selection,omitempty"`
}

// PeerInfo is one prospective peer in an existing-peers frame.
type PeerInfo struct {
	PeerID   string `json:"peer_id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

// Server -> client frames. Each marshals flat with its type baked in.

type InitFrame struct {
	Type         string       `json:"type"`
	DocumentText string       `json:"document_text"`
	Version      int64        `json:"version"`
	Members      []MemberInfo `json:"members"`
}

type SyncRequiredFrame struct {
	Type           string `json:"type"`
	CurrentVersion int64  `json:"current_version"`
}

type EditFrame struct {
	Type    string   `json:"type"`
	Changes []Change `json:"changes"`
	Version int64    `json:"version"`
	UserID  string   `json:"user_id"`
}

type SavedFrame struct {
	Type    string `json:"type"`
	Version int64  `json:"version"`
}

type UserJoinedFrame struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

type UserLeftFrame struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

type CursorFrame struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	Position int    `json:"position"`
}

type SelectionFrame struct {
	Type      string         `json:"type"`
	UserID    string         `json:"user_id"`
	Selection SelectionRange `json:"selection"`
}

type PeerJoinedFrame struct {
	Type     string `json:"type"`
	PeerID   string `json:"peer_id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

type ExistingPeersFrame struct {
	Type  string     `json:"type"`
	Peers []PeerInfo `json:"peers"`
}

type SignalFrame struct {
	Type         string          `json:"type"`
	FromUserID   string          `json:"from_user_id"`
	FromUserName string          `json:"from_user_name"`
	Payload      json.RawMessage `json:"payload"`
}

// Marshal encodes a server frame, returning nil on failure. Frames are built
// server-side from known types, so a failure here is a bug worth a log line
// but never worth crashing a room over.
func Marshal(frame interface{}) []byte {
	data, err := json.Marshal(frame)
	if err != nil {
		logger.Sugar.Errorf("Failed to marshal frame %T: %v", frame, err)
		return nil
	}
	return data
}
