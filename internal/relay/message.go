package relay

import (
	"encoding/json"

	"github.com/voxmorph/voxmorph/internal/domain"
)

// Wire message types. Every frame is a JSON object with a "type" field; the
// remaining fields depend on the type.
const (
	TypeRegister     = "user:register"
	TypeCallRequest  = "call:request"
	TypeCallIncoming = "call:incoming"
	TypeCallFailed   = "call:failed"
	TypeUsersUpdate  = "users:update"
	TypePeerSignal   = "peer:signal"
)

type envelope struct {
	Type string `json:"type"`
}

type registerPayload struct {
	Type     string `json:"type"`
	PeerID   string `json:"peerId"`
	Username string `json:"username"`
}

type callRequestPayload struct {
	Type string `json:"type"`
	To   string `json:"to"`
	From string `json:"from"`
}

// UsersUpdate carries the full presence snapshot after every change.
type UsersUpdate struct {
	Type  string            `json:"type"`
	Users []domain.UserView `json:"users"`
}

// CallIncoming is delivered only to the resolved call target.
type CallIncoming struct {
	Type string `json:"type"`
	From string `json:"from"`
}

// CallFailed tells the caller the target is not currently present. The
// reference relay dropped such requests silently and left the caller waiting;
// surfacing the miss was a deliberate change.
type CallFailed struct {
	Type string `json:"type"`
	To   string `json:"to"`
}

// PeerSignal forwards an opaque transport-negotiation payload between two
// peers. The relay never inspects Payload.
type PeerSignal struct {
	Type    string          `json:"type"`
	To      string          `json:"to"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}
