// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxPeerIDLen   = 36
	MaxUsernameLen = 36
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
	ErrPeerIDTooLong   = errors.New("peer id too long")
	ErrPeerIDEmpty     = errors.New("peer id empty")
)

// PeerID is the stable identifier a client self-assigns for one session.
// Calls are routed by PeerID, not by connection.
type PeerID string

// ConnID identifies one live relay connection. It dies with the socket.
type ConnID string

// NewConnID returns a fresh connection identifier.
func NewConnID() ConnID {
	return ConnID(uuid.NewString())
}

// UserRecord is one online user as the presence registry sees it.
type UserRecord struct {
	ConnID   ConnID `json:"-"`
	PeerID   PeerID `json:"peerId"`
	Username string `json:"username"`
}

// NewUserRecord validates inputs and builds a record. Keeps ad-hoc struct
// literals out of the adapters.
func NewUserRecord(connID ConnID, peerID PeerID, username string) (UserRecord, error) {
	if len(peerID) == 0 {
		return UserRecord{}, ErrPeerIDEmpty
	}
	if len(peerID) > MaxPeerIDLen {
		return UserRecord{}, ErrPeerIDTooLong
	}
	if len(username) == 0 {
		return UserRecord{}, ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return UserRecord{}, ErrUsernameTooLong
	}
	return UserRecord{ConnID: connID, PeerID: peerID, Username: username}, nil
}

// UserView is the projection broadcast in presence snapshots.
type UserView struct {
	PeerID   PeerID `json:"peerId"`
	Username string `json:"username"`
}

func (r UserRecord) View() UserView {
	return UserView{PeerID: r.PeerID, Username: r.Username}
}
