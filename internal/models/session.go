package models

import "time"

// SessionState is the connection state of an operator's messaging session.
type SessionState string

const (
	SessionDisconnected SessionState = "DISCONNECTED"
	SessionConnecting   SessionState = "CONNECTING"
	SessionQRPending    SessionState = "QR_PENDING"
	SessionConnected    SessionState = "CONNECTED"
)

// Session is the persisted record of one operator's linked account.
type Session struct {
	OwnerID              string       `json:"owner_id"`
	State                SessionState `json:"state"`
	LinkedAccountID      string       `json:"linked_account_id,omitempty"`
	EncryptedCredentials string       `json:"-"`
	LastUsedAt           time.Time    `json:"last_used_at"`
	CreatedAt            time.Time    `json:"created_at"`
}

// HasCredentials reports whether the session has stored credential material.
func (s Session) HasCredentials() bool {
	return s.EncryptedCredentials != ""
}

// SessionStatus combines the persisted session with in-memory connectivity.
type SessionStatus struct {
	OwnerID         string       `json:"owner_id"`
	State           SessionState `json:"state"`
	LinkedAccountID string       `json:"linked_account_id,omitempty"`
	LastUsedAt      *time.Time   `json:"last_used_at,omitempty"`
	Live            bool         `json:"live"`
	QRCode          string       `json:"qr_code,omitempty"`
}
