package model

import (
	"encoding/json"
	"time"
)

// Session is the durable credential record for one user's linked device.
// The filesystem copy under the session directory is authoritative while a
// connection is live; this row exists so a restart can re-materialize it.
type Session struct {
	UserID        string           `db:"user_id" json:"userId"`
	PhoneNumber   *string          `db:"phone_number" json:"phoneNumber,omitempty"`
	Creds         json.RawMessage  `db:"creds" json:"-"`
	SyncKeys      *json.RawMessage `db:"sync_keys" json:"-"`
	Status        SessionStatus    `db:"status" json:"status"`
	LastConnected *time.Time       `db:"last_connected" json:"lastConnected,omitempty"`
	CreatedAt     time.Time        `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time        `db:"updated_at" json:"updatedAt"`
}

type UpsertSessionParams struct {
	UserID      string
	PhoneNumber *string
	Creds       json.RawMessage
	SyncKeys    *json.RawMessage
}

// PendingPairing is transient bookkeeping for a session that has been opened
// with a phone number and is waiting for the user to enter the linking code.
type PendingPairing struct {
	UserID      string    `json:"userId"`
	Code        string    `json:"code"`
	PhoneNumber string    `json:"phoneNumber"`
	CreatedAt   time.Time `json:"createdAt"`
}

// SessionInfo is the API-facing view of one registry entry.
type SessionInfo struct {
	UserID      string     `json:"userId"`
	PhoneNumber string     `json:"phoneNumber,omitempty"`
	Status      ConnStatus `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// MessageLog is one inbound message recorded by the dispatch layer.
type MessageLog struct {
	ID         int64     `db:"id" json:"id"`
	UserID     string    `db:"user_id" json:"userId"`
	RemoteJID  string    `db:"remote_jid" json:"remoteJid"`
	PushName   string    `db:"push_name" json:"pushName,omitempty"`
	Body       string    `db:"body" json:"body"`
	ReceivedAt time.Time `db:"received_at" json:"receivedAt"`
}
