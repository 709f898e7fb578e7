package models

import (
	"time"
)

// Connection states for a merchant's WhatsApp session.
const (
	StateDisconnected    = "disconnected"
	StateConnecting      = "connecting"
	StateAwaitingPairing = "awaiting_pairing"
	StateConnected       = "connected"
	StateError           = "error"
)

// MerchantSession is the durable per-tenant session record. The credential
// blob is the sole source of truth for resuming a protocol session; losing it
// forces re-pairing.
type MerchantSession struct {
	ID              uint       `json:"id" gorm:"primaryKey;autoIncrement"`
	TenantID        string     `json:"tenant_id" gorm:"type:varchar(255);uniqueIndex;not null"`
	CredentialBlob  []byte     `json:"-"`
	ConnectionState string     `json:"connection_state" gorm:"type:varchar(20);default:'disconnected';check:connection_state IN ('disconnected','connecting','awaiting_pairing','connected','error')"`
	PairingCode     string     `json:"pairing_code" gorm:"type:text"`
	LastConnectedAt *time.Time `json:"last_connected_at"`
	PhoneNumber     string     `json:"phone_number" gorm:"size:20"`
	MessageCount    int64      `json:"message_count" gorm:"default:0"`
	CreatedAt       time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt       time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for MerchantSession
func (MerchantSession) TableName() string {
	return "merchant_sessions"
}
