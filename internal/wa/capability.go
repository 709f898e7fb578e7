// Package wa defines the boundary to the underlying WhatsApp multi-device
// protocol client. The rest of the application talks to the Capability and
// Handle interfaces and the discrete event values below; the whatsmeow-backed
// implementation lives in whatsmeow.go.
package wa

import (
	"context"
	"time"
)

// Credentials holds the protocol identity and session key material needed to
// resume a session without re-pairing. All key fields are raw bytes; the
// struct round-trips through JSON (base64 for []byte) without loss. An empty
// JID means the device was never paired.
type Credentials struct {
	JID             string    `json:"jid,omitempty"`
	RegistrationID  uint32    `json:"registration_id,omitempty"`
	NoiseKey        []byte    `json:"noise_key,omitempty"`
	IdentityKey     []byte    `json:"identity_key,omitempty"`
	SignedPreKey    []byte    `json:"signed_pre_key,omitempty"`
	SignedPreKeyID  uint32    `json:"signed_pre_key_id,omitempty"`
	SignedPreKeySig []byte    `json:"signed_pre_key_sig,omitempty"`
	AdvSecretKey    []byte    `json:"adv_secret_key,omitempty"`
	PushName        string    `json:"push_name,omitempty"`
	Platform        string    `json:"platform,omitempty"`
	PairedAt        time.Time `json:"paired_at,omitempty"`
}

// Paired reports whether the credentials belong to a previously paired device.
func (c *Credentials) Paired() bool {
	return c != nil && c.JID != ""
}

// Event is a discrete connection-lifecycle event emitted by a Handle.
type Event interface {
	isEvent()
}

// PairingCode carries a fresh pairing challenge. The capability re-emits a
// new code when the previous one expires.
type PairingCode struct {
	Code string
}

// Connected signals that the session is live.
type Connected struct {
	JID         string
	PhoneNumber string
}

// Disconnected signals that the underlying connection closed. LoggedOut
// distinguishes a terminal remote sign-out from a transient closure.
type Disconnected struct {
	LoggedOut bool
	Reason    string
}

// CredentialsUpdated carries a fresh credential snapshot to be persisted.
type CredentialsUpdated struct {
	Credentials *Credentials
}

func (PairingCode) isEvent()        {}
func (Connected) isEvent()          {}
func (Disconnected) isEvent()       {}
func (CredentialsUpdated) isEvent() {}

// Handle is one open protocol session.
type Handle interface {
	// Events returns the session's event stream. The channel is closed when
	// the handle is closed.
	Events() <-chan Event
	SendText(ctx context.Context, recipient, body string) error
	SendMedia(ctx context.Context, recipient string, data []byte, mimeType, caption string) error
	// Logout signs the device out remotely, invalidating the credentials.
	Logout(ctx context.Context) error
	Close()
}

// Capability opens protocol sessions from stored credentials.
type Capability interface {
	Open(ctx context.Context, tenantID string, creds *Credentials) (Handle, error)
	// Drop discards any device state held by the capability for the given
	// credentials, forcing a fresh pairing on the next Open.
	Drop(ctx context.Context, creds *Credentials) error
}
