package wa

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Client is the whatsmeow-backed Capability. A single sqlstore container
// holds the signal-protocol state for all tenants; the credential blob
// carries the identity snapshot used to locate and resume a device in it.
type Client struct {
	container *sqlstore.Container
	logger    *zap.Logger
}

// NewClient opens the protocol key store. Driver is "sqlite" (default) or
// "pgx" with an explicit DSN.
func NewClient(ctx context.Context, driver, dsn string, logger *zap.Logger) (*Client, error) {
	switch driver {
	case "postgres", "pgx":
		driver = "pgx"
		if dsn == "" {
			return nil, fmt.Errorf("WA_STORE_DSN is required when WA_STORE_DRIVER=postgres")
		}
	default:
		driver = "sqlite"
		if dsn == "" {
			dsn = "file:wa-store.db?_pragma=foreign_keys(1)&_pragma=journal_mode=WAL&_pragma=synchronous=NORMAL"
		}
	}

	container, err := sqlstore.New(ctx, driver, dsn, waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("open protocol store: %w", err)
	}

	return &Client{container: container, logger: logger}, nil
}

// Open creates a protocol session for the tenant. Paired credentials resume
// the matching device; fresh or stale credentials start a new device whose
// pairing challenge is emitted on the event stream.
func (c *Client) Open(ctx context.Context, tenantID string, creds *Credentials) (Handle, error) {
	device, err := c.deviceFor(ctx, creds)
	if err != nil {
		return nil, err
	}

	cli := whatsmeow.NewClient(device, waLog.Noop)
	// Reconnection is owned by the session manager's state machine.
	cli.EnableAutoReconnect = false

	h := &meowHandle{
		client: cli,
		events: make(chan Event, 32),
	}
	h.handlerID = cli.AddEventHandler(h.translate)

	if device.ID == nil {
		qrChan, qrErr := cli.GetQRChannel(ctx)
		if qrErr != nil {
			c.logger.Warn("pairing channel unavailable",
				zap.String("tenant_id", tenantID), zap.Error(qrErr))
		} else {
			go h.pumpQR(qrChan)
		}
	}

	if err := cli.Connect(); err != nil {
		h.Close()
		return nil, fmt.Errorf("protocol connect: %w", err)
	}

	return h, nil
}

// Drop deletes the device matching the credentials from the protocol store.
func (c *Client) Drop(ctx context.Context, creds *Credentials) error {
	if !creds.Paired() {
		return nil
	}
	jid, err := types.ParseJID(creds.JID)
	if err != nil {
		return nil
	}
	device, err := c.container.GetDevice(ctx, jid)
	if err != nil || device == nil {
		return err
	}
	return c.container.DeleteDevice(ctx, device)
}

func (c *Client) deviceFor(ctx context.Context, creds *Credentials) (*store.Device, error) {
	if creds.Paired() {
		jid, err := types.ParseJID(creds.JID)
		if err == nil {
			device, err := c.container.GetDevice(ctx, jid)
			if err != nil {
				return nil, fmt.Errorf("load device: %w", err)
			}
			if device != nil {
				return device, nil
			}
		}
		// Stale blob without matching device state: re-pair.
		c.logger.Warn("stored credentials have no device state, forcing re-pairing",
			zap.String("jid", creds.JID))
	}
	return c.container.NewDevice(), nil
}

// snapshotCredentials captures the device identity material into a blob.
func snapshotCredentials(d *store.Device) *Credentials {
	creds := &Credentials{
		RegistrationID: d.RegistrationID,
		AdvSecretKey:   d.AdvSecretKey,
		PushName:       d.PushName,
		Platform:       d.Platform,
	}
	if d.ID != nil {
		creds.JID = d.ID.String()
		creds.PairedAt = time.Now().UTC()
	}
	if d.NoiseKey != nil {
		creds.NoiseKey = d.NoiseKey.Priv[:]
	}
	if d.IdentityKey != nil {
		creds.IdentityKey = d.IdentityKey.Priv[:]
	}
	if d.SignedPreKey != nil {
		creds.SignedPreKey = d.SignedPreKey.Priv[:]
		creds.SignedPreKeyID = d.SignedPreKey.KeyID
		if d.SignedPreKey.Signature != nil {
			creds.SignedPreKeySig = d.SignedPreKey.Signature[:]
		}
	}
	return creds
}

type meowHandle struct {
	client    *whatsmeow.Client
	events    chan Event
	handlerID uint32

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func (h *meowHandle) Events() <-chan Event {
	return h.events
}

func (h *meowHandle) translate(evt interface{}) {
	switch e := evt.(type) {
	case *events.PairSuccess:
		h.emit(CredentialsUpdated{Credentials: snapshotCredentials(h.client.Store)})
	case *events.Connected:
		var jid, phone string
		if id := h.client.Store.ID; id != nil {
			jid = id.String()
			phone = id.User
		}
		h.emit(CredentialsUpdated{Credentials: snapshotCredentials(h.client.Store)})
		h.emit(Connected{JID: jid, PhoneNumber: phone})
	case *events.LoggedOut:
		h.emit(Disconnected{LoggedOut: true, Reason: e.Reason.String()})
	case *events.StreamReplaced:
		h.emit(Disconnected{LoggedOut: true, Reason: "stream replaced by another device"})
	case *events.Disconnected:
		h.emit(Disconnected{Reason: "connection closed"})
	}
}

func (h *meowHandle) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			h.emit(PairingCode{Code: item.Code})
		case "timeout":
			h.emit(Disconnected{Reason: "pairing challenge expired"})
			return
		case "success":
			// Connected/PairSuccess arrive through the event handler.
			return
		}
	}
}

func (h *meowHandle) emit(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.events <- ev:
	default:
		// Consumer stalled; lifecycle events are reconstructed from the next
		// state read, dropping is safer than blocking the protocol loop.
	}
}

var nonDigits = regexp.MustCompile(`\D`)

func recipientJID(recipient string) (types.JID, error) {
	number := nonDigits.ReplaceAllString(recipient, "")
	if number == "" {
		return types.EmptyJID, fmt.Errorf("recipient %q is not a phone number", recipient)
	}
	return types.NewJID(number, types.DefaultUserServer), nil
}

func (h *meowHandle) SendText(ctx context.Context, recipient, body string) error {
	jid, err := recipientJID(recipient)
	if err != nil {
		return err
	}
	_, err = h.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(body),
	})
	if err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	return nil
}

func (h *meowHandle) SendMedia(ctx context.Context, recipient string, data []byte, mimeType, caption string) error {
	jid, err := recipientJID(recipient)
	if err != nil {
		return err
	}

	uploaded, err := h.client.Upload(ctx, data, whatsmeow.MediaImage)
	if err != nil {
		return fmt.Errorf("upload media: %w", err)
	}

	_, err = h.client.SendMessage(ctx, jid, &waE2E.Message{
		ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(mimeType),
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
		},
	})
	if err != nil {
		return fmt.Errorf("send media: %w", err)
	}
	return nil
}

func (h *meowHandle) Logout(ctx context.Context) error {
	return h.client.Logout(ctx)
}

func (h *meowHandle) Close() {
	h.closeOnce.Do(func() {
		h.client.RemoveEventHandler(h.handlerID)
		h.client.Disconnect()
		h.mu.Lock()
		h.closed = true
		close(h.events)
		h.mu.Unlock()
	})
}
