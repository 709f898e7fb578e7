package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"shopwa/internal/credstore"
	"shopwa/internal/models"
	"shopwa/internal/wa"
)

type fakeHandle struct {
	events chan wa.Event

	mu        sync.Mutex
	closed    bool
	loggedOut bool
	sentTexts []string

	closeOnce sync.Once
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{events: make(chan wa.Event, 16)}
}

func (h *fakeHandle) Events() <-chan wa.Event { return h.events }

func (h *fakeHandle) SendText(ctx context.Context, recipient, body string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sentTexts = append(h.sentTexts, recipient+":"+body)
	return nil
}

func (h *fakeHandle) SendMedia(ctx context.Context, recipient string, data []byte, mimeType, caption string) error {
	return nil
}

func (h *fakeHandle) Logout(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loggedOut = true
	return nil
}

func (h *fakeHandle) Close() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		close(h.events)
	})
}

func (h *fakeHandle) emit(ev wa.Event) { h.events <- ev }

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type fakeCapability struct {
	mu      sync.Mutex
	handles []*fakeHandle
	openErr error
	drops   int
}

func (c *fakeCapability) Open(ctx context.Context, tenantID string, creds *wa.Credentials) (wa.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openErr != nil {
		return nil, c.openErr
	}
	h := newFakeHandle()
	c.handles = append(c.handles, h)
	return h, nil
}

func (c *fakeCapability) Drop(ctx context.Context, creds *wa.Credentials) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drops++
	return nil
}

func (c *fakeCapability) opens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

func (c *fakeCapability) handle(i int) *fakeHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handles[i]
}

func newTestManager(t *testing.T, capability wa.Capability) (*Manager, *Projector, *credstore.Store) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1) // one in-memory sqlite database per test
	require.NoError(t, db.AutoMigrate(&models.MerchantSession{}))

	creds := credstore.NewStore(db, zap.NewNop())
	projector := NewProjector(db, zap.NewNop())
	m := NewManager(NewRegistry(), creds, projector, capability, 20*time.Millisecond, zap.NewNop())
	return m, projector, creds
}

const tenant = "shop.myshopify.com"

func TestConnectReusesLiveSession(t *testing.T) {
	capability := &fakeCapability{}
	m, _, _ := newTestManager(t, capability)
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, tenant))
	require.Equal(t, 1, capability.opens())

	capability.handle(0).emit(wa.Connected{JID: "1@s.whatsapp.net", PhoneNumber: "628111"})
	require.NoError(t, m.AwaitConnected(ctx, tenant, time.Second))

	// Further connects must not open a second protocol session.
	require.NoError(t, m.Connect(ctx, tenant))
	require.NoError(t, m.Connect(ctx, tenant))
	assert.Equal(t, 1, capability.opens())
}

func TestConnectWhileInProgressIsNoop(t *testing.T) {
	capability := &fakeCapability{}
	m, _, _ := newTestManager(t, capability)
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, tenant))
	require.NoError(t, m.Connect(ctx, tenant))
	assert.Equal(t, 1, capability.opens())
}

func TestFreshPairingFlow(t *testing.T) {
	capability := &fakeCapability{}
	m, projector, creds := newTestManager(t, capability)
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, tenant))
	h := capability.handle(0)

	h.emit(wa.PairingCode{Code: "QR-PAYLOAD-1"})
	require.Eventually(t, func() bool {
		row, err := projector.Status(ctx, tenant)
		return err == nil && row.ConnectionState == models.StateAwaitingPairing && row.PairingCode == "QR-PAYLOAD-1"
	}, 2*time.Second, 10*time.Millisecond, "pairing code should be projected")

	paired := &wa.Credentials{JID: "1@s.whatsapp.net", NoiseKey: []byte{1, 2, 3}}
	h.emit(wa.CredentialsUpdated{Credentials: paired})
	h.emit(wa.Connected{JID: "1@s.whatsapp.net", PhoneNumber: "628111"})

	require.NoError(t, m.AwaitConnected(ctx, tenant, time.Second))

	require.Eventually(t, func() bool {
		row, err := projector.Status(ctx, tenant)
		return err == nil && row.ConnectionState == models.StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	row, err := projector.Status(ctx, tenant)
	require.NoError(t, err)
	assert.Empty(t, row.PairingCode, "pairing code must clear once connected")
	assert.Equal(t, "628111", row.PhoneNumber)
	assert.NotNil(t, row.LastConnectedAt)

	stored := creds.Load(ctx, tenant)
	assert.Equal(t, paired, stored, "credential snapshot must be persisted")
}

func TestTransientDropReconnects(t *testing.T) {
	capability := &fakeCapability{}
	m, projector, _ := newTestManager(t, capability)
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, tenant))
	capability.handle(0).emit(wa.Connected{JID: "1@s.whatsapp.net", PhoneNumber: "628111"})
	require.NoError(t, m.AwaitConnected(ctx, tenant, time.Second))

	capability.handle(0).emit(wa.Disconnected{Reason: "stream error"})

	// The manager should tear down the handle and reopen after the delay.
	require.Eventually(t, func() bool {
		return capability.opens() == 2
	}, 2*time.Second, 10*time.Millisecond, "expected an automatic reconnect")
	assert.True(t, capability.handle(0).isClosed())

	capability.handle(1).emit(wa.Connected{JID: "1@s.whatsapp.net", PhoneNumber: "628111"})
	require.NoError(t, m.AwaitConnected(ctx, tenant, time.Second))

	row, err := projector.Status(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, models.StateConnected, row.ConnectionState)
}

func TestRemoteLogoutWipesAndStaysDown(t *testing.T) {
	capability := &fakeCapability{}
	m, projector, creds := newTestManager(t, capability)
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, tenant))
	h := capability.handle(0)
	h.emit(wa.CredentialsUpdated{Credentials: &wa.Credentials{JID: "1@s.whatsapp.net"}})
	h.emit(wa.Connected{JID: "1@s.whatsapp.net", PhoneNumber: "628111"})
	require.NoError(t, m.AwaitConnected(ctx, tenant, time.Second))

	h.emit(wa.Disconnected{LoggedOut: true, Reason: "logged out from phone"})

	require.Eventually(t, func() bool {
		row, err := projector.Status(ctx, tenant)
		return err == nil && row.ConnectionState == models.StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, h.isClosed())
	assert.False(t, creds.Load(ctx, tenant).Paired(), "credentials must be wiped on remote logout")

	// No reconnect after a terminal logout.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, capability.opens())
}

func TestDisconnectWipeLogsOutRemotely(t *testing.T) {
	capability := &fakeCapability{}
	m, projector, creds := newTestManager(t, capability)
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, tenant))
	h := capability.handle(0)
	h.emit(wa.CredentialsUpdated{Credentials: &wa.Credentials{JID: "1@s.whatsapp.net"}})
	h.emit(wa.Connected{JID: "1@s.whatsapp.net", PhoneNumber: "628111"})
	require.NoError(t, m.AwaitConnected(ctx, tenant, time.Second))

	require.NoError(t, m.Disconnect(ctx, tenant, true))

	h.mu.Lock()
	loggedOut := h.loggedOut
	h.mu.Unlock()
	assert.True(t, loggedOut, "wipe must sign the device out remotely")
	assert.True(t, h.isClosed())
	assert.False(t, creds.Load(ctx, tenant).Paired())

	row, err := projector.Status(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, models.StateDisconnected, row.ConnectionState)
}

func TestSendTextRequiresLiveSession(t *testing.T) {
	capability := &fakeCapability{}
	m, _, _ := newTestManager(t, capability)
	ctx := context.Background()

	err := m.SendText(ctx, tenant, "628222", "hello")
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, m.Connect(ctx, tenant))
	err = m.SendText(ctx, tenant, "628222", "hello")
	assert.ErrorIs(t, err, ErrNotConnected, "connecting is not connected")

	capability.handle(0).emit(wa.Connected{JID: "1@s.whatsapp.net", PhoneNumber: "628111"})
	require.NoError(t, m.AwaitConnected(ctx, tenant, time.Second))

	require.NoError(t, m.SendText(ctx, tenant, "628222", "hello"))
	h := capability.handle(0)
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []string{"628222:hello"}, h.sentTexts)
}

func TestConnectOpenFailureMarksError(t *testing.T) {
	capability := &fakeCapability{openErr: errors.New("socket refused")}
	m, projector, _ := newTestManager(t, capability)
	ctx := context.Background()

	err := m.Connect(ctx, tenant)
	require.Error(t, err)

	row, perr := projector.Status(ctx, tenant)
	require.NoError(t, perr)
	assert.Equal(t, models.StateError, row.ConnectionState)
}

func TestAwaitConnectedTimesOut(t *testing.T) {
	capability := &fakeCapability{}
	m, _, _ := newTestManager(t, capability)
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, tenant))
	err := m.AwaitConnected(ctx, tenant, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrNotConnected)
}
