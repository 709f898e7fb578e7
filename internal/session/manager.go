package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"shopwa/internal/credstore"
	"shopwa/internal/metrics"
	"shopwa/internal/models"
	"shopwa/internal/wa"
)

// ErrNotConnected is returned when an operation needs a live session and the
// tenant does not have one.
var ErrNotConnected = errors.New("session not connected")

// Session is the in-process state for one tenant. All mutation goes through
// the Manager; readers take the session mutex.
type Session struct {
	tenantID string

	mu        sync.Mutex
	state     string
	handle    wa.Handle
	phone     string
	gen       uint64
	connected chan struct{}
}

func newSession(tenantID string) *Session {
	return &Session{
		tenantID:  tenantID,
		state:     models.StateDisconnected,
		connected: make(chan struct{}),
	}
}

// State returns the current in-process connection state.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Manager owns the per-tenant protocol sessions: it opens connections from
// stored credentials, feeds capability events through the state machine, and
// runs the resulting effects (persist, project, reconnect, teardown).
type Manager struct {
	registry       *Registry
	creds          *credstore.Store
	projector      *Projector
	capability     wa.Capability
	reconnectDelay time.Duration
	logger         *zap.Logger
}

func NewManager(registry *Registry, creds *credstore.Store, projector *Projector, capability wa.Capability, reconnectDelay time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		registry:       registry,
		creds:          creds,
		projector:      projector,
		capability:     capability,
		reconnectDelay: reconnectDelay,
		logger:         logger,
	}
}

// Connect opens a session for the tenant. A live or in-progress session is
// reused, never duplicated.
func (m *Manager) Connect(ctx context.Context, tenantID string) error {
	s := m.registry.GetOrCreate(tenantID)

	s.mu.Lock()
	switch s.state {
	case models.StateConnected:
		if s.handle != nil {
			s.mu.Unlock()
			return nil
		}
	case models.StateConnecting, models.StateAwaitingPairing:
		s.mu.Unlock()
		return nil
	}
	s.state = models.StateConnecting
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	m.projector.Project(ctx, tenantID, models.StateConnecting, "", "", false)

	creds := m.creds.Load(ctx, tenantID)
	handle, err := m.capability.Open(ctx, tenantID, creds)
	if err != nil {
		s.mu.Lock()
		if s.gen == gen {
			s.state = models.StateError
		}
		s.mu.Unlock()
		m.projector.Project(ctx, tenantID, models.StateError, "", "", false)
		return fmt.Errorf("open session for %s: %w", tenantID, err)
	}

	s.mu.Lock()
	if s.gen != gen {
		// A disconnect raced the open; discard the new handle.
		s.mu.Unlock()
		handle.Close()
		return nil
	}
	s.handle = handle
	s.mu.Unlock()

	m.logger.Info("session opened", zap.String("tenant_id", tenantID),
		zap.Bool("paired", creds.Paired()))

	go m.pump(s, handle, gen)
	return nil
}

// Disconnect tears down the tenant's session and persists the disconnected
// state. With wipe, the device is signed out remotely and the stored
// credentials are cleared (user-initiated logout).
func (m *Manager) Disconnect(ctx context.Context, tenantID string, wipe bool) error {
	var handle wa.Handle
	if s, ok := m.registry.Get(tenantID); ok {
		s.mu.Lock()
		handle = s.handle
		s.handle = nil
		s.gen++
		if s.state == models.StateConnected {
			s.connected = make(chan struct{})
			metrics.SessionDisconnected()
		}
		s.state = models.StateDisconnected
		s.mu.Unlock()
	}

	if handle != nil {
		if wipe {
			if err := handle.Logout(ctx); err != nil {
				m.logger.Warn("remote logout failed", zap.String("tenant_id", tenantID), zap.Error(err))
			}
		}
		handle.Close()
	}

	if wipe {
		creds := m.creds.Load(ctx, tenantID)
		if err := m.capability.Drop(ctx, creds); err != nil {
			m.logger.Warn("failed to drop device state", zap.String("tenant_id", tenantID), zap.Error(err))
		}
		if err := m.creds.Wipe(ctx, tenantID); err != nil {
			return fmt.Errorf("wipe credentials for %s: %w", tenantID, err)
		}
	}

	m.projector.Project(ctx, tenantID, models.StateDisconnected, "", "", false)
	return nil
}

// AwaitConnected blocks until the tenant's session reports connected, the
// context is done, or the timeout expires.
func (m *Manager) AwaitConnected(ctx context.Context, tenantID string, timeout time.Duration) error {
	s := m.registry.GetOrCreate(tenantID)

	s.mu.Lock()
	if s.state == models.StateConnected && s.handle != nil {
		s.mu.Unlock()
		return nil
	}
	ch := s.connected
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("tenant %s after %s: %w", tenantID, timeout, ErrNotConnected)
	}
}

// EnsureConnected issues a connect request if needed and waits for the
// session to come up.
func (m *Manager) EnsureConnected(ctx context.Context, tenantID string, timeout time.Duration) error {
	if err := m.Connect(ctx, tenantID); err != nil {
		return err
	}
	return m.AwaitConnected(ctx, tenantID, timeout)
}

// SendText sends a text message over the tenant's live session.
func (m *Manager) SendText(ctx context.Context, tenantID, recipient, body string) error {
	handle, err := m.liveHandle(tenantID)
	if err != nil {
		return err
	}
	return handle.SendText(ctx, recipient, body)
}

// SendMedia sends an image with caption over the tenant's live session.
func (m *Manager) SendMedia(ctx context.Context, tenantID, recipient string, data []byte, mimeType, caption string) error {
	handle, err := m.liveHandle(tenantID)
	if err != nil {
		return err
	}
	return handle.SendMedia(ctx, recipient, data, mimeType, caption)
}

// Shutdown closes all live handles without touching the durable state, so
// startup reconciliation can re-open previously connected tenants.
func (m *Manager) Shutdown() {
	for _, tenantID := range m.registry.TenantIDs() {
		s, ok := m.registry.Get(tenantID)
		if !ok {
			continue
		}
		s.mu.Lock()
		handle := s.handle
		s.handle = nil
		s.gen++
		s.mu.Unlock()
		if handle != nil {
			handle.Close()
		}
	}
}

func (m *Manager) liveHandle(tenantID string) (wa.Handle, error) {
	s, ok := m.registry.Get(tenantID)
	if !ok {
		return nil, ErrNotConnected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != models.StateConnected || s.handle == nil {
		return nil, ErrNotConnected
	}
	return s.handle, nil
}

func (m *Manager) pump(s *Session, handle wa.Handle, gen uint64) {
	for ev := range handle.Events() {
		m.dispatch(s, handle, gen, ev)
	}
}

func (m *Manager) dispatch(s *Session, handle wa.Handle, gen uint64, ev wa.Event) {
	ctx := context.Background()

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	prev := s.state
	next, eff := Transition(prev, ev)
	s.state = next
	if c, ok := ev.(wa.Connected); ok {
		s.phone = c.PhoneNumber
	}
	phone := s.phone
	if next == models.StateConnected && prev != models.StateConnected {
		close(s.connected)
		metrics.SessionConnected()
	} else if next != models.StateConnected && prev == models.StateConnected {
		s.connected = make(chan struct{})
		metrics.SessionDisconnected()
	}
	if eff.CloseHandle {
		s.handle = nil
		s.gen++
	}
	s.mu.Unlock()

	if prev != next {
		m.logger.Info("session transition",
			zap.String("tenant_id", s.tenantID),
			zap.String("from", prev),
			zap.String("to", next))
	}

	if eff.PersistCredentials != nil {
		if err := m.creds.Save(ctx, s.tenantID, eff.PersistCredentials); err != nil {
			m.logger.Error("failed to persist credentials",
				zap.String("tenant_id", s.tenantID), zap.Error(err))
		}
	}
	if eff.WipeCredentials {
		creds := m.creds.Load(ctx, s.tenantID)
		if err := m.capability.Drop(ctx, creds); err != nil {
			m.logger.Warn("failed to drop device state",
				zap.String("tenant_id", s.tenantID), zap.Error(err))
		}
		if err := m.creds.Wipe(ctx, s.tenantID); err != nil {
			m.logger.Error("failed to wipe credentials",
				zap.String("tenant_id", s.tenantID), zap.Error(err))
		}
	}
	if eff.CloseHandle {
		handle.Close()
	}
	if eff.Project {
		m.projector.Project(ctx, s.tenantID, next, eff.PairingCode, phone, eff.MarkConnected)
	}
	if eff.ScheduleReconnect {
		m.logger.Info("scheduling reconnect",
			zap.String("tenant_id", s.tenantID),
			zap.Duration("delay", m.reconnectDelay))
		time.AfterFunc(m.reconnectDelay, func() {
			s.mu.Lock()
			retry := s.state == models.StateError
			s.mu.Unlock()
			if !retry {
				return
			}
			if err := m.Connect(context.Background(), s.tenantID); err != nil {
				m.logger.Error("reconnect failed",
					zap.String("tenant_id", s.tenantID), zap.Error(err))
			}
		})
	}
}
