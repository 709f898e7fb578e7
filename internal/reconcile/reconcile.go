// Package reconcile restores WhatsApp sessions after a restart. Tenants
// that were connected before the process died are reconnected one at a
// time, spaced out so a fleet of sessions does not hammer the WhatsApp
// servers at once.
package reconcile

import (
	"context"
	"time"

	"go.uber.org/zap"

	"shopwa/internal/session"
)

// Connector is the slice of the session manager reconciliation needs.
type Connector interface {
	Connect(ctx context.Context, tenantID string) error
	AwaitConnected(ctx context.Context, tenantID string, timeout time.Duration) error
}

// Reconciler reconnects previously-connected tenants at startup.
type Reconciler struct {
	projector *session.Projector
	connector Connector
	delay     time.Duration
	timeout   time.Duration
	logger    *zap.Logger
}

func New(projector *session.Projector, connector Connector, delay, timeout time.Duration, logger *zap.Logger) *Reconciler {
	if delay <= 0 {
		delay = 3 * time.Second
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Reconciler{projector: projector, connector: connector, delay: delay, timeout: timeout, logger: logger}
}

// Run walks the previously-connected tenants sequentially. One tenant
// failing to come back does not stop the others.
func (r *Reconciler) Run(ctx context.Context) {
	tenants, err := r.projector.PreviouslyConnected(ctx)
	if err != nil {
		r.logger.Error("loading previously connected tenants failed", zap.Error(err))
		return
	}
	if len(tenants) == 0 {
		r.logger.Info("no sessions to restore")
		return
	}
	r.logger.Info("restoring sessions", zap.Int("count", len(tenants)))

	for i, tenantID := range tenants {
		if ctx.Err() != nil {
			return
		}
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.delay):
			}
		}

		log := r.logger.With(zap.String("tenant_id", tenantID))
		if err := r.connector.Connect(ctx, tenantID); err != nil {
			log.Error("restoring session failed", zap.Error(err))
			r.projector.MarkError(ctx, tenantID)
			continue
		}
		if err := r.connector.AwaitConnected(ctx, tenantID, r.timeout); err != nil {
			log.Warn("session did not come back in time", zap.Error(err))
			continue
		}
		log.Info("session restored")
	}
}
