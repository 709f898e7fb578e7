package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"shopwa/internal/models"
)

// Projector mirrors session lifecycle transitions into the durable,
// pollable merchant session record.
type Projector struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewProjector(db *gorm.DB, logger *zap.Logger) *Projector {
	return &Projector{db: db, logger: logger}
}

// Project upserts the status fields for the tenant. The pairing code is
// stored verbatim in awaiting_pairing and cleared in every other state;
// last_connected_at is stamped only on a transition into connected.
func (p *Projector) Project(ctx context.Context, tenantID, state, pairingCode, phoneNumber string, markConnected bool) {
	updates := map[string]interface{}{
		"connection_state": state,
		"pairing_code":     "",
	}
	if state == models.StateAwaitingPairing {
		updates["pairing_code"] = pairingCode
	}
	if markConnected {
		updates["last_connected_at"] = time.Now().UTC()
	}
	if phoneNumber != "" {
		updates["phone_number"] = phoneNumber
	}

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.MerchantSession
		err := tx.Where("tenant_id = ?", tenantID).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			record := models.MerchantSession{
				TenantID:        tenantID,
				ConnectionState: state,
			}
			if code, ok := updates["pairing_code"].(string); ok {
				record.PairingCode = code
			}
			if ts, ok := updates["last_connected_at"].(time.Time); ok {
				record.LastConnectedAt = &ts
			}
			if phoneNumber != "" {
				record.PhoneNumber = phoneNumber
			}
			return tx.Create(&record).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&models.MerchantSession{}).
			Where("tenant_id = ?", tenantID).
			Updates(updates).Error
	})
	if err != nil {
		p.logger.Error("failed to project session status",
			zap.String("tenant_id", tenantID),
			zap.String("state", state),
			zap.Error(err))
	}
}

// Status is the point lookup consumed by the UI poll.
func (p *Projector) Status(ctx context.Context, tenantID string) (*models.MerchantSession, error) {
	var row models.MerchantSession
	err := p.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.MerchantSession{
			TenantID:        tenantID,
			ConnectionState: models.StateDisconnected,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// PreviouslyConnected lists tenants whose durable record still carries
// credentials and a connected state, for startup reconciliation.
func (p *Projector) PreviouslyConnected(ctx context.Context) ([]string, error) {
	var ids []string
	err := p.db.WithContext(ctx).Model(&models.MerchantSession{}).
		Where("connection_state = ? AND credential_blob IS NOT NULL AND length(credential_blob) > 0", models.StateConnected).
		Order("tenant_id").
		Pluck("tenant_id", &ids).Error
	return ids, err
}

// MarkError stamps the error state without a live session, used when a
// reconciliation connect attempt fails before a session exists.
func (p *Projector) MarkError(ctx context.Context, tenantID string) {
	p.Project(ctx, tenantID, models.StateError, "", "", false)
}
