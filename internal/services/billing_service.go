package services

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"shopwa/internal/models"
)

// BillingService tracks per-tenant message usage against a plan quota.
// Quota checks happen at enqueue time; the delivery worker only increments
// usage after a successful send.
type BillingService struct {
	db    *gorm.DB
	quota int64 // messages per tenant; 0 means unlimited
}

func NewBillingService(db *gorm.DB, quota int64) *BillingService {
	return &BillingService{db: db, quota: quota}
}

// CanSend reports whether the tenant may send count more messages. The
// denial reason is human-readable and surfaced to the enqueue caller.
func (s *BillingService) CanSend(ctx context.Context, tenantID string, count int64) (bool, string, error) {
	if s.quota <= 0 {
		return true, "", nil
	}

	var row models.MerchantSession
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&row).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, "", fmt.Errorf("load usage for %s: %w", tenantID, err)
	}

	if row.MessageCount+count > s.quota {
		return false, fmt.Sprintf("message quota exceeded (%d/%d used)", row.MessageCount, s.quota), nil
	}
	return true, "", nil
}

// IncrementUsage adds count sent messages to the tenant's usage counter.
func (s *BillingService) IncrementUsage(ctx context.Context, tenantID string, count int64) error {
	return s.db.WithContext(ctx).Model(&models.MerchantSession{}).
		Where("tenant_id = ?", tenantID).
		UpdateColumn("message_count", gorm.Expr("message_count + ?", count)).Error
}
