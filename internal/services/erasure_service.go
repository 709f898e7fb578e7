package services

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"shopwa/internal/models"
)

// ErasureService deletes everything stored for a tenant: credentials, queued
// jobs and delivery history. Used for shop uninstalls and data-subject
// erasure requests.
type ErasureService struct {
	db *gorm.DB
}

func NewErasureService(db *gorm.DB) *ErasureService {
	return &ErasureService{db: db}
}

// EraseTenant removes all tenant rows in one transaction. The caller is
// responsible for tearing down any live session first.
func (s *ErasureService) EraseTenant(ctx context.Context, tenantID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("tenant_id = ?", tenantID).Delete(&models.DeliveryJob{}).Error; err != nil {
			return err
		}
		if err := tx.Where("tenant_id = ?", tenantID).Delete(&models.DeliveryRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("tenant_id = ?", tenantID).Delete(&models.MerchantSession{}).Error
	})
	if err != nil {
		return fmt.Errorf("erase tenant %s: %w", tenantID, err)
	}
	return nil
}
