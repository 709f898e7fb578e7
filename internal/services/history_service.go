package services

import (
	"context"

	"gorm.io/gorm"

	"shopwa/internal/models"
)

// HistoryService appends to and reads the append-only delivery history log.
type HistoryService struct {
	db *gorm.DB
}

func NewHistoryService(db *gorm.DB) *HistoryService {
	return &HistoryService{db: db}
}

// RecordSent appends a successful delivery for the job.
func (s *HistoryService) RecordSent(ctx context.Context, job *models.DeliveryJob) error {
	return s.db.WithContext(ctx).Create(&models.DeliveryRecord{
		TenantID:    job.TenantID,
		Recipient:   job.Recipient,
		Body:        job.Body,
		Category:    job.Category,
		OrderID:     job.OrderID,
		OrderNumber: job.OrderNumber,
		Status:      models.RecordSent,
	}).Error
}

// RecordFailed appends a failed attempt with its error text.
func (s *HistoryService) RecordFailed(ctx context.Context, job *models.DeliveryJob, errMsg string) error {
	if len(errMsg) > 500 {
		errMsg = errMsg[:500]
	}
	return s.db.WithContext(ctx).Create(&models.DeliveryRecord{
		TenantID:    job.TenantID,
		Recipient:   job.Recipient,
		Body:        job.Body,
		Category:    job.Category,
		OrderID:     job.OrderID,
		OrderNumber: job.OrderNumber,
		Status:      models.RecordFailed,
		ErrorMsg:    errMsg,
	}).Error
}

// ListByTenant returns the newest history entries for a tenant.
func (s *HistoryService) ListByTenant(ctx context.Context, tenantID string, limit int) ([]models.DeliveryRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var records []models.DeliveryRecord
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("sent_at DESC, id DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}
