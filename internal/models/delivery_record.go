package models

import (
	"time"
)

// Delivery record outcomes.
const (
	RecordSent   = "sent"
	RecordFailed = "failed"
)

// DeliveryRecord is one terminal attempt outcome in the append-only history
// log. Rows are never mutated after insert; they serve auditing and
// data-subject erasure.
type DeliveryRecord struct {
	ID          uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	TenantID    string    `json:"tenant_id" gorm:"type:varchar(255);index;not null"`
	Recipient   string    `json:"recipient" gorm:"size:25;not null"`
	Body        string    `json:"body" gorm:"type:text"`
	Category    string    `json:"category" gorm:"size:40"`
	OrderID     string    `json:"order_id" gorm:"size:64"`
	OrderNumber string    `json:"order_number" gorm:"size:32"`
	Status      string    `json:"status" gorm:"type:varchar(10);not null;check:status IN ('sent','failed')"`
	ErrorMsg    string    `json:"error_msg" gorm:"size:500"`
	SentAt      time.Time `json:"sent_at" gorm:"autoCreateTime"`
}

// TableName specifies the table name for DeliveryRecord
func (DeliveryRecord) TableName() string {
	return "delivery_records"
}
