package models

import (
	"time"
)

// Delivery job statuses.
const (
	JobPending = "pending"
	JobClaimed = "claimed"
	JobSent    = "sent"
	JobFailed  = "failed"
)

// Message categories used for logging and analytics.
const (
	CategoryOrderConfirmation = "order_confirmation"
	CategoryFulfillment       = "fulfillment"
	CategoryCancellation      = "cancellation"
	CategoryAbandonedCheckout = "abandoned_checkout"
	CategoryCampaign          = "campaign"
)

// DeliveryJob is one scheduled outbound message, tracked through
// pending -> sent/failed. Lower priority is more urgent; NotBefore in the
// future makes the job ineligible until that time passes.
type DeliveryJob struct {
	ID           string     `json:"id" gorm:"type:varchar(36);primaryKey"`
	TenantID     string     `json:"tenant_id" gorm:"type:varchar(255);index;not null"`
	Recipient    string     `json:"recipient" gorm:"size:25;not null"`
	Body         string     `json:"body" gorm:"type:text;not null"`
	MediaURL     string     `json:"media_url" gorm:"type:text"`
	Category     string     `json:"category" gorm:"size:40"`
	Priority     int        `json:"priority" gorm:"default:5;index:idx_delivery_jobs_due,priority:2"`
	NotBefore    time.Time  `json:"not_before" gorm:"index:idx_delivery_jobs_due,priority:3"`
	Status       string     `json:"status" gorm:"type:varchar(10);default:'pending';index:idx_delivery_jobs_due,priority:1;check:status IN ('pending','claimed','sent','failed')"`
	AttemptCount int        `json:"attempt_count" gorm:"default:0"`
	MaxAttempts  int        `json:"max_attempts" gorm:"default:3"`
	LastError    string     `json:"last_error" gorm:"size:500"`
	DedupeKey    string     `json:"dedupe_key" gorm:"type:varchar(320);uniqueIndex"`
	OrderID      string     `json:"order_id" gorm:"size:64"`
	OrderNumber  string     `json:"order_number" gorm:"size:32"`
	ClaimedAt    *time.Time `json:"claimed_at"`
	CreatedAt    time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt    time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for DeliveryJob
func (DeliveryJob) TableName() string {
	return "delivery_jobs"
}
