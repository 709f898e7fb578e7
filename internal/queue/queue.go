// Package queue is the durable delivery-job queue, backed by the
// delivery_jobs table. Jobs are claimed in (priority ASC, not_before ASC)
// order and requeued with exponential backoff on failure.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"shopwa/internal/models"
)

// ErrDuplicate is returned when an enqueue collides with an existing job for
// the same tenant, recipient and schedule slot.
var ErrDuplicate = errors.New("delivery job already enqueued")

// DefaultRetryBase is the backoff unit: retry n waits base * 2^n.
const DefaultRetryBase = 30 * time.Second

// EnqueueParams describes one outbound message to schedule.
type EnqueueParams struct {
	TenantID    string
	Recipient   string
	Body        string
	MediaURL    string
	Category    string
	Priority    int
	NotBefore   time.Time
	MaxAttempts int
	OrderID     string
	OrderNumber string
}

// Queue provides claim/ack semantics over the delivery_jobs table.
type Queue struct {
	db        *gorm.DB
	retryBase time.Duration
	logger    *zap.Logger
}

func New(db *gorm.DB, logger *zap.Logger) *Queue {
	return &Queue{db: db, retryBase: DefaultRetryBase, logger: logger}
}

// Enqueue creates a pending job. Enqueues are idempotent per
// tenant+recipient+schedule: a duplicate returns the existing job with
// ErrDuplicate.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (*models.DeliveryJob, error) {
	if p.TenantID == "" || p.Recipient == "" {
		return nil, fmt.Errorf("enqueue requires tenant and recipient")
	}
	if p.NotBefore.IsZero() {
		p.NotBefore = time.Now().UTC()
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Priority <= 0 {
		p.Priority = 5
	}

	job := &models.DeliveryJob{
		ID:          uuid.NewString(),
		TenantID:    p.TenantID,
		Recipient:   p.Recipient,
		Body:        p.Body,
		MediaURL:    p.MediaURL,
		Category:    p.Category,
		Priority:    p.Priority,
		NotBefore:   p.NotBefore.UTC(),
		Status:      models.JobPending,
		MaxAttempts: p.MaxAttempts,
		DedupeKey:   fmt.Sprintf("%s:%s:%d", p.TenantID, p.Recipient, p.NotBefore.UTC().Unix()),
		OrderID:     p.OrderID,
		OrderNumber: p.OrderNumber,
	}

	res := q.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "dedupe_key"}}, DoNothing: true}).
		Create(job)
	if res.Error != nil {
		return nil, fmt.Errorf("enqueue job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var existing models.DeliveryJob
		if err := q.db.WithContext(ctx).Where("dedupe_key = ?", job.DedupeKey).First(&existing).Error; err != nil {
			return nil, fmt.Errorf("enqueue job: %w", err)
		}
		return &existing, ErrDuplicate
	}
	return job, nil
}

// ClaimDue atomically claims up to limit due pending jobs, most urgent
// first. A job whose not_before is in the future is not eligible.
func (q *Queue) ClaimDue(ctx context.Context, limit int) ([]models.DeliveryJob, error) {
	var claimed []models.DeliveryJob
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Where("status = ? AND not_before <= ?", models.JobPending, time.Now().UTC()).
			Order("priority ASC, not_before ASC").
			Limit(limit)
		if q.supportsSkipLocked() {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var jobs []models.DeliveryJob
		if err := query.Find(&jobs).Error; err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}

		now := time.Now().UTC()
		ids := make([]string, len(jobs))
		for i := range jobs {
			ids[i] = jobs[i].ID
			jobs[i].Status = models.JobClaimed
			jobs[i].ClaimedAt = &now
		}
		if err := tx.Model(&models.DeliveryJob{}).Where("id IN ?", ids).
			Updates(map[string]interface{}{"status": models.JobClaimed, "claimed_at": now}).Error; err != nil {
			return err
		}
		claimed = jobs
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	return claimed, nil
}

// MarkSent records terminal success for a claimed job.
func (q *Queue) MarkSent(ctx context.Context, jobID string) error {
	return q.db.WithContext(ctx).Model(&models.DeliveryJob{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{"status": models.JobSent, "last_error": ""}).Error
}

// Fail records a failed attempt. The job is requeued with exponential
// backoff until it runs out of attempts, then parked as terminal failed.
// Returns true if the job will be retried.
func (q *Queue) Fail(ctx context.Context, job *models.DeliveryJob, sendErr error) (bool, error) {
	attempt := job.AttemptCount + 1
	lastError := truncate(sendErr.Error(), 500)

	if attempt < job.MaxAttempts {
		delay := q.retryBase * (1 << attempt)
		notBefore := time.Now().UTC().Add(delay)
		err := q.db.WithContext(ctx).Model(&models.DeliveryJob{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":        models.JobPending,
				"attempt_count": attempt,
				"last_error":    lastError,
				"not_before":    notBefore,
			}).Error
		if err != nil {
			return false, fmt.Errorf("requeue job %s: %w", job.ID, err)
		}
		job.AttemptCount = attempt
		q.logger.Warn("delivery attempt failed, retrying",
			zap.String("job_id", job.ID),
			zap.String("tenant_id", job.TenantID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(sendErr))
		return true, nil
	}

	err := q.db.WithContext(ctx).Model(&models.DeliveryJob{}).
		Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"status":        models.JobFailed,
			"attempt_count": attempt,
			"last_error":    lastError,
		}).Error
	if err != nil {
		return false, fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	job.AttemptCount = attempt
	q.logger.Error("delivery permanently failed",
		zap.String("job_id", job.ID),
		zap.String("tenant_id", job.TenantID),
		zap.Int("attempts", attempt),
		zap.Error(sendErr))
	return false, nil
}

// ReleaseStale requeues jobs that were claimed but never resolved, e.g.
// after a crash mid-send. Called once at startup.
func (q *Queue) ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res := q.db.WithContext(ctx).Model(&models.DeliveryJob{}).
		Where("status = ? AND claimed_at < ?", models.JobClaimed, cutoff).
		Updates(map[string]interface{}{"status": models.JobPending, "claimed_at": nil})
	return res.RowsAffected, res.Error
}

// Get fetches one job by id.
func (q *Queue) Get(ctx context.Context, jobID string) (*models.DeliveryJob, error) {
	var job models.DeliveryJob
	if err := q.db.WithContext(ctx).Where("id = ?", jobID).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// PendingCount reports queue depth, for metrics and the health endpoint.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.WithContext(ctx).Model(&models.DeliveryJob{}).
		Where("status = ?", models.JobPending).Count(&n).Error
	return n, err
}

func (q *Queue) supportsSkipLocked() bool {
	name := q.db.Dialector.Name()
	return name == "postgres" || name == "mysql"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
