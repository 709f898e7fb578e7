// Package worker drains the delivery queue: it claims due jobs, makes sure
// the owning tenant's WhatsApp session is live, and sends the message.
package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"shopwa/internal/metrics"
	"shopwa/internal/models"
	"shopwa/internal/queue"
	"shopwa/internal/ratelimit"
	"shopwa/internal/services"
)

// maxMediaBytes caps media downloads; WhatsApp rejects larger images anyway.
const maxMediaBytes = 16 << 20

// Sessions is the slice of the session manager the worker needs.
type Sessions interface {
	EnsureConnected(ctx context.Context, tenantID string, timeout time.Duration) error
	SendText(ctx context.Context, tenantID, recipient, body string) error
	SendMedia(ctx context.Context, tenantID, recipient string, data []byte, mimeType, caption string) error
}

// Config tunes the worker pool.
type Config struct {
	Concurrency    int
	ConnectTimeout time.Duration
	PollInterval   time.Duration
}

// Worker is the delivery worker pool.
type Worker struct {
	queue    *queue.Queue
	sessions Sessions
	history  *services.HistoryService
	billing  *services.BillingService
	limiter  *ratelimit.Limiter
	cfg      Config
	logger   *zap.Logger
	http     *http.Client

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(q *queue.Queue, sessions Sessions, history *services.HistoryService, billing *services.BillingService, limiter *ratelimit.Limiter, cfg Config, logger *zap.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Worker{
		queue:    q,
		sessions: sessions,
		history:  history,
		billing:  billing,
		limiter:  limiter,
		cfg:      cfg,
		logger:   logger,
		http:     &http.Client{Timeout: 15 * time.Second},
		stop:     make(chan struct{}),
	}
}

// Start launches the worker goroutines.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("starting delivery workers", zap.Int("concurrency", w.cfg.Concurrency))
	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.run(ctx, i)
	}
}

// Stop signals the workers and waits for in-flight sends to finish.
func (w *Worker) Stop() {
	close(w.stop)
	w.wg.Wait()
	w.logger.Info("delivery workers stopped")
}

func (w *Worker) run(ctx context.Context, id int) {
	defer w.wg.Done()
	log := w.logger.With(zap.Int("worker", id))

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Drain everything due before going back to sleep. The limiter, not
		// the poll interval, bounds the claim rate.
		for {
			select {
			case <-w.stop:
				return
			case <-ctx.Done():
				return
			default:
			}

			if !w.limiter.Allow(ctx, "delivery:claims") {
				metrics.RecordClaimThrottled()
				break
			}

			jobs, err := w.queue.ClaimDue(ctx, 1)
			if err != nil {
				log.Error("claiming jobs failed", zap.Error(err))
				break
			}
			if len(jobs) == 0 {
				break
			}
			w.process(ctx, log, &jobs[0])
		}
	}
}

// process drives one claimed job to sent, retry or terminal failure. The
// send itself runs against context.Background so a shutdown mid-send does
// not half-deliver a message.
func (w *Worker) process(ctx context.Context, log *zap.Logger, job *models.DeliveryJob) {
	start := time.Now()
	sendCtx, cancel := context.WithTimeout(context.Background(), w.cfg.ConnectTimeout+30*time.Second)
	defer cancel()

	err := w.deliver(sendCtx, job)
	if err == nil {
		metrics.ObserveSendDuration(time.Since(start))
		metrics.RecordProcessed("sent")
		if herr := w.history.RecordSent(sendCtx, job); herr != nil {
			log.Error("recording delivery failed", zap.String("job_id", job.ID), zap.Error(herr))
		}
		if berr := w.billing.IncrementUsage(sendCtx, job.TenantID, 1); berr != nil {
			log.Error("incrementing usage failed", zap.String("tenant_id", job.TenantID), zap.Error(berr))
		}
		if qerr := w.queue.MarkSent(sendCtx, job.ID); qerr != nil {
			log.Error("marking job sent failed", zap.String("job_id", job.ID), zap.Error(qerr))
		}
		log.Info("message delivered",
			zap.String("job_id", job.ID),
			zap.String("tenant_id", job.TenantID),
			zap.String("category", job.Category))
		return
	}

	if herr := w.history.RecordFailed(sendCtx, job, err.Error()); herr != nil {
		log.Error("recording failure failed", zap.String("job_id", job.ID), zap.Error(herr))
	}
	retrying, qerr := w.queue.Fail(sendCtx, job, err)
	if qerr != nil {
		log.Error("updating failed job failed", zap.String("job_id", job.ID), zap.Error(qerr))
		return
	}
	if retrying {
		metrics.RecordProcessed("retried")
	} else {
		metrics.RecordProcessed("failed")
	}
}

func (w *Worker) deliver(ctx context.Context, job *models.DeliveryJob) error {
	if err := w.sessions.EnsureConnected(ctx, job.TenantID, w.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("session for tenant %s: %w", job.TenantID, err)
	}

	if job.MediaURL != "" {
		data, mimeType, err := w.fetchMedia(ctx, job.MediaURL)
		if err != nil {
			// A broken image should not block the notification itself.
			w.logger.Warn("media fetch failed, sending text only",
				zap.String("job_id", job.ID),
				zap.String("media_url", job.MediaURL),
				zap.Error(err))
		} else {
			return w.sessions.SendMedia(ctx, job.TenantID, job.Recipient, data, mimeType, job.Body)
		}
	}

	return w.sessions.SendText(ctx, job.TenantID, job.Recipient, job.Body)
}

func (w *Worker) fetchMedia(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("media fetch returned %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, "", err
	}
	if len(data) > maxMediaBytes {
		return nil, "", fmt.Errorf("media exceeds %d bytes", maxMediaBytes)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}
