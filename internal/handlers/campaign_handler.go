package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"shopwa/internal/metrics"
	"shopwa/internal/models"
	"shopwa/internal/queue"
	"shopwa/internal/services"
)

// CampaignHandler exposes bulk campaign enqueueing and delivery history.
type CampaignHandler struct {
	queue   *queue.Queue
	billing *services.BillingService
	history *services.HistoryService
	auth    *services.AuthService
	logger  *zap.Logger
}

func NewCampaignHandler(q *queue.Queue, billing *services.BillingService, history *services.HistoryService, auth *services.AuthService, logger *zap.Logger) *CampaignHandler {
	return &CampaignHandler{queue: q, billing: billing, history: history, auth: auth, logger: logger}
}

type campaignRequest struct {
	Recipients []string `json:"recipients"`
	Body       string   `json:"body"`
	MediaURL   string   `json:"media_url"`
	Priority   int      `json:"priority"`
	NotBefore  string   `json:"not_before"` // RFC3339, optional
}

// HandleSendCampaign handles POST /api/campaigns. The whole batch is
// checked against the quota up front; a batch that doesn't fit is
// rejected rather than partially sent.
func (h *CampaignHandler) HandleSendCampaign(w http.ResponseWriter, r *http.Request) {
	shop, err := shopFromRequest(h.auth, r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req campaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Recipients) == 0 || req.Body == "" {
		writeError(w, http.StatusBadRequest, "recipients and body are required")
		return
	}

	var notBefore time.Time
	if req.NotBefore != "" {
		notBefore, err = time.Parse(time.RFC3339, req.NotBefore)
		if err != nil {
			writeError(w, http.StatusBadRequest, "not_before must be RFC3339")
			return
		}
	}

	allowed, reason, err := h.billing.CanSend(r.Context(), shop, int64(len(req.Recipients)))
	if err != nil {
		h.logger.Error("quota check failed", zap.String("tenant_id", shop), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "quota check failed")
		return
	}
	if !allowed {
		writeError(w, http.StatusPaymentRequired, reason)
		return
	}

	priority := req.Priority
	if priority <= 0 {
		priority = 7
	}

	enqueued := make([]string, 0, len(req.Recipients))
	duplicates := 0
	for _, recipient := range req.Recipients {
		job, err := h.queue.Enqueue(r.Context(), queue.EnqueueParams{
			TenantID:  shop,
			Recipient: recipient,
			Body:      req.Body,
			MediaURL:  req.MediaURL,
			Category:  models.CategoryCampaign,
			Priority:  priority,
			NotBefore: notBefore,
		})
		if errors.Is(err, queue.ErrDuplicate) {
			duplicates++
			continue
		}
		if err != nil {
			h.logger.Error("enqueueing campaign message failed",
				zap.String("tenant_id", shop),
				zap.String("recipient", recipient),
				zap.Error(err))
			continue
		}
		metrics.RecordEnqueued(models.CategoryCampaign)
		enqueued = append(enqueued, job.ID)
	}

	h.logger.Info("campaign enqueued",
		zap.String("tenant_id", shop),
		zap.Int("enqueued", len(enqueued)),
		zap.Int("duplicates", duplicates))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"enqueued":   len(enqueued),
		"duplicates": duplicates,
		"job_ids":    enqueued,
	})
}

// HandleHistory handles GET /api/history?limit=N.
func (h *CampaignHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	shop, err := shopFromRequest(h.auth, r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	records, err := h.history.ListByTenant(r.Context(), shop, limit)
	if err != nil {
		h.logger.Error("history lookup failed", zap.String("tenant_id", shop), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"count":   len(records),
		"records": records,
	})
}
