package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"shopwa/internal/metrics"
	"shopwa/internal/models"
	"shopwa/internal/queue"
	"shopwa/internal/services"
)

// abandonedCheckoutDelay is how long after abandonment the recovery nudge
// goes out. Sending immediately reads as surveillance; an hour reads as a
// helpful reminder.
const abandonedCheckoutDelay = time.Hour

// SessionTeardown is what the uninstall webhook needs from the session
// manager.
type SessionTeardown interface {
	Disconnect(ctx context.Context, tenantID string, wipe bool) error
}

// ShopifyHandler receives Shopify webhooks and turns them into delivery
// jobs.
type ShopifyHandler struct {
	queue    *queue.Queue
	billing  *services.BillingService
	erasure  *services.ErasureService
	sessions SessionTeardown
	secret   string
	logger   *zap.Logger
}

func NewShopifyHandler(q *queue.Queue, billing *services.BillingService, erasure *services.ErasureService, sessions SessionTeardown, secret string, logger *zap.Logger) *ShopifyHandler {
	return &ShopifyHandler{queue: q, billing: billing, erasure: erasure, sessions: sessions, secret: secret, logger: logger}
}

type shopifyCustomer struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
	DefaultAddress struct {
		Phone string `json:"phone"`
	} `json:"default_address"`
}

type shopifyOrder struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Phone       string          `json:"phone"`
	TotalPrice  string          `json:"total_price"`
	Currency    string          `json:"currency"`
	Customer    shopifyCustomer `json:"customer"`
	BillingAddress struct {
		Phone string `json:"phone"`
	} `json:"billing_address"`
	Fulfillments []struct {
		TrackingURL string `json:"tracking_url"`
	} `json:"fulfillments"`
}

type shopifyCheckout struct {
	ID                   int64           `json:"id"`
	Phone                string          `json:"phone"`
	AbandonedCheckoutURL string          `json:"abandoned_checkout_url"`
	Customer             shopifyCustomer `json:"customer"`
}

// HandleOrderCreated handles POST /api/webhooks/shopify/orders-create.
func (h *ShopifyHandler) HandleOrderCreated(w http.ResponseWriter, r *http.Request) {
	shop, order, ok := h.readOrder(w, r)
	if !ok {
		return
	}
	body := renderOrderConfirmation(order.customerName(), order.Name, order.totalWithCurrency())
	h.enqueueOrderMessage(w, r, shop, order, body, models.CategoryOrderConfirmation)
}

// HandleOrderFulfilled handles POST /api/webhooks/shopify/orders-fulfilled.
func (h *ShopifyHandler) HandleOrderFulfilled(w http.ResponseWriter, r *http.Request) {
	shop, order, ok := h.readOrder(w, r)
	if !ok {
		return
	}
	trackingURL := ""
	if len(order.Fulfillments) > 0 {
		trackingURL = order.Fulfillments[0].TrackingURL
	}
	body := renderFulfillment(order.customerName(), order.Name, trackingURL)
	h.enqueueOrderMessage(w, r, shop, order, body, models.CategoryFulfillment)
}

// HandleOrderCancelled handles POST /api/webhooks/shopify/orders-cancelled.
func (h *ShopifyHandler) HandleOrderCancelled(w http.ResponseWriter, r *http.Request) {
	shop, order, ok := h.readOrder(w, r)
	if !ok {
		return
	}
	body := renderCancellation(order.customerName(), order.Name)
	h.enqueueOrderMessage(w, r, shop, order, body, models.CategoryCancellation)
}

// HandleCheckoutAbandoned handles POST /api/webhooks/shopify/checkouts-abandoned.
// The recovery message is scheduled, not sent immediately.
func (h *ShopifyHandler) HandleCheckoutAbandoned(w http.ResponseWriter, r *http.Request) {
	shop, body, ok := h.verify(w, r)
	if !ok {
		return
	}
	var checkout shopifyCheckout
	if err := json.Unmarshal(body, &checkout); err != nil {
		writeError(w, http.StatusBadRequest, "invalid webhook payload")
		return
	}
	recipient := firstNonEmpty(checkout.Phone, checkout.Customer.Phone, checkout.Customer.DefaultAddress.Phone)
	if recipient == "" {
		// Nothing to notify; Shopify still expects a 200.
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "skipped": "no phone number"})
		return
	}

	text := renderAbandonedCheckout(checkout.Customer.FirstName+" "+checkout.Customer.LastName, checkout.AbandonedCheckoutURL)
	h.enqueue(r.Context(), w, queue.EnqueueParams{
		TenantID:  shop,
		Recipient: recipient,
		Body:      text,
		Category:  models.CategoryAbandonedCheckout,
		Priority:  5,
		NotBefore: time.Now().Add(abandonedCheckoutDelay),
		OrderID:   fmt.Sprintf("%d", checkout.ID),
	})
}

// HandleAppUninstalled handles POST /api/webhooks/shopify/app-uninstalled.
// The shop's session is torn down and every trace of its data removed.
func (h *ShopifyHandler) HandleAppUninstalled(w http.ResponseWriter, r *http.Request) {
	shop, _, ok := h.verify(w, r)
	if !ok {
		return
	}

	if err := h.sessions.Disconnect(r.Context(), shop, true); err != nil {
		h.logger.Error("tearing down session on uninstall failed",
			zap.String("tenant_id", shop), zap.Error(err))
	}
	if err := h.erasure.EraseTenant(r.Context(), shop); err != nil {
		h.logger.Error("erasing tenant data failed", zap.String("tenant_id", shop), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "erasure failed")
		return
	}
	h.logger.Info("tenant erased after uninstall", zap.String("tenant_id", shop))
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *ShopifyHandler) readOrder(w http.ResponseWriter, r *http.Request) (string, *shopifyOrder, bool) {
	shop, body, ok := h.verify(w, r)
	if !ok {
		return "", nil, false
	}
	var order shopifyOrder
	if err := json.Unmarshal(body, &order); err != nil {
		writeError(w, http.StatusBadRequest, "invalid webhook payload")
		return "", nil, false
	}
	return shop, &order, true
}

func (h *ShopifyHandler) enqueueOrderMessage(w http.ResponseWriter, r *http.Request, shop string, order *shopifyOrder, text, category string) {
	recipient := firstNonEmpty(order.Phone, order.Customer.Phone, order.Customer.DefaultAddress.Phone, order.BillingAddress.Phone)
	if recipient == "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "skipped": "no phone number"})
		return
	}
	h.enqueue(r.Context(), w, queue.EnqueueParams{
		TenantID:    shop,
		Recipient:   recipient,
		Body:        text,
		Category:    category,
		Priority:    3,
		OrderID:     fmt.Sprintf("%d", order.ID),
		OrderNumber: order.Name,
	})
}

func (h *ShopifyHandler) enqueue(ctx context.Context, w http.ResponseWriter, p queue.EnqueueParams) {
	allowed, reason, err := h.billing.CanSend(ctx, p.TenantID, 1)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "quota check failed")
		return
	}
	if !allowed {
		h.logger.Warn("webhook message over quota",
			zap.String("tenant_id", p.TenantID), zap.String("reason", reason))
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "skipped": reason})
		return
	}

	job, err := h.queue.Enqueue(ctx, p)
	if err != nil && !errors.Is(err, queue.ErrDuplicate) {
		h.logger.Error("enqueueing webhook message failed",
			zap.String("tenant_id", p.TenantID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	if err == nil {
		metrics.RecordEnqueued(p.Category)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"job_id":    job.ID,
		"duplicate": errors.Is(err, queue.ErrDuplicate),
	})
}

// verify checks the webhook HMAC and returns the shop domain and raw body.
func (h *ShopifyHandler) verify(w http.ResponseWriter, r *http.Request) (string, []byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return "", nil, false
	}

	shop := r.Header.Get("X-Shopify-Shop-Domain")
	if shop == "" {
		writeError(w, http.StatusBadRequest, "missing shop domain header")
		return "", nil, false
	}

	signature := r.Header.Get("X-Shopify-Hmac-Sha256")
	if !verifyShopifyHmac(body, signature, h.secret) {
		h.logger.Warn("webhook signature rejected", zap.String("shop", shop))
		writeError(w, http.StatusUnauthorized, "invalid webhook signature")
		return "", nil, false
	}
	return shop, body, true
}

// verifyShopifyHmac checks the base64 HMAC-SHA256 Shopify signs webhook
// bodies with. An empty secret accepts everything, for local testing.
func verifyShopifyHmac(body []byte, signature, secret string) bool {
	if secret == "" {
		return true
	}
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (o *shopifyOrder) customerName() string {
	return strings.TrimSpace(o.Customer.FirstName + " " + o.Customer.LastName)
}

func (o *shopifyOrder) totalWithCurrency() string {
	if o.Currency == "" {
		return o.TotalPrice
	}
	return o.TotalPrice + " " + o.Currency
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
