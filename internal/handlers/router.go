package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"shopwa/internal/metrics"
	"shopwa/internal/queue"
)

// NewRouter wires every HTTP endpoint.
func NewRouter(shopify *ShopifyHandler, sessions *SessionHandler, campaigns *CampaignHandler, q *queue.Queue) *mux.Router {
	r := mux.NewRouter()

	webhooks := r.PathPrefix("/api/webhooks/shopify").Subrouter()
	webhooks.HandleFunc("/orders-create", shopify.HandleOrderCreated).Methods(http.MethodPost)
	webhooks.HandleFunc("/orders-fulfilled", shopify.HandleOrderFulfilled).Methods(http.MethodPost)
	webhooks.HandleFunc("/orders-cancelled", shopify.HandleOrderCancelled).Methods(http.MethodPost)
	webhooks.HandleFunc("/checkouts-abandoned", shopify.HandleCheckoutAbandoned).Methods(http.MethodPost)
	webhooks.HandleFunc("/app-uninstalled", shopify.HandleAppUninstalled).Methods(http.MethodPost)

	r.HandleFunc("/api/session/connect", sessions.HandleConnect).Methods(http.MethodPost)
	r.HandleFunc("/api/session/disconnect", sessions.HandleDisconnect).Methods(http.MethodPost)
	r.HandleFunc("/api/session/status", sessions.HandleStatus).Methods(http.MethodGet)

	r.HandleFunc("/api/campaigns", campaigns.HandleSendCampaign).Methods(http.MethodPost)
	r.HandleFunc("/api/history", campaigns.HandleHistory).Methods(http.MethodGet)

	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		pending, err := q.PendingCount(req.Context())
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status": "degraded",
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":       "ok",
			"pending_jobs": pending,
			"timestamp":    time.Now().Format(time.RFC3339),
		})
	}).Methods(http.MethodGet)

	return r
}
