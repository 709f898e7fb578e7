package handlers

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"shopwa/internal/models"
	"shopwa/internal/services"
	"shopwa/internal/session"
)

// SessionControl is what the connection endpoints need from the session
// manager.
type SessionControl interface {
	Connect(ctx context.Context, tenantID string) error
	Disconnect(ctx context.Context, tenantID string, wipe bool) error
}

// SessionHandler exposes the merchant-facing connection endpoints.
type SessionHandler struct {
	sessions  SessionControl
	projector *session.Projector
	auth      *services.AuthService
	logger    *zap.Logger
}

func NewSessionHandler(sessions SessionControl, projector *session.Projector, auth *services.AuthService, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, projector: projector, auth: auth, logger: logger}
}

// HandleConnect handles POST /api/session/connect. Pairing is
// asynchronous: the QR code shows up on the status endpoint once the
// client reaches awaiting_pairing.
func (h *SessionHandler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	shop, err := shopFromRequest(h.auth, r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	if err := h.sessions.Connect(r.Context(), shop); err != nil {
		h.logger.Error("connect request failed", zap.String("tenant_id", shop), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start session")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success": true,
		"message": "connection started, poll status for the QR code",
	})
}

// HandleDisconnect handles POST /api/session/disconnect. With ?wipe=true
// the stored pairing is forgotten and the next connect starts fresh.
func (h *SessionHandler) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	shop, err := shopFromRequest(h.auth, r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	wipe := r.URL.Query().Get("wipe") == "true"
	if err := h.sessions.Disconnect(r.Context(), shop, wipe); err != nil {
		h.logger.Error("disconnect request failed", zap.String("tenant_id", shop), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to disconnect session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "wiped": wipe})
}

// HandleStatus handles GET /api/session/status. While pairing, the
// response carries the QR payload both raw and as a PNG data URL the
// embedded UI can drop into an <img>.
func (h *SessionHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	shop, err := shopFromRequest(h.auth, r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	status, err := h.projector.Status(r.Context(), shop)
	if err != nil {
		h.logger.Error("status lookup failed", zap.String("tenant_id", shop), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load session status")
		return
	}

	response := map[string]interface{}{
		"success":          true,
		"connection_state": status.ConnectionState,
		"connected":        status.ConnectionState == models.StateConnected,
		"phone_number":     status.PhoneNumber,
		"timestamp":        time.Now().Format(time.RFC3339),
	}
	if status.LastConnectedAt != nil {
		response["last_connected_at"] = status.LastConnectedAt.Format(time.RFC3339)
	}
	if status.ConnectionState == models.StateAwaitingPairing && status.PairingCode != "" {
		response["qr"] = status.PairingCode
		if png, qerr := qrcode.Encode(status.PairingCode, qrcode.Medium, 256); qerr == nil {
			response["qr_image"] = "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
		}
	}
	writeJSON(w, http.StatusOK, response)
}
