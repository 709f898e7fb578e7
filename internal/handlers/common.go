// Package handlers contains the HTTP surface: Shopify webhooks, the
// merchant session endpoints and the campaign/history endpoints.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"shopwa/internal/services"
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"success": false, "error": msg})
}

// shopFromRequest authenticates the bearer token and returns the shop
// domain it was issued for.
func shopFromRequest(auth *services.AuthService, r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("authorization header required")
	}
	tokenString := strings.TrimPrefix(header, "Bearer ")
	claims, err := auth.ValidateToken(tokenString)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	return claims.Shop, nil
}
