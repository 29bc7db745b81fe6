// ABOUTME: POST /verify-device, the callback of the device verification page
// ABOUTME: Validates the body, resolves the client IP and runs the verifier

package gateway

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/2389/rewards-gateway/internal/admission"
)

const maxVerifyBody = 64 << 10

// VerifyDeviceRequest is the JSON request body for POST /verify-device.
type VerifyDeviceRequest struct {
	UserID                string         `json:"user_id"`
	Fingerprint           string         `json:"fingerprint"`
	FingerprintComponents map[string]any `json:"fingerprint_components,omitempty"`
	Secret                string         `json:"secret"`
	IP                    string         `json:"ip,omitempty"`
}

// VerifyDeviceResponse is the JSON response for POST /verify-device.
type VerifyDeviceResponse struct {
	Success bool   `json:"success"`
	Outcome string `json:"outcome,omitempty"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// handleVerifyDevice handles POST /verify-device.
// Every verification outcome is a 200 with success set accordingly; only
// malformed requests and storage failures use error statuses.
func (g *Gateway) handleVerifyDevice(w http.ResponseWriter, r *http.Request) {
	var req VerifyDeviceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxVerifyBody)).Decode(&req); err != nil {
		g.sendJSON(w, http.StatusBadRequest, VerifyDeviceResponse{Message: "invalid JSON body"})
		return
	}

	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" || req.Fingerprint == "" || req.Secret == "" {
		g.sendJSON(w, http.StatusBadRequest, VerifyDeviceResponse{Message: "user_id, fingerprint and secret are required"})
		return
	}

	res, err := g.verifier.VerifyDevice(r.Context(), admission.VerifyRequest{
		UserID:      req.UserID,
		Fingerprint: req.Fingerprint,
		Components:  req.FingerprintComponents,
		Secret:      req.Secret,
		IP:          clientIP(req.IP, r),
	})
	if err != nil {
		g.logger.Error("device verification failed", "user_id", req.UserID, "error", err)
		g.sendJSON(w, http.StatusInternalServerError, VerifyDeviceResponse{Message: "internal server error"})
		return
	}

	g.sendJSON(w, http.StatusOK, VerifyDeviceResponse{
		Success: res.Outcome.Success(),
		Outcome: string(res.Outcome),
		Message: res.Outcome.Message(),
		Detail:  res.Detail,
	})
}

// clientIP prefers the address the page reported, then the first
// X-Forwarded-For hop, then the peer address. Unresolvable requests get
// "unknown", which the throttle never bans.
func clientIP(reported string, r *http.Request) string {
	// Pages that failed their own ip lookup report "unknown"
	if ip := strings.TrimSpace(reported); ip != "" && !strings.EqualFold(ip, "unknown") {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return "unknown"
}
