// ABOUTME: Admin API for hosted tenants, IP and account bans, and protection settings
// ABOUTME: Owners manage their own tenants; bans and settings need the admin role

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/2389/rewards-gateway/internal/auth"
	"github.com/2389/rewards-gateway/internal/runtime"
	"github.com/2389/rewards-gateway/internal/settings"
	"github.com/2389/rewards-gateway/internal/store"
)

// TenantResponse is the JSON form of a tenant. The credential is never returned.
type TenantResponse struct {
	ID           string  `json:"id"`
	BotUserID    string  `json:"bot_user_id"`
	DisplayName  string  `json:"display_name,omitempty"`
	OwnerID      string  `json:"owner_id"`
	Plan         string  `json:"plan"`
	Active       bool    `json:"active"`
	Running      bool    `json:"running"`
	MaxUsers     int     `json:"max_users"`
	CurrentUsers int     `json:"current_users"`
	ExpiresAt    *string `json:"expires_at,omitempty"`
	CreatedAt    string  `json:"created_at"`

	MandatoryRooms []string `json:"mandatory_rooms,omitempty"`
	WelcomeText    string   `json:"welcome_text,omitempty"`
}

// CreateTenantRequest is the JSON request body for POST /api/tenants.
// OwnerID is honoured for administrators only; owners always create for themselves.
type CreateTenantRequest struct {
	Credential string `json:"credential"`
	Plan       string `json:"plan,omitempty"`
	OwnerID    string `json:"owner_id,omitempty"`
}

// CredentialRequest is the JSON request body for POST /api/tenants/{id}/credential.
type CredentialRequest struct {
	Credential string `json:"credential"`
}

// TenantConfigRequest is the JSON request body for PUT /api/tenants/{id}/config.
// It replaces the whole configuration.
type TenantConfigRequest struct {
	MandatoryRooms []string `json:"mandatory_rooms"`
	WelcomeText    string   `json:"welcome_text"`
}

// UserResponse is the JSON form of a global user account.
type UserResponse struct {
	ID             string  `json:"id"`
	Banned         bool    `json:"banned"`
	DeviceVerified bool    `json:"device_verified"`
	VerifiedAt     *string `json:"verified_at,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

// BanRequest is the JSON request body for POST /api/bans.
type BanRequest struct {
	IP     string `json:"ip"`
	Reason string `json:"reason"`
	Hours  int    `json:"hours"`
}

// BanResponse is the JSON form of an IP ban.
type BanResponse struct {
	IP            string  `json:"ip"`
	Reason        string  `json:"reason"`
	DurationHours int     `json:"duration_hours"`
	BannedBy      string  `json:"banned_by,omitempty"`
	BannedAt      string  `json:"banned_at"`
	ExpiresAt     *string `json:"expires_at,omitempty"`
}

// SettingRequest is the JSON request body for PUT /api/settings.
// A null value removes the override and restores the configured default.
type SettingRequest struct {
	Key   string  `json:"key"`
	Value *string `json:"value"`
}

// MessageResponse carries a human readable result.
type MessageResponse struct {
	Message string `json:"message"`
}

func (g *Gateway) registerAdminRoutes(handle func(string, http.Handler)) {
	authed := auth.HTTPAuthMiddleware(g.jwt, g.logger)
	admin := func(h http.HandlerFunc) http.Handler {
		return authed(auth.RequireAdminHTTP()(h))
	}

	handle("GET /api/tenants", authed(http.HandlerFunc(g.handleListTenants)))
	handle("POST /api/tenants", authed(http.HandlerFunc(g.handleCreateTenant)))
	handle("POST /api/tenants/{id}/credential", authed(http.HandlerFunc(g.handleUpdateCredential)))
	handle("POST /api/tenants/{id}/start", authed(http.HandlerFunc(g.handleSetActive(true))))
	handle("POST /api/tenants/{id}/stop", authed(http.HandlerFunc(g.handleSetActive(false))))
	handle("PUT /api/tenants/{id}/config", authed(http.HandlerFunc(g.handleUpdateTenantConfig)))
	handle("DELETE /api/tenants/{id}", authed(http.HandlerFunc(g.handleDeleteTenant)))

	handle("GET /api/bans", admin(g.handleListBans))
	handle("POST /api/bans", admin(g.handleCreateBan))
	handle("DELETE /api/bans/{ip}", admin(g.handleDeleteBan))

	handle("GET /api/users/banned", admin(g.handleListBannedUsers))
	handle("POST /api/users/{id}/ban", admin(g.handleSetUserBanned(true)))
	handle("DELETE /api/users/{id}/ban", admin(g.handleSetUserBanned(false)))

	handle("GET /api/settings", admin(g.handleGetSettings))
	handle("PUT /api/settings", admin(g.handlePutSetting))
}

// sendTenantError maps runtime and store errors to HTTP statuses.
func (g *Gateway) sendTenantError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, runtime.ErrTenantNotFound):
		g.sendJSONError(w, http.StatusNotFound, "tenant not found")
	case errors.Is(err, runtime.ErrNotOwner):
		g.sendJSONError(w, http.StatusForbidden, "not the tenant owner")
	case errors.Is(err, runtime.ErrCredentialInvalid):
		g.sendJSONError(w, http.StatusUnprocessableEntity, "credential rejected by the chat platform")
	case errors.Is(err, runtime.ErrUnknownPlan), errors.Is(err, runtime.ErrInvalidConfig):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrDuplicateTenant):
		g.sendJSONError(w, http.StatusConflict, "this bot account is already hosted")
	default:
		g.logger.Error("tenant operation failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func formatOptionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func (g *Gateway) tenantResponse(t *store.Tenant) TenantResponse {
	return TenantResponse{
		ID:           t.ID,
		BotUserID:    t.BotUserID,
		DisplayName:  t.DisplayName,
		OwnerID:      t.OwnerID,
		Plan:         t.Plan,
		Active:       t.Active,
		Running:      g.manager.IsRunning(t.ID),
		MaxUsers:     t.MaxUsers,
		CurrentUsers: t.CurrentUsers,
		ExpiresAt:    formatOptionalTime(t.ExpiresAt),
		CreatedAt:    t.CreatedAt.UTC().Format(time.RFC3339),

		MandatoryRooms: t.Config.MandatoryRooms,
		WelcomeText:    t.Config.WelcomeText,
	}
}

// handleListTenants handles GET /api/tenants.
// Owners see their own tenants, administrators see all of them.
func (g *Gateway) handleListTenants(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())

	tenants, err := g.store.ListTenants(r.Context())
	if err != nil {
		g.logger.Error("failed to list tenants", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	scope := caller.OwnerScope()
	out := make([]TenantResponse, 0, len(tenants))
	for _, t := range tenants {
		if scope != "" && t.OwnerID != scope {
			continue
		}
		out = append(out, g.tenantResponse(t))
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"tenants": out})
}

// handleCreateTenant handles POST /api/tenants.
func (g *Gateway) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())

	var req CreateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Credential == "" {
		g.sendJSONError(w, http.StatusBadRequest, "credential is required")
		return
	}

	ownerID := caller.PrincipalID
	if caller.IsAdmin() && req.OwnerID != "" {
		ownerID = req.OwnerID
	}

	t, err := g.manager.CreateInstance(r.Context(), req.Credential, ownerID, req.Plan)
	if err != nil {
		g.sendTenantError(w, err)
		return
	}

	g.logger.Info("tenant created via API", "tenant_id", t.ID, "owner_id", ownerID, "by", caller.PrincipalID)
	g.sendJSON(w, http.StatusCreated, g.tenantResponse(t))
}

// handleUpdateCredential handles POST /api/tenants/{id}/credential.
func (g *Gateway) handleUpdateCredential(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())

	var req CredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Credential == "" {
		g.sendJSONError(w, http.StatusBadRequest, "credential is required")
		return
	}

	msg, err := g.manager.UpdateCredential(r.Context(), r.PathValue("id"), req.Credential, caller.OwnerScope())
	if err != nil {
		g.sendTenantError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, MessageResponse{Message: msg})
}

// handleSetActive handles POST /api/tenants/{id}/start and /stop.
func (g *Gateway) handleSetActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := auth.MustFromContext(r.Context())
		id := r.PathValue("id")

		if err := g.manager.SetActive(r.Context(), id, caller.OwnerScope(), active); err != nil {
			g.sendTenantError(w, err)
			return
		}

		t, err := g.store.GetTenant(r.Context(), id)
		if err != nil {
			g.sendTenantError(w, err)
			return
		}
		g.sendJSON(w, http.StatusOK, g.tenantResponse(t))
	}
}

// handleUpdateTenantConfig handles PUT /api/tenants/{id}/config.
func (g *Gateway) handleUpdateTenantConfig(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())

	var req TenantConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	t, err := g.manager.UpdateConfig(r.Context(), r.PathValue("id"), caller.OwnerScope(), store.TenantConfig{
		MandatoryRooms: req.MandatoryRooms,
		WelcomeText:    req.WelcomeText,
	})
	if err != nil {
		g.sendTenantError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, g.tenantResponse(t))
}

// handleDeleteTenant handles DELETE /api/tenants/{id}.
func (g *Gateway) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())

	msg, err := g.manager.DeleteInstance(r.Context(), r.PathValue("id"), caller.OwnerScope())
	if err != nil {
		g.sendTenantError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, MessageResponse{Message: msg})
}

func banResponse(b *store.IPBan) BanResponse {
	return BanResponse{
		IP:            b.IP,
		Reason:        b.Reason,
		DurationHours: b.DurationHours,
		BannedBy:      b.BannedBy,
		BannedAt:      b.BannedAt.UTC().Format(time.RFC3339),
		ExpiresAt:     formatOptionalTime(b.ExpiresAt),
	}
}

// handleListBans handles GET /api/bans.
func (g *Gateway) handleListBans(w http.ResponseWriter, r *http.Request) {
	bans, err := g.throttle.ListActiveBans(r.Context())
	if err != nil {
		g.logger.Error("failed to list bans", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]BanResponse, len(bans))
	for i, b := range bans {
		out[i] = banResponse(b)
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"bans": out})
}

// handleCreateBan handles POST /api/bans.
func (g *Gateway) handleCreateBan(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())

	var req BanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.IP == "" || req.Hours < 0 {
		g.sendJSONError(w, http.StatusBadRequest, "ip is required and hours must not be negative")
		return
	}
	if req.Reason == "" {
		req.Reason = "manual ban"
	}

	ban, err := g.throttle.ManualBan(r.Context(), req.IP, req.Reason, req.Hours, caller.PrincipalID)
	if err != nil {
		g.logger.Error("failed to ban ip", "ip", req.IP, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.metrics.RecordBan("manual")
	g.sendJSON(w, http.StatusCreated, banResponse(ban))
}

// handleDeleteBan handles DELETE /api/bans/{ip}.
func (g *Gateway) handleDeleteBan(w http.ResponseWriter, r *http.Request) {
	ip := r.PathValue("ip")

	removed, err := g.throttle.ManualUnban(r.Context(), ip)
	if err != nil {
		g.logger.Error("failed to unban ip", "ip", ip, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !removed {
		g.sendJSONError(w, http.StatusNotFound, "ip is not banned")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func userResponse(u *store.User) UserResponse {
	return UserResponse{
		ID:             u.ID,
		Banned:         u.Banned,
		DeviceVerified: u.DeviceVerified,
		VerifiedAt:     formatOptionalTime(u.VerifiedAt),
		CreatedAt:      u.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// handleListBannedUsers handles GET /api/users/banned.
func (g *Gateway) handleListBannedUsers(w http.ResponseWriter, r *http.Request) {
	users, err := g.store.ListBannedUsers(r.Context())
	if err != nil {
		g.logger.Error("failed to list banned users", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]UserResponse, len(users))
	for i, u := range users {
		out[i] = userResponse(u)
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"users": out})
}

// handleSetUserBanned handles POST and DELETE /api/users/{id}/ban.
// Banning an account the bot has never seen creates it, so the ban
// applies on first contact. Unbanning an unknown account is a 404.
func (g *Gateway) handleSetUserBanned(banned bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := auth.MustFromContext(r.Context())
		userID := r.PathValue("id")
		ctx := r.Context()

		if banned {
			if _, err := g.store.EnsureUser(ctx, userID, time.Now()); err != nil {
				g.logger.Error("failed to create user", "user_id", userID, "error", err)
				g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
				return
			}
		}

		err := g.store.SetUserBanned(ctx, userID, banned)
		switch {
		case errors.Is(err, store.ErrNotFound):
			g.sendJSONError(w, http.StatusNotFound, "user not found")
			return
		case err != nil:
			g.logger.Error("failed to update user ban", "user_id", userID, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		u, err := g.store.GetUser(ctx, userID)
		if err != nil {
			g.logger.Error("failed to load user", "user_id", userID, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		g.logger.Info("user ban updated", "user_id", userID, "banned", banned, "by", caller.PrincipalID)
		g.sendJSON(w, http.StatusOK, userResponse(u))
	}
}

// handleGetSettings handles GET /api/settings.
func (g *Gateway) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	prot, err := g.settings.Protection(r.Context())
	if err != nil {
		g.logger.Error("failed to load settings", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, prot)
}

// handlePutSetting handles PUT /api/settings.
func (g *Gateway) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())

	var req SettingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var err error
	if req.Value == nil {
		err = g.settings.Reset(r.Context(), req.Key)
	} else {
		err = g.settings.Set(r.Context(), req.Key, *req.Value, caller.PrincipalID)
	}
	switch {
	case errors.Is(err, settings.ErrUnknownKey), errors.Is(err, settings.ErrInvalidValue):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		g.logger.Error("failed to update setting", "key", req.Key, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.handleGetSettings(w, r)
}
