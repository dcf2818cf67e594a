// Package web exposes the panel's JSON API: login, settings management,
// and the instance connection lifecycle.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zapdeck/panel/internal/auth"
	"github.com/zapdeck/panel/internal/connection"
	"github.com/zapdeck/panel/internal/evolution"
	"github.com/zapdeck/panel/internal/observability"
	"github.com/zapdeck/panel/internal/settings"
)

// CredentialChecker verifies Evolution API credentials. *evolution.Client
// satisfies it.
type CredentialChecker interface {
	CheckCredentials(ctx context.Context, baseURL, apiKey string) error
}

// Handler serves the panel API.
type Handler struct {
	store    settings.Store
	registry *Registry
	auth     *auth.Service
	checker  CredentialChecker
	logger   *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// HandlerConfig assembles the handler's collaborators.
type HandlerConfig struct {
	Store    settings.Store
	Registry *Registry
	Auth     *auth.Service
	Checker  CredentialChecker
	Logger   *observability.Logger
	Metrics  *observability.Metrics
}

// NewHandler creates the API handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Handler{
		store:    cfg.Store,
		registry: cfg.Registry,
		auth:     cfg.Auth,
		checker:  cfg.Checker,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		now:      time.Now,
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string     `json:"token"`
	User  *auth.User `json:"user"`
}

// handleLogin handles POST /api/login.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	user, token, err := h.auth.Login(r.Context(), req.Email, req.Password)
	switch {
	case errors.Is(err, auth.ErrAuthDisabled):
		h.jsonError(w, "Login is not configured", http.StatusServiceUnavailable)
		return
	case errors.Is(err, auth.ErrInvalidCredentials):
		h.jsonError(w, "Invalid email or password", http.StatusUnauthorized)
		return
	case err != nil:
		h.jsonError(w, "Login failed", http.StatusInternalServerError)
		return
	}

	h.jsonResponse(w, loginResponse{Token: token, User: user})
}

// handleSettings handles GET /api/settings, creating the record on first
// visit.
func (h *Handler) handleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	record, err := h.ensureRecord(r.Context())
	if err != nil {
		h.settingsError(w, r, err)
		return
	}
	h.jsonResponse(w, record)
}

type promptRequest struct {
	Prompt string `json:"prompt"`
}

// handlePrompt handles PUT /api/settings/prompt.
func (h *Handler) handlePrompt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.updateSettings(r.Context(), settings.Patch{BotPrompt: &req.Prompt}); err != nil {
		h.settingsError(w, r, err)
		return
	}
	h.jsonResponse(w, map[string]bool{"saved": true})
}

type evolutionRequest struct {
	URL    string `json:"url"`
	APIKey string `json:"apiKey"`
}

// handleEvolution handles PUT /api/settings/evolution.
func (h *Handler) handleEvolution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req evolutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	patch := settings.Patch{EvolutionURL: &req.URL, EvolutionKey: &req.APIKey}
	if err := h.updateSettings(r.Context(), patch); err != nil {
		h.settingsError(w, r, err)
		return
	}
	h.jsonResponse(w, map[string]bool{"saved": true})
}

// handleEvolutionTest handles POST /api/settings/evolution/test. The body
// may carry credentials to test; absent fields fall back to the stored ones.
// A passing check stamps the record's last-checked time.
func (h *Handler) handleEvolutionTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req evolutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	record, err := h.ensureRecord(r.Context())
	if err != nil {
		h.settingsError(w, r, err)
		return
	}
	baseURL := strings.TrimSpace(req.URL)
	apiKey := req.APIKey
	if baseURL == "" {
		baseURL = record.EvolutionURL
	}
	if apiKey == "" {
		apiKey = record.EvolutionKey
	}

	if err := h.checker.CheckCredentials(r.Context(), baseURL, apiKey); err != nil {
		h.logger.Warn(r.Context(), "credential check failed",
			"kind", string(evolution.KindOf(err)), "error", err)
		status := http.StatusBadGateway
		if evolution.KindOf(err) == evolution.KindInvalidURL {
			status = http.StatusBadRequest
		}
		h.jsonError(w, "Credential check failed", status)
		return
	}

	checkedAt := h.now().UTC()
	patch := settings.Patch{LastCheckedAt: &checkedAt}
	if err := h.updateSettings(r.Context(), patch); err != nil {
		h.settingsError(w, r, err)
		return
	}
	h.jsonResponse(w, map[string]any{"ok": true, "lastCheckedAt": checkedAt})
}

// handleConnection handles GET /api/connection.
func (h *Handler) handleConnection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session, err := h.session(w, r)
	if err != nil {
		return
	}
	view, err := session.Snapshot(r.Context())
	if err != nil {
		h.connectionError(w, r, err)
		return
	}
	h.jsonResponse(w, view)
}

// handleConnect handles POST /api/connection/connect.
func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, func(s *connection.Session) error {
		return s.Connect(r.Context())
	})
}

// handleDisconnect handles POST /api/connection/disconnect.
func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, func(s *connection.Session) error {
		return s.Disconnect(r.Context())
	})
}

type qrRequest struct {
	InstanceURL string `json:"instanceUrl"`
}

// handleQRCode handles POST /api/connection/qrcode: persist the submitted
// instance URL and start a QR fetch. The payload arrives via a later
// snapshot; the outcome via notifications.
func (h *Handler) handleQRCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req qrRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	session, err := h.session(w, r)
	if err != nil {
		return
	}
	if err := session.SubmitURL(r.Context(), req.InstanceURL); err != nil {
		h.connectionError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]bool{"accepted": true})
}

// handleNotifications handles GET /api/connection/notifications, draining
// whatever outcome events accumulated since the last poll.
func (h *Handler) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session, err := h.session(w, r)
	if err != nil {
		return
	}

	notifications := []connection.Notification{}
	for {
		select {
		case n := <-session.Notifications():
			notifications = append(notifications, n)
		default:
			h.jsonResponse(w, map[string]any{"notifications": notifications})
			return
		}
	}
}

// handleHealthz handles GET /healthz.
func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]string{"status": "ok"})
}

// lifecycle runs a connect/disconnect style session operation.
func (h *Handler) lifecycle(w http.ResponseWriter, r *http.Request, op func(*connection.Session) error) {
	if r.Method != http.MethodPost {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session, err := h.session(w, r)
	if err != nil {
		return
	}
	if err := op(session); err != nil {
		h.connectionError(w, r, err)
		return
	}

	view, err := session.Snapshot(r.Context())
	if err != nil {
		h.connectionError(w, r, err)
		return
	}
	h.jsonResponse(w, view)
}

// session resolves the caller's connection session, writing the error
// response itself on failure.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*connection.Session, error) {
	user := auth.UserFromContext(r.Context())
	if user == nil {
		h.jsonError(w, "Not authenticated", http.StatusUnauthorized)
		return nil, auth.ErrInvalidToken
	}
	session, err := h.registry.Session(r.Context(), user.ID)
	if err != nil {
		h.logger.Error(r.Context(), "session init failed", "error", err)
		h.jsonError(w, "Failed to initialize session", http.StatusInternalServerError)
		return nil, err
	}
	return session, nil
}

// ensureRecord loads the caller's settings record, creating it on first
// visit and tolerating a concurrent create.
func (h *Handler) ensureRecord(ctx context.Context) (*settings.Record, error) {
	userID := h.userID(ctx)
	record, err := h.store.Get(ctx, userID)
	if err != nil || record != nil {
		return record, err
	}

	record, err = h.store.Create(ctx, userID)
	if settings.IsDuplicate(err) {
		return h.store.Get(ctx, userID)
	}
	return record, err
}

func (h *Handler) updateSettings(ctx context.Context, patch settings.Patch) error {
	if _, err := h.ensureRecord(ctx); err != nil {
		return err
	}
	return h.store.Update(ctx, h.userID(ctx), patch)
}

func (h *Handler) userID(ctx context.Context) string {
	if user := auth.UserFromContext(ctx); user != nil {
		return user.ID
	}
	return ""
}

func (h *Handler) settingsError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error(r.Context(), "settings operation failed", "error", err)
	switch settings.KindOf(err) {
	case settings.KindNotAuthorized:
		h.jsonError(w, "Not authenticated", http.StatusUnauthorized)
	case settings.KindNotFound:
		h.jsonError(w, "Settings not found", http.StatusNotFound)
	case settings.KindDuplicate:
		h.jsonError(w, "Settings already exist", http.StatusConflict)
	default:
		h.jsonError(w, "Storage failure", http.StatusInternalServerError)
	}
}

func (h *Handler) connectionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, connection.ErrBusy),
		errors.Is(err, connection.ErrNotDisconnected),
		errors.Is(err, connection.ErrNotConnected):
		h.jsonError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, connection.ErrEmptyURL):
		h.jsonError(w, "Instance URL is required", http.StatusBadRequest)
	case errors.Is(err, connection.ErrSessionClosed):
		h.jsonError(w, "Session closed", http.StatusGone)
	case evolutionKindIs(err, evolution.KindInvalidURL):
		h.jsonError(w, "Invalid instance URL", http.StatusBadRequest)
	default:
		h.logger.Error(r.Context(), "connection operation failed", "error", err)
		h.jsonError(w, "Connection operation failed", http.StatusInternalServerError)
	}
}

func evolutionKindIs(err error, kind evolution.ErrorKind) bool {
	var ge *evolution.Error
	return errors.As(err, &ge) && ge.Kind == kind
}

// jsonResponse writes a JSON response.
func (h *Handler) jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error(context.Background(), "json encode error", "error", err)
	}
}

// jsonError writes a JSON error response.
func (h *Handler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
