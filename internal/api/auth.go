package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/canvaspilot/internal/auth"
	"github.com/go-chi/chi/v5"
)

// AuthHandler exposes the auth menu over HTTP.
type AuthHandler struct {
	menu *auth.Menu
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(menu *auth.Menu) *AuthHandler {
	return &AuthHandler{menu: menu}
}

// RegisterRoutes registers auth menu routes.
func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/ai", func(r chi.Router) {
		r.Get("/config", h.GetConfig)
		r.Put("/config", h.PutConfig)
		r.Post("/auth/api-key-form", h.OpenAPIKeyForm)
		r.Delete("/auth/api-key-form", h.CloseAPIKeyForm)
		r.Post("/auth/device", h.StartDevice)
		r.Get("/auth/device", h.GetConfig)
		r.Delete("/auth/device", h.CancelDevice)
		r.Post("/auth/import", h.Import)
		r.Post("/settings", h.Settings)
		r.Post("/chat/enter", h.EnterChat)
	})
}

type putConfigRequest struct {
	APIKey string `json:"apiKey"`
	Clear  bool   `json:"clear"`
}

// GetConfig returns the menu view, including credential status and any
// pending device authorization.
func (h *AuthHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.menu.View())
}

// PutConfig stores an API key or clears all credentials.
func (h *AuthHandler) PutConfig(w http.ResponseWriter, r *http.Request) {
	var req putConfigRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Clear {
		view, err := h.menu.ClearCredentials(r.Context())
		h.respond(w, http.StatusOK, view, err)
		return
	}
	if strings.TrimSpace(req.APIKey) == "" {
		Error(w, http.StatusBadRequest, "apiKey is required")
		return
	}
	view, err := h.menu.SubmitAPIKey(r.Context(), req.APIKey)
	h.respond(w, http.StatusOK, view, err)
}

// OpenAPIKeyForm shows the API key form.
func (h *AuthHandler) OpenAPIKeyForm(w http.ResponseWriter, r *http.Request) {
	view, err := h.menu.OpenAPIKeyForm()
	h.respond(w, http.StatusOK, view, err)
}

// CloseAPIKeyForm returns to the menu.
func (h *AuthHandler) CloseAPIKeyForm(w http.ResponseWriter, r *http.Request) {
	view, err := h.menu.CloseAPIKeyForm()
	h.respond(w, http.StatusOK, view, err)
}

// StartDevice begins the device-code flow. Polling continues after the
// response; clients follow progress with GET /api/ai/auth/device.
func (h *AuthHandler) StartDevice(w http.ResponseWriter, r *http.Request) {
	view, err := h.menu.StartDeviceFlow(r.Context())
	h.respond(w, http.StatusAccepted, view, err)
}

// CancelDevice stops polling and returns to the menu.
func (h *AuthHandler) CancelDevice(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.menu.CancelDeviceFlow())
}

// Import adopts credentials from the external CLI configuration.
func (h *AuthHandler) Import(w http.ResponseWriter, r *http.Request) {
	view, res, err := h.menu.ImportExternal(r.Context())
	if err != nil {
		h.respond(w, http.StatusOK, view, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"view":   view,
		"method": res.Method,
	})
}

// Settings always returns to the menu.
func (h *AuthHandler) Settings(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.menu.OpenSettings())
}

// EnterChat moves to the chat state when credentials exist.
func (h *AuthHandler) EnterChat(w http.ResponseWriter, r *http.Request) {
	view, err := h.menu.EnterChat(r.Context())
	h.respond(w, http.StatusOK, view, err)
}

func (h *AuthHandler) respond(w http.ResponseWriter, status int, view auth.View, err error) {
	if err == nil {
		JSON(w, status, view)
		return
	}
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		slog.Error("auth request failed", "state", view.State, "error", err)
	}
	JSON(w, code, map[string]any{
		"error": err.Error(),
		"view":  view,
	})
}
