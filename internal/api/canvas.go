package api

import (
	"net/http"

	"github.com/ashureev/canvaspilot/internal/canvas"
	"github.com/go-chi/chi/v5"
)

// CanvasHandler serves the shared canvas document.
type CanvasHandler struct {
	doc *canvas.Document
}

// NewCanvasHandler creates a new canvas handler.
func NewCanvasHandler(doc *canvas.Document) *CanvasHandler {
	return &CanvasHandler{doc: doc}
}

// RegisterRoutes registers canvas routes.
func (h *CanvasHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/canvas", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Put("/", h.Replace)
		r.Put("/current", h.SelectCurrent)
	})
}

// Get returns the document snapshot.
func (h *CanvasHandler) Get(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.doc.Snapshot())
}

// Replace loads a snapshot sent by the editor.
func (h *CanvasHandler) Replace(w http.ResponseWriter, r *http.Request) {
	var snap canvas.Snapshot
	if err := decodeJSON(w, r, &snap); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.doc.Load(snap); err != nil {
		Error(w, statusFor(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, h.doc.Snapshot())
}

type selectRequest struct {
	ID string `json:"id"`
}

// SelectCurrent changes the container new components are added to.
func (h *CanvasHandler) SelectCurrent(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := decodeJSON(w, r, &req); err != nil || req.ID == "" {
		Error(w, http.StatusBadRequest, "id is required")
		return
	}
	if err := h.doc.Select(req.ID); err != nil {
		Error(w, statusFor(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"current": req.ID})
}
