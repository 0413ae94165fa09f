package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"gamelink/internal/gamedetect"
	"gamelink/internal/shared/types"
)

// ProxyController is the slice of the proxy server the handlers need. It
// decouples the web package from internal/app.
type ProxyController interface {
	Status() types.StatusSnapshot
	SelectNode(name string) error
	RefreshNow() error
	Detections() ([]gamedetect.Detection, error)
}

type Handler struct {
	controller ProxyController
}

func NewHandler(controller ProxyController) *Handler {
	return &Handler{controller: controller}
}

// HandleStatus handles GET /api/status.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.controller.Status())
}

// HandleNodes handles GET /api/nodes.
func (h *Handler) HandleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := h.controller.Status()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"active": status.ActiveNode,
		"backup": status.BackupPool,
	})
}

// HandleSelectNode handles POST /api/nodes/select with body {"name": "..."}.
func (h *Handler) HandleSelectNode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.controller.SelectNode(req.Name); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, types.ErrNoSuchNode) {
			code = http.StatusNotFound
		}
		http.Error(w, err.Error(), code)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleRefresh handles POST /api/refresh, triggering the directory pipeline.
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.controller.RefreshNow(); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleGames handles GET /api/games.
func (h *Handler) HandleGames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	detections, err := h.controller.Detections()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if detections == nil {
		detections = []gamedetect.Detection{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(detections)
}
