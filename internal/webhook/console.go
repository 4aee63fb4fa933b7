package webhook

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Chuanyin1202/anima/internal/brain"
	"github.com/Chuanyin1202/anima/internal/ideas"
)

// Console handlers: the JSON surface an operator dashboard talks to.
// Rendering lives entirely client-side.

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.core.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) getReports(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "ledger not configured"})
		return
	}
	limit := queryInt(r, "limit", 20)
	reports, err := s.reports.RecentReports(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

func (s *Server) getIdeas(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "idea pool not configured"})
		return
	}
	statuses := []ideas.Status{ideas.StatusPending}
	if st := r.URL.Query().Get("status"); st != "" {
		statuses = []ideas.Status{ideas.Status(st)}
	}
	list, err := s.pool.Recent(queryInt(r, "limit", 50), 0, statuses...)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) skipIdea(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "idea pool not configured"})
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.pool.SetStatus(id, ideas.StatusSkipped); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type postRequest struct {
	Topic  string `json:"topic"`
	DryRun bool   `json:"dry_run"`
}

func (s *Server) createPost(w http.ResponseWriter, r *http.Request) {
	var req postRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	text, err := s.core.CreatePost(r.Context(), req.Topic, req.DryRun)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, brain.ErrBudgetSpent) {
			status = http.StatusTooManyRequests
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"text": text, "dry_run": req.DryRun})
}

func (s *Server) runCycle(w http.ResponseWriter, r *http.Request) {
	report, ok := s.runner.TryCycle(r.Context(), brain.CycleOptions{})
	if !ok {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "a cycle is already running"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
