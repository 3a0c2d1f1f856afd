package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/matheus3301/leadsync/internal/followup"
)

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{"list": h.sessions.List()})
}

type createRequest struct {
	ID string `json:"id"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.fail(w, r, fmt.Errorf("%w: decode body: %v", errBadRequest, err))
		return
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = newSessionID()
	}
	rec, err := h.sessions.Create(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, rec)
}

// newSessionID returns eight random hex characters.
func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (h *Handler) sessionStatus(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.sessions.Status(chi.URLParam(r, "id"))
	if !ok {
		Error(w, http.StatusNotFound, "Not found")
		return
	}
	JSON(w, http.StatusOK, rec)
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	if !h.sessions.Delete(chi.URLParam(r, "id")) {
		Error(w, http.StatusNotFound, "Not found")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"message": "Deleted"})
}

func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	days := 0
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.fail(w, r, fmt.Errorf("%w: days must be a positive integer", errBadRequest))
			return
		}
		days = n
	}
	res, err := h.syncer.Sync(r.Context(), chi.URLParam(r, "id"), days)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

func (h *Handler) runFollowup(w http.ResponseWriter, r *http.Request) {
	var targets []int
	if raw := r.URL.Query().Get("days"); raw != "" {
		targets = followup.ParseTargets(raw)
	}
	res, err := h.followup.Followup(r.Context(), chi.URLParam(r, "id"), targets)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

type followupEntry struct {
	Address    string `json:"number"`
	DayCounter int    `json:"dayCounter"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	CreatedAt  int64  `json:"createdAt"`
}

func (h *Handler) listFollowups(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.fail(w, r, fmt.Errorf("%w: limit must be a positive integer", errBadRequest))
			return
		}
		limit = n
	}
	entries, err := h.journal.ListFollowups(chi.URLParam(r, "id"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]followupEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, followupEntry{
			Address:    e.Address,
			DayCounter: e.DayCounter,
			Status:     string(e.Status),
			Error:      e.Error,
			CreatedAt:  e.CreatedAt,
		})
	}
	JSON(w, http.StatusOK, map[string]any{"followups": out})
}
