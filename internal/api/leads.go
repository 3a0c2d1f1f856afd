package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/matheus3301/leadsync/internal/ledger"
)

func (h *Handler) listLeads(w http.ResponseWriter, r *http.Request) {
	recs, err := h.leads.List()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []*ledger.Record{}
	}
	JSON(w, http.StatusOK, map[string]any{"leads": recs})
}

func (h *Handler) addLead(w http.ResponseWriter, r *http.Request) {
	var lead ledger.Lead
	if err := json.NewDecoder(r.Body).Decode(&lead); err != nil {
		h.fail(w, r, fmt.Errorf("%w: decode body: %v", errBadRequest, err))
		return
	}
	rec, err := h.leads.AddLead(lead)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, rec)
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.leads.Summary()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, sum)
}
