package authority

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"lensboard/pkg/artifact"
)

func (a *API) handleAction(w http.ResponseWriter, r *http.Request) {
	var req artifact.ActionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	req.Domain = strings.TrimSpace(req.Domain)
	req.ID = strings.TrimSpace(req.ID)
	req.Action = strings.TrimSpace(req.Action)
	if req.Domain == "" || req.ID == "" || req.Action == "" {
		respondError(w, http.StatusBadRequest, errors.New("domain, id and action are required"))
		return
	}

	fn, err := a.actions.Lookup(req.Domain, req.Action)
	if err != nil {
		a.actionDone(r, req, "unknown", err)
		respondError(w, http.StatusNotFound, err)
		return
	}

	rec, err := a.store.Repo.Find(r.Context(), req.Domain, req.ID)
	if errors.Is(err, artifact.ErrNotFound) {
		a.actionDone(r, req, "not_found", err)
		respondError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		a.actionDone(r, req, "error", err)
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	result, err := fn(r.Context(), rec)
	if err != nil {
		err = fmt.Errorf("%s on %s: %w", req.Action, req.ID, err)
		a.actionDone(r, req, "failed", err)
		respondError(w, http.StatusUnprocessableEntity, err)
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		a.actionDone(r, req, "error", err)
		respondError(w, http.StatusInternalServerError, fmt.Errorf("encode result: %w", err))
		return
	}

	a.actionDone(r, req, "ok", nil)
	respondJSON(w, http.StatusOK, artifact.ActionResponse{Result: payload})
}

func (a *API) handleListActions(w http.ResponseWriter, r *http.Request) {
	domain := strings.TrimSpace(chi.URLParam(r, "domain"))
	respondJSON(w, http.StatusOK, map[string]any{"actions": a.actions.Names(domain)})
}

func (a *API) actionDone(r *http.Request, req artifact.ActionRequest, result string, err error) {
	label := req.Action
	if result == "unknown" {
		// Unregistered names would grow the label set without bound.
		label = "_unknown"
	}
	actionsTotal.WithLabelValues(req.Domain, label, result).Inc()

	ev := artifact.ActionEvent{
		Domain: req.Domain,
		ID:     req.ID,
		Action: req.Action,
		OK:     err == nil,
		At:     time.Now().UTC(),
	}
	if err != nil {
		ev.Error = err.Error()
		a.logger.Info().Err(err).Str("domain", req.Domain).Str("action", req.Action).Msg("action rejected")
	}
	a.publishJSON(r.Context(), artifact.ActionSubject, ev)
}
