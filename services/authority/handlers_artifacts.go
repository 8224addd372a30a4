package authority

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"lensboard/pkg/artifact"
)

func collectionKey(r *http.Request) (artifact.Key, error) {
	return artifact.NewKey(chi.URLParam(r, "domain"), chi.URLParam(r, "type"))
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	key, err := collectionKey(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	items, err := a.store.Repo.List(r.Context(), key)
	if err != nil {
		a.logger.Error().Err(err).Str("collection", key.String()).Msg("list artifacts")
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	key, err := collectionKey(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	var req artifact.CreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		respondError(w, http.StatusBadRequest, errors.New("title is required"))
		return
	}
	data, err := artifact.ObjectData(req.Data)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	in := NewArtifact{Title: req.Title, Data: data}
	if req.Meta != nil {
		in.Meta = req.Meta.Clone()
	}

	rec, err := a.store.Repo.Create(r.Context(), key, in)
	if err != nil {
		mutationsTotal.WithLabelValues("create", "error").Inc()
		a.logger.Error().Err(err).Str("collection", key.String()).Msg("create artifact")
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	mutationsTotal.WithLabelValues("create", "ok").Inc()

	a.publishChange(r.Context(), artifact.OpCreated, nil, &rec)
	respondJSON(w, http.StatusCreated, map[string]any{"artifact": rec})
}

func (a *API) handleUpdate(w http.ResponseWriter, r *http.Request) {
	key, err := collectionKey(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	id := chi.URLParam(r, "id")

	var req artifact.UpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.ID == "" {
		req.ID = id
	}
	if req.ID != id {
		respondError(w, http.StatusBadRequest, fmt.Errorf("body id %q does not match path id %q", req.ID, id))
		return
	}
	if req.ExpectedVersion < 1 {
		respondError(w, http.StatusBadRequest, errors.New("expectedVersion is required"))
		return
	}
	if req.Title != nil && strings.TrimSpace(*req.Title) == "" {
		respondError(w, http.StatusBadRequest, errors.New("title must not be empty"))
		return
	}

	before, after, err := a.store.Repo.Update(r.Context(), key, req)
	var conflict *artifact.ConflictError
	switch {
	case errors.As(err, &conflict):
		mutationsTotal.WithLabelValues("update", "conflict").Inc()
		respondJSON(w, http.StatusConflict, map[string]any{
			"error":   conflict.Error(),
			"current": conflict.Current,
		})
		return
	case errors.Is(err, artifact.ErrNotFound):
		mutationsTotal.WithLabelValues("update", "not_found").Inc()
		respondError(w, http.StatusNotFound, err)
		return
	case err != nil:
		mutationsTotal.WithLabelValues("update", "error").Inc()
		a.logger.Error().Err(err).Str("id", id).Msg("update artifact")
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	mutationsTotal.WithLabelValues("update", "ok").Inc()

	a.publishChange(r.Context(), artifact.OpUpdated, &before, &after)
	respondJSON(w, http.StatusOK, map[string]any{"artifact": after})
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	key, err := collectionKey(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	id := chi.URLParam(r, "id")

	removed, err := a.store.Repo.Delete(r.Context(), key, id)
	switch {
	case errors.Is(err, artifact.ErrNotFound):
		mutationsTotal.WithLabelValues("delete", "not_found").Inc()
		respondError(w, http.StatusNotFound, err)
		return
	case err != nil:
		mutationsTotal.WithLabelValues("delete", "error").Inc()
		a.logger.Error().Err(err).Str("id", id).Msg("delete artifact")
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	mutationsTotal.WithLabelValues("delete", "ok").Inc()

	a.publishChange(r.Context(), artifact.OpRemoved, &removed, nil)
	w.WriteHeader(http.StatusNoContent)
}
