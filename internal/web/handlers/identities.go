package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"
	"github.com/kozaktomas/faceguard/internal/biometric"
	"github.com/kozaktomas/faceguard/internal/database"
)

// IdentitiesHandler serves the identity count and the admin endpoints.
type IdentitiesHandler struct {
	store     database.IdentityWriter
	extractor biometric.Extractor
	log       logr.Logger
}

// NewIdentitiesHandler creates a new identities handler.
func NewIdentitiesHandler(store database.IdentityWriter, extractor biometric.Extractor, log logr.Logger) *IdentitiesHandler {
	return &IdentitiesHandler{store: store, extractor: extractor, log: log.WithName("identities")}
}

// IdentityResponse describes a stored identity. References are never exposed.
type IdentityResponse struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Dim       int       `json:"dim"`
	CreatedAt time.Time `json:"created_at"`
	Readable  bool      `json:"readable"`
}

// NearestResponse is one nearest-identity hit.
type NearestResponse struct {
	IdentityResponse
	Similarity float64 `json:"similarity"`
}

type nearestRequest struct {
	imageRequest
	Limit int `json:"limit"`
}

func toIdentityResponse(s database.StoredIdentity) IdentityResponse {
	return IdentityResponse{
		ID:        s.ID,
		Subject:   s.Subject,
		Dim:       s.Dim,
		CreatedAt: s.CreatedAt,
		Readable:  s.Err == nil,
	}
}

// Count returns the number of enrolled identities.
func (h *IdentitiesHandler) Count(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.Count(r.Context())
	if err != nil {
		h.log.Error(err, "count identities")
		respondError(w, http.StatusInternalServerError, "failed to count identities")
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"count": n})
}

// List returns all identities in enrollment order.
func (h *IdentitiesHandler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.store.List(r.Context())
	if err != nil {
		h.log.Error(err, "list identities")
		respondError(w, http.StatusInternalServerError, "failed to list identities")
		return
	}
	out := make([]IdentityResponse, len(items))
	for i, item := range items {
		out[i] = toIdentityResponse(item)
	}
	respondJSON(w, http.StatusOK, out)
}

// Get returns a single identity.
func (h *IdentitiesHandler) Get(w http.ResponseWriter, r *http.Request) {
	identity, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, database.ErrIdentityNotFound) {
		respondError(w, http.StatusNotFound, "identity not found")
		return
	}
	if err != nil {
		h.log.Error(err, "get identity")
		respondError(w, http.StatusInternalServerError, "failed to get identity")
		return
	}
	respondJSON(w, http.StatusOK, toIdentityResponse(*identity))
}

// Delete removes an identity.
func (h *IdentitiesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.store.DeleteIdentity(r.Context(), id)
	if errors.Is(err, database.ErrIdentityNotFound) {
		respondError(w, http.StatusNotFound, "identity not found")
		return
	}
	if err != nil {
		h.log.Error(err, "delete identity")
		respondError(w, http.StatusInternalServerError, "failed to delete identity")
		return
	}
	h.log.Info("identity deleted", "id", sanitizeForLog(id))
	w.WriteHeader(http.StatusNoContent)
}

// Nearest lists the identities most similar to a frame, with scores. It is an
// operator diagnostic and never grants access.
func (h *IdentitiesHandler) Nearest(w http.ResponseWriter, r *http.Request) {
	var req nearestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	image, err := decodeImage(req.Image)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	emb, err := h.extractor.Extract(r.Context(), image)
	if err != nil {
		respondEngineError(w, h.log, err)
		return
	}

	matches, err := h.store.FindNearest(r.Context(), emb, req.Limit)
	if err != nil {
		h.log.Error(err, "find nearest identities")
		respondError(w, http.StatusInternalServerError, "failed to search identities")
		return
	}

	out := make([]NearestResponse, len(matches))
	for i, m := range matches {
		out[i] = NearestResponse{IdentityResponse: toIdentityResponse(m.StoredIdentity), Similarity: 1 - m.Distance}
	}
	respondJSON(w, http.StatusOK, out)
}

// RebuildIndex reloads identities and rebuilds the HNSW index.
func (h *IdentitiesHandler) RebuildIndex(w http.ResponseWriter, r *http.Request) {
	rebuilder := database.GetHNSWRebuilder()
	if rebuilder == nil {
		respondError(w, http.StatusConflict, "HNSW index is not enabled")
		return
	}
	if err := rebuilder.RebuildHNSW(r.Context()); err != nil {
		h.log.Error(err, "rebuild HNSW index")
		respondError(w, http.StatusInternalServerError, "failed to rebuild index")
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"indexed": rebuilder.HNSWCount()})
}
