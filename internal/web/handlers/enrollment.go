package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"
	"github.com/kozaktomas/faceguard/internal/biometric"
)

// Enroller is the enrollment side of biometric.Engine.
type Enroller interface {
	SubmitFrame(ctx context.Context, key string, image []byte) (int, error)
	Status(key string) (biometric.EnrollmentStatus, bool)
	Finalize(ctx context.Context, key string) (*biometric.Identity, error)
	Abort(key string) bool
}

// EnrollmentHandler handles the frame capture and finalize endpoints.
type EnrollmentHandler struct {
	engine Enroller
	log    logr.Logger
}

// NewEnrollmentHandler creates a new enrollment handler.
func NewEnrollmentHandler(engine Enroller, log logr.Logger) *EnrollmentHandler {
	return &EnrollmentHandler{engine: engine, log: log.WithName("enrollment")}
}

// FrameResponse is returned for an accepted frame.
type FrameResponse struct {
	Status  string `json:"status"`
	Samples int    `json:"samples"`
}

// EnrolledResponse is returned when an enrollment is finalized.
type EnrolledResponse struct {
	Status  string `json:"status"`
	ID      string `json:"id"`
	Subject string `json:"subject"`
}

// SubmitFrame adds one camera frame to the pending enrollment.
func (h *EnrollmentHandler) SubmitFrame(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		respondStatus(w, http.StatusBadRequest, statusError, "enrollment key is required")
		return
	}

	image, ok := readImage(w, r)
	if !ok {
		return
	}

	n, err := h.engine.SubmitFrame(r.Context(), key, image)
	if err != nil {
		respondEngineError(w, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, FrameResponse{Status: statusSuccess, Samples: n})
}

// Status returns the state and sample count of a pending enrollment.
func (h *EnrollmentHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, ok := h.engine.Status(chi.URLParam(r, "key"))
	if !ok {
		respondError(w, http.StatusNotFound, "enrollment not found")
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// Finalize refines the collected frames and enrolls a new identity.
func (h *EnrollmentHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	identity, err := h.engine.Finalize(r.Context(), key)
	if err != nil {
		if !errors.Is(err, biometric.ErrNoSamples) {
			h.log.Info("enrollment not finalized", "key", sanitizeForLog(key), "reason", err.Error())
		}
		respondEngineError(w, h.log, err)
		return
	}

	respondJSON(w, http.StatusCreated, EnrolledResponse{
		Status:  statusSuccess,
		ID:      identity.ID,
		Subject: identity.Subject,
	})
}

// Abort discards a pending enrollment. It is idempotent.
func (h *EnrollmentHandler) Abort(w http.ResponseWriter, r *http.Request) {
	h.engine.Abort(chi.URLParam(r, "key"))
	w.WriteHeader(http.StatusNoContent)
}
