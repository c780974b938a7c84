package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-logr/logr"
	"github.com/kozaktomas/faceguard/internal/biometric"
)

// Verifier is the verification side of biometric.Engine.
type Verifier interface {
	Verify(ctx context.Context, image []byte) (*biometric.Match, error)
}

// VerifyHandler handles face login.
type VerifyHandler struct {
	engine Verifier
	log    logr.Logger
}

// NewVerifyHandler creates a new verify handler.
func NewVerifyHandler(engine Verifier, log logr.Logger) *VerifyHandler {
	return &VerifyHandler{engine: engine, log: log.WithName("verify")}
}

// VerifyResponse is returned for an accepted face. The score is never sent.
type VerifyResponse struct {
	Status  string `json:"status"`
	ID      string `json:"id"`
	Subject string `json:"subject"`
}

// Verify matches one camera frame against every enrolled identity.
func (h *VerifyHandler) Verify(w http.ResponseWriter, r *http.Request) {
	image, ok := readImage(w, r)
	if !ok {
		return
	}

	match, err := h.engine.Verify(r.Context(), image)
	if err != nil {
		if errors.Is(err, biometric.ErrVerificationFailed) {
			h.log.Info("face login rejected", "remote", sanitizeForLog(r.RemoteAddr))
		}
		respondEngineError(w, h.log, err)
		return
	}

	respondJSON(w, http.StatusOK, VerifyResponse{
		Status:  statusSuccess,
		ID:      match.Identity.ID,
		Subject: match.Identity.Subject,
	})
}
