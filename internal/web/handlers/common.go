package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-logr/logr"
	"github.com/kozaktomas/faceguard/internal/biometric"
	"github.com/kozaktomas/faceguard/internal/extractor"
)

// errInvalidRequestBody is a shared error message for invalid JSON request bodies.
const errInvalidRequestBody = "invalid request body"

// maxRequestBody bounds JSON bodies carrying a base64 frame.
const maxRequestBody = 16 << 20

// Response statuses understood by the capture page.
const (
	statusSuccess = "success"
	statusRetry   = "retry"
	statusFail    = "fail"
	statusError   = "error"
)

// imageRequest is the body of every endpoint that takes a camera frame.
type imageRequest struct {
	Image string `json:"image"` // data URL or bare base64
}

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondStatus sends a {"status", "error"} response.
func respondStatus(w http.ResponseWriter, code int, status, message string) {
	respondJSON(w, code, map[string]string{"status": status, "error": message})
}

// decodeImage accepts a data URL (data:image/jpeg;base64,...) or bare base64.
func decodeImage(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("image is required")
	}
	if rest, ok := strings.CutPrefix(s, "data:"); ok {
		meta, payload, found := strings.Cut(rest, ",")
		if !found {
			return nil, errors.New("malformed data URL")
		}
		if !strings.HasSuffix(meta, ";base64") {
			return nil, errors.New("data URL must be base64 encoded")
		}
		s = payload
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		// Some capture libraries drop the padding.
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	}
	if err != nil {
		return nil, fmt.Errorf("invalid base64 image: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("image is empty")
	}
	return data, nil
}

// readImage parses an imageRequest body and decodes its frame. On failure it
// writes a 400 response and returns false.
func readImage(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	var req imageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		respondStatus(w, http.StatusBadRequest, statusError, errInvalidRequestBody)
		return nil, false
	}
	image, err := decodeImage(req.Image)
	if err != nil {
		respondStatus(w, http.StatusBadRequest, statusError, err.Error())
		return nil, false
	}
	return image, true
}

// respondEngineError maps an enrollment or verification error to a response.
// Messages are generic: no scores or identities leave the server.
func respondEngineError(w http.ResponseWriter, log logr.Logger, err error) {
	var apiErr *extractor.APIError
	switch {
	case errors.Is(err, biometric.ErrNoFaceDetected):
		respondStatus(w, http.StatusUnprocessableEntity, statusRetry, "No face detected, try again")
	case errors.Is(err, extractor.ErrInvalidImage):
		respondStatus(w, http.StatusBadRequest, statusError, "image could not be decoded")
	case errors.Is(err, biometric.ErrSampleLimit):
		respondStatus(w, http.StatusTooManyRequests, statusError, "enrollment sample limit reached")
	case errors.Is(err, biometric.ErrNoSamples):
		respondStatus(w, http.StatusBadRequest, statusError, "No face data scanned")
	case errors.Is(err, biometric.ErrEnrollmentClosed):
		respondStatus(w, http.StatusConflict, statusError, "enrollment is no longer collecting")
	case errors.Is(err, biometric.ErrDuplicateIdentity):
		respondStatus(w, http.StatusConflict, statusFail, biometric.ErrDuplicateIdentity.Error())
	case errors.Is(err, biometric.ErrVerificationFailed):
		respondStatus(w, http.StatusUnauthorized, statusFail, biometric.ErrVerificationFailed.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respondStatus(w, http.StatusGatewayTimeout, statusError, "face extraction timed out")
	case errors.As(err, &apiErr):
		log.Error(err, "embedding server error")
		respondStatus(w, http.StatusBadGateway, statusError, "face extraction failed")
	default:
		log.Error(err, "request failed")
		respondStatus(w, http.StatusInternalServerError, statusError, "internal error")
	}
}

// HealthCheck handles the health check endpoint.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}
