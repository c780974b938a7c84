package handlers

import (
	"net/http"

	"github.com/kozaktomas/faceguard/internal/config"
	"github.com/kozaktomas/faceguard/internal/database"
)

// ConfigHandler handles configuration endpoints
type ConfigHandler struct {
	config *config.Config
}

// NewConfigHandler creates a new config handler
func NewConfigHandler(cfg *config.Config) *ConfigHandler {
	return &ConfigHandler{
		config: cfg,
	}
}

// ConfigResponse tells a capture client how to drive an enrollment.
// Thresholds are not exposed.
type ConfigResponse struct {
	EmbeddingDim      int    `json:"embedding_dim"`
	MaxSamples        int    `json:"max_samples"`
	SessionTTLSeconds int    `json:"session_ttl_seconds"`
	MaxImageSize      int    `json:"max_image_size"`
	Backend           string `json:"backend"`
	HNSWEnabled       bool   `json:"hnsw_enabled"`
	AdminAPI          bool   `json:"admin_api"`
}

// Get returns the public configuration
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	hnswEnabled := false
	if rebuilder := database.GetHNSWRebuilder(); rebuilder != nil {
		hnswEnabled = rebuilder.IsHNSWEnabled()
	}

	response := ConfigResponse{
		EmbeddingDim:      h.config.Embedding.Dim,
		MaxSamples:        h.config.Biometric.Enrollment.MaxSamples,
		SessionTTLSeconds: int(h.config.Biometric.Enrollment.TTL.Seconds()),
		MaxImageSize:      h.config.Embedding.MaxImageSize,
		Backend:           database.BackendName(),
		HNSWEnabled:       hnswEnabled,
		AdminAPI:          h.config.Web.AdminToken != "",
	}

	respondJSON(w, http.StatusOK, response)
}
