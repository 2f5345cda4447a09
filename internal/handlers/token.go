package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/samirobaid01/aemos-core/internal/models"
	"github.com/samirobaid01/aemos-core/internal/repository"
	"github.com/samirobaid01/aemos-core/internal/tokencache"
	"github.com/samirobaid01/aemos-core/pkg/crypto"
	"github.com/samirobaid01/aemos-core/pkg/logger"
)

// TokenHandler issues and revokes device tokens.
type TokenHandler struct {
	repo  *repository.Repositories
	cache *tokencache.Cache
	log   *logger.Logger
}

// Issue mints a new 64-hex token for a sensor. An optional
// expiresInDays field bounds its lifetime; omitted means no expiry.
func (h *TokenHandler) Issue(w http.ResponseWriter, r *http.Request) {
	sensorID, err := strconv.ParseInt(chi.URLParam(r, "sensorID"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid sensor id")
		return
	}
	sensor, err := h.repo.Sensors.GetByID(r.Context(), sensorID)
	if err != nil || sensor == nil {
		respondError(w, http.StatusNotFound, "sensor not found")
		return
	}

	var body struct {
		ExpiresInDays int `json:"expiresInDays"`
	}
	_ = decodeJSON(r, &body)

	raw, err := crypto.GenerateDeviceToken()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "token generation failed")
		return
	}

	now := time.Now()
	token := &models.DeviceToken{
		ID:        now.UnixNano(),
		Token:     raw,
		SensorID:  sensorID,
		Status:    models.TokenStatusActive,
		CreatedAt: now,
	}
	if body.ExpiresInDays > 0 {
		exp := now.AddDate(0, 0, body.ExpiresInDays)
		token.ExpiresAt = &exp
	}

	if err := h.repo.Tokens.Create(r.Context(), token); err != nil {
		h.log.Errorw("device token create failed", "sensor_id", sensorID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to store token")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{"status": "success", "data": token})
}

// List returns a sensor's tokens, newest first.
func (h *TokenHandler) List(w http.ResponseWriter, r *http.Request) {
	sensorID, err := strconv.ParseInt(chi.URLParam(r, "sensorID"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid sensor id")
		return
	}
	tokens, err := h.repo.Tokens.ListBySensor(r.Context(), sensorID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list tokens")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "success", "data": tokens})
}

// Revoke marks a token revoked. The cache entry is evicted only when
// the request body carries the token string; otherwise a cached token
// keeps authenticating until its cache TTL expires.
func (h *TokenHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	tokenID, err := strconv.ParseInt(chi.URLParam(r, "tokenID"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid token id")
		return
	}

	var body struct {
		Token string `json:"token"`
	}
	_ = decodeJSON(r, &body)

	if err := h.repo.Tokens.Revoke(r.Context(), tokenID); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to revoke token")
		return
	}
	if body.Token != "" {
		if err := h.cache.Invalidate(r.Context(), body.Token); err != nil {
			h.log.Warnw("token cache eviction failed", "token_id", tokenID, "error", err)
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "success"})
}
