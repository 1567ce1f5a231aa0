package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/elytra/backend/internal/presence"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type registerPresencePayload struct {
	DisplayName *string               `json:"display_name"`
	AvatarURL   *string               `json:"avatar_url"`
	Cursor      *presence.CursorState `json:"cursor"`
}

type presenceListPayload struct {
	Users []presence.LivenessRecord `json:"users"`
}

type cursorUpdatePayload struct {
	Updated bool `json:"updated"`
}

// presenceKey builds the liveness key of the caller. The user id always comes from the
// session so a client can only write its own record.
func (h *httpHandler) presenceKey(c *gin.Context) (presence.Key, bool) {
	profile, ok := currentProfile(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return presence.Key{}, false
	}
	key, err := presence.NewKey(c.Param("id"), profile.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return presence.Key{}, false
	}
	return key, true
}

func (h *httpHandler) handleListPresence(c *gin.Context) {
	documentID := strings.TrimSpace(c.Param("id"))
	if documentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	records, err := h.presence.ActiveUsers(c.Request.Context(), documentID)
	if err != nil {
		h.respondPresenceError(c, err)
		return
	}
	if records == nil {
		records = []presence.LivenessRecord{}
	}
	c.JSON(http.StatusOK, presenceListPayload{Users: records})
}

func (h *httpHandler) handleRegisterPresence(c *gin.Context) {
	key, ok := h.presenceKey(c)
	if !ok {
		return
	}
	var request registerPresencePayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}

	profile, _ := currentProfile(c)
	registration := presence.Registration{
		Key:         key,
		DisplayName: profile.DisplayName,
		AvatarURL:   profile.AvatarURL,
		Cursor:      request.Cursor,
	}
	if request.DisplayName != nil {
		registration.DisplayName = *request.DisplayName
	}
	if request.AvatarURL != nil {
		registration.AvatarURL = *request.AvatarURL
	}

	record, err := h.presence.Register(c.Request.Context(), registration)
	if err != nil {
		h.respondPresenceError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleUnregisterPresence(c *gin.Context) {
	key, ok := h.presenceKey(c)
	if !ok {
		return
	}
	if err := h.presence.Unregister(c.Request.Context(), key); err != nil {
		h.respondPresenceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleUpdateCursor(c *gin.Context) {
	key, ok := h.presenceKey(c)
	if !ok {
		return
	}
	var cursor presence.CursorState
	if err := c.ShouldBindJSON(&cursor); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	updated, err := h.presence.UpdateCursor(c.Request.Context(), key, cursor)
	if err != nil {
		h.respondPresenceError(c, err)
		return
	}
	c.JSON(http.StatusOK, cursorUpdatePayload{Updated: updated})
}

func (h *httpHandler) respondPresenceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, presence.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, errorPayload("rate_limited", err))
	case errors.Is(err, presence.ErrInvalidCursor):
		c.JSON(http.StatusBadRequest, errorPayload("invalid_cursor", err))
	case errors.Is(err, presence.ErrInvalidProfile):
		c.JSON(http.StatusBadRequest, errorPayload("invalid_profile", err))
	case errors.Is(err, presence.ErrInvalidDocumentID), errors.Is(err, presence.ErrInvalidUserID):
		c.JSON(http.StatusBadRequest, errorPayload("invalid_key", err))
	default:
		h.logger.Error("presence request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorPayload("presence_failed", err))
	}
}
