package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/elytra/backend/internal/documents"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type createDocumentPayload struct {
	Title            string  `json:"title"`
	ParentDocumentID *string `json:"parent_document_id"`
}

type updateDocumentPayload struct {
	Title       *string `json:"title"`
	Content     *string `json:"content"`
	CoverImage  *string `json:"cover_image"`
	Icon        *string `json:"icon"`
	IsPublished *bool   `json:"is_published"`
}

func (p updateDocumentPayload) fields() documents.UpdateFields {
	return documents.UpdateFields{
		Title:       p.Title,
		Content:     p.Content,
		CoverImage:  p.CoverImage,
		Icon:        p.Icon,
		IsPublished: p.IsPublished,
	}
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	profile, ok := currentProfile(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	ownerID, err := documents.NewUserID(profile.UserID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request createDocumentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	var parentID *documents.DocumentID
	if request.ParentDocumentID != nil {
		parsed, err := documents.NewDocumentID(*request.ParentDocumentID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_parent_document_id"})
			return
		}
		parentID = &parsed
	}

	snapshot, err := h.documents.CreateDocument(c.Request.Context(), ownerID, request.Title, parentID)
	if err != nil {
		h.respondDocumentError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snapshot)
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	documentID, err := documents.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	snapshot, err := h.documents.GetDocument(c.Request.Context(), documentID)
	if err != nil {
		h.respondDocumentError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *httpHandler) handleUpdateDocument(c *gin.Context) {
	profile, ok := currentProfile(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	writerID, err := documents.NewUserID(profile.UserID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	documentID, err := documents.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}

	var request updateDocumentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	snapshot, err := h.documents.UpdateDocument(c.Request.Context(), writerID, documentID, request.fields())
	if err != nil {
		h.respondDocumentError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *httpHandler) respondDocumentError(c *gin.Context, err error) {
	switch {
	case documents.IsNotFound(err):
		c.JSON(http.StatusNotFound, errorPayload("not_found", err))
	case errors.Is(err, documents.ErrEmptyUpdate):
		c.JSON(http.StatusBadRequest, errorPayload("empty_update", err))
	case errors.Is(err, documents.ErrInvalidTitle):
		c.JSON(http.StatusBadRequest, errorPayload("invalid_title", err))
	default:
		h.logger.Error("document request failed", zap.String("code", documents.ErrorCode(err)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorPayload("document_failed", err))
	}
}
