package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/elytra/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const profileContextKey = "elytra_profile"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingProfileResolver  = errors.New("profile resolver dependency required")
	errMissingDocumentsService = errors.New("documents service dependency required")
	errMissingPresenceService  = errors.New("presence service dependency required")
	errMissingRealtime         = errors.New("realtime subscriber dependency required")
)

// SessionValidator authenticates incoming requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// ProfileResolver maps session claims onto the collaborator profile.
type ProfileResolver interface {
	ResolveProfile(claims auth.SessionClaims) (users.Profile, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	SessionValidator SessionValidator
	Profiles         ProfileResolver
	Documents        *documents.Service
	Presence         *presence.Service
	Realtime         Subscriber
	Metrics          *metrics.Metrics
	Logger           *zap.Logger
}

// NewHTTPHandler builds the gin router serving the document and presence API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Profiles == nil {
		return nil, errMissingProfileResolver
	}
	if deps.Documents == nil {
		return nil, errMissingDocumentsService
	}
	if deps.Presence == nil {
		return nil, errMissingPresenceService
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		sessions:  deps.SessionValidator,
		profiles:  deps.Profiles,
		documents: deps.Documents,
		presence:  deps.Presence,
		realtime:  deps.Realtime,
		logger:    logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{})))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/documents", handler.handleCreateDocument)
	protected.GET("/documents/:id", handler.handleGetDocument)
	protected.PATCH("/documents/:id", handler.handleUpdateDocument)
	protected.GET("/documents/:id/presence", handler.handleListPresence)
	protected.PUT("/documents/:id/presence", handler.handleRegisterPresence)
	protected.DELETE("/documents/:id/presence", handler.handleUnregisterPresence)
	protected.PUT("/documents/:id/presence/cursor", handler.handleUpdateCursor)
	protected.GET("/documents/:id/live", handler.handleLiveStream)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions  SessionValidator
	profiles  ProfileResolver
	documents *documents.Service
	presence  *presence.Service
	realtime  Subscriber
	logger    *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	profile, err := h.profiles.ResolveProfile(claims)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("profile resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "identity_failed"})
		return
	}
	c.Set(profileContextKey, profile)
	c.Next()
}

func currentProfile(c *gin.Context) (users.Profile, bool) {
	value, ok := c.Get(profileContextKey)
	if !ok {
		return users.Profile{}, false
	}
	profile, ok := value.(users.Profile)
	if !ok || strings.TrimSpace(profile.UserID) == "" {
		return users.Profile{}, false
	}
	return profile, true
}

// errorPayload renders the error body, adding the service code when one is available.
func errorPayload(reason string, err error) gin.H {
	payload := gin.H{"error": reason}
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		payload["code"] = coded.Code()
	}
	return payload
}
