package apiclient

import (
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/elytra/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/database"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/server"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testIssuer        = "tauth"
)

type apiServer struct {
	server     *httptest.Server
	dispatcher *realtime.Dispatcher
	issuer     *auth.TokenIssuer
}

func newAPIServer(t *testing.T, cursorRate float64) *apiServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:elytra_apiclient_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.Migrate(db, zap.NewNop()))

	dispatcher := realtime.NewDispatcher()
	documentService, err := documents.NewService(documents.ServiceConfig{
		Database:   db,
		IDProvider: documents.NewUUIDProvider(),
		Publisher:  dispatcher,
	})
	require.NoError(t, err)
	store, err := presence.NewSQLStore(db)
	require.NoError(t, err)
	presenceService, err := presence.NewService(presence.ServiceConfig{
		Store:               store,
		Publisher:           dispatcher,
		CursorRatePerSecond: cursorRate,
	})
	require.NoError(t, err)
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	require.NoError(t, err)
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    "app_session",
	})
	require.NoError(t, err)
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
	})
	require.NoError(t, err)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: validator,
		Profiles:         userService,
		Documents:        documentService,
		Presence:         presenceService,
		Realtime:         dispatcher,
	})
	require.NoError(t, err)

	httpServer := httptest.NewServer(handler)
	t.Cleanup(httpServer.Close)
	return &apiServer{server: httpServer, dispatcher: dispatcher, issuer: issuer}
}

func (s *apiServer) client(t *testing.T, userID, displayName string) *Client {
	t.Helper()
	token, _, err := s.issuer.Issue(auth.Identity{UserID: userID, DisplayName: displayName})
	require.NoError(t, err)
	client, err := New(Config{BaseURL: s.server.URL, Token: token})
	require.NoError(t, err)
	return client
}
