package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/elytra/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubSessionValidator struct {
	claims auth.SessionClaims
	err    error
}

func (s stubSessionValidator) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	return s.claims, s.err
}

type stubProfileResolver struct {
	profile users.Profile
	err     error
}

func (s stubProfileResolver) ResolveProfile(auth.SessionClaims) (users.Profile, error) {
	return s.profile, s.err
}

func runAuthorize(t *testing.T, handler *httpHandler) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/documents/doc-1", http.NoBody)
	handler.authorizeRequest(ctx)
	return recorder
}

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessionValidator{err: auth.ErrExpiredSessionToken},
		logger:   zap.New(core),
	}

	recorder := runAuthorize(t, handler)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entry.Level)
	}
	if entry.Message != "session validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), auth.ErrExpiredSessionToken) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired token error context, got %v", entry.Context)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessionValidator{err: auth.ErrInvalidSessionToken},
		logger:   zap.New(core),
	}

	recorder := runAuthorize(t, handler)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected a single warn entry, got %v", entries)
	}
}

func TestAuthorizeRequestRejectsUnresolvableIdentity(t *testing.T) {
	handler := &httpHandler{
		sessions: stubSessionValidator{claims: auth.SessionClaims{UserID: "user-1"}},
		profiles: stubProfileResolver{err: users.ErrInvalidIdentity},
		logger:   zap.NewNop(),
	}

	if recorder := runAuthorize(t, handler); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", recorder.Code)
	}

	handler.profiles = stubProfileResolver{err: errors.New("database offline")}
	if recorder := runAuthorize(t, handler); recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected internal error, got %d", recorder.Code)
	}
}
