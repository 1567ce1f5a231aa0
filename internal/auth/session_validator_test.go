package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSigningSecret = "secret"
	testSessionCookieName    = "app_session"
	testSessionIssuer        = "tauth"
	testSessionUserID        = "user-123"
	testSessionUserEmail     = "user@example.com"
)

func newTestValidator(t *testing.T, clock func() time.Time) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        testSessionIssuer,
		CookieName:    testSessionCookieName,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func signTestToken(t *testing.T, claims SessionClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSessionSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validClaims(now time.Time) SessionClaims {
	return SessionClaims{
		UserID:    testSessionUserID,
		UserEmail: testSessionUserEmail,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testSessionIssuer,
			Subject:   testSessionUserID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
}

func TestNewSessionValidatorRequiresIssuer(t *testing.T) {
	_, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		CookieName:    testSessionCookieName,
	})
	if !errors.Is(err, ErrMissingSessionIssuer) {
		t.Fatalf("expected ErrMissingSessionIssuer, got %v", err)
	}
}

func TestSessionValidatorValidateToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, func() time.Time { return clockNow })

	claims, err := validator.ValidateToken(signTestToken(t, validClaims(clockNow)))
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.UserID != testSessionUserID {
		t.Fatalf("unexpected user id: %s", claims.UserID)
	}
}

func TestSessionValidatorValidateTokenExpired(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, func() time.Time { return clockNow })

	claims := validClaims(clockNow)
	claims.IssuedAt = jwt.NewNumericDate(clockNow.Add(-2 * time.Hour))
	claims.NotBefore = nil
	claims.ExpiresAt = jwt.NewNumericDate(clockNow.Add(-time.Hour))

	if _, err := validator.ValidateToken(signTestToken(t, claims)); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestSessionValidatorRejectsForeignIssuer(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, func() time.Time { return clockNow })

	claims := validClaims(clockNow)
	claims.Issuer = "someone-else"
	if _, err := validator.ValidateToken(signTestToken(t, claims)); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestSessionValidatorValidateRequestTokenSources(t *testing.T) {
	validator := newTestValidator(t, nil)
	signed := signTestToken(t, validClaims(time.Now()))

	testCases := []struct {
		name    string
		prepare func(request *http.Request)
	}{
		{
			name: "cookie",
			prepare: func(request *http.Request) {
				request.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: signed})
			},
		},
		{
			name: "bearer header",
			prepare: func(request *http.Request) {
				request.Header.Set("Authorization", "Bearer "+signed)
			},
		},
		{
			name: "query parameter",
			prepare: func(request *http.Request) {
				query := request.URL.Query()
				query.Set("access_token", signed)
				request.URL.RawQuery = query.Encode()
			},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodGet, "/documents/doc-1", http.NoBody)
			testCase.prepare(request)

			claims, err := validator.ValidateRequest(request)
			if err != nil {
				t.Fatalf("validation failed: %v", err)
			}
			if claims.UserID != testSessionUserID {
				t.Fatalf("unexpected user id: %s", claims.UserID)
			}
		})
	}
}

func TestSessionValidatorValidateRequestWithoutToken(t *testing.T) {
	validator := newTestValidator(t, nil)
	request := httptest.NewRequest(http.MethodGet, "/documents/doc-1", http.NoBody)

	if _, err := validator.ValidateRequest(request); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestSessionValidatorRequiresExpiry(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, func() time.Time { return clockNow })

	claims := validClaims(clockNow)
	claims.ExpiresAt = nil
	if _, err := validator.ValidateToken(signTestToken(t, claims)); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected token without expiry to be rejected, got %v", err)
	}
}

func TestSessionValidatorLeewayToleratesClockSkew(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        testSessionIssuer,
		CookieName:    testSessionCookieName,
		Leeway:        30 * time.Second,
		Clock:         func() time.Time { return clockNow },
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	claims := validClaims(clockNow)
	claims.ExpiresAt = jwt.NewNumericDate(clockNow.Add(-10 * time.Second))
	if _, err := validator.ValidateToken(signTestToken(t, claims)); err != nil {
		t.Fatalf("expected token inside leeway to validate, got %v", err)
	}

	claims.ExpiresAt = jwt.NewNumericDate(clockNow.Add(-time.Minute))
	if _, err := validator.ValidateToken(signTestToken(t, claims)); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected token past leeway to expire, got %v", err)
	}
}

func TestSessionValidatorValidateRequestNamesRejectedSource(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, func() time.Time { return clockNow })

	expired := validClaims(clockNow)
	expired.ExpiresAt = jwt.NewNumericDate(clockNow.Add(-time.Hour))
	request := httptest.NewRequest(http.MethodGet, "/documents/doc-1", http.NoBody)
	request.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: signTestToken(t, expired)})
	request.Header.Set("Authorization", "Bearer "+signTestToken(t, validClaims(clockNow)))

	_, err := validator.ValidateRequest(request)
	if !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected the cookie token to win and be expired, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "cookie token:") {
		t.Fatalf("expected error to name the cookie source, got %q", err.Error())
	}
}
