package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dlutsok/replyx-v2-sub001/pkg/logger"
)

const testJWTSecret = "producer-secret"

func signProducerToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func producerClaims(scopes ...string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			Subject:   "svc-rest",
		},
		Producer: "rest-api",
		Scopes:   scopes,
	}
}

func protected() http.Handler {
	return Auth(testJWTSecret)(RequireScope(ScopePublish)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Producer", GetProducer(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	})))
}

func serve(h http.Handler, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/internal/v1/conversations/42/events", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuth_ValidTokenWithScope(t *testing.T) {
	tok := signProducerToken(t, testJWTSecret, producerClaims(ScopePublish))

	rec := serve(protected(), "Bearer "+tok)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "rest-api", rec.Header().Get("X-Producer"))
}

func TestAuth_ProducerFallsBackToSubject(t *testing.T) {
	claims := producerClaims(ScopePublish)
	claims.Producer = ""
	tok := signProducerToken(t, testJWTSecret, claims)

	rec := serve(protected(), "bearer "+tok)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "svc-rest", rec.Header().Get("X-Producer"))
}

func TestAuth_Rejections(t *testing.T) {
	expired := producerClaims(ScopePublish)
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	noExpiry := producerClaims(ScopePublish)
	noExpiry.ExpiresAt = nil

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer nope", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + signProducerToken(t, "other", producerClaims(ScopePublish)), http.StatusUnauthorized},
		{"expired", "Bearer " + signProducerToken(t, testJWTSecret, expired), http.StatusUnauthorized},
		{"no expiry", "Bearer " + signProducerToken(t, testJWTSecret, noExpiry), http.StatusUnauthorized},
		{"missing scope", "Bearer " + signProducerToken(t, testJWTSecret, producerClaims("events:read")), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, serve(protected(), tt.header).Code)
		})
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.4:5123"
	assert.Equal(t, "198.51.100.4", ClientIP(req))

	req.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", ClientIP(req))

	req.RemoteAddr = "198.51.100.4"
	assert.Equal(t, "198.51.100.4", ClientIP(req))
}

func TestLogging_SetsCorrelationID(t *testing.T) {
	var seen string
	h := Logging(logger.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
		_, ok := w.(http.Flusher)
		assert.True(t, ok, "streaming handlers need Flush")
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Correlation-ID"))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
}
