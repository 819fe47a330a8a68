package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmarchand/voucher/internal/session"
	"github.com/kmarchand/voucher/internal/shared/logger"
	"github.com/kmarchand/voucher/internal/shared/metrics"
	"github.com/kmarchand/voucher/internal/state"
	"github.com/kmarchand/voucher/internal/strategy/gitlab"
)

const tokenBody = `{"access_token":"tok-1","token_type":"bearer","scope":"api"}`

const profileBody = `{"id":42,"username":"jdoe","name":"Jane Doe","email":"jane@example.com"}`

func newProviderServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(tokenBody))
	})
	mux.HandleFunc("/api/v3/user", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(profileBody))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type testEnv struct {
	server   *Server
	states   state.Store
	sessions *session.Manager
	handler  http.Handler
}

func newTestEnv(t *testing.T, cfg Config, providerSite string) *testEnv {
	t.Helper()

	log := logger.New(logger.Config{Level: "error", Output: io.Discard, ServiceName: "voucher-test"})
	m := metrics.New(metrics.Config{ServiceName: "voucher-test"})

	states := state.NewMemoryStore()
	t.Cleanup(func() { states.Close() })

	sessions, err := session.NewManager(session.Config{Secret: "test-secret"})
	require.NoError(t, err)

	if cfg.ExternalURL == "" {
		cfg.ExternalURL = "https://voucher.example.com"
	}

	srv := New(cfg, Deps{
		Logger:   log,
		Metrics:  m,
		States:   states,
		Sessions: sessions,
	})

	srv.Register(gitlab.New(
		gitlab.Config{ClientID: "id", ClientSecret: "sec", Site: providerSite},
		gitlab.WithLogger(log),
	))

	return &testEnv{
		server:   srv,
		states:   states,
		sessions: sessions,
		handler:  srv.Handler(),
	}
}

func (e *testEnv) do(method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeErrors(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestHandleBegin_RedirectsToProvider(t *testing.T) {
	provider := newProviderServer(t)
	env := newTestEnv(t, DefaultConfig(), provider.URL)

	rec := env.do(http.MethodGet, "/auth/gitlab")
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/oauth/authorize", loc.Path)
	assert.Equal(t, "id", loc.Query().Get("client_id"))
	assert.Equal(t, "https://voucher.example.com/auth/gitlab/callback", loc.Query().Get("redirect_uri"))

	stateToken := loc.Query().Get("state")
	require.NotEmpty(t, stateToken)

	ok, err := env.states.Consume(context.Background(), stateToken)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHandleBegin_UnknownProvider(t *testing.T) {
	provider := newProviderServer(t)
	env := newTestEnv(t, DefaultConfig(), provider.URL)

	rec := env.do(http.MethodGet, "/auth/github")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	body := decodeErrors(t, rec)
	require.Len(t, body.Errors, 1)
	assert.Equal(t, "unknown_provider", body.Errors[0].Key)
}

func TestHandleCallback_Success(t *testing.T) {
	provider := newProviderServer(t)
	env := newTestEnv(t, DefaultConfig(), provider.URL)

	stateToken := state.NewToken()
	require.NoError(t, env.states.Create(context.Background(), stateToken, time.Minute))

	rec := env.do(http.MethodGet, "/auth/gitlab/callback?code=the-code&state="+stateToken)
	require.Equal(t, http.StatusOK, rec.Code)

	var body resultResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))

	assert.Equal(t, "gitlab", body.Result.Provider)
	assert.Equal(t, "jdoe", body.Result.UID)
	assert.Equal(t, "tok-1", body.Result.Credentials.Token)
	assert.Equal(t, "jane@example.com", body.Result.Info.Email)

	claims, err := env.sessions.Validate(body.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, "jdoe", claims.Subject)
	assert.Equal(t, "gitlab", claims.Provider)
}

func TestHandleCallback_UnknownState(t *testing.T) {
	provider := newProviderServer(t)
	env := newTestEnv(t, DefaultConfig(), provider.URL)

	rec := env.do(http.MethodGet, "/auth/gitlab/callback?code=the-code&state=bogus")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body := decodeErrors(t, rec)
	require.Len(t, body.Errors, 1)
	assert.Equal(t, "csrf_detected", body.Errors[0].Key)
}

func TestHandleCallback_StateIsSingleUse(t *testing.T) {
	provider := newProviderServer(t)
	env := newTestEnv(t, DefaultConfig(), provider.URL)

	stateToken := state.NewToken()
	require.NoError(t, env.states.Create(context.Background(), stateToken, time.Minute))

	target := "/auth/gitlab/callback?code=the-code&state=" + stateToken

	rec := env.do(http.MethodGet, target)
	require.Equal(t, http.StatusOK, rec.Code)

	// replaying the same callback must be rejected
	rec = env.do(http.MethodGet, target)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCallback_MissingCode(t *testing.T) {
	provider := newProviderServer(t)
	env := newTestEnv(t, DefaultConfig(), provider.URL)

	stateToken := state.NewToken()
	require.NoError(t, env.states.Create(context.Background(), stateToken, time.Minute))

	rec := env.do(http.MethodGet, "/auth/gitlab/callback?state="+stateToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body := decodeErrors(t, rec)
	require.Len(t, body.Errors, 1)
	assert.Equal(t, gitlab.ErrMissingCode, body.Errors[0].Key)
}

func TestHandleCallback_ProviderRejectsCode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"The provided authorization grant is invalid"}`))
	})
	provider := httptest.NewServer(mux)
	defer provider.Close()

	env := newTestEnv(t, DefaultConfig(), provider.URL)

	stateToken := state.NewToken()
	require.NoError(t, env.states.Create(context.Background(), stateToken, time.Minute))

	rec := env.do(http.MethodGet, "/auth/gitlab/callback?code=bad&state="+stateToken)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	body := decodeErrors(t, rec)
	require.Len(t, body.Errors, 1)
	assert.Equal(t, gitlab.ErrInvalidResponse, body.Errors[0].Key)
	assert.Equal(t, "invalid_grant: The provided authorization grant is invalid", body.Errors[0].Message)
}

func TestRateLimiter_DropsBurstOverflow(t *testing.T) {
	provider := newProviderServer(t)

	cfg := DefaultConfig()
	cfg.RateLimit = RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, Burst: 1}
	env := newTestEnv(t, cfg, provider.URL)

	rec := env.do(http.MethodGet, "/auth/gitlab")
	require.Equal(t, http.StatusFound, rec.Code)

	rec = env.do(http.MethodGet, "/auth/gitlab")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestSecurityHeaders(t *testing.T) {
	provider := newProviderServer(t)
	env := newTestEnv(t, DefaultConfig(), provider.URL)

	rec := env.do(http.MethodGet, "/auth/gitlab")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}
