package gitlab

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmarchand/voucher/internal/shared/errors"
	"github.com/kmarchand/voucher/internal/strategy"
)

const callbackURL = "https://app.example.com/auth/gitlab/callback"

// newProviderServer fakes a GitLab instance serving the token endpoint and
// the current-user endpoint.
func newProviderServer(t *testing.T, tokenBody string, tokenStatus int, userBody string, userStatus int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(tokenStatus)
		w.Write([]byte(tokenBody))
	})
	mux.HandleFunc("/api/v3/user", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(userStatus)
		w.Write([]byte(userBody))
	})
	return httptest.NewServer(mux)
}

const goodToken = `{"access_token":"tok-1","token_type":"bearer","refresh_token":"ref-1","expires_in":7200,"scope":"api,read_user"}`

const goodProfile = `{
	"id": 42,
	"username": "jdoe",
	"name": "Jane Doe",
	"email": "jane@example.com",
	"location": "Berlin",
	"avatar_url": "https://gitlab.example.com/avatar.png",
	"web_url": "https://gitlab.example.com/jdoe",
	"website_url": "https://jdoe.example.com"
}`

func newTransaction(params url.Values) *strategy.Transaction {
	return strategy.NewTransaction(params, callbackURL)
}

func TestStrategy_Name(t *testing.T) {
	s := New(Config{})
	assert.Equal(t, "gitlab", s.Name())
}

func TestBeginAuth_DefaultScope(t *testing.T) {
	s := New(Config{ClientID: "id"})

	tx := newTransaction(nil)
	u, err := s.BeginAuth(context.Background(), tx)
	require.NoError(t, err)

	parsed, err := url.Parse(u)
	require.NoError(t, err)
	assert.Equal(t, "api", parsed.Query().Get("scope"))
	assert.Equal(t, callbackURL, parsed.Query().Get("redirect_uri"))
}

func TestBeginAuth_RequestScopeOverridesDefault(t *testing.T) {
	s := New(Config{ClientID: "id", DefaultScope: "api"})

	tx := newTransaction(url.Values{"scope": {"read_user"}, "state": {"st-1"}})
	u, err := s.BeginAuth(context.Background(), tx)
	require.NoError(t, err)

	parsed, err := url.Parse(u)
	require.NoError(t, err)
	assert.Equal(t, "read_user", parsed.Query().Get("scope"))
	assert.Equal(t, "st-1", parsed.Query().Get("state"))
}

func TestCompleteAuth_Success(t *testing.T) {
	srv := newProviderServer(t, goodToken, http.StatusOK, goodProfile, http.StatusOK)
	defer srv.Close()

	s := New(Config{ClientID: "id", ClientSecret: "sec", Site: srv.URL})

	tx := newTransaction(url.Values{"code": {"the-code"}})
	err := s.CompleteAuth(context.Background(), tx)
	require.NoError(t, err)
	assert.False(t, tx.Failed())

	res, err := s.Result(tx)
	require.NoError(t, err)

	assert.Equal(t, "gitlab", res.Provider)
	assert.Equal(t, "jdoe", res.UID)
	assert.Equal(t, "tok-1", res.Credentials.Token)
	assert.Equal(t, "ref-1", res.Credentials.RefreshToken)
	assert.True(t, res.Credentials.Expires)
	assert.Equal(t, []string{"api", "read_user"}, res.Credentials.Scopes)
	assert.Equal(t, "Jane Doe", res.Info.Name)
	assert.Equal(t, "jane@example.com", res.Info.Email)
	assert.Equal(t, "jdoe", res.Info.Nickname)
	assert.Equal(t, "Berlin", res.Info.Location)
	assert.Equal(t, "https://gitlab.example.com/avatar.png", res.Info.Image)
	assert.Equal(t, "https://gitlab.example.com/jdoe", res.Info.URLs["GitLab"])
	assert.Equal(t, "https://jdoe.example.com", res.Info.URLs["Website"])
	assert.Equal(t, "tok-1", res.Extra.RawToken["access_token"])
	assert.Equal(t, "jdoe", res.Extra.RawProfile["username"])
}

func TestCompleteAuth_MissingCode(t *testing.T) {
	s := New(Config{})

	tx := newTransaction(url.Values{"state": {"st-1"}})
	err := s.CompleteAuth(context.Background(), tx)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeMissingCode))

	// exactly one error entry, nothing downstream ran
	require.Len(t, tx.Errors(), 1)
	assert.Equal(t, ErrMissingCode, tx.Errors()[0].Key)
}

func TestCompleteAuth_ProviderErrorVerbatim(t *testing.T) {
	errBody := `{"error":"invalid_grant","error_description":"The provided authorization grant is invalid"}`
	srv := newProviderServer(t, errBody, http.StatusUnauthorized, goodProfile, http.StatusOK)
	defer srv.Close()

	s := New(Config{Site: srv.URL})

	tx := newTransaction(url.Values{"code": {"bad-code"}})
	err := s.CompleteAuth(context.Background(), tx)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeProviderError))

	require.Len(t, tx.Errors(), 1)
	assert.Equal(t, ErrInvalidResponse, tx.Errors()[0].Key)
	assert.Equal(t, "invalid_grant: The provided authorization grant is invalid", tx.Errors()[0].Message)
}

func TestCompleteAuth_EmptyTokenResponse(t *testing.T) {
	srv := newProviderServer(t, `{}`, http.StatusOK, goodProfile, http.StatusOK)
	defer srv.Close()

	s := New(Config{Site: srv.URL})

	tx := newTransaction(url.Values{"code": {"the-code"}})
	err := s.CompleteAuth(context.Background(), tx)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeProviderError))
	require.Len(t, tx.Errors(), 1)
	assert.Equal(t, ErrInvalidResponse, tx.Errors()[0].Key)
}

func TestCompleteAuth_UnauthorizedBodyPreserved(t *testing.T) {
	userBody := `{"message":"401 Unauthorized"}`
	srv := newProviderServer(t, goodToken, http.StatusOK, userBody, http.StatusUnauthorized)
	defer srv.Close()

	s := New(Config{Site: srv.URL})

	tx := newTransaction(url.Values{"code": {"the-code"}})
	err := s.CompleteAuth(context.Background(), tx)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeUnauthorized))

	require.Len(t, tx.Errors(), 1)
	assert.Equal(t, ErrUnauthorized, tx.Errors()[0].Key)
	assert.Equal(t, userBody, tx.Errors()[0].Message)
}

func TestCompleteAuth_ProviderStatusError(t *testing.T) {
	srv := newProviderServer(t, goodToken, http.StatusOK, `{"message":"500 Internal Server Error"}`, http.StatusInternalServerError)
	defer srv.Close()

	s := New(Config{Site: srv.URL})

	tx := newTransaction(url.Values{"code": {"the-code"}})
	err := s.CompleteAuth(context.Background(), tx)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeProviderComm))

	require.Len(t, tx.Errors(), 1)
	assert.Equal(t, ErrProviderError, tx.Errors()[0].Key)
}

func TestCompleteAuth_ConnectionFailed(t *testing.T) {
	srv := newProviderServer(t, goodToken, http.StatusOK, goodProfile, http.StatusOK)
	srv.Close() // connection refused

	s := New(Config{Site: srv.URL})

	tx := newTransaction(url.Values{"code": {"the-code"}})
	err := s.CompleteAuth(context.Background(), tx)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeProviderTransport))

	// the recorded message is the coded message, not the full error chain
	require.Len(t, tx.Errors(), 1)
	assert.Equal(t, ErrConnectionFailed, tx.Errors()[0].Key)
	assert.Equal(t, "posting to token endpoint", tx.Errors()[0].Message)
}

func TestCompleteAuth_MalformedTokenBody(t *testing.T) {
	srv := newProviderServer(t, `<html>not json</html>`, http.StatusOK, goodProfile, http.StatusOK)
	defer srv.Close()

	s := New(Config{Site: srv.URL})

	tx := newTransaction(url.Values{"code": {"the-code"}})
	err := s.CompleteAuth(context.Background(), tx)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeTokenExchange))

	require.Len(t, tx.Errors(), 1)
	assert.Equal(t, ErrInvalidResponse, tx.Errors()[0].Key)
	assert.Equal(t, "decoding token response (status 200)", tx.Errors()[0].Message)
}

func TestCompleteAuth_MalformedProfileBody(t *testing.T) {
	srv := newProviderServer(t, goodToken, http.StatusOK, `not json`, http.StatusOK)
	defer srv.Close()

	s := New(Config{Site: srv.URL})

	tx := newTransaction(url.Values{"code": {"the-code"}})
	err := s.CompleteAuth(context.Background(), tx)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeAPIRequest))

	require.Len(t, tx.Errors(), 1)
	assert.Equal(t, ErrProviderError, tx.Errors()[0].Key)
	assert.Equal(t, "decoding user profile", tx.Errors()[0].Message)
}

func TestResult_UIDFieldOverride(t *testing.T) {
	srv := newProviderServer(t, goodToken, http.StatusOK, goodProfile, http.StatusOK)
	defer srv.Close()

	s := New(Config{Site: srv.URL, UIDField: "id"})

	tx := newTransaction(url.Values{"code": {"the-code"}})
	require.NoError(t, s.CompleteAuth(context.Background(), tx))

	res, err := s.Result(tx)
	require.NoError(t, err)
	assert.Equal(t, "42", res.UID)
}

func TestResult_EmptyScopeSplits(t *testing.T) {
	tokenBody := `{"access_token":"tok-1","token_type":"bearer"}`
	srv := newProviderServer(t, tokenBody, http.StatusOK, goodProfile, http.StatusOK)
	defer srv.Close()

	s := New(Config{Site: srv.URL})

	tx := newTransaction(url.Values{"code": {"the-code"}})
	require.NoError(t, s.CompleteAuth(context.Background(), tx))

	res, err := s.Result(tx)
	require.NoError(t, err)
	// an absent scope still yields a single-element list, mirroring the
	// empty wire value
	assert.Equal(t, []string{""}, res.Credentials.Scopes)
	assert.False(t, res.Credentials.Expires)
}

func TestResult_EmailFallback(t *testing.T) {
	profileBody := `{
		"id": 42,
		"username": "jdoe",
		"emails": [{"email":"old@example.com","primary":false},{"email":"new@example.com","primary":true}]
	}`
	srv := newProviderServer(t, goodToken, http.StatusOK, profileBody, http.StatusOK)
	defer srv.Close()

	s := New(Config{Site: srv.URL})

	tx := newTransaction(url.Values{"code": {"the-code"}})
	require.NoError(t, s.CompleteAuth(context.Background(), tx))

	res, err := s.Result(tx)
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", res.Info.Email)
}

func TestResult_WithoutCallbackPhase(t *testing.T) {
	s := New(Config{})

	_, err := s.Result(newTransaction(nil))
	assert.Error(t, err)
}

func TestCleanup(t *testing.T) {
	srv := newProviderServer(t, goodToken, http.StatusOK, goodProfile, http.StatusOK)
	defer srv.Close()

	s := New(Config{Site: srv.URL})

	tx := newTransaction(url.Values{"code": {"the-code"}})
	require.NoError(t, s.CompleteAuth(context.Background(), tx))

	s.Cleanup(tx)

	_, ok := tx.Get(txKeyToken)
	assert.False(t, ok)
	_, ok = tx.Get(txKeyProfile)
	assert.False(t, ok)

	_, err := s.Result(tx)
	assert.Error(t, err)

	// safe to call again on a drained transaction
	s.Cleanup(tx)
}

func TestCleanup_BeforeCallback(t *testing.T) {
	s := New(Config{})
	tx := newTransaction(nil)

	// must not panic on a transaction that never ran the callback phase
	s.Cleanup(tx)
	assert.False(t, tx.Failed())
}
