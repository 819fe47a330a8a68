package gitlab

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kmarchand/voucher/internal/shared/errors"
	"github.com/kmarchand/voucher/internal/shared/logger"
	"github.com/kmarchand/voucher/internal/shared/metrics"
	"github.com/kmarchand/voucher/internal/strategy"
)

// Name is the provider identifier this strategy registers under.
const Name = "gitlab"

// Error keys reported to the host on the transaction error sink.
const (
	ErrMissingCode      = "missing_code"
	ErrInvalidResponse  = "invalid_response"
	ErrUnauthorized     = "unauthorized"
	ErrConnectionFailed = "connection_failed"
	ErrProviderError    = "provider_error"
)

// Transaction store keys. Cleared by Cleanup after every attempt.
const (
	txKeyToken   = "gitlab.token"
	txKeyProfile = "gitlab.profile"
)

// Strategy implements the GitLab authorization-code flow.
type Strategy struct {
	client       *Client
	defaultScope string
	uidField     string

	log     *logger.Logger
	metrics *metrics.Metrics
}

var _ strategy.Strategy = (*Strategy)(nil)

// StrategyOption configures optional strategy collaborators.
type StrategyOption func(*Strategy)

// WithLogger sets the strategy logger.
func WithLogger(log *logger.Logger) StrategyOption {
	return func(s *Strategy) { s.log = log }
}

// WithMetrics sets the strategy metrics sink.
func WithMetrics(m *metrics.Metrics) StrategyOption {
	return func(s *Strategy) { s.metrics = m }
}

// WithClientOptions forwards options to the underlying OAuth2 client.
func WithClientOptions(opts ...Option) StrategyOption {
	return func(s *Strategy) {
		for _, opt := range opts {
			opt(s.client)
		}
	}
}

// New builds a GitLab strategy from process configuration.
func New(cfg Config, opts ...StrategyOption) *Strategy {
	s := &Strategy{
		client:       NewClient(cfg),
		defaultScope: cfg.DefaultScope,
		uidField:     cfg.UIDField,
		log:          logger.Default().WithComponent("strategy.gitlab"),
	}
	if s.defaultScope == "" {
		s.defaultScope = DefaultScope
	}
	if s.uidField == "" {
		s.uidField = DefaultUIDField
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Name returns the provider identifier.
func (s *Strategy) Name() string {
	return Name
}

// Client exposes the underlying OAuth2 client.
func (s *Strategy) Client() *Client {
	return s.client
}

// BeginAuth builds the provider authorization URL. A scope supplied on the
// incoming request overrides the configured default scope.
func (s *Strategy) BeginAuth(ctx context.Context, tx *strategy.Transaction) (string, error) {
	scope := tx.Params.Get("scope")
	if scope == "" {
		scope = s.defaultScope
	}
	state := tx.Params.Get("state")

	u := s.client.AuthorizeURL(tx.CallbackURL, scope, state)
	s.log.DebugContext(ctx, "authorization redirect built", "scope", scope)
	return u, nil
}

// CompleteAuth runs the callback phase: it exchanges the authorization code
// for a token, fetches the user profile, and stores both on the transaction.
// Every failure is recorded on the transaction as exactly one (key, message)
// entry and returned as a coded error.
func (s *Strategy) CompleteAuth(ctx context.Context, tx *strategy.Transaction) error {
	code := tx.Params.Get("code")
	if code == "" {
		return s.fail(ctx, tx, ErrMissingCode, errors.MissingCode("no authorization code received"))
	}

	tok, err := s.exchange(ctx, tx, code)
	if err != nil {
		return err
	}
	tx.Set(txKeyToken, tok)

	profile, err := s.fetchProfile(ctx, tx, tok)
	if err != nil {
		return err
	}
	tx.Set(txKeyProfile, profile)

	s.log.InfoContext(ctx, "callback completed", "uid_field", s.uidField)
	return nil
}

func (s *Strategy) exchange(ctx context.Context, tx *strategy.Transaction, code string) (*Token, error) {
	start := time.Now()
	tok, err := s.client.Exchange(ctx, code, tx.CallbackURL)
	if s.metrics != nil {
		s.metrics.RecordProviderCall(Name, "token_exchange", time.Since(start))
	}

	if err != nil {
		if errors.IsCode(err, errors.CodeProviderTransport) {
			return nil, s.fail(ctx, tx, ErrConnectionFailed, err)
		}
		return nil, s.fail(ctx, tx, ErrInvalidResponse, err)
	}

	if !tok.Valid() {
		// The provider rejected the exchange; surface its payload
		// verbatim rather than a generic message.
		msg := providerErrorMessage(tok)
		perr := errors.ProviderError(msg).WithDetails(map[string]string{
			"error":             tok.ErrorCode,
			"error_description": tok.ErrorDescription,
		})
		return nil, s.fail(ctx, tx, ErrInvalidResponse, perr)
	}

	return tok, nil
}

func (s *Strategy) fetchProfile(ctx context.Context, tx *strategy.Transaction, tok *Token) (*Profile, error) {
	start := time.Now()
	resp, err := s.client.Get(ctx, tok, s.client.userEndpoint)
	if s.metrics != nil {
		s.metrics.RecordProviderCall(Name, "user_profile", time.Since(start))
	}
	if err != nil {
		return nil, s.fail(ctx, tx, ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, s.fail(ctx, tx, ErrConnectionFailed,
			errors.ProviderTransport("reading profile response", err))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 400:
		profile, err := ParseProfile(body)
		if err != nil {
			return nil, s.fail(ctx, tx, ErrProviderError, err)
		}
		return profile, nil

	case resp.StatusCode == http.StatusUnauthorized:
		// The provider's response body is the message, preserved as-is.
		return nil, s.fail(ctx, tx, ErrUnauthorized, errors.Unauthorized(string(body)))

	default:
		return nil, s.fail(ctx, tx, ErrProviderError,
			errors.ProviderComm(fmt.Sprintf("provider returned status %d", resp.StatusCode)))
	}
}

// fail records the error on the transaction sink and the metrics/log
// channels, then returns it. Coded errors contribute their bare message;
// anything else falls back to Error().
func (s *Strategy) fail(ctx context.Context, tx *strategy.Transaction, key string, err error) error {
	msg := err.Error()
	var coded *errors.Error
	if stderrors.As(err, &coded) {
		msg = coded.Message
	}

	tx.Fail(key, msg)
	if s.metrics != nil {
		s.metrics.RecordAuthFailure(Name, key)
	}
	s.log.WithError(err).WarnContext(ctx, "authentication failed", "error_key", key)
	return err
}

func providerErrorMessage(tok *Token) string {
	switch {
	case tok.ErrorDescription != "" && tok.ErrorCode != "":
		return fmt.Sprintf("%s: %s", tok.ErrorCode, tok.ErrorDescription)
	case tok.ErrorDescription != "":
		return tok.ErrorDescription
	case tok.ErrorCode != "":
		return tok.ErrorCode
	default:
		return "token response contained no access token"
	}
}

// Result extracts the authentication result from a completed transaction.
func (s *Strategy) Result(tx *strategy.Transaction) (*strategy.Result, error) {
	tokVal, ok := tx.Get(txKeyToken)
	if !ok {
		return nil, errors.Internal("no token on transaction")
	}
	profVal, ok := tx.Get(txKeyProfile)
	if !ok {
		return nil, errors.Internal("no profile on transaction")
	}
	tok := tokVal.(*Token)
	profile := profVal.(*Profile)

	uid, _ := profile.Field(s.uidField)

	email, _ := profile.PrimaryEmail()

	urls := make(map[string]string)
	if profile.WebURL != "" {
		urls["GitLab"] = profile.WebURL
	}
	if profile.WebsiteURL != "" {
		urls["Website"] = profile.WebsiteURL
	}
	if len(urls) == 0 {
		urls = nil
	}

	return &strategy.Result{
		Provider: Name,
		UID:      uid,
		Credentials: strategy.Credentials{
			Token:        tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			ExpiresAt:    tok.ExpiresAt,
			Expires:      tok.Expires(),
			TokenType:    tok.TokenType,
			Scopes:       splitScopes(tok.Scope),
		},
		Info: strategy.Info{
			Name:     profile.Name,
			Email:    email,
			Nickname: profile.Username,
			Location: profile.Location,
			Image:    profile.AvatarURL,
			URLs:     urls,
		},
		Extra: strategy.Extra{
			RawToken:   tok.Raw,
			RawProfile: profile.Raw,
		},
	}, nil
}

// splitScopes splits the provider's comma-separated scope string. An empty
// scope yields a single empty element, mirroring the wire value.
func splitScopes(s string) []string {
	return strings.Split(s, ",")
}

// Cleanup clears per-attempt token and profile state. Safe to call whether
// the attempt succeeded, failed, or never ran the callback phase.
func (s *Strategy) Cleanup(tx *strategy.Transaction) {
	tx.Delete(txKeyToken)
	tx.Delete(txKeyProfile)
}
