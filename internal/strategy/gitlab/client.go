// Package gitlab implements the GitLab authentication strategy.
package gitlab

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	oauthgitlab "golang.org/x/oauth2/gitlab"

	"github.com/kmarchand/voucher/internal/shared/errors"
)

// Defaults for gitlab.com. Self-hosted instances override Site, which also
// rebases the authorize/token/user endpoints unless set explicitly.
const (
	DefaultSite         = "https://gitlab.com"
	DefaultUserEndpoint = "/api/v3/user"
	DefaultScope        = "api"
	DefaultUIDField     = "username"

	authorizePath = "/oauth/authorize"
	tokenPath     = "/oauth/token"

	defaultHTTPTimeout = 10 * time.Second
)

// Config holds process-level provider configuration, typically sourced from
// the environment at startup.
type Config struct {
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	Site         string        `mapstructure:"site"`
	AuthorizeURL string        `mapstructure:"authorize_url"`
	TokenURL     string        `mapstructure:"token_url"`
	UserEndpoint string        `mapstructure:"user_endpoint"`
	DefaultScope string        `mapstructure:"default_scope"`
	UIDField     string        `mapstructure:"uid_field"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout"`

	// SendSecretParam includes client_secret as a query parameter on
	// authenticated API calls. GitLab's historical API accepted this
	// alongside the bearer token; it is a deviation from standard
	// bearer-token usage and is off unless compatibility requires it.
	SendSecretParam bool `mapstructure:"send_secret_param"`
}

// Option overrides a single client setting. Options are applied last and
// win over both defaults and process configuration.
type Option func(*Client)

// WithSite overrides the provider base URL.
func WithSite(site string) Option {
	return func(c *Client) {
		c.setSite(site)
	}
}

// WithAuthorizeURL overrides the authorization endpoint.
func WithAuthorizeURL(u string) Option {
	return func(c *Client) { c.authorizeURL = u }
}

// WithTokenURL overrides the token endpoint.
func WithTokenURL(u string) Option {
	return func(c *Client) { c.tokenURL = u }
}

// WithUserEndpoint overrides the current-user endpoint path.
func WithUserEndpoint(path string) Option {
	return func(c *Client) { c.userEndpoint = path }
}

// WithHTTPClient overrides the HTTP client used for outbound calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Client is a configured OAuth2 client for one GitLab instance.
type Client struct {
	clientID     string
	clientSecret string

	site         string
	authorizeURL string
	tokenURL     string
	userEndpoint string

	sendSecretParam bool
	httpClient      *http.Client
}

// NewClient builds a client by merging, in order: gitlab.com defaults,
// process configuration, then caller-supplied options. Later sources win
// key by key. No network call is made.
func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		site:         DefaultSite,
		authorizeURL: oauthgitlab.Endpoint.AuthURL,
		tokenURL:     oauthgitlab.Endpoint.TokenURL,
		userEndpoint: DefaultUserEndpoint,
		httpClient:   &http.Client{Timeout: defaultHTTPTimeout},
	}

	c.clientID = cfg.ClientID
	c.clientSecret = cfg.ClientSecret
	c.sendSecretParam = cfg.SendSecretParam

	if cfg.Site != "" {
		c.setSite(cfg.Site)
	}
	if cfg.AuthorizeURL != "" {
		c.authorizeURL = cfg.AuthorizeURL
	}
	if cfg.TokenURL != "" {
		c.tokenURL = cfg.TokenURL
	}
	if cfg.UserEndpoint != "" {
		c.userEndpoint = cfg.UserEndpoint
	}
	if cfg.HTTPTimeout > 0 {
		c.httpClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// setSite rebases the site and the derived endpoints. Explicit endpoint
// overrides applied afterwards still win.
func (c *Client) setSite(site string) {
	c.site = strings.TrimRight(site, "/")
	c.authorizeURL = c.site + authorizePath
	c.tokenURL = c.site + tokenPath
}

// Site returns the configured provider base URL.
func (c *Client) Site() string {
	return c.site
}

// UserEndpoint returns the configured current-user endpoint.
func (c *Client) UserEndpoint() string {
	return c.userEndpoint
}

// AuthorizeURL builds the provider authorization URL for the standard
// authorization-code flow. It is a pure function of the client
// configuration and its arguments.
func (c *Client) AuthorizeURL(redirectURI, scope, state string) string {
	conf := &oauth2.Config{
		ClientID:    c.clientID,
		RedirectURL: redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.authorizeURL,
			TokenURL: c.tokenURL,
		},
	}

	var opts []oauth2.AuthCodeOption
	if scope != "" {
		opts = append(opts, oauth2.SetAuthURLParam("scope", scope))
	}

	return conf.AuthCodeURL(state, opts...)
}

// Exchange posts the authorization code to the token endpoint and decodes
// the JSON token response. A response that decodes but carries a provider
// error payload (or no access token) is returned as a Token so the caller
// can surface the provider's error/error_description verbatim; only
// transport and decode failures produce an error here.
func (c *Client) Exchange(ctx context.Context, code, redirectURI string) (*Token, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.TokenExchange("building token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.ProviderTransport("posting to token endpoint", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.TokenExchange("reading token response", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errors.TokenExchange(
			fmt.Sprintf("decoding token response (status %d)", resp.StatusCode), err)
	}

	return tokenFromRaw(raw), nil
}

// Get performs an authenticated GET against the provider API. The path is
// resolved against the configured site. When SendSecretParam is set the
// client secret is added as a query parameter in addition to the bearer
// token, matching GitLab's historical auth convention.
func (c *Client) Get(ctx context.Context, tok *Token, path string) (*http.Response, error) {
	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = c.site + path
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, errors.APIRequest("parsing API URL", err)
	}

	if c.sendSecretParam {
		q := u.Query()
		q.Set("client_secret", c.clientSecret)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.APIRequest("building API request", err)
	}

	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	req.Header.Set("Authorization", tokenType+" "+tok.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.ProviderTransport("calling provider API", err)
	}

	return resp, nil
}
