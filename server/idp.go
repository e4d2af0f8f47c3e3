package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const maxIDPAttempts = 5

// BackoffFunc returns how long to wait before the next attempt, given how
// many attempts have already failed.
type BackoffFunc func(failed int) time.Duration

// DefaultBackoff keeps the first two attempts immediate and then backs off
// exponentially with jitter: 25ms x (2^failed + random x failed).
func DefaultBackoff(failed int) time.Duration {
	if failed < 2 {
		return 0
	}
	factor := math.Pow(2, float64(failed)) + rand.Float64()*float64(failed)
	return time.Duration(factor * float64(25*time.Millisecond))
}

// IDPClient talks to the identity provider. The underlying http.Client keeps
// connections alive across handler invocations; everything else is
// per-request state.
type IDPClient struct {
	cfg         Config
	client      *http.Client
	logger      *slog.Logger
	maxAttempts int
	backoff     BackoffFunc
}

// NewIDPClient builds the shared IDP client with a keep-alive pool.
func NewIDPClient(cfg Config, logger *slog.Logger) *IDPClient {
	return &IDPClient{
		cfg: cfg,
		client: &http.Client{
			Timeout: 4 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 4 * time.Second,
			},
		},
		logger:      logger,
		maxAttempts: maxIDPAttempts,
		backoff:     DefaultBackoff,
	}
}

// Exchange trades an authorization code plus PKCE verifier for tokens.
func (c *IDPClient) Exchange(ctx context.Context, code, verifier, redirectURI string) (TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("redirect_uri", redirectURI)
	form.Set("code", code)
	form.Set("code_verifier", verifier)

	var tokens TokenResponse
	if err := c.callJSON(ctx, http.MethodPost, c.cfg.AccessTokenEndpoint, form, &tokens); err != nil {
		return TokenResponse{}, fmt.Errorf("exchange code: %w", err)
	}
	if tokens.AccessToken == "" {
		return TokenResponse{}, errors.New("exchange code: no access token in response")
	}
	return tokens, nil
}

// Refresh trades a refresh token for fresh access (and possibly id) tokens.
func (c *IDPClient) Refresh(ctx context.Context, refreshToken string) (TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("refresh_token", refreshToken)

	var tokens TokenResponse
	if err := c.callJSON(ctx, http.MethodPost, c.cfg.AccessTokenEndpoint, form, &tokens); err != nil {
		return TokenResponse{}, fmt.Errorf("refresh tokens: %w", err)
	}
	if tokens.AccessToken == "" {
		return TokenResponse{}, errors.New("refresh tokens: no access token in response")
	}
	return tokens, nil
}

// Introspect asks the IDP whether an access token is currently active. The
// token's validity is never determined locally.
func (c *IDPClient) Introspect(ctx context.Context, accessToken string) (IntrospectionResponse, error) {
	form := url.Values{}
	form.Set("token", accessToken)

	var result IntrospectionResponse
	if err := c.callJSON(ctx, http.MethodPost, c.cfg.IntrospectEndpoint, form, &result); err != nil {
		return IntrospectionResponse{}, fmt.Errorf("introspect token: %w", err)
	}
	return result, nil
}

// AuthorizeURL builds the IDP authorization request for the full sign-in
// redirect, carrying the PKCE challenge and the encoded state.
func (c *IDPClient) AuthorizeURL(redirectURI, state string, pkce PKCEPair) string {
	oauthCfg := &oauth2.Config{
		ClientID:    c.cfg.ClientID,
		RedirectURL: redirectURI,
		Scopes:      c.cfg.OAuthScopes,
		Endpoint:    oauth2.Endpoint{AuthURL: c.cfg.AuthEndpoint},
	}
	return oauthCfg.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oauth2.SetAuthURLParam("code_challenge", pkce.Challenge),
	)
}

// EndSessionURL builds the IDP logout redirect.
func (c *IDPClient) EndSessionURL(logoutURI string) string {
	q := url.Values{}
	q.Set("logout_uri", logoutURI)
	q.Set("client_id", c.cfg.ClientID)
	return c.cfg.PingEndSessionEndpoint + "?" + q.Encode()
}

// callJSON performs a form-encoded call with bounded retries. Any non-200
// status, non-JSON content type, malformed body, or transport error counts
// as a retryable failure; after maxAttempts the last error is returned.
func (c *IDPClient) callJSON(ctx context.Context, method, endpoint string, form url.Values, out any) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			wait := c.backoff(attempt - 1)
			if wait > 0 {
				c.logger.Debug("backing off before retrying idp call", "endpoint", endpoint, "attempt", attempt, "wait", wait)
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}

		lastErr = c.callOnce(ctx, method, endpoint, form, out)
		if lastErr == nil {
			return nil
		}
		c.logger.Debug("idp call failed", "endpoint", endpoint, "attempt", attempt, "error", lastErr)
	}
	c.logger.Error("idp call exhausted retries", "endpoint", endpoint, "attempts", c.maxAttempts, "error", lastErr)
	return lastErr
}

func (c *IDPClient) callOnce(ctx context.Context, method, endpoint string, form url.Values, out any) error {
	var body io.Reader
	target := endpoint
	if method == http.MethodPost {
		body = strings.NewReader(form.Encode())
	} else if encoded := form.Encode(); encoded != "" {
		target = endpoint + "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if c.cfg.ClientSecret != "" {
		req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status is %d, expected 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		return fmt.Errorf("content-type is %q, expected application/json", ct)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
