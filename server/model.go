package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Cookie names shared with the browser. The token cookies live under a
// per-client-id namespace; the nonce/PKCE cookies are fixed.
const (
	NonceCookie     = "spa-auth-edge-nonce"
	NonceHmacCookie = "spa-auth-edge-nonce-hmac"
	PKCECookie      = "spa-auth-edge-pkce"
)

type cookieNames struct {
	lastUser     string
	scopes       string
	idToken      string
	idToken2     string
	accessToken  string
	refreshToken string
}

func namesFor(clientID, idTokenCookieName string) cookieNames {
	prefix := "idp." + clientID
	return cookieNames{
		lastUser:     prefix + ".LastAuthUser",
		scopes:       prefix + ".tokenScopesString",
		idToken:      prefix + ".idToken",
		idToken2:     idTokenCookieName,
		accessToken:  prefix + ".accessToken",
		refreshToken: prefix + ".refreshToken",
	}
}

// SessionView is the client-held session as read back from cookies. Absent
// cookies are empty strings; there is no server-side counterpart.
type SessionView struct {
	Username     string
	Scopes       string
	IDToken      string
	IDToken2     string
	AccessToken  string
	RefreshToken string
	Nonce        string
	NonceHmac    string
	PKCE         string
}

// TokenResponse is the JSON body returned by the IDP token endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
}

// IntrospectionResponse is the JSON body returned by the IDP introspection
// endpoint. Only activeness matters to the gateway.
type IntrospectionResponse struct {
	Active bool `json:"active"`
}

// StatePayload travels through the IDP as the OAuth2 state parameter,
// binding the sign-in redirect to its later callback.
type StatePayload struct {
	Nonce        string `json:"nonce"`
	RequestedURI string `json:"requestedUri"`
}

// EncodeState serializes the payload as URL-safe base64 JSON. Plain JSON in
// the state parameter breaks IDP hosted UIs that URL-decode it, so it is
// always wrapped.
func EncodeState(payload StatePayload) string {
	b, _ := json.Marshal(payload)
	return urlSafe(base64.StdEncoding.EncodeToString(b))
}

// DecodeState reverses EncodeState.
func DecodeState(state string) (StatePayload, error) {
	b, err := base64.RawStdEncoding.DecodeString(urlUnsafe(state))
	if err != nil {
		return StatePayload{}, fmt.Errorf("decode state: %w", err)
	}
	var payload StatePayload
	if err := json.Unmarshal(b, &payload); err != nil {
		return StatePayload{}, fmt.Errorf("parse state: %w", err)
	}
	return payload, nil
}

func urlUnsafe(s string) string {
	s = strings.ReplaceAll(s, "-", "+")
	return strings.ReplaceAll(s, "_", "/")
}

// EnsureValidRedirectPath confines a requested URI to a local path, so the
// gateway never becomes an open redirector.
func EnsureValidRedirectPath(path string) string {
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "//") {
		return "/"
	}
	return path
}
