package server

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ExtractSession parses every Cookie header occurrence on the request into
// the client-held session view. Missing cookies come back as empty strings;
// this never fails.
func ExtractSession(header http.Header, clientID, idTokenCookieName string) SessionView {
	cookies := parseCookieHeaders(header)
	names := namesFor(clientID, idTokenCookieName)
	return SessionView{
		Username:     cookies[names.lastUser],
		Scopes:       cookies[names.scopes],
		IDToken:      cookies[names.idToken],
		IDToken2:     cookies[names.idToken2],
		AccessToken:  cookies[names.accessToken],
		RefreshToken: cookies[names.refreshToken],
		Nonce:        cookies[NonceCookie],
		NonceHmac:    cookies[NonceHmacCookie],
		PKCE:         cookies[PKCECookie],
	}
}

// parseCookieHeaders flattens repeated Cookie headers into one map. Later
// occurrences of the same name win, matching browser behaviour of sending a
// single preferred value first being irrelevant here: the gateway only sets
// one cookie per name.
func parseCookieHeaders(header http.Header) map[string]string {
	out := map[string]string{}
	for _, line := range header.Values("Cookie") {
		for _, part := range strings.Split(line, ";") {
			name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
			if !ok || name == "" {
				continue
			}
			value = strings.Trim(value, `"`)
			if decoded, err := url.QueryUnescape(value); err == nil {
				value = decoded
			}
			out[name] = value
		}
	}
	return out
}

type cookieEvent int

const (
	eventSignIn cookieEvent = iota
	eventRefresh
	eventSignOut
)

// SignInCookies builds the Set-Cookie values issued after a successful
// authorization-code exchange.
func SignInCookies(cfg Config, tokens TokenResponse, username string) []string {
	return generateCookieHeaders(cfg, eventSignIn, tokens, username)
}

// RefreshCookies builds the Set-Cookie values issued after a successful
// refresh-token exchange.
func RefreshCookies(cfg Config, tokens TokenResponse) []string {
	return generateCookieHeaders(cfg, eventRefresh, tokens, "")
}

// SignOutCookies expires the whole session: every token cookie is blanked
// with an Expires in the past.
func SignOutCookies(cfg Config) []string {
	return generateCookieHeaders(cfg, eventSignOut, TokenResponse{AccessToken: "-"}, "")
}

// NonceCookies builds the Set-Cookie values carrying a fresh nonce and its
// HMAC toward the browser, ahead of a redirect to the IDP or refresh path.
func NonceCookies(cfg Config, nonce string) []string {
	return []string{
		NonceCookie + "=" + url.QueryEscape(nonce) + "; " + cfg.CookieSettings.Nonce,
		NonceHmacCookie + "=" + url.QueryEscape(Sign(nonce, cfg.NonceSigningSecret, cfg.NonceLength)) + "; " + cfg.CookieSettings.Nonce,
	}
}

// PKCECookieHeader stores the PKCE verifier until the IDP redirects back.
func PKCECookieHeader(cfg Config, verifier string) string {
	return PKCECookie + "=" + url.QueryEscape(verifier) + "; " + cfg.CookieSettings.Nonce
}

func generateCookieHeaders(cfg Config, event cookieEvent, tokens TokenResponse, username string) []string {
	names := namesFor(cfg.ClientID, cfg.IDTokenCookieName)

	type pair struct {
		name  string
		value string
	}
	var cookies []pair

	cookies = append(cookies, pair{names.scopes, strings.Join(cfg.OAuthScopes, " ") + "; " + cfg.CookieSettings.AccessToken})
	cookies = append(cookies, pair{names.accessToken, tokens.AccessToken + "; " + cfg.CookieSettings.AccessToken})
	if tokens.IDToken != "" {
		cookies = append(cookies, pair{names.idToken, tokens.IDToken + "; " + cfg.CookieSettings.IDToken})
		cookies = append(cookies, pair{names.idToken2, tokens.IDToken + "; " + cfg.CookieSettings.IDToken})
	}
	if tokens.RefreshToken != "" {
		cookies = append(cookies, pair{names.refreshToken, tokens.RefreshToken + "; " + cfg.CookieSettings.RefreshToken})
	}
	if username != "" {
		cookies = append(cookies, pair{names.lastUser, username + "; " + cfg.CookieSettings.IDToken})
	}

	if event == eventSignOut {
		for i := range cookies {
			cookies[i].value = expireCookie(cookies[i].value)
		}
	}

	// The nonce, nonce-hmac and pkce cookies are expired on every event:
	// after sign-in they have been consumed, after refresh a leftover nonce
	// is stale, and sign-out clears everything anyway.
	for _, name := range []string{NonceCookie, NonceHmacCookie, PKCECookie} {
		cookies = append(cookies, pair{name, expireCookie("; " + cfg.CookieSettings.Nonce)})
	}

	out := make([]string, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, c.name+"="+c.value)
	}
	return out
}

var epochExpires = "Expires=" + time.Unix(0, 0).UTC().Format(http.TimeFormat)

// expireCookie blanks a cookie value and rewrites its attributes so that
// exactly one Expires remains, set to the epoch, and no Max-Age survives.
func expireCookie(cookie string) string {
	parts := strings.Split(cookie, ";")
	settings := make([]string, 0, len(parts))
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if i == 0 {
			// First part is the value being cleared.
			continue
		}
		lower := strings.ToLower(part)
		if strings.HasPrefix(lower, "max-age") || strings.HasPrefix(lower, "expires") {
			continue
		}
		if part != "" {
			settings = append(settings, part)
		}
	}
	return strings.Join(append([]string{""}, append(settings, epochExpires)...), "; ")
}
