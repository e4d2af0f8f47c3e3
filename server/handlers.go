package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// originAuthHeader carries the bearer id token toward the origin once
// CheckAuth has allowed the request.
const originAuthHeader = "Authorization-Ltio"

// CheckAuth is the gatekeeper in front of the origin. It decides per request
// whether to pass through, silently refresh, or start a full sign-in.
func (a *App) CheckAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestedURI := r.URL.RequestURI()
		session := ExtractSession(r.Header, a.Config.ClientID, a.Config.IDTokenCookieName)

		if session.AccessToken == "" {
			a.Logger.Debug("no access token cookie, redirecting to sign-in")
			a.redirectToIDP(w, r, requestedURI)
			return
		}

		info, err := a.IDP.Introspect(r.Context(), session.AccessToken)
		if err != nil {
			a.Logger.Info("access denied", "error", err)
			a.redirectToIDP(w, r, requestedURI)
			return
		}
		if !info.Active {
			a.Logger.Debug("access token inactive, redirecting to refresh path")
			a.redirectToRefresh(w, r, requestedURI)
			return
		}

		if err := a.Keys.ValidateIDToken(r.Context(), session.IDToken); err != nil {
			if !errors.Is(err, ErrIDTokenExpired) {
				a.Logger.Info("access denied", "error", err)
				a.redirectToIDP(w, r, requestedURI)
				return
			}
			// The access token introspected active, which is what keeps the
			// session alive; an expired id token alone does not end it.
			a.Logger.Debug("id token expired, access still allowed", "error", err)
		}

		r.Header.Set(originAuthHeader, "Bearer "+session.IDToken)

		if pattern := a.Config.StaticContentPathPattern; pattern != "" &&
			strings.Contains(r.URL.Path, pattern) && !strings.Contains(r.URL.Path, ".") {
			r.URL.Path = a.Config.StaticContentRootObject
		}

		next.ServeHTTP(w, r)
	})
}

// HandleParseAuth completes the authorization-code exchange on the IDP's
// redirect back. Nonce failures render the error page and never redirect,
// which keeps a CSRF attempt from turning into a redirect loop.
func (a *App) HandleParseAuth(w http.ResponseWriter, r *http.Request) {
	session := ExtractSession(r.Header, a.Config.ClientID, a.Config.IDTokenCookieName)
	q := r.URL.Query()

	if idpErr := q.Get("error"); idpErr != "" {
		details := idpErr
		if desc := q.Get("error_description"); desc != "" {
			details += ": " + desc
		}
		a.renderSignInError(w, r, "The identity provider reported an error.", details)
		return
	}

	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" {
		a.renderSignInError(w, r, "The sign-in response is incomplete.", "missing code or state")
		return
	}

	payload, err := DecodeState(state)
	if err != nil {
		a.renderSignInError(w, r, "The sign-in response could not be read.", err.Error())
		return
	}
	requestedURI := EnsureValidRedirectPath(payload.RequestedURI)

	if err := a.validateNonce(payload.Nonce, session.Nonce, session.NonceHmac); err != nil {
		a.Logger.Warn("nonce validation failed", "error", err)
		a.renderSignInError(w, r, "Sign-in could not be verified. This may happen when your sign-in attempt took too long, or was started in another browser.", err.Error())
		return
	}

	redirectURI := a.externalURL(r, a.Config.RedirectPathSignIn)
	tokens, err := a.IDP.Exchange(r.Context(), code, session.PKCE, redirectURI)
	if err != nil {
		a.Logger.Error("token exchange failed", "error", err)
		a.renderSignInError(w, r, "The identity provider did not accept the sign-in.", err.Error())
		return
	}

	for _, cookie := range SignInCookies(a.Config, tokens, usernameFromIDToken(tokens.IDToken)) {
		w.Header().Add("Set-Cookie", cookie)
	}
	http.Redirect(w, r, requestedURI, http.StatusTemporaryRedirect)
}

// HandleRefreshAuth exchanges the refresh-token cookie for fresh tokens. If
// silent refresh is no longer possible the full sign-in flow takes over.
func (a *App) HandleRefreshAuth(w http.ResponseWriter, r *http.Request) {
	session := ExtractSession(r.Header, a.Config.ClientID, a.Config.IDTokenCookieName)
	q := r.URL.Query()
	requestedURI := EnsureValidRedirectPath(q.Get("requestedUri"))

	if err := a.validateNonce(q.Get("nonce"), session.Nonce, session.NonceHmac); err != nil {
		a.Logger.Warn("nonce validation failed", "error", err)
		a.renderSignInError(w, r, "The refresh request could not be verified.", err.Error())
		return
	}

	if session.RefreshToken == "" {
		a.Logger.Debug("no refresh token cookie, falling back to sign-in")
		a.redirectToIDP(w, r, requestedURI)
		return
	}

	tokens, err := a.IDP.Refresh(r.Context(), session.RefreshToken)
	if err != nil {
		a.Logger.Info("refresh failed, falling back to sign-in", "error", err)
		a.redirectToIDP(w, r, requestedURI)
		return
	}

	for _, cookie := range RefreshCookies(a.Config, tokens) {
		w.Header().Add("Set-Cookie", cookie)
	}
	http.Redirect(w, r, requestedURI, http.StatusTemporaryRedirect)
}

// HandleSignOut expires the whole session and sends the browser to the
// IDP's end-session endpoint.
func (a *App) HandleSignOut(w http.ResponseWriter, r *http.Request) {
	session := ExtractSession(r.Header, a.Config.ClientID, a.Config.IDTokenCookieName)
	logoutURI := a.externalURL(r, a.Config.RedirectPathSignOut)

	if session.AccessToken == "" {
		RenderErrorPage(w, http.StatusOK, ErrorPageData{
			Title:    "Signed out",
			Message:  "You are already signed out",
			LinkURI:  logoutURI,
			LinkText: "Proceed",
		})
		return
	}

	for _, cookie := range SignOutCookies(a.Config) {
		w.Header().Add("Set-Cookie", cookie)
	}
	http.Redirect(w, r, a.IDP.EndSessionURL(logoutURI), http.StatusTemporaryRedirect)
}

// redirectToIDP starts the full sign-in: fresh nonce and PKCE pair, matching
// cookies, and a 307 to the authorization endpoint with the requested URI
// folded into the state parameter.
func (a *App) redirectToIDP(w http.ResponseWriter, r *http.Request, requestedURI string) {
	nonce, err := NewNonce(a.Config.SecretAllowedCharacters, a.Config.NonceLength)
	if err != nil {
		a.renderSignInError(w, r, "Sign-in could not be started.", err.Error())
		return
	}
	pkce, err := NewPKCEPair(a.Config.SecretAllowedCharacters, a.Config.PKCELength)
	if err != nil {
		a.renderSignInError(w, r, "Sign-in could not be started.", err.Error())
		return
	}

	for _, cookie := range NonceCookies(a.Config, nonce) {
		w.Header().Add("Set-Cookie", cookie)
	}
	w.Header().Add("Set-Cookie", PKCECookieHeader(a.Config, pkce.Verifier))

	state := EncodeState(StatePayload{Nonce: nonce, RequestedURI: requestedURI})
	redirectURI := a.externalURL(r, a.Config.RedirectPathSignIn)
	http.Redirect(w, r, a.IDP.AuthorizeURL(redirectURI, state, pkce), http.StatusTemporaryRedirect)
}

// redirectToRefresh sends the browser to the refresh path with a fresh
// nonce. No PKCE is needed for the refresh grant.
func (a *App) redirectToRefresh(w http.ResponseWriter, r *http.Request, requestedURI string) {
	nonce, err := NewNonce(a.Config.SecretAllowedCharacters, a.Config.NonceLength)
	if err != nil {
		a.renderSignInError(w, r, "Session refresh could not be started.", err.Error())
		return
	}

	for _, cookie := range NonceCookies(a.Config, nonce) {
		w.Header().Add("Set-Cookie", cookie)
	}

	q := url.Values{}
	q.Set("requestedUri", requestedURI)
	q.Set("nonce", nonce)
	http.Redirect(w, r, a.externalURL(r, a.Config.RedirectPathAuthRefresh)+"?"+q.Encode(), http.StatusTemporaryRedirect)
}

// validateNonce checks that the nonce presented in the callback matches the
// nonce cookie, that its HMAC recomputes, and that it is not older than the
// configured window. Replay inside that window is accepted: the design is
// stateless and keeps no consumed-nonce store.
func (a *App) validateNonce(presented, cookieNonce, cookieHmac string) error {
	if presented == "" || cookieNonce == "" {
		return errors.New("nonce missing; your browser may not allow cookies")
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(cookieNonce)) != 1 {
		return errors.New("nonce mismatch")
	}
	calculated := Sign(presented, a.Config.NonceSigningSecret, a.Config.NonceLength)
	if subtle.ConstantTimeCompare([]byte(calculated), []byte(cookieHmac)) != 1 {
		return errors.New("nonce signature mismatch")
	}
	issued := NonceTimestamp(presented)
	if issued.IsZero() || time.Since(issued) > time.Duration(a.Config.NonceMaxAge)*time.Second {
		return fmt.Errorf("nonce expired, issued at %s", issued)
	}
	return nil
}

func (a *App) renderSignInError(w http.ResponseWriter, r *http.Request, message, details string) {
	RenderErrorPage(w, http.StatusOK, ErrorPageData{
		Title:      "Sign-in failed",
		Message:    message,
		ExpandText: "Click for details",
		Details:    details,
		LinkURI:    a.externalURL(r, a.Config.SignOutURL),
		LinkText:   "Try again",
	})
}

// externalURL rebuilds the browser-facing absolute URL for a gateway path.
// The edge always terminates TLS, so https is assumed unless the fronting
// layer says otherwise.
func (a *App) externalURL(r *http.Request, path string) string {
	scheme := "https"
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + path
}

// usernameFromIDToken pulls a display identity out of a fresh id token for
// the LastAuthUser cookie. The token was just received from the IDP over
// TLS; it is verified properly by CheckAuth on the next request.
func usernameFromIDToken(rawToken string) string {
	if rawToken == "" {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(rawToken, claims); err != nil {
		return ""
	}
	if email, ok := claims["email"].(string); ok && email != "" {
		return email
	}
	if sub, ok := claims["sub"].(string); ok {
		return sub
	}
	return ""
}
