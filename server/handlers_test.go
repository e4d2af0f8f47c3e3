package server

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestApp(cfg Config) *App {
	idp := NewIDPClient(cfg, discardLogger())
	idp.backoff = func(int) time.Duration { return 0 }
	keys := NewKeySet(KeySetConfig{URL: cfg.JWKSEndpoint, Audience: cfg.ClientID, Client: idp.client})
	return &App{Config: cfg, Logger: discardLogger(), IDP: idp, Keys: keys}
}

// issueNonce mints a fresh nonce and its cookie-borne signature, the way a
// previous redirect to the IDP would have.
func issueNonce(cfg Config) (string, string) {
	nonce := fmt.Sprintf("%dTabcdefghij-_.~xy", time.Now().Unix())
	return nonce, Sign(nonce, cfg.NonceSigningSecret, cfg.NonceLength)
}

func setCookieValue(t *testing.T, headers []string, name string) string {
	t.Helper()
	for _, h := range headers {
		if rest, ok := strings.CutPrefix(h, name+"="); ok {
			raw, _, _ := strings.Cut(rest, ";")
			decoded, err := url.QueryUnescape(raw)
			if err != nil {
				t.Fatalf("unescape %s cookie: %v", name, err)
			}
			return decoded
		}
	}
	t.Fatalf("no Set-Cookie for %s in %v", name, headers)
	return ""
}

func TestCheckAuthNoCookiesStartsSignIn(t *testing.T) {
	cfg := validTestConfig()
	app := newTestApp(cfg)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("origin must not be reached without a session")
	})
	req := httptest.NewRequest(http.MethodGet, "https://app.example.com/dashboard?tab=1", nil)
	rr := httptest.NewRecorder()
	app.CheckAuth(next).ServeHTTP(rr, req)

	if rr.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status %d, expected 307", rr.Code)
	}
	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if !strings.HasPrefix(loc.String(), cfg.AuthEndpoint) {
		t.Fatalf("redirect not to auth endpoint: %s", loc)
	}
	q := loc.Query()
	if q.Get("redirect_uri") != "https://app.example.com/parseauth" {
		t.Fatalf("redirect_uri: %q", q.Get("redirect_uri"))
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Fatalf("code_challenge_method: %q", q.Get("code_challenge_method"))
	}

	payload, err := DecodeState(q.Get("state"))
	if err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if payload.RequestedURI != "/dashboard?tab=1" {
		t.Fatalf("requested uri in state: %q", payload.RequestedURI)
	}

	setCookies := rr.Header().Values("Set-Cookie")
	nonce := setCookieValue(t, setCookies, NonceCookie)
	if nonce != payload.Nonce {
		t.Fatalf("nonce cookie %q does not match state nonce %q", nonce, payload.Nonce)
	}
	hmac := setCookieValue(t, setCookies, NonceHmacCookie)
	if hmac != Sign(nonce, cfg.NonceSigningSecret, cfg.NonceLength) {
		t.Fatalf("nonce hmac cookie does not recompute: %q", hmac)
	}
	verifier := setCookieValue(t, setCookies, PKCECookie)
	hash := sha256.Sum256([]byte(verifier))
	if q.Get("code_challenge") != base64.RawURLEncoding.EncodeToString(hash[:]) {
		t.Fatalf("code_challenge does not match pkce verifier cookie")
	}
}

func TestCheckAuthInactiveTokenRedirectsToRefresh(t *testing.T) {
	introspect := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(IntrospectionResponse{Active: false})
	}))
	defer introspect.Close()

	cfg := validTestConfig()
	cfg.IntrospectEndpoint = introspect.URL
	app := newTestApp(cfg)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("origin must not be reached with an inactive token")
	})
	req := httptest.NewRequest(http.MethodGet, "https://app.example.com/reports", nil)
	req.Header.Set("Cookie", "idp.client-abc.accessToken=stale-token")
	rr := httptest.NewRecorder()
	app.CheckAuth(next).ServeHTTP(rr, req)

	if rr.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status %d, expected 307", rr.Code)
	}
	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if loc.Path != cfg.RedirectPathAuthRefresh {
		t.Fatalf("redirect path: %q", loc.Path)
	}
	if loc.Query().Get("requestedUri") != "/reports" {
		t.Fatalf("requestedUri: %q", loc.Query().Get("requestedUri"))
	}
	nonce := loc.Query().Get("nonce")
	if nonce == "" {
		t.Fatalf("no nonce in refresh redirect")
	}
	if got := setCookieValue(t, rr.Header().Values("Set-Cookie"), NonceCookie); got != nonce {
		t.Fatalf("nonce cookie %q does not match query nonce %q", got, nonce)
	}
}

func TestCheckAuthExpiredIDTokenStillAllowed(t *testing.T) {
	key := newSigningKey(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/introspect", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(IntrospectionResponse{Active: true})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(jwksJSON(t, "kid-1", key))
	})
	idpSrv := httptest.NewServer(mux)
	defer idpSrv.Close()

	cfg := validTestConfig()
	cfg.IntrospectEndpoint = idpSrv.URL + "/introspect"
	cfg.JWKSEndpoint = idpSrv.URL + "/jwks"
	app := newTestApp(cfg)

	expired := signIDToken(t, key, "kid-1", baseClaims("client-abc", "", time.Now().Add(-time.Hour)))

	var reached atomic.Bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached.Store(true)
		if got := r.Header.Get(originAuthHeader); got != "Bearer "+expired {
			t.Errorf("origin auth header: %q", got)
		}
		w.WriteHeader(http.StatusOK)
	})
	req := httptest.NewRequest(http.MethodGet, "https://app.example.com/reports", nil)
	req.Header.Set("Cookie", "idp.client-abc.accessToken=live-token; idp.client-abc.idToken="+expired)
	rr := httptest.NewRecorder()
	app.CheckAuth(next).ServeHTTP(rr, req)

	if !reached.Load() {
		t.Fatalf("request with active access token and expired id token was blocked: %d", rr.Code)
	}
}

func TestCheckAuthForgedIDTokenDenied(t *testing.T) {
	key := newSigningKey(t)
	forger := newSigningKey(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/introspect", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(IntrospectionResponse{Active: true})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(jwksJSON(t, "kid-1", key))
	})
	idpSrv := httptest.NewServer(mux)
	defer idpSrv.Close()

	cfg := validTestConfig()
	cfg.IntrospectEndpoint = idpSrv.URL + "/introspect"
	cfg.JWKSEndpoint = idpSrv.URL + "/jwks"
	app := newTestApp(cfg)

	forged := signIDToken(t, forger, "kid-1", baseClaims("client-abc", "", time.Now().Add(time.Hour)))
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("origin must not be reached with a forged id token")
	})
	req := httptest.NewRequest(http.MethodGet, "https://app.example.com/reports", nil)
	req.Header.Set("Cookie", "idp.client-abc.accessToken=live-token; idp.client-abc.idToken="+forged)
	rr := httptest.NewRecorder()
	app.CheckAuth(next).ServeHTTP(rr, req)

	if rr.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status %d, expected redirect to sign-in", rr.Code)
	}
	if !strings.HasPrefix(rr.Header().Get("Location"), cfg.AuthEndpoint) {
		t.Fatalf("redirect not to auth endpoint: %s", rr.Header().Get("Location"))
	}
}

func TestCheckAuthRewritesSPADeepLinks(t *testing.T) {
	key := newSigningKey(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/introspect", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(IntrospectionResponse{Active: true})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(jwksJSON(t, "kid-1", key))
	})
	idpSrv := httptest.NewServer(mux)
	defer idpSrv.Close()

	cfg := validTestConfig()
	cfg.IntrospectEndpoint = idpSrv.URL + "/introspect"
	cfg.JWKSEndpoint = idpSrv.URL + "/jwks"
	cfg.StaticContentPathPattern = "/app/"
	cfg.StaticContentRootObject = "/index.html"
	app := newTestApp(cfg)

	idToken := signIDToken(t, key, "kid-1", baseClaims("client-abc", "", time.Now().Add(time.Hour)))
	cookie := "idp.client-abc.accessToken=live-token; idp.client-abc.idToken=" + idToken

	var seenPath string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPath = r.URL.Path
	})

	req := httptest.NewRequest(http.MethodGet, "https://app.example.com/app/settings/profile", nil)
	req.Header.Set("Cookie", cookie)
	app.CheckAuth(next).ServeHTTP(httptest.NewRecorder(), req)
	if seenPath != "/index.html" {
		t.Fatalf("deep link not rewritten: %q", seenPath)
	}

	// A path with an extension is a real asset and passes through untouched.
	req = httptest.NewRequest(http.MethodGet, "https://app.example.com/app/logo.svg", nil)
	req.Header.Set("Cookie", cookie)
	app.CheckAuth(next).ServeHTTP(httptest.NewRecorder(), req)
	if seenPath != "/app/logo.svg" {
		t.Fatalf("asset path rewritten: %q", seenPath)
	}
}

func TestHandleParseAuthHappyPath(t *testing.T) {
	idToken, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"email": "alice@example.com",
		"sub":   "user-1",
	}).SignedString([]byte("irrelevant"))

	var exchangeForm url.Values
	token := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		exchangeForm, _ = url.ParseQuery(string(body))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(TokenResponse{AccessToken: "at-new", IDToken: idToken, RefreshToken: "rt-new"})
	}))
	defer token.Close()

	cfg := validTestConfig()
	cfg.AccessTokenEndpoint = token.URL
	app := newTestApp(cfg)

	nonce, hmac := issueNonce(cfg)
	state := EncodeState(StatePayload{Nonce: nonce, RequestedURI: "/dashboard"})
	req := httptest.NewRequest(http.MethodGet, "https://app.example.com/parseauth?code=auth-code&state="+url.QueryEscape(state), nil)
	req.Header.Set("Cookie",
		NonceCookie+"="+url.QueryEscape(nonce)+"; "+
			NonceHmacCookie+"="+url.QueryEscape(hmac)+"; "+
			PKCECookie+"=the-verifier")
	rr := httptest.NewRecorder()
	app.HandleParseAuth(rr, req)

	if rr.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status %d, expected 307; body: %s", rr.Code, rr.Body.String())
	}
	if loc := rr.Header().Get("Location"); loc != "/dashboard" {
		t.Fatalf("location: %q", loc)
	}
	if exchangeForm.Get("code") != "auth-code" || exchangeForm.Get("code_verifier") != "the-verifier" {
		t.Fatalf("exchange form: %v", exchangeForm)
	}
	if exchangeForm.Get("redirect_uri") != "https://app.example.com/parseauth" {
		t.Fatalf("exchange redirect_uri: %q", exchangeForm.Get("redirect_uri"))
	}

	setCookies := rr.Header().Values("Set-Cookie")
	if got := setCookieValue(t, setCookies, "idp.client-abc.accessToken"); got != "at-new" {
		t.Fatalf("access token cookie: %q", got)
	}
	if got := setCookieValue(t, setCookies, "idp.client-abc.LastAuthUser"); got != "alice@example.com" {
		t.Fatalf("last auth user cookie: %q", got)
	}
	if got := setCookieValue(t, setCookies, cfg.IDTokenCookieName); got != idToken {
		t.Fatalf("second id token cookie: %q", got)
	}
}

func TestHandleParseAuthNonceMismatchNeverExchanges(t *testing.T) {
	var exchanges atomic.Int32
	token := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exchanges.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(TokenResponse{AccessToken: "at"})
	}))
	defer token.Close()

	cfg := validTestConfig()
	cfg.AccessTokenEndpoint = token.URL
	app := newTestApp(cfg)

	nonce, _ := issueNonce(cfg)
	state := EncodeState(StatePayload{Nonce: nonce, RequestedURI: "/dashboard"})

	cases := []struct {
		name   string
		cookie string
	}{
		{"no nonce cookies", ""},
		{"wrong nonce", NonceCookie + "=" + url.QueryEscape("1700000000Tother") + "; " + NonceHmacCookie + "=x"},
		{"bad hmac", NonceCookie + "=" + url.QueryEscape(nonce) + "; " + NonceHmacCookie + "=forged"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "https://app.example.com/parseauth?code=c&state="+url.QueryEscape(state), nil)
		if tc.cookie != "" {
			req.Header.Set("Cookie", tc.cookie)
		}
		rr := httptest.NewRecorder()
		app.HandleParseAuth(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("%s: status %d, expected error page with 200", tc.name, rr.Code)
		}
		if loc := rr.Header().Get("Location"); loc != "" {
			t.Fatalf("%s: nonce failure must not redirect, got Location %q", tc.name, loc)
		}
		if !strings.Contains(rr.Body.String(), "Sign-in failed") {
			t.Fatalf("%s: no error page in body", tc.name)
		}
	}
	if exchanges.Load() != 0 {
		t.Fatalf("token endpoint called %d times despite invalid nonce", exchanges.Load())
	}
}

func TestHandleParseAuthExpiredNonceRejected(t *testing.T) {
	cfg := validTestConfig()
	cfg.NonceMaxAge = 60
	app := newTestApp(cfg)

	old := fmt.Sprintf("%dTabcdefghij-_.~xy", time.Now().Add(-2*time.Minute).Unix())
	hmac := Sign(old, cfg.NonceSigningSecret, cfg.NonceLength)
	state := EncodeState(StatePayload{Nonce: old, RequestedURI: "/"})

	req := httptest.NewRequest(http.MethodGet, "https://app.example.com/parseauth?code=c&state="+url.QueryEscape(state), nil)
	req.Header.Set("Cookie", NonceCookie+"="+url.QueryEscape(old)+"; "+NonceHmacCookie+"="+url.QueryEscape(hmac))
	rr := httptest.NewRecorder()
	app.HandleParseAuth(rr, req)

	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "Sign-in failed") {
		t.Fatalf("expired nonce not rejected: %d %s", rr.Code, rr.Body.String())
	}
}

func TestHandleParseAuthIDPErrorEscaped(t *testing.T) {
	cfg := validTestConfig()
	app := newTestApp(cfg)

	q := url.Values{}
	q.Set("error", "access_denied")
	q.Set("error_description", "<script>alert(1)</script>")
	req := httptest.NewRequest(http.MethodGet, "https://app.example.com/parseauth?"+q.Encode(), nil)
	rr := httptest.NewRecorder()
	app.HandleParseAuth(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	body := rr.Body.String()
	if strings.Contains(body, "<script>") {
		t.Fatalf("idp error interpolated unescaped")
	}
	if !strings.Contains(body, "access_denied") {
		t.Fatalf("idp error code missing from page")
	}
}

func TestHandleParseAuthClampsRedirect(t *testing.T) {
	idToken, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u"}).SignedString([]byte("k"))
	token := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(TokenResponse{AccessToken: "at", IDToken: idToken})
	}))
	defer token.Close()

	cfg := validTestConfig()
	cfg.AccessTokenEndpoint = token.URL
	app := newTestApp(cfg)

	nonce, hmac := issueNonce(cfg)
	state := EncodeState(StatePayload{Nonce: nonce, RequestedURI: "//evil.example.com/phish"})
	req := httptest.NewRequest(http.MethodGet, "https://app.example.com/parseauth?code=c&state="+url.QueryEscape(state), nil)
	req.Header.Set("Cookie", NonceCookie+"="+url.QueryEscape(nonce)+"; "+NonceHmacCookie+"="+url.QueryEscape(hmac)+"; "+PKCECookie+"=v")
	rr := httptest.NewRecorder()
	app.HandleParseAuth(rr, req)

	if rr.Code != http.StatusTemporaryRedirect || rr.Header().Get("Location") != "/" {
		t.Fatalf("open redirect not clamped: %d %q", rr.Code, rr.Header().Get("Location"))
	}
}

func TestHandleRefreshAuthHappyPath(t *testing.T) {
	var refreshForm url.Values
	token := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		refreshForm, _ = url.ParseQuery(string(body))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(TokenResponse{AccessToken: "at-fresh", IDToken: "", RefreshToken: "rt-rotated"})
	}))
	defer token.Close()

	cfg := validTestConfig()
	cfg.AccessTokenEndpoint = token.URL
	app := newTestApp(cfg)

	nonce, hmac := issueNonce(cfg)
	q := url.Values{}
	q.Set("requestedUri", "/reports")
	q.Set("nonce", nonce)
	req := httptest.NewRequest(http.MethodGet, "https://app.example.com/refreshauth?"+q.Encode(), nil)
	req.Header.Set("Cookie",
		NonceCookie+"="+url.QueryEscape(nonce)+"; "+
			NonceHmacCookie+"="+url.QueryEscape(hmac)+"; "+
			"idp.client-abc.refreshToken=rt-old")
	rr := httptest.NewRecorder()
	app.HandleRefreshAuth(rr, req)

	if rr.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status %d; body: %s", rr.Code, rr.Body.String())
	}
	if loc := rr.Header().Get("Location"); loc != "/reports" {
		t.Fatalf("location: %q", loc)
	}
	if refreshForm.Get("grant_type") != "refresh_token" || refreshForm.Get("refresh_token") != "rt-old" {
		t.Fatalf("refresh form: %v", refreshForm)
	}
	setCookies := rr.Header().Values("Set-Cookie")
	if got := setCookieValue(t, setCookies, "idp.client-abc.accessToken"); got != "at-fresh" {
		t.Fatalf("access token cookie: %q", got)
	}
	if got := setCookieValue(t, setCookies, "idp.client-abc.refreshToken"); got != "rt-rotated" {
		t.Fatalf("refresh token cookie: %q", got)
	}
}

func TestHandleRefreshAuthFallsBackToSignIn(t *testing.T) {
	token := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer token.Close()

	cfg := validTestConfig()
	cfg.AccessTokenEndpoint = token.URL
	app := newTestApp(cfg)

	nonce, hmac := issueNonce(cfg)
	q := url.Values{}
	q.Set("requestedUri", "/reports")
	q.Set("nonce", nonce)

	// A revoked refresh token and a missing one both fall back to sign-in.
	for _, cookie := range []string{
		NonceCookie + "=" + url.QueryEscape(nonce) + "; " + NonceHmacCookie + "=" + url.QueryEscape(hmac) + "; idp.client-abc.refreshToken=revoked",
		NonceCookie + "=" + url.QueryEscape(nonce) + "; " + NonceHmacCookie + "=" + url.QueryEscape(hmac),
	} {
		req := httptest.NewRequest(http.MethodGet, "https://app.example.com/refreshauth?"+q.Encode(), nil)
		req.Header.Set("Cookie", cookie)
		rr := httptest.NewRecorder()
		app.HandleRefreshAuth(rr, req)

		if rr.Code != http.StatusTemporaryRedirect {
			t.Fatalf("status %d", rr.Code)
		}
		if !strings.HasPrefix(rr.Header().Get("Location"), cfg.AuthEndpoint) {
			t.Fatalf("fallback not to auth endpoint: %q", rr.Header().Get("Location"))
		}
	}
}

func TestHandleRefreshAuthNonceMismatch(t *testing.T) {
	cfg := validTestConfig()
	app := newTestApp(cfg)

	nonce, _ := issueNonce(cfg)
	q := url.Values{}
	q.Set("requestedUri", "/reports")
	q.Set("nonce", nonce)
	req := httptest.NewRequest(http.MethodGet, "https://app.example.com/refreshauth?"+q.Encode(), nil)
	req.Header.Set("Cookie", NonceCookie+"="+url.QueryEscape(nonce)+"; "+NonceHmacCookie+"=forged; idp.client-abc.refreshToken=rt")
	rr := httptest.NewRecorder()
	app.HandleRefreshAuth(rr, req)

	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "Sign-in failed") {
		t.Fatalf("forged nonce hmac not rejected: %d", rr.Code)
	}
}

func TestHandleSignOut(t *testing.T) {
	cfg := validTestConfig()
	app := newTestApp(cfg)

	req := httptest.NewRequest(http.MethodGet, "https://app.example.com/signout", nil)
	req.Header.Set("Cookie", "idp.client-abc.accessToken=at")
	rr := httptest.NewRecorder()
	app.HandleSignOut(rr, req)

	if rr.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status %d", rr.Code)
	}
	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if !strings.HasPrefix(loc.String(), cfg.PingEndSessionEndpoint) {
		t.Fatalf("redirect not to end-session endpoint: %s", loc)
	}
	if q := loc.Query(); q.Get("client_id") != cfg.ClientID || q.Get("logout_uri") != "https://app.example.com/" {
		t.Fatalf("end-session params: %v", loc.Query())
	}

	setCookies := rr.Header().Values("Set-Cookie")
	if len(setCookies) == 0 {
		t.Fatalf("no cookies expired on sign-out")
	}
	for _, h := range setCookies {
		if !strings.Contains(h, epochExpires) {
			t.Fatalf("cookie not expired: %q", h)
		}
	}
}

func TestHandleSignOutAlreadySignedOut(t *testing.T) {
	cfg := validTestConfig()
	app := newTestApp(cfg)

	req := httptest.NewRequest(http.MethodGet, "https://app.example.com/signout", nil)
	rr := httptest.NewRecorder()
	app.HandleSignOut(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status %d, expected 200", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "Signed out") || !strings.Contains(body, "You are already signed out") {
		t.Fatalf("unexpected page body: %s", body)
	}
	if loc := rr.Header().Get("Location"); loc != "" {
		t.Fatalf("unexpected redirect: %q", loc)
	}
}

func TestExternalURLHonorsForwardedProto(t *testing.T) {
	cfg := validTestConfig()
	app := newTestApp(cfg)

	req := httptest.NewRequest(http.MethodGet, "https://app.example.com/x", nil)
	if got := app.externalURL(req, "/parseauth"); got != "https://app.example.com/parseauth" {
		t.Fatalf("default scheme: %q", got)
	}
	req.Header.Set("X-Forwarded-Proto", "http")
	if got := app.externalURL(req, "/parseauth"); got != "http://app.example.com/parseauth" {
		t.Fatalf("forwarded scheme: %q", got)
	}
}

func TestUsernameFromIDToken(t *testing.T) {
	withEmail, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"email": "a@b.c", "sub": "u1"}).SignedString([]byte("k"))
	if got := usernameFromIDToken(withEmail); got != "a@b.c" {
		t.Fatalf("email preferred: %q", got)
	}
	subOnly, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1"}).SignedString([]byte("k"))
	if got := usernameFromIDToken(subOnly); got != "u1" {
		t.Fatalf("sub fallback: %q", got)
	}
	if got := usernameFromIDToken(""); got != "" {
		t.Fatalf("empty token: %q", got)
	}
	if got := usernameFromIDToken("not.a.jwt"); got != "" {
		t.Fatalf("garbage token: %q", got)
	}
}
