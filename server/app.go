package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/go-chi/chi/v5"
)

// App bundles the resolved configuration and the shared, read-only runtime
// pieces every handler invocation uses.
type App struct {
	Config Config
	Logger *slog.Logger
	IDP    *IDPClient
	Keys   *KeySet
	Origin http.Handler
}

// NewApp resolves the configuration (discovery included) and wires the
// runtime. It fails closed: no App, no requests served.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	cfg, err := DiscoverEndpoints(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("resolve config: %w", err)
	}

	idp := NewIDPClient(cfg, logger)
	keys := NewKeySet(KeySetConfig{
		URL:      cfg.JWKSEndpoint,
		Issuer:   cfg.Issuer,
		Audience: cfg.ClientID,
		Client:   idp.client,
	})

	target, err := url.Parse(cfg.OriginURL)
	if err != nil {
		return nil, fmt.Errorf("parse origin url: %w", err)
	}
	origin := httputil.NewSingleHostReverseProxy(target)
	origin.ErrorHandler = func(w http.ResponseWriter, r *http.Request, perr error) {
		logger.Error("origin request failed", "error", perr)
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
	}

	return &App{
		Config: cfg,
		Logger: logger,
		IDP:    idp,
		Keys:   keys,
		Origin: origin,
	}, nil
}

// Routes mounts the protocol handlers on their configured paths and guards
// everything else behind CheckAuth on the way to the origin.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(StaticHeadersMiddleware(a.Config.HTTPHeaders))

	r.Get(a.Config.RedirectPathSignIn, a.HandleParseAuth)
	r.Get(a.Config.RedirectPathAuthRefresh, a.HandleRefreshAuth)
	r.Get(a.Config.SignOutURL, a.HandleSignOut)

	toOrigin := NormalizeMiddleware(a.Config.StaticContentRootObject)(a.Origin)
	r.Handle("/*", a.CheckAuth(toOrigin))

	return r
}
