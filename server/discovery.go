package server

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
)

// discoveryClaims are the extra metadata fields not exposed through the
// typed go-oidc API.
type discoveryClaims struct {
	JWKSURI               string `json:"jwks_uri"`
	IntrospectionEndpoint string `json:"introspection_endpoint"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`
}

// DiscoverEndpoints fills any IDP endpoint left empty in the config from the
// issuer's published OIDC metadata. Explicitly configured endpoints always
// win, so a deployment can pin endpoints and skip discovery entirely.
func DiscoverEndpoints(ctx context.Context, cfg Config) (Config, error) {
	if cfg.Issuer == "" {
		return cfg, nil
	}
	if cfg.AuthEndpoint != "" && cfg.AccessTokenEndpoint != "" && cfg.JWKSEndpoint != "" &&
		cfg.IntrospectEndpoint != "" && cfg.PingEndSessionEndpoint != "" {
		return cfg, nil
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return Config{}, fmt.Errorf("discover issuer %s: %w", cfg.Issuer, err)
	}

	endpoint := provider.Endpoint()
	if cfg.AuthEndpoint == "" {
		cfg.AuthEndpoint = endpoint.AuthURL
	}
	if cfg.AccessTokenEndpoint == "" {
		cfg.AccessTokenEndpoint = endpoint.TokenURL
	}

	var claims discoveryClaims
	if err := provider.Claims(&claims); err != nil {
		return Config{}, fmt.Errorf("parse provider metadata: %w", err)
	}
	if cfg.JWKSEndpoint == "" {
		cfg.JWKSEndpoint = claims.JWKSURI
	}
	if cfg.IntrospectEndpoint == "" {
		cfg.IntrospectEndpoint = claims.IntrospectionEndpoint
	}
	if cfg.PingEndSessionEndpoint == "" {
		cfg.PingEndSessionEndpoint = claims.EndSessionEndpoint
	}

	return cfg, nil
}
