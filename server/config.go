package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults for the nonce and PKCE parameters. The allowed character set is
// the unreserved URI character set, which is also what RFC 7636 allows for
// PKCE verifiers.
const (
	DefaultSecretAllowedCharacters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"
	DefaultPKCELength              = 43
	DefaultNonceLength             = 16
	DefaultNonceMaxAge             = 60 * 60 * 24
)

// CookieSettings holds the attribute string appended to each class of cookie,
// e.g. "Path=/; Secure; HttpOnly; SameSite=Lax".
type CookieSettings struct {
	IDToken      string `yaml:"idToken"`
	AccessToken  string `yaml:"accessToken"`
	RefreshToken string `yaml:"refreshToken"`
	Nonce        string `yaml:"nonce"`
}

// ListenConfig controls the front door listener, not the auth protocol.
type ListenConfig struct {
	DevMode         bool     `yaml:"devMode"`
	DevListenAddr   string   `yaml:"devListenAddr"`
	HTTPListenAddr  string   `yaml:"httpListenAddr"`
	HTTPSListenAddr string   `yaml:"httpsListenAddr"`
	DomainNames     []string `yaml:"domainNames"`
	TLSCacheDir     string   `yaml:"tlsCacheDir"`
	TLSEmail        string   `yaml:"tlsEmail"`
}

// Config is the full gateway configuration. It is resolved once at cold
// start and treated as immutable afterwards.
type Config struct {
	LogLevel    string            `yaml:"logLevel"`
	HTTPHeaders map[string]string `yaml:"httpHeaders"`

	ClientID     string   `yaml:"clientId"`
	ClientSecret string   `yaml:"clientSecret"`
	OAuthScopes  []string `yaml:"oauthScopes"`

	// Issuer enables OIDC discovery for any endpoint left empty below.
	Issuer                 string `yaml:"issuer"`
	AuthEndpoint           string `yaml:"authEndpoint"`
	AccessTokenEndpoint    string `yaml:"accessTokenEndpoint"`
	IntrospectEndpoint     string `yaml:"introspectEndpoint"`
	JWKSEndpoint           string `yaml:"jwksEndpoint"`
	PingEndSessionEndpoint string `yaml:"pingEndSessionEndpoint"`

	RedirectPathSignIn      string `yaml:"redirectPathSignIn"`
	RedirectPathSignOut     string `yaml:"redirectPathSignOut"`
	SignOutURL              string `yaml:"signOutUrl"`
	RedirectPathAuthRefresh string `yaml:"redirectPathAuthRefresh"`

	CookieSettings CookieSettings `yaml:"cookieSettings"`

	NonceSigningSecret      string `yaml:"nonceSigningSecret"`
	SecretAllowedCharacters string `yaml:"secretAllowedCharacters"`
	PKCELength              int    `yaml:"pkceLength"`
	NonceLength             int    `yaml:"nonceLength"`
	NonceMaxAge             int    `yaml:"nonceMaxAge"`

	IDTokenCookieName        string `yaml:"idTokenCookieName"`
	StaticContentPathPattern string `yaml:"staticContentPathPattern"`
	StaticContentRootObject  string `yaml:"staticContentRootObject"`

	OriginURL   string       `yaml:"originUrl"`
	SecretsPath string       `yaml:"secretsPath"`
	Server      ListenConfig `yaml:"server"`
}

// secretsFile is the shape written by the one-time provisioning step. The
// gateway only ever reads it.
type secretsFile struct {
	ClientID           string `json:"clientId"`
	ClientSecret       string `json:"clientSecret"`
	NonceSigningSecret string `json:"nonceSigningSecret"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:    "info",
		OAuthScopes: []string{"openid"},
		CookieSettings: CookieSettings{
			IDToken:      "Path=/; Secure; SameSite=Lax",
			AccessToken:  "Path=/; Secure; HttpOnly; SameSite=Lax",
			RefreshToken: "Path=/; Secure; HttpOnly; SameSite=Lax",
			Nonce:        "Path=/; Secure; HttpOnly; SameSite=Lax",
		},
		RedirectPathSignIn:      "/parseauth",
		RedirectPathSignOut:     "/",
		SignOutURL:              "/signout",
		RedirectPathAuthRefresh: "/refreshauth",
		SecretAllowedCharacters: DefaultSecretAllowedCharacters,
		PKCELength:              DefaultPKCELength,
		NonceLength:             DefaultNonceLength,
		StaticContentRootObject: "/index.html",
		Server: ListenConfig{
			DevMode:         true,
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			TLSCacheDir:     ".autocert",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

// LoadConfig reads the config file (YAML, or JSON which the YAML decoder
// accepts as a subset), merges defaults, the provisioned secrets file, and
// environment overrides. Endpoint discovery and the fail-closed validation
// happen in NewApp, once a context is available.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	mergeCookieDefaults(&cfg)
	mergeNonceDefaults(&cfg)

	if err := mergeSecrets(&cfg); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	return cfg, nil
}

func mergeCookieDefaults(cfg *Config) {
	defaults := defaultConfig().CookieSettings
	if cfg.CookieSettings.IDToken == "" {
		cfg.CookieSettings.IDToken = defaults.IDToken
	}
	if cfg.CookieSettings.AccessToken == "" {
		cfg.CookieSettings.AccessToken = defaults.AccessToken
	}
	if cfg.CookieSettings.RefreshToken == "" {
		cfg.CookieSettings.RefreshToken = defaults.RefreshToken
	}
	if cfg.CookieSettings.Nonce == "" {
		cfg.CookieSettings.Nonce = defaults.Nonce
	}
}

func mergeNonceDefaults(cfg *Config) {
	if cfg.SecretAllowedCharacters == "" {
		cfg.SecretAllowedCharacters = DefaultSecretAllowedCharacters
	}
	if cfg.PKCELength <= 0 {
		cfg.PKCELength = DefaultPKCELength
	}
	if cfg.NonceLength <= 0 {
		cfg.NonceLength = DefaultNonceLength
	}
	if cfg.NonceMaxAge <= 0 {
		cfg.NonceMaxAge = nonceMaxAgeFromCookieSettings(cfg.CookieSettings.Nonce)
	}
}

// nonceMaxAgeFromCookieSettings derives the nonce validity window from the
// Max-Age attribute of the nonce cookie settings, so a signed nonce is never
// trusted for longer than the browser keeps its cookie.
func nonceMaxAgeFromCookieSettings(settings string) int {
	for _, part := range strings.Split(settings, ";") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], "Max-Age") {
			if age, err := strconv.Atoi(strings.TrimSpace(kv[1])); err == nil && age > 0 {
				return age
			}
		}
	}
	return DefaultNonceMaxAge
}

func mergeSecrets(cfg *Config) error {
	if cfg.SecretsPath == "" {
		return nil
	}
	b, err := os.ReadFile(cfg.SecretsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read secrets: %w", err)
	}
	var secrets secretsFile
	if err := json.Unmarshal(b, &secrets); err != nil {
		return fmt.Errorf("parse secrets: %w", err)
	}
	if secrets.ClientID != "" {
		cfg.ClientID = secrets.ClientID
	}
	if secrets.ClientSecret != "" {
		cfg.ClientSecret = secrets.ClientSecret
	}
	if secrets.NonceSigningSecret != "" {
		cfg.NonceSigningSecret = secrets.NonceSigningSecret
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHEDGE_CLIENT_ID":            func(v string) { cfg.ClientID = v },
		"AUTHEDGE_CLIENT_SECRET":        func(v string) { cfg.ClientSecret = v },
		"AUTHEDGE_NONCE_SIGNING_SECRET": func(v string) { cfg.NonceSigningSecret = v },
		"AUTHEDGE_ORIGIN_URL":           func(v string) { cfg.OriginURL = v },
		"AUTHEDGE_SECRETS_PATH":         func(v string) { cfg.SecretsPath = v },
		"AUTHEDGE_LOG_LEVEL":            func(v string) { cfg.LogLevel = v },
		"AUTHEDGE_DEV_LISTEN_ADDR":      func(v string) { cfg.Server.DevListenAddr = v },
		"AUTHEDGE_DEV_MODE":             func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
	}
	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

// Validate fails closed: a gateway that cannot resolve a complete
// configuration must not serve a single request.
func (c Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"clientId", c.ClientID},
		{"nonceSigningSecret", c.NonceSigningSecret},
		{"authEndpoint", c.AuthEndpoint},
		{"accessTokenEndpoint", c.AccessTokenEndpoint},
		{"introspectEndpoint", c.IntrospectEndpoint},
		{"jwksEndpoint", c.JWKSEndpoint},
		{"pingEndSessionEndpoint", c.PingEndSessionEndpoint},
		{"redirectPathSignIn", c.RedirectPathSignIn},
		{"redirectPathSignOut", c.RedirectPathSignOut},
		{"signOutUrl", c.SignOutURL},
		{"redirectPathAuthRefresh", c.RedirectPathAuthRefresh},
		{"idTokenCookieName", c.IDTokenCookieName},
		{"originUrl", c.OriginURL},
	}
	for _, field := range required {
		if field.value == "" {
			slog.Error("missing required configuration", "field", field.name)
			return fmt.Errorf("%s is required", field.name)
		}
	}

	if len(c.OAuthScopes) == 0 {
		return errors.New("oauthScopes is required")
	}
	for _, p := range []struct {
		name  string
		value string
	}{
		{"redirectPathSignIn", c.RedirectPathSignIn},
		{"redirectPathSignOut", c.RedirectPathSignOut},
		{"signOutUrl", c.SignOutURL},
		{"redirectPathAuthRefresh", c.RedirectPathAuthRefresh},
	} {
		if !strings.HasPrefix(p.value, "/") {
			return fmt.Errorf("%s must start with /, got: %s", p.name, p.value)
		}
	}
	if !strings.HasPrefix(c.OriginURL, "http://") && !strings.HasPrefix(c.OriginURL, "https://") {
		return fmt.Errorf("originUrl must start with http:// or https://, got: %s", c.OriginURL)
	}
	if c.PKCELength < 43 || c.PKCELength > 128 {
		return fmt.Errorf("pkceLength must be between 43 and 128, got: %d", c.PKCELength)
	}
	if c.NonceLength <= 0 {
		return fmt.Errorf("nonceLength must be positive, got: %d", c.NonceLength)
	}
	if !c.Server.DevMode && len(c.Server.DomainNames) == 0 {
		return errors.New("server.domainNames must be provided in production")
	}
	return nil
}

// ParseLogLevel maps the configured verbosity onto slog levels. "none"
// suppresses even error logs.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "none":
		return slog.LevelError + 4
	default:
		return slog.LevelInfo
	}
}
