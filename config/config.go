// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ggoodman/wsconnect-go/admission"
	"github.com/ggoodman/wsconnect-go/internal/jwks"
	"github.com/joeshaw/envdecode"
)

// Registry backends.
const (
	BackendDynamoDB = "dynamodb"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Authorizer response shapes.
const (
	ResponseIAM    = "iam"
	ResponseSimple = "simple"
)

// Config is decoded from the environment with envdecode; defaults are
// provided via struct tags.
type Config struct {
	// Identity provider. Either a Cognito user pool or an explicit issuer.
	UserPoolID    string `env:"COGNITO_USER_POOL_ID"`
	AppClientID   string `env:"COGNITO_APP_CLIENT_ID"`
	CognitoRegion string `env:"COGNITO_REGION"`
	AWSRegion     string `env:"AWS_REGION"`
	OIDCIssuer    string `env:"OIDC_ISSUER"`

	// JWKSURL overrides the key endpoint derived from the issuer.
	JWKSURL             string        `env:"JWKS_URL"`
	JWKSDiscovery       bool          `env:"JWKS_DISCOVERY,default=false"`
	JWKSRefreshCooldown time.Duration `env:"JWKS_REFRESH_COOLDOWN,default=0s"`

	TokenLeeway time.Duration `env:"TOKEN_LEEWAY,default=60s"`
	TokenUse    string        `env:"TOKEN_USE"`
	TenantClaim string        `env:"TENANT_CLAIM,default=custom:tenantId"`

	// Registry.
	TableName          string        `env:"TABLE_NAME"`
	RegistryBackend    string        `env:"REGISTRY_BACKEND,default=dynamodb"`
	RedisAddr          string        `env:"REDIS_ADDR,default=localhost:6379"`
	RegistryKeyPrefix  string        `env:"REGISTRY_KEY_PREFIX,default=wsconnect:conn:"`
	RegistryTTL        time.Duration `env:"REGISTRY_TTL,default=0s"`
	RegistryMemorySize int           `env:"REGISTRY_MEMORY_SIZE,default=10000"`

	// Admission.
	RequireTenant      bool   `env:"REQUIRE_TENANT,default=false"`
	TenantQueryParam   string `env:"TENANT_QUERY_PARAM,default=tenantId"`
	TokenQueryParams   string `env:"TOKEN_QUERY_PARAMS,default=token"`
	AdmissionMode      string `env:"ADMISSION_MODE,default=verify"`
	AuthorizerResponse string `env:"AUTHORIZER_RESPONSE,default=iam"`

	LogLevel   string `env:"LOG_LEVEL,default=info"`
	ListenAddr string `env:"LISTEN_ADDR,default=:8080"`
}

// Load decodes the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings every binary depends on. Identity provider
// settings are checked separately by VerifierSettings because a
// trust-authorizer deployment may not need them.
func (c *Config) Validate() error {
	var errs []error
	switch c.RegistryBackend {
	case BackendDynamoDB:
		if c.TableName == "" {
			errs = append(errs, errors.New("TABLE_NAME is required for the dynamodb registry"))
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis registry"))
		}
	case BackendMemory:
		if c.RegistryMemorySize <= 0 {
			errs = append(errs, errors.New("REGISTRY_MEMORY_SIZE must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown REGISTRY_BACKEND %q", c.RegistryBackend))
	}
	if c.RegistryTTL < 0 {
		errs = append(errs, errors.New("REGISTRY_TTL must not be negative"))
	}
	if c.TokenLeeway < 0 {
		errs = append(errs, errors.New("TOKEN_LEEWAY must not be negative"))
	}
	if _, err := admission.ParseMode(c.AdmissionMode); err != nil {
		errs = append(errs, fmt.Errorf("ADMISSION_MODE: %w", err))
	}
	switch c.AuthorizerResponse {
	case ResponseIAM, ResponseSimple:
	default:
		errs = append(errs, fmt.Errorf("unknown AUTHORIZER_RESPONSE %q", c.AuthorizerResponse))
	}
	switch c.TokenUse {
	case "", "id", "access":
	default:
		errs = append(errs, fmt.Errorf("TOKEN_USE must be id or access, got %q", c.TokenUse))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if len(c.TokenParams()) == 0 {
		errs = append(errs, errors.New("TOKEN_QUERY_PARAMS must name at least one parameter"))
	}
	return errors.Join(errs...)
}

// VerifierSettings checks that a token issuer and audience are configured.
func (c *Config) VerifierSettings() error {
	var errs []error
	if c.OIDCIssuer == "" && (c.UserPoolID == "" || c.Region() == "") {
		errs = append(errs, errors.New("either OIDC_ISSUER or COGNITO_USER_POOL_ID with a region is required"))
	}
	if c.AppClientID == "" {
		errs = append(errs, errors.New("COGNITO_APP_CLIENT_ID is required"))
	}
	return errors.Join(errs...)
}

// Region returns COGNITO_REGION, falling back to AWS_REGION.
func (c *Config) Region() string {
	if c.CognitoRegion != "" {
		return c.CognitoRegion
	}
	return c.AWSRegion
}

// IssuerURL returns the expected token issuer. An explicit OIDC_ISSUER wins
// over the issuer derived from the Cognito user pool.
func (c *Config) IssuerURL() string {
	if c.OIDCIssuer != "" {
		return c.OIDCIssuer
	}
	if c.UserPoolID == "" || c.Region() == "" {
		return ""
	}
	return jwks.CognitoIssuer(c.Region(), c.UserPoolID)
}

// TokenParams splits TOKEN_QUERY_PARAMS on commas.
func (c *Config) TokenParams() []string {
	var out []string
	for _, p := range strings.Split(c.TokenQueryParams, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Admission returns the admitter configuration.
func (c *Config) Admission() (admission.Config, error) {
	mode, err := admission.ParseMode(c.AdmissionMode)
	if err != nil {
		return admission.Config{}, err
	}
	return admission.Config{
		Mode:             mode,
		TokenQueryParams: c.TokenParams(),
		TenantQueryParam: c.TenantQueryParam,
		RequireTenant:    c.RequireTenant,
		RecordTTL:        c.RegistryTTL,
	}, nil
}

// Level parses LOG_LEVEL.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return lvl, nil
}
