// Package bootstrap assembles the admitter and its dependencies from
// configuration for the binaries under cmd/.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/ggoodman/wsconnect-go/admission"
	"github.com/ggoodman/wsconnect-go/auth"
	"github.com/ggoodman/wsconnect-go/config"
	"github.com/ggoodman/wsconnect-go/internal/logctx"
	"github.com/ggoodman/wsconnect-go/registry"
	"github.com/ggoodman/wsconnect-go/registry/dynamodb"
	"github.com/ggoodman/wsconnect-go/registry/memory"
	redisregistry "github.com/ggoodman/wsconnect-go/registry/redis"
	"github.com/redis/go-redis/v9"
)

// Role identifies which binary is being assembled.
type Role string

const (
	// RoleConnect is the $connect integration. It needs a verifier only in
	// verify mode.
	RoleConnect Role = "connect"
	// RoleAuthorizer is the REQUEST authorizer. It always verifies and
	// never writes, but still opens the registry so the admitter is whole.
	RoleAuthorizer Role = "authorizer"
	// RoleGateway is the HTTP development gateway.
	RoleGateway Role = "gateway"
)

// App holds the assembled process dependencies.
type App struct {
	Config   *config.Config
	Log      *slog.Logger
	Admitter *admission.Admitter
	Registry registry.Registry
}

// Close releases the registry.
func (a *App) Close() error {
	if a.Registry == nil {
		return nil
	}
	return a.Registry.Close()
}

// NewLogger returns a JSON logger at the configured level that decorates
// records with connection and principal context.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	lvl, err := cfg.Level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	return slog.New(logctx.Handler{Handler: h})
}

// NewVerifier builds the token verifier for the configured issuer.
func NewVerifier(ctx context.Context, cfg *config.Config, log *slog.Logger) (auth.Verifier, error) {
	if err := cfg.VerifierSettings(); err != nil {
		return nil, err
	}
	opts := []auth.VerifierOption{
		auth.WithLeeway(cfg.TokenLeeway),
		auth.WithTenantClaim(cfg.TenantClaim),
		auth.WithLogger(log),
		auth.WithRefreshCooldown(cfg.JWKSRefreshCooldown),
		auth.WithHTTPClient(&http.Client{Timeout: 10 * time.Second}),
	}
	if cfg.TokenUse != "" {
		opts = append(opts, auth.WithTokenUse(cfg.TokenUse))
	}
	if cfg.JWKSURL != "" {
		opts = append(opts, auth.WithJWKSURL(cfg.JWKSURL))
	} else if cfg.JWKSDiscovery {
		opts = append(opts, auth.WithDiscovery())
	}
	return auth.NewVerifier(ctx, cfg.IssuerURL(), cfg.AppClientID, opts...)
}

// NewRegistry opens the configured registry backend.
func NewRegistry(ctx context.Context, cfg *config.Config) (registry.Registry, error) {
	switch cfg.RegistryBackend {
	case config.BackendDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return dynamodb.New(dynamodb.Config{
			Client:    awsdynamodb.NewFromConfig(awsCfg),
			TableName: cfg.TableName,
		})
	case config.BackendRedis:
		cl := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := cl.Ping(ctx).Err(); err != nil {
			_ = cl.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return redisregistry.New(redisregistry.Config{Client: cl, KeyPrefix: cfg.RegistryKeyPrefix})
	case config.BackendMemory:
		return memory.New(cfg.RegistryMemorySize)
	default:
		return nil, fmt.Errorf("unknown registry backend %q", cfg.RegistryBackend)
	}
}

// Build assembles an App for role. The returned App owns the registry and
// must be closed.
func Build(ctx context.Context, cfg *config.Config, role Role, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("role", string(role)))

	ac, err := cfg.Admission()
	if err != nil {
		return nil, err
	}

	var v auth.Verifier
	if role != RoleConnect || ac.Mode == admission.ModeVerify {
		if v, err = NewVerifier(ctx, cfg, log); err != nil {
			return nil, fmt.Errorf("verifier: %w", err)
		}
	}

	reg, err := NewRegistry(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	a, err := admission.New(v, reg, ac, admission.WithLogger(log))
	if err != nil {
		return nil, errors.Join(err, reg.Close())
	}

	log.Info("bootstrap.ready",
		slog.String("mode", ac.Mode.String()),
		slog.String("registry", cfg.RegistryBackend),
		slog.String("issuer", cfg.IssuerURL()))
	return &App{Config: cfg, Log: log, Admitter: a, Registry: reg}, nil
}
