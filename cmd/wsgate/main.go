// Command wsgate serves the admitter over HTTP for local development.
//
//	LISTEN_ADDR=:8080 REGISTRY_BACKEND=memory OIDC_ISSUER=... COGNITO_APP_CLIENT_ID=... wsgate
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/wsconnect-go/config"
	"github.com/ggoodman/wsconnect-go/httpgate"
	"github.com/ggoodman/wsconnect-go/internal/bootstrap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "wsgate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := bootstrap.NewLogger(cfg, os.Stderr)

	app, err := bootstrap.Build(ctx, cfg, bootstrap.RoleGateway, log)
	if err != nil {
		return err
	}
	defer app.Close()

	opts := []httpgate.Option{httpgate.WithLogger(app.Log)}
	if cfg.AuthorizerResponse == config.ResponseIAM {
		opts = append(opts, httpgate.WithPolicyResponses())
	}
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpgate.New(app.Admitter, opts...),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		app.Log.Info("http.listen", slog.String("addr", cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	app.Log.Info("http.shutdown")
	return srv.Shutdown(shutdownCtx)
}
