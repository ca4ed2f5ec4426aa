// Command wsconnect is the $connect route Lambda for a WebSocket API. In
// verify mode it authenticates the client itself; in authorizer mode it
// trusts the context forwarded by wsauthorizer. Admitted connections are
// recorded in the configured registry.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/ggoodman/wsconnect-go/config"
	"github.com/ggoodman/wsconnect-go/internal/bootstrap"
	"github.com/ggoodman/wsconnect-go/lambdagw"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := bootstrap.NewLogger(cfg, os.Stdout)

	app, err := bootstrap.Build(ctx, cfg, bootstrap.RoleConnect, log)
	if err != nil {
		log.Error("bootstrap.fail", "err", err.Error())
		os.Exit(1)
	}
	defer app.Close()

	lambda.Start(lambdagw.New(app.Admitter, lambdagw.WithLogger(app.Log)).Connect)
}
