// Command wsauthorizer is the REQUEST authorizer Lambda for a WebSocket API.
// It verifies the connecting client's token and answers with an IAM policy
// (AUTHORIZER_RESPONSE=iam) or a simple decision (AUTHORIZER_RESPONSE=simple).
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

	app, err := bootstrap.Build(ctx, cfg, bootstrap.RoleAuthorizer, log)
	if err != nil {
		log.Error("bootstrap.fail", "err", err.Error())
		os.Exit(1)
	}
	defer app.Close()

	h := lambdagw.New(app.Admitter, lambdagw.WithLogger(app.Log))
	if cfg.AuthorizerResponse == config.ResponseSimple {
		lambda.Start(h.AuthorizeSimple)
		return
	}
	lambda.Start(h.Authorize)
}
