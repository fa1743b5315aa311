package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"pii-ledger/handler"
	"pii-ledger/internal/app"
	"pii-ledger/internal/config"
	"pii-ledger/internal/logging"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load("")
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if cfg.Store.Backend != "dynamodb" {
		slog.Error("lambda requires the dynamodb store backend", "backend", cfg.Store.Backend)
		os.Exit(1)
	}
	log := logging.NewLogger(cfg.Log, false)

	// ---- Clients ----
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("failed to wire components", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(a.Tokens)
	if err != nil {
		log.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
