package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"metra-client/handler"
	"metra-client/internal/app"
	"metra-client/internal/config"
	"metra-client/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	services, err := app.Wire(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to wire services", "err", err)
		os.Exit(1)
	}
	defer services.Close()

	// ---- Handler ----
	newSession := func(_ context.Context, token string) (handler.Session, error) {
		client, err := services.NewClient(cfg, token)
		if err != nil {
			return nil, err
		}
		return usecase.NewManager(client, services.ManagerOptions(cfg, logger)...)
	}
	h, err := handler.NewHandler(newSession, logger)
	if err != nil {
		logger.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
