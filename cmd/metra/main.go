// Command metra is an interactive terminal client for the Metra task
// definition assistant.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"metra-client/internal/app"
	"metra-client/internal/config"
	"metra-client/internal/integrations/metra"
	"metra-client/internal/usecase"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("metra exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, in io.Reader, out io.Writer) error {
	services, err := app.Wire(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer services.Close()

	client, err := services.NewClient(cfg, "")
	if err != nil {
		return err
	}
	scanner := bufio.NewScanner(in)
	if services.Tokens == nil {
		if err := login(ctx, client, cfg, scanner, out); err != nil {
			return err
		}
	}

	m, err := usecase.NewManager(client, services.ManagerOptions(cfg, logger)...)
	if err != nil {
		return err
	}
	t := newTerminal(m, scanner, out)
	unsubscribe := m.Subscribe(t.onState)
	defer unsubscribe()
	return t.run(ctx)
}

// login signs in with METRA_EMAIL/METRA_PASSWORD, prompting for whatever is
// missing. An empty email skips login for backends without auth.
func login(ctx context.Context, client *metra.Client, cfg config.Config, in *bufio.Scanner, out io.Writer) error {
	email := cfg.Email
	if email == "" {
		email = ask(in, out, "Email (empty to skip): ")
	}
	if email == "" {
		return nil
	}
	password := cfg.Password
	if password == "" {
		password = ask(in, out, "Password: ")
	}

	token, err := client.Login(ctx, email, password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	client.UseToken(token)
	user, err := client.Me(ctx)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	fmt.Fprintf(out, "Signed in as %s\n", user.Email)
	return nil
}

func ask(in *bufio.Scanner, out io.Writer, prompt string) string {
	fmt.Fprint(out, prompt)
	if !in.Scan() {
		return ""
	}
	return strings.TrimSpace(in.Text())
}
