// Package app wires configuration into the clients and options shared by
// the Lambda relay and the terminal client.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"metra-client/internal/config"
	"metra-client/internal/integrations/events"
	"metra-client/internal/integrations/metra"
	"metra-client/internal/integrations/paramstore"
	"metra-client/internal/repository"
	"metra-client/internal/usecase"
)

// localRegion is used against a local DynamoDB endpoint, which ignores it.
const localRegion = "us-east-1"

// Services holds the optional collaborators selected by configuration.
// Archive and Publisher are nil when not configured.
type Services struct {
	Tokens    metra.TokenSource
	Archive   *repository.Client
	Publisher *events.Publisher
}

// Wire builds Services from cfg. AWS configuration is loaded only when the
// token lives in Parameter Store or a state table is set.
func Wire(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Services, error) {
	s := &Services{}
	if cfg.Token != "" {
		s.Tokens = metra.StaticToken(cfg.Token)
	}

	needAWS := (s.Tokens == nil && cfg.ParamPrefix != "") || cfg.StateTable != ""
	if needAWS {
		awsCfg, err := loadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("app: load AWS config: %w", err)
		}

		if s.Tokens == nil && cfg.ParamPrefix != "" {
			ps, err := paramstore.New(awsssm.NewFromConfig(awsCfg), cfg.ParamPrefix)
			if err != nil {
				return nil, fmt.Errorf("app: create paramstore client: %w", err)
			}
			tokens, err := metra.NewParamToken(ps, cfg.TokenParam)
			if err != nil {
				return nil, fmt.Errorf("app: create token source: %w", err)
			}
			s.Tokens = tokens
		}

		if cfg.StateTable != "" {
			ddb := awsdynamodb.NewFromConfig(awsCfg, func(o *awsdynamodb.Options) {
				if cfg.DynamoEndpoint != "" {
					o.BaseEndpoint = aws.String(cfg.DynamoEndpoint)
				}
			})
			archive, err := repository.New(ddb, cfg.StateTable)
			if err != nil {
				return nil, fmt.Errorf("app: create state client: %w", err)
			}
			if cfg.DynamoEndpoint != "" {
				if err := archive.EnsureTable(ctx); err != nil {
					return nil, fmt.Errorf("app: ensure local table: %w", err)
				}
			}
			s.Archive = archive
		}
	}

	if cfg.NatsURL != "" {
		pub, err := events.Connect(cfg.NatsURL, cfg.NatsToken, logger)
		if err != nil {
			return nil, fmt.Errorf("app: connect to NATS: %w", err)
		}
		s.Publisher = pub
	}
	return s, nil
}

// loadAWSConfig uses the default chain, or dummy static credentials when a
// local DynamoDB endpoint is configured.
func loadAWSConfig(ctx context.Context, cfg config.Config) (aws.Config, error) {
	if cfg.DynamoEndpoint == "" {
		return awsconfig.LoadDefaultConfig(ctx)
	}
	return awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(localRegion),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("local", "local", "")),
	)
}

// Policy maps METRA_COMPLETION_POLICY to the session policy.
func Policy(name string) usecase.CompletionPolicy {
	if name == config.CompletionSchema {
		return usecase.CompletionOnSchema
	}
	return usecase.CompletionOnConfirm
}

// ManagerOptions returns the session options for cfg and the wired services.
func (s *Services) ManagerOptions(cfg config.Config, logger *slog.Logger) []usecase.Option {
	opts := []usecase.Option{
		usecase.WithLogger(logger),
		usecase.WithTypingDelay(cfg.TypingDelay),
		usecase.WithStreamTimeout(cfg.StreamTimeout),
		usecase.WithIdleTimeout(cfg.IdleTimeout),
		usecase.WithCompletionPolicy(Policy(cfg.CompletionPolicy)),
	}
	if s.Archive != nil {
		opts = append(opts, usecase.WithArchive(s.Archive))
	}
	if s.Publisher != nil {
		opts = append(opts, usecase.WithNotifier(s.Publisher))
	}
	return opts
}

// NewClient builds an API client. A non-empty token overrides the wired
// token source.
func (s *Services) NewClient(cfg config.Config, token string) (*metra.Client, error) {
	opts := []metra.Option{metra.WithRequestTimeout(cfg.RequestTimeout)}
	switch {
	case token != "":
		opts = append(opts, metra.WithTokenSource(metra.StaticToken(token)))
	case s.Tokens != nil:
		opts = append(opts, metra.WithTokenSource(s.Tokens))
	}
	return metra.NewClient(cfg.APIURL, opts...)
}

func (s *Services) Close() {
	if s.Publisher != nil {
		s.Publisher.Close()
	}
}
