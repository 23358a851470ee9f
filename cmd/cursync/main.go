// Copyright (c) 2025 Admon, Inc. All rights reserved.

// cursync pulls AWS CUR export objects from each payer account's source
// bucket, converts them to partitioned parquet, and publishes them to the
// target bucket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/admon/awscur-scripts/internal/awsauth"
	"github.com/admon/awscur-scripts/internal/catalog"
	"github.com/admon/awscur-scripts/internal/config"
	"github.com/admon/awscur-scripts/internal/convert"
	"github.com/admon/awscur-scripts/internal/log"
	"github.com/admon/awscur-scripts/internal/notify"
	"github.com/admon/awscur-scripts/internal/pipeline"
	"github.com/admon/awscur-scripts/internal/publish"
	"github.com/admon/awscur-scripts/internal/retention"
	"github.com/admon/awscur-scripts/internal/schema"
	"github.com/admon/awscur-scripts/internal/storage"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "cursync: %v\n", err)
		os.Exit(2)
	}

	logger, err := log.NewLogger(cfg.LogDir, "cursync", cfg.Debug, cfg.LogStdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cursync: failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, err := run(ctx, cfg, logger)
	if err != nil {
		logger.Error("run failed", zap.Error(err))
		fmt.Fprintf(os.Stderr, "cursync: %v\n", err)
		os.Exit(1)
	}

	if !cfg.Quiet {
		fmt.Println(summary.String())
	}
	if summary.FailedAccounts > 0 {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*pipeline.RunSummary, error) {
	if cfg.DBSecret != "" {
		region := cfg.DBSecretRegion
		if region == "" {
			region = cfg.AWSRegion
		}
		password, err := catalog.GetPasswordFromSecretsManager(ctx, cfg.DBSecret, region)
		if err != nil {
			return nil, fmt.Errorf("resolve catalog password: %w", err)
		}
		cfg.DBPassword = password
	}

	catalogClient, err := catalog.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to tenant catalog: %w", err)
	}
	defer catalogClient.Close()

	columns := schema.Default()
	if cfg.SchemaFile != "" {
		columns, err = schema.LoadFile(cfg.SchemaFile)
		if err != nil {
			return nil, fmt.Errorf("load schema registry: %w", err)
		}
	}

	engine, err := convert.New(columns, cfg.DatasetLabel, cfg.WorkDir, cfg.BatchSize, logger)
	if err != nil {
		return nil, fmt.Errorf("create conversion engine: %w", err)
	}

	targetClient, err := storage.NewDefaultClient(ctx, cfg.AWSRegion)
	if err != nil {
		return nil, fmt.Errorf("create target S3 client: %w", err)
	}
	targetStore := storage.NewStore(targetClient, logger)

	deps := pipeline.Deps{
		Accounts:    catalogClient,
		Credentials: awsauth.NewBroker(cfg.AssumeRole, logger),
		SourceStore: func(ctx context.Context, creds *awsauth.ScopedCredentials, region string) (pipeline.SourceStore, error) {
			client, err := storage.NewClient(ctx, region, creds.Provider())
			if err != nil {
				return nil, err
			}
			return storage.NewStore(client, logger), nil
		},
		Converter: engine,
		Publisher: publish.New(targetStore, cfg.TargetBucket, cfg.BackupBucket, cfg.PublishRetries, logger),
		Sweeper:   retention.New(cfg.WorkDir, time.Duration(cfg.RetentionDays)*24*time.Hour, logger),
		Sink:      notify.NewSlack(cfg.SlackWebhookURL, logger),
	}

	return pipeline.New(cfg, deps, logger).Run(ctx)
}
