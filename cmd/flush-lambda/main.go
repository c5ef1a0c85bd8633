// Command flush-lambda runs one flush cycle over every session queue per scheduled invocation.
package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"go.uber.org/zap"

	"github.com/and161185/tgcollector/internal/collector"
	"github.com/and161185/tgcollector/internal/config"
	"github.com/and161185/tgcollector/internal/kv"
	"github.com/and161185/tgcollector/internal/kv/dynamo"
	"github.com/and161185/tgcollector/internal/repository/postgres"
)

func main() {
	ctx := context.Background()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	// ---- Configuration ----
	cfg, err := config.Load(config.New(), os.Getenv("TGC_CONFIG"))
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Fatal("load aws config", zap.Error(err))
	}
	if cfg.NeedsSecrets() {
		ps, err := config.NewParamStore(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			logger.Fatal("create ssm client", zap.Error(err))
		}
		if err := cfg.ResolveSecrets(ctx, ps); err != nil {
			logger.Fatal("resolve secrets", zap.Error(err))
		}
	}

	// ---- Stores ----
	// The pool is reused across warm invocations and closed with the execution environment.
	db, err := postgres.New(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
	if err != nil {
		logger.Fatal("postgres", zap.Error(err))
	}
	var markers kv.Store = kv.NewMemory()
	if cfg.KV.Backend == "dynamo" {
		if markers, err = dynamo.New(awsdynamodb.NewFromConfig(awsCfg), cfg.KV.Table, cfg.KV.Prefix); err != nil {
			logger.Fatal("dynamo", zap.Error(err))
		}
	}

	c := collector.New(collector.Config{
		BatchSize:    cfg.Collector.BatchSize,
		FlushTimeout: cfg.Collector.FlushTimeout,
		MarkerTTL:    cfg.Collector.MarkerTTL,
	}, postgres.NewQueueRepo(db), postgres.NewMessageRepo(db), markers, nil, nil, logger.Named("collector"))

	lambda.Start(newHandler(c, logger).Handle)
}
