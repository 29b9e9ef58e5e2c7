package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"analysis-coordinator/handler"
	"analysis-coordinator/internal/batch"
	"analysis-coordinator/internal/config"
	"analysis-coordinator/internal/conversation"
	"analysis-coordinator/internal/integrations/openai"
	"analysis-coordinator/internal/integrations/paramstore"
	"analysis-coordinator/internal/repository"
	"analysis-coordinator/internal/usecase"
)

const shutdownTimeout = 5 * time.Second

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	maxTextLen := envInt("MAX_TEXT_LENGTH", 1000)

	appCfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	logger := appCfg.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		logger.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	stateClient, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), stateTable)
	if err != nil {
		logger.Error("failed to create state client", "err", err)
		os.Exit(1)
	}
	openaiClient, err := openai.NewClient(ssmClient, paramPrefix, openai.WithTemperature(0))
	if err != nil {
		logger.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}

	// ---- Coordinator ----
	store := conversation.NewStore(appCfg.StoreOptions(logger))
	analyzeService, err := usecase.NewAnalyzeService(ssmClient, openaiClient, stateClient, store, batch.NewQueue(), usecase.Config{
		ParamPrefix: paramPrefix,
		MaxTextLen:  maxTextLen,
		Retry:       appCfg.RetryPolicy(openai.Retryable),
		Batch:       appCfg.BatchOptions(logger),
		Logger:      logger,
	})
	if err != nil {
		logger.Error("failed to create analyze service", "err", err)
		os.Exit(1)
	}
	analyzeService.Start(ctx)

	// ---- Handler ----
	h, err := handler.NewHandler(analyzeService)
	if err != nil {
		logger.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.StartWithOptions(h.Handle, lambda.WithEnableSIGTERM(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := analyzeService.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown did not complete", "err", err, "pending", analyzeService.Pending())
		}
	}))
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
