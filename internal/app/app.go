// Package app wires configuration into the store, detection and
// tokenization components shared by the CLI and the Lambda.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"pii-ledger/internal/config"
	"pii-ledger/internal/detector"
	"pii-ledger/internal/integrations/paramstore"
	"pii-ledger/internal/integrations/textanalytics"
	"pii-ledger/internal/ledger"
	"pii-ledger/internal/output"
	"pii-ledger/internal/pii"
	"pii-ledger/internal/pipeline"
	"pii-ledger/internal/repository"
	"pii-ledger/internal/source"
	"pii-ledger/internal/usecase"
	"pii-ledger/internal/vault"
)

// App holds the wired components. Close releases the store.
type App struct {
	Config    *config.Config
	Log       *slog.Logger
	Store     repository.Store
	Messages  *source.Messages
	Ledger    *ledger.Ledger
	Vault     *vault.Vault
	Detector  *detector.Adapter
	Redactor  *pii.Redactor
	Tokenizer *pii.Tokenizer
	Tokens    *usecase.TokenizeService

	close func() error
}

// awsLoader loads the AWS SDK config at most once, and only for components
// that need it.
type awsLoader struct {
	once sync.Once
	cfg  aws.Config
	err  error
}

func (l *awsLoader) load(ctx context.Context) (aws.Config, error) {
	l.once.Do(func() {
		l.cfg, l.err = awsconfig.LoadDefaultConfig(ctx)
		if l.err != nil {
			l.err = fmt.Errorf("app: load AWS config: %w", l.err)
		}
	})
	return l.cfg, l.err
}

// New builds every component from cfg.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	var loader awsLoader

	store, closeStore, err := openStore(ctx, cfg.Store, &loader)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Log: log, Store: store, close: closeStore}
	if err := a.wire(ctx, &loader); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, loader *awsLoader) error {
	cfg := a.Config
	var err error

	if a.Messages, err = source.New(a.Store); err != nil {
		return err
	}
	if a.Ledger, err = ledger.New(a.Store, cfg.Run.MaxAttempts, a.Log); err != nil {
		return err
	}
	if a.Vault, err = vault.New(a.Store, a.Log); err != nil {
		return err
	}

	client, err := newDetectionClient(ctx, cfg.Detector, loader)
	if err != nil {
		return err
	}
	a.Detector, err = detector.New(client,
		detector.WithBatchSize(cfg.Run.BatchSize),
		detector.WithRetry(cfg.Detector.MaxRetries, cfg.Detector.BaseBackoff),
		detector.WithLogger(a.Log),
	)
	if err != nil {
		return err
	}

	a.Redactor, err = pii.NewRedactor(a.Detector,
		pii.WithRedactMinConfidence(cfg.Run.MinConfidence),
		pii.WithShowConfidence(cfg.Run.ShowConfidence),
		pii.WithRedactLogger(a.Log),
	)
	if err != nil {
		return err
	}
	a.Tokenizer, err = pii.NewTokenizer(a.Detector, a.Vault,
		pii.WithMinConfidence(cfg.Run.MinConfidence),
		pii.WithLogger(a.Log),
	)
	if err != nil {
		return err
	}
	a.Tokens, err = usecase.NewTokenizeService(a.Tokenizer, a.Vault, cfg.API.MaxTextLength)
	return err
}

// Close releases the store.
func (a *App) Close() error {
	if a.close == nil {
		return nil
	}
	return a.close()
}

// Orchestrator builds a batch run from the run section of the config.
func (a *App) Orchestrator() (*pipeline.Orchestrator, error) {
	run := a.Config.Run

	var t pipeline.Transformer
	switch run.Transform {
	case "redact":
		t = pipeline.Redaction(a.Redactor)
	case "obfuscate":
		t = pipeline.Tokenization(a.Tokenizer)
	default:
		return nil, fmt.Errorf("app: unknown transform %q", run.Transform)
	}

	var sink output.Sink
	switch run.Mode {
	case "cloud":
		sink = output.NewCloudSink()
	case "local":
		local, err := output.OpenLocalJSON(run.OutputFile)
		if err != nil {
			return nil, err
		}
		sink = local
	default:
		return nil, fmt.Errorf("app: unknown mode %q", run.Mode)
	}

	concurrency := run.Concurrency
	if concurrency < 1 {
		concurrency = pipeline.TierConcurrency(run.Tier)
	}
	return pipeline.New(a.Messages, a.Ledger, a.Detector, t, sink, pipeline.Config{
		BatchSize:     run.BatchSize,
		Concurrency:   concurrency,
		StaleAfter:    run.StaleAfter,
		FailureReport: run.FailureFile,
	}, a.Log)
}

func openStore(ctx context.Context, cfg config.StoreConfig, loader *awsLoader) (repository.Store, func() error, error) {
	switch cfg.Backend {
	case "memory":
		return repository.NewMemory(), nil, nil
	case "bolt":
		s, err := repository.OpenBolt(cfg.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "dynamodb":
		awsCfg, err := loader.load(ctx)
		if err != nil {
			return nil, nil, err
		}
		s, err := repository.NewDynamo(awsdynamodb.NewFromConfig(awsCfg), Tables(cfg.Tables))
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	default:
		return nil, nil, fmt.Errorf("app: unknown store backend %q", cfg.Backend)
	}
}

// Tables maps store collections to the configured DynamoDB table names.
func Tables(t config.TablesConfig) map[string]string {
	return map[string]string{
		source.Collection: t.Messages,
		ledger.Collection: t.Ledger,
		output.Collection: t.Outputs,
		vault.Collection:  t.Vault,
	}
}

func newDetectionClient(ctx context.Context, cfg config.DetectorConfig, loader *awsLoader) (*textanalytics.Client, error) {
	opts := []textanalytics.Option{
		textanalytics.WithLanguage(cfg.Language),
		textanalytics.WithAPIVersion(cfg.APIVersion),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, textanalytics.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}
	if paramstore.IsRef(cfg.Key) {
		awsCfg, err := loader.load(ctx)
		if err != nil {
			return nil, err
		}
		ssm, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			return nil, err
		}
		opts = append(opts, textanalytics.WithParamStore(ssm))
	}
	return textanalytics.NewClient(cfg.Endpoint, cfg.Key, opts...)
}
