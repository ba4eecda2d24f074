package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"go.uber.org/zap"

	"github.com/BartekS5/totesys-etl/internal/alert"
	"github.com/BartekS5/totesys-etl/internal/checkpoint"
	"github.com/BartekS5/totesys-etl/internal/etl"
	"github.com/BartekS5/totesys-etl/internal/metrics"
	"github.com/BartekS5/totesys-etl/internal/runlog"
	"github.com/BartekS5/totesys-etl/internal/secrets"
	"github.com/BartekS5/totesys-etl/internal/storage"
	"github.com/BartekS5/totesys-etl/internal/warehouse"
	"github.com/BartekS5/totesys-etl/pkg/awsclient"
	"github.com/BartekS5/totesys-etl/pkg/database"
	"github.com/BartekS5/totesys-etl/pkg/logger"
)

// app is a fully wired pipeline plus the resources to release afterwards.
type app struct {
	orch    *etl.Orchestrator
	metrics *metrics.Metrics
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func loadAWS(ctx context.Context, g *globals) (aws.Config, error) {
	return awsclient.Load(ctx, awsclient.Options{Region: g.cfg.AWSRegion, Endpoint: g.cfg.AWSEndpoint})
}

func newCheckpointStore(ctx context.Context, g *globals) (*checkpoint.SSMStore, error) {
	awsCfg, err := loadAWS(ctx, g)
	if err != nil {
		return nil, etl.Configurationf("%v", err)
	}
	return checkpoint.NewSSMStore(ssm.NewFromConfig(awsCfg), g.cfg.CheckpointParameter, g.cfg.LockParameter), nil
}

// newApp connects every dependency. Any failure here is a configuration
// error and happens before extraction begins.
func newApp(ctx context.Context, g *globals) (_ *app, err error) {
	cfg, settings := g.cfg, g.settings
	a := &app{metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	notifiers := alert.Multi{alert.LogNotifier{}}
	defer func() {
		if err != nil {
			notifyStartupFailure(ctx, notifiers, err)
		}
	}()

	awsCfg, err := loadAWS(ctx, g)
	if err != nil {
		return nil, etl.Configurationf("%v", err)
	}
	if cfg.AlertTopicARN != "" {
		notifiers = append(notifiers, alert.NewSNSNotifier(sns.NewFromConfig(awsCfg), cfg.AlertTopicARN))
	}
	store := storage.NewS3Store(awsCfg)
	checkpoints := checkpoint.NewSSMStore(ssm.NewFromConfig(awsCfg), cfg.CheckpointParameter, cfg.LockParameter)
	creds := secrets.NewSecretsManagerProvider(secretsmanager.NewFromConfig(awsCfg))
	source := &etl.SQLSource{Driver: cfg.SourceDriver, QueryTimeout: settings.QueryTimeout}

	var publishers []etl.Publisher
	if cfg.WarehouseSecretName != "" {
		whCreds, err := creds.DBCredentials(ctx, cfg.WarehouseSecretName)
		if err != nil {
			return nil, fmt.Errorf("warehouse credentials: %w", err)
		}
		dsn, err := database.DSN(database.DriverPostgres, whCreds)
		if err != nil {
			return nil, etl.Configurationf("warehouse: %v", err)
		}
		pool, err := warehouse.Connect(ctx, dsn)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		pub := warehouse.NewPublisher(pool, cfg.WarehouseSchema)
		if err := pub.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		publishers = append(publishers, pub)
	}

	var recorder runlog.Recorder = runlog.NopRecorder{}
	if cfg.RunlogMongoURI != "" {
		client, err := database.ConnectMongo(ctx, cfg.RunlogMongoURI)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if err := client.Disconnect(context.Background()); err != nil {
				logger.L().Warn("mongo disconnect failed", zap.Error(err))
			}
		})
		recorder = runlog.NewMongoRecorder(client, cfg.RunlogDatabase)
	}

	policy, err := etl.ParseCheckpointPolicy(settings.CheckpointPolicy)
	if err != nil {
		return nil, err
	}

	a.orch = &etl.Orchestrator{
		Extractor: &etl.Extractor{
			Source:      source,
			Store:       store,
			Bucket:      cfg.IngestionBucket,
			Tables:      settings.Tables,
			Parallelism: settings.ExtractParallelism,
			Metrics:     a.metrics,
		},
		Transformer: &etl.Transformer{
			Store:               store,
			RawBucket:           cfg.IngestionBucket,
			ProcessedBucket:     cfg.ProcessedBucket,
			Validator:           etl.NewValidator(),
			Metrics:             a.metrics,
			QuarantineThreshold: settings.QuarantineThreshold,
		},
		Loader: &etl.Loader{
			Store:      store,
			Bucket:     cfg.ProcessedBucket,
			Publishers: publishers,
		},
		Connector:   &sourceSession{creds: creds, secretName: cfg.DBSecretName, source: source},
		Checkpoints: checkpoints,
		Lease:       checkpoints,
		Policy:      policy,
		Timeouts: etl.StageTimeouts{
			Extract:   settings.Timeouts.Extract,
			Transform: settings.Timeouts.Transform,
			Load:      settings.Timeouts.Load,
		},
		Retry: etl.RetryPolicy{
			MaxAttempts:   settings.Retry.MaxAttempts,
			InitialDelay:  settings.Retry.InitialDelay,
			MaxDelay:      settings.Retry.MaxDelay,
			BackoffFactor: settings.Retry.Multiplier,
			JitterFactor:  settings.Retry.Jitter,
		},
		Notifier: notifiers,
		Recorder: recorder,
		Metrics:  a.metrics,
	}

	logger.L().Info("pipeline configured",
		zap.String("source_driver", cfg.SourceDriver),
		zap.String("ingestion_bucket", cfg.IngestionBucket),
		zap.String("processed_bucket", cfg.ProcessedBucket),
		zap.String("checkpoint_policy", string(policy)),
		zap.Int("tables", len(settings.Tables)),
		zap.Int("publishers", len(publishers)))
	return a, nil
}

// sourceSession resolves the source credentials and opens the source
// database at the start of every run, so a rotated secret or a database
// outage fails that run only.
type sourceSession struct {
	creds      secrets.Provider
	secretName string
	source     *etl.SQLSource
}

func (s *sourceSession) Connect(ctx context.Context) (func(), error) {
	c, err := s.creds.DBCredentials(ctx, s.secretName)
	if err != nil {
		return nil, fmt.Errorf("source credentials: %w", err)
	}
	if _, err := database.DSN(s.source.Driver, c); err != nil {
		return nil, etl.Configurationf("source: %v", err)
	}
	db, err := database.ConnectSource(ctx, s.source.Driver, c)
	if err != nil {
		return nil, etl.AsTransient("connect source", err)
	}
	s.source.DB = db
	return func() {
		if err := db.Close(); err != nil {
			logger.L().Warn("source close failed", zap.Error(err))
		}
	}, nil
}

// notifyStartupFailure reports a failure that happened before any run
// could start.
func notifyStartupFailure(ctx context.Context, n alert.Notifier, cause error) {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	e := alert.Event{
		Stage:      "configure",
		Kind:       etl.KindOf(cause).String(),
		Error:      cause.Error(),
		OccurredAt: time.Now().UTC(),
	}
	if err := n.Notify(nctx, e); err != nil {
		logger.L().Error("startup failure notification not delivered", zap.Error(err))
	}
}
