package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/ajitpratap0/marketsync/internal/federation"
	"github.com/ajitpratap0/marketsync/internal/jobs"
	"github.com/ajitpratap0/marketsync/internal/offset"
	"github.com/ajitpratap0/marketsync/internal/streaming"
	"github.com/ajitpratap0/marketsync/internal/transfer"
	"github.com/ajitpratap0/marketsync/pkg/clients"
	"github.com/ajitpratap0/marketsync/pkg/config"
	"github.com/ajitpratap0/marketsync/pkg/logger"
	"github.com/ajitpratap0/marketsync/pkg/observability"
)

// app holds the process-wide components built from one Config.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	closers []func()
}

func newApp(cfg *config.Config) (*app, error) {
	if err := logger.Init(cfg.Log); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return &app{cfg: cfg, logger: logger.Get().With(zap.String("component", "marketsync-cli"))}, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = logger.Sync()
}

func (a *app) tracing() error {
	if !a.cfg.Tracing.Enabled {
		return nil
	}
	shutdown, err := observability.Initialize(observability.TracingConfig{
		ServiceName:    a.cfg.Tracing.ServiceName,
		ServiceVersion: version,
		SamplingRate:   a.cfg.Tracing.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.closers = append(a.closers, func() {
		if err := shutdown(context.Background()); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	})
	return nil
}

func (a *app) queue(ctx context.Context) (*jobs.RedisQueue, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", a.cfg.Redis.Addr, err)
	}
	a.closers = append(a.closers, func() { _ = rdb.Close() })
	return jobs.NewRedisQueue(rdb, a.cfg.Queue, a.logger), nil
}

func (a *app) offsets(ctx context.Context) (offset.Store, error) {
	store, err := offset.Open(ctx, a.cfg.Database, offset.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = store.Close() })
	return store, nil
}

func (a *app) httpClient(service string) *clients.HTTPClient {
	hc := clients.DefaultHTTPConfig(service)
	hc.RateLimit = a.cfg.Remote.RateLimit
	hc.RateBurst = a.cfg.Remote.RateBurst
	hc.FailureThreshold = a.cfg.Remote.FailureThreshold
	hc.OpenTimeout = a.cfg.Remote.OpenTimeout
	if a.cfg.Transfer.RequestTimeout > 0 {
		hc.RequestTimeout = a.cfg.Transfer.RequestTimeout
	}
	client := clients.NewHTTPClient(hc, a.logger)
	a.closers = append(a.closers, client.Close)
	return client
}

func (a *app) engine(ctx context.Context, offsets offset.Store) (*transfer.Engine, error) {
	remote := a.cfg.Remote

	var storage federation.Storage = federation.NewHTTPStorage(a.httpClient("storage"), remote.StorageURL, remote.ServiceToken)
	if a.cfg.S3.Enabled {
		s3Storage, err := federation.NewS3FileStorage(ctx, a.cfg.S3, storage, a.logger)
		if err != nil {
			return nil, err
		}
		storage = s3Storage
	}

	return transfer.NewEngine(transfer.Dependencies{
		Registry: federation.NewHTTPRegistry(a.httpClient("registry"), remote.RegistryURL),
		Metadata: federation.NewHTTPMetadataRepository(a.httpClient("metadata"), remote.MetadataURL),
		Provider: federation.NewHTTPProvider(a.httpClient("provider")),
		Storage:  storage,
		Offsets:  offsets,
	}, a.cfg.Transfer, a.logger), nil
}

func (a *app) notifier() federation.Notifier {
	return federation.NewHTTPNotifier(a.httpClient("notification"), a.cfg.Remote.NotificationURL, a.cfg.Remote.ServiceToken)
}

func (a *app) connectors() (*streaming.Manager, error) {
	restConfig, err := clientcmd.BuildConfigFromFlags("", a.cfg.Kubernetes.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
	}
	dyn, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}
	kube, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	var opts []streaming.Option
	if a.cfg.Kafka.VerifySourceTopic {
		opts = append(opts, streaming.WithTopicVerifier(streaming.NewSaramaTopicVerifier(a.cfg.Kafka)))
	}
	return streaming.NewManager(dyn, kube, a.cfg.Kubernetes, a.cfg.Kafka, a.logger, opts...), nil
}
