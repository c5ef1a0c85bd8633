package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/and161185/tgcollector/internal/artifact"
	"github.com/and161185/tgcollector/internal/collector"
	"github.com/and161185/tgcollector/internal/config"
	"github.com/and161185/tgcollector/internal/crypto"
	"github.com/and161185/tgcollector/internal/eventbus"
	"github.com/and161185/tgcollector/internal/kv"
	"github.com/and161185/tgcollector/internal/kv/dynamo"
	"github.com/and161185/tgcollector/internal/limiter"
	"github.com/and161185/tgcollector/internal/monitor"
	"github.com/and161185/tgcollector/internal/repository/postgres"
	"github.com/and161185/tgcollector/internal/respcache"
	"github.com/and161185/tgcollector/internal/service"
	"github.com/and161185/tgcollector/internal/session"
	"github.com/and161185/tgcollector/internal/subscription"
	"github.com/and161185/tgcollector/internal/telegram/gotd"
	"github.com/and161185/tgcollector/internal/workqueue"
)

func newParamStore(ctx context.Context) (*config.ParamStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return config.NewParamStore(awsssm.NewFromConfig(awsCfg))
}

// storage holds the stores every command needs.
type storage struct {
	db       *postgres.DB
	kv       kv.Store
	sessions *postgres.SessionRepo
	subs     *postgres.SubscriptionRepo
	messages *postgres.MessageRepo
	queue    *postgres.QueueRepo
}

func wireStorage(ctx context.Context, cfg config.Config) (*storage, error) {
	db, err := postgres.New(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	store, err := wireKV(ctx, cfg.KV)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &storage{
		db:       db,
		kv:       store,
		sessions: postgres.NewSessionRepo(db),
		subs:     postgres.NewSubscriptionRepo(db),
		messages: postgres.NewMessageRepo(db),
		queue:    postgres.NewQueueRepo(db),
	}, nil
}

func (s *storage) close() { s.db.Close() }

func wireKV(ctx context.Context, c config.KV) (kv.Store, error) {
	if c.Backend != "dynamo" {
		return kv.NewMemory(), nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamo.New(awsdynamodb.NewFromConfig(awsCfg), c.Table, c.Prefix)
}

func wireCollector(cfg config.Config, st *storage, pub eventbus.Publisher, runner collector.Runner, log *zap.Logger) *collector.Collector {
	return collector.New(collector.Config{
		Threshold:     cfg.Collector.Threshold,
		BatchSize:     cfg.Collector.BatchSize,
		FlushInterval: cfg.Collector.FlushInterval,
		FlushTimeout:  cfg.Collector.FlushTimeout,
		MarkerTTL:     cfg.Collector.MarkerTTL,
	}, st.queue, st.messages, st.kv, pub, runner, log.Named("collector"))
}

// app is the fully wired service.
type app struct {
	cfg config.Config
	log *zap.Logger

	store     *storage
	mongo     *mongo.Client
	artifacts *artifact.Store
	limiter   *limiter.RateLimiter
	handles   *session.HandleCache
	manager   *session.Manager
	registry  *subscription.Registry
	work      *workqueue.Queue
	bus       eventbus.Publisher
	collector *collector.Collector
	monitor   *monitor.Monitor

	sessions service.SessionService
	contacts service.ContactService
	history  service.MessageService
}

func wireApp(ctx context.Context, cfg config.Config, log *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	if a.store, err = wireStorage(ctx, cfg); err != nil {
		return nil, err
	}
	if a.artifacts, err = a.wireArtifacts(ctx); err != nil {
		return nil, err
	}

	a.limiter = limiter.NewRateLimiter(cfg.Limiter(), log.Named("ratelimit"))

	var guard limiter.Guard = limiter.Nop{}
	if cfg.Guard.Enabled {
		guard = limiter.NewPG(a.store.db.Pool, cfg.Guard.Window, cfg.Guard.MaxFails, cfg.Guard.BlockFor)
	}

	factory := gotd.NewFactory(cfg.Telegram.AppID, cfg.Telegram.AppHash, log.Named("gotd"))
	connector := session.NewConnector(a.artifacts, factory)
	disposer := session.NewDisposer(a.artifacts, cfg.Sessions.SaveTimeout, log.Named("dispose"))
	a.handles = session.NewHandleCache(session.CacheConfig{
		Meta:     a.store.kv,
		MetaTTL:  cfg.Sessions.MetaTTL,
		Sessions: a.store.sessions,
		Opener:   connector,
		Check:    session.NewProber(a.limiter, log.Named("probe")),
		OnEvict:  disposer.Dispose,
	}, log.Named("handles"))
	a.manager = session.NewManager(session.ManagerConfig{
		LoginTTL:    cfg.Sessions.LoginTTL,
		MaxPending:  cfg.Sessions.MaxPending,
		SaveTimeout: cfg.Sessions.SaveTimeout,
	}, session.ManagerDeps{
		Opener:    connector,
		Cache:     a.handles,
		Sessions:  a.store.sessions,
		Artifacts: a.artifacts,
		Limiter:   a.limiter,
		Guard:     guard,
		Dispose:   disposer.Dispose,
	}, log.Named("login"))

	a.registry = subscription.NewRegistry(a.store.subs, a.store.sessions, log.Named("subscriptions"))

	a.bus = eventbus.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		k, err := eventbus.NewKafka(eventbus.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			Async:   cfg.Kafka.Async,
		}, log.Named("eventbus"))
		if err != nil {
			return nil, err
		}
		a.bus = k
	}
	a.work = workqueue.New(cfg.WorkQueue.Workers, cfg.WorkQueue.Size, log.Named("workqueue"))
	a.collector = wireCollector(cfg, a.store, a.bus, a.work, log)
	a.monitor = monitor.New(monitor.Config{
		Interval:   cfg.Monitor.Interval,
		RetryAfter: cfg.Monitor.RetryAfter,
	}, a.handles, a.registry, a.collector, log.Named("monitor"))

	var backend respcache.Backend = respcache.NewMemoryBackend(cfg.Cache.Size, cfg.Cache.DefaultTTL)
	if cfg.Cache.Backend == "kv" {
		backend = respcache.NewKVBackend(a.store.kv)
	}
	cache := respcache.New(backend, respcache.Config{DefaultTTL: cfg.Cache.DefaultTTL, Methods: cfg.CacheTTLs()}, log.Named("respcache"))

	a.sessions = service.NewSessionService(a.manager, a.store.sessions)
	a.contacts = service.NewContactService(a.handles, a.limiter, cache)
	a.history = service.NewMessageService(a.store.messages)
	return a, nil
}

func (a *app) wireArtifacts(ctx context.Context) (*artifact.Store, error) {
	c := a.cfg.Artifact
	var (
		blobs artifact.Blobs
		err   error
	)
	switch c.Backend {
	case "gridfs":
		a.mongo, err = mongo.Connect(ctx, options.Client().ApplyURI(c.MongoURI).SetAppName("tgcollector"))
		if err != nil {
			return nil, fmt.Errorf("mongo connect: %w", err)
		}
		if err := a.mongo.Ping(ctx, nil); err != nil {
			return nil, fmt.Errorf("mongo ping: %w", err)
		}
		blobs, err = artifact.NewGridFSBlobs(a.mongo.Database(c.MongoDB), c.Bucket)
	default:
		blobs, err = artifact.NewDiskBlobs(c.Dir)
	}
	if err != nil {
		return nil, err
	}

	var opts []artifact.Option
	if c.Passphrase != "" {
		sealer, err := crypto.NewSealer([]byte(c.Passphrase), []byte(c.Salt))
		if err != nil {
			return nil, err
		}
		opts = append(opts, artifact.WithSealer(sealer))
	}
	return artifact.NewStore(blobs, c.StagingDir, a.log.Named("artifact"), opts...)
}

// restore reconnects every authorized session so the monitor can attach to it.
func (a *app) restore(ctx context.Context) int {
	n, err := a.handles.Reconcile(ctx, a.store.sessions, 0)
	if err != nil {
		a.log.Error("restore sessions", zap.Error(err))
	}
	return n
}

// adopt keeps picking up sessions authorized by other processes until ctx is done.
func (a *app) adopt(ctx context.Context) error {
	s := a.cfg.Sessions
	return a.handles.RunReconcile(ctx, a.store.sessions, s.ReconcileInterval, s.AdoptAfter)
}

// drain runs the final flush and stops background work. The monitor must be stopped first.
func (a *app) drain(ctx context.Context) {
	if a.collector != nil {
		fctx, cancel := context.WithTimeout(ctx, a.cfg.Collector.ShutdownTimeout)
		sum, err := a.collector.FlushAll(fctx)
		cancel()
		if err != nil {
			a.log.Error("final flush", zap.Error(err))
		} else {
			a.log.Info("final flush",
				zap.Int("queues", sum.Queues),
				zap.Int64("inserted", sum.Inserted),
				zap.Int("failed", len(sum.Failed)))
		}
	}
	if a.work != nil {
		wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := a.work.Close(wctx); err != nil && !errors.Is(err, workqueue.ErrClosed) {
			a.log.Warn("work queue drain", zap.Error(err))
		}
		cancel()
	}
}

// close releases everything in reverse dependency order. It is safe on a partially wired app.
func (a *app) close(ctx context.Context) {
	if a.manager != nil {
		a.manager.Close()
	}
	if a.handles != nil {
		a.handles.Close()
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.log.Warn("event bus close", zap.Error(err))
		}
	}
	if a.mongo != nil {
		if err := a.mongo.Disconnect(ctx); err != nil {
			a.log.Warn("mongo disconnect", zap.Error(err))
		}
	}
	if a.store != nil {
		a.store.close()
	}
}
