package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"orthanc-orchestrator/common/database"
	mqttcommon "orthanc-orchestrator/common/mqtt"
	rediscommon "orthanc-orchestrator/common/redis"
	"orthanc-orchestrator/internal/config"
	"orthanc-orchestrator/internal/consumer"
	"orthanc-orchestrator/internal/eventbus"
	"orthanc-orchestrator/internal/httpapi"
	"orthanc-orchestrator/internal/idempotency"
	"orthanc-orchestrator/internal/ingest"
	"orthanc-orchestrator/internal/notify"
	"orthanc-orchestrator/internal/orthanc"
	"orthanc-orchestrator/internal/processor"
	"orthanc-orchestrator/internal/repository"
	"orthanc-orchestrator/internal/store"
	"orthanc-orchestrator/internal/worklist"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	kvPrefix        = "orchestrator:"
	memoryOutcomes  = 1000
	startupTimeout  = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Orchestrator wires the components together and owns their lifecycle.
type Orchestrator struct {
	cfg    *config.Config
	logger *zap.Logger

	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttcommon.Client

	orthanc   *orthanc.Client
	quota     *ingest.InstanceQuota
	filter    *ingest.Filter
	router    *processor.Router
	processor *processor.Processor
	bus       *eventbus.Adapter
	consumer  *consumer.EventConsumer
	bridge    *consumer.MQTTBridge
	resolver  *worklist.Resolver
	api       *httpapi.API
	server    *Server
}

// NewOrchestrator connects to the configured infrastructure and builds every
// component. Redis, Postgres and MQTT failures degrade to in-memory
// implementations where one exists.
func NewOrchestrator(cfg *config.Config, logger *zap.Logger) (*Orchestrator, error) {
	o := &Orchestrator{cfg: cfg, logger: logger}
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	o.orthanc = orthanc.NewClient(orthanc.Options{
		BaseURL:  cfg.Orthanc.URL,
		Username: cfg.Orthanc.Username,
		Password: cfg.Orthanc.Password,
		Timeout:  cfg.Orthanc.Timeout,
	}, logger)

	if err := o.connectDB(ctx); err != nil {
		return nil, err
	}
	o.connectRedis(ctx)
	o.connectMQTT()

	var marks idempotency.Marks = idempotency.NewMemoryMarks()
	var kv store.KV = store.NewMemoryKV()
	if o.redisClient != nil {
		marks = idempotency.NewRedisMarks(o.redisClient)
		kv = store.NewRedisKV(o.redisClient, kvPrefix)
	}

	// outcomes
	var outcomes repository.OutcomeStore = repository.NewMemoryOutcomeStore(memoryOutcomes)
	if o.db != nil {
		outcomes = repository.NewPostgresOutcomeStore(o.db, logger)
	}
	recorders := notify.Fanout{outcomes}
	if o.redisClient != nil && cfg.Events.OutcomeStream != "" {
		recorders = append(recorders, notify.NewStreamNotifier(o.redisClient, cfg.Events.OutcomeStream, logger))
	}
	if o.mqttClient != nil {
		recorders = append(recorders, notify.NewMQTTNotifier(o.mqttClient, cfg.MQTT.TopicPrefix, cfg.MQTT.QoS, logger))
	}

	// ingest filter
	var predicates []ingest.Predicate
	if len(cfg.Filter.AllowedModalities) > 0 {
		predicates = append(predicates, ingest.NewModalityAllowList(cfg.Filter.AllowedModalities...))
	}
	if len(cfg.Filter.AllowedAETs) > 0 {
		predicates = append(predicates, ingest.NewAETAllowList(cfg.Filter.AllowedAETs...))
	}
	if cfg.Filter.MaxInstances > 0 {
		o.quota = ingest.NewInstanceQuota(cfg.Filter.MaxInstances)
		predicates = append(predicates, o.quota)
	}
	if cfg.Filter.MaxDiskMB > 0 {
		predicates = append(predicates, ingest.NewDiskQuota(cfg.Filter.MaxDiskMB, o.orthanc))
	}
	o.filter = ingest.NewFilter(logger, ingest.ParseFailMode(cfg.Filter.FailMode), cfg.Filter.Timeout, predicates...)

	// stable-study processing
	o.router = processor.NewRouter(o.orthanc, logger, processor.RouterOptions{
		MaxAttempts:    cfg.Routing.MaxAttempts,
		BackoffInitial: cfg.Routing.BackoffInitial,
		BackoffMax:     cfg.Routing.BackoffMax,
	})
	procOpts := processor.Options{
		Rules:    cfg.Routing.Rules,
		Handlers: processor.DefaultModalityHandlers(logger),
		Recorder: recorders,
		MarkTTL:  cfg.Events.IdempotencyTTL,
	}
	if o.quota != nil {
		procOpts.Quota = o.quota
	}
	o.processor = processor.New(logger, o.orthanc, o.router, marks, procOpts)
	o.bus = eventbus.NewAdapter(logger, marks, eventbus.Options{
		Timeout: cfg.Events.DispatchTimeout,
		MarkTTL: cfg.Events.IdempotencyTTL,
	}, o.processor.Routes()...)

	if o.redisClient != nil {
		o.consumer = consumer.NewEventConsumer(o.redisClient, o.bus, logger, consumer.Options{
			Stream:       cfg.Events.Stream,
			Group:        cfg.Events.ConsumerGroup,
			ConsumerName: cfg.Events.ConsumerName,
			BatchSize:    int64(cfg.Events.BatchSize),
		})
		if o.mqttClient != nil && cfg.MQTT.ChangesTopic != "" {
			o.bridge = consumer.NewMQTTBridge(o.mqttClient, o.redisClient, cfg.MQTT.ChangesTopic, cfg.MQTT.QoS, cfg.Events.Stream, logger)
		}
	} else {
		logger.Warn("Change stream disabled without Redis; only POST /hooks/changes delivers events")
	}

	// worklist
	schedule, err := o.scheduleStore()
	if err != nil {
		o.closeClients()
		return nil, err
	}
	var cache *worklist.CachedSource
	if cfg.Worklist.CacheTTL > 0 {
		cache = worklist.NewCachedSource(schedule, kv, cfg.Worklist.CacheTTL, logger)
		schedule = cache
	}
	o.resolver = worklist.NewResolver(schedule, cfg.Worklist.Workers, logger)

	// HTTP
	deps := httpapi.Deps{
		System:    o.orthanc,
		Processor: o.processor,
		Bus:       o.bus,
		Filter:    o.filter,
		Worklist:  o.resolver,
		Outcomes:  outcomes,
	}
	if o.consumer != nil {
		deps.Consumer = o.consumer
	}
	if cache != nil {
		deps.WorklistCache = cache
	}
	o.api = httpapi.NewAPI(deps, logger)
	hooks := httpapi.NewHooks(o.bus, o.filter, o.resolver, logger)

	var fallback http.Handler
	if cfg.Orthanc.ProxyEnabled {
		proxy, err := httpapi.NewOrthancProxy(cfg.Orthanc.URL, cfg.Orthanc.Username, cfg.Orthanc.Password, logger)
		if err != nil {
			o.closeClients()
			return nil, err
		}
		fallback = proxy
	}
	o.server = NewServer(cfg.HTTP.Addr, httpapi.NewRouter(o.api, hooks, fallback, logger), logger)

	return o, nil
}

func (o *Orchestrator) connectDB(ctx context.Context) error {
	if !o.cfg.DBEnabled {
		return nil
	}
	db, err := database.NewPostgresDB(ctx, &o.cfg.Database)
	if err != nil {
		if o.cfg.Worklist.Source == "postgres" {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		o.logger.Warn("DB enabled but connection failed, falling back to memory stores", zap.Error(err))
		return nil
	}
	if err := repository.EnsureSchema(ctx, db); err != nil {
		_ = database.Close(db)
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	o.db = db
	o.logger.Info("DB enabled", zap.String("host", o.cfg.Database.Host), zap.String("database", o.cfg.Database.Database))
	return nil
}

func (o *Orchestrator) connectRedis(ctx context.Context) {
	client, err := rediscommon.Connect(ctx, &o.cfg.Redis)
	if err != nil {
		o.logger.Warn("Redis unavailable, using in-memory marks and cache", zap.Error(err))
		return
	}
	o.redisClient = client
}

func (o *Orchestrator) connectMQTT() {
	if !o.cfg.MQTT.Enabled {
		return
	}
	client, err := mqttcommon.NewClient(&o.cfg.MQTT.MQTTConfig, o.logger)
	if err != nil {
		o.logger.Warn("MQTT enabled but connection failed, outcomes will not be published", zap.Error(err))
		return
	}
	o.mqttClient = client
}

func (o *Orchestrator) scheduleStore() (repository.ScheduleStore, error) {
	if o.cfg.Worklist.Source == "postgres" {
		return repository.NewPostgresScheduleStore(o.db, o.logger), nil
	}
	s, err := repository.LoadScheduleFile(o.cfg.Worklist.File)
	if err != nil {
		return nil, fmt.Errorf("failed to load worklist file: %w", err)
	}
	o.logger.Info("Using in-memory worklist", zap.String("file", o.cfg.Worklist.File), zap.Int("entries", s.Len()))
	return s, nil
}

// Handler returns the HTTP handler, e.g. for tests.
func (o *Orchestrator) Handler() http.Handler {
	return o.server.httpServer.Handler
}

// Run seeds the quota, registers route targets and serves until ctx is
// cancelled or a component fails.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.prepare(ctx)

	o.logger.Info("Available custom endpoints", zap.Strings("endpoints", o.api.Endpoints()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(o.server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return o.server.Stop(shutdownCtx)
	})
	if o.consumer != nil {
		g.Go(func() error { return o.consumer.Start(gctx) })
	}
	if o.bridge != nil {
		g.Go(func() error { return o.bridge.Start(gctx) })
	}
	if o.quota != nil && o.cfg.Filter.QuotaResync > 0 {
		g.Go(func() error {
			o.resyncQuota(gctx, o.cfg.Filter.QuotaResync)
			return nil
		})
	}
	return g.Wait()
}

// prepare runs the startup steps that need the imaging server. Failures are
// logged; the service still starts.
func (o *Orchestrator) prepare(ctx context.Context) {
	if o.quota != nil {
		if err := o.seedQuota(ctx); err != nil {
			o.logger.Warn("Failed to seed instance quota, starting at 0", zap.Error(err))
		}
	}
	for _, t := range o.cfg.Routing.Targets {
		if err := o.orthanc.RegisterModality(ctx, t); err != nil {
			o.logger.Warn("Failed to register route target",
				zap.String("target", t.Name),
				zap.String("address", t.Address),
				zap.Error(err),
			)
			continue
		}
		o.logger.Info("Registered route target", zap.String("target", t.Name), zap.String("ae_title", t.AETitle))
	}
}

// seedQuota sets the instance quota to the server's instance count.
func (o *Orchestrator) seedQuota(ctx context.Context) error {
	stats, err := o.orthanc.GetStatistics(ctx)
	if err != nil {
		return err
	}
	before := o.quota.Used()
	o.quota.Seed(stats.CountInstances)
	o.logger.Info("Seeded instance quota",
		zap.Int64("before", before),
		zap.Int64("used", o.quota.Used()),
		zap.Int64("max", o.quota.Max()),
	)
	return nil
}

// resyncQuota re-seeds the quota every interval so slots reserved for
// instances the server never stored, or released twice, do not drift.
func (o *Orchestrator) resyncQuota(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.seedQuota(ctx); err != nil && ctx.Err() == nil {
				o.logger.Warn("Failed to resync instance quota", zap.Error(err))
			}
		}
	}
}

// Stop drains the event bus, cancels pending routes and closes clients.
func (o *Orchestrator) Stop(ctx context.Context) error {
	var errs []error
	if err := o.bus.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("event bus: %w", err))
	}
	if err := o.router.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("router: %w", err))
	}
	o.closeClients()
	return errors.Join(errs...)
}

func (o *Orchestrator) closeClients() {
	if o.mqttClient != nil {
		o.mqttClient.Disconnect()
	}
	if o.redisClient != nil {
		if err := rediscommon.Close(o.redisClient); err != nil {
			o.logger.Warn("Failed to close Redis", zap.Error(err))
		}
	}
	if o.db != nil {
		if err := database.Close(o.db); err != nil {
			o.logger.Warn("Failed to close DB", zap.Error(err))
		}
	}
}
