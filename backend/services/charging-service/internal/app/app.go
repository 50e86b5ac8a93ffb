package app

import (
	"context"
	"database/sql"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	libdb "flashcharge/backend/libs/db"
	libredis "flashcharge/backend/libs/redis"
	"flashcharge/backend/services/charging-service/internal/auth"
	"flashcharge/backend/services/charging-service/internal/battery"
	"flashcharge/backend/services/charging-service/internal/cache"
	"flashcharge/backend/services/charging-service/internal/clients"
	"flashcharge/backend/services/charging-service/internal/config"
	httpserver "flashcharge/backend/services/charging-service/internal/http"
	"flashcharge/backend/services/charging-service/internal/http/handlers"
	"flashcharge/backend/services/charging-service/internal/http/middleware"
	"flashcharge/backend/services/charging-service/internal/metrics"
	"flashcharge/backend/services/charging-service/internal/publish"
	"flashcharge/backend/services/charging-service/internal/registry"
	"flashcharge/backend/services/charging-service/internal/repository"
	"flashcharge/backend/services/charging-service/internal/service"
	"flashcharge/backend/services/charging-service/internal/telemetry"
	"flashcharge/backend/services/charging-service/internal/ws"
)

// storeSource joins the telemetry and transaction tables for the aggregator.
type storeSource struct {
	*repository.TelemetryRepository
	*repository.TransactionRepository
}

// App wires charging-service dependencies.
type App struct {
	server      *httpserver.Server
	watcher     *service.PrepaidWatcher
	broadcaster *ws.Broadcaster
	wsManager   *ws.Manager
	scheduler   *service.StatusScheduler
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  mqtt.Client
	logger      *zap.Logger
}

// New constructs the application graph.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	sqlDB, err := libdb.NewPostgresDB(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	a := &App{db: sqlDB, logger: logger}

	var snapshotCache *cache.SnapshotCache
	if cfg.Redis.Addr != "" {
		redisClient, err := libredis.NewRedisClient(libredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redisClient = redisClient
		snapshotCache = cache.NewSnapshotCache(redisClient, cfg.Redis.SnapshotTTL)
	} else {
		logger.Warn("redis not configured, snapshot cache disabled")
	}

	chargerRepo := repository.NewChargerRepository(sqlDB)
	telemetryRepo := repository.NewTelemetryRepository(sqlDB)
	transactionRepo := repository.NewTransactionRepository(sqlDB)
	prepaidRepo := repository.NewPrepaidRepository(sqlDB)

	model := cfg.BatteryModel()
	classifier := battery.NewClassifier(cfg.Variants)
	predictor := battery.NewPredictor(model, cfg.Limits)
	resolver := telemetry.NewResolver(model, classifier, cfg.Windows)

	// typed nil pointers must not reach the interface-typed parameters
	var (
		aggregatorCache telemetry.Cache
		invalidator     service.SnapshotInvalidator
	)
	if snapshotCache != nil {
		aggregatorCache = snapshotCache
		invalidator = snapshotCache
	}
	aggregator := telemetry.NewAggregator(storeSource{telemetryRepo, transactionRepo}, resolver, aggregatorCache, logger)

	var control service.ChargeControl
	switch cfg.Control.Mode {
	case config.ControlDirect:
		a.scheduler = service.NewStatusScheduler(transactionRepo, cfg.Control.FinishingDelay, logger)
		control = service.NewDirectControl(transactionRepo, a.scheduler, cfg.Control.OnlineThreshold, logger)
	default:
		control = clients.NewSteveClient(cfg.Control.SteveURL, cfg.Control.SteveAPIKey, cfg.Control.Timeout, logger)
	}
	logger.Info("charge control configured", zap.String("mode", cfg.Control.Mode))

	sessions := service.NewSessionResolver(control, transactionRepo, invalidator, logger)
	params := service.NewChargingParamsService(telemetryRepo, classifier, predictor, cfg.Cadence.ParamsLookback, cfg.Pricing.Currency)
	chargers := service.NewChargerService(chargerRepo, transactionRepo, cfg.Control.OnlineThreshold)
	prepaid := service.NewPrepaidService(prepaidRepo, transactionRepo, telemetryRepo, sessions, aggregator, model, logger)
	a.watcher = service.NewPrepaidWatcher(prepaidRepo, prepaid, cfg.Cadence.PrepaidPoll, logger)

	tokens := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	reg := registry.New(cfg.WebSocket.PerIPLimit, time.Minute)
	a.wsManager = ws.NewManager(reg, cfg.WebSocket.PingInterval)
	proxies, err := ws.ParseTrustedProxies(cfg.WebSocket.TrustedProxies)
	if err != nil {
		a.Close()
		return nil, err
	}
	wsServer := ws.NewServer(a.wsManager, reg, tokens, cfg.WebSocket.WriteTimeout, cfg.WebSocket.PingInterval, logger,
		ws.WithTrustedProxies(proxies))

	var sinks []ws.Sink
	if cfg.MQTTEnabled() {
		publisher, client, err := publish.NewMQTTPublisher(publish.Options{
			BrokerURL:   cfg.MQTT.BrokerURL,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.mqttClient = client
		sinks = append(sinks, publisher)
	}
	a.broadcaster = ws.NewBroadcaster(reg, aggregator, cfg.Cadence.PushRefresh, cfg.MQTT.Chargers, logger, sinks...)

	router := httpserver.NewRouter(httpserver.RouterDeps{
		ChargerHandlers: handlers.NewChargerHandlers(aggregator, params, chargers, logger),
		SessionHandlers: handlers.NewSessionHandlers(sessions, logger),
		PrepaidHandlers: handlers.NewPrepaidHandlers(prepaid, logger),
		HealthHandler:   handlers.NewHealthHandler(),
		MetricsHandler:  metrics.Handler(),
		WSStatsHandler:  handlers.NewWSStatsHandler(reg),
		WSHandler:       wsServer.HandleWS,
	}, middleware.AuthMiddleware(tokens))

	a.server = httpserver.NewServer(cfg.HTTPAddress(), router, logger,
		middleware.RequestID,
		middleware.Recover(logger),
		middleware.Logging(logger),
	)
	return a, nil
}

// Run starts the HTTP server and the background loops. The first failure stops the rest.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.server.Run(ctx) })
	g.Go(func() error { return a.watcher.Start(ctx) })
	g.Go(func() error { return a.broadcaster.Start(ctx) })
	g.Go(func() error { return a.wsManager.Start(ctx) })
	return g.Wait()
}

// Close releases resources.
func (a *App) Close() {
	if a.scheduler != nil {
		a.scheduler.Close()
	}
	if a.mqttClient != nil {
		a.mqttClient.Disconnect(250)
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close db", zap.Error(err))
		}
	}
}
