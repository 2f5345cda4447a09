package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/samirobaid01/aemos-core/internal/backpressure"
	"github.com/samirobaid01/aemos-core/internal/config"
	"github.com/samirobaid01/aemos-core/internal/devices"
	"github.com/samirobaid01/aemos-core/internal/handlers"
	"github.com/samirobaid01/aemos-core/internal/metrics"
	localmw "github.com/samirobaid01/aemos-core/internal/middleware"
	"github.com/samirobaid01/aemos-core/internal/notifications"
	"github.com/samirobaid01/aemos-core/internal/protocol"
	"github.com/samirobaid01/aemos-core/internal/repository"
	"github.com/samirobaid01/aemos-core/internal/router"
	"github.com/samirobaid01/aemos-core/internal/ruleengine"
	"github.com/samirobaid01/aemos-core/internal/ruleindex"
	"github.com/samirobaid01/aemos-core/internal/schedule"
	"github.com/samirobaid01/aemos-core/internal/tokencache"
	"github.com/samirobaid01/aemos-core/pkg/logger"
)

const (
	exitFatalConfig     = 1
	exitRepoUnreachable = 2
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(exitFatalConfig)
	}

	log := logger.New()
	defer log.Sync()

	db, err := repository.NewPostgresDB(cfg.DatabaseURL)
	if err != nil {
		log.Errorw("database unreachable", "error", err)
		os.Exit(exitRepoUnreachable)
	}
	defer db.Close()
	repo := repository.NewRepositories(db)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid REDIS_URL: %v\n", err)
		os.Exit(exitFatalConfig)
	}
	cache := tokencache.NewCache(redisOpts, repo, log, time.Duration(cfg.TokenCacheTTLSeconds)*time.Second,
		cfg.PublisherUser, cfg.PublisherPass, cfg.PublisherPrefix)
	defer cache.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cache.EnsureConnection(ctx); err != nil {
		log.Warnw("redis unreachable at startup, token lookups fall through to the database", "error", err)
	}

	idx := ruleindex.New(repo)
	if err := idx.Rebuild(ctx); err != nil {
		log.Errorw("initial rule index build failed", "error", err)
		os.Exit(exitRepoUnreachable)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry, cfg.MetricsMaxSeriesPerMetric)
	m.Workers.Set(float64(cfg.EngineWorkerCount))

	bp := backpressure.New(backpressure.Thresholds{
		Warning:  cfg.BackpressureWarningDepth,
		Critical: cfg.BackpressureCriticalDepth,
		Cooldown: time.Duration(cfg.BackpressureCooldownMs) * time.Millisecond,
	}, log)

	// The MQTT adapter and the router reference each other (inbound
	// messages flow adapter -> router, notifications flow router ->
	// adapter), so the adapter gets a handler closure resolved after
	// the router exists.
	var rt *router.Router
	mqttAdapter := protocol.NewMQTTAdapter(protocol.MQTTConfig{
		BrokerURL: cfg.MQTTBrokerURL,
		ClientID:  cfg.MQTTClientID,
		Username:  cfg.MQTTUsername,
		Password:  cfg.MQTTPassword,
		QoS:       cfg.MQTTQoS,
	}, log, func(ctx context.Context, msg protocol.Message) error {
		return rt.Handle(ctx, msg)
	})

	fanout := notifications.NewFanOut(mqttAdapter, log, cfg.NotificationBufferSize,
		time.Duration(cfg.NotificationFlushInterval)*time.Millisecond)

	eventDeadline := time.Duration(cfg.EngineEventDeadlineMs) * time.Millisecond
	engine := ruleengine.NewManager(repo, idx, ruleengine.NewInterpreter(nil), bp, fanout, m, log, nil,
		ruleengine.ManagerConfig{
			WorkerCount:           cfg.EngineWorkerCount,
			EventDeadline:         eventDeadline,
			DataCollectionTimeout: time.Duration(cfg.DataCollectionTimeoutMs) * time.Millisecond,
			RuleChainTimeout:      time.Duration(cfg.RuleChainTimeoutMs) * time.Millisecond,
		})

	devs := devices.NewService(repo, log, 5*time.Minute, time.Minute)
	store := &router.RepoStore{Repo: repo}
	rt = router.New(cache, store, engine, fanout, devs, log, nil, cfg.IsDevelopment(), eventDeadline)

	sched := schedule.NewManager(repo.RuleChains, engine, log, nil,
		time.Duration(cfg.AutoSyncIntervalMs)*time.Millisecond, eventDeadline)

	h := handlers.NewHandlers(repo, idx, sched, engine, cache, devs, log)
	httpAdapter := protocol.NewHTTPAdapter(log, rt.Handle, store)
	coapAdapter := protocol.NewCoAPAdapter(cfg.CoAPBindAddress, log, rt.Handle)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(localmw.Logger(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(httprate.LimitByIP(600, time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health.Check)
	r.Get("/ready", h.Health.Ready)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// Device-facing ingest paths, shared with the MQTT/CoAP topic
	// grammar.
	httpAdapter.Mount(r)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/rulechains", h.RuleChain.List)
		r.Post("/rulechains", h.RuleChain.Create)
		r.Get("/rulechains/{ruleChainID}", h.RuleChain.Get)
		r.Put("/rulechains/{ruleChainID}", h.RuleChain.Update)
		r.Delete("/rulechains/{ruleChainID}", h.RuleChain.Delete)
		r.Get("/rulechains/{ruleChainID}/nodes", h.RuleChain.ListNodes)
		r.Put("/rulechains/{ruleChainID}/nodes", h.RuleChain.ReplaceNodes)
		r.Post("/rulechains/{ruleChainID}/trigger", h.RuleChain.Trigger)
		r.Post("/schedules/sync", h.RuleChain.SyncSchedules)

		r.Post("/sensors/{sensorID}/tokens", h.Token.Issue)
		r.Get("/sensors/{sensorID}/tokens", h.Token.List)
		r.Delete("/tokens/{tokenID}", h.Token.Revoke)
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.APIPort),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	schedCtx, schedCancel := context.WithCancel(ctx)
	defer schedCancel()

	go engine.Run(ctx)
	go fanout.Run(ctx)
	go devs.Run(ctx)
	go cache.RunSweep(ctx, time.Duration(cfg.TokenCacheSweepIntervalMs)*time.Millisecond)
	go func() {
		if err := sched.Run(schedCtx); err != nil {
			log.Errorw("schedule manager stopped", "error", err)
		}
	}()
	go func() {
		if err := mqttAdapter.Start(ctx); err != nil {
			log.Errorw("mqtt adapter stopped", "error", err)
		}
	}()
	go func() {
		if err := coapAdapter.Start(ctx); err != nil {
			log.Errorw("coap adapter stopped", "error", err)
		}
	}()

	go func() {
		log.Infow("aemos core listening", "port", cfg.APIPort, "environment", cfg.Environment)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("http server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infow("shutting down")

	// Shutdown order: stop minting schedule triggers, then cancel the
	// shared context, which stops the engine workers, the MQTT/CoAP
	// transports and the background loops together; wait for in-flight
	// workers up to the grace period, then stop the HTTP surface.
	schedCancel()
	cancel()
	engine.Shutdown(10 * time.Second)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("http server forced shutdown", "error", err)
	}

	log.Infow("stopped")
}
