// The progress service ingests playback heartbeats, maintains per-learner
// watch state and materializes daily engagement stats.
package main

import (
	"context"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/learn-platform/internal/platform/analytics"
	"github.com/example/learn-platform/internal/platform/auth"
	appconfig "github.com/example/learn-platform/internal/platform/config"
	"github.com/example/learn-platform/internal/platform/db"
	"github.com/example/learn-platform/internal/platform/httpserver"
	"github.com/example/learn-platform/internal/platform/logging"
	"github.com/example/learn-platform/internal/platform/natsconn"
	"github.com/example/learn-platform/internal/platform/run"
	"github.com/example/learn-platform/services/progress/internal/config"
	"github.com/example/learn-platform/services/progress/internal/handlers"
	"github.com/example/learn-platform/services/progress/internal/metrics"
	"github.com/example/learn-platform/services/progress/internal/ratelimit"
	"github.com/example/learn-platform/services/progress/internal/rollup"
	"github.com/example/learn-platform/services/progress/internal/service"
	"github.com/example/learn-platform/services/progress/internal/store"
)

func main() {
	appCfg, err := appconfig.Load()
	if err != nil {
		panic(err)
	}
	log, err := logging.New(appCfg.ServiceName, appCfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	pool, err := db.Open(ctx)
	cancel()
	if err != nil {
		log.Fatal("database open failed", zap.Error(err))
	}
	defer pool.Close()

	// NATS is optional: without it analytics events are dropped but the
	// ingest path keeps working.
	var events *analytics.Publisher
	nc, err := natsconn.Connect(natsconn.Options{Name: appCfg.ServiceName})
	if err != nil {
		log.Warn("nats unavailable, analytics events disabled", zap.Error(err))
	} else {
		defer nc.Drain()
		var js nats.JetStreamContext
		if js, err = nc.JetStream(); err != nil {
			log.Warn("jetstream unavailable, analytics events disabled", zap.Error(err))
		} else {
			events = analytics.New(js, log)
		}
	}

	st := store.NewPostgresStore(pool)
	policy := service.Policy{
		PaddingS:            cfg.TickPaddingS,
		BackdateToleranceS:  cfg.BackdateToleranceS,
		MaxJumpS:            cfg.MaxJumpS,
		CompletionThreshold: cfg.CompletionThreshold,
	}
	heartbeat := service.NewHeartbeat(st, events, policy, log)
	rollupJob := rollup.NewJob(st, events, log)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	reg.MustRegister(collectors.NewGoCollector())

	verifier := auth.JWTVerifier{Secret: []byte(cfg.JWTSecret)}
	limiter := ratelimit.New(cfg.HeartbeatRateLimit, cfg.HeartbeatBurst)

	r := chi.NewRouter()
	httpserver.SetupRouter(r, httpserver.RouterConfig{
		ReadyFunc: func() error {
			c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return pool.Ping(c)
		},
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.RequireUser(verifier))

		r.Group(func(r chi.Router) {
			r.Use(limiter.Middleware)
			r.Method("POST", "/progress/heartbeat", handlers.NewHeartbeatHandler(st, heartbeat, log))
		})
		r.Method("GET", "/progress/continue", handlers.NewContinueHandler(st, log))

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAdmin)
			r.Method("POST", "/admin/rollup", handlers.NewRollupHandler(rollupJob, log))
		})
	})

	srv := httpserver.New(httpserver.Options{
		Addr:        appCfg.HTTP.Addr,
		ServiceName: appCfg.ServiceName,
		Logger:      log,
		Router:      r,
	})

	runner := run.New(log)
	code := runner.WithSignals(func(ctx context.Context) error {
		if cfg.RollupInterval > 0 {
			go runRollupLoop(ctx, rollupJob, cfg.RollupInterval, log)
		}
		return srv.Start(log)
	})
	runner.Graceful(srv.Shutdown)
	run.Exit(code)
}

// runRollupLoop runs the daily rollup on a fixed interval until ctx is
// cancelled. An initial run at startup catches up after downtime.
func runRollupLoop(ctx context.Context, job *rollup.Job, interval time.Duration, log *zap.Logger) {
	if _, err := job.Run(ctx); err != nil {
		log.Error("rollup run failed", zap.Error(err))
	}

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := job.Run(ctx); err != nil {
				log.Error("rollup run failed", zap.Error(err))
			}
		}
	}
}
