package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lzyats/yuim-realtime/internal/auth"
	"github.com/lzyats/yuim-realtime/internal/breaker"
	"github.com/lzyats/yuim-realtime/internal/config"
	"github.com/lzyats/yuim-realtime/internal/gateway"
	"github.com/lzyats/yuim-realtime/internal/hub"
	"github.com/lzyats/yuim-realtime/internal/metrics"
	"github.com/lzyats/yuim-realtime/pkg/bus"
	"github.com/lzyats/yuim-realtime/pkg/delivery"
	"github.com/lzyats/yuim-realtime/pkg/event"
	"github.com/lzyats/yuim-realtime/pkg/presence"
	"github.com/lzyats/yuim-realtime/pkg/provider/getui"
	"github.com/lzyats/yuim-realtime/pkg/push"
	"github.com/lzyats/yuim-realtime/pkg/receipt"
	"github.com/lzyats/yuim-realtime/pkg/retry"
	redisstore "github.com/lzyats/yuim-realtime/pkg/store/redis"
)

var (
	// Version is injected via -ldflags "-X main.Version=..."
	Version = "dev"
)

func main() {
	var cfgPaths string
	flag.StringVar(&cfgPaths, "c", "./config.yml", "config file path (supports: a.yml,b.yml)")
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := config.Load(cfgPaths)
	if err != nil {
		log.Fatal("load config failed", zap.Error(err))
	}
	log = log.With(zap.String("node", cfg.Node.ID))
	log.Info("im-gateway starting",
		zap.String("version", Version),
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("bus", cfg.Bus.Backend),
		zap.String("auth", cfg.Auth.Mode),
	)

	metrics.Register()

	store, err := redisstore.New(redisstore.SettingsFromAddr(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.Database))
	if err != nil {
		log.Fatal("redis init failed", zap.Error(err))
	}
	defer store.Close()
	if err := store.Ping(context.Background()); err != nil {
		log.Fatal("redis unreachable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	rdb := store.Client()

	b, err := newBus(cfg, rdb, log)
	if err != nil {
		log.Fatal("bus init failed", zap.Error(err))
	}

	ps := presence.NewStore(rdb, presence.Options{
		OnlineTTL:  cfg.Presence.OnlineTTL,
		OfflineTTL: cfg.Presence.OfflineTTL,
	})
	receipts := receipt.NewStore(rdb, receipt.Options{TTL: cfg.Receipts.TTL})

	var notifier push.Notifier
	var dispatcher *delivery.Dispatcher
	if cfg.Fallback.Enabled == "Y" {
		dispatcher = delivery.NewDispatcher(getui.New(cfg.Fallback), log, delivery.Options{
			Report: func(err error) {
				if err != nil {
					metrics.FallbackPush.WithLabelValues("error").Inc()
					return
				}
				metrics.FallbackPush.WithLabelValues("ok").Inc()
			},
		})
		notifier = dispatcher
		log.Info("fallback push enabled", zap.String("provider", "getui"))
	}
	queue := retry.NewQueue(rdb, ps, b, log, retry.Options{
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxAttempts: cfg.Retry.MaxAttempts,
		Retention:   cfg.Retry.Retention,
		Batch:       cfg.Retry.Batch,
		OnTerminal:  gateway.TerminalHandler(notifier, log),
	})

	ids, err := event.NewIDGenerator(event.MachineID(cfg.Node.ID))
	if err != nil {
		log.Fatal("id generator init failed", zap.Error(err))
	}

	limits := make(map[string]gateway.Limit, len(cfg.RateLimits))
	for name, l := range cfg.RateLimits {
		limits[name] = gateway.Limit{Limit: l.Limit, Window: l.Window}
	}

	gw, err := gateway.New(hub.New(), gateway.Deps{
		Verifier: newVerifier(cfg, rdb),
		Bus:      b,
		Presence: ps,
		Queue:    queue,
		Receipts: receipts,
		IDs:      ids,
		Breaker: breaker.New(breaker.Options{
			Threshold: cfg.Breaker.Threshold,
			Window:    cfg.Breaker.Window,
			OpenFor:   cfg.Breaker.OpenFor,
		}),
		Log: log,
	}, gateway.Options{
		NodeID:            cfg.Node.ID,
		HeartbeatInterval: cfg.Heartbeat.Interval,
		OutQueue:          cfg.HTTP.OutQueue,
		RateLimits:        limits,
		TokenLookup: auth.TokenLookup{
			QueryKey:     cfg.Auth.Token.QueryKey,
			Header:       cfg.Auth.Token.Header,
			BearerPrefix: cfg.Auth.Token.BearerPrefix,
			CookieName:   cfg.Auth.Token.CookieName,
		},
		WriteTimeout: cfg.HTTP.WriteTimeout,
		ReadLimit:    cfg.HTTP.ReadLimit,
	})
	if err != nil {
		log.Fatal("gateway init failed", zap.Error(err))
	}

	subCtx, cancelSub := context.WithTimeout(context.Background(), 10*time.Second)
	err = gw.Start(subCtx)
	cancelSub()
	if err != nil {
		log.Fatal("bus subscribe failed", zap.Error(err))
	}

	worker := retry.NewWorker(queue, log, retry.WorkerOptions{
		Tick:       cfg.Retry.Tick,
		SweepEvery: cfg.Retry.SweepEvery,
		Report: func(r retry.Result) {
			metrics.RetryDelivered.Add(float64(r.Delivered))
			metrics.RetryRescheduled.Add(float64(r.Rescheduled))
		},
	})
	worker.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "redis: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	gw.Routes(mux)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 2 * time.Second,
	}
	go func() {
		log.Info("im-gateway listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("im-gateway stopping", zap.String("signal", s.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	// hijacked websocket connections are not tracked by Shutdown; close
	// them through the gateway so presence is updated
	_ = srv.Shutdown(ctx)
	gw.Shutdown()
	worker.Stop()
	if dispatcher != nil {
		dispatcher.Close()
	}
	if err := b.Close(); err != nil {
		log.Warn("bus close failed", zap.Error(err))
	}
	log.Info("im-gateway stopped")
}

func newBus(cfg *config.Config, rdb redis.UniversalClient, log *zap.Logger) (bus.Bus, error) {
	switch cfg.Bus.Backend {
	case "rocketmq":
		return bus.NewRocketMQ(cfg.Bus.RocketMQ, cfg.Node.ID, log)
	case "nats":
		return bus.NewNATS(bus.NATSOptions{
			URL:      cfg.Bus.NATS.URL,
			User:     cfg.Bus.NATS.User,
			Password: cfg.Bus.NATS.Password,
			Name:     cfg.Node.ID,
			Subject:  cfg.Bus.Channel,
		}, log)
	case "local":
		log.Warn("local bus: envelopes stay inside this process")
		return bus.NewLocal(log), nil
	default:
		return bus.NewRedis(rdb, cfg.Bus.Channel, log), nil
	}
}

func newVerifier(cfg *config.Config, rdb redis.UniversalClient) auth.Verifier {
	if cfg.Auth.Mode == "session" {
		return auth.NewSessionVerifier(rdb, cfg.Auth.Token.RedisPrefix, cfg.Auth.Token.Secret)
	}
	return auth.NewJWTVerifier(cfg.Auth.JWT.Secret, cfg.Auth.JWT.Issuer, cfg.Auth.JWT.Leeway)
}
