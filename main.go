package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/lagren/expiryguard/api"
	"github.com/lagren/expiryguard/audit"
	"github.com/lagren/expiryguard/config"
	"github.com/lagren/expiryguard/mailer"
	"github.com/lagren/expiryguard/notify"
	"github.com/lagren/expiryguard/persistence"
	"github.com/lagren/expiryguard/signing"
	"github.com/lagren/expiryguard/verify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Could not load configuration: %s", err)
	}

	configureLogging(cfg)
	logger := logrus.NewEntry(logrus.StandardLogger())

	db, err := persistence.Open(cfg.DatabasePath)
	if err != nil {
		logrus.Fatalf("Could not open database: %s", err)
	}
	store := persistence.NewStore(db)

	clk := clock.New()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	verifier := verify.New(verify.Config{
		TLSTimeout:   cfg.TLSTimeout,
		WhoisTimeout: cfg.WhoisTimeout,
		Nameserver:   cfg.DNSNameserver,
		Logger:       logger,
	})
	m := mailer.New(cfg.SMTPTimeout, logger)

	guard, closeGuard := sweepGuard(cfg, logger)
	defer closeGuard()

	auditor := audit.New(audit.Config{
		Store:    store,
		Verifier: verifier,
		Notifier: notify.NewEngine(store, m, clk, logger),
		Guard:    guard,
		Clock:    clk,
		Metrics:  audit.NewMetrics(registry),
		Logger:   logger,
	})

	if err := auditor.Start(); err != nil {
		logrus.Fatalf("Could not start background sweep: %s", err)
	}
	defer auditor.Stop()

	if cfg.SweepOnStart {
		auditor.RunOnce()
	}

	r := mux.NewRouter()
	api.New(api.Config{
		Store:      store,
		Verifier:   verifier,
		Syncer:     auditor,
		Sender:     m,
		Clock:      clk,
		Logger:     logger,
		SigningKey: cfg.SyncSigningKey,
	}).Register(r)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", signing.TimestampHeader, signing.SignatureHeader},
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handlers.LoggingHandler(os.Stdout, c.Handler(r)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logrus.Infof("Listening on %s", cfg.HTTPAddr)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("HTTP server stopped: %s", err)
			stop()
		}
	}()

	<-ctx.Done()
	logrus.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.Warnf("Could not shut down HTTP server cleanly: %s", err)
	}
}

func configureLogging(cfg *config.Config) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.Warnf("Unknown log level %q, using info", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
}

// sweepGuard returns a Redis-backed guard when Redis is configured so that
// several instances never sweep the same owner at once.
func sweepGuard(cfg *config.Config, logger *logrus.Entry) (audit.Guard, func()) {
	if cfg.Redis.Addr == "" {
		return audit.NewLocalGuard(), func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logrus.Fatalf("Could not connect to Redis at %s: %s", cfg.Redis.Addr, err)
	}

	return audit.NewRedisGuard(client, audit.DefaultLockTTL, logger), func() {
		if err := client.Close(); err != nil {
			logrus.Warnf("Could not close Redis client: %s", err)
		}
	}
}
