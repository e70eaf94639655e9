// Command onefuzz-service runs the scheduling service: the task scheduler
// (C2), autoscaler (C5), crash report pipeline (C6), notification
// dispatcher and webhook delivery (C7), retention sweep, and the
// operator-facing REST and agent-protocol HTTP surfaces, all against one
// SQLite-backed entity store (spec.md §1-§8).
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/microsoft/onefuzz/internal/agentproto"
	"github.com/microsoft/onefuzz/internal/autoscaler"
	"github.com/microsoft/onefuzz/internal/crashreport"
	"github.com/microsoft/onefuzz/internal/eventbus"
	"github.com/microsoft/onefuzz/internal/instanceconfig"
	"github.com/microsoft/onefuzz/internal/lifecycle"
	"github.com/microsoft/onefuzz/internal/notification"
	"github.com/microsoft/onefuzz/internal/queue"
	"github.com/microsoft/onefuzz/internal/retention"
	"github.com/microsoft/onefuzz/internal/scheduler"
	"github.com/microsoft/onefuzz/internal/secrets"
	"github.com/microsoft/onefuzz/internal/store"
	"github.com/microsoft/onefuzz/internal/svcconfig"
	"github.com/microsoft/onefuzz/internal/telemetry"
	"github.com/microsoft/onefuzz/internal/webapi"
	"github.com/microsoft/onefuzz/internal/webhook"
)

func main() {
	configPath := flag.String("config", "onefuzz.yaml", "path to service config")
	authEnabled := flag.Bool("auth", true, "require bearer credentials on the REST and agent protocol surfaces")
	dataDir := flag.String("data-dir", ".", "directory for logs and other on-disk state")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	quietLog := flag.Bool("quiet-log", false, "write logs only to file, not stdout")
	flag.Parse()

	logger, logCloser, err := telemetry.NewLogger(*dataDir, "onefuzz-service", *logLevel, *quietLog)
	if err != nil {
		slog.Error("init logger", "error", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	watcher, err := svcconfig.NewWatcher(*configPath, logger)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	cfg := watcher.Current()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := eventbus.NewWithLogger(logger)

	st, err := store.Open(cfg.DatabasePath, bus)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	q, err := queue.Open(ctx, st)
	if err != nil {
		logger.Error("open queue", "error", err)
		os.Exit(1)
	}

	provider, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		logger.Error("init telemetry", "error", err)
		os.Exit(1)
	}
	defer provider.Shutdown(context.Background())

	metrics, err := telemetry.NewMetrics(provider.Meter)
	if err != nil {
		logger.Error("init metrics", "error", err)
		os.Exit(1)
	}
	_ = metrics // wired into control loops as each is extended to record its instruments

	resolver := secrets.EnvResolver{}

	sched := scheduler.New(scheduler.Config{
		Store:    st,
		Queue:    q,
		Bus:      bus,
		Logger:   logger,
		Interval: cfg.TickInterval(),
	})
	sched.Start(ctx)
	defer sched.Stop()

	scaler := autoscaler.New(autoscaler.Config{
		Store:  st,
		Queue:  q,
		Logger: logger,
	})
	scaler.Start(ctx)
	defer scaler.Stop()

	sweeper := retention.New(retention.Config{
		Store:    st,
		Logger:   logger,
		Interval: cfg.RetentionSweepInterval(),
		Days:     cfg.Retention.DefaultDays,
	})
	sweeper.Start(ctx)
	defer sweeper.Stop()

	pipeline := crashreport.New(st, bus, logger, 0)
	go pipeline.Run(ctx)

	notifyRegistry := notification.NewRegistry(st, bus, logger, resolver)
	go notifyRegistry.Run(ctx)

	hookDispatcher := webhook.New(st, bus, resolver, http.DefaultClient, nil, logger)
	go hookDispatcher.Run(ctx)

	cfgCache := instanceconfig.New(st, bus, 5*time.Minute)
	go cfgCache.Run(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events():
				if !ok {
					return
				}
				if ev.Err != nil {
					logger.Warn("config reload failed", "error", ev.Err)
					continue
				}
				logger.Info("config reloaded", "path", ev.Path)
			}
		}
	}()
	go func() {
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("config watcher stopped", "error", err)
		}
	}()

	coord := lifecycle.New(st, bus, logger)
	auth := agentproto.NewAuthMiddleware(*authEnabled, strings.Split(os.Getenv("ONEFUZZ_OPERATOR_KEYS"), ","))
	agentSrv := agentproto.New(st, coord, auth, logger)

	webAuth := webapi.NewAuthMiddleware(*authEnabled, strings.Split(os.Getenv("ONEFUZZ_USER_KEYS"), ","), strings.Split(os.Getenv("ONEFUZZ_ADMIN_KEYS"), ","))
	rateLimit := webapi.NewRateLimitMiddleware(webapi.RateLimitConfig{Enabled: *authEnabled, RequestsPerMinute: 600, BurstSize: 60})
	rateLimit.StartEviction(ctx, 5*time.Minute, 30*time.Minute)
	blobSecret := []byte(os.Getenv("ONEFUZZ_BLOB_SIGNING_KEY"))
	if len(blobSecret) == 0 {
		blobSecret = []byte("onefuzz-dev-signing-key")
		logger.Warn("ONEFUZZ_BLOB_SIGNING_KEY unset, using an insecure default")
	}
	blobBaseURL := os.Getenv("ONEFUZZ_BLOB_BASE_URL")
	if blobBaseURL == "" {
		blobBaseURL = "https://storage.onefuzz.internal/download"
	}
	blobs := webapi.NewHMACBlobSigner(blobBaseURL, blobSecret, time.Hour)
	apiSrv := webapi.New(st, bus, q, blobs, webAuth, rateLimit, webapi.NewTaskSchemaValidator(), logger)

	mux := http.NewServeMux()
	agentSrv.Routes(mux)
	apiSrv.Routes(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}
