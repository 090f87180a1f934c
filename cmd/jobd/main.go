package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"lsh.app/jobd/common/id"
	"lsh.app/jobd/common/logger"
	"lsh.app/jobd/common/otel"
	"lsh.app/jobd/core/config"
	"lsh.app/jobd/internal/daemon"
	"lsh.app/jobd/internal/domain"
	"lsh.app/jobd/internal/http/middleware"
	httprouter "lsh.app/jobd/internal/http/router"
	"lsh.app/jobd/internal/ipc"
	"lsh.app/jobd/internal/notify"
	"lsh.app/jobd/internal/queue"
	"lsh.app/jobd/internal/store"
	"lsh.app/jobd/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeDaemon)
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	// OTel must init before the logger, which bridges to it in production
	telemetry, err := otel.Setup(ctx, cfg.OTel, cfg.Daemon.User)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logCloser, err := logger.Setup(cfg)
	if err != nil {
		os.Stderr.WriteString("failed to set up logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "jobd"})
	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	}
	slog.InfoContext(ctx, "jobd starting",
		"env", cfg.Env,
		"user", cfg.Daemon.User,
		"socket", cfg.Daemon.SocketPath,
		"store", cfg.Store.Backend)

	if err := id.Init(1); err != nil {
		fatal(ctx, "failed to initialize id generator", err)
	}

	st, err := store.New(ctx, cfg)
	if err != nil {
		fatal(ctx, "failed to open job store", err)
	}

	d := daemon.New(st, store.NewJobsFile(cfg.Daemon.JobsFile), nil, daemon.Config{
		SocketPath:      cfg.Daemon.SocketPath,
		PIDPath:         cfg.Daemon.PIDPath,
		StopGrace:       cfg.Daemon.StopGrace,
		RetryBase:       cfg.Daemon.RetryBase,
		RetryMax:        cfg.Daemon.RetryMax,
		LegacyScheduler: cfg.Scheduler.Legacy,
		CheckInterval:   cfg.Scheduler.CheckInterval,
		Location:        cfg.Scheduler.Location,
	})

	// bind before Start so a second daemon fails before touching any state
	server := ipc.NewServer(cfg.Daemon.SocketPath, ipc.NewHandler(d))
	if err := server.Listen(); err != nil {
		if domain.CodeOf(err) == domain.CodeDaemonAlreadyRunning {
			os.Stderr.WriteString("error [" + string(domain.CodeDaemonAlreadyRunning) + "]: " + domain.AsError(err).Message + "\n")
		}
		_ = st.Close()
		fatal(ctx, "failed to bind control socket", err)
	}

	// subscribe before Start so recovery events reach every sink
	extra := startAddons(ctx, cfg, d)

	if err := d.Start(ctx); err != nil {
		_ = server.Close(ctx)
		_ = st.Close()
		fatal(ctx, "failed to start daemon", err)
	}

	extra.serve(ctx, cfg, d)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ctx)
	}()

	slog.InfoContext(ctx, "jobd ready", "pid", os.Getpid())

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

wait:
	for {
		select {
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				slog.InfoContext(ctx, "reload requested")
				if _, err := d.Restart(ctx); err != nil {
					slog.ErrorContext(ctx, "reload failed", "error", err)
				}
				continue
			}
			slog.InfoContext(ctx, "shutdown signal received", "signal", sig.String())
			break wait
		case <-d.ShutdownRequested():
			slog.InfoContext(ctx, "shutdown requested over the control socket")
			break wait
		case err := <-serveErr:
			if err != nil {
				slog.ErrorContext(ctx, "control socket failed", "error", err)
			}
			break wait
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.Stop(shutdownCtx); err != nil {
		slog.ErrorContext(ctx, "daemon stop failed", "error", err)
	}
	if err := server.Close(shutdownCtx); err != nil {
		slog.ErrorContext(ctx, "control socket close failed", "error", err)
	}
	extra.stop(shutdownCtx)
	if err := st.Close(); err != nil {
		slog.ErrorContext(ctx, "store close failed", "error", err)
	}

	slog.InfoContext(ctx, "jobd stopped")

	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		os.Stderr.WriteString("otel shutdown failed: " + err.Error() + "\n")
	}
	_ = logCloser.Close()
}

func fatal(ctx context.Context, msg string, err error) {
	slog.ErrorContext(ctx, msg, "error", err)
	os.Exit(1)
}

// addons holds the optional front ends and event sinks.
type addons struct {
	httpServer *http.Server
	worker     *worker.Worker
	reclaimer  *worker.RedisReclaimer
	producer   *queue.RedisProducer
	unsubs     []func()
	wg         sync.WaitGroup
}

func startAddons(ctx context.Context, cfg config.Config, d *daemon.Daemon) *addons {
	a := &addons{}

	events, unsubscribe := d.Subscribe(0)
	a.unsubs = append(a.unsubs, unsubscribe)
	a.goRun(func() { daemon.LogEvents(ctx, events) })

	if cfg.Webhook.Enabled() {
		hook := notify.NewWebhook(cfg.Webhook.URL, cfg.Webhook.Timeout)
		events, unsubscribe := d.Subscribe(0)
		a.unsubs = append(a.unsubs, unsubscribe)
		a.goRun(func() { hook.Run(ctx, events) })
		slog.InfoContext(ctx, "webhook enabled", "url", cfg.Webhook.URL)
	}

	if cfg.Queue.Enabled() {
		if err := a.startQueue(ctx, cfg, d); err != nil {
			// the stream add-on is optional; the daemon keeps running without it
			slog.ErrorContext(ctx, "stream add-on disabled", "error", err)
		}
	}

	return a
}

// serve starts the front ends that accept commands. It runs after the
// daemon has recovered its job table.
func (a *addons) serve(ctx context.Context, cfg config.Config, d *daemon.Daemon) {
	if a.worker != nil {
		a.goRun(func() {
			if err := a.worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.ErrorContext(ctx, "worker stopped with error", "error", err)
			}
		})
		a.goRun(func() { a.reclaimer.Run(ctx) })
	}
	if cfg.API.Enabled() {
		a.startHTTP(ctx, cfg, d)
	}
}

func (a *addons) goRun(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

func (a *addons) startQueue(ctx context.Context, cfg config.Config, d *daemon.Daemon) error {
	redisOpts, err := redis.ParseURL(cfg.Queue.RedisURL)
	if err != nil {
		return fmt.Errorf("parsing redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		return fmt.Errorf("connecting to redis: %w", err)
	}

	consumer, err := queue.NewRedisConsumer(ctx, redisClient, queue.ConsumerConfig{
		Stream:    cfg.Queue.CommandStream,
		Group:     cfg.Queue.Group,
		Consumer:  cfg.Queue.Consumer,
		DLQStream: cfg.Queue.DLQStream,
		BatchSize: 10,
		Block:     5 * time.Second,
	})
	if err != nil {
		redisClient.Close()
		return err
	}

	a.producer = queue.NewRedisProducer(redisClient, cfg.Queue.EventsStream)
	events, unsubscribe := d.Subscribe(0)
	a.unsubs = append(a.unsubs, unsubscribe)
	a.goRun(func() { a.producer.Run(ctx, events) })

	a.worker = worker.New(consumer, ipc.NewHandler(d), a.producer, worker.Config{
		MaxAttempts: worker.DefaultMaxAttempts,
	})
	a.reclaimer = worker.NewRedisReclaimer(redisClient, worker.RedisReclaimerConfig{
		Stream:    cfg.Queue.CommandStream,
		Group:     cfg.Queue.Group,
		Consumer:  cfg.Queue.Consumer + "-reclaimer",
		MinIdle:   5 * time.Minute,
		Interval:  time.Minute,
		BatchSize: 10,
	}, consumer, a.worker.Process)

	slog.InfoContext(ctx, "stream add-on enabled",
		"commands", cfg.Queue.CommandStream,
		"events", cfg.Queue.EventsStream,
		"group", cfg.Queue.Group)
	return nil
}

func (a *addons) startHTTP(ctx context.Context, cfg config.Config, d *daemon.Daemon) {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())
	httprouter.SetupRoutes(router, ipc.NewHandler(d), d.Subscribe, httprouter.RouterConfig{
		APIKey: cfg.API.APIKey,
	})

	a.httpServer = &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// no WriteTimeout: /api/v1/events streams
		IdleTimeout: 60 * time.Second,
	}

	a.goRun(func() {
		slog.InfoContext(ctx, "http api listening", "addr", cfg.API.Addr, "auth", cfg.API.APIKey != "")
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(ctx, "http api failed", "error", err)
		}
	})
}

// stop shuts the add-ons down after the daemon has stopped and closed its
// event subscriptions.
func (a *addons) stop(ctx context.Context) {
	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			slog.ErrorContext(ctx, "http api shutdown failed", "error", err)
			_ = a.httpServer.Close()
		}
	}
	if a.reclaimer != nil {
		a.reclaimer.Stop()
	}
	if a.worker != nil {
		a.worker.Stop()
	}
	for _, unsubscribe := range a.unsubs {
		unsubscribe()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.WarnContext(ctx, "add-ons did not stop in time")
	}

	if a.producer != nil {
		_ = a.producer.Close()
	}
}
