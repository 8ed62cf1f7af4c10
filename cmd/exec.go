package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	pubnub "github.com/pubnub/go/v7"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"voucher-system/config"
	"voucher-system/handlers"
	"voucher-system/internal/clock"
	_ "voucher-system/migrations"
	"voucher-system/monitoring"
	"voucher-system/security"
	"voucher-system/services"
	"voucher-system/store"
	"voucher-system/utils"
)

// runtime holds every long-lived component of one process.
type runtime struct {
	cfg         *config.Config
	redis       *redis.Client
	monitor     *monitoring.Monitor
	jobs        *services.JobQueue
	relay       *services.PubNubJobEvents
	worker      *services.JobWorker
	scheduler   *services.Scheduler
	maintenance *services.Maintenance
	routes      *handlers.Routes
	metrics     *http.Server
}

func Start() error {
	app := pocketbase.New()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	// Initialize Redis
	redisClient, err := utils.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: cfg.IsDevelopment(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app.RootCmd.AddCommand(newWorkerCommand(app, cfg, redisClient))

	// The HTTP address comes from config unless --http was given.
	if len(os.Args) > 1 && os.Args[1] == "serve" && !hasFlag(os.Args[2:], "--http") {
		app.RootCmd.SetArgs(append(os.Args[1:], "--http=0.0.0.0:"+cfg.Port))
	}

	var rt *runtime
	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
		rt = newRuntime(app, cfg, redisClient)
		rt.routes.Register(se)
		log.Println("Server routes registered")

		rt.start(ctx)
		return se.Next()
	})

	app.OnTerminate().BindFunc(func(e *core.TerminateEvent) error {
		cancel()
		if rt != nil {
			rt.stop()
		}
		return e.Next()
	})

	return app.Start()
}

// newWorkerCommand runs the job worker and scheduler without the HTTP server.
func newWorkerCommand(app *pocketbase.PocketBase, cfg *config.Config, redisClient *redis.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the notification worker and recurring tasks without the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !app.IsBootstrapped() {
				if err := app.Bootstrap(); err != nil {
					return fmt.Errorf("bootstrap: %w", err)
				}
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go handleShutdown(cancel)

			rt := newRuntime(app, cfg, redisClient)
			rt.start(ctx)
			log.Println("Worker started, waiting for jobs")

			<-ctx.Done()
			rt.stop()
			return nil
		},
	}
}

func newRuntime(app core.App, cfg *config.Config, redisClient *redis.Client) *runtime {
	logger := app.Logger()
	clk := clock.NewSystem()
	st := store.New(app, clk)
	monitor := monitoring.NewMonitor()

	sinks := services.MultiJobEvents{monitor, services.LogJobEvents{Logger: logger}}
	relay := newPubNubRelay(cfg, logger)
	if relay != nil {
		sinks = append(sinks, relay)
	}

	jobs := services.NewJobQueue(redisClient, cfg,
		services.WithJobClock(clk),
		services.WithJobEvents(sinks),
		services.WithJobLogger(logger),
	)
	monitor.Watch(jobs)

	users := services.NewPocketBaseUsers(app, "users")
	mailer := services.NewPocketBaseMailer(app, utils.NewCircuitBreaker("mailer"))

	vouchers := services.NewVoucherService(st, jobs, users, cfg, monitor, logger)
	leases := services.NewLeaseService(st, logger,
		services.WithLeaseTTL(cfg.LeaseTTL),
		services.WithLeaseRetries(cfg.LeaseRetries),
		services.WithLeaseClock(clk),
		services.WithLeaseMonitor(monitor),
	)

	worker := services.NewJobWorker(jobs, cfg.WorkerConcurrency, cfg.WorkerPollTimeout, monitor, logger)
	services.NewNotificationWorker(st, users, mailer, cfg.EmailRetries, cfg.EmailRetryDelay, logger).Register(worker)

	schedulerOpts := []services.SchedulerOption{services.WithSchedulerClock(clk)}
	if cfg.SchedulerDedupe {
		schedulerOpts = append(schedulerOpts, services.WithSchedulerDedupe(redisClient))
	}
	scheduler := services.NewScheduler(monitor, logger, schedulerOpts...)

	maintenance := services.NewMaintenance(st, st, redisClient, jobs, monitor, cfg, clk, logger)
	for _, task := range maintenance.Tasks(cfg) {
		if err := scheduler.Register(task); err != nil {
			logger.Error("register recurring task", "task", task.Name, "error", err)
		}
	}

	rt := &runtime{
		cfg:         cfg,
		redis:       redisClient,
		monitor:     monitor,
		jobs:        jobs,
		relay:       relay,
		worker:      worker,
		scheduler:   scheduler,
		maintenance: maintenance,
		routes: &handlers.Routes{
			Vouchers:    handlers.NewVoucherHandler(vouchers),
			Leases:      handlers.NewLeaseHandler(leases),
			Admin:       handlers.NewAdminHandler(jobs, scheduler),
			Health:      handlers.NewHealthHandler(maintenance),
			Limiter:     security.NewRateLimiter(redisClient, cfg.IssueRateLimit, time.Minute, logger),
			Development: cfg.IsDevelopment(),
		},
	}
	if cfg.EnableMetrics {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		rt.metrics = &http.Server{
			Addr:              ":" + cfg.MetricsPort,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return rt
}

// newPubNubRelay returns nil when no PubNub keys are configured.
func newPubNubRelay(cfg *config.Config, logger *slog.Logger) *services.PubNubJobEvents {
	if cfg.PubNubPublishKey == "" || cfg.PubNubSubscribeKey == "" {
		logger.Info("pubnub keys not set, job events stay local")
		return nil
	}

	pnConfig := pubnub.NewConfigWithUserId(pubnub.UserId(cfg.PubNubUserID))
	pnConfig.PublishKey = cfg.PubNubPublishKey
	pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
	pnConfig.SecretKey = cfg.PubNubSecretKey

	return services.NewPubNubJobEvents(services.NewPubNubPublisher(pubnub.NewPubNub(pnConfig)), logger, 0)
}

func (rt *runtime) start(ctx context.Context) {
	if rt.relay != nil {
		rt.relay.Start()
	}
	rt.worker.Start(ctx)
	rt.scheduler.Start(ctx)

	if rt.metrics != nil {
		go func() {
			log.Printf("Metrics listening on %s", rt.metrics.Addr)
			if err := rt.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}
}

// stop drains in the reverse order of start.
func (rt *runtime) stop() {
	log.Println("Stopping background workers...")
	rt.scheduler.Shutdown()
	rt.worker.Shutdown()
	if rt.relay != nil {
		rt.relay.Close()
	}
	if rt.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.metrics.Shutdown(ctx)
	}
	log.Println("Background workers stopped")
}

func hasFlag(args []string, name string) bool {
	for _, arg := range args {
		if arg == name || strings.HasPrefix(arg, name+"=") {
			return true
		}
	}
	return false
}

// handleShutdown handles graceful shutdown
func handleShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutdown signal received, cleaning up...")
	cancel()
}
