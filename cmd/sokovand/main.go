package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/sokovan/manager/pkg/agentrpc"
	"github.com/sokovan/manager/pkg/config"
	"github.com/sokovan/manager/pkg/dbmodel"
	"github.com/sokovan/manager/pkg/domain"
	"github.com/sokovan/manager/pkg/events"
	"github.com/sokovan/manager/pkg/lock"
	"github.com/sokovan/manager/pkg/log"
	"github.com/sokovan/manager/pkg/metrics"
	"github.com/sokovan/manager/pkg/reconciler"
	"github.com/sokovan/manager/pkg/registry"
	"github.com/sokovan/manager/pkg/scheduler"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sokovand",
	Short: "sokovand - session scheduler and lifecycle reconciler",
	Long: `sokovand drives the session lifecycle for a scaling group of
agents: admitting pending sessions, reserving agent capacity, asking
agents to prepare images and create kernels, and continuously
repairing the lifecycle of inference endpoints, hung sessions, and
stale agents.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"sokovand version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("postgres-dsn", "", "Postgres connection string (required)")
	rootCmd.PersistentFlags().String("redis-addr", "127.0.0.1:6379", "Redis address for the fast concurrency counters")
	rootCmd.PersistentFlags().String("nats-url", nats.DefaultURL, "NATS server URL for the event bus")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending Postgres schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn, _ := cmd.Flags().GetString("postgres-dsn")
		if dsn == "" {
			return fmt.Errorf("--postgres-dsn is required")
		}

		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer db.Close()

		if err := dbmodel.Migrate(db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}

		fmt.Println("✓ Migrations applied")
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and reconciler daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		scalingGroups, _ := cmd.Flags().GetStringSlice("scaling-group")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		pprofEnabled, _ := cmd.Flags().GetBool("enable-pprof")
		cronSpec := fmt.Sprintf("@every %s", cfg.TickInterval)

		sqlDB, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer sqlDB.Close()

		if err := dbmodel.Migrate(sqlDB); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}

		db := sqlx.NewDb(sqlDB, "postgres")

		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer rdb.Close()

		var bus *events.Bus
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			log.Logger.Warn().Err(err).Msg("nats unavailable, events will not be published")
			bus = events.NewBus(nil)
		} else {
			defer nc.Close()
			bus = events.NewBus(nc)
		}

		reg := registry.New(db, rdb)

		lockDir, _ := cmd.Flags().GetString("lock-dir")
		locks, err := newLockManager(cfg.DistributedLockBackend, sqlDB, lockDir)
		if err != nil {
			return err
		}

		dial := func(agentID, addr string) (agentrpc.AgentServiceClient, error) {
			return agentrpc.Dial(agentID, addr, nil)
		}

		sched := scheduler.New(reg, locks, bus, dial)
		sched.StartRPCRetryBudget = cfg.Scheduler.StartRPCRetryBudget
		for _, sg := range scalingGroups {
			sched.RegisterScalingGroup(resolveScalingGroupConfig(context.Background(), reg, sg, cfg))
		}
		if err := sched.StartCron(cronSpec); err != nil {
			return fmt.Errorf("start scheduler cron: %w", err)
		}
		log.Logger.Info().Strs("scaling_groups", scalingGroups).Msg("scheduler started")

		recon := reconciler.New(reg, bus, dial, reconciler.Config{
			HangTolerance:      cfg.HangTolerance,
			HeartbeatThreshold: cfg.HeartbeatThreshold,
			ServiceMaxRetries:  cfg.ServiceMaxRetries,
			PeriodicSyncStats:  cfg.PeriodicSyncStats,
		})
		if err := recon.StartCron(cronSpec); err != nil {
			sched.Stop()
			return fmt.Errorf("start reconciler cron: %w", err)
		}
		log.Logger.Info().Msg("reconciler started")

		collector := metrics.NewCollector(reg)
		collector.Start()

		metrics.SetVersion(Version)
		metrics.RegisterComponent("registry", true, "connected")
		metrics.RegisterComponent("lock", true, string(cfg.DistributedLockBackend))
		metrics.RegisterComponent("events", nc != nil, cfg.NATSURL)

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		if pprofEnabled {
			mux.Handle("/debug/pprof/", http.DefaultServeMux)
		}

		httpServer := &http.Server{Addr: metricsAddr, Handler: mux}
		errCh := make(chan error, 1)
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
		fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", metricsAddr)
		fmt.Printf("✓ Health endpoints: http://%s/{health,ready,live}\n", metricsAddr)
		fmt.Println()
		fmt.Println("sokovand is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\n%v\n", err)
		}

		sched.Stop()
		recon.Stop()
		collector.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shut down metrics server: %w", err)
		}

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringSlice("scaling-group", []string{"default"}, "Scaling group names to schedule and reconcile")
	serveCmd.Flags().String("scheduler-type", string(domain.SchedulerTypeFIFO), "Scheduler strategy: fifo, lifo, drf")
	serveCmd.Flags().String("agent-selection-strategy", string(domain.AgentSelectionRoundRobin), "Agent selector: round-robin, concentrated, dispersed, legacy")
	serveCmd.Flags().String("lock-backend", string(lock.BackendAdvisoryPG), "Distributed lock backend: advisory-pg, filelock")
	serveCmd.Flags().String("lock-dir", "./sokovand-locks", "Lock directory when --lock-backend=filelock")
	serveCmd.Flags().Duration("tick-interval", 2*time.Second, "Scheduler/reconciler cron interval")
	serveCmd.Flags().Duration("hang-tolerance", 5*time.Minute, "Ceiling before a stuck session is force-terminated")
	serveCmd.Flags().Duration("heartbeat-threshold", 30*time.Second, "Ceiling before a silent agent is marked LOST")
	serveCmd.Flags().Int("service-max-retries", 5, "Retry budget for endpoint scale-up attempts")
	serveCmd.Flags().Int("num-retries-to-skip", 3, "FIFO-only: admission failures before a session is skipped in favor of later ones")
	serveCmd.Flags().Int("start-rpc-retry-budget", 0, "create_kernels RPC failures to retry before cancelling a session (0 = cancel immediately, the documented default)")
	serveCmd.Flags().Bool("periodic-sync-stats", true, "Pull kernel stats from agents each reconciliation cycle")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for metrics and health endpoints")
	serveCmd.Flags().Bool("enable-pprof", false, "Enable pprof profiling endpoints on the metrics server")
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.FromEnv(config.Default())

	// An environment override wins over a flag's default value, but not
	// over a flag given explicitly on the command line.
	env := config.FromEnv(config.Config{})
	overrides := map[string]string{"redis-addr": env.RedisAddr, "nats-url": env.NATSURL, "log-level": env.LogLevel}
	if env.HangTolerance > 0 {
		overrides["hang-tolerance"] = env.HangTolerance.String()
	}
	for name, v := range overrides {
		if v != "" && !cmd.Flags().Changed(name) {
			_ = cmd.Flags().Set(name, v)
		}
	}

	dsn, _ := cmd.Flags().GetString("postgres-dsn")
	cfg.PostgresDSN = firstNonEmpty(dsn, cfg.PostgresDSN)

	redisAddr, _ := cmd.Flags().GetString("redis-addr")
	cfg.RedisAddr = firstNonEmpty(redisAddr, cfg.RedisAddr)

	natsURL, _ := cmd.Flags().GetString("nats-url")
	cfg.NATSURL = firstNonEmpty(natsURL, cfg.NATSURL)

	schedulerType, _ := cmd.Flags().GetString("scheduler-type")
	cfg.Scheduler.Type = domain.SchedulerType(schedulerType)

	selectorStrategy, _ := cmd.Flags().GetString("agent-selection-strategy")
	cfg.Scheduler.AgentSelectionStrategy = domain.AgentSelectionStrategy(selectorStrategy)

	numRetriesToSkip, _ := cmd.Flags().GetInt("num-retries-to-skip")
	cfg.Scheduler.NumRetriesToSkip = numRetriesToSkip

	startRPCRetryBudget, _ := cmd.Flags().GetInt("start-rpc-retry-budget")
	cfg.Scheduler.StartRPCRetryBudget = startRPCRetryBudget

	periodicSyncStats, _ := cmd.Flags().GetBool("periodic-sync-stats")
	cfg.PeriodicSyncStats = periodicSyncStats

	lockBackend, _ := cmd.Flags().GetString("lock-backend")
	cfg.DistributedLockBackend = lock.Backend(lockBackend)

	tickInterval, _ := cmd.Flags().GetDuration("tick-interval")
	cfg.TickInterval = tickInterval

	hangTolerance, _ := cmd.Flags().GetDuration("hang-tolerance")
	cfg.HangTolerance = hangTolerance

	serviceMaxRetries, _ := cmd.Flags().GetInt("service-max-retries")
	cfg.ServiceMaxRetries = serviceMaxRetries

	heartbeatThreshold, _ := cmd.Flags().GetDuration("heartbeat-threshold")
	cfg.HeartbeatThreshold = heartbeatThreshold

	logLevel, _ := cmd.Flags().GetString("log-level")
	cfg.LogLevel = logLevel
	logJSON, _ := cmd.Flags().GetBool("log-json")
	cfg.LogJSON = logJSON

	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// resolveScalingGroupConfig prefers a persisted scaling_groups row
// (the plugins/scheduler/<sg>/<option> KV namespace) over the
// process-wide --scheduler-type/--agent-selection-strategy flags, so
// a deployment that only wants to override one scaling group's
// strategy doesn't have to run a separate sokovand process to do it.
func resolveScalingGroupConfig(ctx context.Context, reg *registry.PostgresRedis, name string, cfg config.Config) scheduler.ScalingGroupConfig {
	sg, err := reg.LoadScalingGroup(ctx, name)
	if err == nil {
		return scheduler.ScalingGroupConfig{
			Name:             sg.Name,
			SchedulerType:    sg.SchedulerType,
			SelectorStrategy: sg.SelectorStrategy,
			DequeueLimit:     50,
			NumRetriesToSkip: sg.Opts.NumRetriesToSkip,
		}
	}
	if err != registry.ErrScalingGroupNotFound {
		log.Logger.Warn().Err(err).Str("scaling_group", name).Msg("failed to load persisted scaling group config, using flag defaults")
	}
	return scheduler.ScalingGroupConfig{
		Name:             name,
		SchedulerType:    cfg.Scheduler.Type,
		SelectorStrategy: cfg.Scheduler.AgentSelectionStrategy,
		DequeueLimit:     50,
		NumRetriesToSkip: cfg.Scheduler.NumRetriesToSkip,
	}
}

func newLockManager(backend lock.Backend, db *sql.DB, lockDir string) (lock.Manager, error) {
	switch backend {
	case lock.BackendAdvisoryPG:
		return lock.NewAdvisoryPG(db), nil
	case lock.BackendFilelock:
		return lock.NewFileLock(lockDir)
	default:
		return nil, fmt.Errorf("distributed lock backend %q has no implementation", backend)
	}
}
