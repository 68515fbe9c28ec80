package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/warp/care-billing/billing"
	"github.com/warp/care-billing/internal/config"
	"github.com/warp/care-billing/internal/exitcode"
	"github.com/warp/care-billing/internal/logging"
	"github.com/warp/care-billing/store/redis"
	"github.com/warp/care-billing/store/sqlite"
)

var (
	cfg        = config.Default()
	configPath string
	flagVals   struct {
		dbPath    string
		logFormat string
		logLevel  string
		redisAddr string
	}
)

var rootCmd = &cobra.Command{
	Use:   "care-billing",
	Short: "Case billing engine: balances, case close, physician payouts",
	Long: "Computes case balances, gates case closing on a zero balance, and keeps one " +
		"physician payout per (case, physician) in step with the charges that feed it.",
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", os.Getenv("BILLING_CONFIG"), "YAML config file (or set BILLING_CONFIG)")
	pf.StringVar(&flagVals.dbPath, "db", cfg.DBPath, "SQLite database path (or set BILLING_DB); \":memory:\" for an in-memory database")
	pf.StringVar(&flagVals.logFormat, "log-format", cfg.LogFormat, "Log format: text or json")
	pf.StringVar(&flagVals.logLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	pf.StringVar(&flagVals.redisAddr, "redis", "", "Redis address for shared locks and case numbers (or set REDIS_ADDRESS)")
}

// loadConfig layers defaults, the YAML file, the environment and explicit flags.
func loadConfig(cmd *cobra.Command, _ []string) error {
	if configPath != "" {
		if err := cfg.LoadFromFile(configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitcode.ConfigError)
		}
	}
	if err := cfg.LoadEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitcode.ConfigError)
	}

	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.DBPath = flagVals.dbPath
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = flagVals.logFormat
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = flagVals.logLevel
	}
	if flags.Changed("redis") {
		cfg.RedisAddr = flagVals.redisAddr
	}
	if flags.Lookup("port") != nil && flags.Changed("port") {
		cfg.Port = servePort
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(exitcode.ConfigError)
	}
	return nil
}

// app is everything a subcommand needs to drive the engine.
type app struct {
	log    *logrus.Logger
	store  *sqlite.Store
	engine *billing.Engine
	close  func()
}

// openApp builds the logger, store and engine from cfg. With a Redis
// address the engine uses the shared locker and case-number allocator.
func openApp(ctx context.Context) *app {
	log, err := logging.Setup(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitcode.ConfigError)
	}

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		logging.LogError(log, "main", "openApp", cfg.DBPath, err)
		os.Exit(exitcode.DBConnError)
	}
	closers := []func(){func() { store.Close() }}

	classifier, err := billing.NewClassifier(cfg.ClassificationKeywords)
	if err != nil {
		logging.LogError(log, "main", "openApp", "classification_keywords", err)
		os.Exit(exitcode.ConfigError)
	}

	collab := store.Collaborators()
	opts := []billing.Option{
		billing.WithLogger(log),
		billing.WithAuditLog(store),
		billing.WithClassifier(classifier),
	}

	if cfg.RedisAddr != "" {
		rdb, err := redis.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			logging.LogError(log, "main", "openApp", cfg.RedisAddr, err)
			os.Exit(exitcode.DBConnError)
		}
		closers = append(closers, func() { rdb.Close() })
		collab.Sequences = redis.NewSequences(rdb)
		opts = append(opts, billing.WithLocker(redis.NewLocker(rdb, cfg.LockTTL, cfg.LockWait, log)))
		log.WithField("redis", cfg.RedisAddr).Info("using shared locks and case numbers")
	}

	return &app{
		log:    log,
		store:  store,
		engine: billing.NewEngine(store, collab, opts...),
		close: func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		},
	}
}
