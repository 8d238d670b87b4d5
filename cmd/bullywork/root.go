package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	config "bullywork/configs"
	"bullywork/pkg/logger"
	"bullywork/pkg/resilience"
	"bullywork/pkg/storage"
	"bullywork/pkg/storage/etcd"
	"bullywork/pkg/storage/memory"
	"bullywork/pkg/storage/postgres"
	"bullywork/pkg/storage/redis"
	"bullywork/pkg/storage/s3"
)

var cfg = config.LoadConfig()

var rootCmd = &cobra.Command{
	Use:   "bullywork",
	Short: "Bully-elected coordinator handing out edit distance work",
	Long: `bullywork runs a pool of processes that elect the process with the greatest
id as coordinator. The coordinator leases string pairs from a shared store to
the other processes, which compute their edit distance and submit the result.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		lc := logger.DefaultConfig("bullywork")
		lc.Level = cfg.LogLevel
		lc.Encoding = cfg.LogEncoding
		_, err := logger.Init(lc)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

// Execute runs the root command and exits 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfg.StoreBackend, "store", cfg.StoreBackend, "Store backend: s3, redis, etcd, postgres or memory")
	pf.StringVar(&cfg.Bucket, "bucket", cfg.Bucket, "Bucket holding every folder")
	pf.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	pf.StringVar(&cfg.LogEncoding, "log-encoding", cfg.LogEncoding, "json or console")
}

// openStore connects the configured backend behind a circuit breaker.
func openStore(ctx context.Context) (storage.Store, error) {
	var (
		inner storage.Store
		err   error
	)
	switch cfg.StoreBackend {
	case "s3":
		inner, err = s3.New(ctx, s3.Config{
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
	case "redis":
		inner, err = redis.New(cfg.RedisHost + ":" + cfg.RedisPort)
	case "etcd":
		inner, err = etcd.New(cfg.EtcdEndpoints, 5*time.Second)
	case "postgres":
		inner, err = postgres.New(postgres.DSN(cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName))
	case "memory":
		inner = memory.New()
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreBackend, err)
	}

	bc := resilience.DefaultCircuitBreakerConfig()
	bc.OnStateChange = func(name string, from, to resilience.CircuitState) {
		logger.Warn("Store circuit changed state",
			zap.String("breaker", name), zap.Stringer("from", from), zap.Stringer("to", to))
	}
	return resilience.GuardStore(cfg.StoreBackend, inner, bc), nil
}

func layout() storage.Layout {
	return storage.DefaultLayout(cfg.Bucket)
}
