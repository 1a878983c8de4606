package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ratelimit-gateway/config"
	"ratelimit-gateway/logging"
	"ratelimit-gateway/middleware/ratelimit/infra"
	"ratelimit-gateway/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway and the admin server",
		Long: `Start the gateway.

Every request is charged one token from the bucket of its client (peer address
by default). Denied requests get 429; allowed requests are forwarded to the
backend chosen by path prefix. SIGINT/SIGTERM trigger a graceful shutdown.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	noDotenv, _ := cmd.Flags().GetBool("no-dotenv")

	opts := config.LoadOptions{File: cfgFile, Flags: cmd.Flags()}
	if !noDotenv {
		opts.EnvFiles = config.DefaultEnvFiles
	}
	cfg, err := config.Load(opts)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var srvOpts []server.Option
	if cfg.RateStatsEnabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RateStatsRedisAddr,
			Password: cfg.RateStatsRedisPassword,
			DB:       cfg.RateStatsRedisDB,

			// o Record tem prazo curto; sem isso o go-redis só usaria ReadTimeout
			ContextTimeoutEnabled: true,
		})
		defer func() { _ = rdb.Close() }()

		pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
		err := rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			return fmt.Errorf("redis stats ping: %w", err)
		}

		srvOpts = append(srvOpts, server.WithRedisStats(infra.NewRedisStatsStore(
			rdb,
			infra.WithStatsPrefix(cfg.RateStatsPrefix),
			infra.WithStatsTTL(cfg.RateStatsTTL),
			infra.WithStatsBucket(cfg.RateStatsBucket),
			infra.WithStatsTrackKeys(cfg.RateStatsTrackKeys),
		)))
	}

	srv, err := server.New(cfg, logger, srvOpts...)
	if err != nil {
		return err
	}

	logger.Info("gateway starting",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.Any("routes", cfg.Routes),
		zap.String("default_backend", cfg.DefaultBackend),
		zap.Duration("upstream_timeout", cfg.UpstreamTimeout),
	)
	logger.Info("rate limit",
		zap.Bool("enabled", cfg.RateEnabled),
		zap.String("engine", cfg.RateEngine),
		zap.Float64("rps", cfg.RateRPS),
		zap.Int("burst", cfg.RateBurst),
		zap.String("key_header", cfg.RateKeyHeader),
		zap.Bool("trust_xff", cfg.TrustXFF),
		zap.Int("concurrency_max", cfg.ConcurrencyMax),
	)
	logger.Info("rate stats",
		zap.Bool("redis", cfg.RateStatsEnabled),
		zap.String("redis_addr", cfg.RateStatsRedisAddr),
		zap.String("bucket", cfg.RateStatsBucket),
		zap.Bool("track_keys", cfg.RateStatsTrackKeys),
	)

	return srv.Run(ctx)
}
