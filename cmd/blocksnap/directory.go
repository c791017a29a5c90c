package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"blocksnap/pkg/api"
	"blocksnap/pkg/config"
	"blocksnap/pkg/directory"
	"blocksnap/pkg/metrics"
)

func directoryCmd() *cobra.Command {
	var (
		address         string
		httpAddress     string
		dataDir         string
		redisAddr       string
		nodeTimeout     time.Duration
		cleanupInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "directory",
		Short: "Run the peer directory",
		Long:  `Start the peer directory that nodes register with, heartbeat to and discover each other through.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig(config.ModeDirectory)
			if err != nil {
				return err
			}

			d := &cfg.Directory
			flags := cmd.Flags()
			if flags.Changed("address") {
				d.Address = address
			}
			if flags.Changed("http-address") {
				d.HTTPAddress = httpAddress
			}
			if flags.Changed("data-dir") {
				d.DataDir = dataDir
			}
			if flags.Changed("redis-addr") {
				d.RedisAddr = redisAddr
			}
			if flags.Changed("node-timeout") {
				d.NodeTimeout = config.Duration(nodeTimeout)
			}
			if flags.Changed("cleanup-interval") {
				d.CleanupInterval = config.Duration(cleanupInterval)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			store, closeStore, err := directoryStore(ctx, d, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			reg := metrics.New()
			svc := directory.New(ctx, directory.Options{
				NodeTimeout:     d.NodeTimeout.Std(),
				CleanupInterval: d.CleanupInterval.Std(),
				Store:           store,
				Logger:          logger,
				Metrics:         metrics.NewDirectoryMetrics(reg),
			})
			svc.Start()
			defer svc.Stop()

			grpcServer := directory.NewServer(svc, logger)
			bound, err := grpcServer.Listen(d.Address)
			if err != nil {
				return err
			}

			httpServer := api.NewServer(logger, reg)
			(&api.DirectoryHandler{Directory: svc}).RegisterRoutes(httpServer.Echo())

			errCh := make(chan error, 2)
			go func() { errCh <- grpcServer.Serve() }()
			if d.HTTPAddress != "" {
				go func() { errCh <- httpServer.Start(d.HTTPAddress) }()
			}

			logger.Info("Starting peer directory",
				zap.String("address", bound),
				zap.String("http_address", d.HTTPAddress),
				zap.Duration("node_timeout", d.NodeTimeout.Std()))

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

			select {
			case <-sigChan:
				logger.Info("Shutting down peer directory")
			case err := <-errCh:
				if err != nil {
					logger.Error("Peer directory server failed", zap.Error(err))
				}
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			httpServer.Shutdown(shutdownCtx)
			grpcServer.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", ":7100", "gRPC listening address")
	cmd.Flags().StringVar(&httpAddress, "http-address", ":7180", "HTTP listening address (empty disables)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "./data/directory", "directory for the node map snapshot")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "", "keep the node map in Redis instead of a file")
	cmd.Flags().DurationVar(&nodeTimeout, "node-timeout", time.Hour, "how long a node stays listed without a heartbeat")
	cmd.Flags().DurationVar(&cleanupInterval, "cleanup-interval", 5*time.Minute, "how often expired nodes are removed")

	return cmd
}

// directoryStore picks Redis when configured and a file snapshot otherwise.
func directoryStore(ctx context.Context, d *config.DirectoryConfig, logger *zap.Logger) (directory.Store, func(), error) {
	if d.RedisAddr == "" {
		if err := os.MkdirAll(d.DataDir, 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		return directory.NewFileStore(d.DataDir), func() {}, nil
	}

	store := directory.NewRedisStore(directory.RedisOptions{
		Addr:     d.RedisAddr,
		Password: d.RedisPassword,
		DB:       d.RedisDB,
		Key:      d.RedisKey,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", d.RedisAddr, err)
	}
	logger.Info("Using Redis node store", zap.String("addr", d.RedisAddr), zap.String("key", d.RedisKey))
	return store, func() { store.Close() }, nil
}
