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
	"blocksnap/pkg/contentstore"
	"blocksnap/pkg/directory"
	"blocksnap/pkg/ledger"
	"blocksnap/pkg/metrics"
	"blocksnap/pkg/node"
	"blocksnap/pkg/types"
)

func nodeCmd() *cobra.Command {
	var (
		nodeID           string
		listenAddress    string
		publicEndpoint   string
		httpAddress      string
		directoryAddress string
		fallbacks        []string
		dataDir          string
		enableP2P        bool
		rpcURL           string
		contractAddress  string
	)

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a verification node",
		Long: `Start a node that keeps a local media registry, joins the network through the
peer directory and answers verification queries from peers and HTTP clients.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig(config.ModeNode)
			if err != nil {
				return err
			}

			n := &cfg.Node
			flags := cmd.Flags()
			if flags.Changed("node-id") {
				n.NodeID = nodeID
			}
			if flags.Changed("listen") {
				n.ListenAddress = listenAddress
			}
			if flags.Changed("public-endpoint") {
				n.PublicEndpoint = publicEndpoint
			}
			if flags.Changed("http-address") {
				n.HTTPAddress = httpAddress
			}
			if flags.Changed("directory") {
				n.DirectoryAddress = directoryAddress
			}
			if flags.Changed("directory-fallbacks") {
				n.DirectoryFallbacks = fallbacks
			}
			if flags.Changed("data-dir") {
				n.DataDir = dataDir
			}
			if flags.Changed("p2p") {
				n.EnableP2P = enableP2P
			}
			if flags.Changed("rpc-url") {
				cfg.Ledger.RPCURL = rpcURL
			}
			if flags.Changed("contract") {
				cfg.Ledger.ContractAddress = contractAddress
			}

			return runNode(cfg, logger)
		},
	}

	cmd.Flags().StringVar(&nodeID, "node-id", "", "node identifier (generated and persisted when empty)")
	cmd.Flags().StringVar(&listenAddress, "listen", ":7000", "peer protocol listening address")
	cmd.Flags().StringVar(&publicEndpoint, "public-endpoint", "", "address peers use to reach this node")
	cmd.Flags().StringVar(&httpAddress, "http-address", ":5000", "HTTP API listening address (empty disables)")
	cmd.Flags().StringVar(&directoryAddress, "directory", "localhost:7100", "peer directory address")
	cmd.Flags().StringSliceVar(&fallbacks, "directory-fallbacks", nil, "fallback peer directory addresses")
	cmd.Flags().StringVar(&dataDir, "data-dir", "./data/node", "directory for the registry, peer cache and node id")
	cmd.Flags().BoolVar(&enableP2P, "p2p", true, "join the peer network")
	cmd.Flags().StringVar(&rpcURL, "rpc-url", "", "ledger JSON-RPC endpoint")
	cmd.Flags().StringVar(&contractAddress, "contract", "", "BlockSnap contract address")

	return cmd
}

func runNode(cfg *config.Config, logger *zap.Logger) error {
	n := cfg.Node
	retry := cfg.Retry

	reg := metrics.New()
	resilience := metrics.NewResilienceMetrics(reg)

	dirClient, err := directory.NewClient(directory.ClientOptions{
		Address:        n.DirectoryAddress,
		Fallbacks:      n.DirectoryFallbacks,
		RequestTimeout: n.RequestTimeout.Std(),
		MaxRetries:     retry.MaxRetries,
		RetryDelay:     retry.RetryDelay.Std(),
		MaxDelay:       retry.MaxDelay.Std(),
		Jitter:         retry.Jitter.Std(),
		Logger:         logger,
		Metrics:        resilience,
	})
	if err != nil {
		return err
	}
	defer dirClient.Close()

	transport := node.NewGRPCTransport()
	defer transport.Close()

	gateway, err := ledgerGateway(cfg, logger, resilience)
	if err != nil {
		return err
	}
	var ledgerVerifier node.LedgerVerifier
	var apiLedger api.LedgerVerifier
	var apiPhotos api.PhotoVerifier
	if gateway != nil {
		defer gateway.Close()
		ledgerVerifier, apiLedger, apiPhotos = gateway, gateway, gateway
	}

	maxContent, err := cfg.ContentStore.MaxContentBytes()
	if err != nil {
		return err
	}
	content, err := contentstore.New(contentstore.Options{
		APIURL:         cfg.ContentStore.APIURL,
		Gateways:       cfg.ContentStore.Gateways,
		CacheTTL:       cfg.ContentStore.CacheTTL.Std(),
		RequestTimeout: n.RequestTimeout.Std(),
		MaxContentSize: maxContent,
		MaxRetries:     retry.MaxRetries,
		RetryDelay:     retry.RetryDelay.Std(),
		MaxDelay:       retry.MaxDelay.Std(),
		Jitter:         retry.Jitter.Std(),
		Logger:         logger,
		Metrics:        resilience,
	})
	if err != nil {
		return err
	}

	nd, err := node.New(node.Options{
		NodeID:            types.NodeID(n.NodeID),
		Endpoint:          n.Endpoint(),
		DataDir:           n.DataDir,
		EnableP2P:         n.EnableP2P,
		DiscoveryInterval: n.DiscoveryInterval.Std(),
		HeartbeatInterval: n.HeartbeatInterval.Std(),
		RequestTimeout:    n.RequestTimeout.Std(),
		Retry: node.RetryPolicy{
			MaxRetries: retry.MaxRetries,
			RetryDelay: retry.RetryDelay.Std(),
			MaxDelay:   retry.MaxDelay.Std(),
			Jitter:     retry.Jitter.Std(),
		},
		Directory:         dirClient,
		Transport:         transport,
		Ledger:            ledgerVerifier,
		Logger:            logger,
		Metrics:           metrics.NewNodeMetrics(reg),
		ResilienceMetrics: resilience,
	})
	if err != nil {
		return err
	}

	httpServer := api.NewServer(logger, reg)
	(&api.NodeHandler{
		Node:      nd,
		Ledger:    apiLedger,
		Photos:    apiPhotos,
		Directory: dirClient,
		Content:   content,
		Logger:    logger,
	}).RegisterRoutes(httpServer.Echo())

	errCh := make(chan error, 2)
	go func() { errCh <- nd.ListenAndServe(n.ListenAddress) }()
	if n.HTTPAddress != "" {
		go func() { errCh <- httpServer.Start(n.HTTPAddress) }()
	}
	nd.Start()

	logger.Info("Node running",
		zap.String("node_id", string(nd.ID())),
		zap.String("endpoint", nd.Endpoint()),
		zap.String("http_address", n.HTTPAddress),
		zap.Bool("p2p", n.EnableP2P),
		zap.Bool("ledger", gateway != nil),
		zap.Duration("verify_bound_per_peer", cfg.VerifyBound(1)))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Shutting down node")
	case err := <-errCh:
		if err != nil {
			logger.Error("Node server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
	nd.Stop()
	return nil
}

// ledgerGateway returns nil when no ledger is configured.
func ledgerGateway(cfg *config.Config, logger *zap.Logger, m *metrics.ResilienceMetrics) (*ledger.Gateway, error) {
	l := cfg.Ledger
	if l.RPCURL == "" || l.ContractAddress == "" {
		logger.Info("No ledger configured, verification relies on the registry and peers")
		return nil, nil
	}
	gw, err := ledger.New(ledger.Options{
		RPCURL:          l.RPCURL,
		FallbackRPCURLs: l.FallbackRPCURLs,
		ContractAddress: l.ContractAddress,
		CacheTTL:        l.CacheTTL.Std(),
		RequestTimeout:  cfg.Node.RequestTimeout.Std(),
		MaxRetries:      cfg.Retry.MaxRetries,
		RetryDelay:      cfg.Retry.RetryDelay.Std(),
		MaxDelay:        cfg.Retry.MaxDelay.Std(),
		Jitter:          cfg.Retry.Jitter.Std(),
		Logger:          logger,
		Metrics:         m,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure ledger: %w", err)
	}
	return gw, nil
}
