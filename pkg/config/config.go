package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"blocksnap/pkg/utils"
)

type Mode string

const (
	ModeDirectory Mode = "directory"
	ModeNode      Mode = "node"
)

// DefaultGateways are the public content gateways tried after the local API.
var DefaultGateways = []string{
	"https://ipfs.io",
	"https://gateway.pinata.cloud",
	"https://cloudflare-ipfs.com",
	"https://ipfs.infura.io",
}

type Config struct {
	Mode         Mode               `json:"mode"`
	Directory    DirectoryConfig    `json:"directory,omitempty"`
	Node         NodeConfig         `json:"node,omitempty"`
	Retry        RetryConfig        `json:"retry"`
	Ledger       LedgerConfig       `json:"ledger,omitempty"`
	ContentStore ContentStoreConfig `json:"content_store,omitempty"`
}

type DirectoryConfig struct {
	Address         string   `json:"address"`
	HTTPAddress     string   `json:"http_address"`
	DataDir         string   `json:"data_dir"`
	NodeTimeout     Duration `json:"node_timeout"`
	CleanupInterval Duration `json:"cleanup_interval"`
	// RedisAddr switches the node map from a file snapshot to Redis.
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
	RedisKey      string `json:"redis_key,omitempty"`
}

type NodeConfig struct {
	NodeID string `json:"node_id"`
	// PublicEndpoint is what peers dial; defaults to ListenAddress.
	PublicEndpoint     string   `json:"public_endpoint"`
	ListenAddress      string   `json:"listen_address"`
	HTTPAddress        string   `json:"http_address"`
	DirectoryAddress   string   `json:"directory_address"`
	DirectoryFallbacks []string `json:"directory_fallbacks,omitempty"`
	DataDir            string   `json:"data_dir"`
	EnableP2P          bool     `json:"enable_p2p"`
	DiscoveryInterval  Duration `json:"discovery_interval"`
	HeartbeatInterval  Duration `json:"heartbeat_interval"`
	RequestTimeout     Duration `json:"request_timeout"`
}

type RetryConfig struct {
	MaxRetries int      `json:"max_retries"`
	RetryDelay Duration `json:"retry_delay"`
	MaxDelay   Duration `json:"max_delay"`
	Jitter     Duration `json:"jitter"`
}

type LedgerConfig struct {
	RPCURL          string   `json:"rpc_url"`
	FallbackRPCURLs []string `json:"fallback_rpc_urls,omitempty"`
	ContractAddress string   `json:"contract_address"`
	CacheTTL        Duration `json:"cache_ttl"`
}

type ContentStoreConfig struct {
	APIURL   string   `json:"api_url"`
	Gateways []string `json:"gateways,omitempty"`
	CacheTTL Duration `json:"cache_ttl"`
	// MaxContentSize caps a single fetch, e.g. "64MiB".
	MaxContentSize string `json:"max_content_size"`
}

// MaxContentBytes parses MaxContentSize.
func (c ContentStoreConfig) MaxContentBytes() (int64, error) {
	n, err := utils.ParseDataSize(c.MaxContentSize)
	if err != nil {
		return 0, fmt.Errorf("content_store.max_content_size: %w", err)
	}
	return n, nil
}

// Default returns a configuration with every documented default filled in.
func Default() *Config {
	return &Config{
		Mode: ModeNode,
		Directory: DirectoryConfig{
			Address:         ":7100",
			HTTPAddress:     ":7180",
			DataDir:         "./data/directory",
			NodeTimeout:     Duration(3600 * time.Second),
			CleanupInterval: Duration(300 * time.Second),
			RedisKey:        "blocksnap:directory:nodes",
		},
		Node: NodeConfig{
			ListenAddress:     ":7000",
			HTTPAddress:       ":5000",
			DirectoryAddress:  "localhost:7100",
			DataDir:           "./data/node",
			EnableP2P:         true,
			DiscoveryInterval: Duration(60 * time.Second),
			HeartbeatInterval: Duration(300 * time.Second),
			RequestTimeout:    Duration(30 * time.Second),
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			RetryDelay: Duration(2 * time.Second),
			MaxDelay:   Duration(30 * time.Second),
			Jitter:     Duration(time.Second),
		},
		Ledger: LedgerConfig{
			CacheTTL: Duration(10 * time.Minute),
		},
		ContentStore: ContentStoreConfig{
			APIURL:         "http://127.0.0.1:5001",
			Gateways:       append([]string(nil), DefaultGateways...),
			CacheTTL:       Duration(10 * time.Minute),
			MaxContentSize: "64MiB",
		},
	}
}

// LoadConfig reads a JSON config file on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from a .env file into the process
// environment without overriding variables already set. A missing file is
// not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv builds a configuration from BLOCKSNAP_* variables on top of the
// defaults.
func LoadFromEnv() (*Config, error) {
	cfg := Default()
	cfg.Mode = Mode(getEnv("BLOCKSNAP_MODE", string(cfg.Mode)))

	var errs []error
	dur := func(key string, dst *Duration) {
		if v := os.Getenv(key); v != "" {
			if err := dst.parse(v); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
	}

	dataDir := os.Getenv("BLOCKSNAP_DATA_DIR")

	d := &cfg.Directory
	d.Address = getEnv("BLOCKSNAP_DIRECTORY_LISTEN_ADDRESS", d.Address)
	d.HTTPAddress = getEnv("BLOCKSNAP_DIRECTORY_HTTP_ADDRESS", d.HTTPAddress)
	d.DataDir = getEnv("BLOCKSNAP_DIRECTORY_DATA_DIR", firstNonEmpty(dataDir, d.DataDir))
	dur("BLOCKSNAP_NODE_TIMEOUT", &d.NodeTimeout)
	dur("BLOCKSNAP_CLEANUP_INTERVAL", &d.CleanupInterval)
	d.RedisAddr = getEnv("BLOCKSNAP_REDIS_ADDR", d.RedisAddr)
	d.RedisPassword = getEnv("BLOCKSNAP_REDIS_PASSWORD", d.RedisPassword)
	d.RedisKey = getEnv("BLOCKSNAP_REDIS_KEY", d.RedisKey)
	if v := os.Getenv("BLOCKSNAP_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("BLOCKSNAP_REDIS_DB: %w", err))
		}
		d.RedisDB = db
	}

	n := &cfg.Node
	n.NodeID = getEnv("BLOCKSNAP_NODE_ID", n.NodeID)
	n.PublicEndpoint = getEnv("BLOCKSNAP_PUBLIC_ENDPOINT", n.PublicEndpoint)
	n.ListenAddress = getEnv("BLOCKSNAP_LISTEN_ADDRESS", n.ListenAddress)
	n.HTTPAddress = getEnv("BLOCKSNAP_HTTP_ADDRESS", n.HTTPAddress)
	n.DirectoryAddress = getEnv("BLOCKSNAP_DIRECTORY_ADDRESS", n.DirectoryAddress)
	n.DirectoryFallbacks = getEnvList("BLOCKSNAP_DIRECTORY_FALLBACKS", n.DirectoryFallbacks)
	n.DataDir = getEnv("BLOCKSNAP_NODE_DATA_DIR", firstNonEmpty(dataDir, n.DataDir))
	if v := os.Getenv("BLOCKSNAP_ENABLE_P2P"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("BLOCKSNAP_ENABLE_P2P: %w", err))
		}
		n.EnableP2P = enabled
	}
	dur("BLOCKSNAP_DISCOVERY_INTERVAL", &n.DiscoveryInterval)
	dur("BLOCKSNAP_HEARTBEAT_INTERVAL", &n.HeartbeatInterval)
	dur("BLOCKSNAP_REQUEST_TIMEOUT", &n.RequestTimeout)

	r := &cfg.Retry
	if v := os.Getenv("BLOCKSNAP_MAX_RETRIES"); v != "" {
		retries, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("BLOCKSNAP_MAX_RETRIES: %w", err))
		}
		r.MaxRetries = retries
	}
	dur("BLOCKSNAP_RETRY_DELAY", &r.RetryDelay)
	dur("BLOCKSNAP_MAX_DELAY", &r.MaxDelay)
	dur("BLOCKSNAP_RETRY_JITTER", &r.Jitter)

	cfg.Ledger.RPCURL = getEnv("BLOCKSNAP_RPC_URL", cfg.Ledger.RPCURL)
	cfg.Ledger.FallbackRPCURLs = getEnvList("BLOCKSNAP_FALLBACK_RPC_URLS", cfg.Ledger.FallbackRPCURLs)
	cfg.Ledger.ContractAddress = getEnv("BLOCKSNAP_CONTRACT_ADDRESS", cfg.Ledger.ContractAddress)

	cfg.ContentStore.APIURL = getEnv("BLOCKSNAP_IPFS_API_URL", cfg.ContentStore.APIURL)
	cfg.ContentStore.Gateways = getEnvList("BLOCKSNAP_IPFS_GATEWAYS", cfg.ContentStore.Gateways)
	cfg.ContentStore.MaxContentSize = getEnv("BLOCKSNAP_IPFS_MAX_CONTENT_SIZE", cfg.ContentStore.MaxContentSize)

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid environment configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings that would make a component misbehave.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeDirectory, ModeNode:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if c.Retry.MaxRetries < 1 {
		return fmt.Errorf("retry.max_retries must be at least 1")
	}
	if c.Directory.NodeTimeout <= 0 || c.Directory.CleanupInterval <= 0 {
		return fmt.Errorf("directory node_timeout and cleanup_interval must be positive")
	}
	if c.Node.DiscoveryInterval <= 0 || c.Node.HeartbeatInterval <= 0 || c.Node.RequestTimeout <= 0 {
		return fmt.Errorf("node intervals and request_timeout must be positive")
	}
	if _, err := c.ContentStore.MaxContentBytes(); err != nil {
		return err
	}
	return nil
}

// Endpoint returns the endpoint this node advertises to peers.
func (n NodeConfig) Endpoint() string {
	if n.PublicEndpoint != "" {
		return n.PublicEndpoint
	}
	return n.ListenAddress
}

// VerifyBound is the worst-case time a cross-network verification can take
// with the given number of verify-capable peers: each peer gets MaxRetries
// attempts of up to RequestTimeout, separated by capped backoff waits.
func (c *Config) VerifyBound(peers int) time.Duration {
	perPeer := time.Duration(c.Retry.MaxRetries) * c.Node.RequestTimeout.Std()
	for n := 0; n < c.Retry.MaxRetries-1; n++ {
		wait := c.Retry.RetryDelay.Std() << n
		if wait > c.Retry.MaxDelay.Std() || wait <= 0 {
			wait = c.Retry.MaxDelay.Std()
		}
		perPeer += wait + c.Retry.Jitter.Std()
	}
	return time.Duration(peers) * perPeer
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvList parses a comma-separated list: a:1,b:2
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
