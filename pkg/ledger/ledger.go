// Package ledger resolves BlockSnap transactions against an Ethereum JSON-RPC
// endpoint and turns their receipts into media records.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"blocksnap/pkg/metrics"
	"blocksnap/pkg/resilient"
	"blocksnap/pkg/types"
)

const (
	DefaultCacheTTL       = 10 * time.Minute
	DefaultRequestTimeout = 30 * time.Second

	// DefaultLogLookback is how many recent blocks are searched for a
	// session's start event before falling back to the whole chain.
	DefaultLogLookback = 1000
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// ChainReader is the part of ethclient.Client the gateway needs.
type ChainReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Dialer opens a ChainReader for an RPC URL.
type Dialer func(ctx context.Context, rawurl string) (ChainReader, error)

func dialEthclient(ctx context.Context, rawurl string) (ChainReader, error) {
	return ethclient.DialContext(ctx, rawurl)
}

type Options struct {
	RPCURL          string
	FallbackRPCURLs []string
	ContractAddress string

	CacheTTL       time.Duration
	RequestTimeout time.Duration
	LogLookback    uint64

	MaxRetries int
	RetryDelay time.Duration
	MaxDelay   time.Duration
	Jitter     time.Duration

	Logger  *zap.Logger
	Metrics *metrics.ResilienceMetrics
	Dialer  Dialer
}

// Gateway answers VerifyTransaction and VerifyPhoto for one contract
// deployment.
type Gateway struct {
	contract    common.Address
	endpoints   *resilient.Client
	dial        Dialer
	timeout     time.Duration
	logLookback uint64
	cache       *cache.Cache
	logger      *zap.Logger

	mu      sync.Mutex
	readers map[string]ChainReader
}

func New(opts Options) (*Gateway, error) {
	if opts.RPCURL == "" {
		return nil, fmt.Errorf("ledger: rpc url is required")
	}
	if !common.IsHexAddress(opts.ContractAddress) {
		return nil, fmt.Errorf("ledger: invalid contract address %q", opts.ContractAddress)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.LogLookback == 0 {
		opts.LogLookback = DefaultLogLookback
	}
	if opts.Dialer == nil {
		opts.Dialer = dialEthclient
	}

	rc, err := resilient.New(resilient.Config{
		Name:       "ledger",
		Primary:    opts.RPCURL,
		Fallbacks:  opts.FallbackRPCURLs,
		MaxRetries: opts.MaxRetries,
		RetryDelay: opts.RetryDelay,
		MaxDelay:   opts.MaxDelay,
		Jitter:     opts.Jitter,
		Logger:     opts.Logger,
		Metrics:    opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	return &Gateway{
		contract:    common.HexToAddress(opts.ContractAddress),
		endpoints:   rc,
		dial:        opts.Dialer,
		timeout:     opts.RequestTimeout,
		logLookback: opts.LogLookback,
		cache:       cache.New(opts.CacheTTL, 2*opts.CacheTTL),
		logger:      opts.Logger.With(zap.String("component", "ledger")),
		readers:     make(map[string]ChainReader),
	}, nil
}

// ValidTxHash reports whether s looks like a transaction hash.
func ValidTxHash(s string) bool {
	return txHashPattern.MatchString(s)
}

// VerifyTransaction looks txHash up on the ledger. A malformed or unknown
// hash is a normal negative answer; err is only set when no endpoint could
// answer. Positive answers are cached.
func (g *Gateway) VerifyTransaction(ctx context.Context, txHash types.TxHash) (bool, *types.MediaRecord, error) {
	raw := strings.TrimSpace(string(txHash))
	if !ValidTxHash(raw) {
		g.logger.Debug("Invalid transaction hash format", zap.String("tx_hash", raw))
		return false, nil, nil
	}

	key := strings.ToLower(raw)
	if cached, found := g.cache.Get(key); found {
		return true, cached.(*types.MediaRecord).Clone(), nil
	}

	hash := common.HexToHash(raw)

	var (
		receipt *gethtypes.Receipt
		tx      *gethtypes.Transaction
	)
	err := g.call(ctx, func(ctx context.Context, chain ChainReader) error {
		r, err := chain.TransactionReceipt(ctx, hash)
		if err != nil {
			return err
		}
		t, _, err := chain.TransactionByHash(ctx, hash)
		if err != nil {
			return err
		}
		receipt, tx = r, t
		return nil
	})
	if errors.Is(err, ethereum.NotFound) {
		g.logger.Debug("Transaction not found on ledger", zap.String("tx_hash", raw))
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("failed to fetch transaction %s: %w", raw, err)
	}

	fact := g.classify(ctx, receipt, tx)
	fact.TxHash = types.TxHash(raw)
	fact.Normalize()

	g.cache.Set(key, fact.Clone(), cache.DefaultExpiration)
	return true, fact, nil
}

// VerifyPhoto asks the contract whether a photo with contentID was minted
// and returns its owner. Positive answers are cached.
func (g *Gateway) VerifyPhoto(ctx context.Context, contentID string) (bool, string, error) {
	contentID = strings.TrimSpace(contentID)
	if contentID == "" {
		return false, "", nil
	}

	key := "photo:" + contentID
	if cached, found := g.cache.Get(key); found {
		return true, cached.(string), nil
	}

	input, err := contractABI.Pack(methodVerifyPhoto, contentID)
	if err != nil {
		return false, "", fmt.Errorf("failed to encode verifyPhoto call: %w", err)
	}
	contract := g.contract

	var output []byte
	err = g.call(ctx, func(ctx context.Context, chain ChainReader) error {
		out, err := chain.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: input}, nil)
		if err != nil {
			return err
		}
		output = out
		return nil
	})
	if err != nil {
		return false, "", fmt.Errorf("failed to verify photo %s: %w", contentID, err)
	}

	values, err := contractABI.Unpack(methodVerifyPhoto, output)
	if err != nil {
		return false, "", fmt.Errorf("failed to decode verifyPhoto result: %w", err)
	}
	if len(values) != 2 {
		return false, "", fmt.Errorf("verifyPhoto returned %d values", len(values))
	}
	exists, _ := values[0].(bool)
	if !exists {
		return false, "", nil
	}
	owner := addressString(values[1])

	g.cache.Set(key, owner, cache.DefaultExpiration)
	return true, owner, nil
}

// classify derives a media record from a mined transaction, trying the
// contract's events first and the called method second.
func (g *Gateway) classify(ctx context.Context, receipt *gethtypes.Receipt, tx *gethtypes.Transaction) *types.MediaRecord {
	if to := tx.To(); to != nil && *to != g.contract {
		return &types.MediaRecord{
			Type:    types.MediaExternal,
			Message: "Transaction is not for BlockSnap contract",
		}
	}

	sender := senderOf(tx)

	if ev, ok := g.findEvent(receipt, eventPhotoMinted); ok {
		return &types.MediaRecord{
			Type:        types.MediaPhoto,
			TokenID:     bigToInt64(ev["tokenId"]),
			Owner:       addressString(ev["owner"]),
			ContentID:   stringField(ev["ipfsCID"]),
			MetadataURI: stringField(ev["metadataURI"]),
		}
	}

	if ev, ok := g.findEvent(receipt, eventVideoChunkAdded); ok {
		sessionID, _ := ev["sessionId"].(*big.Int)
		owner := g.sessionOwner(ctx, sessionID)
		if owner == "" {
			owner = sender
		}
		return &types.MediaRecord{
			Type:           types.MediaVideoChunk,
			SessionID:      bigToInt64(ev["sessionId"]),
			SequenceNumber: bigToInt64(ev["sequenceNumber"]),
			ContentID:      stringField(ev["videoCID"]),
			MetadataURI:    stringField(ev["metadataCID"]),
			Owner:          owner,
		}
	}

	if ev, ok := g.findEvent(receipt, eventVideoSessionStarted); ok {
		return &types.MediaRecord{
			Type:      types.MediaVideoSession,
			SessionID: bigToInt64(ev["sessionId"]),
			Owner:     addressString(ev["owner"]),
		}
	}

	if data := tx.Data(); len(data) >= 4 {
		function := "unknown"
		if method, err := contractABI.MethodById(data[:4]); err == nil {
			function = method.Name
		}
		return &types.MediaRecord{
			Type:     types.MediaContractInteraction,
			Function: function,
			Owner:    sender,
			Message:  fmt.Sprintf("Transaction calls %s function", function),
		}
	}

	return &types.MediaRecord{
		Type:    types.MediaUnknown,
		Owner:   sender,
		Message: "Transaction exists but media type could not be determined",
	}
}

// findEvent decodes the first log in receipt emitted by the contract for the
// named event.
func (g *Gateway) findEvent(receipt *gethtypes.Receipt, name string) (map[string]any, bool) {
	event := contractABI.Events[name]
	for _, log := range receipt.Logs {
		if log == nil || log.Address != g.contract || len(log.Topics) == 0 || log.Topics[0] != event.ID {
			continue
		}
		fields, err := decodeLog(event, log)
		if err != nil {
			g.logger.Warn("Failed to decode contract event",
				zap.String("event", name),
				zap.Error(err))
			continue
		}
		return fields, true
	}
	return nil, false
}

func decodeLog(event abi.Event, log *gethtypes.Log) (map[string]any, error) {
	fields := make(map[string]any)
	if len(log.Data) > 0 {
		if err := event.Inputs.NonIndexed().UnpackIntoMap(fields, log.Data); err != nil {
			return nil, err
		}
	}

	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, log.Topics[1:]); err != nil {
		return nil, err
	}
	return fields, nil
}

// sessionOwner finds who started a video session, first in recent blocks
// and then across the whole chain. It returns "" when nothing matches.
func (g *Gateway) sessionOwner(ctx context.Context, sessionID *big.Int) string {
	if sessionID == nil {
		return ""
	}
	event := contractABI.Events[eventVideoSessionStarted]
	topics := [][]common.Hash{{event.ID}, {common.BigToHash(sessionID)}}

	var owner string
	err := g.call(ctx, func(ctx context.Context, chain ChainReader) error {
		head, err := chain.BlockNumber(ctx)
		if err != nil {
			return err
		}

		ranges := []uint64{0}
		if head > g.logLookback {
			ranges = []uint64{head - g.logLookback, 0}
		}

		for _, from := range ranges {
			logs, err := chain.FilterLogs(ctx, ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(from),
				Addresses: []common.Address{g.contract},
				Topics:    topics,
			})
			if err != nil {
				return err
			}
			for i := range logs {
				fields, err := decodeLog(event, &logs[i])
				if err != nil {
					continue
				}
				if id, ok := fields["sessionId"].(*big.Int); ok && id.Cmp(sessionID) == 0 {
					owner = addressString(fields["owner"])
					return nil
				}
			}
		}
		return nil
	})
	if err != nil {
		g.logger.Warn("Failed to look up video session owner",
			zap.String("session_id", sessionID.String()),
			zap.Error(err))
	}
	return owner
}

// call runs op against the current RPC endpoint with a per-attempt timeout.
// ethereum.NotFound is final and not retried.
func (g *Gateway) call(ctx context.Context, op func(context.Context, ChainReader) error) error {
	return g.endpoints.Execute(ctx, func(ctx context.Context, endpoint string) error {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		chain, err := g.reader(callCtx, endpoint)
		if err != nil {
			return err
		}
		err = op(callCtx, chain)
		if errors.Is(err, ethereum.NotFound) {
			return resilient.Permanent(err)
		}
		return err
	})
}

func (g *Gateway) reader(ctx context.Context, endpoint string) (ChainReader, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if chain, ok := g.readers[endpoint]; ok {
		return chain, nil
	}
	chain, err := g.dial(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", endpoint, err)
	}
	g.readers[endpoint] = chain
	return chain, nil
}

// Close releases any open RPC connections.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for endpoint, chain := range g.readers {
		if c, ok := chain.(interface{ Close() }); ok {
			c.Close()
		}
		delete(g.readers, endpoint)
	}
}

func senderOf(tx *gethtypes.Transaction) string {
	from, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return ""
	}
	return from.Hex()
}

func bigToInt64(v any) *int64 {
	b, ok := v.(*big.Int)
	if !ok || b == nil || !b.IsInt64() {
		return nil
	}
	return types.Int64(b.Int64())
}

func addressString(v any) string {
	if addr, ok := v.(common.Address); ok {
		return addr.Hex()
	}
	return ""
}

func stringField(v any) string {
	s, _ := v.(string)
	return s
}
