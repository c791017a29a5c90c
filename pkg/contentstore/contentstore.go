// Package contentstore fetches content-addressed media bytes from a local
// IPFS node, falling back to public HTTP gateways.
package contentstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"blocksnap/pkg/metrics"
	"blocksnap/pkg/resilient"
)

const (
	DefaultAPIURL         = "http://127.0.0.1:5001"
	DefaultCacheTTL       = 10 * time.Minute
	DefaultRequestTimeout = 10 * time.Second
	DefaultMaxContentSize = 64 << 20
)

var (
	ErrInvalidCID = errors.New("invalid content id")
	ErrNotFound   = errors.New("content not found")
	errMismatch   = errors.New("content does not match its content id")
)

type Options struct {
	// APIURL is the local IPFS HTTP API. Empty means gateways only.
	APIURL   string
	Gateways []string

	CacheTTL       time.Duration
	RequestTimeout time.Duration
	MaxContentSize int64

	MaxRetries int
	RetryDelay time.Duration
	MaxDelay   time.Duration
	Jitter     time.Duration

	HTTPClient *http.Client
	Logger     *zap.Logger
	Metrics    *metrics.ResilienceMetrics
}

// Store reads content by CID. Every read tries the local API first and the
// gateways in order after it.
type Store struct {
	apiURL    string
	endpoints *resilient.Client
	http      *http.Client
	maxSize   int64
	cache     *cache.Cache
	logger    *zap.Logger
}

func New(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.MaxContentSize <= 0 {
		opts.MaxContentSize = DefaultMaxContentSize
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.RequestTimeout}
	}

	apiURL := strings.TrimRight(opts.APIURL, "/")
	var endpoints []string
	if apiURL != "" {
		endpoints = append(endpoints, apiURL)
	}
	for _, gw := range opts.Gateways {
		gw = strings.TrimSuffix(strings.TrimRight(gw, "/"), "/ipfs")
		if gw != "" && gw != apiURL {
			endpoints = append(endpoints, gw)
		}
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("contentstore: no api url or gateways configured")
	}

	rc, err := resilient.New(resilient.Config{
		Name:       "contentstore",
		Primary:    endpoints[0],
		Fallbacks:  endpoints[1:],
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

	return &Store{
		apiURL:    apiURL,
		endpoints: rc,
		http:      opts.HTTPClient,
		maxSize:   opts.MaxContentSize,
		cache:     cache.New(opts.CacheTTL, 2*opts.CacheTTL),
		logger:    opts.Logger.With(zap.String("component", "contentstore")),
	}, nil
}

// ParseContentID accepts a bare CID, an ipfs:// URI or a gateway URL.
func ParseContentID(raw string) (cid.Cid, error) {
	s := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(s, "ipfs://"):
		s = strings.TrimPrefix(s, "ipfs://")
	case strings.Contains(s, "/ipfs/"):
		s = s[strings.LastIndex(s, "/ipfs/")+len("/ipfs/"):]
	}
	s = strings.Trim(s, "/")

	c, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, fmt.Errorf("%w %q: %v", ErrInvalidCID, raw, err)
	}
	return c, nil
}

// CalculateCID returns the CIDv1 (raw codec, sha2-256) that identifies data
// when it is added as a single raw block.
func CalculateCID(data []byte) (string, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("failed to hash content: %w", err)
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

// Get returns the bytes behind contentID. Raw-codec CIDs are checked
// against the returned bytes and a mismatching source is skipped.
func (s *Store) Get(ctx context.Context, contentID string) ([]byte, error) {
	c, err := ParseContentID(contentID)
	if err != nil {
		return nil, err
	}
	key := c.String()

	if cached, found := s.cache.Get(key); found {
		return cached.([]byte), nil
	}

	var data []byte
	err = s.endpoints.ExecuteFromPrimary(ctx, func(ctx context.Context, endpoint string) error {
		body, err := s.fetch(ctx, endpoint, key)
		if err != nil {
			return err
		}
		if err := verify(c, body); err != nil {
			s.logger.Warn("Discarding content that failed verification",
				zap.String("cid", key),
				zap.String("endpoint", endpoint))
			return err
		}
		data = body
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, key, err)
	}

	s.cache.Set(key, data, cache.DefaultExpiration)
	return data, nil
}

// Has reports whether contentID can be fetched from any source.
func (s *Store) Has(ctx context.Context, contentID string) bool {
	_, err := s.Get(ctx, contentID)
	return err == nil
}

// GatewayURL is where a browser can load contentID from the first gateway.
func (s *Store) GatewayURL(contentID string) string {
	set := s.endpoints.EndpointSet()
	for _, ep := range append([]string{set.Primary}, set.Fallbacks...) {
		if ep != s.apiURL {
			return ep + "/ipfs/" + contentID
		}
	}
	return ""
}

func (s *Store) fetch(ctx context.Context, endpoint, id string) ([]byte, error) {
	var req *http.Request
	var err error
	if endpoint == s.apiURL {
		u := endpoint + "/api/v0/cat?arg=" + url.QueryEscape(id)
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/ipfs/"+id, nil)
	}
	if err != nil {
		return nil, resilient.Permanent(err)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code from %s: %d", endpoint, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > s.maxSize {
		return nil, fmt.Errorf("content from %s exceeds %d bytes", endpoint, s.maxSize)
	}
	return body, nil
}

// verify checks raw-codec content against its multihash. DAG-encoded
// content is trusted since its root hash covers the encoded blocks, not the
// file bytes.
func verify(c cid.Cid, data []byte) error {
	if c.Type() != cid.Raw {
		return nil
	}
	sum, err := c.Prefix().Sum(data)
	if err != nil {
		return err
	}
	if !sum.Equals(c) {
		if dec, err := multihash.Decode(c.Hash()); err == nil {
			return fmt.Errorf("%w (%s)", errMismatch, multihash.Codes[dec.Code])
		}
		return errMismatch
	}
	return nil
}
