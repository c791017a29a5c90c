package directory

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"blocksnap/pkg/metrics"
	"blocksnap/pkg/protocol"
	"blocksnap/pkg/resilient"
	"blocksnap/pkg/shared"
	"blocksnap/pkg/types"
)

type ClientOptions struct {
	Address        string
	Fallbacks      []string
	RequestTimeout time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	MaxDelay       time.Duration
	Jitter         time.Duration
	Logger         *zap.Logger
	Metrics        *metrics.ResilienceMetrics
}

// Client talks to a directory at a primary address with ordered fallbacks.
type Client struct {
	endpoints *resilient.Client
	pool      *shared.ConnectionPool
	timeout   time.Duration
}

func NewClient(opts ClientOptions) (*Client, error) {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = shared.DefaultGRPCTimeout
	}
	rc, err := resilient.New(resilient.Config{
		Name:       "directory",
		Primary:    opts.Address,
		Fallbacks:  opts.Fallbacks,
		MaxRetries: opts.MaxRetries,
		RetryDelay: opts.RetryDelay,
		MaxDelay:   opts.MaxDelay,
		Jitter:     opts.Jitter,
		Logger:     opts.Logger,
		Metrics:    opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create directory client: %w", err)
	}
	return &Client{
		endpoints: rc,
		pool:      shared.NewConnectionPool(),
		timeout:   opts.RequestTimeout,
	}, nil
}

func (c *Client) Register(ctx context.Context, rec types.NodeRecord) error {
	req, err := protocol.NodeRecordToStruct(rec)
	if err != nil {
		return err
	}
	return c.call(ctx, func(ctx context.Context, client protocol.DirectoryServiceClient) error {
		_, err := client.Register(ctx, req)
		return err
	})
}

func (c *Client) ListActive(ctx context.Context) ([]types.NodeRecord, error) {
	var nodes []types.NodeRecord
	err := c.call(ctx, func(ctx context.Context, client protocol.DirectoryServiceClient) error {
		resp, err := client.ListActive(ctx, &emptypb.Empty{})
		if err != nil {
			return err
		}
		nodes, err = protocol.NodeListFromValue(resp)
		return err
	})
	return nodes, err
}

func (c *Client) Heartbeat(ctx context.Context, nodeID types.NodeID) error {
	return c.call(ctx, func(ctx context.Context, client protocol.DirectoryServiceClient) error {
		_, err := client.Heartbeat(ctx, wrapperspb.String(string(nodeID)))
		return err
	})
}

// EndpointSet exposes which directory address is in use.
func (c *Client) EndpointSet() resilient.EndpointSet {
	return c.endpoints.EndpointSet()
}

func (c *Client) Close() {
	c.pool.CloseAll()
}

func (c *Client) call(ctx context.Context, fn func(context.Context, protocol.DirectoryServiceClient) error) error {
	return c.endpoints.Execute(ctx, func(ctx context.Context, endpoint string) error {
		conn, err := c.pool.GetConnection(endpoint)
		if err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		return fromStatus(fn(callCtx, protocol.NewDirectoryServiceClient(conn)))
	})
}

// fromStatus maps directory answers back to sentinel errors. Both are final
// answers, so they are not retried against fallbacks.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.InvalidArgument:
		return resilient.Permanent(fmt.Errorf("%w: %s", ErrMissingFields, status.Convert(err).Message()))
	case codes.NotFound:
		return resilient.Permanent(fmt.Errorf("%w: %s", ErrNodeNotFound, status.Convert(err).Message()))
	default:
		return err
	}
}
