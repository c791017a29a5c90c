package shared

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

const (
	// DefaultGRPCTimeout is the default timeout for gRPC operations
	DefaultGRPCTimeout = 30 * time.Second
)

// DialTarget turns an advertised endpoint into a gRPC dial target. Endpoints
// may be bare host:port or carry a URL scheme such as grpc:// or http://.
func DialTarget(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if strings.Contains(endpoint, "://") {
		if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
			return u.Host
		}
	}
	return strings.TrimSuffix(endpoint, "/")
}

// Dial creates a client connection to a node or directory endpoint. The
// connection is lazy; failures surface on the first RPC.
func Dial(endpoint string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	target := DialTarget(endpoint)
	if target == "" {
		return nil, fmt.Errorf("empty endpoint")
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: false,
		}),
	}
	dialOpts = append(dialOpts, opts...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection to %s: %w", target, err)
	}
	return conn, nil
}

// ConnectionPool keeps one client connection per endpoint
type ConnectionPool struct {
	connections map[string]*grpc.ClientConn
	mutex       sync.RWMutex
}

func NewConnectionPool() *ConnectionPool {
	return &ConnectionPool{
		connections: make(map[string]*grpc.ClientConn),
	}
}

// GetConnection returns a pooled connection or creates a new one
func (p *ConnectionPool) GetConnection(endpoint string) (*grpc.ClientConn, error) {
	p.mutex.RLock()
	conn, exists := p.connections[endpoint]
	p.mutex.RUnlock()

	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	// Double-check after acquiring write lock
	conn, exists = p.connections[endpoint]
	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	newConn, err := Dial(endpoint)
	if err != nil {
		return nil, err
	}
	p.connections[endpoint] = newConn
	return newConn, nil
}

// Remove closes and forgets the connection for endpoint.
func (p *ConnectionPool) Remove(endpoint string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if conn, ok := p.connections[endpoint]; ok {
		conn.Close()
		delete(p.connections, endpoint)
	}
}

// CloseAll closes all connections in the pool
func (p *ConnectionPool) CloseAll() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for _, conn := range p.connections {
		conn.Close()
	}
	p.connections = make(map[string]*grpc.ClientConn)
}

func (p *ConnectionPool) Size() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return len(p.connections)
}
