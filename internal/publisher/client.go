package publisher

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/Ap3pp3rs94/telemetry-core/internal/eventbus"
	"github.com/Ap3pp3rs94/telemetry-core/pkg/ack"
	"github.com/Ap3pp3rs94/telemetry-core/pkg/canonical"
)

// ClientTLSConfig builds the mutual-TLS dial configuration: the agent
// presents a client certificate chained to the deployment CA and verifies
// the broker's certificate against the same CA.
func ClientTLSConfig(clientCertPath, clientKeyPath, caCertPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(clientCertPath, clientKeyPath)
	if err != nil {
		return nil, fmt.Errorf("publisher: load client cert: %w", err)
	}
	caPEM, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("publisher: read ca cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("publisher: ca cert %s contains no usable certificates", caCertPath)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Client is a thin hand-written RPC client for the EventBus service. There
// is no protoc-generated stub in this core (see DESIGN.md): Publish invokes
// the method by its fully-qualified name directly against the ClientConn,
// relying on the "proto"-named eventbus.codec registered at process start.
type Client struct {
	conn *grpc.ClientConn
}

// Dial opens an mTLS connection to busAddress.
func Dial(busAddress string, tlsConfig *tls.Config) (*Client, error) {
	creds := credentials.NewTLS(tlsConfig)
	conn, err := grpc.NewClient(busAddress, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("publisher: dial %s: %w", busAddress, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// Publish sends one signed envelope and returns the broker's ack. A non-nil
// error means no ack was obtained at all (an RPC failure) — callers must
// treat it identically to ack.RETRY except that it also means the
// connection itself may need attention.
func (c *Client) Publish(ctx context.Context, env canonical.Envelope) (ack.Ack, error) {
	req := &eventbus.PublishRequest{Envelope: env}
	resp := &eventbus.PublishResponse{}
	if err := c.conn.Invoke(ctx, "/telemetrycore.EventBus/Publish", req, resp); err != nil {
		return ack.Ack{}, fmt.Errorf("publisher: publish rpc: %w", err)
	}
	return resp.Ack, nil
}

// Health calls the broker's Health RPC and returns its coarse readiness.
func (c *Client) Health(ctx context.Context) (*eventbus.HealthResponse, error) {
	req := &eventbus.HealthRequest{}
	resp := &eventbus.HealthResponse{}
	if err := c.conn.Invoke(ctx, "/telemetrycore.EventBus/Health", req, resp); err != nil {
		return nil, fmt.Errorf("publisher: health rpc: %w", err)
	}
	return resp, nil
}
