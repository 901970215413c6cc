package eventbus

import (
	"context"
	"crypto/tls"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// AdminClient is a thin RPC client for operator tooling against a running
// broker — currently just UpdateAuthConfig. It dials with the same mTLS
// requirements as an agent connection; there is no separate admin
// credential tier in this core.
type AdminClient struct {
	conn *grpc.ClientConn
}

// DialAdmin opens an mTLS connection to busAddress for administrative RPCs.
func DialAdmin(busAddress string, tlsConfig *tls.Config) (*AdminClient, error) {
	creds := credentials.NewTLS(tlsConfig)
	conn, err := grpc.NewClient(busAddress, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("eventbus: dial %s: %w", busAddress, err)
	}
	return &AdminClient{conn: conn}, nil
}

func (c *AdminClient) Close() error { return c.conn.Close() }

// UpdateAuthConfig pushes a full or partial replacement of the CN allowlist
// and/or the agent signing-key map to the broker. Pass nil for whichever
// map should be left untouched.
func (c *AdminClient) UpdateAuthConfig(ctx context.Context, cnAllowlist, agentKeyMapHex map[string]string) (*UpdateAuthConfigResponse, error) {
	req := &UpdateAuthConfigRequest{CNAllowlist: cnAllowlist, AgentKeyMapHex: agentKeyMapHex}
	resp := &UpdateAuthConfigResponse{}
	if err := c.conn.Invoke(ctx, "/telemetrycore.EventBus/UpdateAuthConfig", req, resp); err != nil {
		return nil, fmt.Errorf("eventbus: update_auth_config rpc: %w", err)
	}
	return resp, nil
}
