// Package grpcclient calls the crypto service over gRPC. Messages are JSON
// encoded with a registered codec, so no generated stubs are needed.
package grpcclient

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/MrEthical07/hybridauth/internal/pqc"
	"github.com/MrEthical07/hybridauth/pqcclient"
)

const (
	serviceName = "pqc.v1.CryptoService"

	methodGenerateSessionKey = "/" + serviceName + "/GenerateSessionKey"
	methodSignToken          = "/" + serviceName + "/SignToken"
	methodVerifyToken        = "/" + serviceName + "/VerifyToken"
	methodGetStatus          = "/" + serviceName + "/GetStatus"

	apiKeyHeader = "x-api-key"
)

// Config selects the endpoint and transport security.
type Config struct {
	Target string
	APIKey string
	// TLS is nil for plaintext connections.
	TLS credentials.TransportCredentials
}

type Client struct {
	conn   *grpc.ClientConn
	apiKey string
}

var _ pqc.Client = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	if cfg.Target == "" {
		return nil, errors.New("grpcclient: target is required")
	}
	creds := cfg.TLS
	if creds == nil {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(cfg.Target,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("grpcclient: dial %s: %w", cfg.Target, err)
	}
	return &Client{conn: conn, apiKey: cfg.APIKey}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) GenerateSessionKey(ctx context.Context, userID string, md map[string]string) (pqc.Result, error) {
	var res pqc.Result
	err := c.invoke(ctx, methodGenerateSessionKey, &pqcclient.GenerateSessionKeyRequest{UserID: userID, Metadata: md}, &res)
	return res, err
}

func (c *Client) SignToken(ctx context.Context, userID string, payload map[string]any) (pqc.Result, error) {
	var res pqc.Result
	err := c.invoke(ctx, methodSignToken, &pqcclient.SignTokenRequest{UserID: userID, Payload: payload}, &res)
	return res, err
}

func (c *Client) VerifyToken(ctx context.Context, userID, token string) (pqc.Result, error) {
	var res pqc.Result
	err := c.invoke(ctx, methodVerifyToken, &pqcclient.VerifyTokenRequest{UserID: userID, Token: token}, &res)
	return res, err
}

func (c *Client) Status(ctx context.Context) (pqc.ServiceStatus, error) {
	var st pqc.ServiceStatus
	err := c.invoke(ctx, methodGetStatus, &pqcclient.StatusRequest{}, &st)
	return st, err
}

func (c *Client) invoke(ctx context.Context, method string, req, reply any) error {
	if c.apiKey != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, apiKeyHeader, c.apiKey)
	}
	if err := c.conn.Invoke(ctx, method, req, reply); err != nil {
		if st, ok := status.FromError(err); ok {
			return fmt.Errorf("grpcclient: %s: %s: %w", method, st.Code(), err)
		}
		return fmt.Errorf("grpcclient: %s: %w", method, err)
	}
	return nil
}
