// Package client dials a profile daemon and exposes its typed services.
package client

import (
	"fmt"

	"github.com/matheus3301/huddle/internal/rpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn    *grpc.ClientConn
	Session *rpc.SessionClient
	Chat    *rpc.ChatClient
}

// New dials the daemon's Unix domain socket and returns typed service clients.
func New(socketPath string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rpc.CodecName)),
	}, opts...)
	conn, err := grpc.NewClient("unix://"+socketPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}

	return &Client{
		conn:    conn,
		Session: rpc.NewSessionClient(conn),
		Chat:    rpc.NewChatClient(conn),
	}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
