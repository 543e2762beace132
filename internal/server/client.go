package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/gzf09/agent-aigateway/internal/orchestrator"
	"github.com/gzf09/agent-aigateway/internal/plan"
)

// Client is a typed AgentService client.
type Client struct {
	cc    grpc.ClientConnInterface
	conn  *grpc.ClientConn
	token string
}

// NewClient wraps an existing connection. token is sent as a bearer API key
// when non-empty.
func NewClient(cc grpc.ClientConnInterface, token string) *Client {
	return &Client{cc: cc, token: token}
}

// Dial connects to addr without transport security.
func Dial(addr, token string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("Dial: %w", err)
	}
	return &Client{cc: conn, conn: conn, token: token}, nil
}

// Close closes a connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) Submit(ctx context.Context, sessionID string, calls []plan.Call) (*orchestrator.Turn, error) {
	return c.turn(ctx, "Submit", SubmitRequest{SessionID: sessionID, Calls: calls})
}

func (c *Client) Confirm(ctx context.Context, sessionID, name string) (*orchestrator.Turn, error) {
	return c.turn(ctx, "Confirm", ConfirmRequest{SessionID: sessionID, Name: name})
}

func (c *Client) Cancel(ctx context.Context, sessionID string) (*orchestrator.Turn, error) {
	return c.turn(ctx, "Cancel", SessionRequest{SessionID: sessionID})
}

func (c *Client) RollbackLast(ctx context.Context, sessionID string) (*orchestrator.Turn, error) {
	return c.turn(ctx, "RollbackLast", SessionRequest{SessionID: sessionID})
}

func (c *Client) RollbackToVersion(ctx context.Context, sessionID string, target int64) (*orchestrator.Turn, error) {
	return c.turn(ctx, "RollbackToVersion", RollbackToVersionRequest{SessionID: sessionID, TargetVersion: target})
}

func (c *Client) Timeline(ctx context.Context, sessionID string, limit int) (*TimelineResponse, error) {
	var out TimelineResponse
	if err := c.invoke(ctx, "Timeline", TimelineRequest{SessionID: sessionID, Limit: limit}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) turn(ctx context.Context, method string, req any) (*orchestrator.Turn, error) {
	var out orchestrator.Turn
	if err := c.invoke(ctx, method, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) invoke(ctx context.Context, method string, req, out any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	if c.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
	}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), in, resp); err != nil {
		return err
	}
	return fromStruct(resp, out)
}
