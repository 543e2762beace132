package resource

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

// toolCaller is the part of an MCP client session MCPClient needs.
type toolCaller interface {
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// MCPClient invokes gateway tools through an MCP server that exposes them
// under the same names (list-ai-providers, add-ai-route, ...).
type MCPClient struct {
	session toolCaller
	closer  func() error
	logger  *zap.Logger
}

// DialMCP connects to a streamable-HTTP MCP server and completes the
// initialize handshake.
func DialMCP(ctx context.Context, serverURL string, logger *zap.Logger) (*MCPClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := client.NewStreamableHttpClient(serverURL)
	if err != nil {
		return nil, fmt.Errorf("mcp client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("mcp start: %w", err)
	}

	init := mcp.InitializeRequest{}
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: "agent-aigateway", Version: "1.0.0"}
	res, err := c.Initialize(ctx, init)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("mcp initialize: %w", err)
	}
	logger.Info("mcp session initialized",
		zap.String("server", res.ServerInfo.Name),
		zap.String("server_version", res.ServerInfo.Version),
	)
	return &MCPClient{session: c, closer: c.Close, logger: logger}, nil
}

// newMCPClientWithSession creates a client over an existing session (for testing).
func newMCPClientWithSession(s toolCaller, logger *zap.Logger) *MCPClient {
	return &MCPClient{session: s, closer: func() error { return nil }, logger: logger}
}

// Close ends the MCP session.
func (c *MCPClient) Close() error {
	return c.closer()
}

func (c *MCPClient) Invoke(ctx context.Context, toolName string, args map[string]any) Result {
	req := mcp.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = args

	res, err := c.session.CallTool(ctx, req)
	if err != nil {
		c.logger.Warn("mcp tool call failed", zap.String("tool", toolName), zap.Error(err))
		return failure(err.Error())
	}

	text := contentText(res.Content)
	if res.IsError {
		if text == "" {
			text = fmt.Sprintf("tool %s failed", toolName)
		}
		return failure(text)
	}

	if res.StructuredContent != nil {
		if data, err := json.Marshal(res.StructuredContent); err == nil {
			var v any
			if json.Unmarshal(data, &v) == nil {
				return Result{Success: true, Data: envelope(v)}
			}
		}
	}
	if text == "" {
		return Result{Success: true, Data: map[string]any{}}
	}
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return Result{Success: true, Data: map[string]any{"message": text}}
	}
	return Result{Success: true, Data: envelope(v)}
}

func contentText(contents []mcp.Content) string {
	var parts []string
	for _, c := range contents {
		switch tc := c.(type) {
		case mcp.TextContent:
			parts = append(parts, tc.Text)
		case *mcp.TextContent:
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
