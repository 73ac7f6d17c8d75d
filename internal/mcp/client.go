// Package mcp connects to an external Model Context Protocol tool server
// and bridges its tools into OpenAI function-calling definitions.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"
)

// ToolSource exposes remote tools in a form the generation flow can attach
// to completions, plus execution of the calls the model makes.
type ToolSource interface {
	ListTools(ctx context.Context) ([]openai.ChatCompletionToolParam, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Client is a ToolSource backed by a streamable-HTTP MCP server.
type Client struct {
	inner   *mcpclient.Client
	name    string
	version string
}

var _ ToolSource = (*Client)(nil)

// Opts configures an MCP client connection.
type Opts struct {
	// ServerURL is the streamable-HTTP endpoint of the tool server.
	ServerURL string
	// ClientName and ClientVersion identify this service during the
	// initialize handshake.
	ClientName    string
	ClientVersion string
}

// Connect dials the tool server and completes the MCP initialize handshake.
func Connect(ctx context.Context, opts Opts) (*Client, error) {
	if opts.ServerURL == "" {
		return nil, fmt.Errorf("MCP server URL is empty")
	}
	name := opts.ClientName
	if name == "" {
		name = "salesbridge"
	}
	version := opts.ClientVersion
	if version == "" {
		version = "dev"
	}

	inner, err := mcpclient.NewStreamableHttpClient(opts.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client for %s: %w", opts.ServerURL, err)
	}
	if err := inner.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start MCP transport: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: name, Version: version}
	res, err := inner.Initialize(ctx, initReq)
	if err != nil {
		inner.Close()
		return nil, fmt.Errorf("MCP initialize handshake failed: %w", err)
	}

	slog.Info("mcp.Connect: connected to tool server", "serverURL", opts.ServerURL, "serverName", res.ServerInfo.Name, "serverVersion", res.ServerInfo.Version)
	return &Client{inner: inner, name: name, version: version}, nil
}

// ListTools fetches the server's tool catalog and converts each entry to an
// OpenAI function definition.
func (c *Client) ListTools(ctx context.Context) ([]openai.ChatCompletionToolParam, error) {
	res, err := c.inner.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list MCP tools: %w", err)
	}

	out := make([]openai.ChatCompletionToolParam, 0, len(res.Tools))
	for _, tool := range res.Tools {
		params, err := schemaToFunctionParameters(tool.InputSchema)
		if err != nil {
			slog.Warn("Client.ListTools: skipping tool with unusable schema", "tool", tool.Name, "error", err)
			continue
		}
		out = append(out, openai.ChatCompletionToolParam{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: openai.String(tool.Description),
				Parameters:  params,
			},
		})
	}
	slog.Debug("Client.ListTools: tool catalog fetched", "count", len(out))
	return out, nil
}

// CallTool executes one tool call and flattens the result content to text.
// A tool-level error becomes a Go error so callers can report it back to
// the model as a failed call.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	arguments := map[string]any{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return "", fmt.Errorf("invalid arguments for tool %s: %w", name, err)
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = arguments
	res, err := c.inner.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("tool %s call failed: %w", name, err)
	}

	text := flattenContent(res.Content)
	if res.IsError {
		return "", fmt.Errorf("tool %s reported an error: %s", name, text)
	}
	return text, nil
}

// Ping checks liveness of the tool server connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.inner.Ping(ctx)
}

// Close shuts down the transport.
func (c *Client) Close() error {
	return c.inner.Close()
}

// schemaToFunctionParameters converts an MCP input schema into the loose
// map form the OpenAI API expects, via a JSON round-trip.
func schemaToFunctionParameters(schema mcp.ToolInputSchema) (shared.FunctionParameters, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var params shared.FunctionParameters
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	if params == nil {
		params = shared.FunctionParameters{"type": "object"}
	}
	return params, nil
}

// flattenContent joins all text content blocks of a tool result.
func flattenContent(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
