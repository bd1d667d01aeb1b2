package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

const defaultRPCTimeout = 60 * time.Second

// MCPCaller executes rpc steps by calling a named tool on a remote MCP
// server over streamable HTTP. Connections are established lazily on first
// use and reused per endpoint URL.
type MCPCaller struct {
	mu      sync.Mutex
	clients map[string]*client.Client
}

// NewMCPCaller creates an rpc caller with an empty connection cache.
func NewMCPCaller() *MCPCaller {
	return &MCPCaller{clients: make(map[string]*client.Client)}
}

// Call invokes endpoint.Tool with the given arguments and maps the tool
// result into a step output payload. Transport failures are classified
// retryable so the error handler can back off and retry.
func (m *MCPCaller) Call(ctx context.Context, endpoint *EndpointConfig, args map[string]any) (map[string]any, error) {
	if endpoint == nil || endpoint.URL == "" || endpoint.Tool == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "rpc step has no endpoint")
	}

	c, err := m.connect(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	timeout := defaultRPCTimeout
	if endpoint.TimeoutSeconds > 0 {
		timeout = time.Duration(endpoint.TimeoutSeconds) * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := c.CallTool(callCtx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      endpoint.Tool,
			Arguments: args,
		},
	})
	if err != nil {
		m.evict(endpoint.URL)
		return nil, schema.NewErrorf(schema.ErrCodeRetryable,
			"rpc call to %s tool %q failed: %s", endpoint.URL, endpoint.Tool, err.Error()).
			WithComponent(endpoint.URL).WithCause(err)
	}

	return decodeToolResult(endpoint, res)
}

// connect returns a cached initialized client for the endpoint URL, or
// dials a new one.
func (m *MCPCaller) connect(ctx context.Context, endpoint *EndpointConfig) (*client.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.clients[endpoint.URL]; ok {
		return c, nil
	}

	var opts []transport.StreamableHTTPCOption
	if len(endpoint.Headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(endpoint.Headers))
	}
	c, err := client.NewStreamableHttpClient(endpoint.URL, opts...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeRetryable,
			"create rpc client for %s: %s", endpoint.URL, err.Error()).
			WithComponent(endpoint.URL).WithCause(err)
	}
	if err := c.Start(ctx); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeRetryable,
			"connect rpc endpoint %s: %s", endpoint.URL, err.Error()).
			WithComponent(endpoint.URL).WithCause(err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "stepflow",
		Version: "1.0.0",
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, schema.NewErrorf(schema.ErrCodeRetryable,
			"initialize rpc endpoint %s: %s", endpoint.URL, err.Error()).
			WithComponent(endpoint.URL).WithCause(err)
	}

	m.clients[endpoint.URL] = c
	return c, nil
}

func (m *MCPCaller) evict(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[url]; ok {
		_ = c.Close()
		delete(m.clients, url)
	}
}

// Close shuts down all cached connections.
func (m *MCPCaller) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for url, c := range m.clients {
		_ = c.Close()
		delete(m.clients, url)
	}
	return nil
}

// decodeToolResult maps an MCP tool result onto a step output payload.
// JSON text content becomes the payload itself; plain text is wrapped
// under "result". A tool-level error becomes a failed-step error.
func decodeToolResult(endpoint *EndpointConfig, res *mcp.CallToolResult) (map[string]any, error) {
	if res == nil {
		return map[string]any{}, nil
	}

	text := collectText(res)
	if res.IsError {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"tool %q returned an error: %s", endpoint.Tool, text).
			WithComponent(endpoint.URL)
	}

	if text == "" {
		return map[string]any{}, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(text), &payload); err == nil {
		return payload, nil
	}
	return map[string]any{"result": text}, nil
}

func collectText(res *mcp.CallToolResult) string {
	out := ""
	for _, content := range res.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			if out != "" {
				out += "\n"
			}
			out += tc.Text
		}
	}
	return out
}

var _ RPCCaller = (*MCPCaller)(nil)

// String implements fmt.Stringer for endpoint logging.
func (e *EndpointConfig) String() string {
	return fmt.Sprintf("%s#%s", e.URL, e.Tool)
}
