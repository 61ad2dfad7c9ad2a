package mcp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyor-ai/conveyor/pkg/pipeline"
)

var emptySchema = &jsonschema.Schema{Type: "object"}

// startTestServer runs an in-memory MCP server with the given tools and
// returns a connected Client for it.
func startTestServer(t *testing.T, name string, handlers map[string]mcpsdk.ToolHandler) *Client {
	t.Helper()

	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: name, Version: "test"}, nil)
	for toolName, handler := range handlers {
		server.AddTool(&mcpsdk.Tool{
			Name:        toolName,
			Description: "test tool: " + toolName,
			InputSchema: emptySchema,
		}, handler)
	}

	clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()
	go func() {
		_ = server.Run(context.Background(), serverTransport)
	}()

	sdkClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "conveyor-test", Version: "test"}, nil)
	session, err := sdkClient.Connect(context.Background(), clientTransport, nil)
	require.NoError(t, err)

	client := &Client{name: name, session: session}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func textResult(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}}}
}

func TestClient_ToolsArePrefixed(t *testing.T) {
	client := startTestServer(t, "kubernetes", map[string]mcpsdk.ToolHandler{
		"get_pods": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return textResult("ok"), nil
		},
		"get_logs": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return textResult("ok"), nil
		},
	})

	listed, err := client.Tools(context.Background())
	require.NoError(t, err)
	require.Len(t, listed, 2)

	names := []string{listed[0].Name(), listed[1].Name()}
	assert.Contains(t, names, "kubernetes.get_pods")
	assert.Contains(t, names, "kubernetes.get_logs")
	assert.Contains(t, listed[0].Description(), "test tool")
	assert.JSONEq(t, `{"type":"object"}`, listed[0].ParametersSchema())
}

func TestServerTool_Execute(t *testing.T) {
	client := startTestServer(t, "k8s", map[string]mcpsdk.ToolHandler{
		"get_pods": func(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return textResult("pod-1\npod-2"), nil
		},
	})

	listed, err := client.Tools(context.Background())
	require.NoError(t, err)
	require.Len(t, listed, 1)

	pctx := pipeline.NewContext(nil, nil, nil)
	out, err := listed[0].Execute(context.Background(), `{"namespace":"default"}`, pctx)
	require.NoError(t, err)
	assert.Equal(t, "pod-1\npod-2", out)
}

func TestServerTool_ExecuteErrorResult(t *testing.T) {
	client := startTestServer(t, "k8s", map[string]mcpsdk.ToolHandler{
		"bad_tool": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "invalid namespace"}},
				IsError: true,
			}, nil
		},
	})

	listed, err := client.Tools(context.Background())
	require.NoError(t, err)

	pctx := pipeline.NewContext(nil, nil, nil)
	_, err = listed[0].Execute(context.Background(), "", pctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid namespace")
}

func TestCreateTransport_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr string
	}{
		{
			name:    "stdio without command",
			cfg:     ServerConfig{Name: "fs", Type: TransportStdio},
			wantErr: "requires command",
		},
		{
			name:    "http without url",
			cfg:     ServerConfig{Name: "api", Type: TransportHTTP},
			wantErr: "requires url",
		},
		{
			name:    "sse without url",
			cfg:     ServerConfig{Name: "api", Type: TransportSSE},
			wantErr: "requires url",
		},
		{
			name:    "unknown type",
			cfg:     ServerConfig{Name: "x", Type: "carrier-pigeon"},
			wantErr: "unsupported transport type",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := createTransport(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCreateTransport_Valid(t *testing.T) {
	tr, err := createTransport(ServerConfig{
		Name: "fs", Type: TransportStdio, Command: "mcp-fs", Args: []string{"--root", "/tmp"},
	})
	require.NoError(t, err)
	assert.IsType(t, &mcpsdk.CommandTransport{}, tr)

	tr, err = createTransport(ServerConfig{Name: "api", Type: TransportHTTP, URL: "http://localhost:9000"})
	require.NoError(t, err)
	assert.IsType(t, &mcpsdk.StreamableClientTransport{}, tr)

	tr, err = createTransport(ServerConfig{Name: "api", Type: TransportSSE, URL: "http://localhost:9000"})
	require.NoError(t, err)
	assert.IsType(t, &mcpsdk.SSEClientTransport{}, tr)
}

func TestBuildHTTPClient(t *testing.T) {
	// Nothing configured: the default client suffices.
	assert.Nil(t, buildHTTPClient(ServerConfig{URL: "http://x"}))

	verify := false
	client := buildHTTPClient(ServerConfig{URL: "https://x", VerifySSL: &verify})
	require.NotNil(t, client)
	tr, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.True(t, tr.TLSClientConfig.InsecureSkipVerify)

	client = buildHTTPClient(ServerConfig{URL: "https://x", BearerToken: "tok"})
	require.NotNil(t, client)
	assert.IsType(t, &bearerTokenTransport{}, client.Transport)
}

func TestBearerTokenTransport(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	client := buildHTTPClient(ServerConfig{URL: srv.URL, BearerToken: "secret"})
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Bearer secret", got)
}

func TestExtractTextContent(t *testing.T) {
	result := &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: "line one"},
			&mcpsdk.TextContent{Text: "line two"},
		},
	}
	assert.Equal(t, "line one\nline two", extractTextContent(result))
	assert.Equal(t, "", extractTextContent(&mcpsdk.CallToolResult{}))
}

func TestMarshalSchema(t *testing.T) {
	assert.Equal(t, "", marshalSchema(nil))
	assert.JSONEq(t,
		`{"type":"object","properties":{"q":{"type":"string"}}}`,
		marshalSchema(map[string]any{
			"type":       "object",
			"properties": map[string]any{"q": map[string]any{"type": "string"}},
		}))
}
