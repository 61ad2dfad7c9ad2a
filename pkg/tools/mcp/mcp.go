// Package mcp bridges MCP (Model Context Protocol) servers into the tool
// registry: each remote tool becomes a tools.Tool with a server-prefixed
// name, executed over one shared client session.
package mcp

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/conveyor-ai/conveyor/pkg/pipeline"
	"github.com/conveyor-ai/conveyor/pkg/tools"
)

const (
	initTimeout      = 30 * time.Second
	operationTimeout = 60 * time.Second
)

// TransportType selects how to reach an MCP server.
type TransportType string

const (
	TransportStdio TransportType = "stdio"
	TransportHTTP  TransportType = "http"
	TransportSSE   TransportType = "sse"
)

// ServerConfig describes one MCP server connection.
type ServerConfig struct {
	// Name prefixes the server's tool names ("name.tool") in the registry.
	Name string `yaml:"name"`

	Type TransportType `yaml:"type"`

	// Command and Args launch a stdio server as a child process.
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`

	// URL is the endpoint for http and sse transports.
	URL         string `yaml:"url,omitempty"`
	BearerToken string `yaml:"bearer_token,omitempty"`
	VerifySSL   *bool  `yaml:"verify_ssl,omitempty"`
}

// Client holds one connected MCP session.
type Client struct {
	name    string
	session *mcpsdk.ClientSession
}

// Connect creates the transport, performs the MCP handshake, and returns a
// connected client.
func Connect(ctx context.Context, cfg ServerConfig) (*Client, error) {
	transport, err := createTransport(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport for %q: %w", cfg.Name, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    "conveyor",
		Version: "dev",
	}, nil)

	session, err := client.Connect(initCtx, transport, nil)
	if err != nil {
		// Close the transport if it implements io.Closer so stdio child
		// processes do not leak.
		if closer, ok := transport.(io.Closer); ok {
			_ = closer.Close()
		}
		return nil, fmt.Errorf("failed to connect to %q: %w", cfg.Name, err)
	}

	slog.Info("MCP server connected", "server", cfg.Name)
	return &Client{name: cfg.Name, session: session}, nil
}

// Close terminates the session and its transport.
func (c *Client) Close() error {
	if c.session == nil {
		return nil
	}
	return c.session.Close()
}

// Tools lists the server's tools wrapped for the registry, with names
// prefixed "server.tool".
func (c *Client) Tools(ctx context.Context) ([]tools.Tool, error) {
	opCtx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	listed, err := c.session.ListTools(opCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("list tools from %q: %w", c.name, err)
	}

	out := make([]tools.Tool, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		out = append(out, &serverTool{
			client:      c,
			remoteName:  t.Name,
			name:        fmt.Sprintf("%s.%s", c.name, t.Name),
			description: t.Description,
			schema:      marshalSchema(t.InputSchema),
		})
	}
	return out, nil
}

// serverTool adapts one remote MCP tool to the Tool interface.
type serverTool struct {
	client      *Client
	remoteName  string
	name        string
	description string
	schema      string
}

func (t *serverTool) Name() string             { return t.name }
func (t *serverTool) Description() string      { return t.description }
func (t *serverTool) UsageGuidelines() string  { return "" }
func (t *serverTool) ParametersSchema() string { return t.schema }

func (t *serverTool) Execute(ctx context.Context, arguments string, pctx *pipeline.Context) (string, error) {
	opCtx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	result, err := t.client.session.CallTool(opCtx, &mcpsdk.CallToolParams{
		Name:      t.remoteName,
		Arguments: tools.ParseArguments(arguments),
	})
	if err != nil {
		return "", fmt.Errorf("MCP tool execution failed: %w", err)
	}

	content := extractTextContent(result)
	if result.IsError {
		return "", errors.New(content)
	}
	return content, nil
}

func createTransport(cfg ServerConfig) (mcpsdk.Transport, error) {
	switch cfg.Type {
	case TransportStdio:
		if cfg.Command == "" {
			return nil, errors.New("stdio transport requires command")
		}
		cmd := exec.Command(cfg.Command, cfg.Args...)
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
		return &mcpsdk.CommandTransport{Command: cmd}, nil

	case TransportHTTP:
		if cfg.URL == "" {
			return nil, errors.New("http transport requires url")
		}
		transport := &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
		if client := buildHTTPClient(cfg); client != nil {
			transport.HTTPClient = client
		}
		return transport, nil

	case TransportSSE:
		if cfg.URL == "" {
			return nil, errors.New("sse transport requires url")
		}
		transport := &mcpsdk.SSEClientTransport{Endpoint: cfg.URL}
		if client := buildHTTPClient(cfg); client != nil {
			transport.HTTPClient = client
		}
		return transport, nil

	default:
		return nil, fmt.Errorf("unsupported transport type: %s", cfg.Type)
	}
}

// buildHTTPClient returns nil when the default client suffices.
func buildHTTPClient(cfg ServerConfig) *http.Client {
	if cfg.BearerToken == "" && cfg.VerifySSL == nil {
		return nil
	}

	httpTransport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.VerifySSL != nil && !*cfg.VerifySSL {
		httpTransport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // user-configured
			MinVersion:         tls.VersionTLS12,
		}
	}

	client := &http.Client{Transport: httpTransport}
	if cfg.BearerToken != "" {
		client.Transport = &bearerTokenTransport{base: client.Transport, token: cfg.BearerToken}
	}
	return client
}

type bearerTokenTransport struct {
	base  http.RoundTripper
	token string
}

func (t *bearerTokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}

// extractTextContent concatenates the TextContent items of a result.
// Non-text content is skipped.
func extractTextContent(result *mcpsdk.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		} else {
			slog.Debug("MCP tool returned non-text content, skipping",
				"content_type", fmt.Sprintf("%T", c))
		}
	}
	return strings.Join(parts, "\n")
}

// marshalSchema serializes a tool's input schema to JSON text.
func marshalSchema(schema any) string {
	if schema == nil {
		return ""
	}
	data, err := json.Marshal(schema)
	if err != nil {
		slog.Debug("Failed to marshal tool input schema", "error", err)
		return ""
	}
	return string(data)
}
