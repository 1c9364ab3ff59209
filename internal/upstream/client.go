// Package upstream is a thin client for the external agent-chat gateway.
// Responses are pass-through JSON documents; the dashboard proxies them
// without interpreting the shape. No retries, callers poll.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	tdotel "github.com/basket/taskdeck/internal/otel"
)

const defaultTimeout = 10 * time.Second

// maxBody caps proxied response bodies; the gateway's documents are small.
const maxBody = 1 << 20

// Options configures the optional collaborators of a Client.
type Options struct {
	Logger *slog.Logger
	Tracer trace.Tracer
}

// Client talks to one gateway instance over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
	tracer  trace.Tracer
}

func New(baseURL string, timeout time.Duration, opts Options) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(tdotel.TracerName)
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With("component", "upstream"),
		tracer:  tracer,
	}
}

// Configured reports whether a gateway base URL was set.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

// Health fetches the gateway liveness document.
func (c *Client) Health(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/health")
}

// Sessions fetches the gateway's active session list.
func (c *Client) Sessions(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/api/sessions")
}

// Usage fetches the gateway's token/cost usage document.
func (c *Client) Usage(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/api/usage")
}

func (c *Client) get(ctx context.Context, path string) (json.RawMessage, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("gateway not configured")
	}

	ctx, span := tdotel.StartClientSpan(ctx, c.tracer, "upstream.get",
		tdotel.AttrAction.String(path),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("gateway %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("read gateway %s response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway %s returned %d", path, resp.StatusCode)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("gateway %s returned non-JSON body", path)
	}

	c.logger.Debug("gateway call", "path", path, "latency_ms", time.Since(start).Milliseconds())
	return body, nil
}
