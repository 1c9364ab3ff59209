// Package stream is the push-stream registry: one-way server-to-client
// channels with global fan-out and no subscription state. It is the simpler
// sibling of the subscription socket, kept wire-compatible so clients can
// use either transport interchangeably.
package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	tdotel "github.com/basket/taskdeck/internal/otel"
	"github.com/basket/taskdeck/internal/wire"
)

// Client is one open push stream. The HTTP handler that registered it drains
// Frames and writes each as an event-stream frame until Done closes or the
// request context ends.
type Client struct {
	id       string
	frames   chan []byte
	done     chan struct{}
	doneOnce sync.Once
}

// ID returns the stream's opaque client id.
func (c *Client) ID() string { return c.id }

// Frames is the ordered outbound frame channel.
func (c *Client) Frames() <-chan []byte { return c.frames }

// Done closes when the registry has dropped this client.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) shutdown() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Options configures a Registry.
type Options struct {
	Logger *slog.Logger

	// QueueSize bounds each stream's outbound buffer. Default 64.
	QueueSize int

	// PingInterval is the keepalive period. Default 30s.
	PingInterval time.Duration

	Metrics *tdotel.Metrics
}

// Registry tracks every open push stream and fans envelopes out to all of
// them.
type Registry struct {
	logger       *slog.Logger
	metrics      *tdotel.Metrics
	queueSize    int
	pingInterval time.Duration

	mu      sync.Mutex
	clients map[string]*Client

	stopOnce sync.Once
	done     chan struct{}
}

func New(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	return &Registry{
		logger:       opts.Logger.With("component", "stream"),
		metrics:      opts.Metrics,
		queueSize:    opts.QueueSize,
		pingInterval: opts.PingInterval,
		clients:      map[string]*Client{},
		done:         make(chan struct{}),
	}
}

// Start launches the keepalive loop. It returns immediately; the loop runs
// until ctx is cancelled or Stop is called.
func (r *Registry) Start(ctx context.Context) {
	go r.pingLoop(ctx)
}

// Stop drops every client and halts the keepalive loop. Safe to call more
// than once.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.mu.Lock()
		clients := make([]*Client, 0, len(r.clients))
		for _, c := range r.clients {
			clients = append(clients, c)
		}
		r.clients = map[string]*Client{}
		r.mu.Unlock()

		for _, c := range clients {
			c.shutdown()
		}
		if r.metrics != nil && len(clients) > 0 {
			r.metrics.StreamClients.Add(context.Background(), -int64(len(clients)))
		}
		r.logger.Info("stream registry stopped", "dropped_clients", len(clients))
	})
}

// Register opens a push stream. The connected handshake envelope is already
// queued as the stream's first frame when this returns.
func (r *Registry) Register() *Client {
	c := &Client{
		id:     uuid.NewString(),
		frames: make(chan []byte, r.queueSize),
		done:   make(chan struct{}),
	}

	// Handshake first, before the client is visible to PublishAll, so no
	// broadcast can precede it on the wire.
	if data, err := wire.Connected(c.id).Marshal(); err == nil {
		c.frames <- data
	}

	r.mu.Lock()
	r.clients[c.id] = c
	total := len(r.clients)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.StreamClients.Add(context.Background(), 1)
	}
	r.logger.Info("stream client connected", "client_id", c.id, "clients", total)
	return c
}

// Close removes a client. Idempotent: closing an already-removed client is
// a no-op, because consumer disconnects race with overflow teardowns.
func (r *Registry) Close(c *Client) {
	if c == nil {
		return
	}
	r.mu.Lock()
	_, ok := r.clients[c.id]
	if ok {
		delete(r.clients, c.id)
	}
	total := len(r.clients)
	r.mu.Unlock()

	c.shutdown()
	if !ok {
		return
	}
	if r.metrics != nil {
		r.metrics.StreamClients.Add(context.Background(), -1)
	}
	r.logger.Info("stream client disconnected", "client_id", c.id, "clients", total)
}

// PublishAll serializes the envelope once and sends the same bytes to every
// open stream. A stream that cannot take the frame is dropped; failures
// never reach the publisher.
func (r *Registry) PublishAll(env wire.Envelope) {
	data, err := env.Marshal()
	if err != nil {
		r.logger.Error("dropping unserializable envelope", "type", env.Type, "error", err)
		return
	}

	r.mu.Lock()
	stale := r.fanout(data)
	r.mu.Unlock()

	for _, c := range stale {
		r.logger.Warn("stream overflow, dropping client", "client_id", c.id, "queue", r.queueSize)
		if r.metrics != nil {
			r.metrics.BroadcastDropped.Add(context.Background(), 1, metric.WithAttributes(
				tdotel.AttrTransport.String("stream"),
			))
		}
		r.Close(c)
	}

	if r.metrics != nil {
		r.metrics.BroadcastsTotal.Add(context.Background(), 1, metric.WithAttributes(
			tdotel.AttrTransport.String("stream"),
			tdotel.AttrEventType.String(env.Type),
		))
	}
}

// ClientCount returns the number of open streams.
func (r *Registry) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// fanout enqueues one frame to every client, returning the ones whose
// buffers were full. Callers must hold r.mu.
func (r *Registry) fanout(data []byte) []*Client {
	var stale []*Client
	for _, c := range r.clients {
		select {
		case <-c.done:
			stale = append(stale, c)
			continue
		default:
		}
		select {
		case c.frames <- data:
		default:
			stale = append(stale, c)
		}
	}
	return stale
}

func (r *Registry) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			r.PublishAll(wire.Ping())
		}
	}
}
