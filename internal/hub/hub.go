// Package hub tracks live subscription-socket connections and routes
// envelope broadcasts to them. It is the single owner of every transport
// handle it is given: handlers register a connection, feed inbound
// subscribe/unsubscribe frames to it, and unregister on disconnect; all
// outbound writes flow through the hub's per-connection writer.
package hub

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/taskdeck/internal/errdefs"
	tdotel "github.com/basket/taskdeck/internal/otel"
	"github.com/basket/taskdeck/internal/wire"
)

const (
	// ScopeAll targets every registered connection regardless of filters.
	ScopeAll = "all"

	// Wildcard in a connection's workspace set matches every workspace scope.
	Wildcard = "*"
)

// writeTimeout bounds a single frame write. A socket that cannot take a
// frame in this window is treated as dead.
const writeTimeout = 10 * time.Second

// Scope selects the connections a publish reaches.
type Scope struct {
	// Workspace is a workspace id, or ScopeAll for every connection.
	Workspace string

	// TaskID, when set, additionally selects connections subscribed to that
	// task regardless of their workspace filters.
	TaskID string
}

// Transport is the write half of one subscription-socket connection. The hub
// owns the handle exclusively; WriteFrame is only ever called from the
// connection's writer goroutine.
type Transport interface {
	WriteFrame(ctx context.Context, data []byte) error
	// CloseNow tears the underlying socket down without a closing handshake.
	CloseNow()
}

type conn struct {
	id        string
	transport Transport

	// queue is the ordered outbound buffer. Enqueue is non-blocking; a full
	// queue means the consumer fell too far behind and the connection is
	// dropped rather than backpressuring publishers.
	queue chan []byte

	// done is closed exactly once when the connection is being torn down.
	done     chan struct{}
	doneOnce sync.Once

	// Filter sets, guarded by the hub mutex.
	workspaces map[string]struct{}
	tasks      map[string]struct{}
}

func (c *conn) shutdown() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Options configures a Hub.
type Options struct {
	Logger *slog.Logger

	// QueueSize bounds each connection's outbound buffer. Default 64.
	QueueSize int

	// PingInterval is the keepalive period. Default 30s.
	PingInterval time.Duration

	// DefaultWorkspace is auto-subscribed on register. Default "default".
	DefaultWorkspace string

	Metrics *tdotel.Metrics
}

// Hub is the subscription registry and broadcast router for the socket
// transport.
type Hub struct {
	logger           *slog.Logger
	metrics          *tdotel.Metrics
	queueSize        int
	pingInterval     time.Duration
	defaultWorkspace string

	mu    sync.RWMutex
	conns map[string]*conn

	stopOnce sync.Once
	done     chan struct{}
}

func New(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.DefaultWorkspace == "" {
		opts.DefaultWorkspace = "default"
	}
	return &Hub{
		logger:           opts.Logger.With("component", "hub"),
		metrics:          opts.Metrics,
		queueSize:        opts.QueueSize,
		pingInterval:     opts.PingInterval,
		defaultWorkspace: opts.DefaultWorkspace,
		conns:            map[string]*conn{},
		done:             make(chan struct{}),
	}
}

// Start launches the keepalive loop. It returns immediately; the loop runs
// until ctx is cancelled or Stop is called.
func (h *Hub) Start(ctx context.Context) {
	go h.pingLoop(ctx)
}

// Stop tears down every connection and halts the keepalive loop. Safe to
// call more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		conns := make([]*conn, 0, len(h.conns))
		for _, c := range h.conns {
			conns = append(conns, c)
		}
		h.conns = map[string]*conn{}
		h.mu.Unlock()

		for _, c := range conns {
			c.shutdown()
		}
		if h.metrics != nil && len(conns) > 0 {
			h.metrics.SocketClients.Add(context.Background(), -int64(len(conns)))
		}
		h.logger.Info("hub stopped", "dropped_clients", len(conns))
	})
}

// Register adds a connection, auto-subscribed to the default workspace, and
// pushes the connected handshake envelope. Returns the fresh client id.
func (h *Hub) Register(t Transport) string {
	id := uuid.NewString()
	c := &conn{
		id:         id,
		transport:  t,
		queue:      make(chan []byte, h.queueSize),
		done:       make(chan struct{}),
		workspaces: map[string]struct{}{h.defaultWorkspace: {}},
		tasks:      map[string]struct{}{},
	}

	h.mu.Lock()
	h.conns[id] = c
	total := len(h.conns)
	h.mu.Unlock()

	go h.runWriter(c)
	if h.metrics != nil {
		h.metrics.SocketClients.Add(context.Background(), 1)
	}
	h.logger.Info("socket client connected", "client_id", id, "clients", total)

	if data, err := wire.Connected(id).Marshal(); err == nil {
		h.enqueue(c, data)
	}
	return id
}

// Unregister removes a connection and tears down its writer. Idempotent:
// unknown or already-removed ids are a no-op, never an error, because
// disconnect races are routine.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	c, ok := h.conns[id]
	if ok {
		delete(h.conns, id)
	}
	total := len(h.conns)
	h.mu.Unlock()

	if !ok {
		return
	}
	c.shutdown()
	if h.metrics != nil {
		h.metrics.SocketClients.Add(context.Background(), -1)
	}
	h.logger.Info("socket client disconnected", "client_id", id, "clients", total)
}

// Subscribe unions the given ids into the connection's filter sets and
// returns the resulting sets, sorted. Unknown connection ids are a no-op.
func (h *Hub) Subscribe(id string, workspaces, tasks []string) ([]string, []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[id]
	if !ok {
		return nil, nil
	}
	for _, ws := range workspaces {
		if ws != "" {
			c.workspaces[ws] = struct{}{}
		}
	}
	for _, task := range tasks {
		if task != "" {
			c.tasks[task] = struct{}{}
		}
	}
	return sortedKeys(c.workspaces), sortedKeys(c.tasks)
}

// Unsubscribe removes the given ids from the connection's filter sets and
// returns the resulting sets, sorted. Unknown connection ids are a no-op.
func (h *Hub) Unsubscribe(id string, workspaces, tasks []string) ([]string, []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[id]
	if !ok {
		return nil, nil
	}
	for _, ws := range workspaces {
		delete(c.workspaces, ws)
	}
	for _, task := range tasks {
		delete(c.tasks, task)
	}
	return sortedKeys(c.workspaces), sortedKeys(c.tasks)
}

// SendTo enqueues one envelope to a single connection, through the same
// ordered queue the broadcasts use. Reports whether the connection was known.
func (h *Hub) SendTo(id string, env wire.Envelope) bool {
	data, err := env.Marshal()
	if err != nil {
		h.logger.Error("marshal direct envelope", "type", env.Type, "error", err)
		return false
	}
	h.mu.RLock()
	c, ok := h.conns[id]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	h.enqueue(c, data)
	return true
}

// Publish serializes the envelope once and fans the same bytes out to every
// connection selected by the scope: workspace subscribers (or everyone for
// ScopeAll), plus task subscribers when the scope names a task. Per-
// connection delivery order follows publish call order; failures never
// propagate to the publisher.
func (h *Hub) Publish(env wire.Envelope, scope Scope) {
	data, err := env.Marshal()
	if err != nil {
		h.logger.Error("dropping unserializable envelope", "type", env.Type, "error", err)
		return
	}

	delivered := 0
	h.mu.RLock()
	seen := make(map[string]struct{})
	h.forEachMatching(scope.Workspace, func(c *conn) {
		seen[c.id] = struct{}{}
		h.enqueue(c, data)
		delivered++
	})
	if scope.TaskID != "" {
		h.forEachSubscribedToTask(scope.TaskID, func(c *conn) {
			if _, dup := seen[c.id]; dup {
				return
			}
			h.enqueue(c, data)
			delivered++
		})
	}
	h.mu.RUnlock()

	if h.metrics != nil {
		h.metrics.BroadcastsTotal.Add(context.Background(), 1, metric.WithAttributes(
			tdotel.AttrTransport.String("socket"),
			tdotel.AttrEventType.String(env.Type),
		))
	}
	h.logger.Debug("broadcast", "type", env.Type, "workspace", scope.Workspace, "task_id", scope.TaskID, "delivered", delivered)
}

// ClientCount returns the number of registered connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// forEachMatching invokes fn once per connection whose workspace set
// contains the given workspace or the wildcard. ScopeAll matches every
// connection. Callers must hold h.mu.
func (h *Hub) forEachMatching(workspace string, fn func(*conn)) {
	for _, c := range h.conns {
		if workspace == ScopeAll {
			fn(c)
			continue
		}
		if _, ok := c.workspaces[workspace]; ok {
			fn(c)
			continue
		}
		if _, ok := c.workspaces[Wildcard]; ok {
			fn(c)
		}
	}
}

// forEachSubscribedToTask invokes fn once per connection whose task set
// contains taskID, independent of workspace filters. Callers must hold h.mu.
func (h *Hub) forEachSubscribedToTask(taskID string, fn func(*conn)) {
	for _, c := range h.conns {
		if _, ok := c.tasks[taskID]; ok {
			fn(c)
		}
	}
}

// enqueue hands a frame to the connection's writer without blocking. A full
// queue tears the connection down; a slow consumer must never stall the
// publisher.
func (h *Hub) enqueue(c *conn, frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.queue <- frame:
	default:
		h.logger.Warn("send queue overflow, dropping client", "client_id", c.id, "queue", h.queueSize)
		if h.metrics != nil {
			h.metrics.BroadcastDropped.Add(context.Background(), 1, metric.WithAttributes(
				tdotel.AttrTransport.String("socket"),
			))
		}
		c.shutdown()
	}
}

// runWriter drains one connection's queue in order. It exits when the
// connection is torn down or a write fails, closing the socket and removing
// the registry entry on the way out.
func (h *Hub) runWriter(c *conn) {
	defer func() {
		c.transport.CloseNow()
		h.Unregister(c.id)
	}()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.queue:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.transport.WriteFrame(ctx, frame)
			cancel()
			if err != nil {
				deliveryErr := &errdefs.TransportDeliveryError{ConnID: c.id, Err: err}
				h.logger.Warn("write failed, dropping client", "client_id", c.id, "error", deliveryErr)
				if h.metrics != nil {
					h.metrics.BroadcastDropped.Add(context.Background(), 1, metric.WithAttributes(
						tdotel.AttrTransport.String("socket"),
					))
				}
				return
			}
		}
	}
}

func (h *Hub) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			data, err := wire.Ping().Marshal()
			if err != nil {
				continue
			}
			h.mu.RLock()
			for _, c := range h.conns {
				h.enqueue(c, data)
			}
			h.mu.RUnlock()
		}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
