// Package display streams decrypted readings to dashboard clients over websockets.
package display

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/margo/sealed-telemetry/poc/device/agent/pipeline"
	"github.com/margo/sealed-telemetry/shared-lib/logging"
)

const (
	defaultBuffer       = 64
	defaultWriteTimeout = 5 * time.Second
)

// Hub broadcasts every emitted event to every connected client. A client whose buffer is full is
// disconnected so that decrypt workers never wait on the display.
type Hub struct {
	mu             sync.Mutex
	clients        map[*client]struct{}
	buffer         int
	writeTimeout   time.Duration
	originPatterns []string
	log            *zap.SugaredLogger
}

type client struct {
	events chan pipeline.Event
	remote string
}

type HubOption func(*Hub)

// WithOriginPatterns accepts cross-origin clients whose host matches one of the patterns.
func WithOriginPatterns(patterns ...string) HubOption {
	return func(h *Hub) { h.originPatterns = patterns }
}

// WithBuffer sets how many events may be queued per client.
func WithBuffer(n int) HubOption {
	return func(h *Hub) { h.buffer = n }
}

func WithWriteTimeout(d time.Duration) HubOption {
	return func(h *Hub) { h.writeTimeout = d }
}

func WithLogger(log *zap.SugaredLogger) HubOption {
	return func(h *Hub) { h.log = log }
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		clients:      map[*client]struct{}{},
		buffer:       defaultBuffer,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.buffer < 1 {
		h.buffer = 1
	}
	h.log = logging.OrNop(h.log)
	return h
}

// Emit implements pipeline.Emitter.
func (h *Hub) Emit(event pipeline.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.events <- event:
		default:
			h.log.Warnw("Display client too slow, disconnecting", "remote", c.remote)
			h.removeLocked(c)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request to a websocket and streams events until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.log.Warnw("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{events: make(chan pipeline.Event, h.buffer), remote: r.RemoteAddr}
	h.add(c)
	defer h.remove(c)
	h.log.Infow("Display client connected", "remote", c.remote)

	// clients only listen; CloseRead handles their control frames and reports when they leave
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			h.log.Infow("Display client disconnected", "remote", c.remote)
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-c.events:
			if !ok {
				conn.Close(websocket.StatusPolicyViolation, "client too slow")
				return
			}
			if err := h.write(ctx, conn, event); err != nil {
				h.log.Debugw("Display write failed", "remote", c.remote, "error", err)
				conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, event pipeline.Event) error {
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, event)
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.events)
}
