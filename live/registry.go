// Package live maintains the WebSocket connections that receive standup
// updates in real time, bridging bus subscriptions to per-room socket sets.
package live

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/standup-hub/bus"
	"github.com/onnwee/standup-hub/telemetry"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 45 * time.Second
	wsPingInterval = 20 * time.Second
	sendBufferSize = 16
)

type conn struct {
	ws   *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.ws.Close()
	})
}

// Registry tracks live connections per logical channel. The bus subscription
// for a channel exists exactly while at least one connection is attached.
type Registry struct {
	bus      bus.Bus
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]map[*conn]struct{}

	done chan struct{}
}

// NewRegistry wires a registry to its bus and starts the delivery loop. The
// loop exits when the bus message channel closes.
func NewRegistry(b bus.Bus) *Registry {
	r := &Registry{
		bus: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		conns: make(map[string]map[*conn]struct{}),
		done:  make(chan struct{}),
	}
	go r.deliver()
	return r
}

// ServeWS upgrades an HTTP request and attaches the socket to the channel for
// (tenantID, roomID). Blocks until the connection closes.
func (r *Registry) ServeWS(w http.ResponseWriter, req *http.Request, tenantID, roomID string) error {
	channel := bus.Channel(tenantID, roomID)
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return err
	}
	c := &conn{ws: ws, send: make(chan []byte, sendBufferSize)}
	if err := r.add(req.Context(), channel, c); err != nil {
		c.close()
		return err
	}
	slog.Debug("live connection opened", slog.String("channel", channel))

	go r.writeLoop(c)
	r.readLoop(c) // returns on close or read error
	r.remove(context.Background(), channel, c)
	slog.Debug("live connection closed", slog.String("channel", channel))
	return nil
}

// add registers a connection. The first connection on a channel subscribes on
// the bus before being admitted, so no update published after a successful
// attach can be missed.
func (r *Registry) add(ctx context.Context, channel string, c *conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[channel]
	if !ok {
		if err := r.bus.Subscribe(ctx, channel); err != nil {
			return err
		}
		set = make(map[*conn]struct{})
		r.conns[channel] = set
	}
	set[c] = struct{}{}
	telemetry.AddGauge(telemetry.LiveConnectionsGauge, 1)
	return nil
}

// remove detaches a connection. The last connection on a channel drops the
// bus subscription even if the socket died uncleanly. The conn leaves the map
// before its send channel closes, so deliver cannot send to a closed channel.
func (r *Registry) remove(ctx context.Context, channel string, c *conn) {
	r.mu.Lock()
	set, ok := r.conns[channel]
	if ok {
		if _, present := set[c]; present {
			delete(set, c)
			telemetry.AddGauge(telemetry.LiveConnectionsGauge, -1)
		}
		if len(set) == 0 {
			delete(r.conns, channel)
			if err := r.bus.Unsubscribe(ctx, channel); err != nil {
				slog.Warn("bus unsubscribe failed", slog.String("channel", channel), slog.Any("error", err))
			}
		}
	}
	r.mu.Unlock()
	c.close()
}

// deliver fans bus messages out to the local sockets on each channel. A
// socket with a full send buffer is detached; the rest keep receiving.
//
// Sends happen under r.mu: a conn's send channel is closed only after the
// conn leaves the map under the same lock, so a send never races the close.
func (r *Registry) deliver() {
	defer close(r.done)
	for env := range r.bus.Messages() {
		var stalled []*conn
		r.mu.Lock()
		for c := range r.conns[env.Channel] {
			select {
			case c.send <- env.Message.Data:
			default:
				stalled = append(stalled, c)
			}
		}
		r.mu.Unlock()

		for _, c := range stalled {
			slog.Warn("detaching stalled live connection", slog.String("channel", env.Channel))
			r.remove(context.Background(), env.Channel, c)
		}
	}
}

func (r *Registry) writeLoop(c *conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop drains inbound frames to keep pong handling alive. Clients only
// listen on this socket; anything they send is discarded.
func (r *Registry) readLoop(c *conn) {
	c.ws.SetReadLimit(1 << 16)
	_ = c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

// Close detaches every connection and waits for the delivery loop to drain.
// The bus must be closed first so the loop's source channel ends.
func (r *Registry) Close() {
	r.mu.Lock()
	var all []*conn
	for channel, set := range r.conns {
		for c := range set {
			all = append(all, c)
		}
		delete(r.conns, channel)
	}
	r.mu.Unlock()
	for _, c := range all {
		telemetry.AddGauge(telemetry.LiveConnectionsGauge, -1)
		c.close()
	}
	<-r.done
}
