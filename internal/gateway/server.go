package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultSendQueueSize bounds each connection's outbound event/response
// buffer, per spec §4.9: "bounded per-connection send queue (default
// 256); on overflow the gateway drops the slowest connection and emits
// observer.dropped."
const DefaultSendQueueSize = 256

// DefaultRPCTimeout bounds how long a single RPC handler may run before
// the gateway answers with a timeout error, spec §4.9's "30s timeout".
const DefaultRPCTimeout = 30 * time.Second

// rpcRequest is the client-to-server message shape: {id, method, params}.
type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// rpcResponse is the server-to-client reply: {id, result} or {id, error}.
type rpcResponse struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// eventFrame is the server-pushed event shape: {type, event, data}.
type eventFrame struct {
	Type  string         `json:"type"`
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// RPCHandler answers one client RPC call. Handlers must not block beyond
// DefaultRPCTimeout; the server does not itself enforce cancellation
// inside a handler, only the response deadline.
type RPCHandler func(ctx context.Context, params json.RawMessage) (any, error)

// Authenticator validates the bearer token presented on connect,
// returning an opaque observer identity used only for logging. The
// spec authorises Event Gateway connections "the same as the HTTP
// admin surface" — Authenticator is the seam a caller wires to whatever
// scheme that surface uses (static token, JWT, etc).
type Authenticator func(token string) (observer string, ok bool)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Server is the Event Gateway's WebSocket acceptor: one HTTP handler
// upgrading to one goroutine pair (read pump, write pump) per
// connection, spec §5's "gateway owns one acceptor task plus one task
// per connection". There is no directly analogous server-side
// websocket.Upgrader pattern in the teacher's codebase — copilot only
// dials outbound as a client — so the connection lifecycle here is
// written fresh in the teacher's idiom (small structs, explicit
// goroutines, channel-based shutdown) rather than adapted from an
// existing file.
type Server struct {
	bus    *EventBus
	auth   Authenticator
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string]RPCHandler

	connMu sync.Mutex
	conns  map[*connection]struct{}
}

// NewServer wires bus for event delivery and auth for connection
// authentication. Pass a nil logger to use slog.Default().
func NewServer(bus *EventBus, auth Authenticator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		bus:      bus,
		auth:     auth,
		logger:   logger,
		handlers: make(map[string]RPCHandler),
		conns:    make(map[*connection]struct{}),
	}
}

// Handle registers h to answer RPC calls named method. Not safe to call
// concurrently with ServeHTTP handling a request for the same method
// name; register all handlers before starting to serve.
func (s *Server) Handle(method string, h RPCHandler) {
	s.mu.Lock()
	s.handlers[method] = h
	s.mu.Unlock()
}

func (s *Server) handler(method string) (RPCHandler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handlers[method]
	return h, ok
}

// ServeHTTP upgrades the request to a WebSocket connection after
// validating the bearer token, then runs that connection's read and
// write pumps until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	observer, ok := s.auth(token)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("gateway: upgrade failed", "err", err)
		return
	}

	c := &connection{
		server:   s,
		conn:     conn,
		observer: observer,
		send:     make(chan []byte, DefaultSendQueueSize),
		closeCh:  make(chan struct{}),
	}

	s.connMu.Lock()
	s.conns[c] = struct{}{}
	s.connMu.Unlock()

	c.unsubscribe = s.bus.Subscribe(func(evt AgentEvent) {
		frame, err := json.Marshal(eventFrame{Type: "event", Event: evt.Type, Data: evt.Data})
		if err != nil {
			return
		}
		c.enqueue(frame)
	})

	go c.writePump()
	c.readPump()
}

// Close disconnects every currently connected observer.
func (s *Server) Close() {
	s.connMu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// connection is one authenticated observer socket. Delivery within a
// connection is strict FIFO; there is no ordering guarantee across
// connections, per spec §4.9.
type connection struct {
	server      *Server
	conn        *websocket.Conn
	observer    string
	send        chan []byte
	closeCh     chan struct{}
	closeOnce   sync.Once
	unsubscribe func()
}

// enqueue delivers frame to this connection's send buffer. When the
// buffer is full the connection is judged the slowest observer and is
// dropped, with observer.dropped published so other observers (and the
// admin surface) can see it happened.
func (c *connection) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
		c.server.logger.Warn("gateway: send queue full, dropping connection", "observer", c.observer)
		c.server.bus.Publish("", "observer.dropped", map[string]any{"observer": c.observer})
		c.close()
	}
}

func (c *connection) writePump() {
	defer c.conn.Close()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

func (c *connection) readPump() {
	defer c.close()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req rpcRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		go c.handleRPC(req)
	}
}

func (c *connection) handleRPC(req rpcRequest) {
	h, ok := c.server.handler(req.Method)
	if !ok {
		c.reply(req.ID, nil, errors.New("unknown method: "+req.Method))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultRPCTimeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := h(ctx, req.Params)
		done <- outcome{result: result, err: err}
	}()
	select {
	case o := <-done:
		c.reply(req.ID, o.result, o.err)
	case <-ctx.Done():
		c.reply(req.ID, nil, errors.New("rpc timed out: "+req.Method))
	}
}

func (c *connection) reply(id json.RawMessage, result any, err error) {
	resp := rpcResponse{ID: id, Result: result}
	if err != nil {
		resp.Error = err.Error()
	}
	frame, merr := json.Marshal(resp)
	if merr != nil {
		return
	}
	c.enqueue(frame)
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		close(c.closeCh)
		close(c.send)
		c.conn.Close()
		c.server.connMu.Lock()
		delete(c.server.conns, c)
		c.server.connMu.Unlock()
	})
}
