// Package feed streams preference changes to websocket clients.
//
// A Hub watches one or more preference subtrees and broadcasts every key
// change and every node addition or removal as a JSON Message. Each client
// receives a hello message carrying its id when it connects.
package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/conneroisu/prefstore/internal/errors"
	"github.com/conneroisu/prefstore/internal/logging"
	"github.com/conneroisu/prefstore/internal/prefs"
)

// Message types.
const (
	TypeHello       = "hello"
	TypeChange      = "change"
	TypeNodeAdded   = "node_added"
	TypeNodeRemoved = "node_removed"
)

const (
	sendBuffer   = 256
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
)

// Message is one feed entry.
type Message struct {
	Type      string    `json:"type"`
	ClientID  string    `json:"client_id,omitempty"`
	Tree      string    `json:"tree,omitempty"`
	Path      string    `json:"path,omitempty"`
	Key       string    `json:"key,omitempty"`
	Value     string    `json:"value,omitempty"`
	Removed   bool      `json:"removed,omitempty"`
	Child     string    `json:"child,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// OriginValidator decides which browser origins may connect.
type OriginValidator interface {
	IsAllowedOrigin(origin string) bool
}

// AllowedOrigins accepts the listed origins; "*" accepts any. An empty
// list accepts only localhost origins.
type AllowedOrigins []string

// IsAllowedOrigin implements OriginValidator.
func (a AllowedOrigins) IsAllowedOrigin(origin string) bool {
	if slices.Contains(a, "*") || slices.Contains(a, origin) {
		return true
	}
	if len(a) > 0 {
		return false
	}
	for _, local := range []string{"http://localhost", "https://localhost", "http://127.0.0.1", "https://127.0.0.1"} {
		if origin == local || strings.HasPrefix(origin, local+":") {
			return true
		}
	}
	return false
}

// Client is a connected websocket peer.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// ID returns the client's identifier.
func (c *Client) ID() string { return c.id }

// Hub fans preference changes out to websocket clients.
type Hub struct {
	clients    map[*websocket.Conn]*Client
	clientsMu  sync.RWMutex
	broadcast  chan []byte
	register   chan *Client
	unregister chan *websocket.Conn

	origins OriginValidator
	logger  logging.Logger

	watchMu sync.Mutex
	// watched maps each followed node to its listener subscriptions.
	watched map[prefs.Preferences][]*prefs.Subscription

	sinksMu  sync.RWMutex
	sinks    map[uint64]func(Message)
	nextSink uint64

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	isShutdown   atomic.Bool
}

// NewHub creates a hub and starts its dispatch goroutine.
func NewHub(origins OriginValidator, logger logging.Logger) *Hub {
	if origins == nil {
		origins = AllowedOrigins(nil)
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:    make(map[*websocket.Conn]*Client),
		broadcast:  make(chan []byte, sendBuffer),
		register:   make(chan *Client, 32),
		unregister: make(chan *websocket.Conn, 32),
		origins:    origins,
		logger:     logger.WithComponent("feed"),
		watched:    make(map[prefs.Preferences][]*prefs.Subscription),
		sinks:      make(map[uint64]func(Message)),
		ctx:        ctx,
		cancel:     cancel,
	}
	go h.run()
	return h
}

// ServeHTTP upgrades the request to a websocket and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.isShutdown.Load() {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	origin := r.Header.Get("Origin")
	if origin != "" && !h.origins.IsAllowedOrigin(origin) {
		h.logger.Warn(r.Context(), nil, "Feed connection rejected", "origin", origin, "remote", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origins were checked above.
		InsecureSkipVerify: true,
		CompressionMode:    websocket.CompressionDisabled,
	})
	if err != nil {
		h.logger.Warn(r.Context(), err, "Feed upgrade failed", "remote", r.RemoteAddr)
		return
	}

	client := &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	hello, _ := json.Marshal(Message{Type: TypeHello, ClientID: client.id, Timestamp: time.Now()})
	client.send <- hello

	select {
	case h.register <- client:
	case <-h.ctx.Done():
		_ = conn.Close(websocket.StatusServiceRestart, "server shutting down")
		return
	default:
		_ = conn.Close(websocket.StatusTryAgainLater, "server busy")
		return
	}

	go h.handleClient(client)
	h.logger.Debug(r.Context(), "Feed client connected", "client", client.id, "remote", r.RemoteAddr)
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.clientsMu.Lock()
			h.clients[client.conn] = client
			h.clientsMu.Unlock()

		case conn := <-h.unregister:
			h.removeClient(conn)

		case message := <-h.broadcast:
			h.fanOut(message)

		case <-h.ctx.Done():
			return
		}
	}
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	client, ok := h.clients[conn]
	if ok {
		delete(h.clients, conn)
		close(client.send)
	}
	h.clientsMu.Unlock()

	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Debug(h.ctx, "Feed client disconnected", "client", client.id)
	}
}

func (h *Hub) fanOut(message []byte) {
	h.clientsMu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clientsMu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- message:
		default:
			// Slow consumer.
			go func(conn *websocket.Conn) {
				select {
				case h.unregister <- conn:
				case <-h.ctx.Done():
				}
			}(c.conn)
		}
	}
}

func (h *Hub) handleClient(c *Client) {
	defer func() {
		select {
		case h.unregister <- c.conn:
		case <-h.ctx.Done():
		}
	}()

	go h.writePump(c)

	// Clients only listen; reading drives pings and close frames.
	for {
		if _, _, err := c.conn.Read(h.ctx); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && h.ctx.Err() == nil {
				h.logger.Debug(h.ctx, "Feed read ended", "client", c.id, "error", err.Error())
			}
			return
		}
	}
}

func (h *Hub) writePump(c *Client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(h.ctx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, message)
			cancel()
			if err != nil {
				h.logger.Debug(h.ctx, "Feed write failed", "client", c.id, "error", err.Error())
				return
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(h.ctx, writeTimeout)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				return
			}

		case <-h.ctx.Done():
			return
		}
	}
}

// Publish queues msg for every client. It never blocks.
func (h *Hub) Publish(msg Message) {
	if h.isShutdown.Load() {
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	h.sinksMu.RLock()
	for _, fn := range h.sinks {
		fn(msg)
	}
	h.sinksMu.RUnlock()

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error(h.ctx, err, "Cannot encode feed message")
		return
	}
	select {
	case h.broadcast <- data:
	case <-h.ctx.Done():
	default:
		h.logger.Warn(h.ctx, nil, "Feed broadcast queue full, dropping message", "path", msg.Path)
	}
}

// OnMessage calls fn synchronously for every published message until the
// returned function is called.
func (h *Hub) OnMessage(fn func(Message)) (cancel func()) {
	h.sinksMu.Lock()
	h.nextSink++
	id := h.nextSink
	h.sinks[id] = fn
	h.sinksMu.Unlock()
	return func() {
		h.sinksMu.Lock()
		delete(h.sinks, id)
		h.sinksMu.Unlock()
	}
}

// Watch publishes changes of root and every node below it, including
// nodes created later.
func (h *Hub) Watch(tree string, root prefs.Preferences) error {
	if root == nil {
		return errors.NewValidationError(errors.ErrCodeInvalidPath, "nothing to watch")
	}
	return h.watch(tree, root)
}

func (h *Hub) watch(tree string, p prefs.Preferences) error {
	h.watchMu.Lock()
	if _, ok := h.watched[p]; ok || h.isShutdown.Load() {
		h.watchMu.Unlock()
		return nil
	}
	h.watched[p] = []*prefs.Subscription{
		p.AddPreferenceChangeListener(func(ev prefs.PreferenceChangeEvent) {
			h.Publish(Message{
				Type:    TypeChange,
				Tree:    tree,
				Path:    ev.Node.AbsolutePath(),
				Key:     ev.Key,
				Value:   ev.NewValue,
				Removed: ev.Removed,
			})
		}),
		p.AddNodeChangeListener(func(ev prefs.NodeChangeEvent) {
			msg := Message{
				Type:  TypeNodeAdded,
				Tree:  tree,
				Path:  ev.Parent.AbsolutePath(),
				Child: ev.Child.Name(),
			}
			if ev.Removed {
				msg.Type = TypeNodeRemoved
				h.forget(ev.Child)
			} else if err := h.watch(tree, ev.Child); err != nil {
				h.logger.Warn(h.ctx, err, "Cannot watch new node", "path", ev.Child.AbsolutePath())
			}
			h.Publish(msg)
		}),
	}
	h.watchMu.Unlock()

	names, err := p.ChildrenNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		child, err := p.Node(name)
		if err != nil {
			return err
		}
		if err := h.watch(tree, child); err != nil {
			return err
		}
	}
	return nil
}

// forget stops following a removed node, so a node recreated at the same
// path is watched again. Descendants report their own removal.
func (h *Hub) forget(p prefs.Preferences) {
	h.watchMu.Lock()
	subs := h.watched[p]
	delete(h.watched, p)
	h.watchMu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
}

// WatchedCount returns the number of nodes followed.
func (h *Hub) WatchedCount() int {
	h.watchMu.Lock()
	defer h.watchMu.Unlock()
	return len(h.watched)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Shutdown disconnects every client and stops watching.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.shutdownOnce.Do(func() {
		h.isShutdown.Store(true)
		h.cancel()

		h.watchMu.Lock()
		for _, subs := range h.watched {
			for _, s := range subs {
				s.Unsubscribe()
			}
		}
		h.watched = make(map[prefs.Preferences][]*prefs.Subscription)
		h.watchMu.Unlock()

		h.clientsMu.Lock()
		for conn := range h.clients {
			// send channels are owned by run; writePumps exit on ctx.
			_ = conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
		h.clients = make(map[*websocket.Conn]*Client)
		h.clientsMu.Unlock()

		h.logger.Info(ctx, "Feed shut down")
	})
	return nil
}
