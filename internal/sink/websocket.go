package sink

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"castle-stream/internal/castle"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // dashboard client, no cross-origin concern for a local tool
	},
}

// WebSocket broadcasts each released record, msgpack-encoded, to every
// subscribed dashboard client. Clients that disconnect, or whose write
// fails (logged), are dropped; a broadcast to zero clients is a no-op,
// never an error.
type WebSocket struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

// NewWebSocket creates an empty broadcast hub.
func NewWebSocket() *WebSocket {
	return &WebSocket{clients: make(map[*websocket.Conn]bool)}
}

// Subscribe upgrades an HTTP request to a websocket connection and
// registers it as a broadcast recipient.
func (h *WebSocket) Subscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[SINK] websocket upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	go h.readLoop(conn)
}

// readLoop discards incoming messages but must read to notice disconnects.
func (h *WebSocket) readLoop(conn *websocket.Conn) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close() //nolint:errcheck
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WebSocket) Emit(_ context.Context, out castle.Output) error {
	payload, err := msgpack.Marshal(out)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
			log.Printf("[SINK] websocket write error: %v", err)
			conn.Close() //nolint:errcheck
			delete(h.clients, conn)
		}
	}
	return nil
}

func (h *WebSocket) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close() //nolint:errcheck
		delete(h.clients, conn)
	}
	return nil
}
