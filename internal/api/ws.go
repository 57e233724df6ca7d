package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meridian-hq/meridian/internal/logging"
	"github.com/meridian-hq/meridian/internal/registry"
)

// changeMessage is what goes out on the wire for each registry change.
type changeMessage struct {
	Kind      registry.ChangeKind `json:"kind"`
	Key       string              `json:"key"`
	Timestamp time.Time           `json:"timestamp"`
}

// Feed pushes registry changes to connected WebSocket clients.
type Feed struct {
	reg      *registry.Registry
	upgrader websocket.Upgrader
	log      *logging.Logger

	clients map[*websocket.Conn]chan changeMessage
	stop    func()
	done    chan struct{}

	mu sync.Mutex
}

// NewFeed creates a change feed backed by the registry's subscription channel.
func NewFeed(reg *registry.Registry) *Feed {
	return &Feed{
		reg: reg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log:     logging.WithField("component", "ws"),
		clients: make(map[*websocket.Conn]chan changeMessage),
		done:    make(chan struct{}),
	}
}

// Start begins fanning registry changes out to clients.
func (f *Feed) Start() {
	ch, unsubscribe := f.reg.Subscribe()
	f.stop = unsubscribe

	go func() {
		defer close(f.done)
		for change := range ch {
			msg := changeMessage{
				Kind:      change.Kind,
				Key:       change.Key.String(),
				Timestamp: time.Now(),
			}
			f.mu.Lock()
			for conn, out := range f.clients {
				select {
				case out <- msg:
				default:
					// Slow client, drop it rather than block the feed.
					f.log.Warn("dropping slow websocket client %s", conn.RemoteAddr())
					close(out)
					delete(f.clients, conn)
				}
			}
			f.mu.Unlock()
		}
	}()
}

// Stop unsubscribes from the registry and closes all client connections.
func (f *Feed) Stop() {
	if f.stop != nil {
		f.stop()
		<-f.done
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for conn, out := range f.clients {
		close(out)
		conn.Close()
		delete(f.clients, conn)
	}
}

// Handle upgrades an HTTP request to a WebSocket connection.
func (f *Feed) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "could not upgrade connection", http.StatusBadRequest)
		return
	}

	out := make(chan changeMessage, 16)
	f.mu.Lock()
	f.clients[conn] = out
	f.mu.Unlock()

	f.log.Debug("client connected from %s", conn.RemoteAddr())

	// Reader: only to detect close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				f.mu.Lock()
				if ch, ok := f.clients[conn]; ok {
					close(ch)
					delete(f.clients, conn)
				}
				f.mu.Unlock()
				conn.Close()
				return
			}
		}
	}()

	// Writer.
	go func() {
		for msg := range out {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				conn.Close()
				return
			}
		}
	}()
}
