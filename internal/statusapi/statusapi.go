// Package statusapi exposes the crawler's live status over HTTP and
// WebSocket: a single JSON snapshot endpoint and a push feed ticking at the
// configured status interval.
package statusapi

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Snapshot is the status payload served at GET /status and pushed over
// GET /status/ws.
type Snapshot struct {
	NodeID           string    `json:"node_id"`
	FilterLen        uint64    `json:"filter_len"`
	FetchedCount     int64     `json:"fetched_count"`
	InFlight         int       `json:"in_flight_fetches"`
	FetchConcurrency int       `json:"fetch_concurrency"`
	Uptime           string    `json:"uptime"`
	GeneratedAt      time.Time `json:"generated_at"`
}

// SnapshotFunc produces the current Snapshot on demand.
type SnapshotFunc func() Snapshot

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the status HTTP/WebSocket endpoint. It holds no crawler state of
// its own; every response is produced by calling Snapshot.
type Server struct {
	router   *mux.Router
	snapshot SnapshotFunc
	interval time.Duration

	httpServer *http.Server
	listener   net.Listener

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]chan struct{}
}

// NewServer constructs a status server. snapshot is called on every HTTP
// request and on every WebSocket tick.
func NewServer(snapshot SnapshotFunc, interval time.Duration) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		snapshot: snapshot,
		interval: interval,
		clients:  make(map[*websocket.Conn]chan struct{}),
	}
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/status/ws", s.handleStatusWS).Methods("GET")
	return s
}

// Start binds addr and begins serving in the background. A non-nil error
// means the bind itself failed; per spec.md §7 this is a resource failure
// the supervisor should treat as fatal at startup.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[status] server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the address the server is actually bound to, useful when
// Start was called with an ephemeral port ("host:0").
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close shuts down the HTTP server and disconnects every WebSocket client.
func (s *Server) Close() error {
	s.clientsMu.Lock()
	for conn, done := range s.clients {
		close(done)
		conn.Close()
	}
	s.clients = make(map[*websocket.Conn]chan struct{})
	s.clientsMu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.snapshot()); err != nil {
		log.Printf("[status] failed to encode snapshot: %v", err)
	}
}

func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[status] websocket upgrade failed: %v", err)
		return
	}

	done := make(chan struct{})
	s.clientsMu.Lock()
	s.clients[conn] = done
	s.clientsMu.Unlock()

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, conn)
		s.clientsMu.Unlock()
		conn.Close()
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(s.snapshot()); err != nil {
				return
			}
		}
	}
}
