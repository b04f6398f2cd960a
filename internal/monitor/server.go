package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	clientQueue  = 32
	writeTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StatsFunc returns a JSON-encodable snapshot served at /api/stats.
type StatsFunc func() any

type client struct {
	conn *websocket.Conn
	send chan Event
}

// Server publishes Tap events to websocket clients and keeps the latest
// event per characteristic.
type Server struct {
	tap    *Tap
	logger *logrus.Logger
	stats  StatsFunc

	mu      sync.RWMutex
	last    map[string]Event
	clients map[*client]struct{}
}

// NewServer creates a server for tap. stats may be nil.
func NewServer(tap *Tap, stats StatsFunc, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	return &Server{
		tap:     tap,
		logger:  logger,
		stats:   stats,
		last:    make(map[string]Event),
		clients: make(map[*client]struct{}),
	}
}

// Handler routes /ws, /api/last and /api/stats.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/last", s.handleLast)
	mux.HandleFunc("/api/stats", s.handleStats)
	return mux
}

// Run moves events from the tap to clients until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.closeClients()
			return
		case <-s.tap.Signal():
			s.tap.Drain(s.dispatch)
		}
	}
}

// ListenAndServe serves Handler on addr and runs the dispatcher until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go s.Run(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.WithField("addr", addr).Info("Monitor listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) dispatch(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.last[ev.key()] = ev
	for c := range s.clients {
		select {
		case c.send <- ev:
		default:
			s.logger.WithField("remote", c.conn.RemoteAddr().String()).Debug("monitor: client too slow, event dropped")
		}
	}
}

// Last returns the latest event of each characteristic, ordered by service
// then characteristic.
func (s *Server) Last() []Event {
	s.mu.RLock()
	out := make([]Event, 0, len(s.last))
	for _, ev := range s.last {
		out = append(out, ev)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out
}

func (s *Server) handleLast(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Last())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		http.Error(w, "stats not available", http.StatusNotFound)
		return
	}
	writeJSON(w, s.stats())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("monitor: websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan Event, clientQueue)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.logger.WithField("remote", conn.RemoteAddr().String()).Info("monitor: client connected")

	go s.writePump(c)
	s.readPump(c)
}

// readPump discards client messages and unregisters the client when the
// connection closes.
func (s *Server) readPump(c *client) {
	defer s.removeClient(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.WithError(err).Debug("monitor: websocket closed")
			}
			return
		}
	}
}

func (s *Server) writePump(c *client) {
	for ev := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(ev); err != nil {
			_ = c.conn.Close()
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = c.conn.Close()
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
	}
}

// Clients counts connected websocket clients.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
