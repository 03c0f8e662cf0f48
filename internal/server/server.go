package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alxbouchard/PAZ-Gimbal-Control/internal/dji"
	"github.com/alxbouchard/PAZ-Gimbal-Control/internal/logger"
)

// Server polls the gimbal engines and broadcasts their state to WebSocket
// clients; it also feeds the motion logger.
type Server struct {
	cfg     *Config
	engines []*dji.Engine
	logger  *logger.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	lastMu    sync.RWMutex
	lastFrame []byte
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// StatusFrame is the JSON structure sent to all WebSocket clients.
type StatusFrame struct {
	Gimbals []dji.Snapshot `json:"gimbals"`
	Stamp   int64          `json:"stamp"` // Unix ms
}

// New creates a new Server over the given engines.
func New(cfg *Config, engines []*dji.Engine) *Server {
	return &Server{
		cfg:     cfg,
		engines: engines,
		logger: logger.New(logger.Config{
			Enabled:    cfg.Logging.Enabled,
			Path:       cfg.Logging.Path,
			IntervalMs: cfg.Logging.Interval,
		}),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run starts the HTTP server and the status polling loop; it returns when
// ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/status", s.handleStatus)

	go s.pollLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		s.logger.Close()
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// pollLoop snapshots every engine at 10 Hz, broadcasts and logs.
func (s *Server) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame := StatusFrame{
			Gimbals: make([]dji.Snapshot, 0, len(s.engines)),
			Stamp:   time.Now().UnixMilli(),
		}
		for _, e := range s.engines {
			snap := e.SnapshotGet()
			frame.Gimbals = append(frame.Gimbals, snap)
			s.logger.Record(snap)
		}

		data, err := json.Marshal(frame)
		if err != nil {
			log.Printf("[server] marshal: %v", err)
			continue
		}

		s.lastMu.Lock()
		s.lastFrame = data
		s.lastMu.Unlock()

		s.broadcast(data)
	}
}

func (s *Server) broadcast(data []byte) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			// Slow client — drop the frame rather than stall the loop.
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[server] upgrade: %v", err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 8)}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	s.clientsMu.Unlock()

	log.Printf("[server] client connected (%s)", conn.RemoteAddr())

	go s.writePump(client)
	go s.readPump(client)
}

func (s *Server) writePump(c *wsClient) {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// readPump discards client messages and cleans up on disconnect.
func (s *Server) readPump(c *wsClient) {
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, c)
		s.clientsMu.Unlock()
		close(c.send)
		c.conn.Close()
		log.Printf("[server] client disconnected (%s)", c.conn.RemoteAddr())
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.lastMu.RLock()
	data := s.lastFrame
	s.lastMu.RUnlock()

	if data == nil {
		http.Error(w, "no status yet", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
