// Package obsserver is a minimal read-only observability surface: a health
// check, a prometheus scrape endpoint, and a websocket push of engine batch
// snapshots for an operator watching a run. It never accepts control
// commands — start/stop/config stay on the CLI, grounded on the teacher's
// internal/server Hub but trimmed to what an observer, not an operator,
// needs.
package obsserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mushstyle/fleetscrape/internal/obslog"
	"github.com/mushstyle/fleetscrape/internal/telemetry"
)

// Snapshot is one engine batch's outcome, pushed to every connected /ws
// client. Paginate/ScrapeItem results both fit this shape loosely enough
// that callers just populate what applies.
type Snapshot struct {
	Kind           string            `json:"kind"` // "paginate" or "scrape_item"
	Timestamp      time.Time         `json:"timestamp"`
	SitesProcessed []string          `json:"sites_processed"`
	SitesCommitted []string          `json:"sites_committed,omitempty"`
	ItemsScraped   int               `json:"items_scraped,omitempty"`
	ItemsFailed    int               `json:"items_failed,omitempty"`
	Errors         map[string]string `json:"errors,omitempty"`
}

// Server exposes /healthz, /metrics, and /ws over one http.Server.
type Server struct {
	mu        sync.RWMutex
	conns     map[*websocket.Conn]chan []byte
	metrics   *telemetry.Collector
	log       *obslog.Logger
	startedAt time.Time

	httpSrv *http.Server
}

// New builds a Server. metrics/log may be nil (telemetry.Default and
// obslog.NewDefault are used then).
func New(metrics *telemetry.Collector, log *obslog.Logger) *Server {
	if metrics == nil {
		metrics = telemetry.Default()
	}
	if log == nil {
		log = obslog.NewDefault()
	}
	return &Server{
		conns:     make(map[*websocket.Conn]chan []byte),
		metrics:   metrics,
		log:       log,
		startedAt: time.Now(),
	}
}

// Broadcast pushes snap to every connected /ws client, dropping it for any
// client whose send buffer is already full rather than blocking the caller.
func (s *Server) Broadcast(snap Snapshot) {
	snap.Timestamp = time.Now()
	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.conns {
		select {
		case ch <- payload:
		default:
		}
	}
}

// ListenAndServe binds addr and blocks serving /healthz, /metrics, and /ws
// until ctx is done, then shuts the server down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.mu.RLock()
	conns := len(s.conns)
	s.mu.RUnlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":     "ok",
		"uptime":     time.Since(s.startedAt).String(),
		"ws_clients": conns,
	})
}

// upgrader only allows same-origin and loopback connections, matching the
// read-only scope of this server: it's for watching a local run, not a
// public dashboard.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, _, err := net.SplitHostPort(r.Host)
		if err != nil {
			host = r.Host
		}
		return strings.Contains(origin, host) || strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1")
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WarnContext(r.Context(), "obsserver: websocket upgrade failed", zap.Error(err))
		return
	}
	ch := make(chan []byte, 32)
	s.mu.Lock()
	s.conns[conn] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		close(ch)
		_ = conn.Close()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
