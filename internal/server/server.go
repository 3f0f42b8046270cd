// Package server exposes a remote.Store over HTTP so that several falcon
// clients can share one document store.
//
// Routes:
//
//	GET    /v1/{collection}          list documents (JSON array)
//	GET    /v1/{collection}/{id}     one document, 404 when absent
//	PUT    /v1/{collection}/{id}     merge the body into the document
//	DELETE /v1/{collection}/{id}     remove the document
//	GET    /v1/watch?collection=&doc= websocket change feed of snapshots
//	GET    /health                   liveness and watcher count
//	GET    /metrics                  Prometheus metrics
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/falconlib/falcon/internal/remote"
	"github.com/falconlib/falcon/internal/schema"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Server serves a document store over HTTP and websockets.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	store    remote.Store

	// Websocket watcher management
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger   *log.Logger
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	watchers prometheus.Gauge
	pushed   prometheus.Counter
}

// Config holds server configuration
type Config struct {
	// Port to listen on (default: 8080, 0 picks a free port)
	Port int

	// Store is the document store being served.
	Store remote.Store

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// NewServer creates a server for config.Store.
func NewServer(config *Config) *Server {
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		addr:     fmt.Sprintf(":%d", config.Port),
		store:    config.Store,
		clients:  make(map[*websocket.Conn]bool),
		ctx:      ctx,
		cancel:   cancel,
		logger:   config.Logger,
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "falcon_server_requests_total",
			Help: "Document API requests by method, collection and status code.",
		}, []string{"method", "collection", "code"}),
		watchers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "falcon_server_watchers",
			Help: "Open websocket change feeds.",
		}),
		pushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "falcon_server_snapshots_sent_total",
			Help: "Snapshots written to change feeds.",
		}),
	}
	s.registry.MustRegister(s.requests, s.watchers, s.pushed)
	return s
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/watch", s.handleWatch)
	mux.HandleFunc("GET /v1/{collection}", s.handleList)
	mux.HandleFunc("GET /v1/{collection}/{id}", s.handleGet)
	mux.HandleFunc("PUT /v1/{collection}/{id}", s.handlePut)
	mux.HandleFunc("DELETE /v1/{collection}/{id}", s.handleDelete)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

// Start begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop closes every change feed and shuts the server down.
func (s *Server) Stop() error {
	s.logger.Println("Stopping server")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()

	s.logger.Println("Server stopped")
	return nil
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of open change feeds.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) pathNames(w http.ResponseWriter, r *http.Request) (collection, id string, ok bool) {
	collection, id = r.PathValue("collection"), r.PathValue("id")
	if !nameRe.MatchString(collection) || (id != "" && !nameRe.MatchString(id)) {
		s.writeError(w, r, "", http.StatusBadRequest, "invalid collection or document id")
		return "", "", false
	}
	return collection, id, true
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	collection, _, ok := s.pathNames(w, r)
	if !ok {
		return
	}
	records, err := s.store.GetAll(r.Context(), collection)
	if err != nil {
		s.writeError(w, r, collection, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, r, collection, http.StatusOK, records)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	collection, id, ok := s.pathNames(w, r)
	if !ok {
		return
	}
	rec, exists, err := s.store.Get(r.Context(), collection, id)
	if err != nil {
		s.writeError(w, r, collection, http.StatusInternalServerError, err.Error())
		return
	}
	if !exists {
		s.writeError(w, r, collection, http.StatusNotFound, "document not found")
		return
	}
	s.writeJSON(w, r, collection, http.StatusOK, rec)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	collection, id, ok := s.pathNames(w, r)
	if !ok {
		return
	}
	var rec schema.Record
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<20))
	if err := dec.Decode(&rec); err != nil || rec == nil {
		s.writeError(w, r, collection, http.StatusBadRequest, "body must be a JSON object")
		return
	}
	normalized, err := schema.Normalize(rec)
	if err != nil {
		s.writeError(w, r, collection, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.Upsert(r.Context(), collection, id, normalized); err != nil {
		s.writeError(w, r, collection, http.StatusInternalServerError, err.Error())
		return
	}
	s.observe(r, collection, http.StatusNoContent)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	collection, id, ok := s.pathNames(w, r)
	if !ok {
		return
	}
	if err := s.store.Delete(r.Context(), collection, id); err != nil {
		s.writeError(w, r, collection, http.StatusInternalServerError, err.Error())
		return
	}
	s.observe(r, collection, http.StatusNoContent)
	w.WriteHeader(http.StatusNoContent)
}

// handleWatch streams snapshots of a collection or document until either
// side closes the websocket.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	collection, docID := r.URL.Query().Get("collection"), r.URL.Query().Get("doc")
	if !nameRe.MatchString(collection) || (docID != "" && !nameRe.MatchString(docID)) {
		s.writeError(w, r, "", http.StatusBadRequest, "invalid collection or document id")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(1 << 10)
	s.addClient(conn)
	defer s.removeClient(conn)

	// Canceled when the peer goes away or the server stops.
	ctx := conn.CloseRead(s.ctx)

	writeErr := make(chan error, 1)
	unsub, err := s.store.Subscribe(ctx, collection, docID, func(snap remote.Snapshot) {
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := wsjson.Write(wctx, conn, snap)
		cancel()
		if err != nil {
			select {
			case writeErr <- err:
			default:
			}
			return
		}
		s.pushed.Inc()
	})
	if err != nil {
		s.logger.Printf("Failed to subscribe to %s: %v", collection, err)
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer unsub()

	select {
	case <-ctx.Done():
	case err := <-writeErr:
		if ctx.Err() == nil {
			s.logger.Printf("Failed to send snapshot of %s: %v", collection, err)
		}
	}
}

func (s *Server) addClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()

	s.watchers.Inc()
	s.logger.Printf("Watcher connected (total: %d)", count)
}

// removeClient safely removes a client connection
func (s *Server) removeClient(conn *websocket.Conn) {
	s.watchers.Dec()

	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		count := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Watcher disconnected (total: %d)", count)
	} else {
		s.clientsMu.Unlock()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "ok",
		"watchers": s.ClientCount(),
	})
}

func (s *Server) observe(r *http.Request, collection string, code int) {
	s.requests.WithLabelValues(r.Method, collection, strconv.Itoa(code)).Inc()
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, collection string, code int, v any) {
	s.observe(r, collection, code)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, collection string, code int, msg string) {
	if code >= http.StatusInternalServerError {
		s.logger.Printf("%s %s: %s", r.Method, r.URL.Path, msg)
	}
	s.writeJSON(w, r, collection, code, map[string]string{"error": msg})
}
