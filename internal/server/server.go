package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"dmrelay/internal/blobstore"
	"dmrelay/internal/config"
	"dmrelay/internal/db"
	"dmrelay/internal/keyexchange"
	"dmrelay/internal/logging"
	"dmrelay/internal/metrics"
	"dmrelay/internal/presence"
	"dmrelay/internal/protocol"
	"dmrelay/internal/relay"
	"dmrelay/internal/retention"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	compactionInterval = 15 * time.Minute
)

// Server wires the identity store, presence registry, key-exchange
// coordinator, message relay and retention manager behind a WebSocket
// endpoint.
type Server struct {
	cfg        *config.Config
	database   *db.Database
	blobs      *blobstore.Store
	registry   *presence.Registry
	exchanges  *keyexchange.Coordinator
	relay      *relay.Relay
	retention  *retention.Manager
	metrics    *metrics.Metrics
	upgrader   websocket.Upgrader
	globalRate *rate.Limiter
	now        func() time.Time
	log        *logging.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error

	connMu   sync.Mutex // protects conns and closing
	conns    map[*Connection]struct{}
	closing  bool
	sessions sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithClock replaces time.Now for envelope stamping and retention.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer opens the stores named by cfg and loads the envelope
// collection.
func NewServer(cfg *config.Config, opts ...Option) (*Server, error) {
	database, err := db.NewDatabase(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	blobPath := cfg.Storage.BlobFile
	if !filepath.IsAbs(blobPath) {
		blobPath = filepath.Join(cfg.Storage.DataDir, blobPath)
	}
	blobs, err := blobstore.Open(blobPath)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to initialize attachment store: %w", err)
	}

	s := &Server{
		cfg:        cfg,
		database:   database,
		blobs:      blobs,
		metrics:    metrics.New(),
		globalRate: rate.NewLimiter(rate.Limit(cfg.Limits.UpgradeRate), cfg.Limits.UpgradeBurst),
		now:        time.Now,
		log:        logging.NewLogger("dmrelay-server"),
		conns:      make(map[*Connection]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registry = presence.New(database)
	s.registry.OnChange(s.broadcastPresence)

	s.exchanges = keyexchange.New(s.registry)
	s.exchanges.Observe(func(o keyexchange.Outcome) { s.metrics.KeyExchange(string(o)) })

	window := cfg.Retention.Window.Duration
	s.relay = relay.New(database, database, s.registry,
		relay.WithBlobs(blobs),
		relay.WithWindow(window),
		relay.WithClock(s.now),
		relay.WithMetrics(s.metrics),
	)
	if err := s.relay.Load(); err != nil {
		blobs.Close()
		database.Close()
		return nil, fmt.Errorf("failed to load envelopes: %w", err)
	}

	s.retention = retention.New(s.relay, window, cfg.Retention.SweepInterval.Duration,
		retention.WithBlobs(blobs),
		retention.WithCompaction(database.RunGarbageCollection, compactionInterval),
		retention.WithMetrics(s.metrics),
		retention.WithClock(s.now),
	)

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.log.Info("Server initialized", map[string]string{
		"data_dir":  cfg.Storage.DataDir,
		"envelopes": fmt.Sprintf("%d", s.relay.Len()),
		"window":    window.String(),
	})
	return s, nil
}

// Start launches the retention manager. It stops when ctx is done or the
// server is closed.
func (s *Server) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.retention.Run(ctx)
	}()
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("POST /attachments", s.handleUploadAttachment)
	mux.HandleFunc("GET /attachments/{ref}", s.handleDownloadAttachment)
	return mux
}

// Database exposes the identity store, used by the adduser command.
func (s *Server) Database() *db.Database {
	return s.database
}

// Close ends every live session, stops background work, flushes the
// envelope collection and closes both stores.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.connMu.Lock()
		s.closing = true
		live := make([]*Connection, 0, len(s.conns))
		for c := range s.conns {
			live = append(live, c)
		}
		s.connMu.Unlock()

		for _, c := range live {
			c.shutdown()
		}
		s.sessions.Wait()

		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()

		if err := s.relay.Flush(); err != nil {
			s.log.WithError(err).Error("Failed to flush envelopes")
			s.closeErr = err
		}
		if err := s.blobs.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
		if err := s.database.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}

// HandleWebSocket upgrades the request and starts the connection pumps.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.globalRate.Allow() {
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", map[string]string{"error": err.Error()})
		return
	}

	conn := newConnection(s, ws)
	if !s.track(conn) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(writeWait))
		ws.Close()
		return
	}
	s.metrics.ConnectionAccepted()

	go conn.writePump()
	go func() {
		defer s.untrack(conn)
		conn.readPump()
	}()
}

// track registers a live session. It fails once Close has started.
func (s *Server) track(c *Connection) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	s.sessions.Add(1)
	return true
}

func (s *Server) untrack(c *Connection) {
	s.connMu.Lock()
	delete(s.conns, c)
	s.connMu.Unlock()
	s.sessions.Done()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.Server.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "dmrelay-server",
		"online":  len(s.registry.Online()),
	})
}

// broadcastPresence tells every other bound session that identity came
// online or went offline.
func (s *Server) broadcastPresence(identity string, online bool, at time.Time) {
	s.metrics.SetOnline(len(s.registry.Online()))

	if !online {
		if err := s.database.UpdateLastSeen(identity, at); err != nil {
			s.log.WithError(err).Warn("Failed to update last seen", map[string]string{"identity": identity})
		}
	}

	msg := protocol.NewMessage(protocol.PresenceChanged{
		Identity: identity,
		Online:   online,
		LastSeen: at.UTC(),
	})
	for _, e := range s.registry.Online() {
		if e.Identity == identity {
			continue
		}
		if err := e.Conn.Send(msg); err != nil {
			s.log.Debug("Presence notification dropped", map[string]string{"to": e.Identity, "error": err.Error()})
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to write response", map[string]string{"error": err.Error()})
	}
}
