package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/xcall-tracker/xtracker/config/types"
	"github.com/xcall-tracker/xtracker/log"
	"github.com/xcall-tracker/xtracker/notifier"
)

const (
	defaultWriteTimeout = 10 * time.Second
	pingPeriod          = 30 * time.Second
	shutdownTimeout     = 5 * time.Second
)

type Config struct {
	// Host to bind the status http server
	Host string `mapstructure:"Host"`
	// Port to bind the status http server, 0 disables it
	Port int `mapstructure:"Port"`
	// WriteTimeout bounds every websocket write
	WriteTimeout types.Duration `mapstructure:"WriteTimeout"`
}

// Hub is the fan-out the server subscribes to
type Hub interface {
	notifier.GenericSubscriber[notifier.StatusChange]
}

// Snapshotter returns the current state of a transaction, sent first to a client
// subscribing to a single transaction
type Snapshotter interface {
	Snapshot(ctx context.Context, transactionID string) (notifier.StatusChange, error)
}

// HealthChecker reports whether the service can serve requests
type HealthChecker func(ctx context.Context) error

// Server streams status changes over websockets and exposes /health and /metrics
type Server struct {
	cfg       Config
	hub       Hub
	snapshots Snapshotter
	health    HealthChecker
	metrics   http.Handler
	upgrader  websocket.Upgrader
	log       *log.Logger

	mu    sync.Mutex
	conns map[string]*conn
}

func NewServer(cfg Config, hub Hub, snapshots Snapshotter, health HealthChecker, metrics http.Handler,
	logger *log.Logger) *Server {
	if cfg.WriteTimeout.Duration <= 0 {
		cfg.WriteTimeout = types.NewDuration(defaultWriteTimeout)
	}
	return &Server{
		cfg:       cfg,
		hub:       hub,
		snapshots: snapshots,
		health:    health,
		metrics:   metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:   logger,
		conns: make(map[string]*conn),
	}
}

// Router returns the http routes of the server
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.serveWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/health", s.serveHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	return r
}

// Start serves until ctx is done
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port)),
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("status server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.closeAll()
	return srv.Shutdown(shutdownCtx)
}

// Connections returns the number of open websockets
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]string{"status": "ok"}
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]string{"status": "unavailable", "error": err.Error()}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("tx")
	var first *notifier.StatusChange
	if filter != "" && s.snapshots != nil {
		snap, err := s.snapshots.Snapshot(r.Context(), filter)
		if err != nil {
			http.Error(w, fmt.Sprintf("unknown transaction %s", filter), http.StatusNotFound)
			return
		}
		first = &snap
	}
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("websocket upgrade failed: %v", err)
		return
	}

	c := &conn{
		id:     uuid.NewString(),
		filter: filter,
		ws:     wsConn,
		done:   make(chan struct{}),
		server: s,
	}
	c.changes = s.hub.Subscribe("ws-" + c.id)
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	s.log.Debugw("websocket opened", "conn", c.id, "tx", filter)

	if first != nil {
		if err := c.write(first); err != nil {
			c.close()
			return
		}
	}
	go c.receiveLoop()
	go c.sendLoop()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func (s *Server) closed(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	s.hub.Unsubscribe(c.changes)
	s.log.Debugw("websocket closed", "conn", c.id)
}

type conn struct {
	id      string
	filter  string
	ws      *websocket.Conn
	changes <-chan notifier.StatusChange
	server  *Server

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (c *conn) write(change *notifier.StatusChange) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout.Duration))
	return c.ws.WriteJSON(change)
}

func (c *conn) sendLoop() {
	defer c.close()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-c.done:
			return
		case change, ok := <-c.changes:
			if !ok {
				return
			}
			if c.filter != "" && change.TransactionID != c.filter {
				continue
			}
			if err := c.write(&change); err != nil {
				c.server.log.Debugf("write on %s failed: %v", c.id, err)
				return
			}
		case <-ping.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(c.server.cfg.WriteTimeout.Duration))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// receiveLoop only drains control frames, the stream is one way
func (c *conn) receiveLoop() {
	defer c.close()
	for {
		if _, _, err := c.ws.NextReader(); err != nil {
			return
		}
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
		c.server.closed(c)
	})
}
