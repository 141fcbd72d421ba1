// Package server implements the gochat server.
package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/NicolasHaas/gochat/pkg/protocol"
	"github.com/NicolasHaas/gochat/pkg/store"
)

// Config holds server configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"` // TCP bind address (e.g. ":5555")
	UsersFile  string `yaml:"users_file"`  // JSON credential file
	DBPath     string `yaml:"db_path"`     // SQLite credential database (overrides UsersFile when set)

	MaxLineBytes     int           `yaml:"max_line_bytes"`    // largest accepted inbound frame
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"` // read deadline until login succeeds (0 = none)
	IdleTimeout      time.Duration `yaml:"idle_timeout"`      // read deadline between authenticated frames (0 = none)
	WriteTimeout     time.Duration `yaml:"write_timeout"`     // per-frame write deadline (0 = none)
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`  // how long Shutdown waits for handlers

	MetricsAddr        string        `yaml:"metrics_addr"`         // HTTP bind address for /metrics (empty = disabled)
	MetricsLogInterval time.Duration `yaml:"metrics_log_interval"` // periodic metrics log (0 = disabled)

	// CLI-only actions (run and exit)
	ExportUsers        bool `yaml:"-"` // export all users as YAML and exit
	MigrateCredentials bool `yaml:"-"` // hash every plaintext credential and exit
}

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and will Close() it when Run returns.
type Dependencies struct {
	Store *store.Store

	// OnDeliveryError, if set, is called for every failed send to a
	// recipient during broadcast or DM delivery.
	OnDeliveryError func(username string, err error)

	// Now overrides the clock used for message timestamps.
	Now func() time.Time
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:         ":5555",
		UsersFile:          "users.json",
		MaxLineBytes:       protocol.DefaultMaxLineBytes,
		HandshakeTimeout:   10 * time.Second,
		WriteTimeout:       10 * time.Second,
		ShutdownTimeout:    5 * time.Second,
		MetricsAddr:        ":5556",
		MetricsLogInterval: 60 * time.Second,
	}
}

// Server is the main gochat server.
type Server struct {
	cfg             Config
	registry        *Registry
	creds           *store.Store
	metrics         *Metrics
	onDeliveryError func(username string, err error)
	now             func() time.Time

	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc

	// live holds every open connection, authenticated or not, so Shutdown
	// can close sockets that never made it into the registry.
	liveMu sync.Mutex
	live   map[*Conn]struct{}

	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Server{
		cfg:             cfg,
		registry:        NewRegistry(),
		creds:           deps.Store,
		metrics:         NewMetrics(),
		onDeliveryError: deps.OnDeliveryError,
		now:             now,
		live:            make(map[*Conn]struct{}),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Registry returns the session registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) track(c *Conn) {
	s.liveMu.Lock()
	s.live[c] = struct{}{}
	s.liveMu.Unlock()
}

func (s *Server) untrack(c *Conn) {
	s.liveMu.Lock()
	delete(s.live, c)
	s.liveMu.Unlock()
}

func (s *Server) timestamp() string {
	return s.now().Format("15:04:05")
}
