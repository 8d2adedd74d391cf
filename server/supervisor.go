// Package server provides the Supervisor: the start/stop surface of a
// filesfer server, wiring the TCP listener, per-connection transfer
// sessions, the shared store and the event feed together.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cyberinferno/filesfer/events"
	"github.com/cyberinferno/filesfer/idgenerator"
	"github.com/cyberinferno/filesfer/logger"
	"github.com/cyberinferno/filesfer/metrics"
	"github.com/cyberinferno/filesfer/safemap"
	"github.com/cyberinferno/filesfer/store"
	"github.com/cyberinferno/filesfer/tcpserver"
	"github.com/cyberinferno/filesfer/transfer"
)

const serverName = "filesfer"

var (
	// ErrAlreadyRunning is returned by Start while a server session is running.
	ErrAlreadyRunning = tcpserver.ErrAlreadyRunning

	// ErrNotRunning is returned by Stop when no server session is running.
	// Callers may treat it as a no-op signal.
	ErrNotRunning = tcpserver.ErrNotRunning

	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("server closed")
)

// Options configures a Supervisor.
type Options struct {
	// Store is the shared file store. Required.
	Store store.Store

	// Logger defaults to a no-op logger.
	Logger logger.Logger

	// Feed receives lifecycle and transfer events. When nil the Supervisor
	// creates one with default retention and closes it in Close.
	Feed *events.Feed

	// Metrics may be nil.
	Metrics *metrics.Metrics

	// Host is the bind address; empty binds every local interface.
	Host string

	// ChunkSize is the payload buffer size per connection.
	ChunkSize int

	// ShutdownTimeout bounds how long Stop waits for connection handlers.
	ShutdownTimeout time.Duration
}

// Supervisor owns at most one running server session at a time. All methods
// are safe for concurrent use.
type Supervisor struct {
	store           store.Store
	logger          logger.Logger
	feed            *events.Feed
	ownsFeed        bool
	metrics         *metrics.Metrics
	host            string
	chunkSize       int
	shutdownTimeout time.Duration
	sessionIDs      *idgenerator.IdGenerator

	mu     sync.Mutex
	tcp    *tcpserver.TCPServer
	port   int
	closed bool
}

// New creates a stopped Supervisor.
//
// Parameters:
//   - opts: Store, logger, feed and tuning
//
// Returns:
//   - The Supervisor, or an error if opts.Store is nil
func New(opts Options) (*Supervisor, error) {
	if opts.Store == nil {
		return nil, errors.New("server requires a store")
	}

	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}

	feed := opts.Feed
	ownsFeed := false
	if feed == nil {
		feed = events.NewFeed(events.FeedOptions{Logger: log})
		ownsFeed = true
	}

	return &Supervisor{
		store:           opts.Store,
		logger:          log.With(logger.Field{Key: "component", Value: "server"}),
		feed:            feed,
		ownsFeed:        ownsFeed,
		metrics:         opts.Metrics,
		host:            opts.Host,
		chunkSize:       opts.ChunkSize,
		shutdownTimeout: opts.ShutdownTimeout,
		sessionIDs:      idgenerator.NewIdGenerator(0),
	}, nil
}

// Start binds port and starts accepting connections in the background. Port 0
// picks a free port; see Addr.
//
// Parameters:
//   - port: TCP port, 0..65535
//
// Returns:
//   - ErrAlreadyRunning, ErrClosed, or the bind error
func (s *Supervisor) Start(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if s.tcp != nil {
		return ErrAlreadyRunning
	}

	if port < 0 || port > 65535 {
		return fmt.Errorf("invalid port %d", port)
	}

	tcp := &tcpserver.TCPServer{
		Logger:          s.logger,
		Name:            serverName,
		Addr:            net.JoinHostPort(s.host, strconv.Itoa(port)),
		Sessions:        safemap.NewSafeMap[uint64, tcpserver.TCPServerSession](),
		IdGenerator:     s.sessionIDs,
		Events:          s.feed,
		Metrics:         s.metrics,
		ShutdownTimeout: s.shutdownTimeout,
		NewSession:      s.newSession,
	}

	if err := tcp.Start(context.Background()); err != nil {
		s.feed.Emitf("Error: %v", err)
		return err
	}

	s.tcp = tcp
	s.port = port
	if addr, ok := tcp.BoundAddr().(*net.TCPAddr); ok {
		s.port = addr.Port
	}

	s.feed.Emitf("Server started on port %d", s.port)
	return nil
}

// Stop closes the listener and every connection, deleting partial uploads,
// and waits for connection handlers up to the shutdown timeout.
//
// Returns:
//   - ErrNotRunning if nothing was running
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stopLocked()
}

func (s *Supervisor) stopLocked() error {
	if s.tcp == nil {
		return ErrNotRunning
	}

	err := s.tcp.Stop()
	s.tcp = nil
	s.port = 0
	s.feed.Emit("Server stopped")

	if err != nil && !errors.Is(err, tcpserver.ErrNotRunning) {
		return err
	}

	return nil
}

// Close stops the server if running and releases the event feed when the
// Supervisor created it. The Supervisor cannot be restarted afterwards.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	if err := s.stopLocked(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}

	s.closed = true
	if s.ownsFeed {
		return s.feed.Close()
	}

	return nil
}

// IsRunning reports whether a server session is running.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tcp != nil
}

// Addr returns the bound listener address, or nil when stopped.
func (s *Supervisor) Addr() net.Addr {
	s.mu.Lock()
	tcp := s.tcp
	s.mu.Unlock()

	if tcp == nil {
		return nil
	}

	return tcp.BoundAddr()
}

// Port returns the bound port, or 0 when stopped.
func (s *Supervisor) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Connections returns the number of live connections.
func (s *Supervisor) Connections() int {
	s.mu.Lock()
	tcp := s.tcp
	s.mu.Unlock()

	if tcp == nil {
		return 0
	}

	return tcp.SessionCount()
}

// Events returns the event feed.
func (s *Supervisor) Events() *events.Feed {
	return s.feed
}

func (s *Supervisor) newSession(id uint64, conn net.Conn) tcpserver.TCPServerSession {
	return transfer.NewSession(id, conn, transfer.Options{
		Store:     s.store,
		Events:    s.feed,
		Metrics:   s.metrics,
		Logger:    s.logger,
		ChunkSize: s.chunkSize,
	})
}
