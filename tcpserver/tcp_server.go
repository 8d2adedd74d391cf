// Package tcpserver runs a TCP accept loop that hands each connection to its
// own session goroutine and tears all of them down together on Stop.
package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/filesfer/events"
	"github.com/cyberinferno/filesfer/idgenerator"
	"github.com/cyberinferno/filesfer/logger"
	"github.com/cyberinferno/filesfer/metrics"
	"github.com/cyberinferno/filesfer/safemap"
)

// DefaultShutdownTimeout bounds how long Stop waits for session goroutines.
const DefaultShutdownTimeout = 5 * time.Second

var (
	// ErrAlreadyRunning is returned by Start on a running server.
	ErrAlreadyRunning = errors.New("server already running")

	// ErrNotRunning is returned by Stop on a stopped server.
	ErrNotRunning = errors.New("server not running")
)

// NewSessionFunc is a function that creates a new TCPServerSession for a given
// connection. It receives the assigned session ID and the accepted net.Conn,
// and returns an implementation of TCPServerSession that will handle the connection.
type NewSessionFunc func(id uint64, conn net.Conn) TCPServerSession

// TCPServer is a TCP server that accepts connections and delegates each one to a
// session created by NewSession. Sessions are stored by ID for the lifetime of
// their connection. The server runs its accept loop in a goroutine; Stop closes
// every session and waits for their goroutines to return.
type TCPServer struct {
	Logger          logger.Logger
	Name            string
	Addr            string
	Listener        net.Listener
	Sessions        *safemap.SafeMap[uint64, TCPServerSession]
	Running         atomic.Bool
	NewSession      NewSessionFunc
	IdGenerator     *idgenerator.IdGenerator
	Events          events.Emitter
	Metrics         *metrics.Metrics
	ShutdownTimeout time.Duration

	mu       sync.Mutex
	cancel   context.CancelFunc
	loopDone chan struct{}
	handlers sync.WaitGroup
}

// Start starts the TCP server by binding to Addr and beginning the accept loop
// in a goroutine. It returns once the listener is bound.
//
// Parameters:
//   - ctx: Parent context for the accept loop and every session; canceling it
//     closes the listener and all sessions, but Stop must still be called
//
// Returns:
//   - ErrAlreadyRunning if the server is running, or the listen error
func (s *TCPServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Running.Load() {
		return fmt.Errorf("server %s: %w", s.Name, ErrAlreadyRunning)
	}

	if s.Logger == nil {
		s.Logger = logger.NewNop()
	}
	if s.Sessions == nil {
		s.Sessions = safemap.NewSafeMap[uint64, TCPServerSession]()
	}
	if s.IdGenerator == nil {
		s.IdGenerator = idgenerator.NewIdGenerator(0)
	}
	if s.NewSession == nil {
		return fmt.Errorf("server %s has no session factory", s.Name)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.Addr)
	if err != nil {
		s.Logger.Error("server failed to start", logger.Field{Key: "error", Value: err})
		return fmt.Errorf("server %s failed to start: %w", s.Name, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.Listener = ln
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	s.Running.Store(true)

	s.Logger.Info(fmt.Sprintf("%s server started", s.Name), logger.Field{Key: "addr", Value: ln.Addr().String()})
	go s.AcceptLoop(loopCtx, ln, s.loopDone)

	return nil
}

// Stop stops the TCP server: it cancels the session context, closes the
// listener, closes every registered session and waits up to ShutdownTimeout
// for session goroutines to return.
//
// Returns:
//   - ErrNotRunning if the server was not running
func (s *TCPServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Running.Load() {
		return fmt.Errorf("server %s: %w", s.Name, ErrNotRunning)
	}

	s.Running.Store(false)
	s.cancel()
	if s.Listener != nil {
		_ = s.Listener.Close()
	}

	// Every accepted connection is registered before the loop exits.
	<-s.loopDone

	for _, session := range s.Sessions.Drain() {
		_ = session.Close()
	}

	timeout := s.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.Logger.Warn("sessions did not finish before shutdown timeout",
			logger.Field{Key: "timeout", Value: timeout.String()})
	}

	s.Listener = nil
	s.Logger.Info(fmt.Sprintf("%s server stopped", s.Name))
	return nil
}

// BoundAddr returns the listener address, or nil when the server is stopped.
// Useful when Addr requested port 0.
func (s *TCPServer) BoundAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Listener == nil {
		return nil
	}

	return s.Listener.Addr()
}

// AddSession stores a session under the given id. It is safe for concurrent use.
//
// Parameters:
//   - id: The session ID to associate with the session
//   - session: The session to store
func (s *TCPServer) AddSession(id uint64, session TCPServerSession) {
	s.Sessions.Store(id, session)
}

// RemoveSession removes the session with the given id from the server. It is
// safe for concurrent use.
//
// Parameters:
//   - id: The session ID to remove
//
// Returns:
//   - true if the session was registered
func (s *TCPServer) RemoveSession(id uint64) bool {
	_, ok := s.Sessions.LoadAndDelete(id)
	return ok
}

// GetSession returns the session for the given id, if present.
//
// Parameters:
//   - id: The session ID to look up
//
// Returns:
//   - The session and true if found, or a zero value and false otherwise
func (s *TCPServer) GetSession(id uint64) (TCPServerSession, bool) {
	return s.Sessions.Load(id)
}

// SessionCount returns the number of registered sessions.
func (s *TCPServer) SessionCount() int {
	if s.Sessions == nil {
		return 0
	}

	return s.Sessions.Len()
}

// AcceptLoop accepts incoming connections on ln until ctx is canceled or
// Accept fails. For each connection it assigns an ID via IdGenerator, creates
// a session with NewSession, registers it and runs it in a new goroutine. An
// Accept failure that is not caused by Stop is reported as an event and ends
// the loop. done is closed on return.
func (s *TCPServer) AcceptLoop(ctx context.Context, ln net.Listener, done chan<- struct{}) {
	defer close(done)

	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if !s.Running.Load() || ctx.Err() != nil {
				return
			}

			s.Logger.Error(fmt.Sprintf("%s server accept error", s.Name), logger.Field{Key: "error", Value: err})
			s.emitf("Error: %v", err)
			return
		}

		id := s.IdGenerator.Next()
		session := s.NewSession(id, conn)
		s.AddSession(id, session)
		s.Metrics.ConnectionOpened()
		s.emitf("Client connected: %s", session.RemoteAddr())

		s.handlers.Add(1)
		go s.serve(ctx, session)
	}
}

func (s *TCPServer) serve(ctx context.Context, session TCPServerSession) {
	defer s.handlers.Done()
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Error("session panicked",
				logger.Field{Key: "session_id", Value: session.ID()},
				logger.Field{Key: "panic", Value: fmt.Sprint(r)})
			s.emitf("Client error: %v", r)
		}

		_ = session.Close()
		s.RemoveSession(session.ID())
		s.Metrics.ConnectionClosed()
		s.emitf("Client disconnected: %s", session.RemoteAddr())
	}()

	session.Handle(ctx)
}

func (s *TCPServer) emitf(format string, args ...any) {
	if s.Events != nil {
		s.Events.Emitf(format, args...)
	}
}
