// Package transfer implements the per-connection protocol handler: it reads
// control lines, serves LIST and moves raw upload and download payloads
// between the socket and the shared store.
package transfer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/filesfer/events"
	"github.com/cyberinferno/filesfer/logger"
	"github.com/cyberinferno/filesfer/metrics"
	"github.com/cyberinferno/filesfer/protocol"
	"github.com/cyberinferno/filesfer/store"
)

// DefaultChunkSize is the payload buffer size used when Options.ChunkSize is unset.
const DefaultChunkSize = 8 * 1024

var (
	// ErrTransferIncomplete reports an upload that ended before the declared
	// byte count arrived, or was canceled.
	ErrTransferIncomplete = errors.New("transfer incomplete")

	// ErrSessionClosed is returned by Send after Close.
	ErrSessionClosed = errors.New("session closed")

	errLineTooLong = errors.New("control line too long")
)

// State is the protocol state of a session.
type State int32

const (
	StateIdle State = iota
	StateReceiving
	StateSending
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReceiving:
		return "receiving"
	case StateSending:
		return "sending"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options holds the collaborators shared by every session of a server.
type Options struct {
	Store     store.Store
	Events    events.Emitter
	Metrics   *metrics.Metrics
	Logger    logger.Logger
	ChunkSize int
}

// Session handles one client connection. Commands are processed strictly in
// order; a reply is always fully written before the next line is read.
type Session struct {
	id      uint64
	conn    net.Conn
	remote  string
	reader  *bufio.Reader
	store   store.Store
	events  events.Emitter
	metrics *metrics.Metrics
	logger  logger.Logger
	chunk   int

	state   atomic.Int32
	writeMu sync.Mutex

	mu     sync.Mutex
	upload *store.Upload
	closed bool
}

// NewSession wraps conn. The session does nothing until Handle is called.
//
// Parameters:
//   - id: Session ID assigned by the server
//   - conn: The accepted connection; the session owns it
//   - opts: Shared collaborators
//
// Returns:
//   - The Session
func NewSession(id uint64, conn net.Conn, opts Options) *Session {
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}

	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}

	remote := conn.RemoteAddr().String()
	return &Session{
		id:      id,
		conn:    conn,
		remote:  remote,
		reader:  bufio.NewReaderSize(conn, chunk),
		store:   opts.Store,
		events:  opts.Events,
		metrics: opts.Metrics,
		logger: log.With(
			logger.Field{Key: "conn_id", Value: id},
			logger.Field{Key: "remote", Value: remote},
		),
		chunk: chunk,
	}
}

// ID implements tcpserver.TCPServerSession.
func (s *Session) ID() uint64 {
	return s.id
}

// RemoteAddr implements tcpserver.TCPServerSession.
func (s *Session) RemoteAddr() string {
	return s.remote
}

// State returns the current protocol state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Send writes data to the connection in full.
func (s *Session) Send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return ErrSessionClosed
	}

	_, err := s.conn.Write(data)
	return err
}

// Close closes the connection, which unblocks a pending read or write in
// Handle, and deletes the partial file of an in-flight upload. It is
// idempotent and safe to call from any goroutine.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	upload := s.upload
	s.upload = nil
	s.mu.Unlock()

	err := s.conn.Close()
	if upload != nil {
		if abortErr := upload.Abort(); abortErr != nil {
			s.logger.Error("failed to delete partial upload",
				logger.Field{Key: "file", Value: upload.Name()},
				logger.Field{Key: "error", Value: abortErr})
		}
	}

	return err
}

// Handle reads and dispatches control lines until the peer disconnects, a
// transfer leaves the stream unusable or ctx is canceled.
func (s *Session) Handle(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		_ = s.Close()
	})
	defer stop()
	defer s.rollback()

	for ctx.Err() == nil {
		line, err := s.readLine()
		if err != nil {
			if errors.Is(err, errLineTooLong) {
				_ = s.reject(protocol.ReasonLineTooLong)
			}
			s.logger.Debug("connection read ended", logger.Field{Key: "error", Value: err})
			return
		}

		if err := s.dispatch(ctx, line); err != nil {
			s.logger.Debug("connection closed after command", logger.Field{Key: "error", Value: err})
			return
		}
	}
}

func (s *Session) dispatch(ctx context.Context, line string) error {
	cmd, err := protocol.ParseCommand(line)
	if err != nil {
		if errors.Is(err, protocol.ErrMalformed) {
			return s.reject(protocol.ReasonInvalidUploadInit)
		}

		s.emitf("Unknown command: %s", strings.TrimRight(line, "\r\n"))
		return s.reject(protocol.ReasonUnknownCommand)
	}

	s.logger.Debug("command received", logger.Field{Key: "command", Value: cmd.Kind.String()})

	switch cmd.Kind {
	case protocol.KindList:
		return s.handleList(ctx)
	case protocol.KindUploadInit:
		return s.handleUpload(ctx, cmd)
	case protocol.KindDownload:
		return s.handleDownload(ctx, cmd)
	default:
		return s.reject(protocol.ReasonUnknownCommand)
	}
}

func (s *Session) handleList(ctx context.Context) error {
	names, err := s.store.List(ctx)
	if err != nil {
		s.emitf("Error: %v", err)
		return s.reject(err.Error())
	}

	if err := s.Send(protocol.ListReply(names)); err != nil {
		return err
	}

	s.metrics.ListServed()
	s.emit("Sent file list")
	return nil
}

// readLine returns the next control line including its terminator. A final
// unterminated line before EOF is returned as a line.
func (s *Session) readLine() (string, error) {
	var buf []byte
	for {
		frag, err := s.reader.ReadSlice(protocol.Terminator)
		buf = append(buf, frag...)
		if len(buf) > protocol.MaxLineLength {
			return "", errLineTooLong
		}

		switch {
		case err == nil:
			return string(buf), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(buf) > 0:
			return string(buf), nil
		default:
			return "", err
		}
	}
}

func (s *Session) reject(reason string) error {
	s.metrics.CommandRejected(reason)
	return s.Send(protocol.Error(reason))
}

// setUpload records the in-flight upload so Close can abort it. It fails if
// the session is already closed.
func (s *Session) setUpload(u *store.Upload) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	s.upload = u
	return true
}

func (s *Session) takeUpload() *store.Upload {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.upload
	s.upload = nil
	return u
}

// rollback deletes the partial file of an upload still open when Handle exits.
func (s *Session) rollback() {
	if u := s.takeUpload(); u != nil {
		_ = u.Abort()
	}
	s.setState(StateIdle)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
}

func (s *Session) emit(msg string) {
	if s.events != nil {
		s.events.Emit(msg)
	}
}

func (s *Session) emitf(format string, args ...any) {
	if s.events != nil {
		s.events.Emitf(format, args...)
	}
}
