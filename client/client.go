// Package client provides a filesfer protocol client. It keeps one TCP
// connection open, reports connection state changes to a registered handler
// and runs LIST, upload and download exchanges one at a time.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cyberinferno/filesfer/protocol"
)

// ConnectionState represents the current state of the connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // Not connected
	Connecting                          // Dial in progress
	Connected                           // Ready for commands
	Closed                              // Client has been closed and cannot reconnect
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ConnectionStateEvent is passed to the handler registered with
// OnConnectionState.
type ConnectionStateEvent struct {
	State     ConnectionState // The new connection state
	Address   string          // The server address
	Timestamp time.Time       // When the state change occurred
	Error     error           // Non-nil if the change was caused by an error
}

// ConnectionStateHandler is called synchronously on every state change, after
// the client has released its locks.
type ConnectionStateHandler func(event ConnectionStateEvent)

var (
	// ErrNotConnected is returned by commands issued while disconnected.
	ErrNotConnected = errors.New("not connected")

	// ErrAlreadyConnected is returned by Connect while a connection is open.
	ErrAlreadyConnected = errors.New("already connected or connecting")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client is closed")

	// ErrUnexpectedReply is returned when the server answers with a line the
	// exchange does not allow. The connection is dropped.
	ErrUnexpectedReply = errors.New("unexpected reply")
)

// ServerError is an ERROR| reply from the server.
type ServerError struct {
	Reason string
}

// Error implements error.
func (e *ServerError) Error() string {
	return "server error: " + e.Reason
}

// Config holds client settings.
type Config struct {
	// Address is the "host:port" of the server.
	Address string
	// ConnectionTimeout bounds the dial.
	ConnectionTimeout time.Duration
	// ReadTimeout bounds every single read; 0 means no timeout.
	ReadTimeout time.Duration
	// WriteTimeout bounds every single write; 0 means no timeout.
	WriteTimeout time.Duration
	// ChunkSize is the payload copy buffer size.
	ChunkSize int
}

// DefaultConfig returns a Config with default values for the given address.
//
// Parameters:
//   - address: The "host:port" to connect to
//
// Returns:
//   - A Config with ConnectionTimeout 10s, ReadTimeout 30s, WriteTimeout 30s
//     and ChunkSize 8KiB
func DefaultConfig(address string) Config {
	return Config{
		Address:           address,
		ConnectionTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		ChunkSize:         8 * 1024,
	}
}

// Client talks to one filesfer server. Commands are serialized; it is safe
// for concurrent use.
type Client struct {
	config Config

	opMu sync.Mutex

	mu                sync.RWMutex
	state             ConnectionState
	conn              *deadlineConn
	reader            *bufio.Reader
	onConnectionState ConnectionStateHandler
	closed            bool
}

// New creates a client in Disconnected state; call Connect before issuing
// commands.
func New(config Config) *Client {
	if config.ChunkSize <= 0 {
		config.ChunkSize = 8 * 1024
	}

	return &Client{config: config, state: Disconnected}
}

// OnConnectionState registers the handler for connection state changes,
// replacing any previous one. Pass nil to clear it.
func (c *Client) OnConnectionState(handler ConnectionStateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectionState = handler
}

// Connect dials the configured address.
//
// Parameters:
//   - ctx: Cancels the dial
//
// Returns:
//   - nil on success; ErrClosed, ErrAlreadyConnected or the dial error
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == Connected || c.state == Connecting {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = Connecting
	c.mu.Unlock()
	c.emitConnectionState(Connecting, nil)

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.config.Address)
	if err != nil {
		c.setState(Disconnected, err)
		return err
	}

	dc := &deadlineConn{
		Conn:         conn,
		readTimeout:  c.config.ReadTimeout,
		writeTimeout: c.config.WriteTimeout,
		ctx:          context.Background(),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = dc
	c.reader = bufio.NewReaderSize(dc, c.config.ChunkSize)
	c.state = Connected
	c.mu.Unlock()

	c.emitConnectionState(Connected, nil)
	return nil
}

// Disconnect closes the connection. Connect may be called again afterwards.
func (c *Client) Disconnect() error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return nil
	}

	return c.drop(conn, nil)
}

// Close closes the connection for good. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.reader = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}

	c.setState(Closed, nil)
	return err
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected returns true if the client is in Connected state.
func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

// List returns the names of the files the server shares.
func (c *Client) List(ctx context.Context) ([]string, error) {
	var names []string
	err := c.do(ctx, func(conn io.Writer, r *bufio.Reader) error {
		if _, err := conn.Write(protocol.Line(protocol.TagList)); err != nil {
			return err
		}

		reply, err := readReply(r)
		if err != nil {
			return err
		}

		if reply.Tag != protocol.TagList {
			return unexpected(reply)
		}

		names = reply.Fields
		return nil
	})

	return names, err
}

// Upload stores size bytes read from r on the server under name.
//
// A ServerError before the payload leaves the connection usable. Any failure
// once the payload has started drops the connection, since the server can no
// longer tell where the payload ends.
//
// Parameters:
//   - ctx: Cancels the exchange; cancellation drops the connection
//   - name: File name on the server
//   - r: Payload source; must yield at least size bytes
//   - size: Declared payload length
//
// Returns:
//   - nil once the server replied UPLOAD_COMPLETE
func (c *Client) Upload(ctx context.Context, name string, r io.Reader, size int64) error {
	if size < 0 {
		return fmt.Errorf("negative upload size %d", size)
	}

	if name == "" || strings.ContainsAny(name, protocol.Separator+"\r\n") {
		return protocol.ErrInvalidName
	}

	return c.do(ctx, func(conn io.Writer, br *bufio.Reader) error {
		if _, err := conn.Write(protocol.UploadInit(name, size)); err != nil {
			return err
		}

		reply, err := readReply(br)
		if err != nil {
			return err
		}

		if reply.Tag != protocol.TagUploadAck {
			return unexpected(reply)
		}

		n, err := io.CopyBuffer(conn, io.LimitReader(r, size), make([]byte, c.config.ChunkSize))
		if err != nil {
			return &payloadError{err: err}
		}
		if n < size {
			return &payloadError{err: fmt.Errorf("source ended after %d of %d bytes: %w", n, size, io.ErrUnexpectedEOF)}
		}

		reply, err = readReply(br)
		if err != nil {
			return &payloadError{err: err}
		}

		if reply.Tag != protocol.TagUploadComplete {
			return &payloadError{err: unexpected(reply)}
		}

		return nil
	})
}

// Download writes the named server file to w.
//
// Parameters:
//   - ctx: Cancels the exchange; cancellation drops the connection
//   - name: File name on the server
//   - w: Payload destination
//
// Returns:
//   - The number of bytes written to w
//   - A *ServerError such as "File not found", or a transport error
func (c *Client) Download(ctx context.Context, name string, w io.Writer) (int64, error) {
	if name == "" || strings.ContainsAny(name, "\r\n") {
		return 0, protocol.ErrInvalidName
	}

	var written int64
	err := c.do(ctx, func(conn io.Writer, br *bufio.Reader) error {
		if _, err := conn.Write(protocol.Download(name)); err != nil {
			return err
		}

		reply, err := readReply(br)
		if err != nil {
			return err
		}

		if reply.Tag != protocol.TagDownloadStart || len(reply.Fields) != 1 {
			return unexpected(reply)
		}

		size, err := strconv.ParseInt(reply.Fields[0], 10, 64)
		if err != nil || size < 0 {
			return unexpected(reply)
		}

		written, err = io.CopyBuffer(w, io.LimitReader(br, size), make([]byte, c.config.ChunkSize))
		if err != nil {
			return &payloadError{err: err}
		}
		if written < size {
			return &payloadError{err: fmt.Errorf("received %d of %d bytes: %w", written, size, io.ErrUnexpectedEOF)}
		}

		reply, err = readReply(br)
		if err != nil {
			return &payloadError{err: err}
		}

		if reply.Tag != protocol.TagDownloadDone {
			return &payloadError{err: unexpected(reply)}
		}

		return nil
	})

	return written, err
}

// do runs one exchange on the current connection. Errors other than a
// ServerError received before any payload moved drop the connection.
func (c *Client) do(ctx context.Context, exchange func(conn io.Writer, r *bufio.Reader) error) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.RLock()
	conn, reader, closed := c.conn, c.reader, c.closed
	c.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	conn.ctx = ctx
	stop := context.AfterFunc(ctx, func() {
		_ = c.drop(conn, ctx.Err())
	})

	err := exchange(conn, reader)
	stop()
	conn.ctx = context.Background()

	if err == nil {
		return nil
	}

	var serverErr *ServerError
	var payloadErr *payloadError
	if errors.As(err, &serverErr) && !errors.As(err, &payloadErr) {
		return err
	}

	_ = c.drop(conn, err)
	if ctxErr := contextError(ctx); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}

	return err
}

// contextError reports ctx as expired as soon as its deadline has passed,
// even if the connection deadline fired before the context's own timer.
func contextError(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
		return context.DeadlineExceeded
	}

	return nil
}

// drop closes conn if it is still the current connection.
func (c *Client) drop(conn *deadlineConn, cause error) error {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return nil
	}
	c.conn = nil
	c.reader = nil
	c.mu.Unlock()

	err := conn.Close()
	c.setState(Disconnected, cause)
	return err
}

func (c *Client) setState(state ConnectionState, err error) {
	c.mu.Lock()
	if c.closed && state != Closed {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()

	c.emitConnectionState(state, err)
}

func (c *Client) emitConnectionState(state ConnectionState, err error) {
	c.mu.RLock()
	handler := c.onConnectionState
	c.mu.RUnlock()

	if handler != nil {
		handler(ConnectionStateEvent{
			State:     state,
			Address:   c.config.Address,
			Timestamp: time.Now(),
			Error:     err,
		})
	}
}

func readReply(r *bufio.Reader) (protocol.Reply, error) {
	line, err := r.ReadString(protocol.Terminator)
	if err != nil {
		return protocol.Reply{}, err
	}

	reply := protocol.ParseReply(line)
	if reply.IsError() {
		return reply, &ServerError{Reason: reply.Reason()}
	}

	return reply, nil
}

func unexpected(reply protocol.Reply) error {
	return fmt.Errorf("%w: %s", ErrUnexpectedReply, strings.Join(append([]string{reply.Tag}, reply.Fields...), protocol.Separator))
}

// payloadError marks a failure after payload bytes started moving.
type payloadError struct {
	err error
}

func (e *payloadError) Error() string { return e.err.Error() }
func (e *payloadError) Unwrap() error { return e.err }

// deadlineConn applies the per-operation timeouts and the deadline of the
// running exchange's context to every read and write.
type deadlineConn struct {
	net.Conn
	ctx          context.Context
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (d *deadlineConn) Read(p []byte) (int, error) {
	if err := d.Conn.SetReadDeadline(deadline(d.ctx, d.readTimeout)); err != nil {
		return 0, err
	}
	return d.Conn.Read(p)
}

func (d *deadlineConn) Write(p []byte) (int, error) {
	if err := d.Conn.SetWriteDeadline(deadline(d.ctx, d.writeTimeout)); err != nil {
		return 0, err
	}
	return d.Conn.Write(p)
}

func deadline(ctx context.Context, timeout time.Duration) time.Time {
	var d time.Time
	if timeout > 0 {
		d = time.Now().Add(timeout)
	}

	if ctxDeadline, ok := ctx.Deadline(); ok && (d.IsZero() || ctxDeadline.Before(d)) {
		d = ctxDeadline
	}

	return d
}
