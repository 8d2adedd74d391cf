package tcpserver

import "context"

// TCPServerSession is the interface that must be implemented by each connection
// session. The server creates a session per connection and runs Handle in a
// goroutine; the session is responsible for reading, processing, and optionally
// sending data until the connection ends or Close is called.
type TCPServerSession interface {
	// ID returns the session's unique identifier assigned by the server.
	//
	// Returns:
	//   - The session ID (uint64)
	ID() uint64

	// RemoteAddr returns the peer endpoint as text, used in events and logs.
	RemoteAddr() string

	// Handle runs the session's main loop until the peer disconnects, a
	// fatal error occurs or ctx is canceled. It must not panic on I/O errors.
	//
	// Parameters:
	//   - ctx: Canceled when the server stops
	Handle(ctx context.Context)

	// Close closes the session and releases resources, unblocking a pending
	// read in Handle. It must be safe to call multiple times and from a
	// goroutine other than the one running Handle.
	//
	// Returns:
	//   - An error if closing failed
	Close() error

	// Send writes data to the connection. Implementations should be safe for
	// concurrent use if multiple goroutines may call Send.
	//
	// Parameters:
	//   - data: The bytes to send
	//
	// Returns:
	//   - An error if the write failed
	Send(data []byte) error
}
