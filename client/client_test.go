package client

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cyberinferno/filesfer/protocol"
	"github.com/cyberinferno/filesfer/server"
	"github.com/cyberinferno/filesfer/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) (*server.Supervisor, *store.DiskStore) {
	t.Helper()
	st, err := store.NewDiskStore(filepath.Join(t.TempDir(), "shared"), store.Options{})
	require.NoError(t, err)

	s, err := server.New(server.Options{Store: st, Host: "127.0.0.1", ShutdownTimeout: 2 * time.Second})
	require.NoError(t, err)
	require.NoError(t, s.Start(0))
	t.Cleanup(func() { _ = s.Close() })
	return s, st
}

func newClient(t *testing.T, addr string) *Client {
	t.Helper()
	cfg := DefaultConfig(addr)
	cfg.ReadTimeout = 5 * time.Second
	cfg.WriteTimeout = 5 * time.Second
	c := New(cfg)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// silentServer accepts connections and answers every line with reply, or
// never answers when reply is empty.
func silentServer(t *testing.T, reply string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer func() { _ = conn.Close() }()
				r := bufio.NewReader(conn)
				for {
					if _, err := r.ReadString('\n'); err != nil {
						return
					}
					if reply != "" {
						_, _ = conn.Write([]byte(reply))
					}
				}
			}()
		}
	}()

	return ln.Addr().String()
}

type stateRecorder struct {
	mu     sync.Mutex
	states []ConnectionState
}

func (r *stateRecorder) handle(e ConnectionStateEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, e.State)
}

func (r *stateRecorder) all() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionState(nil), r.states...)
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "Disconnected", Disconnected.String())
	assert.Equal(t, "Connecting", Connecting.String())
	assert.Equal(t, "Connected", Connected.String())
	assert.Equal(t, "Closed", Closed.String())
	assert.Equal(t, "Unknown", ConnectionState(42).String())
}

func TestClient_Lifecycle(t *testing.T) {
	t.Run("connect and close report state changes", func(t *testing.T) {
		s, _ := startServer(t)
		c := newClient(t, s.Addr().String())
		rec := &stateRecorder{}
		c.OnConnectionState(rec.handle)

		assert.Equal(t, Disconnected, c.State())
		require.NoError(t, c.Connect(context.Background()))
		assert.True(t, c.IsConnected())
		assert.ErrorIs(t, c.Connect(context.Background()), ErrAlreadyConnected)

		require.NoError(t, c.Close())
		require.NoError(t, c.Close())
		assert.Equal(t, Closed, c.State())
		assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)

		assert.Equal(t, []ConnectionState{Connecting, Connected, Closed}, rec.all())
	})

	t.Run("commands need a connection", func(t *testing.T) {
		c := newClient(t, "127.0.0.1:1")
		_, err := c.List(context.Background())
		assert.ErrorIs(t, err, ErrNotConnected)

		require.NoError(t, c.Close())
		_, err = c.List(context.Background())
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("dial failure", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		require.NoError(t, ln.Close())

		c := newClient(t, addr)
		assert.Error(t, c.Connect(context.Background()))
		assert.Equal(t, Disconnected, c.State())
	})

	t.Run("disconnect then reconnect", func(t *testing.T) {
		s, _ := startServer(t)
		c := newClient(t, s.Addr().String())
		require.NoError(t, c.Connect(context.Background()))
		require.NoError(t, c.Disconnect())
		assert.Equal(t, Disconnected, c.State())

		require.NoError(t, c.Connect(context.Background()))
		names, err := c.List(context.Background())
		require.NoError(t, err)
		assert.Empty(t, names)
	})
}

func TestClient_Transfers(t *testing.T) {
	s, _ := startServer(t)
	c := newClient(t, s.Addr().String())
	require.NoError(t, c.Connect(context.Background()))
	ctx := context.Background()

	t.Run("empty list", func(t *testing.T) {
		names, err := c.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, names)
	})

	t.Run("upload then download", func(t *testing.T) {
		payload := make([]byte, 200*1024+7)
		_, err := rand.Read(payload)
		require.NoError(t, err)

		require.NoError(t, c.Upload(ctx, "blob.bin", bytes.NewReader(payload), int64(len(payload))))

		var got bytes.Buffer
		n, err := c.Download(ctx, "blob.bin", &got)
		require.NoError(t, err)
		assert.Equal(t, int64(len(payload)), n)
		assert.Equal(t, payload, got.Bytes())
	})

	t.Run("zero byte file", func(t *testing.T) {
		require.NoError(t, c.Upload(ctx, "empty.txt", strings.NewReader(""), 0))

		var got bytes.Buffer
		n, err := c.Download(ctx, "empty.txt", &got)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("list is sorted", func(t *testing.T) {
		require.NoError(t, c.Upload(ctx, "a.txt", strings.NewReader("a"), 1))
		names, err := c.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a.txt", "blob.bin", "empty.txt"}, names)
	})

	t.Run("missing file is a server error and keeps the connection", func(t *testing.T) {
		_, err := c.Download(ctx, "missing.txt", &bytes.Buffer{})
		var serverErr *ServerError
		require.True(t, errors.As(err, &serverErr))
		assert.Equal(t, protocol.ReasonFileNotFound, serverErr.Reason)
		assert.True(t, c.IsConnected())

		_, err = c.List(ctx)
		assert.NoError(t, err)
	})

	t.Run("invalid name rejected by server", func(t *testing.T) {
		err := c.Upload(ctx, "..", strings.NewReader("x"), 1)
		var serverErr *ServerError
		require.True(t, errors.As(err, &serverErr))
		assert.Equal(t, protocol.ReasonInvalidFileName, serverErr.Reason)
		assert.True(t, c.IsConnected())
	})

	t.Run("names that break the line format are refused locally", func(t *testing.T) {
		assert.ErrorIs(t, c.Upload(ctx, "a|b", strings.NewReader("x"), 1), protocol.ErrInvalidName)
		assert.ErrorIs(t, c.Upload(ctx, "", strings.NewReader("x"), 1), protocol.ErrInvalidName)
		_, err := c.Download(ctx, "a\nb", &bytes.Buffer{})
		assert.ErrorIs(t, err, protocol.ErrInvalidName)
		assert.Error(t, c.Upload(ctx, "neg.txt", strings.NewReader(""), -1))
		assert.True(t, c.IsConnected())
	})
}

func TestClient_ShortSource(t *testing.T) {
	s, st := startServer(t)
	c := newClient(t, s.Addr().String())
	require.NoError(t, c.Connect(context.Background()))

	err := c.Upload(context.Background(), "short.txt", strings.NewReader("abc"), 10)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, Disconnected, c.State())

	assert.Eventually(t, func() bool { return len(st.InFlight()) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, st.Exists("short.txt"))
}

func TestClient_Timeouts(t *testing.T) {
	t.Run("context deadline drops the connection", func(t *testing.T) {
		c := newClient(t, silentServer(t, ""))
		require.NoError(t, c.Connect(context.Background()))

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		_, err := c.List(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, Disconnected, c.State())
	})

	t.Run("canceled context is refused up front", func(t *testing.T) {
		c := newClient(t, silentServer(t, ""))
		require.NoError(t, c.Connect(context.Background()))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := c.List(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.True(t, c.IsConnected())
	})

	t.Run("read timeout", func(t *testing.T) {
		cfg := DefaultConfig(silentServer(t, ""))
		cfg.ReadTimeout = 50 * time.Millisecond
		c := New(cfg)
		defer func() { _ = c.Close() }()
		require.NoError(t, c.Connect(context.Background()))

		_, err := c.List(context.Background())
		var netErr net.Error
		require.True(t, errors.As(err, &netErr))
		assert.True(t, netErr.Timeout())
		assert.Equal(t, Disconnected, c.State())
	})

	t.Run("unexpected reply", func(t *testing.T) {
		c := newClient(t, silentServer(t, "HELLO\n"))
		require.NoError(t, c.Connect(context.Background()))

		_, err := c.List(context.Background())
		assert.ErrorIs(t, err, ErrUnexpectedReply)
		assert.Equal(t, Disconnected, c.State())
	})
}

func TestClient_ConcurrentCommands(t *testing.T) {
	s, _ := startServer(t)
	c := newClient(t, s.Addr().String())
	require.NoError(t, c.Connect(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.List(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}
