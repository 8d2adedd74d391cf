package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventString(t *testing.T) {
	e := Event{Time: time.Date(2026, 3, 4, 9, 5, 7, 0, time.UTC), Message: "Server stopped"}
	assert.Equal(t, "09:05:07 - Server stopped", e.String())
}

func TestRing(t *testing.T) {
	t.Run("keeps insertion order below capacity", func(t *testing.T) {
		r := NewRing(3)
		r.Append(Event{Message: "a"})
		r.Append(Event{Message: "b"})

		assert.Equal(t, []string{"a", "b"}, messages(r.Snapshot()))
		assert.Equal(t, 2, r.Len())
		assert.Equal(t, 3, r.Cap())
	})

	t.Run("evicts oldest when full", func(t *testing.T) {
		r := NewRing(3)
		for _, m := range []string{"a", "b", "c", "d", "e"} {
			r.Append(Event{Message: m})
		}

		assert.Equal(t, []string{"c", "d", "e"}, messages(r.Snapshot()))
		assert.Equal(t, 3, r.Len())
	})

	t.Run("non-positive capacity uses default", func(t *testing.T) {
		assert.Equal(t, DefaultRetention, NewRing(0).Cap())
		assert.Equal(t, DefaultRetention, NewRing(-1).Cap())
	})

	t.Run("retains exactly fifty by default", func(t *testing.T) {
		r := NewRing(0)
		for i := 0; i < 120; i++ {
			r.Append(Event{Message: fmt.Sprint(i)})
		}

		got := r.Snapshot()
		require.Len(t, got, DefaultRetention)
		assert.Equal(t, "70", got[0].Message)
		assert.Equal(t, "119", got[len(got)-1].Message)
	})

	t.Run("snapshot is a copy", func(t *testing.T) {
		r := NewRing(2)
		r.Append(Event{Message: "a"})
		snap := r.Snapshot()
		snap[0].Message = "changed"

		assert.Equal(t, "a", r.Snapshot()[0].Message)
	})
}

func TestFeed(t *testing.T) {
	t.Run("recent returns emitted events", func(t *testing.T) {
		f := NewFeed(FeedOptions{Retention: 2})
		defer func() { _ = f.Close() }()

		f.Emit("one")
		f.Emitf("Server started on port %d", 5000)
		f.Emit("three")

		assert.Equal(t, []string{"Server started on port 5000", "three"}, messages(f.Recent()))
	})

	t.Run("subscribers receive events", func(t *testing.T) {
		f := NewFeed(FeedOptions{})
		defer func() { _ = f.Close() }()

		ch, cancel := f.Subscribe(4)
		defer cancel()

		f.Emit("Client connected: 127.0.0.1:1")
		select {
		case e := <-ch:
			assert.Equal(t, "Client connected: 127.0.0.1:1", e.Message)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	})

	t.Run("full subscriber does not block emit", func(t *testing.T) {
		f := NewFeed(FeedOptions{})
		defer func() { _ = f.Close() }()

		ch, cancel := f.Subscribe(1)
		defer cancel()

		for i := 0; i < 10; i++ {
			f.Emitf("event %d", i)
		}

		assert.Len(t, ch, 1)
		assert.Equal(t, "event 0", (<-ch).Message)
	})

	t.Run("cancel closes channel and is idempotent", func(t *testing.T) {
		f := NewFeed(FeedOptions{})
		defer func() { _ = f.Close() }()

		ch, cancel := f.Subscribe(1)
		cancel()
		cancel()

		_, ok := <-ch
		assert.False(t, ok)
		f.Emit("after cancel")
	})

	t.Run("close closes subscribers and later subscriptions", func(t *testing.T) {
		f := NewFeed(FeedOptions{})
		ch, cancel := f.Subscribe(1)

		require.NoError(t, f.Close())
		require.NoError(t, f.Close())
		cancel()

		_, ok := <-ch
		assert.False(t, ok)

		late, _ := f.Subscribe(1)
		_, ok = <-late
		assert.False(t, ok)

		f.Emit("still recorded")
		assert.Equal(t, []string{"still recorded"}, messages(f.Recent()))
	})

	t.Run("sinks receive events in order", func(t *testing.T) {
		sink := &recordingSink{}
		f := NewFeed(FeedOptions{Sinks: []Sink{sink}})

		f.Emit("a")
		f.Emit("b")
		require.NoError(t, f.Close())

		assert.Equal(t, []string{"a", "b"}, sink.messages())
	})

	t.Run("failing sink does not stop dispatch", func(t *testing.T) {
		failing := &recordingSink{err: errors.New("down")}
		ok := &recordingSink{}
		f := NewFeed(FeedOptions{Sinks: []Sink{failing, ok}})

		f.Emit("a")
		require.NoError(t, f.Close())

		assert.Equal(t, []string{"a"}, failing.messages())
		assert.Equal(t, []string{"a"}, ok.messages())
	})

	t.Run("concurrent emit and subscribe", func(t *testing.T) {
		f := NewFeed(FeedOptions{Sinks: []Sink{&recordingSink{}}})
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				_, cancel := f.Subscribe(2)
				for j := 0; j < 50; j++ {
					f.Emitf("%d-%d", n, j)
				}
				cancel()
			}(i)
		}
		wg.Wait()
		require.NoError(t, f.Close())

		assert.Len(t, f.Recent(), DefaultRetention)
	})
}

func TestDiscordSink(t *testing.T) {
	t.Run("posts event as content", func(t *testing.T) {
		var received struct {
			Content string `json:"content"`
		}
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
			w.WriteHeader(http.StatusNoContent)
		}))
		defer server.Close()

		sink := NewDiscordSink(server.URL, server.Client())
		e := Event{Time: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), Message: `File sent: "a".txt`}

		require.NoError(t, sink.Publish(context.Background(), e))
		assert.Equal(t, `12:00:00 - File sent: "a".txt`, received.Content)
		assert.Equal(t, "discord", sink.Name())
	})

	t.Run("error status is reported", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer server.Close()

		err := NewDiscordSink(server.URL, nil).Publish(context.Background(), Event{Message: "x"})
		assert.Error(t, err)
	})
}

func TestRedisSink(t *testing.T) {
	t.Run("unreachable server returns error", func(t *testing.T) {
		client := redis.NewClient(&redis.Options{
			Addr:        "127.0.0.1:1",
			DialTimeout: 200 * time.Millisecond,
			MaxRetries:  -1,
		})
		defer func() { _ = client.Close() }()

		sink := NewRedisSink(client, "filesfer:events", "", 0)
		err := sink.Publish(context.Background(), Event{Message: "x"})
		assert.Error(t, err)
		assert.Equal(t, "redis", sink.Name())
	})

	t.Run("pushes and trims list", func(t *testing.T) {
		addr := os.Getenv("FILESFER_TEST_REDIS_ADDR")
		if addr == "" {
			t.Skip("FILESFER_TEST_REDIS_ADDR not set")
		}

		client := redis.NewClient(&redis.Options{Addr: addr})
		defer func() { _ = client.Close() }()

		ctx := context.Background()
		key := fmt.Sprintf("filesfer:test:%d", time.Now().UnixNano())
		defer client.Del(ctx, key)

		sink := NewRedisSink(client, key, key+":live", 2)
		for _, m := range []string{"a", "b", "c"} {
			require.NoError(t, sink.Publish(ctx, Event{Time: time.Now(), Message: m}))
		}

		items, err := client.LRange(ctx, key, 0, -1).Result()
		require.NoError(t, err)
		require.Len(t, items, 2)

		var newest wireEvent
		require.NoError(t, json.Unmarshal([]byte(items[0]), &newest))
		assert.Equal(t, "c", newest.Message)
	})
}

type recordingSink struct {
	mu  sync.Mutex
	got []string
	err error
}

func (s *recordingSink) Name() string {
	return "recording"
}

func (s *recordingSink) Publish(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, e.Message)
	return s.err
}

func (s *recordingSink) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.got...)
}

func messages(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Message
	}
	return out
}
