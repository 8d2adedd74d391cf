package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cyberinferno/filesfer/idgenerator"
	"github.com/cyberinferno/filesfer/logger"
	"github.com/cyberinferno/filesfer/safemap"
)

const (
	defaultQueueSize   = 256
	defaultSinkTimeout = 3 * time.Second
)

// Sink receives every event asynchronously, off the emitting goroutine.
type Sink interface {
	Name() string
	Publish(ctx context.Context, e Event) error
}

// FeedOptions configures NewFeed.
type FeedOptions struct {
	// Retention is the ring capacity; 0 selects DefaultRetention.
	Retention int

	// Logger receives every event at info level.
	Logger logger.Logger

	// Sinks are fed from a bounded queue by one dispatcher goroutine.
	Sinks []Sink

	// QueueSize bounds the sink queue; events are dropped when it is full.
	QueueSize int

	// SinkTimeout bounds a single Publish call.
	SinkTimeout time.Duration
}

// Feed is the event stream of one server. Emit never blocks on slow
// subscribers or sinks: both are fed through bounded buffers that drop
// events when full.
type Feed struct {
	ring        *Ring
	logger      logger.Logger
	subs        *safemap.SafeMap[uint64, chan Event]
	ids         *idgenerator.IdGenerator
	sinks       []Sink
	queue       chan Event
	sinkTimeout time.Duration
	now         func() time.Time

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewFeed creates a Feed and starts its sink dispatcher when sinks are given.
//
// Parameters:
//   - opts: Retention, logger and sinks
//
// Returns:
//   - The running Feed; call Close to stop the dispatcher
func NewFeed(opts FeedOptions) *Feed {
	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}

	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	sinkTimeout := opts.SinkTimeout
	if sinkTimeout <= 0 {
		sinkTimeout = defaultSinkTimeout
	}

	f := &Feed{
		ring:        NewRing(opts.Retention),
		logger:      log.With(logger.Field{Key: "component", Value: "events"}),
		subs:        safemap.NewSafeMap[uint64, chan Event](),
		ids:         idgenerator.NewIdGenerator(0),
		sinks:       opts.Sinks,
		sinkTimeout: sinkTimeout,
		now:         time.Now,
	}

	if len(f.sinks) > 0 {
		f.queue = make(chan Event, queueSize)
		f.wg.Add(1)
		go f.dispatch()
	}

	return f
}

// Emit records msg as a new event.
func (f *Feed) Emit(msg string) {
	e := Event{Time: f.now(), Message: msg}
	f.ring.Append(e)
	f.logger.Info(msg)

	f.mu.RLock()
	defer f.mu.RUnlock()

	f.subs.Range(func(_ uint64, ch chan Event) bool {
		select {
		case ch <- e:
		default:
		}

		return true
	})

	if f.queue != nil && !f.closed {
		select {
		case f.queue <- e:
		default:
			f.logger.Warn("event queue full, dropping event for sinks")
		}
	}
}

// Emitf formats and records a new event.
func (f *Feed) Emitf(format string, args ...any) {
	f.Emit(fmt.Sprintf(format, args...))
}

// Recent returns the retained events, oldest first.
func (f *Feed) Recent() []Event {
	return f.ring.Snapshot()
}

// Subscribe returns a channel receiving every event emitted from now on.
// Events are dropped for a subscriber whose buffer is full. The returned
// cancel function unsubscribes and closes the channel; it is idempotent.
//
// Parameters:
//   - buffer: Channel capacity
//
// Returns:
//   - The event channel
//   - A cancel function
func (f *Feed) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 0 {
		buffer = 0
	}

	id := f.ids.Next()
	ch := make(chan Event, buffer)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	f.subs.Store(id, ch)
	f.mu.Unlock()

	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs.LoadAndDelete(id); ok {
			close(sub)
		}
	}
}

// Close stops the sink dispatcher after it drains the queue and closes all
// subscriber channels. Emit remains usable afterwards for the ring and log.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}

	f.closed = true
	if f.queue != nil {
		close(f.queue)
	}

	for _, ch := range f.subs.Drain() {
		close(ch)
	}
	f.mu.Unlock()

	f.wg.Wait()
	return nil
}

func (f *Feed) dispatch() {
	defer f.wg.Done()

	for e := range f.queue {
		for _, sink := range f.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), f.sinkTimeout)
			if err := sink.Publish(ctx, e); err != nil {
				f.logger.Warn("event sink publish failed",
					logger.Field{Key: "sink", Value: sink.Name()},
					logger.Field{Key: "error", Value: err})
			}
			cancel()
		}
	}
}
