// Package calllog persists audit rows off the request path. Rows enter
// a bounded queue and a single drain goroutine writes them; the request
// path never blocks on the store, and a full queue drops rows rather
// than stalling a response.
package calllog

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ultralight-ai/mcp-host/internal/store"
)

const (
	defaultQueueSize = 1024
	writeTimeout     = 10 * time.Second
)

// Sink is the slice of the repository the logger writes into.
type Sink interface {
	InsertToolCall(ctx context.Context, row *store.ToolCall) error
}

// Options tune the queue and its instrumentation.
type Options struct {
	// QueueSize bounds pending rows. Non-positive means the default.
	QueueSize int

	// QueueDepth, when set, tracks queue occupancy.
	QueueDepth prometheus.Gauge

	// Dropped, when set, counts rows lost to a full queue.
	Dropped prometheus.Counter
}

// Logger is the asynchronous call logger.
type Logger struct {
	sink Sink
	log  *zap.Logger
	opts Options

	ch   chan *store.ToolCall
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

func New(sink Sink, log *zap.Logger, opts Options) *Logger {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	l := &Logger{
		sink: sink,
		log:  log,
		opts: opts,
		ch:   make(chan *store.ToolCall, opts.QueueSize),
		done: make(chan struct{}),
	}
	go l.drain()
	return l
}

// Record enqueues one audit row. It never blocks: when the queue is
// full the row is dropped and counted.
func (l *Logger) Record(row *store.ToolCall) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}

	select {
	case l.ch <- row:
		if l.opts.QueueDepth != nil {
			l.opts.QueueDepth.Inc()
		}
	default:
		if l.opts.Dropped != nil {
			l.opts.Dropped.Inc()
		}
		l.log.Warn("call log queue full, row dropped",
			zap.String("user_id", row.UserID),
			zap.String("app_id", row.AppID),
			zap.String("function", row.FunctionName))
	}
}

// Close stops accepting rows and blocks until the queue is drained.
func (l *Logger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	close(l.ch)
	l.mu.Unlock()

	<-l.done
}

func (l *Logger) drain() {
	defer close(l.done)

	for row := range l.ch {
		if l.opts.QueueDepth != nil {
			l.opts.QueueDepth.Dec()
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := l.sink.InsertToolCall(ctx, row); err != nil {
			l.log.Warn("call log write failed",
				zap.String("user_id", row.UserID),
				zap.String("app_id", row.AppID),
				zap.Error(err))
		}
		cancel()
	}
}
