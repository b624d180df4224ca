package monitor

import (
	"context"
	"runtime/debug"

	"go.uber.org/zap"

	"printer-timelapse-backend/internal/metrics"
)

// Event is one unit of work for the consumer: a raw report payload, or a
// manual download request.
type Event struct {
	Payload []byte
	Manual  bool
}

// Handler processes events one at a time.
type Handler interface {
	HandleEvent(ctx context.Context, payload []byte)
	HandleManual(ctx context.Context)
}

// Queue serializes inbound events onto a single consumer goroutine. Submit
// never blocks the caller, which is usually the broker's network loop.
type Queue struct {
	events  chan Event
	handler Handler
	log     *zap.Logger
	done    chan struct{}
}

// NewQueue creates a queue holding up to size pending events.
func NewQueue(size int, h Handler, log *zap.Logger) *Queue {
	if size <= 0 {
		size = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{
		events:  make(chan Event, size),
		handler: h,
		log:     log,
		done:    make(chan struct{}),
	}
}

// Start launches the consumer. It stops when ctx is cancelled; pending
// events are discarded.
func (q *Queue) Start(ctx context.Context) {
	go func() {
		defer close(q.done)
		q.log.Debug("event consumer started")
		for {
			select {
			case ev := <-q.events:
				q.dispatch(ctx, ev)
			case <-ctx.Done():
				q.log.Debug("event consumer shutting down", zap.Int("pending", len(q.events)))
				return
			}
		}
	}()
}

// Done is closed once the consumer has exited.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Submit enqueues a report payload. It reports false if the queue was full
// and the payload was dropped.
func (q *Queue) Submit(payload []byte) bool {
	return q.submit(Event{Payload: payload})
}

// SubmitManual enqueues a manual download request.
func (q *Queue) SubmitManual() bool {
	return q.submit(Event{Manual: true})
}

func (q *Queue) submit(ev Event) bool {
	select {
	case q.events <- ev:
		return true
	default:
		metrics.EventsDropped.Inc()
		q.log.Warn("event queue full; dropping event", zap.Bool("manual", ev.Manual), zap.Int("capacity", cap(q.events)))
		return false
	}
}

func (q *Queue) dispatch(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("event handler panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()
	if ev.Manual {
		q.handler.HandleManual(ctx)
		return
	}
	q.handler.HandleEvent(ctx, ev.Payload)
}
