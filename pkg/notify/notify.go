// Package notify delivers login approval notifications off the request path.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Kind identifies a notification.
type Kind string

// Notification kinds.
const (
	KindApprovalNeeded Kind = "approval_needed"
	KindApproved       Kind = "approved"
	KindRejected       Kind = "rejected"
)

// Event describes a login request transition.
type Event struct {
	Kind           Kind
	RequestID      string
	UserID         string
	OrganizationID string
	IPAddress      string
	UserAgent      string
	Actor          string
	Reason         string
	At             time.Time
}

// Dispatcher accepts notifications without blocking the caller. Delivery
// failures never propagate back.
type Dispatcher interface {
	Dispatch(e Event)
}

// Sink performs the actual delivery.
type Sink interface {
	Deliver(ctx context.Context, e Event) error
}

// Noop discards every event.
type Noop struct{}

// Dispatch does nothing.
func (Noop) Dispatch(Event) {}

// LogSink writes events to the log.
type LogSink struct {
	Log logrus.FieldLogger
}

// Deliver logs the event.
func (s LogSink) Deliver(_ context.Context, e Event) error {
	s.Log.WithFields(logrus.Fields{
		"kind":            e.Kind,
		"request_id":      e.RequestID,
		"user_id":         e.UserID,
		"organization_id": e.OrganizationID,
		"ip_address":      e.IPAddress,
		"actor":           e.Actor,
	}).Info("Login notification")

	return nil
}

// Queue is an asynchronous Dispatcher with a bounded buffer. Events are
// dropped, with a warning, when the buffer is full.
type Queue struct {
	log    logrus.FieldLogger
	sink   Sink
	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	// OnDrop is called for every dropped event when set.
	OnDrop func(e Event)
}

// Compile-time interface checks.
var (
	_ Dispatcher = (*Queue)(nil)
	_ Dispatcher = Noop{}
)

// NewQueue creates a queue delivering to sink.
func NewQueue(log logrus.FieldLogger, sink Sink, size int) *Queue {
	if size <= 0 {
		size = 1
	}

	return &Queue{
		log:    log.WithField("component", "notify"),
		sink:   sink,
		events: make(chan Event, size),
		done:   make(chan struct{}),
	}
}

// Start launches the delivery worker.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)

	go func() {
		defer q.wg.Done()

		for {
			select {
			case e := <-q.events:
				q.deliver(ctx, e)
			case <-q.done:
				q.drain(ctx)

				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop delivers what is already queued and waits for the worker.
func (q *Queue) Stop() {
	q.once.Do(func() { close(q.done) })
	q.wg.Wait()
}

// Dispatch enqueues e, or drops it when the buffer is full.
func (q *Queue) Dispatch(e Event) {
	select {
	case <-q.done:
		return
	default:
	}

	select {
	case q.events <- e:
	default:
		q.log.WithField("kind", e.Kind).
			WithField("request_id", e.RequestID).
			Warn("Notification queue full, dropping event")

		if q.OnDrop != nil {
			q.OnDrop(e)
		}
	}
}

func (q *Queue) drain(ctx context.Context) {
	for {
		select {
		case e := <-q.events:
			q.deliver(ctx, e)
		default:
			return
		}
	}
}

func (q *Queue) deliver(ctx context.Context, e Event) {
	if err := q.sink.Deliver(ctx, e); err != nil {
		q.log.WithError(err).
			WithField("kind", e.Kind).
			WithField("request_id", e.RequestID).
			Warn("Failed to deliver notification")
	}
}
