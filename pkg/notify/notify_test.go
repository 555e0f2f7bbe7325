package notify_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/keygate/pkg/notify"
)

type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
	block  chan struct{}
	err    error
}

func (s *recordingSink) Deliver(_ context.Context, e notify.Event) error {
	if s.block != nil {
		<-s.block
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, e)

	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.events)
}

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func TestQueue_DeliversInOrder(t *testing.T) {
	sink := &recordingSink{}
	q := notify.NewQueue(quietLogger(), sink, 8)
	q.Start(context.Background())

	q.Dispatch(notify.Event{Kind: notify.KindApprovalNeeded, RequestID: "r1"})
	q.Dispatch(notify.Event{Kind: notify.KindApproved, RequestID: "r1"})

	q.Stop()

	require.Equal(t, 2, sink.count())
	assert.Equal(t, notify.KindApprovalNeeded, sink.events[0].Kind)
	assert.Equal(t, notify.KindApproved, sink.events[1].Kind)

	// Dispatch after stop is ignored.
	q.Dispatch(notify.Event{Kind: notify.KindRejected})
	assert.Equal(t, 2, sink.count())
}

func TestQueue_DropsWhenFullWithoutBlocking(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	q := notify.NewQueue(quietLogger(), sink, 1)

	var dropped int

	q.OnDrop = func(notify.Event) { dropped++ }

	// Without a running worker the buffer holds exactly one event.
	start := time.Now()

	for range 5 {
		q.Dispatch(notify.Event{Kind: notify.KindApprovalNeeded})
	}

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 4, dropped)

	q.Start(context.Background())
	close(sink.block)
	q.Stop()

	assert.Equal(t, 1, sink.count())
}

func TestQueue_SinkErrorsAreSwallowed(t *testing.T) {
	sink := &recordingSink{err: errors.New("smtp down")}
	q := notify.NewQueue(quietLogger(), sink, 4)
	q.Start(context.Background())

	q.Dispatch(notify.Event{Kind: notify.KindRejected, RequestID: "r2"})
	q.Stop()

	assert.Equal(t, 1, sink.count())
}
