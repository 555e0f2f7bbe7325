package service

import (
	"context"
	"sync"
	"time"

	"github.com/ethpandaops/keygate/pkg/metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SweepResult counts the rows one sweep expired.
type SweepResult struct {
	LoginRequests int64 `json:"login_requests"`
	Keys          int64 `json:"keys"`
}

// Sweep expires overdue pending login requests and overdue keys.
func (s *Service) Sweep(ctx context.Context) (*SweepResult, error) {
	var res SweepResult

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		n, err := s.gate.Sweep(gctx)
		res.LoginRequests = n

		return err
	})

	g.Go(func() error {
		n, err := s.keys.ExpireDue(gctx)
		res.Keys = n

		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	metrics.RecordSwept("login_requests", res.LoginRequests)
	metrics.RecordSwept("gaming_keys", res.Keys)

	return &res, nil
}

// Sweeper runs Sweep on a fixed interval.
type Sweeper struct {
	log      logrus.FieldLogger
	svc      *Service
	interval time.Duration
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSweeper creates a sweeper; call Start to launch it.
func NewSweeper(log logrus.FieldLogger, svc *Service, interval time.Duration) *Sweeper {
	return &Sweeper{
		log:      log.WithField("component", "sweeper"),
		svc:      svc,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the background loop.
func (w *Sweeper) Start(ctx context.Context) {
	w.wg.Add(1)

	go func() {
		defer w.wg.Done()

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		w.log.WithField("interval", w.interval).Info("Expiry sweeper started")

		for {
			select {
			case <-ticker.C:
				w.runOnce(ctx)
			case <-w.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop signals the loop to exit and waits for it. It is safe to call
// more than once.
func (w *Sweeper) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}

func (w *Sweeper) runOnce(ctx context.Context) {
	res, err := w.svc.Sweep(ctx)
	if err != nil {
		w.log.WithError(err).Warn("Expiry sweep failed")

		return
	}

	if res.LoginRequests > 0 || res.Keys > 0 {
		w.log.WithFields(logrus.Fields{
			"login_requests": res.LoginRequests,
			"keys":           res.Keys,
		}).Info("Expired overdue records")
	}
}
