// Package events consumes the backend security-event feed and drives the
// automated response rule table.
package events

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/loanpilot/formgate/pkg/common"
	"github.com/loanpilot/formgate/pkg/infra/backend"
	"github.com/loanpilot/formgate/pkg/infra/prometheus"
)

// Handler receives each deduplicated event exactly once.
type Handler interface {
	Handle(ctx context.Context, event backend.SecurityEvent)
}

// Bus owns the subscription to the backend event feed. Events are
// deduplicated by id against a bounded recent-id set so a reconnecting feed
// replaying history cannot re-fire remedial actions. Independent events are
// handled concurrently; there is no cross-event ordering guarantee.
type Bus struct {
	subscriber  backend.EventSubscriber
	handler     Handler
	logger      *logrus.Logger
	minSeverity string
	concurrency int

	seen *lru.Cache[string, struct{}]
}

type BusOpts struct {
	// MinSeverity filters the subscription; defaults to "high".
	MinSeverity string
	// Concurrency bounds in-flight event handling; defaults to 8.
	Concurrency int
}

func NewBus(subscriber backend.EventSubscriber, handler Handler, logger *logrus.Logger, opts *BusOpts) (*Bus, error) {
	seen, err := lru.New[string, struct{}](common.ProcessedEventLimit)
	if err != nil {
		return nil, err
	}
	bus := &Bus{
		subscriber:  subscriber,
		handler:     handler,
		logger:      logger,
		minSeverity: "high",
		concurrency: 8,
		seen:        seen,
	}
	if opts != nil {
		if opts.MinSeverity != "" {
			bus.minSeverity = opts.MinSeverity
		}
		if opts.Concurrency > 0 {
			bus.concurrency = opts.Concurrency
		}
	}
	return bus, nil
}

// Run consumes the feed until the context is cancelled or the subscriber
// closes its channel. It blocks; run it on its own goroutine.
func (b *Bus) Run(ctx context.Context) error {
	ch, err := b.subscriber.Subscribe(ctx, b.minSeverity)
	if err != nil {
		return err
	}

	group := &errgroup.Group{}
	group.SetLimit(b.concurrency)

	for {
		select {
		case <-ctx.Done():
			waitErr := group.Wait()
			if waitErr != nil {
				return waitErr
			}
			return ctx.Err()
		case event, ok := <-ch:
			if !ok {
				return group.Wait()
			}
			b.dispatch(ctx, group, event)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, group *errgroup.Group, event backend.SecurityEvent) {
	if event.ID == "" {
		b.logger.WithField("type", event.Type).Warn("dropping security event without id")
		return
	}
	// The subscriber filters server-side; re-check locally in case the feed
	// misbehaves.
	if !backend.SeverityAtLeast(event.Severity, b.minSeverity) {
		return
	}
	if _, duplicate := b.seen.Get(event.ID); duplicate {
		return
	}
	b.seen.Add(event.ID, struct{}{})

	prometheus.EventsProcessed.WithLabelValues(event.Type, event.Severity).Inc()

	group.Go(func() error {
		b.handler.Handle(ctx, event)
		return nil
	})
}
