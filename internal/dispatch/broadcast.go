package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

const DefaultConcurrency = 16

// Broadcaster runs per-target deliveries in the background with a cap on
// how many are in flight. The caller returns immediately.
type Broadcaster struct {
	limit  int
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewBroadcaster(limit int, logger *slog.Logger) *Broadcaster {
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{limit: limit, logger: logger}
}

// Go schedules fn for every target. ctx values are kept but its
// cancellation is not: the triggering request usually ends first.
func (b *Broadcaster) Go(ctx context.Context, name string, targets []string, fn func(ctx context.Context, target string) error) {
	if len(targets) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		var g errgroup.Group
		g.SetLimit(b.limit)
		for _, target := range targets {
			target := target
			g.Go(func() error {
				if err := fn(ctx, target); err != nil {
					b.logger.Warn("broadcast delivery failed", "broadcast", name, "target", target, "error", err)
				}
				return nil
			})
		}
		_ = g.Wait()
	}()
}

// Wait blocks until every scheduled broadcast has finished.
func (b *Broadcaster) Wait() { b.wg.Wait() }
