package serverutil

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Worker is a background loop that runs until its context is cancelled.
// Returning a non-nil error stops every other member of the group.
type Worker func(ctx context.Context) error

// RunGroup runs every server and worker together and blocks until all have
// stopped. The first failure cancels the shared context so the remaining
// servers shut down gracefully; that failure is returned.
func RunGroup(ctx context.Context, servers []Config, workers ...Worker) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, cfg := range servers {
		cfg := cfg
		group.Go(func() error {
			return Run(groupCtx, cfg)
		})
	}
	for _, worker := range workers {
		if worker == nil {
			continue
		}
		worker := worker
		group.Go(func() error {
			return worker(groupCtx)
		})
	}
	return group.Wait()
}
