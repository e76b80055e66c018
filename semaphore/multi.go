package semaphore

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Releaser releases every semaphore a successful AcquireSemaphores call
// acquired. It is safe to call at most once; calling it twice is
// undefined, matching the "releaser is idempotent-safe to call once"
// contract.
type Releaser func()

// AcquireSemaphores acquires key on every registry in registries
// concurrently, then returns a Releaser that releases all of them.
//
// If any single acquisition fails (most commonly because ctx was
// cancelled while waiting), every acquisition that had already completed
// by that point is released before the error is returned — no partial
// acquisition is ever left held. Acquisitions still in flight when the
// failure is observed are allowed to finish and are released
// immediately rather than held.
func AcquireSemaphores(ctx context.Context, registries []*Registry, key string) (Releaser, error) {
	acquired := make([]bool, len(registries))

	g, gctx := errgroup.WithContext(ctx)
	for i, reg := range registries {
		i, reg := i, reg
		g.Go(func() error {
			if err := reg.Acquire(gctx, key); err != nil {
				return err
			}
			acquired[i] = true
			return nil
		})
	}

	err := g.Wait()
	if err != nil {
		// Release whatever completed before, or concurrently with, the
		// failure — including any acquisition that finished after the
		// failing goroutine returned but before errgroup unwound.
		for i, reg := range registries {
			if acquired[i] {
				reg.Release(key)
			}
		}
		return nil, err
	}

	return func() {
		for _, reg := range registries {
			reg.Release(key)
		}
	}, nil
}
