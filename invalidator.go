package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Invalidator is a registry of cache expiration triggers.
type Invalidator struct {
	sync.Mutex

	// SkipInterval defines minimal duration between two cache invalidations (flood protection).
	SkipInterval time.Duration

	// Callbacks contains a list of functions to call on invalidate.
	Callbacks []func(ctx context.Context) error

	lastRun time.Time
}

// Invalidate triggers cache expiration, all callbacks are called even if some fail.
func (i *Invalidator) Invalidate(ctx context.Context) error {
	i.Lock()
	defer i.Unlock()

	if len(i.Callbacks) == 0 {
		return ErrNothingToInvalidate
	}

	if i.SkipInterval == 0 {
		i.SkipInterval = 15 * time.Second
	}

	if time.Since(i.lastRun) < i.SkipInterval {
		return fmt.Errorf("%w at %s, %s did not pass",
			ErrAlreadyInvalidated, i.lastRun.String(), i.SkipInterval.String())
	}

	i.lastRun = time.Now()

	var errs []error

	for _, cb := range i.Callbacks {
		if err := cb(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Add appends a callback.
func (i *Invalidator) Add(cb func(ctx context.Context) error) {
	i.Lock()
	defer i.Unlock()

	i.Callbacks = append(i.Callbacks, cb)
}
