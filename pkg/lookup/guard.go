// Package lookup wraps reads against collaborator data (catalog, identity)
// with a timeout, a circuit breaker and request collapsing.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"

	"github.com/angelmondragon/farmmarket-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/farmmarket-backend/pkg/errors"
	"github.com/angelmondragon/farmmarket-backend/pkg/logger"
)

const defaultTimeout = 2 * time.Second

// Func performs one lookup under the guard's deadline.
type Func func(ctx context.Context) (any, error)

// Guard bounds a single collaborator. The zero value is not usable.
type Guard struct {
	name    string
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker[any]
	group   singleflight.Group
}

// NewGuard builds a guard named after the collaborator it protects.
func NewGuard(name string, cfg config.LookupConfig, logg *logger.Logger) *Guard {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.BreakerHalfOpenN,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// a missing record is an answer, not an outage
		IsSuccessful: func(err error) bool {
			return err == nil || pkgerrors.IsCode(err, pkgerrors.CodeNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logg == nil {
				return
			}
			ctx := logg.WithFields(context.Background(), map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
			logg.Warn(ctx, "lookup breaker state changed")
		},
	}
	return &Guard{
		name:    name,
		timeout: timeout,
		breaker: gobreaker.NewCircuitBreaker[any](settings),
	}
}

// Name returns the collaborator name.
func (g *Guard) Name() string {
	return g.name
}

// State exposes the breaker state for health reporting.
func (g *Guard) State() gobreaker.State {
	return g.breaker.State()
}

// Do runs fn once per key among concurrent callers. The shared call runs on a
// context detached from any single caller and bounded by the guard timeout,
// so one caller giving up does not fail the others.
func (g *Guard) Do(ctx context.Context, key string, fn Func) (any, error) {
	ch := g.group.DoChan(key, func() (any, error) {
		return g.breaker.Execute(func() (any, error) {
			callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
			defer cancel()
			return fn(callCtx)
		})
	})

	select {
	case <-ctx.Done():
		return nil, g.translate(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, g.translate(res.Err)
		}
		return res.Val, nil
	}
}

func (g *Guard) translate(err error) error {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("%s lookup unavailable", g.name))
	case errors.Is(err, context.DeadlineExceeded):
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("%s lookup timed out", g.name))
	case errors.Is(err, context.Canceled):
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("%s lookup cancelled", g.name))
	}
	if pkgerrors.As(err) != nil {
		return err
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("%s lookup failed", g.name))
}
