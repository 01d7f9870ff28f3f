package auth

import (
	"errors"

	"github.com/sony/gobreaker"

	"github.com/briefwire/accessgate/internal/observability"
)

// storeBreaker guards calls into a backing store with a circuit
// breaker so a dead store sheds load fast instead of making every
// request ride out the full retry schedule.
type storeBreaker struct {
	cb     *gobreaker.CircuitBreaker
	logger observability.Logger
}

func newStoreBreaker(name string, threshold uint32, cfg *FacadeConfig, logger observability.Logger) *storeBreaker {
	b := &storeBreaker{logger: logger}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    cfg.GetBreakerInterval(),
		Timeout:     cfg.GetBreakerCooldown(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= threshold && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			b.logger.Warn("store circuit breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
	})

	return b
}

// execute runs fn through the breaker. Deterministic outcomes
// (key rejections, missing subscriptions) are reported as success to
// the breaker: only infrastructure failures should trip it.
func (b *storeBreaker) execute(fn func() error, deterministic func(error) bool) error {
	var detErr error
	_, err := b.cb.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			if deterministic != nil && deterministic(err) {
				detErr = err
				return nil, nil
			}
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return ErrStoreUnavailable
		}
		return err
	}
	return detErr
}
