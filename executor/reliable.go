package executor

import (
	"context"
	"fmt"
	"time"

	"playbook-dispatcher/dispatcher"
	"playbook-dispatcher/metrics"

	"github.com/avast/retry-go/v5"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

type ReliableOptions struct {
	Name string
	// RatePerSecond caps executor launches; Burst allows short spikes.
	RatePerSecond float64
	Burst         int
	// Attempts per request inside the breaker. Only returned errors are
	// retried; an unsuccessful Result is final.
	Attempts uint
	// BreakerFailures consecutive failures open the breaker for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

func (o ReliableOptions) withDefaults() ReliableOptions {
	if o.Name == "" {
		o.Name = "executor"
	}
	if o.RatePerSecond <= 0 {
		o.RatePerSecond = 1
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
	if o.Attempts == 0 {
		o.Attempts = 3
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = 5
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = 30 * time.Second
	}
	return o
}

// Reliable wraps an Executor with a launch rate limit, a circuit breaker and
// retries with exponential backoff.
type Reliable struct {
	next     dispatcher.Executor
	cb       *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	attempts uint
}

func NewReliable(next dispatcher.Executor, opts ReliableOptions) *Reliable {
	opts = opts.withDefaults()
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("executor: circuit breaker state changed")
		},
	})
	metrics.CircuitBreakerState.WithLabelValues(opts.Name).Set(float64(gobreaker.StateClosed))
	return &Reliable{
		next:     next,
		cb:       cb,
		limiter:  rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst),
		attempts: opts.Attempts,
	}
}

func (r *Reliable) Execute(ctx context.Context, job dispatcher.Job) (*dispatcher.Result, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	out, err := r.cb.Execute(func() (interface{}, error) {
		var res *dispatcher.Result
		retrier := retry.New(
			retry.Context(ctx),
			retry.Attempts(r.attempts),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				log.Warn().Err(err).Uint("attempt", n).Str("requestId", job.RequestID).Msg("executor: attempt failed, retrying")
				return retry.BackOffDelay(n, err, config)
			}),
		)
		err := retrier.Do(func() error {
			var callErr error
			res, callErr = r.next.Execute(ctx, job)
			return callErr
		})
		return res, err
	})
	if err != nil {
		return nil, err
	}
	return out.(*dispatcher.Result), nil
}

// State exposes the breaker state for readiness reporting.
func (r *Reliable) State() gobreaker.State { return r.cb.State() }
