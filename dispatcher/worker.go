package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"playbook-dispatcher/metrics"

	"github.com/rs/zerolog/log"
)

// Start launches the worker loop. Every tick dispatches as many queued requests
// as free capacity allows, each on its own goroutine, so up to MaxConcurrent
// executor calls run in parallel. Executions inherit ctx values but not its
// cancellation: a running request always runs to completion.
func (q *Queue) Start(ctx context.Context, exec Executor, notifier Notifier) error {
	if exec == nil {
		return errors.New("dispatcher: executor is required")
	}
	q.lifeMu.Lock()
	defer q.lifeMu.Unlock()
	if q.loopDone != nil {
		return ErrAlreadyStarted
	}
	loopCtx, cancel := context.WithCancel(ctx)
	q.stopLoop = cancel
	q.loopDone = make(chan struct{})
	q.active.Store(true)
	go q.loop(loopCtx, context.WithoutCancel(ctx), exec, notifier, q.loopDone)
	log.Info().Int("maxConcurrent", q.opts.MaxConcurrent).Dur("pollInterval", q.opts.PollInterval).Msg("dispatcher: worker started")
	return nil
}

// Stop signals the worker loop and waits for it and for in-flight executions to
// finish, or for ctx to expire.
func (q *Queue) Stop(ctx context.Context) error {
	q.lifeMu.Lock()
	defer q.lifeMu.Unlock()
	if q.loopDone == nil {
		return ErrNotStarted
	}
	q.stopLoop()
	select {
	case <-q.loopDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	q.stopLoop, q.loopDone = nil, nil

	drained := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		log.Info().Msg("dispatcher: worker stopped")
		return nil
	case <-ctx.Done():
		log.Warn().Msg("dispatcher: worker stopped with executions still in flight")
		return ctx.Err()
	}
}

// Running reports whether the worker loop is alive.
func (q *Queue) Running() bool { return q.active.Load() }

func (q *Queue) loop(ctx, execCtx context.Context, exec Executor, notifier Notifier, done chan struct{}) {
	defer close(done)
	defer q.active.Store(false)
	log.Debug().Msg("dispatcher: worker loop started")
	for {
		wait := q.opts.PollInterval
		if err := q.tick(execCtx, exec, notifier); err != nil {
			log.Error().Err(err).Msg("dispatcher: worker tick failed")
			wait = q.opts.ErrorBackoff
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (q *Queue) tick(ctx context.Context, exec Executor, notifier Notifier) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	for {
		req := q.dequeue()
		if req == nil {
			return nil
		}
		go q.run(ctx, req, exec, notifier)
	}
}

// dequeue pops the next runnable request and marks it RUNNING, or returns nil
// when the ceiling is reached or nothing is queued.
func (q *Queue) dequeue() *Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.running) < q.opts.MaxConcurrent {
		// Read the clock before popping so a failing tick leaves the request queued.
		now := q.opts.Now()
		req := q.pending.pop()
		if req == nil {
			return nil
		}
		key := req.Target.DedupKey()
		if holder, ok := q.running[key]; ok {
			req.Status = StatusDuplicate
			req.Error = fmt.Sprintf("duplicate of running request %s", holder.ID)
			req.CompletedAt = now
			q.appendHistory(req)
			metrics.RequestsFinished.WithLabelValues(string(StatusDuplicate)).Inc()
			log.Warn().Str("requestId", req.ID).Str("holder", holder.ID).Msg("dispatcher: dropped duplicate at dequeue")
			continue
		}
		req.Status = StatusRunning
		req.StartedAt = now
		q.running[key] = req
		q.inflight.Add(1)
		metrics.QueueWait.Observe(now.Sub(req.SubmittedAt).Seconds())
		metrics.QueueDepth.Set(float64(q.pending.Len()))
		metrics.RunningRequests.Set(float64(len(q.running)))
		return req
	}
	return nil
}

func (q *Queue) run(ctx context.Context, req *Request, exec Executor, notifier Notifier) {
	defer q.inflight.Done()

	// Target, parameters and routing fields are immutable after admission.
	job := Job{
		RequestID:  req.ID,
		Target:     req.Target,
		Parameters: req.Parameters,
		Requester:  req.Requester,
		Origin:     req.Origin,
		OnJobRef: func(ref string) {
			q.mu.Lock()
			req.JobRef = ref
			q.mu.Unlock()
		},
	}
	log.Info().Str("requestId", req.ID).Str("target", req.Target.String()).Msg("dispatcher: starting request")
	q.notify(ctx, notifier, req.Origin, startingMessage(job, req.RequesterName))

	start := time.Now()
	res, err := execute(ctx, exec, job)
	metrics.ExecutionDuration.Observe(time.Since(start).Seconds())

	final := q.complete(req, res, err)
	q.notify(ctx, notifier, final.Origin, outcomeMessage(final))
}

func execute(ctx context.Context, exec Executor, job Job) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrExecution, r)
		}
	}()
	return exec.Execute(ctx, job)
}

func (q *Queue) complete(req *Request, res *Result, err error) Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	req.CompletedAt = q.opts.Now()
	req.Result = res
	if ref := res.jobRef(); ref != "" {
		req.JobRef = ref
	}
	switch {
	case err != nil:
		req.Status = StatusFailed
		req.Error = err.Error()
	case res == nil:
		req.Status = StatusFailed
		req.Error = "executor returned no result"
	case !res.Success:
		req.Status = StatusFailed
		req.Error = res.Message
	default:
		req.Status = StatusCompleted
	}
	delete(q.running, req.Target.DedupKey())
	q.appendHistory(req)

	metrics.RequestsFinished.WithLabelValues(string(req.Status)).Inc()
	metrics.RunningRequests.Set(float64(len(q.running)))
	ev := log.Info()
	if req.Status == StatusFailed {
		ev = log.Error().Str("error", req.Error)
	}
	ev.Str("requestId", req.ID).Str("status", string(req.Status)).Dur("duration", req.CompletedAt.Sub(req.StartedAt)).Msg("dispatcher: request finished")
	return req.snapshot()
}

// notify is best effort: failures are logged and counted, never propagated.
func (q *Queue) notify(ctx context.Context, notifier Notifier, origin, message string) {
	if notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			metrics.NotificationFailures.Inc()
			log.Error().Interface("panic", r).Str("origin", origin).Msg("dispatcher: notifier panicked")
		}
	}()
	if err := notifier.Notify(ctx, origin, message); err != nil {
		metrics.NotificationFailures.Inc()
		log.Error().Err(err).Str("origin", origin).Msg("dispatcher: failed to notify")
	}
}
