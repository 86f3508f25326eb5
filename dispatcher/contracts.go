package dispatcher

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Job is the view of a request handed to an Executor.
type Job struct {
	RequestID  string
	Target     Target
	Parameters map[string]any
	Requester  string
	Origin     string
	// OnJobRef, when set, records an external job reference as soon as the
	// executor knows it, so duplicate rejections can name the running job.
	OnJobRef func(ref string)
}

// ReportJobRef forwards ref to OnJobRef if one is set.
func (j Job) ReportJobRef(ref string) {
	if j.OnJobRef != nil && ref != "" {
		j.OnJobRef(ref)
	}
}

// Executor performs the long-running operation. A returned error, a panic, or a
// Result with Success=false all end the request as FAILED.
type Executor interface {
	Execute(ctx context.Context, job Job) (*Result, error)
}

type ExecutorFunc func(ctx context.Context, job Job) (*Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, job Job) (*Result, error) { return f(ctx, job) }

// Notifier delivers a one-way message to the requester's origin. Errors are
// logged by the caller and never change a request's outcome.
type Notifier interface {
	Notify(ctx context.Context, origin, message string) error
}

type NotifierFunc func(ctx context.Context, origin, message string) error

func (f NotifierFunc) Notify(ctx context.Context, origin, message string) error {
	return f(ctx, origin, message)
}

// LogNotifier writes notifications to the process log. Used when no transport is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, origin, message string) error {
	log.Info().Str("origin", origin).Str("message", message).Msg("notification")
	return nil
}
