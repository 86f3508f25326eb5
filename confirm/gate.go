// Package confirm holds destructive actions behind a single-use approval token.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"playbook-dispatcher/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotFound covers unknown, expired and already resolved tokens alike.
	ErrNotFound  = errors.New("this action has expired or was already processed")
	ErrExecution = errors.New("confirmed action failed")
)

// Pending is an action awaiting approval.
type Pending struct {
	Token      string         `json:"token"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Requester  string         `json:"requester"`
	Origin     string         `json:"origin"`
	CreatedAt  time.Time      `json:"createdAt"`
	// ResolvedBy is set on the copy handed to the approval handler.
	ResolvedBy string `json:"resolvedBy,omitempty"`
}

type OutcomeStatus string

const (
	OutcomeCancelled OutcomeStatus = "cancelled"
	OutcomeSucceeded OutcomeStatus = "success"
	OutcomeFailed    OutcomeStatus = "error"
)

// Outcome is what resolving a token produced.
type Outcome struct {
	Status  OutcomeStatus  `json:"status"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Handler runs an approved action.
type Handler func(ctx context.Context, p Pending) (Outcome, error)

// Choice is one of the two buttons a UI renders for a prompt. Resolve is bound
// to the gate, the token and the choice's decision.
type Choice struct {
	ActionID string                                                       `json:"actionId"`
	Label    string                                                       `json:"label"`
	Style    string                                                       `json:"style"`
	Token    string                                                       `json:"token"`
	Approved bool                                                         `json:"approved"`
	Resolve  func(ctx context.Context, requester string) (Outcome, error) `json:"-"`
}

// Prompt is returned by Create: the "needs confirmation" outcome.
type Prompt struct {
	Token   string `json:"token"`
	Text    string `json:"text"`
	Approve Choice `json:"approve"`
	Reject  Choice `json:"reject"`
}

type Option func(*Gate)

// WithTTL expires pending entries after ttl. Zero keeps them until resolved.
func WithTTL(ttl time.Duration) Option {
	return func(g *Gate) { g.ttl = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// Gate owns the pending confirmations.
type Gate struct {
	mu        sync.Mutex
	pending   map[string]*Pending
	onApprove Handler
	ttl       time.Duration
	now       func() time.Time
}

func NewGate(onApprove Handler, opts ...Option) *Gate {
	g := &Gate{
		pending:   make(map[string]*Pending),
		onApprove: onApprove,
		now:       time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Create stores the action under a fresh token and returns the prompt to show.
func (g *Gate) Create(action string, params map[string]any, requester, origin, promptText string) Prompt {
	token := uuid.NewString()
	p := &Pending{
		Token:      token,
		Action:     action,
		Parameters: maps.Clone(params),
		Requester:  requester,
		Origin:     origin,
		CreatedAt:  g.now(),
	}
	g.mu.Lock()
	g.pending[token] = p
	g.mu.Unlock()

	metrics.ConfirmationsTotal.WithLabelValues("created").Inc()
	log.Info().Str("token", token).Str("action", action).Str("requester", requester).Msg("confirm: created confirmation")

	return Prompt{
		Token:   token,
		Text:    promptText,
		Approve: g.choice(token, true),
		Reject:  g.choice(token, false),
	}
}

func (g *Gate) choice(token string, approved bool) Choice {
	c := Choice{
		ActionID: "confirm_" + token,
		Label:    "Confirm",
		Style:    "primary",
		Token:    token,
		Approved: approved,
	}
	if !approved {
		c.ActionID, c.Label, c.Style = "cancel_"+token, "Cancel", "danger"
	}
	c.Resolve = func(ctx context.Context, requester string) (Outcome, error) {
		return g.Resolve(ctx, token, approved, requester)
	}
	return c
}

// Resolve consumes the token exactly once. The entry is removed before the
// decision is acted on, so concurrent or repeated calls get ErrNotFound.
func (g *Gate) Resolve(ctx context.Context, token string, approved bool, requester string) (out Outcome, err error) {
	g.mu.Lock()
	p, ok := g.pending[token]
	delete(g.pending, token)
	g.mu.Unlock()

	if !ok {
		metrics.ConfirmationsTotal.WithLabelValues("not_found").Inc()
		log.Warn().Str("token", token).Msg("confirm: token not found")
		return Outcome{}, ErrNotFound
	}
	if g.expired(p) {
		metrics.ConfirmationsTotal.WithLabelValues("expired").Inc()
		log.Info().Str("token", token).Msg("confirm: token expired")
		return Outcome{}, ErrNotFound
	}
	if !approved {
		metrics.ConfirmationsTotal.WithLabelValues("rejected").Inc()
		log.Info().Str("token", token).Str("action", p.Action).Str("resolvedBy", requester).Msg("confirm: action cancelled")
		return Outcome{Status: OutcomeCancelled, Message: "Action cancelled."}, nil
	}

	metrics.ConfirmationsTotal.WithLabelValues("approved").Inc()
	log.Info().Str("token", token).Str("action", p.Action).Str("resolvedBy", requester).Msg("confirm: action approved")
	if g.onApprove == nil {
		return Outcome{}, fmt.Errorf("%w: no handler for %s", ErrExecution, p.Action)
	}
	resolved := *p
	resolved.ResolvedBy = requester

	defer func() {
		if r := recover(); r != nil {
			out, err = Outcome{}, fmt.Errorf("%w: %s: panic: %v", ErrExecution, p.Action, r)
		}
	}()
	out, err = g.onApprove(ctx, resolved)
	if err != nil {
		log.Error().Err(err).Str("token", token).Str("action", p.Action).Msg("confirm: approved action failed")
		return Outcome{}, fmt.Errorf("%w: %s: %w", ErrExecution, p.Action, err)
	}
	return out, nil
}

// Len returns the number of pending confirmations.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Sweep drops expired entries and returns how many were removed.
func (g *Gate) Sweep() int {
	if g.ttl <= 0 {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for token, p := range g.pending {
		if g.expired(p) {
			delete(g.pending, token)
			n++
		}
	}
	if n > 0 {
		metrics.ConfirmationsTotal.WithLabelValues("expired").Add(float64(n))
		log.Debug().Int("removed", n).Msg("confirm: swept expired confirmations")
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (g *Gate) Run(ctx context.Context, interval time.Duration) {
	if g.ttl <= 0 || interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			g.Sweep()
		}
	}
}

func (g *Gate) expired(p *Pending) bool {
	return g.ttl > 0 && g.now().Sub(p.CreatedAt) > g.ttl
}
