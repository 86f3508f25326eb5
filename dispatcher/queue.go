package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"playbook-dispatcher/metrics"

	"github.com/rs/zerolog/log"
)

// Options tunes the queue. Zero values are replaced by DefaultOptions.
type Options struct {
	MaxConcurrent    int
	PollInterval     time.Duration
	ErrorBackoff     time.Duration
	HistorySize      int
	RequesterHistory int
	StatusQueued     int
	StatusRecent     int
	// Now is the clock used for lifecycle timestamps.
	Now func() time.Time
}

func DefaultOptions() Options {
	return Options{
		MaxConcurrent:    3,
		PollInterval:     time.Second,
		ErrorBackoff:     5 * time.Second,
		HistorySize:      100,
		RequesterHistory: 10,
		StatusQueued:     5,
		StatusRecent:     5,
		Now:              time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = d.MaxConcurrent
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = d.ErrorBackoff
	}
	if o.HistorySize <= 0 {
		o.HistorySize = d.HistorySize
	}
	if o.RequesterHistory <= 0 {
		o.RequesterHistory = d.RequesterHistory
	}
	if o.StatusQueued <= 0 {
		o.StatusQueued = d.StatusQueued
	}
	if o.StatusRecent <= 0 {
		o.StatusRecent = d.StatusRecent
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}

// Queue admits, orders and drives requests. It is the only owner of the
// requests submitted to it; callers receive copies.
type Queue struct {
	opts Options

	mu          sync.Mutex
	pending     *pendingHeap
	running     map[string]*Request // dedup key -> request
	history     []*Request          // terminal requests, oldest first
	byRequester map[string][]string // requester -> request ids, oldest first
	byID        map[string]*Request
	seq         uint64

	lifeMu   sync.Mutex
	stopLoop context.CancelFunc
	loopDone chan struct{}
	inflight sync.WaitGroup
	active   atomic.Bool
}

func NewQueue(opts Options) *Queue {
	opts = opts.withDefaults()
	log.Info().Int("maxConcurrent", opts.MaxConcurrent).Msg("dispatcher: queue initialized")
	return &Queue{
		opts:        opts,
		pending:     newPendingHeap(),
		running:     make(map[string]*Request),
		byRequester: make(map[string][]string),
		byID:        make(map[string]*Request),
	}
}

// Receipt describes an accepted submission.
type Receipt struct {
	Request  Request
	Position int
	Running  int
	Capacity int
}

// StartingNow reports whether the request is expected to start on the next tick.
func (r Receipt) StartingNow() bool {
	return r.Position == 1 && r.Running < r.Capacity
}

// Submit admits req or rejects it with a *DuplicateError when another queued or
// running request holds the same dedup key. Rejection leaves the queue untouched.
func (q *Queue) Submit(req *Request) (Receipt, error) {
	if req == nil || req.ID == "" {
		return Receipt{}, fmt.Errorf("%w: request without id", ErrInvalidState)
	}
	key := req.Target.DedupKey()

	q.mu.Lock()
	defer q.mu.Unlock()

	if holder, ok := q.running[key]; ok {
		metrics.SubmissionsTotal.WithLabelValues("duplicate").Inc()
		log.Info().Str("requestId", req.ID).Str("dedupKey", key).Str("holder", holder.ID).Msg("dispatcher: rejected duplicate of running request")
		return Receipt{}, &DuplicateError{Key: key, Holder: holder.snapshot()}
	}
	if holder := q.pending.findKey(key); holder != nil {
		metrics.SubmissionsTotal.WithLabelValues("duplicate").Inc()
		log.Info().Str("requestId", req.ID).Str("dedupKey", key).Str("holder", holder.ID).Msg("dispatcher: rejected duplicate of queued request")
		return Receipt{}, &DuplicateError{Key: key, Holder: holder.snapshot(), Position: q.pending.position(holder)}
	}
	if _, exists := q.byID[req.ID]; exists {
		return Receipt{}, fmt.Errorf("%w: request %s already submitted", ErrInvalidState, req.ID)
	}

	q.seq++
	req.seq = q.seq
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = q.opts.Now()
	}
	if req.Priority == 0 {
		req.Priority = PriorityNormal
	}
	req.Status = StatusQueued
	q.pending.push(req)
	q.byID[req.ID] = req
	ids := append(q.byRequester[req.Requester], req.ID)
	if over := len(ids) - q.opts.RequesterHistory; over > 0 {
		ids = append([]string(nil), ids[over:]...)
	}
	q.byRequester[req.Requester] = ids

	rc := Receipt{
		Request:  req.snapshot(),
		Position: q.pending.position(req),
		Running:  len(q.running),
		Capacity: q.opts.MaxConcurrent,
	}
	metrics.SubmissionsTotal.WithLabelValues("accepted").Inc()
	metrics.QueueDepth.Set(float64(q.pending.Len()))
	log.Info().Str("requestId", req.ID).Str("target", req.Target.String()).Str("priority", req.Priority.String()).
		Int("position", rc.Position).Int("running", rc.Running).Msg("dispatcher: request queued")
	return rc, nil
}

// Cancel withdraws a queued request. Only the original requester may cancel and
// running or finished requests are never touched.
func (q *Queue) Cancel(id, requester string) (Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, ok := q.byID[id]
	if !ok {
		return Request{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if r.Requester != requester {
		return Request{}, fmt.Errorf("%w: only %s can cancel request %s", ErrUnauthorized, holderName(*r), id)
	}
	if r.Status != StatusQueued {
		return Request{}, &StateError{ID: id, Status: r.Status}
	}
	if _, ok := q.pending.remove(id); !ok {
		return Request{}, &StateError{ID: id, Status: r.Status}
	}
	r.Status = StatusCancelled
	r.CompletedAt = q.opts.Now()
	q.appendHistory(r)
	metrics.RequestsFinished.WithLabelValues(string(StatusCancelled)).Inc()
	metrics.QueueDepth.Set(float64(q.pending.Len()))
	log.Info().Str("requestId", id).Str("requester", requester).Msg("dispatcher: request cancelled")
	return r.snapshot(), nil
}

// Get returns a copy of the request with the given id.
func (q *Queue) Get(id string) (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.byID[id]
	if !ok {
		return Request{}, false
	}
	return r.snapshot(), true
}

type RunningEntry struct {
	Request Request       `json:"request"`
	Elapsed time.Duration `json:"elapsed"`
}

// Summary is a read-only view of the queue.
type Summary struct {
	Capacity    int            `json:"capacity"`
	Running     []RunningEntry `json:"running"`
	Queued      []Request      `json:"queued"`
	QueuedTotal int            `json:"queuedTotal"`
	Recent      []Request      `json:"recent"`
}

// Status snapshots running, the head of the queue and the most recent terminal requests.
func (q *Queue) Status() Summary {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Now()
	s := Summary{
		Capacity:    q.opts.MaxConcurrent,
		Running:     make([]RunningEntry, 0, len(q.running)),
		QueuedTotal: q.pending.Len(),
	}
	for _, r := range q.running {
		s.Running = append(s.Running, RunningEntry{Request: r.snapshot(), Elapsed: now.Sub(r.StartedAt)})
	}
	sort.Slice(s.Running, func(i, j int) bool {
		return s.Running[i].Request.StartedAt.Before(s.Running[j].Request.StartedAt)
	})
	for _, r := range q.pending.ordered(q.opts.StatusQueued) {
		s.Queued = append(s.Queued, r.snapshot())
	}
	for i := len(q.history) - 1; i >= 0 && len(s.Recent) < q.opts.StatusRecent; i-- {
		s.Recent = append(s.Recent, q.history[i].snapshot())
	}
	return s
}

// RequesterHistory returns the requester's most recent requests, newest first.
func (q *Queue) RequesterHistory(requester string) []Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := q.byRequester[requester]
	out := make([]Request, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if r, ok := q.byID[ids[i]]; ok {
			out = append(out, r.snapshot())
		}
	}
	return out
}

// appendHistory records a terminal request and evicts the oldest beyond HistorySize.
// Caller holds q.mu.
func (q *Queue) appendHistory(r *Request) {
	q.history = append(q.history, r)
	over := len(q.history) - q.opts.HistorySize
	if over <= 0 {
		return
	}
	for _, old := range q.history[:over] {
		if q.byID[old.ID] == old {
			delete(q.byID, old.ID)
		}
	}
	q.history = append([]*Request(nil), q.history[over:]...)
}
