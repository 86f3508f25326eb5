package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions(max int) Options {
	return Options{MaxConcurrent: max, PollInterval: 5 * time.Millisecond, ErrorBackoff: 5 * time.Millisecond}
}

func newReq(requester, op, resource string, prio Priority) *Request {
	r := NewRequest(requester, "C-"+requester, Target{Operation: op, Resource: resource}, map[string]any{"k": "v"}, prio)
	r.RequesterName = "name-" + requester
	return r
}

// gatedExecutor blocks each job until released and records start order.
type gatedExecutor struct {
	mu      sync.Mutex
	order   []string
	release map[string]chan struct{}
	started chan string
	active  int
	peak    int
}

func newGatedExecutor() *gatedExecutor {
	return &gatedExecutor{release: make(map[string]chan struct{}), started: make(chan string, 100)}
}

func (g *gatedExecutor) gate(id string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.release[id]
	if !ok {
		ch = make(chan struct{})
		g.release[id] = ch
	}
	return ch
}

func (g *gatedExecutor) Execute(ctx context.Context, job Job) (*Result, error) {
	g.mu.Lock()
	g.order = append(g.order, job.RequestID)
	g.active++
	if g.active > g.peak {
		g.peak = g.active
	}
	g.mu.Unlock()
	g.started <- job.RequestID

	<-g.gate(job.RequestID)

	g.mu.Lock()
	g.active--
	g.mu.Unlock()
	return &Result{Success: true, Message: "done " + job.RequestID}, nil
}

func (g *gatedExecutor) finish(id string) { close(g.gate(id)) }

func (g *gatedExecutor) waitStarted(t *testing.T, want string) {
	t.Helper()
	select {
	case id := <-g.started:
		require.Equal(t, want, id, "unexpected start order")
	case <-time.After(2 * time.Second):
		t.Fatalf("request %s did not start", want)
	}
}

func (g *gatedExecutor) Order() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.order...)
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
	err  error
}

func (n *recordingNotifier) Notify(ctx context.Context, origin, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, origin+"|"+message)
	return n.err
}

func (n *recordingNotifier) Messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

func startQueue(t *testing.T, q *Queue, exec Executor, n Notifier) {
	t.Helper()
	require.NoError(t, q.Start(context.Background(), exec, n))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = q.Stop(ctx)
	})
}

func waitStatus(t *testing.T, q *Queue, id string, want Status) Request {
	t.Helper()
	var got Request
	require.Eventually(t, func() bool {
		r, ok := q.Get(id)
		got = r
		return ok && r.Status == want
	}, 2*time.Second, 2*time.Millisecond, "request %s never reached %s (last %s)", id, want, got.Status)
	return got
}

func TestQueue_SubmitAccepts(t *testing.T) {
	q := NewQueue(testOptions(2))
	r1 := newReq("U1", "deploy.yml", "prod", PriorityNormal)
	r2 := newReq("U2", "deploy.yml", "staging", PriorityNormal)

	rc1, err := q.Submit(r1)
	require.NoError(t, err)
	assert.Equal(t, 1, rc1.Position)
	assert.Equal(t, 0, rc1.Running)
	assert.Equal(t, 2, rc1.Capacity)
	assert.True(t, rc1.StartingNow())
	assert.Contains(t, rc1.Message(), "Starting immediately")
	assert.False(t, rc1.Request.SubmittedAt.IsZero())

	rc2, err := q.Submit(r2)
	require.NoError(t, err)
	assert.Equal(t, 2, rc2.Position)
	assert.False(t, rc2.StartingNow())
	assert.Contains(t, rc2.Message(), "Position in queue: `2`")
	assert.Contains(t, rc2.Message(), "Currently running: `0/2`")
}

func TestQueue_SubmitRejectsQueuedDuplicate(t *testing.T) {
	q := NewQueue(testOptions(1))
	first := newReq("U1", "deploy.yml", "prod", PriorityLow)
	other := newReq("U3", "restart.yml", "prod", PriorityHigh)
	_, err := q.Submit(first)
	require.NoError(t, err)
	_, err = q.Submit(other)
	require.NoError(t, err)
	before := q.Status()

	tests := []struct {
		name string
		prio Priority
	}{
		{"same priority", PriorityLow},
		{"higher priority", PriorityHigh},
		{"lower priority", PriorityNormal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dup := newReq("U2", "deploy.yml", "prod", tt.prio)
			_, err := q.Submit(dup)
			require.ErrorIs(t, err, ErrDuplicate)

			var de *DuplicateError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, first.ID, de.Holder.ID)
			assert.Equal(t, 2, de.Position, "holder sits behind the HIGH request")
			assert.Contains(t, de.Message(), first.ID)
			assert.Contains(t, de.Message(), "@name-U1")
			assert.Contains(t, de.Message(), "Position: 2")

			_, found := q.Get(dup.ID)
			assert.False(t, found, "rejected request must not be indexed")
			assert.Empty(t, q.RequesterHistory("U2"))
			assert.Equal(t, before, q.Status())
		})
	}
}

func TestQueue_SubmitRejectsRunningDuplicate(t *testing.T) {
	q := NewQueue(testOptions(1))
	exec := newGatedExecutor()
	startQueue(t, q, exec, nil)

	r1 := newReq("U1", "deploy.yml", "prod", PriorityNormal)
	_, err := q.Submit(r1)
	require.NoError(t, err)
	exec.waitStarted(t, r1.ID)

	r2 := newReq("U2", "deploy.yml", "prod", PriorityHigh)
	_, err = q.Submit(r2)
	require.ErrorIs(t, err, ErrDuplicate)
	assert.Contains(t, err.Error(), r1.ID)
	assert.Contains(t, err.Error(), "@name-U1")
	assert.Contains(t, err.Error(), "starting...")

	var de *DuplicateError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, StatusRunning, de.Holder.Status)
	assert.Contains(t, de.Message(), "Duplicate Request")

	s := q.Status()
	assert.Len(t, s.Running, 1)
	assert.Equal(t, 0, s.QueuedTotal)

	exec.finish(r1.ID)
	waitStatus(t, q, r1.ID, StatusCompleted)

	next := newReq("U2", "deploy.yml", "prod", PriorityNormal)
	_, err = q.Submit(next)
	assert.NoError(t, err, "target is free again once the holder finished")
	exec.waitStarted(t, next.ID)
	exec.finish(next.ID)
}

func TestQueue_DuplicateNamesReportedJobRef(t *testing.T) {
	q := NewQueue(testOptions(1))
	release := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, job Job) (*Result, error) {
		job.ReportJobRef("job-42")
		<-release
		return &Result{Success: true}, nil
	})
	startQueue(t, q, exec, nil)
	defer close(release)

	r1 := newReq("U1", "deploy.yml", "prod", PriorityNormal)
	_, err := q.Submit(r1)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		r, _ := q.Get(r1.ID)
		return r.JobRef == "job-42"
	}, 2*time.Second, 2*time.Millisecond)

	_, err = q.Submit(newReq("U2", "deploy.yml", "prod", PriorityNormal))
	require.ErrorIs(t, err, ErrDuplicate)
	assert.Contains(t, err.Error(), "job-42")
}

func TestQueue_PriorityOrder(t *testing.T) {
	q := NewQueue(testOptions(1))
	exec := newGatedExecutor()

	r1 := newReq("U1", "a.yml", "inv1", PriorityLow)
	r2 := newReq("U1", "b.yml", "inv2", PriorityHigh)
	r3 := newReq("U1", "c.yml", "inv3", PriorityNormal)
	for _, r := range []*Request{r1, r2, r3} {
		_, err := q.Submit(r)
		require.NoError(t, err)
	}

	s := q.Status()
	require.Len(t, s.Queued, 3)
	assert.Equal(t, []string{r2.ID, r3.ID, r1.ID}, []string{s.Queued[0].ID, s.Queued[1].ID, s.Queued[2].ID})

	startQueue(t, q, exec, nil)
	for _, want := range []*Request{r2, r3, r1} {
		exec.waitStarted(t, want.ID)
		exec.finish(want.ID)
	}
	waitStatus(t, q, r1.ID, StatusCompleted)
	assert.Equal(t, []string{r2.ID, r3.ID, r1.ID}, exec.Order())
}

func TestQueue_FIFOWithinTier(t *testing.T) {
	q := NewQueue(testOptions(1))
	exec := newGatedExecutor()

	var reqs []*Request
	for i := 0; i < 5; i++ {
		r := newReq("U1", fmt.Sprintf("op%d.yml", i), "inv", PriorityNormal)
		_, err := q.Submit(r)
		require.NoError(t, err)
		reqs = append(reqs, r)
	}

	startQueue(t, q, exec, nil)
	for _, r := range reqs {
		exec.waitStarted(t, r.ID)
		exec.finish(r.ID)
	}
	for _, r := range reqs {
		waitStatus(t, q, r.ID, StatusCompleted)
	}
}

func TestQueue_SameTimestampKeepsAdmissionOrder(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	opts := testOptions(1)
	opts.Now = func() time.Time { return fixed }
	q := NewQueue(opts)

	var ids []string
	for i := 0; i < 4; i++ {
		r := newReq("U1", fmt.Sprintf("op%d.yml", i), "inv", PriorityNormal)
		_, err := q.Submit(r)
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}
	var got []string
	for _, r := range q.Status().Queued {
		got = append(got, r.ID)
	}
	assert.Equal(t, ids, got)
}

func TestQueue_ConcurrencyCeiling(t *testing.T) {
	q := NewQueue(testOptions(2))
	exec := newGatedExecutor()
	startQueue(t, q, exec, nil)

	var reqs []*Request
	for i := 0; i < 6; i++ {
		r := newReq("U1", fmt.Sprintf("op%d.yml", i), "inv", PriorityNormal)
		_, err := q.Submit(r)
		require.NoError(t, err)
		reqs = append(reqs, r)
	}

	for range reqs {
		var id string
		select {
		case id = <-exec.started:
		case <-time.After(2 * time.Second):
			t.Fatal("executions stalled")
		}
		assert.LessOrEqual(t, len(q.Status().Running), 2)
		go func(id string) {
			time.Sleep(10 * time.Millisecond)
			exec.finish(id)
		}(id)
	}
	for _, r := range reqs {
		waitStatus(t, q, r.ID, StatusCompleted)
	}

	exec.mu.Lock()
	peak := exec.peak
	exec.mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
	assert.Equal(t, 2, peak, "two executions should overlap")
}

func TestQueue_ExecutorFailure(t *testing.T) {
	tests := []struct {
		name      string
		failing   ExecutorFunc
		wantError string
	}{
		{
			name: "returned error",
			failing: func(ctx context.Context, job Job) (*Result, error) {
				return nil, errors.New("job launch failed")
			},
			wantError: "job launch failed",
		},
		{
			name: "unsuccessful result",
			failing: func(ctx context.Context, job Job) (*Result, error) {
				return &Result{Success: false, Message: "playbook returned rc=2", JobRef: "77"}, nil
			},
			wantError: "playbook returned rc=2",
		},
		{
			name: "panic",
			failing: func(ctx context.Context, job Job) (*Result, error) {
				panic("executor bug")
			},
			wantError: "executor bug",
		},
		{
			name:      "nil result",
			failing:   func(ctx context.Context, job Job) (*Result, error) { return nil, nil },
			wantError: "no result",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewQueue(testOptions(1))
			failing := tt.failing
			exec := ExecutorFunc(func(ctx context.Context, job Job) (*Result, error) {
				if job.Target.Operation == "bad.yml" {
					return failing.Execute(ctx, job)
				}
				return &Result{Success: true, Data: map[string]any{"job_id": 101}}, nil
			})
			notifier := &recordingNotifier{}

			bad := newReq("U1", "bad.yml", "prod", PriorityHigh)
			good := newReq("U1", "good.yml", "prod", PriorityNormal)
			_, err := q.Submit(bad)
			require.NoError(t, err)
			_, err = q.Submit(good)
			require.NoError(t, err)
			startQueue(t, q, exec, notifier)

			failed := waitStatus(t, q, bad.ID, StatusFailed)
			assert.Contains(t, failed.Error, tt.wantError)
			assert.False(t, failed.CompletedAt.IsZero())

			done := waitStatus(t, q, good.ID, StatusCompleted)
			assert.Equal(t, "101", done.JobRef)
			assert.True(t, q.Running(), "loop survives executor failures")

			s := q.Status()
			assert.Empty(t, s.Running)
			require.Len(t, s.Recent, 2)
			assert.Equal(t, good.ID, s.Recent[0].ID)
			assert.Equal(t, bad.ID, s.Recent[1].ID)

			require.Eventually(t, func() bool { return len(notifier.Messages()) == 4 }, time.Second, 2*time.Millisecond)
		})
	}
}

func TestQueue_Cancel(t *testing.T) {
	q := NewQueue(testOptions(1))
	exec := newGatedExecutor()
	startQueue(t, q, exec, nil)

	running := newReq("U1", "deploy.yml", "prod", PriorityNormal)
	queued := newReq("U1", "deploy.yml", "staging", PriorityNormal)
	_, err := q.Submit(running)
	require.NoError(t, err)
	exec.waitStarted(t, running.ID)
	_, err = q.Submit(queued)
	require.NoError(t, err)

	tests := []struct {
		name      string
		id        string
		requester string
		wantErr   error
	}{
		{"unknown id", "nope", "U1", ErrNotFound},
		{"other requester", queued.ID, "U2", ErrUnauthorized},
		{"running request", running.ID, "U1", ErrInvalidState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := q.Status()
			_, err := q.Cancel(tt.id, tt.requester)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, before.QueuedTotal, q.Status().QueuedTotal)
			assert.Equal(t, len(before.Running), len(q.Status().Running))
		})
	}

	var se *StateError
	_, err = q.Cancel(running.ID, "U1")
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StatusRunning, se.Status)
	assert.Contains(t, err.Error(), "already running")

	got, err := q.Cancel(queued.ID, "U1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	s := q.Status()
	assert.Equal(t, 0, s.QueuedTotal)
	for _, r := range s.Queued {
		assert.NotEqual(t, queued.ID, r.ID)
	}
	require.NotEmpty(t, s.Recent)
	assert.Equal(t, queued.ID, s.Recent[0].ID)

	_, err = q.Cancel(queued.ID, "U1")
	require.ErrorIs(t, err, ErrInvalidState, "terminal requests cannot be cancelled again")
	assert.Contains(t, err.Error(), "status: cancelled")

	again := newReq("U2", "deploy.yml", "staging", PriorityNormal)
	_, err = q.Submit(again)
	assert.NoError(t, err, "cancelled target can be submitted again")

	exec.finish(running.ID)
	exec.waitStarted(t, again.ID)
	exec.finish(again.ID)
	waitStatus(t, q, again.ID, StatusCompleted)
}

func TestQueue_CancelBeforeStartNeverRuns(t *testing.T) {
	q := NewQueue(testOptions(1))
	exec := newGatedExecutor()

	r := newReq("U1", "deploy.yml", "prod", PriorityNormal)
	_, err := q.Submit(r)
	require.NoError(t, err)
	_, err = q.Cancel(r.ID, "U1")
	require.NoError(t, err)

	startQueue(t, q, exec, nil)
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, exec.Order())
	got, _ := q.Get(r.ID)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestQueue_RequesterHistory(t *testing.T) {
	opts := testOptions(1)
	opts.RequesterHistory = 3
	q := NewQueue(opts)

	var ids []string
	for i := 0; i < 5; i++ {
		r := newReq("U1", fmt.Sprintf("op%d.yml", i), "inv", PriorityNormal)
		_, err := q.Submit(r)
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}
	_, err := q.Submit(newReq("U2", "other.yml", "inv", PriorityNormal))
	require.NoError(t, err)

	h := q.RequesterHistory("U1")
	require.Len(t, h, 3)
	assert.Equal(t, []string{ids[4], ids[3], ids[2]}, []string{h[0].ID, h[1].ID, h[2].ID})
	assert.Empty(t, q.RequesterHistory("nobody"))

	out := RenderHistory(h)
	assert.Contains(t, out, "Your Requests")
	assert.Contains(t, out, "Priority: NORMAL")
	assert.Equal(t, "You have no recent requests.", RenderHistory(nil))
}

func TestQueue_HistoryBounded(t *testing.T) {
	opts := testOptions(1)
	opts.HistorySize = 2
	q := NewQueue(opts)

	var ids []string
	for i := 0; i < 4; i++ {
		r := newReq("U1", fmt.Sprintf("op%d.yml", i), "inv", PriorityNormal)
		_, err := q.Submit(r)
		require.NoError(t, err)
		_, err = q.Cancel(r.ID, "U1")
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}

	q.mu.Lock()
	assert.Len(t, q.history, 2)
	q.mu.Unlock()
	_, ok := q.Get(ids[0])
	assert.False(t, ok, "evicted requests leave the id index")
	_, ok = q.Get(ids[3])
	assert.True(t, ok)
	assert.Len(t, q.RequesterHistory("U1"), 2)
}

func TestQueue_StatusIsReadOnly(t *testing.T) {
	opts := testOptions(1)
	opts.StatusQueued = 2
	q := NewQueue(opts)
	for i := 0; i < 4; i++ {
		_, err := q.Submit(newReq("U1", fmt.Sprintf("op%d.yml", i), "inv", PriorityNormal))
		require.NoError(t, err)
	}

	s1 := q.Status()
	s1.Queued[0].Status = StatusFailed
	s1.Queued[0].Parameters["k"] = "changed"
	s2 := q.Status()

	assert.Equal(t, StatusQueued, s2.Queued[0].Status)
	assert.Equal(t, "v", s2.Queued[0].Parameters["k"])
	assert.Len(t, s2.Queued, 2)
	assert.Equal(t, 4, s2.QueuedTotal)
	out := s2.Render()
	assert.Contains(t, out, "*Running:* 0/1")
	assert.Contains(t, out, "*Queued:* 4")
	assert.Contains(t, out, "... and 2 more")
}

func TestQueue_NotifierFailureDoesNotAffectOutcome(t *testing.T) {
	q := NewQueue(testOptions(1))
	notifier := &recordingNotifier{err: errors.New("chat down")}
	exec := ExecutorFunc(func(ctx context.Context, job Job) (*Result, error) {
		return &Result{Success: true, Message: "all good"}, nil
	})
	startQueue(t, q, exec, notifier)

	r := newReq("U1", "deploy.yml", "prod", PriorityNormal)
	_, err := q.Submit(r)
	require.NoError(t, err)
	waitStatus(t, q, r.ID, StatusCompleted)

	require.Eventually(t, func() bool { return len(notifier.Messages()) == 2 }, time.Second, 2*time.Millisecond)
	msgs := notifier.Messages()
	assert.True(t, strings.HasPrefix(msgs[0], "C-U1|"))
	assert.Contains(t, msgs[0], "Starting Request")
	assert.Contains(t, msgs[1], "all good")
}

func TestQueue_NotifierPanicIsSwallowed(t *testing.T) {
	q := NewQueue(testOptions(1))
	exec := ExecutorFunc(func(ctx context.Context, job Job) (*Result, error) {
		return &Result{Success: true}, nil
	})
	startQueue(t, q, exec, NotifierFunc(func(ctx context.Context, origin, message string) error {
		panic("chat client bug")
	}))

	r := newReq("U1", "deploy.yml", "prod", PriorityNormal)
	_, err := q.Submit(r)
	require.NoError(t, err)
	got := waitStatus(t, q, r.ID, StatusCompleted)
	assert.True(t, got.Status.Terminal())
	assert.True(t, q.Running())
}

func TestQueue_DequeueDropsDuplicateOfRunning(t *testing.T) {
	q := NewQueue(testOptions(2))
	holder := newReq("U1", "deploy.yml", "prod", PriorityNormal)
	holder.Status = StatusRunning
	holder.StartedAt = time.Now()
	q.running[holder.Target.DedupKey()] = holder
	q.byID[holder.ID] = holder

	// Bypass admission to simulate state introduced between admission and dequeue.
	sneaky := newReq("U2", "deploy.yml", "prod", PriorityNormal)
	sneaky.SubmittedAt = time.Now()
	q.pending.push(sneaky)
	q.byID[sneaky.ID] = sneaky

	assert.Nil(t, q.dequeue())
	got, ok := q.Get(sneaky.ID)
	require.True(t, ok)
	assert.Equal(t, StatusDuplicate, got.Status)
	assert.Contains(t, got.Error, holder.ID)
	assert.Equal(t, 0, q.pending.Len())
	assert.Equal(t, sneaky.ID, q.Status().Recent[0].ID)
}

func TestQueue_Lifecycle(t *testing.T) {
	q := NewQueue(testOptions(1))
	exec := ExecutorFunc(func(ctx context.Context, job Job) (*Result, error) { return &Result{Success: true}, nil })

	assert.ErrorIs(t, q.Stop(context.Background()), ErrNotStarted)
	assert.Error(t, q.Start(context.Background(), nil, nil))

	require.NoError(t, q.Start(context.Background(), exec, nil))
	assert.True(t, q.Running())
	assert.ErrorIs(t, q.Start(context.Background(), exec, nil), ErrAlreadyStarted)

	require.NoError(t, q.Stop(context.Background()))
	assert.False(t, q.Running())

	r := newReq("U1", "deploy.yml", "prod", PriorityNormal)
	_, err := q.Submit(r)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	got, _ := q.Get(r.ID)
	assert.Equal(t, StatusQueued, got.Status, "stopped queue must not dispatch")

	require.NoError(t, q.Start(context.Background(), exec, nil))
	waitStatus(t, q, r.ID, StatusCompleted)
	require.NoError(t, q.Stop(context.Background()))
}

func TestQueue_StopWaitsForInflight(t *testing.T) {
	q := NewQueue(testOptions(1))
	exec := newGatedExecutor()
	require.NoError(t, q.Start(context.Background(), exec, nil))

	r := newReq("U1", "deploy.yml", "prod", PriorityNormal)
	_, err := q.Submit(r)
	require.NoError(t, err)
	exec.waitStarted(t, r.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Stop(ctx), context.DeadlineExceeded)

	exec.finish(r.ID)
	got := waitStatus(t, q, r.ID, StatusCompleted)
	assert.True(t, got.StartedAt.Before(got.CompletedAt) || got.StartedAt.Equal(got.CompletedAt))
}

func TestQueue_SubmitRejectsResubmission(t *testing.T) {
	q := NewQueue(testOptions(1))
	r := newReq("U1", "deploy.yml", "prod", PriorityNormal)
	_, err := q.Submit(r)
	require.NoError(t, err)
	_, err = q.Cancel(r.ID, "U1")
	require.NoError(t, err)

	_, err = q.Submit(r)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = q.Submit(nil)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestQueue_ConcurrentSubmitSameTarget(t *testing.T) {
	q := NewQueue(testOptions(1))
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := q.Submit(newReq(fmt.Sprintf("U%d", i), "deploy.yml", "prod", PriorityNormal))
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, q.Status().QueuedTotal)
}

func TestQueue_LoopRecoversFromTickPanic(t *testing.T) {
	var failClock atomic.Bool
	opts := testOptions(1)
	opts.Now = func() time.Time {
		if failClock.CompareAndSwap(true, false) {
			panic("clock unavailable")
		}
		return time.Now()
	}
	q := NewQueue(opts)
	r := newReq("U1", "deploy.yml", "prod", PriorityNormal)
	_, err := q.Submit(r)
	require.NoError(t, err)

	failClock.Store(true)
	exec := ExecutorFunc(func(ctx context.Context, job Job) (*Result, error) {
		return &Result{Success: true}, nil
	})
	startQueue(t, q, exec, nil)

	done := waitStatus(t, q, r.ID, StatusCompleted)
	assert.False(t, failClock.Load(), "the failing tick must have run")
	assert.True(t, q.Running(), "loop keeps running after a failed tick")
	assert.False(t, done.StartedAt.IsZero())

	next := newReq("U2", "restart.yml", "prod", PriorityNormal)
	_, err = q.Submit(next)
	require.NoError(t, err)
	waitStatus(t, q, next.ID, StatusCompleted)
}

func TestQueue_DistinctTargetsSharingSeparator(t *testing.T) {
	q := NewQueue(testOptions(1))
	_, err := q.Submit(newReq("U1", "site.yml:prod", "web", PriorityNormal))
	require.NoError(t, err)
	_, err = q.Submit(newReq("U2", "site.yml", "prod:web", PriorityNormal))
	require.NoError(t, err)
	assert.Equal(t, 2, q.Status().QueuedTotal)
}
