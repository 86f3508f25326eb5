package dispatcher

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority orders requests; lower values are served first.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// ParsePriority accepts the tier names case-insensitively. Empty means NORMAL.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "low":
		return PriorityLow, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	// StatusDuplicate is only assigned when a dequeued request collides with a running one.
	StatusDuplicate Status = "duplicate"
)

// Terminal reports whether no further transitions can occur.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusDuplicate:
		return true
	}
	return false
}

// Target identifies what a request acts on, e.g. a playbook against an inventory.
type Target struct {
	Operation string `json:"operation"`
	Resource  string `json:"resource"`
}

// DedupKey is the canonical identity used for admission control. Both parts are
// quoted so no pair of targets maps to the same key.
func (t Target) DedupKey() string {
	return strconv.Quote(t.Operation) + ":" + strconv.Quote(t.Resource)
}

func (t Target) String() string {
	return t.Operation + " on " + t.Resource
}

// Request is a unit of work owned by the Queue once submitted.
type Request struct {
	ID            string         `json:"id"`
	Requester     string         `json:"requester"`
	RequesterName string         `json:"requesterName,omitempty"`
	Origin        string         `json:"origin"`
	Target        Target         `json:"target"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Priority      Priority       `json:"priority"`
	Status        Status         `json:"status"`
	SubmittedAt   time.Time      `json:"submittedAt"`
	StartedAt     time.Time      `json:"startedAt,omitzero"`
	CompletedAt   time.Time      `json:"completedAt,omitzero"`
	Result        *Result        `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	JobRef        string         `json:"jobRef,omitempty"`

	seq uint64
}

// NewRequest builds a request with a fresh short id. SubmittedAt is stamped by Submit.
func NewRequest(requester, origin string, target Target, params map[string]any, prio Priority) *Request {
	if prio == 0 {
		prio = PriorityNormal
	}
	if params == nil {
		params = map[string]any{}
	}
	return &Request{
		ID:         uuid.NewString()[:8],
		Requester:  requester,
		Origin:     origin,
		Target:     target,
		Parameters: params,
		Priority:   prio,
		Status:     StatusQueued,
	}
}

// snapshot returns a copy that callers may hold without racing the worker.
func (r *Request) snapshot() Request {
	c := *r
	c.Parameters = maps.Clone(r.Parameters)
	if r.Result != nil {
		res := *r.Result
		res.Data = maps.Clone(r.Result.Data)
		c.Result = &res
	}
	return c
}

// Result is what an Executor reports for a finished request.
type Result struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
	JobRef  string         `json:"jobRef,omitempty"`
}

// jobRef prefers the explicit reference and falls back to data["job_id"].
func (r *Result) jobRef() string {
	if r == nil {
		return ""
	}
	if r.JobRef != "" {
		return r.JobRef
	}
	if v, ok := r.Data["job_id"]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}
