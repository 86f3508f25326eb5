package commands

import (
	"context"
	"errors"
	"fmt"

	"playbook-dispatcher/confirm"
	"playbook-dispatcher/dispatcher"
)

// ActionRun is the confirmation action that submits a playbook run.
const ActionRun = "run"

const (
	paramOperation     = "operation"
	paramResource      = "resource"
	paramPriority      = "priority"
	paramRequesterName = "requester_name"
	paramExtraVars     = "extra_vars"
)

// RunRequest is a run awaiting confirmation.
type RunRequest struct {
	Operation     string
	Resource      string
	Priority      dispatcher.Priority
	RequesterName string
	Parameters    map[string]any
}

func (r RunRequest) params() map[string]any {
	return map[string]any{
		paramOperation:     r.Operation,
		paramResource:      r.Resource,
		paramPriority:      r.Priority.String(),
		paramRequesterName: r.RequesterName,
		paramExtraVars:     copyVars(r.Parameters),
	}
}

// copyVars deep-copies decoded JSON so a pending run never shares state with
// the command it came from.
func copyVars(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyVars(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}

func runFromParams(p map[string]any) (RunRequest, error) {
	var r RunRequest
	r.Operation, _ = p[paramOperation].(string)
	r.Resource, _ = p[paramResource].(string)
	if r.Operation == "" || r.Resource == "" {
		return r, errors.New("run is missing operation or resource")
	}
	prio, _ := p[paramPriority].(string)
	var err error
	if r.Priority, err = dispatcher.ParsePriority(prio); err != nil {
		return r, err
	}
	r.RequesterName, _ = p[paramRequesterName].(string)
	r.Parameters, _ = p[paramExtraVars].(map[string]any)
	return r, nil
}

func (r RunRequest) promptText() string {
	return fmt.Sprintf("⚠️ *Confirm Playbook Run*\n\n"+
		"• Operation: `%s`\n• Resource: `%s`\n• Priority: `%s`\n\n"+
		"This runs against live infrastructure. Continue?",
		r.Operation, r.Resource, r.Priority)
}

// Prompt stores the run behind a confirmation token.
func Prompt(g *confirm.Gate, r RunRequest, requester, origin string) confirm.Prompt {
	return g.Create(ActionRun, r.params(), requester, origin, r.promptText())
}

// ApproveRun returns the gate handler that submits an approved run to q.
// A duplicate rejection is an ordinary outcome, not an execution error.
func ApproveRun(q *dispatcher.Queue) confirm.Handler {
	return func(_ context.Context, p confirm.Pending) (confirm.Outcome, error) {
		if p.Action != ActionRun {
			return confirm.Outcome{}, fmt.Errorf("unsupported action %q", p.Action)
		}
		run, err := runFromParams(p.Parameters)
		if err != nil {
			return confirm.Outcome{}, err
		}
		req := dispatcher.NewRequest(p.Requester, p.Origin,
			dispatcher.Target{Operation: run.Operation, Resource: run.Resource}, run.Parameters, run.Priority)
		req.RequesterName = run.RequesterName

		rc, err := q.Submit(req)
		var dup *dispatcher.DuplicateError
		if errors.As(err, &dup) {
			return confirm.Outcome{
				Status:  confirm.OutcomeFailed,
				Message: dup.Message(),
				Data:    map[string]any{"holder_id": dup.Holder.ID},
			}, nil
		}
		if err != nil {
			return confirm.Outcome{}, err
		}
		return confirm.Outcome{
			Status:  confirm.OutcomeSucceeded,
			Message: rc.Message(),
			Data:    map[string]any{"request_id": rc.Request.ID, "position": rc.Position},
		}, nil
	}
}
