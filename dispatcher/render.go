package dispatcher

import (
	"fmt"
	"strings"
	"time"
)

var statusEmoji = map[Status]string{
	StatusQueued:    "⏳",
	StatusRunning:   "🔄",
	StatusCompleted: "✅",
	StatusFailed:    "❌",
	StatusDuplicate: "🔁",
	StatusCancelled: "🚫",
}

func emoji(s Status) string {
	if e, ok := statusEmoji[s]; ok {
		return e
	}
	return "❓"
}

// Line renders the request as a single status line.
func (r Request) Line() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s `%s` | %s", emoji(r.Status), r.ID, r.Target)
	if r.RequesterName != "" {
		fmt.Fprintf(&b, " | by @%s", r.RequesterName)
	}
	if r.Status == StatusQueued {
		fmt.Fprintf(&b, " | Priority: %s", r.Priority)
	}
	if r.JobRef != "" {
		fmt.Fprintf(&b, " | Job: %s", r.JobRef)
	}
	return b.String()
}

// Message renders the acceptance text shown to the requester.
func (r Receipt) Message() string {
	req := r.Request
	if r.StartingNow() {
		return fmt.Sprintf("🚀 *Request Submitted*\n\n"+
			"• Request ID: `%s`\n• Operation: `%s`\n• Resource: `%s`\n• Priority: `%s`\n\n"+
			"⏳ Starting immediately...",
			req.ID, req.Target.Operation, req.Target.Resource, req.Priority)
	}
	return fmt.Sprintf("📋 *Request Queued*\n\n"+
		"• Request ID: `%s`\n• Operation: `%s`\n• Resource: `%s`\n• Priority: `%s`\n"+
		"• Position in queue: `%d`\n• Currently running: `%d/%d`\n\n"+
		"You'll be notified when it starts.",
		req.ID, req.Target.Operation, req.Target.Resource, req.Priority, r.Position, r.Running, r.Capacity)
}

// Message renders the rejection text, naming whoever holds the target.
func (e *DuplicateError) Message() string {
	h := e.Holder
	if h.Status == StatusRunning {
		job := h.JobRef
		if job == "" {
			job = "starting..."
		}
		return fmt.Sprintf("🔁 *Duplicate Request*\n\n"+
			"The same operation is already running:\n"+
			"• Request ID: `%s`\n• Operation: `%s`\n• Resource: `%s`\n• Started by: %s\n• Job: `%s`\n\n"+
			"Wait for it to complete.",
			h.ID, h.Target.Operation, h.Target.Resource, holderName(h), job)
	}
	return fmt.Sprintf("🔁 *Already Queued*\n\n"+
		"This operation is already in the queue:\n"+
		"• Request ID: `%s`\n• Submitted by: %s\n• Position: %d",
		h.ID, holderName(h), e.Position)
}

// Render formats the summary for a chat reply.
func (s Summary) Render() string {
	lines := []string{"📊 *Queue Status*", ""}
	lines = append(lines, fmt.Sprintf("*Running:* %d/%d", len(s.Running), s.Capacity))
	for _, e := range s.Running {
		lines = append(lines, fmt.Sprintf("  🔄 `%s` %s (%ds)", e.Request.ID, e.Request.Target, int(e.Elapsed/time.Second)))
	}
	lines = append(lines, "", fmt.Sprintf("*Queued:* %d", s.QueuedTotal))
	for i, r := range s.Queued {
		lines = append(lines, fmt.Sprintf("  %d. `%s` %s [%s]", i+1, r.ID, r.Target, r.Priority))
	}
	if more := s.QueuedTotal - len(s.Queued); more > 0 {
		lines = append(lines, fmt.Sprintf("  ... and %d more", more))
	}
	if len(s.Recent) > 0 {
		lines = append(lines, "", "*Recent:*")
		for _, r := range s.Recent {
			lines = append(lines, fmt.Sprintf("  %s `%s` %s - %s", emoji(r.Status), r.ID, r.Target.Operation, r.Status))
		}
	}
	return strings.Join(lines, "\n")
}

// RenderHistory formats a requester's history as returned by RequesterHistory.
func RenderHistory(reqs []Request) string {
	if len(reqs) == 0 {
		return "You have no recent requests."
	}
	lines := []string{"📋 *Your Requests*", ""}
	for _, r := range reqs {
		lines = append(lines, r.Line())
	}
	return strings.Join(lines, "\n")
}

func startingMessage(job Job, requesterName string) string {
	by := job.Requester
	if requesterName != "" {
		by = "@" + requesterName
	}
	return fmt.Sprintf("🚀 *Starting Request `%s`*\n\n"+
		"• Operation: `%s`\n• Resource: `%s`\n• Requested by: %s\n\n⏳ Running...",
		job.RequestID, job.Target.Operation, job.Target.Resource, by)
}

func outcomeMessage(r Request) string {
	if r.Status == StatusCompleted {
		msg := fmt.Sprintf("✅ *Request `%s` completed*: %s", r.ID, r.Target)
		if r.Result != nil && r.Result.Message != "" {
			msg += "\n\n" + r.Result.Message
		}
		if r.JobRef != "" {
			msg += fmt.Sprintf("\n• Job: `%s`", r.JobRef)
		}
		return msg
	}
	return fmt.Sprintf("%s *Request `%s` %s*: %s\n\n%s", emoji(r.Status), r.ID, r.Status, r.Target, r.Error)
}
