// Package commands turns bus commands into confirmation gate and queue
// operations and publishes the replies.
package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"playbook-dispatcher/confirm"
	"playbook-dispatcher/dispatcher"
	"playbook-dispatcher/metrics"
	"playbook-dispatcher/queues"

	"github.com/rs/zerolog/log"
)

// Controller handles commands from a queues.Subscriber. Business rejections
// are replied to and reported as handled; only a failed reply publish is
// returned so the transport can redeliver.
type Controller struct {
	publisher queues.Publisher
	gate      *confirm.Gate
	queue     *dispatcher.Queue
}

func NewController(p queues.Publisher, g *confirm.Gate, q *dispatcher.Queue) *Controller {
	return &Controller{publisher: p, gate: g, queue: q}
}

func (c *Controller) Handle(ctx context.Context, cmd *queues.Command) error {
	start := time.Now()
	log.Info().Str("type", string(cmd.Type)).Str("requester", cmd.Requester).Str("origin", cmd.Origin).Msg("controller: handling command")

	var reply *queues.Reply
	switch cmd.Type {
	case queues.CommandRun:
		reply = c.run(cmd)
	case queues.CommandResolve:
		reply = c.resolve(ctx, cmd)
	case queues.CommandCancel:
		reply = c.cancel(cmd)
	case queues.CommandStatus:
		reply = c.reply(cmd, queues.StatusOK, c.queue.Status().Render())
	case queues.CommandHistory:
		reply = c.reply(cmd, queues.StatusOK, dispatcher.RenderHistory(c.queue.RequesterHistory(cmd.Requester)))
	default:
		reply = c.reply(cmd, queues.StatusError, fmt.Sprintf("Unknown command `%s`.", cmd.Type))
	}

	result := "ok"
	if reply.Status == queues.StatusError {
		result = "rejected"
	}
	if err := c.publisher.PublishReply(ctx, reply); err != nil {
		metrics.CommandsTotal.WithLabelValues(string(cmd.Type), "error").Inc()
		log.Error().Err(err).Str("type", string(cmd.Type)).Str("origin", cmd.Origin).Msg("controller: failed to publish reply")
		return err
	}
	duration := time.Since(start)
	metrics.CommandsTotal.WithLabelValues(string(cmd.Type), result).Inc()
	metrics.CommandDuration.Observe(duration.Seconds())
	log.Info().Str("type", string(cmd.Type)).Str("result", result).Dur("duration", duration).Msg("controller: command handled")
	return nil
}

func (c *Controller) reply(cmd *queues.Command, status queues.ReplyStatus, text string) *queues.Reply {
	return &queues.Reply{
		EnvelopeVersion: queues.EnvelopeVersion,
		Type:            queues.ReplyTypeCommand,
		Origin:          cmd.Origin,
		Requester:       cmd.Requester,
		Status:          status,
		Text:            text,
	}
}

// run never submits directly: every run goes through confirmation.
func (c *Controller) run(cmd *queues.Command) *queues.Reply {
	prio, err := dispatcher.ParsePriority(cmd.Priority)
	if err != nil {
		return c.reply(cmd, queues.StatusError, fmt.Sprintf("❌ %s. Use high, normal or low.", err))
	}
	p := Prompt(c.gate, RunRequest{
		Operation:     cmd.Operation,
		Resource:      cmd.Resource,
		Priority:      prio,
		RequesterName: cmd.RequesterName,
		Parameters:    cmd.Parameters,
	}, cmd.Requester, cmd.Origin)

	r := c.reply(cmd, queues.StatusConfirm, p.Text)
	r.Token = &p.Token
	r.Choices = []queues.Choice{choice(p.Approve), choice(p.Reject)}
	return r
}

func choice(ch confirm.Choice) queues.Choice {
	return queues.Choice{ActionID: ch.ActionID, Label: ch.Label, Style: ch.Style, Approved: ch.Approved}
}

func (c *Controller) resolve(ctx context.Context, cmd *queues.Command) *queues.Reply {
	out, err := c.gate.Resolve(ctx, cmd.Token, cmd.Approved, cmd.Requester)
	switch {
	case errors.Is(err, confirm.ErrNotFound):
		return c.reply(cmd, queues.StatusError, "❌ This action has expired or was already processed.")
	case err != nil:
		log.Error().Err(err).Str("token", cmd.Token).Msg("controller: confirmed action failed")
		return c.reply(cmd, queues.StatusError, fmt.Sprintf("❌ Error: %s", err))
	}
	status := queues.StatusOK
	if out.Status == confirm.OutcomeFailed {
		status = queues.StatusError
	}
	r := c.reply(cmd, status, out.Message)
	r.Token = &cmd.Token
	return r
}

func (c *Controller) cancel(cmd *queues.Command) *queues.Reply {
	req, err := c.queue.Cancel(cmd.RequestID, cmd.Requester)
	switch {
	case errors.Is(err, dispatcher.ErrNotFound):
		return c.reply(cmd, queues.StatusError, fmt.Sprintf("❌ Request `%s` not found.", cmd.RequestID))
	case errors.Is(err, dispatcher.ErrUnauthorized):
		return c.reply(cmd, queues.StatusError, "❌ You can only cancel your own requests.")
	case err != nil:
		return c.reply(cmd, queues.StatusError, fmt.Sprintf("❌ Cannot cancel: %s", err))
	}
	return c.reply(cmd, queues.StatusOK, fmt.Sprintf("🚫 Request `%s` cancelled: %s", req.ID, req.Target))
}
