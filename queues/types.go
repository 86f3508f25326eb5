// Package queues defines the command and reply envelopes exchanged with chat
// front ends over a message transport.
package queues

import (
	"context"
	"errors"
	"fmt"
)

const EnvelopeVersion = "1.0"

var ErrInvalidCommand = errors.New("invalid command")

type CommandType string

const (
	CommandRun     CommandType = "run"
	CommandResolve CommandType = "resolve"
	CommandCancel  CommandType = "cancel"
	CommandStatus  CommandType = "status"
	CommandHistory CommandType = "history"
)

// Command is an inbound request from a chat front end.
type Command struct {
	EnvelopeVersion string      `json:"envelopeVersion"`
	Type            CommandType `json:"type"`
	Requester       string      `json:"requester"`
	RequesterName   string      `json:"requesterName,omitempty"`
	Origin          string      `json:"origin"`

	// run
	Operation  string         `json:"operation,omitempty"`
	Resource   string         `json:"resource,omitempty"`
	Priority   string         `json:"priority,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`

	// resolve
	Token    string `json:"token,omitempty"`
	Approved bool   `json:"approved,omitempty"`

	// cancel
	RequestID string `json:"requestId,omitempty"`
}

// Validate checks the fields each command type needs.
func (c *Command) Validate() error {
	if c.Requester == "" || c.Origin == "" {
		return fmt.Errorf("%w: requester and origin are required", ErrInvalidCommand)
	}
	switch c.Type {
	case CommandRun:
		if c.Operation == "" || c.Resource == "" {
			return fmt.Errorf("%w: run needs operation and resource", ErrInvalidCommand)
		}
	case CommandResolve:
		if c.Token == "" {
			return fmt.Errorf("%w: resolve needs a token", ErrInvalidCommand)
		}
	case CommandCancel:
		if c.RequestID == "" {
			return fmt.Errorf("%w: cancel needs a request id", ErrInvalidCommand)
		}
	case CommandStatus, CommandHistory:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidCommand, c.Type)
	}
	return nil
}

const (
	ReplyTypeCommand      = "command-reply"
	ReplyTypeNotification = "notification"
)

type ReplyStatus string

const (
	StatusOK      ReplyStatus = "ok"
	StatusError   ReplyStatus = "error"
	StatusConfirm ReplyStatus = "confirm"
)

// Choice is a button rendered under a reply that needs confirmation.
type Choice struct {
	ActionID string `json:"actionId"`
	Label    string `json:"label"`
	Style    string `json:"style,omitempty"`
	Approved bool   `json:"approved"`
}

// Reply is an outbound message to the origin a command came from.
type Reply struct {
	EnvelopeVersion string      `json:"envelopeVersion"`
	Type            string      `json:"type"`
	Origin          string      `json:"origin"`
	Requester       string      `json:"requester,omitempty"`
	Status          ReplyStatus `json:"status"`
	Text            string      `json:"text"`
	Token           *string     `json:"token,omitempty"`
	Choices         []Choice    `json:"choices,omitempty"`
}

type Subscriber interface {
	Start(ctx context.Context, handler func(context.Context, *Command) error) error
}

type Publisher interface {
	PublishReply(ctx context.Context, reply *Reply) error
}
