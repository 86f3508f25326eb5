package pubsub

import (
	"context"
	"encoding/json"
	"sync"

	"playbook-dispatcher/queues"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"
)

// Publisher sends replies and notifications to the reply topic. The client is
// created on first use.
type Publisher struct {
	projectID  string
	replyTopic string
	credsFile  string

	mu     sync.Mutex
	client *gpubsub.Client
	topic  *gpubsub.Topic
}

func NewPublisher(projectID, replyTopic, credsFile string) *Publisher {
	return &Publisher{projectID: projectID, replyTopic: replyTopic, credsFile: credsFile}
}

func (p *Publisher) ensureTopic(ctx context.Context) (*gpubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.topic != nil {
		return p.topic, nil
	}
	client, err := newClient(ctx, p.projectID, p.credsFile, "publisher")
	if err != nil {
		return nil, err
	}
	p.client = client
	p.topic = client.Topic(p.replyTopic)
	log.Info().Str("topic", p.replyTopic).Msg("pubsub publisher initialized")
	return p.topic, nil
}

func (p *Publisher) PublishReply(ctx context.Context, reply *queues.Reply) error {
	topic, err := p.ensureTopic(ctx)
	if err != nil {
		return err
	}
	if reply.EnvelopeVersion == "" {
		reply.EnvelopeVersion = queues.EnvelopeVersion
	}
	b, err := json.Marshal(reply)
	if err != nil {
		log.Error().Err(err).Str("origin", reply.Origin).Msg("failed to marshal reply")
		return err
	}
	r := topic.Publish(ctx, &gpubsub.Message{
		Data:       b,
		Attributes: map[string]string{"type": reply.Type, "origin": reply.Origin},
	})
	id, err := r.Get(ctx)
	if err != nil {
		log.Error().Err(err).Str("origin", reply.Origin).Str("type", reply.Type).Msg("failed to publish reply")
		return err
	}
	log.Debug().Str("messageID", id).Str("origin", reply.Origin).Str("type", reply.Type).Str("status", string(reply.Status)).Msg("published reply")
	return nil
}

// Notify publishes a one-way notification to origin.
func (p *Publisher) Notify(ctx context.Context, origin, message string) error {
	return p.PublishReply(ctx, &queues.Reply{
		Type:   queues.ReplyTypeNotification,
		Origin: origin,
		Status: queues.StatusOK,
		Text:   message,
	})
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
