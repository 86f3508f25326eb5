package pubsub

import (
	"context"
	"encoding/json"
	"time"

	"playbook-dispatcher/queues"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"
)

// Subscriber receives chat commands from a Pub/Sub subscription.
type Subscriber struct {
	projectID        string
	subscriptionName string
	credsFile        string
	client           *gpubsub.Client
	sub              *gpubsub.Subscription
}

func NewSubscriber(projectID, subscriptionName, credsFile string) *Subscriber {
	return &Subscriber{projectID: projectID, subscriptionName: subscriptionName, credsFile: credsFile}
}

// Start blocks receiving commands until ctx is done. Malformed payloads are
// nacked, invalid commands are acked and dropped, and handler errors are nacked
// for redelivery.
func (s *Subscriber) Start(ctx context.Context, handler func(context.Context, *queues.Command) error) error {
	if s.sub == nil {
		client, err := newClient(ctx, s.projectID, s.credsFile, "subscriber")
		if err != nil {
			return err
		}
		s.client = client
		s.sub = client.Subscription(s.subscriptionName)
		log.Info().Str("subscription", s.subscriptionName).Msg("pubsub subscriber initialized")
	}

	return s.sub.Receive(ctx, func(ctx context.Context, m *gpubsub.Message) {
		log.Debug().Str("messageID", m.ID).Int("size", len(m.Data)).Msg("received pubsub message")
		recvAt := time.Now()
		var cmd queues.Command
		if err := json.Unmarshal(m.Data, &cmd); err != nil {
			log.Error().Err(err).Msg("failed to unmarshal command")
			m.Nack()
			return
		}
		if err := cmd.Validate(); err != nil {
			log.Error().Err(err).Str("type", string(cmd.Type)).Str("requester", cmd.Requester).Msg("invalid command payload")
			// poison message
			m.Ack()
			return
		}

		log.Info().Str("type", string(cmd.Type)).Str("requester", cmd.Requester).Str("origin", cmd.Origin).Msg("handling command")
		if err := handler(ctx, &cmd); err != nil {
			log.Error().Err(err).Str("type", string(cmd.Type)).Str("requester", cmd.Requester).Msg("handler failed; will retry")
			m.Nack()
			return
		}
		log.Debug().Str("type", string(cmd.Type)).Dur("latency", time.Since(recvAt)).Msg("handler succeeded; acking message")
		m.Ack()
	})
}

func (s *Subscriber) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
