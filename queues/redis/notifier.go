// Package redis publishes replies and notifications on a Redis channel for
// front ends that subscribe there instead of Pub/Sub.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"playbook-dispatcher/queues"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type channelPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd
}

// Publisher implements queues.Publisher and dispatcher.Notifier over PUBLISH.
type Publisher struct {
	rdb     channelPublisher
	closer  func() error
	channel string
}

func NewPublisher(addr, password, channel string) *Publisher {
	rdb := goredis.NewClient(&goredis.Options{Addr: addr, Password: password})
	log.Info().Str("addr", addr).Str("channel", channel).Msg("redis publisher initialized")
	return &Publisher{rdb: rdb, closer: rdb.Close, channel: channel}
}

func (p *Publisher) PublishReply(ctx context.Context, reply *queues.Reply) error {
	if reply.EnvelopeVersion == "" {
		reply.EnvelopeVersion = queues.EnvelopeVersion
	}
	b, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}
	receivers, err := p.rdb.Publish(ctx, p.channel, b).Result()
	if err != nil {
		log.Error().Err(err).Str("channel", p.channel).Str("origin", reply.Origin).Msg("failed to publish reply")
		return err
	}
	if receivers == 0 {
		log.Warn().Str("channel", p.channel).Str("origin", reply.Origin).Msg("reply published with no subscribers")
	}
	log.Debug().Str("channel", p.channel).Str("type", reply.Type).Int64("receivers", receivers).Msg("published reply")
	return nil
}

func (p *Publisher) Notify(ctx context.Context, origin, message string) error {
	return p.PublishReply(ctx, &queues.Reply{
		Type:   queues.ReplyTypeNotification,
		Origin: origin,
		Status: queues.StatusOK,
		Text:   message,
	})
}

func (p *Publisher) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}
