package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"playbook-dispatcher/queues"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	channel string
	payload []byte
	err     error
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message interface{}) *goredis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	if f.err != nil {
		return goredis.NewIntResult(0, f.err)
	}
	return goredis.NewIntResult(1, nil)
}

func TestPublisher_Notify(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"delivered", nil, false},
		{"redis down", errors.New("connection refused"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeRedis{err: tt.err}
			p := &Publisher{rdb: f, channel: "dispatcher.notifications"}

			err := p.Notify(context.Background(), "C1", "request abc completed")
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "dispatcher.notifications", f.channel)

			var got queues.Reply
			require.NoError(t, json.Unmarshal(f.payload, &got))
			assert.Equal(t, queues.ReplyTypeNotification, got.Type)
			assert.Equal(t, "C1", got.Origin)
			assert.Equal(t, "request abc completed", got.Text)
			assert.Equal(t, queues.EnvelopeVersion, got.EnvelopeVersion)
		})
	}
}

func TestPublisher_UnreachableServer(t *testing.T) {
	p := NewPublisher("127.0.0.1:1", "", "replies")
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := p.PublishReply(ctx, &queues.Reply{Type: queues.ReplyTypeCommand, Origin: "C1", Status: queues.StatusOK, Text: "hi"})
	assert.Error(t, err)
}
