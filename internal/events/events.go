// Package events publishes a record of every completed turn.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// TurnEvent summarizes one handled message.
type TurnEvent struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id,omitempty"`
	FlowSeq        int       `json:"flow_seq"`
	FlowState      string    `json:"flow_state"`
	MessageType    string    `json:"message_type"`
	Tools          []string  `json:"tools,omitempty"`
	At             time.Time `json:"at"`
}

// Publisher sends turn events to a topic. A nil Publisher or one built with
// a nil message.Publisher drops events.
type Publisher struct {
	pub   message.Publisher
	topic string
}

func NewPublisher(pub message.Publisher, topic string) *Publisher {
	return &Publisher{pub: pub, topic: topic}
}

// Noop returns a publisher that drops every event.
func Noop() *Publisher { return &Publisher{} }

func (p *Publisher) Topic() string { return p.topic }

func (p *Publisher) PublishTurn(ctx context.Context, ev TurnEvent) error {
	if p == nil || p.pub == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal turn event")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("conversation_id", ev.ConversationID)
	msg.Metadata.Set("message_type", ev.MessageType)
	msg.SetContext(ctx)
	if err := p.pub.Publish(p.topic, msg); err != nil {
		return errors.Wrap(err, "publish turn event")
	}
	return nil
}

func (p *Publisher) Close() error {
	if p == nil || p.pub == nil {
		return nil
	}
	return p.pub.Close()
}

// NewGoChannel returns an in-process pub/sub. Subscribers must be attached
// before events are published to receive them.
func NewGoChannel(logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
}

// NewRedisStream returns a publisher writing to Redis streams.
func NewRedisStream(client redis.UniversalClient, logger watermill.LoggerAdapter) (message.Publisher, error) {
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "create redis stream publisher")
	}
	return pub, nil
}
