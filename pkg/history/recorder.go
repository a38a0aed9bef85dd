package history

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chat-relay/pkg/envelope"
)

// Recorder consumes accepted envelopes from a topic and appends them to a store.
type Recorder struct {
	subscriber message.Subscriber
	store      Appender
	topic      string
	retryDelay time.Duration
}

func NewRecorder(subscriber message.Subscriber, store Appender, topic string) (*Recorder, error) {
	if subscriber == nil {
		return nil, errors.New("history recorder: subscriber is nil")
	}
	if store == nil {
		return nil, errors.New("history recorder: store is nil")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, errors.New("history recorder: topic is empty")
	}
	return &Recorder{subscriber: subscriber, store: store, topic: topic, retryDelay: 500 * time.Millisecond}, nil
}

// SetRetryDelay sets how long a failed append waits before the message is nacked for
// redelivery.
func (r *Recorder) SetRetryDelay(d time.Duration) {
	if r == nil || d < 0 {
		return
	}
	r.retryDelay = d
}

// Run subscribes and consumes until ctx is cancelled or the subscription ends.
func (r *Recorder) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ch, err := r.Subscribe(ctx)
	if err != nil {
		return err
	}
	r.Consume(ctx, ch)
	return nil
}

// Subscribe opens the subscription without consuming it, so a caller can make sure it is in
// place before anything is published.
func (r *Recorder) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	ch, err := r.subscriber.Subscribe(ctx, r.topic)
	if err != nil {
		return nil, errors.Wrap(err, "history recorder: subscribe")
	}
	return ch, nil
}

// Consume appends every message from ch until ctx is cancelled or ch is closed.
func (r *Recorder) Consume(ctx context.Context, ch <-chan *message.Message) {
	log.Info().Str("component", "history").Str("topic", r.topic).Msg("history recorder: started")
	defer log.Info().Str("component", "history").Str("topic", r.topic).Msg("history recorder: stopped")
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.handle(ctx, msg)
		}
	}
}

func (r *Recorder) handle(ctx context.Context, msg *message.Message) {
	env, err := decodeAccepted(msg.Payload)
	if err != nil {
		log.Warn().Err(err).Str("component", "history").Str("message_uuid", msg.UUID).Msg("history recorder: dropping undecodable envelope")
		msg.Ack()
		return
	}
	if err := r.store.Append(ctx, env); err != nil {
		log.Warn().Err(err).Str("component", "history").Str("message_id", env.ID).Msg("history recorder: append failed, will retry")
		select {
		case <-ctx.Done():
		case <-time.After(r.retryDelay):
		}
		msg.Nack()
		return
	}
	msg.Ack()
}

func decodeAccepted(payload []byte) (envelope.Envelope, error) {
	var env envelope.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return envelope.Envelope{}, errors.Wrap(err, "decode envelope")
	}
	if strings.TrimSpace(env.ID) == "" {
		return envelope.Envelope{}, errors.New("envelope has no id")
	}
	return env, nil
}
