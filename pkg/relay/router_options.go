package relay

import (
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chat-relay/pkg/envelope"
)

// DefaultAcceptedTopic carries accepted envelopes to the history recorder.
const DefaultAcceptedTopic = "chat.accepted"

// RouterOption configures optional dependencies for a Router.
type RouterOption func(*Router) error

func WithPolicy(p Policy) RouterOption {
	return func(r *Router) error {
		if p == nil {
			return errors.New("policy is nil")
		}
		r.policy = p
		return nil
	}
}

func WithValidation(opts envelope.Options) RouterOption {
	return func(r *Router) error {
		r.validation = opts
		return nil
	}
}

// WithEchoToSender controls whether accepted envelopes are also delivered to the sender's
// own channels. Enabled by default.
func WithEchoToSender(echo bool) RouterOption {
	return func(r *Router) error {
		r.echo = echo
		return nil
	}
}

// WithPublisher publishes every accepted envelope on topic. An empty topic means
// DefaultAcceptedTopic.
func WithPublisher(pub message.Publisher, topic string) RouterOption {
	return func(r *Router) error {
		if pub == nil {
			return errors.New("publisher is nil")
		}
		topic = strings.TrimSpace(topic)
		if topic == "" {
			topic = DefaultAcceptedTopic
		}
		r.publisher = pub
		r.topic = topic
		return nil
	}
}

func WithClock(c *Clock) RouterOption {
	return func(r *Router) error {
		if c == nil {
			return errors.New("clock is nil")
		}
		r.clock = c
		return nil
	}
}

func WithMetrics(m *Metrics) RouterOption {
	return func(r *Router) error {
		if m == nil {
			return errors.New("metrics is nil")
		}
		r.metrics = m
		return nil
	}
}

func WithIDGenerator(fn func() string) RouterOption {
	return func(r *Router) error {
		if fn == nil {
			return errors.New("id generator is nil")
		}
		r.newID = fn
		return nil
	}
}
