// Package relay validates, authorizes and forwards chat envelopes between two participants.
//
// Every conversation key gets its own lane: a FIFO queue drained by one goroutine that exits
// when the queue is empty. Envelopes of one conversation are therefore stamped and forwarded
// in acceptance order, while different conversations proceed in parallel.
package relay

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chat-relay/pkg/envelope"
	"github.com/go-go-golems/chat-relay/pkg/registry"
)

var ErrClosed = errors.New("relay: router is closed")

// Outcome reports what happened to one submission.
type Outcome struct {
	Envelope  envelope.Envelope
	Accepted  bool
	Rejection *envelope.Rejection
	// Delivered counts receiver channels that took the frame, Echoed the sender's own.
	Delivered int
	Echoed    int
	Dropped   int
}

type Router struct {
	reg        *registry.Registry
	policy     Policy
	validation envelope.Options
	echo       bool
	publisher  message.Publisher
	topic      string
	clock      *Clock
	metrics    *Metrics
	newID      func() string

	mu     sync.Mutex
	lanes  map[envelope.ConversationKey]*lane
	closed bool
	wg     sync.WaitGroup
}

type lane struct {
	key   envelope.ConversationKey
	queue []submission
}

type submission struct {
	ctx    context.Context
	origin registry.Channel
	raw    envelope.Raw
	done   chan Outcome
}

func NewRouter(reg *registry.Registry, opts ...RouterOption) (*Router, error) {
	if reg == nil {
		return nil, errors.New("relay: registry is nil")
	}
	r := &Router{
		reg:    reg,
		policy: AllowAll,
		echo:   true,
		topic:  DefaultAcceptedTopic,
		clock:  NewClock(nil),
		newID:  uuid.NewString,
		lanes:  map[envelope.ConversationKey]*lane{},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(r); err != nil {
			return nil, errors.Wrap(err, "relay: apply option")
		}
	}
	return r, nil
}

// Submit runs raw through validation, the policy check and forwarding, and waits for the
// result. Rejections are delivered to origin, or to every channel of the sender when origin is
// nil. The returned error is non-nil only when the router is closed or ctx ends first.
func (r *Router) Submit(ctx context.Context, origin registry.Channel, raw envelope.Raw) (Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	key, err := envelope.KeyFor(raw.SenderID, raw.ReceiverID)
	if err != nil {
		rej, _ := envelope.AsRejection(err)
		out := Outcome{Rejection: rej.WithRef(raw.Ref)}
		r.deliverRejection(origin, raw.SenderID, out.Rejection)
		r.metrics.observe(out)
		return out, nil
	}

	sub := submission{ctx: ctx, origin: origin, raw: raw, done: make(chan Outcome, 1)}
	if err := r.enqueue(key, sub); err != nil {
		return Outcome{}, err
	}

	select {
	case out := <-sub.done:
		return out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Close stops accepting submissions and waits until every queued one has been processed.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()
}

// ActiveLanes reports how many conversations currently have queued work.
func (r *Router) ActiveLanes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lanes)
}

func (r *Router) enqueue(key envelope.ConversationKey, sub submission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	l, ok := r.lanes[key]
	if ok {
		l.queue = append(l.queue, sub)
		return nil
	}
	l = &lane{key: key, queue: []submission{sub}}
	r.lanes[key] = l
	r.wg.Add(1)
	r.metrics.laneStarted()
	go r.runLane(l)
	return nil
}

func (r *Router) runLane(l *lane) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		if len(l.queue) == 0 {
			delete(r.lanes, l.key)
			r.mu.Unlock()
			r.metrics.laneStopped()
			return
		}
		sub := l.queue[0]
		l.queue[0] = submission{}
		l.queue = l.queue[1:]
		r.mu.Unlock()

		out := r.process(l.key, sub)
		sub.done <- out
	}
}

func (r *Router) process(key envelope.ConversationKey, sub submission) Outcome {
	if err := sub.ctx.Err(); err != nil {
		return Outcome{}
	}
	lg := log.With().Str("component", "relay").Str("conversation", key.String()).Logger()

	env, err := envelope.Validate(sub.raw, r.clock.Now(), r.validation)
	if err != nil {
		rej, ok := envelope.AsRejection(err)
		if !ok {
			rej = envelope.Reject(envelope.ReasonMalformed, err.Error()).WithRef(sub.raw.Ref)
		}
		return r.reject(sub, rej)
	}

	blocked, err := r.policy.IsBlocked(sub.ctx, key)
	if err != nil {
		lg.Warn().Err(err).Msg("policy check failed, rejecting")
		return r.reject(sub, envelope.Reject(envelope.ReasonPolicyUnavailable, "").WithRef(sub.raw.Ref))
	}
	if blocked {
		return r.reject(sub, envelope.Reject(envelope.ReasonConversationBlocked, "").WithRef(sub.raw.Ref))
	}

	env.ID = r.newID()
	out := Outcome{Envelope: env, Accepted: true}
	frame := envelope.MessageFrame(env)
	for _, ch := range r.reg.ChannelsFor(env.ReceiverID) {
		if ch.Deliver(frame) {
			out.Delivered++
		} else {
			out.Dropped++
		}
	}
	if r.echo {
		for _, ch := range r.reg.ChannelsFor(env.SenderID) {
			if ch.Deliver(frame) {
				out.Echoed++
			} else {
				out.Dropped++
			}
		}
	}
	lg.Debug().
		Str("message_id", env.ID).
		Str("sender", env.SenderID).
		Int("delivered", out.Delivered).
		Int("echoed", out.Echoed).
		Int("dropped", out.Dropped).
		Msg("envelope forwarded")

	r.publish(sub.ctx, env)
	r.metrics.observe(out)
	return out
}

func (r *Router) reject(sub submission, rej *envelope.Rejection) Outcome {
	out := Outcome{Rejection: rej}
	log.Debug().
		Str("component", "relay").
		Str("sender", sub.raw.SenderID).
		Str("reason", string(rej.Reason)).
		Msg("envelope rejected")
	r.deliverRejection(sub.origin, sub.raw.SenderID, rej)
	r.metrics.observe(out)
	return out
}

func (r *Router) deliverRejection(origin registry.Channel, senderID string, rej *envelope.Rejection) {
	if rej == nil {
		return
	}
	frame := envelope.RejectedFrame(rej)
	if origin != nil {
		_ = origin.Deliver(frame)
		return
	}
	senderID = strings.TrimSpace(senderID)
	if senderID == "" {
		return
	}
	for _, ch := range r.reg.ChannelsFor(senderID) {
		_ = ch.Deliver(frame)
	}
}

func (r *Router) publish(ctx context.Context, env envelope.Envelope) {
	if r.publisher == nil {
		return
	}
	payload, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("component", "relay").Str("message_id", env.ID).Msg("marshal accepted envelope failed")
		return
	}
	msg := message.NewMessage(env.ID, payload)
	msg.SetContext(context.WithoutCancel(ctx))
	msg.Metadata.Set("conversation", env.Key().String())
	msg.Metadata.Set("sender", env.SenderID)
	if err := r.publisher.Publish(r.topic, msg); err != nil {
		log.Warn().Err(err).Str("component", "relay").Str("message_id", env.ID).Str("topic", r.topic).Msg("publish accepted envelope failed")
	}
}
