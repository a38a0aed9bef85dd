package relay

import (
	"context"
	"sync"

	"github.com/go-go-golems/chat-relay/pkg/envelope"
)

// Policy decides whether a conversation may exchange messages. Errors are treated as a
// denial.
type Policy interface {
	IsBlocked(ctx context.Context, key envelope.ConversationKey) (bool, error)
}

// MutablePolicy is a Policy whose blocked set can be changed at runtime.
type MutablePolicy interface {
	Policy
	Block(ctx context.Context, key envelope.ConversationKey) error
	Unblock(ctx context.Context, key envelope.ConversationKey) error
}

type PolicyFunc func(ctx context.Context, key envelope.ConversationKey) (bool, error)

func (f PolicyFunc) IsBlocked(ctx context.Context, key envelope.ConversationKey) (bool, error) {
	return f(ctx, key)
}

// AllowAll never blocks.
var AllowAll Policy = PolicyFunc(func(context.Context, envelope.ConversationKey) (bool, error) {
	return false, nil
})

// StaticPolicy is an in-memory blocked set.
type StaticPolicy struct {
	mu      sync.RWMutex
	blocked map[envelope.ConversationKey]struct{}
}

func NewStaticPolicy(keys ...envelope.ConversationKey) *StaticPolicy {
	p := &StaticPolicy{blocked: map[envelope.ConversationKey]struct{}{}}
	for _, k := range keys {
		p.blocked[k] = struct{}{}
	}
	return p
}

func (p *StaticPolicy) IsBlocked(_ context.Context, key envelope.ConversationKey) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.blocked[key]
	return ok, nil
}

func (p *StaticPolicy) Block(_ context.Context, key envelope.ConversationKey) error {
	p.mu.Lock()
	p.blocked[key] = struct{}{}
	p.mu.Unlock()
	return nil
}

func (p *StaticPolicy) Unblock(_ context.Context, key envelope.ConversationKey) error {
	p.mu.Lock()
	delete(p.blocked, key)
	p.mu.Unlock()
	return nil
}

// SeedPolicy blocks every key in keys on p.
func SeedPolicy(ctx context.Context, p MutablePolicy, keys []envelope.ConversationKey) error {
	for _, k := range keys {
		if err := p.Block(ctx, k); err != nil {
			return err
		}
	}
	return nil
}
