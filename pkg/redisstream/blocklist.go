package redisstream

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/go-go-golems/chat-relay/pkg/envelope"
	"github.com/go-go-golems/chat-relay/pkg/relay"
)

// BlockList keeps blocked conversation keys in a Redis set, so every relay pointed at the same
// Redis shares one policy.
type BlockList struct {
	client *redis.Client
	key    string
}

var _ relay.MutablePolicy = &BlockList{}

func NewBlockList(client *redis.Client, key string) (*BlockList, error) {
	if client == nil {
		return nil, errors.New("redis block list: client is nil")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("redis block list: key is empty")
	}
	return &BlockList{client: client, key: key}, nil
}

func (b *BlockList) IsBlocked(ctx context.Context, key envelope.ConversationKey) (bool, error) {
	ok, err := b.client.SIsMember(ctx, b.key, key.String()).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis block list: check")
	}
	return ok, nil
}

func (b *BlockList) Block(ctx context.Context, key envelope.ConversationKey) error {
	if err := b.client.SAdd(ctx, b.key, key.String()).Err(); err != nil {
		return errors.Wrap(err, "redis block list: add")
	}
	return nil
}

func (b *BlockList) Unblock(ctx context.Context, key envelope.ConversationKey) error {
	if err := b.client.SRem(ctx, b.key, key.String()).Err(); err != nil {
		return errors.Wrap(err, "redis block list: remove")
	}
	return nil
}

// Keys lists the blocked conversations.
func (b *BlockList) Keys(ctx context.Context) ([]envelope.ConversationKey, error) {
	members, err := b.client.SMembers(ctx, b.key).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis block list: list")
	}
	out := make([]envelope.ConversationKey, 0, len(members))
	for _, m := range members {
		k, err := envelope.ParseKey(m)
		if err != nil {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}
