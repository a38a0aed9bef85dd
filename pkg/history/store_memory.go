package history

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chat-relay/pkg/envelope"
)

// MemoryStore is a size-limited, in-memory Store. It mirrors the ordering semantics of the
// SQLite store: ordered by SentAt within a conversation, ties in append order, oldest first.
type MemoryStore struct {
	mu         sync.Mutex
	maxPerConv int
	fetchLimit int
	convs      map[envelope.ConversationKey]*memConversation
}

type memConversation struct {
	messages []envelope.Envelope
	ids      map[string]struct{}
}

var _ Store = &MemoryStore{}

func NewMemoryStore(maxPerConv int) *MemoryStore {
	if maxPerConv <= 0 {
		maxPerConv = 5000
	}
	return &MemoryStore{
		maxPerConv: maxPerConv,
		convs:      map[envelope.ConversationKey]*memConversation{},
	}
}

// SetFetchLimit caps Fetch to the latest n messages. n <= 0 returns everything retained.
func (s *MemoryStore) SetFetchLimit(n int) {
	s.mu.Lock()
	s.fetchLimit = n
	s.mu.Unlock()
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Append(_ context.Context, env envelope.Envelope) error {
	if s == nil {
		return errors.New("in-memory history store: nil store")
	}
	if strings.TrimSpace(env.ID) == "" {
		return errors.New("in-memory history store: envelope id is empty")
	}
	key, err := envelope.KeyFor(env.SenderID, env.ReceiverID)
	if err != nil {
		return errors.Wrap(err, "in-memory history store: invalid envelope")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.convs[key]
	if conv == nil {
		conv = &memConversation{ids: map[string]struct{}{}}
		s.convs[key] = conv
	}
	if _, ok := conv.ids[env.ID]; ok {
		return nil
	}
	conv.ids[env.ID] = struct{}{}
	at := sort.Search(len(conv.messages), func(i int) bool {
		return conv.messages[i].SentAt.After(env.SentAt)
	})
	conv.messages = slices.Insert(conv.messages, at, env)
	if over := len(conv.messages) - s.maxPerConv; over > 0 {
		for _, evicted := range conv.messages[:over] {
			delete(conv.ids, evicted.ID)
		}
		conv.messages = append([]envelope.Envelope(nil), conv.messages[over:]...)
	}
	return nil
}

func (s *MemoryStore) Fetch(_ context.Context, a, b string) ([]envelope.Envelope, error) {
	if s == nil {
		return nil, errors.New("in-memory history store: nil store")
	}
	key, err := envelope.KeyFor(a, b)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.convs[key]
	if conv == nil {
		return []envelope.Envelope{}, nil
	}
	msgs := conv.messages
	if s.fetchLimit > 0 && len(msgs) > s.fetchLimit {
		msgs = msgs[len(msgs)-s.fetchLimit:]
	}
	return append([]envelope.Envelope{}, msgs...), nil
}
