package history

import (
	"context"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chat-relay/pkg/envelope"
)

// Fetcher returns the snapshot of the conversation between a and b, oldest first.
type Fetcher interface {
	Fetch(ctx context.Context, a, b string) ([]envelope.Envelope, error)
}

// Appender persists accepted envelopes. Appending an id that is already stored is a no-op.
type Appender interface {
	Append(ctx context.Context, env envelope.Envelope) error
}

type Store interface {
	Fetcher
	Appender
	Close() error
}

// Load fetches the snapshot for (a, b) and applies it to tl. On error tl is left untouched and
// keeps accepting live envelopes.
func Load(ctx context.Context, f Fetcher, a, b string, tl *Timeline) error {
	if f == nil {
		return errors.New("history: fetcher is nil")
	}
	if tl == nil {
		return errors.New("history: timeline is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	snap, err := f.Fetch(ctx, a, b)
	if err != nil {
		return errors.Wrap(err, "history: fetch snapshot")
	}
	tl.ApplySnapshot(snap)
	return nil
}
