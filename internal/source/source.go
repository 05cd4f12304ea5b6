package source

import (
	"context"
	"errors"

	"github.com/withobsrvr/flowscope/internal/model"
)

// ErrInvalidArgs is returned when Args does not name exactly one of File or URL.
var ErrInvalidArgs = errors.New("source: exactly one of file or url is required")

// IteratorArgs bounds a message iterator.
type IteratorArgs struct {
	Topics []string    `codec:"topics"`
	Start  *model.Time `codec:"start"`
	// End is inclusive.
	End *model.Time `codec:"end"`
}

// BackfillArgs asks for the latest message per topic at or before Time.
type BackfillArgs struct {
	Topics []string   `codec:"topics"`
	Time   model.Time `codec:"time"`
}

// MessageIterator is a single-pass reader over time-ordered results.
type MessageIterator interface {
	// Next returns the next result, or false once the iterator is exhausted.
	Next(ctx context.Context) (model.IteratorResult, bool, error)

	// Close releases the iterator. Callers must call it once when abandoning the iterator.
	Close() error
}

// Source defines the interface for data sources
type Source interface {
	// Initialize reports topics, time range and problems. Called once.
	Initialize(ctx context.Context) (*model.Initialization, error)

	// MessageIterator opens an independent reader. Several may be open at once.
	MessageIterator(ctx context.Context, args IteratorArgs) (MessageIterator, error)

	// GetBackfillMessages returns the last message per topic at or before args.Time.
	// Cancelling ctx aborts the lookup.
	GetBackfillMessages(ctx context.Context, args BackfillArgs) ([]model.MessageEvent, error)

	// Close shuts down the source
	Close() error
}

// topicSet builds a lookup set; nil means all topics.
func topicSet(topics []string) map[string]struct{} {
	if len(topics) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}
	return set
}
