package cursor

import (
	"context"

	"github.com/withobsrvr/flowscope/internal/source"
)

// Provider is a source that also hands out cursors. The cursor may live in
// this process or behind a worker connection.
type Provider interface {
	source.Source

	// GetMessageCursor opens a cursor over a fresh iterator. Cancelling abort
	// cancels every read on the cursor.
	GetMessageCursor(ctx context.Context, args source.IteratorArgs, abort context.Context) (Cursor, error)
}
