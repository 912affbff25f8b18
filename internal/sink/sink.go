// Package sink adapts the engine's single release callback onto external
// delivery mechanisms: a plain NDJSON writer, a websocket dashboard feed,
// and a Postgres audit table. A Fanout wraps any number of them so a
// failing downstream does not stop delivery to the others; sinks are
// called in sequence, so a slow one still delays the rest.
package sink

import (
	"context"

	"castle-stream/internal/castle"
)

// Sink delivers one released (generalized) record. Implementations must
// not block indefinitely: the engine is synchronous and a slow sink
// stalls the entire stream.
type Sink interface {
	Emit(ctx context.Context, out castle.Output) error
	Close() error
}
