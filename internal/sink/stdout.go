package sink

import (
	"context"
	"encoding/json"
	"io"

	"castle-stream/internal/castle"
)

// Stdout writes each released record as one NDJSON line to an io.Writer.
// It is the default sink and has no external dependency beyond
// encoding/json.
type Stdout struct {
	w io.Writer
}

// NewStdout wraps w as an NDJSON sink.
func NewStdout(w io.Writer) *Stdout {
	return &Stdout{w: w}
}

func (s *Stdout) Emit(_ context.Context, out castle.Output) error {
	enc := json.NewEncoder(s.w)
	return enc.Encode(out)
}

func (s *Stdout) Close() error { return nil }
