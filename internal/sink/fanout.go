package sink

import (
	"context"
	"log"

	"castle-stream/internal/castle"
	"castle-stream/internal/metrics"
)

// Fanout adapts a slice of Sinks into the single func(Output) error shape
// the engine expects. Sinks are called one after another on the caller's
// goroutine; a failing sink is logged and counted in metrics but never
// propagated to the engine, and does not stop delivery to the sinks after
// it. A slow sink is not isolated: it delays the sinks after it and the
// engine's Insert call that triggered the release.
type Fanout struct {
	sinks []Sink
	met   *metrics.Metrics
}

// NewFanout combines sinks into one castle.Sink. met may be nil.
func NewFanout(met *metrics.Metrics, sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, met: met}
}

// AsEngineSink returns the func(Output) error the engine's constructor
// expects.
func (f *Fanout) AsEngineSink() castle.Sink {
	return func(out castle.Output) error {
		ctx := context.Background()
		for _, s := range f.sinks {
			if err := s.Emit(ctx, out); err != nil {
				if f.met != nil {
					f.met.SinkErrors.Add(1)
				}
				log.Printf("[SINK] emit failed: %v", err)
			}
		}
		return nil
	}
}

// Close closes every wrapped sink, collecting the first error.
func (f *Fanout) Close() error {
	var first error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
