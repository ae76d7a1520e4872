package progress

import "context"

// Sink consumes batches of activity records. Implementations must be safe for
// repeated calls, honor ctx deadlines, and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []Record) error
	Close(ctx context.Context) error
}

// Emitter publishes individual records; Hub satisfies this interface so
// workers stay agnostic about how records are buffered or persisted.
type Emitter interface {
	Emit(rec Record)
}

// Discard is an Emitter that drops every record.
type Discard struct{}

// Emit implements Emitter.
func (Discard) Emit(Record) {}
