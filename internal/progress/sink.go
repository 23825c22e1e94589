package progress

import "context"

// Sink consumes batches of events. Consume and Close are only called from
// the hub goroutine and should honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter accepts single events. Hub satisfies it.
type Emitter interface {
	Emit(evt Event)
}
