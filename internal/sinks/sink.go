// Package sinks implements downstream consumers of the run event stream:
// Prometheus collectors, repository-backed run history, and structured
// logging. Each sink satisfies the Sink interface and is safe for repeated
// Consume/Close cycles.
package sinks

import (
	"context"

	"github.com/runlens/runlens/internal/events"
)

// Sink consumes batches of run events. Implementations must be safe for
// repeated calls, honor ctx deadlines, and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []events.Event) error
	Close(ctx context.Context) error
}
