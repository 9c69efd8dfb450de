package eventstream

import "context"

// Publisher publishes fork lifecycle events to an event stream backend.
type Publisher interface {
	PublishFork(ctx context.Context, event *ForkEvent) error
	Close() error
}
