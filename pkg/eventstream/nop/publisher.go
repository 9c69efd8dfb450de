package nop

import (
	"context"

	"github.com/papercomputeco/sipfork/pkg/eventstream"
)

// Publisher is a no-op eventstream publisher used for tests and disabled mode.
type Publisher struct{}

// NewPublisher creates a new no-op eventstream publisher.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// PublishFork validates input and otherwise does nothing.
func (p *Publisher) PublishFork(_ context.Context, event *eventstream.ForkEvent) error {
	if event == nil {
		return eventstream.ErrNilForkEvent
	}

	return nil
}

// Close is a no-op.
func (p *Publisher) Close() error {
	return nil
}
