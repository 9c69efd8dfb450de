// Package kafka hands push requests to a push gateway through a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/papercomputeco/sipfork/pkg/push"
)

// Writer is the subset of kafka.Writer used by Service.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Service publishes each push request keyed by device, so that every
// attempt for one device lands on the same partition.
type Service struct {
	writer Writer
}

// NewService creates a service writing to topic.
func NewService(brokers []string, topic string) (*Service, error) {
	if len(brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}
	if topic == "" {
		return nil, errors.New("kafka topic is required")
	}

	return NewServiceWithWriter(&kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		BatchTimeout: 5 * time.Millisecond,
	}), nil
}

// NewServiceWithWriter wraps an existing writer.
func NewServiceWithWriter(w Writer) *Service {
	return &Service{writer: w}
}

func (s *Service) Send(ctx context.Context, req *push.Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding push request: %w", err)
	}

	err = s.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(req.PRID),
		Value: payload,
		Headers: []kafkago.Header{
			{Key: "pn_provider", Value: []byte(req.Provider)},
			{Key: "push_type", Value: []byte(req.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("sending push: %w", err)
	}
	return nil
}

func (s *Service) Close() error {
	return s.writer.Close()
}
