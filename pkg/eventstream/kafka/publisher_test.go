package kafka_test

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/papercomputeco/sipfork/pkg/eventstream"
	"github.com/papercomputeco/sipfork/pkg/eventstream/kafka"
)

type fakeWriter struct {
	messages []kafkago.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

var _ = Describe("Publisher", func() {
	var (
		writer *fakeWriter
		pub    *kafka.Publisher
		ctx    context.Context
	)

	BeforeEach(func() {
		writer = &fakeWriter{}
		pub = kafka.NewPublisherWithWriter(writer)
		ctx = context.Background()
	})

	It("requires brokers", func() {
		_, err := kafka.NewPublisher(kafka.Config{Topic: "forks"})
		Expect(err).To(MatchError(kafka.ErrNoBrokers))
	})

	It("requires a topic", func() {
		_, err := kafka.NewPublisher(kafka.Config{Brokers: []string{"localhost:9092"}})
		Expect(err).To(HaveOccurred())
	})

	It("builds a writer without connecting", func() {
		p, err := kafka.NewPublisher(kafka.Config{Brokers: []string{"localhost:9092"}, Topic: "forks"})
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Close()).To(Succeed())
	})

	It("writes the event keyed by fork ID", func() {
		event := eventstream.NewForkEvent(
			eventstream.EventTypeForkCompleted,
			eventstream.EventSource{Instance: "sipfork-1"},
			eventstream.ForkMeta{ID: "fork-1", CallID: "call-1", Phase: "completed", Finished: true},
			time.Unix(1735689600, 0),
		)

		Expect(pub.PublishFork(ctx, event)).To(Succeed())
		Expect(writer.messages).To(HaveLen(1))

		msg := writer.messages[0]
		Expect(string(msg.Key)).To(Equal("fork-1"))
		Expect(msg.Headers).To(ContainElement(kafkago.Header{Key: "event_type", Value: []byte(eventstream.EventTypeForkCompleted)}))

		var decoded eventstream.ForkEvent
		Expect(json.Unmarshal(msg.Value, &decoded)).To(Succeed())
		Expect(decoded.Fork.CallID).To(Equal("call-1"))
	})

	It("rejects nil events", func() {
		Expect(pub.PublishFork(ctx, nil)).To(MatchError(eventstream.ErrNilForkEvent))
	})

	It("wraps writer errors", func() {
		writer.err = errors.New("broker down")
		err := pub.PublishFork(ctx, &eventstream.ForkEvent{EventType: eventstream.EventTypeForkCreated})
		Expect(err).To(MatchError(ContainSubstring("broker down")))
	})

	It("closes the writer", func() {
		Expect(pub.Close()).To(Succeed())
		Expect(writer.closed).To(BeTrue())
	})
})
