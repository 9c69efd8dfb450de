package relay_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/papercomputeco/sipfork/pkg/logger"
	"github.com/papercomputeco/sipfork/pkg/sip"
	"github.com/papercomputeco/sipfork/pkg/sip/relay"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafkago.Message
	err      error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) decoded() []relay.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]relay.Message, 0, len(w.messages))
	for _, m := range w.messages {
		var msg relay.Message
		Expect(json.Unmarshal(m.Value, &msg)).To(Succeed())
		out = append(out, msg)
	}
	return out
}

var _ = Describe("Relay", func() {
	var (
		w   *fakeWriter
		r   *relay.Relay
		req *sip.Request
	)

	BeforeEach(func() {
		w = &fakeWriter{}
		r = relay.NewWithWriter(w, logger.Nop())
		req = &sip.Request{
			Method: sip.MethodMessage,
			CallID: "call-1",
			From:   "sip:alice@example.org",
			To:     "sip:bob@example.org",
		}
	})

	It("writes dispatched requests keyed by Call-ID", func() {
		tx, err := r.Dispatch(context.Background(), req, sip.Contact{URI: "sip:bob@10.0.0.2", UID: "phone"})
		Expect(err).NotTo(HaveOccurred())
		Expect(tx.ID()).To(HavePrefix("tx-"))

		Expect(w.messages).To(HaveLen(1))
		Expect(string(w.messages[0].Key)).To(Equal("call-1"))

		msgs := w.decoded()
		Expect(msgs[0].Kind).To(Equal(relay.KindRequest))
		Expect(msgs[0].TransactionID).To(Equal(tx.ID()))
		Expect(msgs[0].Request.Method).To(Equal(sip.MethodMessage))
		Expect(msgs[0].Contact.UID).To(Equal("phone"))
	})

	It("relays cancels for a dispatched transaction", func() {
		tx, err := r.Dispatch(context.Background(), req, sip.Contact{URI: "sip:bob@10.0.0.2"})
		Expect(err).NotTo(HaveOccurred())

		tx.Cancel()

		msgs := w.decoded()
		Expect(msgs).To(HaveLen(2))
		Expect(msgs[1].Kind).To(Equal(relay.KindCancel))
		Expect(msgs[1].TransactionID).To(Equal(tx.ID()))
		Expect(msgs[1].CallID).To(Equal("call-1"))
	})

	It("relays responses", func() {
		r.Respond(req, sip.Response{Status: 202, Phrase: "Accepted"})

		msgs := w.decoded()
		Expect(msgs).To(HaveLen(1))
		Expect(msgs[0].Kind).To(Equal(relay.KindResponse))
		Expect(msgs[0].Response.Status).To(Equal(202))
	})

	It("fails the dispatch when the broker is down", func() {
		w.err = errors.New("broker down")

		_, err := r.Dispatch(context.Background(), req, sip.Contact{URI: "sip:bob@10.0.0.2"})
		Expect(err).To(MatchError(ContainSubstring("broker down")))
	})

	It("validates its configuration", func() {
		_, err := relay.New(nil, "sip", nil)
		Expect(err).To(HaveOccurred())
		_, err = relay.New([]string{"localhost:9092"}, "", nil)
		Expect(err).To(HaveOccurred())
	})

	It("logs instead of writing with a LogWriter", func() {
		lr := relay.NewWithWriter(relay.NewLogWriter(logger.Nop()), nil)
		_, err := lr.Dispatch(context.Background(), req, sip.Contact{URI: "sip:bob@10.0.0.2"})
		Expect(err).NotTo(HaveOccurred())
		Expect(lr.Close()).To(Succeed())
	})
})
