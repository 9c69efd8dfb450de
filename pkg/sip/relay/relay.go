// Package relay hands outgoing SIP traffic to the edge proxy through a Kafka
// topic. The edge owns the transaction layer; the router only decides where
// requests go and what the caller hears back.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/papercomputeco/sipfork/pkg/idgen"
	"github.com/papercomputeco/sipfork/pkg/logger"
	"github.com/papercomputeco/sipfork/pkg/sip"
)

// Kind is the type of a relayed message.
type Kind string

const (
	KindRequest  Kind = "request"
	KindCancel   Kind = "cancel"
	KindResponse Kind = "response"
)

const defaultWriteTimeout = 5 * time.Second

// Message is the JSON value written for every relayed action.
type Message struct {
	Kind          Kind          `json:"kind"`
	TransactionID string        `json:"transaction_id,omitempty"`
	CallID        string        `json:"call_id"`
	Request       *sip.Request  `json:"request,omitempty"`
	Contact       *sip.Contact  `json:"contact,omitempty"`
	Response      *sip.Response `json:"response,omitempty"`
	SentAt        time.Time     `json:"sent_at"`
}

// Writer is the subset of kafka.Writer used by Relay.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Relay implements sip.Dispatcher and sip.Responder. Writes never call back
// into the router.
type Relay struct {
	writer  Writer
	ids     idgen.Generator
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

var (
	_ sip.Dispatcher = (*Relay)(nil)
	_ sip.Responder  = (*Relay)(nil)
)

// New creates a relay writing to topic.
func New(brokers []string, topic string, log *slog.Logger) (*Relay, error) {
	if len(brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}
	if topic == "" {
		return nil, errors.New("kafka topic is required")
	}

	return NewWithWriter(&kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		BatchTimeout: 5 * time.Millisecond,
	}, log), nil
}

// NewWithWriter wraps an existing writer.
func NewWithWriter(w Writer, log *slog.Logger) *Relay {
	if log == nil {
		log = logger.Nop()
	}
	return &Relay{
		writer:  w,
		ids:     idgen.Prefixed("tx-", idgen.Default),
		logger:  log,
		timeout: defaultWriteTimeout,
		now:     time.Now,
	}
}

// Dispatch writes the request for contact and returns a transaction whose
// Cancel relays a CANCEL for it.
func (r *Relay) Dispatch(ctx context.Context, req *sip.Request, contact sip.Contact) (sip.Transaction, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}

	tx := &transaction{id: r.ids(), relay: r, callID: req.CallID}
	err := r.write(ctx, &Message{
		Kind:          KindRequest,
		TransactionID: tx.id,
		CallID:        req.CallID,
		Request:       req,
		Contact:       &contact,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatching to %s: %w", contact.URI, err)
	}
	return tx, nil
}

// Respond relays the final answer of a fork to the caller.
func (r *Relay) Respond(req *sip.Request, resp sip.Response) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	msg := &Message{
		Kind:     KindResponse,
		Response: &resp,
	}
	if req != nil {
		msg.CallID = req.CallID
	}
	if err := r.write(ctx, msg); err != nil {
		r.logger.Error("failed to relay response",
			"call_id", msg.CallID,
			"status", resp.Status,
			"error", err,
		)
	}
}

func (r *Relay) Close() error {
	return r.writer.Close()
}

func (r *Relay) write(ctx context.Context, msg *Message) error {
	msg.SentAt = r.now().UTC()
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", msg.Kind, err)
	}

	return r.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(msg.CallID),
		Value: payload,
		Headers: []kafkago.Header{
			{Key: "kind", Value: []byte(msg.Kind)},
		},
	})
}

type transaction struct {
	id     string
	relay  *Relay
	callID string
}

func (t *transaction) ID() string {
	return t.id
}

func (t *transaction) Cancel() {
	ctx, cancel := context.WithTimeout(context.Background(), t.relay.timeout)
	defer cancel()

	err := t.relay.write(ctx, &Message{
		Kind:          KindCancel,
		TransactionID: t.id,
		CallID:        t.callID,
	})
	if err != nil {
		t.relay.logger.Warn("failed to relay cancel",
			"transaction_id", t.id,
			"call_id", t.callID,
			"error", err,
		)
	}
}
