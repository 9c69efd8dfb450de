package testutils

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/papercomputeco/sipfork/pkg/fork"
	"github.com/papercomputeco/sipfork/pkg/sip"
)

// Response is one answer recorded by a Responder.
type Response struct {
	Request  *sip.Request
	Response sip.Response
}

// Responder records upstream responses.
type Responder struct {
	mu        sync.Mutex
	responses []Response
}

func NewResponder() *Responder {
	return &Responder{}
}

func (r *Responder) Respond(req *sip.Request, resp sip.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, Response{Request: req, Response: resp})
}

// Statuses returns the recorded status codes in order.
func (r *Responder) Statuses() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.responses))
	for _, resp := range r.responses {
		out = append(out, resp.Response.Status)
	}
	return out
}

// Transaction is a client transaction that records cancellation.
type Transaction struct {
	id       string
	canceled atomic.Bool
}

func NewTransaction(id string) *Transaction {
	return &Transaction{id: id}
}

func (t *Transaction) ID() string { return t.id }

func (t *Transaction) Cancel() { t.canceled.Store(true) }

func (t *Transaction) Canceled() bool { return t.canceled.Load() }

// ErrDispatch is returned by a Dispatcher configured to fail.
var ErrDispatch = errors.New("dispatch failed")

// Dispatcher records outgoing requests and hands out Transactions.
type Dispatcher struct {
	Fail atomic.Bool

	mu       sync.Mutex
	contacts []sip.Contact
	txs      []*Transaction
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

func (d *Dispatcher) Dispatch(_ context.Context, _ *sip.Request, contact sip.Contact) (sip.Transaction, error) {
	if d.Fail.Load() {
		return nil, ErrDispatch
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	tr := NewTransaction(contact.URI)
	d.contacts = append(d.contacts, contact)
	d.txs = append(d.txs, tr)
	return tr, nil
}

// Contacts returns every contact a request was dispatched to.
func (d *Dispatcher) Contacts() []sip.Contact {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sip.Contact(nil), d.contacts...)
}

// Transactions returns every transaction handed out.
func (d *Dispatcher) Transactions() []*Transaction {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Transaction(nil), d.txs...)
}

// Listener records fork completions and restore failures.
type Listener struct {
	mu            sync.Mutex
	finished      []fork.Context
	restoreFailed []fork.Context
	restoreErrors []error
}

func NewListener() *Listener {
	return &Listener{}
}

func (l *Listener) OnForkContextFinished(ctx fork.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finished = append(l.finished, ctx)
}

func (l *Listener) OnForkContextRestoreFailed(ctx fork.Context, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.restoreFailed = append(l.restoreFailed, ctx)
	l.restoreErrors = append(l.restoreErrors, err)
}

// Finished returns how many completions were reported.
func (l *Listener) Finished() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.finished)
}

// FinishedContexts returns the reported fork operations.
func (l *Listener) FinishedContexts() []fork.Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]fork.Context(nil), l.finished...)
}

// RestoreErrors returns the reported restore failures.
func (l *Listener) RestoreErrors() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.restoreErrors...)
}

// BranchListener records branch completion and cancellation.
type BranchListener struct {
	Completed atomic.Int64
	Canceled  atomic.Int64

	mu       sync.Mutex
	statuses []fork.Status
}

func (b *BranchListener) OnBranchCanceled(_ *fork.Branch, status fork.Status) {
	b.Canceled.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses = append(b.statuses, status)
}

func (b *BranchListener) OnBranchCompleted(_ *fork.Branch) {
	b.Completed.Add(1)
}

// Statuses returns the cancellation reasons received.
func (b *BranchListener) Statuses() []fork.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]fork.Status(nil), b.statuses...)
}
