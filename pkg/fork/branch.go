package fork

import (
	"sync"

	"github.com/papercomputeco/sipfork/pkg/sip"
)

// BranchListener follows the life of a single branch. Push schedulers
// register as listeners to stop their timers when the branch ends.
type BranchListener interface {
	OnBranchCanceled(br *Branch, status Status)
	OnBranchCompleted(br *Branch)
}

// Branch is one delivery attempt of the forked request to a single contact.
//
// A branch does not own its fork operation. It keeps a reference to the
// Context that routes its events, which is the proxy when the fork is
// persisted, and Bind replaces it when the fork is restored.
type Branch struct {
	mu sync.Mutex

	id       string
	request  *sip.Request
	contact  sip.Contact
	tr       sip.Transaction
	status   int
	pushSent bool

	ctx       Context
	listeners []BranchListener
}

// NewBranch creates a branch routed through ctx.
func NewBranch(id string, req *sip.Request, contact sip.Contact, ctx Context) *Branch {
	return &Branch{
		id:      id,
		request: req,
		contact: contact,
		ctx:     ctx,
	}
}

func (b *Branch) ID() string {
	return b.id
}

func (b *Branch) Request() *sip.Request {
	return b.request
}

func (b *Branch) Contact() sip.Contact {
	return b.contact
}

// UID returns the instance identifier of the contact, or its URI when the
// contact has none.
func (b *Branch) UID() string {
	if b.contact.UID != "" {
		return b.contact.UID
	}
	return b.contact.URI
}

func (b *Branch) Transaction() sip.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tr
}

func (b *Branch) SetTransaction(tr sip.Transaction) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tr = tr
}

// Status returns the last response status received on the branch, 0 if none.
func (b *Branch) Status() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *Branch) SetStatus(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = status
}

// IsAnswered reports whether the branch received a final response.
func (b *Branch) IsAnswered() bool {
	return b.Status() >= 200
}

func (b *Branch) PushSent() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pushSent
}

func (b *Branch) MarkPushSent() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pushSent = true
}

// Context returns the fork operation events of this branch are routed to.
func (b *Branch) Context() Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ctx
}

// Bind routes future events of the branch through ctx.
func (b *Branch) Bind(ctx Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ctx = ctx
}

func (b *Branch) AddListener(l BranchListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// NotifyCompleted tells every listener the branch got its final response.
// Listeners are released afterwards, so later calls are no-ops.
func (b *Branch) NotifyCompleted() {
	for _, l := range b.takeListeners() {
		l.OnBranchCompleted(b)
	}
}

// NotifyCanceled tells every listener the branch was cancelled.
func (b *Branch) NotifyCanceled(status Status) {
	for _, l := range b.takeListeners() {
		l.OnBranchCanceled(b, status)
	}
}

func (b *Branch) takeListeners() []BranchListener {
	b.mu.Lock()
	defer b.mu.Unlock()
	ls := b.listeners
	b.listeners = nil
	return ls
}

// OnPushSent reports a successfully sent wake-up push to the fork operation.
func (b *Branch) OnPushSent() {
	if ctx := b.Context(); ctx != nil {
		ctx.OnPushSent(b)
	}
}

// OnPushError reports a push transport failure to the fork operation.
func (b *Branch) OnPushError(err error) {
	if ctx := b.Context(); ctx != nil {
		ctx.OnPushError(b, err)
	}
}

// Decline answers the branch locally with 603 Decline.
func (b *Branch) Decline(phrase string) {
	if ctx := b.Context(); ctx != nil {
		ctx.OnResponse(b, sip.Response{Status: 603, Phrase: phrase})
	}
}
