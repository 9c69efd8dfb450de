// Package message implements the in-memory fork operation used for
// non-call requests (MESSAGE, REFER). It keeps every branch resident and is
// the object dbproxy.Proxy swaps to and from storage.
package message

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/papercomputeco/sipfork/pkg/fork"
	"github.com/papercomputeco/sipfork/pkg/idgen"
	"github.com/papercomputeco/sipfork/pkg/logger"
	"github.com/papercomputeco/sipfork/pkg/sip"
)

// ErrUnsupportedSnapshot is returned by Restore for unknown snapshot versions.
var ErrUnsupportedSnapshot = errors.New("unsupported snapshot version")

// Deps are the collaborators of a message fork.
type Deps struct {
	// Listener is notified once when the fork finishes.
	Listener fork.Listener

	// Responder answers the incoming transaction. Optional.
	Responder sip.Responder

	Logger *slog.Logger
	Clock  clockwork.Clock
	IDs    idgen.Generator
}

func (d *Deps) withDefaults() Deps {
	out := *d
	if out.Logger == nil {
		out.Logger = logger.Nop()
	}
	if out.Clock == nil {
		out.Clock = clockwork.NewRealClock()
	}
	if out.IDs == nil {
		out.IDs = idgen.Default
	}
	return out
}

// Context is a fully resident message fork operation.
type Context struct {
	mu   sync.Mutex
	deps Deps

	request  *sip.Request
	config   fork.Config
	keys     []string
	branches []*fork.Branch

	createdAt    time.Time
	expiresAt    time.Time
	started      bool
	acceptedSent bool
	finished     bool
	final        *sip.Response

	// effects run after mu is released so that listeners may call back in.
	effects []func()
}

var _ fork.Context = (*Context)(nil)

// New creates a message fork for req.
func New(req *sip.Request, cfg fork.Config, deps Deps) *Context {
	d := deps.withDefaults()
	now := d.Clock.Now().UTC().Round(0)

	c := &Context{
		deps:      d,
		request:   req,
		config:    cfg,
		createdAt: now,
	}
	if cfg.DeliveryTimeout > 0 {
		c.expiresAt = now.Add(cfg.DeliveryTimeout)
	}
	return c
}

// Restore rebuilds a live fork from its snapshot. Restored branches route
// their events to the new Context until re-bound.
func Restore(snap *fork.Snapshot, deps Deps) (*Context, error) {
	if snap == nil {
		return nil, errors.New("nil snapshot")
	}
	if snap.Version != fork.SnapshotVersion {
		return nil, ErrUnsupportedSnapshot
	}

	d := deps.withDefaults()
	c := &Context{
		deps:         d,
		request:      snap.Request.Clone(),
		config:       snap.Config,
		keys:         append([]string(nil), snap.Keys...),
		createdAt:    snap.CreatedAt,
		expiresAt:    snap.ExpiresAt,
		started:      snap.Started,
		acceptedSent: snap.AcceptedSent,
		finished:     snap.Finished,
	}
	if snap.FinalResponse != nil {
		final := *snap.FinalResponse
		c.final = &final
	}

	for _, bs := range snap.Branches {
		br := fork.NewBranch(bs.ID, c.request, bs.Contact, c)
		br.SetStatus(bs.Status)
		if bs.PushSent {
			br.MarkPushSent()
		}
		c.branches = append(c.branches, br)
	}

	return c, nil
}

// Snapshot captures the persistable state. The snapshot ID is left empty:
// it belongs to whoever stores it.
func (c *Context) Snapshot() *fork.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := &fork.Snapshot{
		Version:      fork.SnapshotVersion,
		Request:      c.request.Clone(),
		Keys:         append([]string(nil), c.keys...),
		Config:       c.config,
		CreatedAt:    c.createdAt,
		ExpiresAt:    c.expiresAt,
		Started:      c.started,
		AcceptedSent: c.acceptedSent,
		Finished:     c.finished,
	}
	if c.final != nil {
		final := *c.final
		snap.FinalResponse = &final
	}
	for _, br := range c.branches {
		snap.Branches = append(snap.Branches, fork.BranchSnapshot{
			ID:       br.ID(),
			Contact:  br.Contact(),
			Status:   br.Status(),
			PushSent: br.PushSent(),
		})
	}
	return snap
}

// Branches returns the current branches.
func (c *Context) Branches() []*fork.Branch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fork.Branch(nil), c.branches...)
}

// Adopt swaps the branch with the same ID as br for br itself, copying the
// restored status onto it. Branch objects held by transactions and push
// schedulers keep working across an evict and restore cycle this way.
func (c *Context) Adopt(br *fork.Branch) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, cur := range c.branches {
		if cur.ID() != br.ID() {
			continue
		}
		br.SetStatus(cur.Status())
		if cur.PushSent() {
			br.MarkPushSent()
		}
		br.Bind(c)
		c.branches[i] = br
		return true
	}
	return false
}

// ExpiresAt returns the delivery deadline, zero when the fork never expires.
func (c *Context) ExpiresAt() time.Time {
	return c.expiresAt
}

// FinalResponse returns the response the fork finished with, nil until then.
func (c *Context) FinalResponse() *sip.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.final == nil {
		return nil
	}
	final := *c.final
	return &final
}

func (c *Context) lock() {
	c.mu.Lock()
}

func (c *Context) unlock() {
	effects := c.effects
	c.effects = nil
	c.mu.Unlock()

	for _, fn := range effects {
		fn()
	}
}

func (c *Context) AddBranch(req *sip.Request, contact sip.Contact) *fork.Branch {
	c.lock()
	defer c.unlock()

	br := fork.NewBranch(c.deps.IDs(), req, contact, c)
	c.branches = append(c.branches, br)

	c.deps.Logger.Debug("branch added",
		"branch_id", br.ID(),
		"contact", contact.URI,
	)
	return br
}

func (c *Context) AllCurrentBranchesAnswered(ignoreErrorsAndTimeouts bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allAnswered(ignoreErrorsAndTimeouts)
}

func (c *Context) allAnswered(ignoreErrorsAndTimeouts bool) bool {
	for _, br := range c.branches {
		status := br.Status()
		if status < 200 {
			return false
		}
		if (status == 408 || status == 503) && !ignoreErrorsAndTimeouts {
			return false
		}
	}
	return true
}

// HasNextBranches is always false: message forks start every branch at once.
func (c *Context) HasNextBranches() bool {
	return false
}

func (c *Context) ProcessInternalError(status int, phrase string) {
	c.lock()
	defer c.unlock()
	c.finish(&sip.Response{Status: status, Phrase: phrase})
}

func (c *Context) Start() {
	c.lock()
	defer c.unlock()

	if c.started || c.finished {
		return
	}
	c.started = true

	if len(c.branches) == 0 {
		if c.config.ForkLate {
			c.accept()
			return
		}
		c.finish(&sip.Response{Status: 480, Phrase: "Temporarily Unavailable"})
		return
	}

	c.evaluate()
}

func (c *Context) AddKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, k := range c.keys {
		if k == key {
			return
		}
	}
	c.keys = append(c.keys, key)
}

func (c *Context) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.keys...)
}

func (c *Context) OnPushSent(br *fork.Branch) {
	c.lock()
	defer c.unlock()

	br.MarkPushSent()
	if c.config.ForkLate && !c.finished {
		c.accept()
	}
}

func (c *Context) OnPushError(br *fork.Branch, err error) {
	c.deps.Logger.Debug("push notification failed",
		"branch_id", br.ID(),
		"error", err,
	)
}

// OnCancel does nothing: a sent message cannot be cancelled.
func (c *Context) OnCancel(_ *sip.Request) {}

func (c *Context) OnResponse(br *fork.Branch, resp sip.Response) {
	c.lock()
	defer c.unlock()

	if c.finished {
		return
	}

	br.SetStatus(resp.Status)
	if !resp.IsFinal() {
		return
	}
	c.effects = append(c.effects, br.NotifyCompleted)

	switch {
	case resp.IsSuccess(), resp.Class() == 6:
		c.finish(&resp)
	default:
		if c.started {
			c.evaluate()
		}
	}
}

func (c *Context) OnNewRegister(_, uid string, dispatch func()) bool {
	c.lock()
	defer c.unlock()

	if c.finished || !c.config.ForkLate {
		return false
	}

	for _, br := range c.branches {
		if br.UID() != uid {
			continue
		}
		status := br.Status()
		if status < 200 || (status >= 200 && status < 300) {
			// Still pending, or already delivered to this device.
			return false
		}
	}

	c.effects = append(c.effects, dispatch)
	return true
}

func (c *Context) Event() *sip.Request {
	return c.request
}

func (c *Context) Config() *fork.Config {
	cfg := c.config
	return &cfg
}

func (c *Context) IsFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

// evaluate finishes the fork when no branch can bring a better answer.
// Must be called with mu held.
func (c *Context) evaluate() {
	if !c.allAnswered(false) {
		return
	}

	if c.config.ForkLate {
		c.accept()
		return
	}

	c.finish(c.bestResponse())
}

// bestResponse picks the lowest final status among the branches.
func (c *Context) bestResponse() *sip.Response {
	var best *sip.Response
	for _, br := range c.branches {
		status := br.Status()
		if status < 200 {
			continue
		}
		if best == nil || status < best.Status {
			best = &sip.Response{Status: status}
		}
	}
	if best == nil {
		best = &sip.Response{Status: 408, Phrase: "Request Timeout"}
	}
	return best
}

// accept tells the sender the message will be delivered later.
func (c *Context) accept() {
	if c.acceptedSent {
		return
	}
	c.acceptedSent = true
	c.respond(sip.Response{Status: 202, Phrase: "Accepted"})
}

func (c *Context) respond(resp sip.Response) {
	if c.deps.Responder == nil {
		return
	}
	req := c.request
	c.effects = append(c.effects, func() {
		c.deps.Responder.Respond(req, resp)
	})
}

// finish records the final response, cancels every pending branch and
// notifies the listener. Must be called with mu held.
func (c *Context) finish(resp *sip.Response) {
	if c.finished {
		return
	}
	c.finished = true
	c.final = resp

	// A 202 is already final for the sender.
	if resp != nil && !c.acceptedSent {
		c.respond(*resp)
	}

	cancelStatus := fork.StatusStandard
	if resp != nil && resp.IsSuccess() {
		cancelStatus = fork.StatusAcceptedElsewhere
	}
	for _, br := range c.branches {
		if br.IsAnswered() {
			continue
		}
		c.effects = append(c.effects, func() {
			if tr := br.Transaction(); tr != nil {
				tr.Cancel()
			}
			br.NotifyCanceled(cancelStatus)
		})
	}

	c.deps.Logger.Debug("message fork finished",
		"call_id", c.request.CallID,
		"status", resp.Status,
	)

	if l := c.deps.Listener; l != nil {
		c.effects = append(c.effects, func() {
			l.OnForkContextFinished(c)
		})
	}
}
