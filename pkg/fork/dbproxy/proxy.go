// Package dbproxy keeps fork operations alive across long waits without
// keeping them in memory.
//
// A Proxy implements fork.Context on top of a message.Context and swaps it
// to and from a storage.Driver. Callers see the same contract whether the
// fork is resident or not: calls made while a snapshot is being written or
// read block until the transition resolves, and IsFinished restores an
// evicted fork on demand.
package dbproxy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/papercomputeco/sipfork/pkg/fork"
	"github.com/papercomputeco/sipfork/pkg/fork/message"
	"github.com/papercomputeco/sipfork/pkg/idgen"
	"github.com/papercomputeco/sipfork/pkg/logger"
	"github.com/papercomputeco/sipfork/pkg/metrics"
	"github.com/papercomputeco/sipfork/pkg/sip"
	"github.com/papercomputeco/sipfork/pkg/storage"
)

const (
	tracerName = "github.com/papercomputeco/sipfork/pkg/fork/dbproxy"

	defaultIOTimeout = 10 * time.Second
)

// Owner is told when a proxied fork completes, and when a fork could not be
// brought back from storage and will never complete on its own.
type Owner interface {
	fork.Listener
	OnForkContextRestoreFailed(ctx fork.Context, err error)
}

// Evictor saves proxies asynchronously once their fork only waits on
// future registrations.
type Evictor interface {
	Evict(p *Proxy)
}

// Deps are the collaborators of a Proxy.
type Deps struct {
	Store storage.Driver
	Owner Owner

	// Responder answers the incoming transaction. Optional.
	Responder sip.Responder

	// Evictor receives the proxy when every branch has answered. When nil
	// the proxy is only saved on explicit calls to Save.
	Evictor Evictor

	Logger  *slog.Logger
	Clock   clockwork.Clock
	IDs     idgen.Generator
	Metrics *metrics.Metrics
	Tracer  trace.Tracer

	// IOTimeout bounds the store calls made on behalf of calls that take no
	// context, like IsFinished.
	IOTimeout time.Duration

	// Strict panics on contract violations instead of logging them.
	Strict bool
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
	if out.Tracer == nil {
		out.Tracer = otel.Tracer(tracerName)
	}
	if out.IOTimeout <= 0 {
		out.IOTimeout = defaultIOTimeout
	}
	return out
}

// Proxy is a fork operation that may live in storage.
type Proxy struct {
	mu   sync.Mutex
	cond *sync.Cond
	deps Deps
	log  *slog.Logger

	phase Phase
	id    string

	// live is set only in PhaseMaterialized and PhaseSaving.
	live *message.Context

	// Saved at construction, or on the first restore for NewEvicted, so
	// they are served in every phase.
	event  *sip.Request
	config fork.Config

	// Last known values, refreshed on every transition.
	keys         []string
	expiresAt    time.Time
	lastFinished bool
	lastActivity time.Time

	// handed holds branch objects given out by AddBranch; they are adopted
	// back into the live fork on restore.
	handed map[string]*fork.Branch

	liveFinished bool
	evictQueued  bool
	restoreErr   error

	// after runs once mu is released.
	after []func()
}

var (
	_ fork.Context  = (*Proxy)(nil)
	_ fork.Listener = (*Proxy)(nil)
)

func newProxy(deps Deps) *Proxy {
	d := deps.withDefaults()
	p := &Proxy{
		deps:   d,
		log:    d.Logger,
		handed: make(map[string]*fork.Branch),
	}
	p.cond = sync.NewCond(&p.mu)
	p.lastActivity = d.Clock.Now()
	d.Metrics.ProxyCreated()
	return p
}

// New creates a resident proxy for a fresh fork. It has no snapshot until
// its first save.
func New(req *sip.Request, cfg fork.Config, deps Deps) *Proxy {
	p := newProxy(deps)
	p.live = message.New(req, cfg, p.messageDeps())
	p.event = req
	p.config = cfg
	p.expiresAt = p.live.ExpiresAt()
	p.phase = PhaseMaterialized
	p.log = p.deps.Logger.With("call_id", req.CallID)
	p.deps.Metrics.MessageForkCreated()
	return p
}

// NewFromSnapshot creates a resident proxy from a loaded snapshot, keeping
// its ID so later saves replace it.
func NewFromSnapshot(snap *fork.Snapshot, deps Deps) (*Proxy, error) {
	p := newProxy(deps)

	live, err := message.Restore(snap, p.messageDeps())
	if err != nil {
		p.deps.Metrics.ProxyReleased()
		return nil, fmt.Errorf("%w: %w", ErrRestore, err)
	}

	p.id = snap.ID
	p.adopt(live)
	p.phase = PhaseMaterialized
	p.log = p.deps.Logger.With("fork_id", p.id)
	if p.event != nil {
		p.log = p.log.With("call_id", p.event.CallID)
	}
	p.deps.Metrics.MessageForkCreated()
	return p, nil
}

// NewEvicted creates a proxy for a fork only known by its stored metadata.
// Event and Config are unknown until the first restore.
func NewEvicted(id string, keys []string, expiresAt time.Time, deps Deps) *Proxy {
	p := newProxy(deps)
	p.id = id
	p.keys = append([]string(nil), keys...)
	p.expiresAt = expiresAt
	p.phase = PhaseEvicted
	p.log = p.deps.Logger.With("fork_id", id)
	p.deps.Metrics.Evicted()
	return p
}

func (p *Proxy) messageDeps() message.Deps {
	return message.Deps{
		Listener:  p,
		Responder: p.deps.Responder,
		Logger:    p.deps.Logger,
		Clock:     p.deps.Clock,
		IDs:       p.deps.IDs,
	}
}

// adopt installs live as the resident fork. Must be called with mu held or
// before the proxy is shared.
func (p *Proxy) adopt(live *message.Context) {
	for id, br := range p.handed {
		if !live.Adopt(br) {
			delete(p.handed, id)
		}
	}
	for _, br := range live.Branches() {
		br.Bind(p)
		p.handed[br.ID()] = br
	}

	p.live = live
	p.event = live.Event()
	p.config = *live.Config()
	p.keys = live.Keys()
	p.expiresAt = live.ExpiresAt()
	p.lastFinished = live.IsFinished()
	p.liveFinished = p.lastFinished
}

func (p *Proxy) setPhase(phase Phase) {
	p.log.Debug("fork phase changed",
		"from", p.phase.String(),
		"to", phase.String(),
	)
	p.phase = phase
	p.cond.Broadcast()
}

func (p *Proxy) unlock() {
	after := p.after
	p.after = nil
	p.mu.Unlock()

	for _, fn := range after {
		fn()
	}
}

func (p *Proxy) waitSettled() {
	for p.phase.transient() {
		p.cond.Wait()
	}
}

func (p *Proxy) ioContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), p.deps.IOTimeout)
}

// acquire locks the proxy and returns the live fork for a mutating call.
// On false the lock is already released.
func (p *Proxy) acquire(op string) (*message.Context, bool) {
	p.mu.Lock()

	waited := p.phase.transient()
	p.waitSettled()

	switch p.phase {
	case PhaseMaterialized:
		p.lastActivity = p.deps.Clock.Now()
		return p.live, true

	case PhaseCompleted:
		p.log.Debug("ignoring call on completed fork", "op", op)
		p.unlock()
		return nil, false

	case PhaseEvicted:
		if p.restoreErr != nil {
			// The owner was already told this fork is lost.
			p.log.Warn("ignoring call on unrestorable fork", "op", op)
			p.unlock()
			return nil, false
		}
		if waited {
			// Deferred behind a save: bring the fork back rather than drop
			// the call.
			ctx, cancel := p.ioContext()
			err := p.restoreLocked(ctx)
			cancel()
			if err == nil && p.phase == PhaseMaterialized {
				p.lastActivity = p.deps.Clock.Now()
				return p.live, true
			}
			p.unlock()
			return nil, false
		}
	}

	phase := p.phase
	p.unlock()
	p.violation(op, phase)
	return nil, false
}

func (p *Proxy) violation(op string, phase Phase) {
	err := fmt.Errorf("%w: %s called while %s", ErrInvalidState, op, phase)
	if p.deps.Strict {
		panic(err)
	}
	p.log.Error("fork contract violation", "op", op, "phase", phase.String(), "error", err)
}

// settle reacts to the outcome of a live call. Must be called with mu held.
func (p *Proxy) settle(mayEvict bool) {
	if p.phase != PhaseMaterialized {
		return
	}
	if p.liveFinished {
		p.complete()
		return
	}
	p.keys = p.live.Keys()

	if !mayEvict || p.deps.Evictor == nil || p.evictQueued {
		return
	}
	if p.live.AllCurrentBranchesAnswered(true) {
		p.evictQueued = true
		p.after = append(p.after, func() {
			p.deps.Evictor.Evict(p)
		})
	}
}

// complete moves to the terminal phase. Must be called with mu held.
func (p *Proxy) complete() {
	p.setPhase(PhaseCompleted)
	p.lastFinished = true
	p.live = nil
	p.handed = nil
	p.deps.Metrics.MessageForkReleased()
	p.deps.Metrics.ProxyReleased()

	id := p.id
	p.after = append(p.after, func() {
		if o := p.deps.Owner; o != nil {
			o.OnForkContextFinished(p)
		}
		if id != "" {
			ctx, cancel := p.ioContext()
			defer cancel()
			p.deleteSnapshot(ctx, id)
		}
	})

	p.log.Info("fork completed")
}

// Save writes the fork to storage and drops it from memory. Saving an
// evicted proxy is a no-op. On failure the fork stays resident.
func (p *Proxy) Save(ctx context.Context) error {
	p.mu.Lock()
	p.waitSettled()
	p.evictQueued = false

	switch p.phase {
	case PhaseEvicted:
		p.unlock()
		return nil
	case PhaseCompleted:
		p.unlock()
		return ErrCompleted
	}

	snap := p.live.Snapshot()
	snap.ID = p.id
	p.setPhase(PhaseSaving)
	p.mu.Unlock()

	id, err := p.storeSnapshot(ctx, snap)

	p.mu.Lock()
	p.deps.Metrics.Save(err)
	if err != nil {
		p.setPhase(PhaseMaterialized)
		p.unlock()
		p.log.Warn("failed to evict fork", "error", err)
		return fmt.Errorf("%w: %w", ErrSave, err)
	}

	p.id = id
	p.keys = snap.Keys
	p.expiresAt = snap.ExpiresAt
	p.lastFinished = snap.Finished
	p.live = nil
	p.restoreErr = nil
	p.setPhase(PhaseEvicted)
	p.deps.Metrics.MessageForkReleased()
	p.deps.Metrics.Evicted()
	p.unlock()

	p.log.Debug("fork evicted", "fork_id", id, "branches", len(snap.Branches))
	return nil
}

// Materialize brings an evicted fork back in memory.
func (p *Proxy) Materialize(ctx context.Context) error {
	p.mu.Lock()
	p.waitSettled()

	var err error
	switch p.phase {
	case PhaseCompleted:
		err = ErrCompleted
	case PhaseEvicted:
		err = p.restoreLocked(ctx)
	}
	p.unlock()
	return err
}

// restoreLocked loads the snapshot with mu released. Must be called with mu
// held in PhaseEvicted; returns with mu held.
func (p *Proxy) restoreLocked(ctx context.Context) error {
	p.setPhase(PhaseRestoring)
	id := p.id
	p.mu.Unlock()

	snap, err := p.loadSnapshot(ctx, id)
	var live *message.Context
	if err == nil {
		live, err = message.Restore(snap, p.messageDeps())
	}

	p.mu.Lock()
	p.deps.Metrics.Restore(err)
	if err != nil {
		if !IsTransient(err) {
			p.restoreErr = err
		}
		p.setPhase(PhaseEvicted)
		p.log.Error("failed to restore fork", "error", err)
		if o := p.deps.Owner; o != nil {
			p.after = append(p.after, func() {
				o.OnForkContextRestoreFailed(p, err)
			})
		}
		return fmt.Errorf("%w: %w", ErrRestore, err)
	}

	p.adopt(live)
	p.restoreErr = nil
	p.setPhase(PhaseMaterialized)
	p.deps.Metrics.Materialized()
	p.deps.Metrics.MessageForkCreated()
	p.log.Debug("fork restored", "branches", len(snap.Branches))

	// A fork stored as finished only missed its cleanup.
	p.settle(false)
	return nil
}

func (p *Proxy) storeSnapshot(ctx context.Context, snap *fork.Snapshot) (string, error) {
	ctx, span := p.deps.Tracer.Start(ctx, "dbproxy.save",
		trace.WithAttributes(attribute.String("fork.id", snap.ID)),
	)
	defer span.End()

	id, err := p.deps.Store.Save(ctx, snap)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save failed")
		return "", err
	}
	span.SetAttributes(attribute.String("fork.id", id))
	return id, nil
}

func (p *Proxy) loadSnapshot(ctx context.Context, id string) (*fork.Snapshot, error) {
	ctx, span := p.deps.Tracer.Start(ctx, "dbproxy.restore",
		trace.WithAttributes(attribute.String("fork.id", id)),
	)
	defer span.End()

	snap, err := p.deps.Store.Load(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "restore failed")
		return nil, err
	}
	return snap, nil
}

func (p *Proxy) deleteSnapshot(ctx context.Context, id string) {
	ctx, span := p.deps.Tracer.Start(ctx, "dbproxy.delete",
		trace.WithAttributes(attribute.String("fork.id", id)),
	)
	defer span.End()

	err := p.deps.Store.Delete(ctx, id)
	if storage.IsNotFound(err) {
		err = nil
	}
	p.deps.Metrics.Delete(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete failed")
		p.log.Warn("failed to delete fork snapshot", "error", err)
	}
}

// Quiesce waits until no save or restore is in flight.
func (p *Proxy) Quiesce(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for p.phase.transient() {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.cond.Wait()
	}
	return nil
}

// ID returns the snapshot ID, empty until the first successful save.
func (p *Proxy) ID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

// Phase returns the current phase without waiting.
func (p *Proxy) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// LastKnownFinished returns the finished flag as of the last transition,
// without restoring anything.
func (p *Proxy) LastKnownFinished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase == PhaseMaterialized {
		return p.live.IsFinished()
	}
	return p.lastFinished || p.phase == PhaseCompleted
}

// ExpiresAt returns the delivery deadline, zero when the fork never expires.
func (p *Proxy) ExpiresAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.expiresAt
}

// LastActivity returns when a call last reached the live fork.
func (p *Proxy) LastActivity() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActivity
}

// OnForkContextFinished is called by the live fork with mu held, from the
// effects of a call made by the proxy itself.
func (p *Proxy) OnForkContextFinished(_ fork.Context) {
	p.liveFinished = true
}

func (p *Proxy) AddBranch(req *sip.Request, contact sip.Contact) *fork.Branch {
	live, ok := p.acquire("AddBranch")
	if !ok {
		return nil
	}

	br := live.AddBranch(req, contact)
	br.Bind(p)
	p.handed[br.ID()] = br
	p.settle(false)
	p.unlock()
	return br
}

// AllCurrentBranchesAnswered answers true for a fork that is not resident:
// only answered forks get evicted.
func (p *Proxy) AllCurrentBranchesAnswered(ignoreErrorsAndTimeouts bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waitSettled()

	if p.phase != PhaseMaterialized {
		return true
	}
	return p.live.AllCurrentBranchesAnswered(ignoreErrorsAndTimeouts)
}

func (p *Proxy) HasNextBranches() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waitSettled()

	if p.phase != PhaseMaterialized {
		return false
	}
	return p.live.HasNextBranches()
}

func (p *Proxy) ProcessInternalError(status int, phrase string) {
	live, ok := p.acquire("ProcessInternalError")
	if !ok {
		return
	}
	live.ProcessInternalError(status, phrase)
	p.settle(false)
	p.unlock()
}

func (p *Proxy) Start() {
	live, ok := p.acquire("Start")
	if !ok {
		return
	}
	live.Start()
	p.settle(true)
	p.unlock()
}

func (p *Proxy) AddKey(key string) {
	live, ok := p.acquire("AddKey")
	if !ok {
		return
	}
	live.AddKey(key)
	p.settle(false)
	p.unlock()
}

func (p *Proxy) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waitSettled()

	if p.phase == PhaseMaterialized {
		return p.live.Keys()
	}
	return append([]string(nil), p.keys...)
}

func (p *Proxy) OnPushSent(br *fork.Branch) {
	live, ok := p.acquire("OnPushSent")
	if !ok {
		return
	}
	live.OnPushSent(p.resolve(live, br))
	p.settle(false)
	p.unlock()
}

// OnPushError does nothing: a message fork waits for the device to
// register whatever happened to the push.
func (p *Proxy) OnPushError(br *fork.Branch, err error) {
	p.log.Debug("push error on proxied fork",
		"branch_id", br.ID(),
		"error", err,
	)
}

// OnCancel does nothing: a sent message cannot be cancelled.
func (p *Proxy) OnCancel(_ *sip.Request) {}

func (p *Proxy) OnResponse(br *fork.Branch, resp sip.Response) {
	live, ok := p.acquire("OnResponse")
	if !ok {
		return
	}
	live.OnResponse(p.resolve(live, br), resp)
	p.settle(true)
	p.unlock()
}

// OnNewRegister runs dispatch once the proxy is unlocked, so that the new
// branch may be added through the proxy.
func (p *Proxy) OnNewRegister(dest, uid string, dispatch func()) bool {
	live, ok := p.acquire("OnNewRegister")
	if !ok {
		return false
	}

	accepted := live.OnNewRegister(dest, uid, func() {
		p.after = append(p.after, dispatch)
	})
	p.settle(false)
	p.unlock()
	return accepted
}

// Event returns the forked request, nil for a proxy created by NewEvicted
// that was never restored.
func (p *Proxy) Event() *sip.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.event
}

func (p *Proxy) Config() *fork.Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	cfg := p.config
	return &cfg
}

// IsFinished restores an evicted fork to answer. When the restore fails the
// owner is told and the last known value is returned.
func (p *Proxy) IsFinished() bool {
	p.mu.Lock()
	p.waitSettled()

	switch p.phase {
	case PhaseCompleted:
		p.unlock()
		return true

	case PhaseEvicted:
		ctx, cancel := p.ioContext()
		err := p.restoreLocked(ctx)
		cancel()
		if err != nil {
			finished := p.lastFinished
			p.unlock()
			return finished
		}
		if p.phase == PhaseCompleted {
			p.unlock()
			return true
		}
	}

	finished := p.live.IsFinished()
	p.unlock()
	return finished
}

// resolve maps a branch onto the live fork by ID.
func (p *Proxy) resolve(live *message.Context, br *fork.Branch) *fork.Branch {
	if known, ok := p.handed[br.ID()]; ok {
		return known
	}
	for _, cur := range live.Branches() {
		if cur.ID() == br.ID() {
			return cur
		}
	}
	return br
}

// Info is a read-only summary of a proxy, safe to take in any phase.
type Info struct {
	ID        string    `json:"id"`
	CallID    string    `json:"call_id,omitempty"`
	Phase     string    `json:"phase"`
	Keys      []string  `json:"keys"`
	Finished  bool      `json:"finished"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Info summarizes the proxy without waiting or restoring.
func (p *Proxy) Info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	info := Info{
		ID:        p.id,
		Phase:     p.phase.String(),
		Keys:      append([]string(nil), p.keys...),
		Finished:  p.lastFinished || p.phase == PhaseCompleted,
		ExpiresAt: p.expiresAt,
	}
	if p.event != nil {
		info.CallID = p.event.CallID
	}
	if p.phase == PhaseMaterialized {
		info.Keys = p.live.Keys()
		info.Finished = p.live.IsFinished()
	}
	return info
}
