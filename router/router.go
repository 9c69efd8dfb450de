// Package router owns the fork operations of a SIP proxy instance.
//
// The router creates a dbproxy.Proxy per forked request, dispatches its
// branches, attaches push schedulers to branches of offline devices, and
// routes responses and new registrations back to the right fork. Forks that
// only wait for devices to register are evicted to storage by a worker pool
// and restored on demand.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/papercomputeco/sipfork/pkg/eventstream"
	"github.com/papercomputeco/sipfork/pkg/fork"
	"github.com/papercomputeco/sipfork/pkg/fork/dbproxy"
	"github.com/papercomputeco/sipfork/pkg/idgen"
	"github.com/papercomputeco/sipfork/pkg/logger"
	"github.com/papercomputeco/sipfork/pkg/metrics"
	"github.com/papercomputeco/sipfork/pkg/push"
	"github.com/papercomputeco/sipfork/pkg/reactor"
	"github.com/papercomputeco/sipfork/pkg/sip"
	"github.com/papercomputeco/sipfork/pkg/storage"
	"github.com/papercomputeco/sipfork/router/worker"
)

var (
	// ErrClosed is returned once Shutdown started.
	ErrClosed = errors.New("router closed")

	// ErrNilRequest is returned when forking a nil request.
	ErrNilRequest = errors.New("nil request")

	// ErrUnknownBranch is returned for responses to a branch the router does
	// not track, or that already received a final response.
	ErrUnknownBranch = errors.New("unknown branch")

	// ErrUnknownFork is returned when no fork matches an ID.
	ErrUnknownFork = errors.New("unknown fork")
)

// Deps are the collaborators of a Router.
type Deps struct {
	Store storage.Driver

	// Dispatcher sends branches. It must not call back into the router
	// before returning.
	Dispatcher sip.Dispatcher
	Responder  sip.Responder

	// Push and Reactor are needed to wake devices. When either is nil,
	// contacts with push parameters only get the request.
	Push    push.Service
	Reactor *reactor.Reactor

	// Publisher receives fork lifecycle events. Optional.
	Publisher eventstream.Publisher

	Logger  *slog.Logger
	Clock   clockwork.Clock
	IDs     idgen.Generator
	Metrics *metrics.Metrics
}

// entry is the router side state of one fork.
type entry struct {
	// mu serializes router calls and saves on the fork, so that a call
	// never finds it evicted between Materialize and the call itself.
	mu sync.Mutex

	keys     []string
	branches map[string]struct{}
}

// Router owns every fork operation of the instance.
type Router struct {
	config *Config
	deps   Deps
	pool   *worker.Pool
	logger *slog.Logger

	mu       sync.RWMutex
	closed   bool
	forks    map[*dbproxy.Proxy]*entry
	byKey    map[string]map[*dbproxy.Proxy]struct{}
	branches map[string]*fork.Branch
}

var _ dbproxy.Owner = (*Router)(nil)

// New creates a new Router and starts its eviction workers.
func New(config *Config, deps Deps) (*Router, error) {
	if deps.Store == nil {
		return nil, errors.New("storage driver is required")
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	r := &Router{
		config:   config.withDefaults(),
		deps:     deps,
		logger:   deps.Logger,
		forks:    make(map[*dbproxy.Proxy]*entry),
		byKey:    make(map[string]map[*dbproxy.Proxy]struct{}),
		branches: make(map[string]*fork.Branch),
	}

	pool, err := worker.NewPool(&worker.Config{
		NumWorkers: r.config.Workers,
		QueueSize:  r.config.QueueSize,
		Save:       r.save,
		Logger:     deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create worker pool: %w", err)
	}
	r.pool = pool

	return r, nil
}

func (r *Router) proxyDeps() dbproxy.Deps {
	return dbproxy.Deps{
		Store:     r.deps.Store,
		Owner:     r,
		Responder: r.deps.Responder,
		Evictor:   r.pool,
		Logger:    r.deps.Logger,
		Clock:     r.deps.Clock,
		IDs:       r.deps.IDs,
		Metrics:   r.deps.Metrics,
		Strict:    r.config.Strict,
	}
}

// Fork creates a fork operation for req, sends it to every contact and
// starts it. The fork is found again by keys when devices register.
func (r *Router) Fork(ctx context.Context, req *sip.Request, contacts []sip.Contact, keys ...string) (*dbproxy.Proxy, error) {
	if req == nil {
		return nil, ErrNilRequest
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	p := dbproxy.New(req, r.config.Fork, r.proxyDeps())
	e := &entry{branches: make(map[string]struct{})}
	r.forks[p] = e
	r.indexLocked(p, e, keys)
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, key := range keys {
		p.AddKey(key)
	}
	for _, contact := range contacts {
		r.dispatch(ctx, p, req, contact)
	}

	r.publish(eventstream.EventTypeForkCreated, p.Info(), nil)
	p.Start()

	r.logger.Debug("request forked",
		"call_id", req.CallID,
		"branches", len(contacts),
		"keys", strings.Join(keys, ","),
	)
	return p, nil
}

// dispatch adds a branch for contact and sends the request. Must be called
// with the entry locked.
func (r *Router) dispatch(ctx context.Context, p *dbproxy.Proxy, req *sip.Request, contact sip.Contact) {
	br := p.AddBranch(req, contact)
	if br == nil {
		return
	}

	r.mu.Lock()
	if e, ok := r.forks[p]; ok {
		e.branches[br.ID()] = struct{}{}
		r.branches[br.ID()] = br
	}
	r.mu.Unlock()

	tr, err := r.deps.Dispatcher.Dispatch(ctx, req, contact)
	if err != nil {
		r.logger.Warn("could not dispatch branch",
			"call_id", req.CallID,
			"contact", contact.URI,
			"error", err,
		)
		if contact.Push == nil {
			r.untrack(br.ID())
			p.OnResponse(br, sip.Response{Status: 503, Phrase: "Service Unavailable"})
			return
		}
	} else {
		br.SetTransaction(tr)
	}

	if contact.Push != nil {
		r.notify(br, req, contact)
	}
}

// notify wakes the device of contact: once for a message, repeatedly until
// the ringing timeout for a call.
func (r *Router) notify(br *fork.Branch, req *sip.Request, contact sip.Contact) {
	if r.deps.Push == nil || r.deps.Reactor == nil {
		return
	}

	info, err := push.NewInfo(req, contact)
	if err != nil {
		r.logger.Warn("could not build push", "branch_id", br.ID(), "error", err)
		return
	}

	s := push.NewScheduler(br, r.config.Push, push.Deps{
		Reactor:  r.deps.Reactor,
		Service:  r.deps.Push,
		Logger:   r.deps.Logger,
		Metrics:  r.deps.Metrics,
		Reporter: pushReporter{r: r},
	})
	if req.IsInvite() {
		s.NotifyWithRepetition(info)
		return
	}
	s.NotifyOnce(info)
}

// pushReporter hands push outcomes to the fork of a branch through the
// router, so that an evicted fork is restored before hearing about them.
type pushReporter struct {
	r *Router
}

func (pr pushReporter) PushSent(br *fork.Branch) {
	pr.r.onBranchEvent(br, "push_sent", br.OnPushSent)
}

// PushError goes straight to the branch: forks ignore push failures and
// wait for the device to register.
func (pr pushReporter) PushError(br *fork.Branch, err error) {
	br.OnPushError(err)
}

func (pr pushReporter) Decline(br *fork.Branch, phrase string) {
	pr.r.untrack(br.ID())
	pr.r.onBranchEvent(br, "decline", func() {
		br.Decline(phrase)
	})
}

// onBranchEvent runs fn, a call from br into its fork, with the fork
// resident.
func (r *Router) onBranchEvent(br *fork.Branch, event string, fn func()) {
	p, ok := br.Context().(*dbproxy.Proxy)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultBranchEventTimeout)
	defer cancel()

	err := r.with(ctx, p, fn)
	if err != nil && !errors.Is(err, dbproxy.ErrCompleted) && !errors.Is(err, ErrUnknownFork) {
		r.logger.Warn("could not deliver branch event",
			"branch_id", br.ID(),
			"event", event,
			"error", err,
		)
	}
}

// with locks the entry of p, brings the fork back in memory and runs fn.
func (r *Router) with(ctx context.Context, p *dbproxy.Proxy, fn func()) error {
	r.mu.RLock()
	e, ok := r.forks[p]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownFork
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	restored := p.Phase() == dbproxy.PhaseEvicted
	if err := p.Materialize(ctx); err != nil {
		return err
	}
	if restored {
		r.publish(eventstream.EventTypeForkRestored, p.Info(), nil)
	}

	fn()
	return nil
}

// save is the eviction job of the worker pool. A fork that got a new
// pending branch since it was queued stays resident.
func (r *Router) save(ctx context.Context, p *dbproxy.Proxy) error {
	r.mu.RLock()
	e, ok := r.forks[p]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if p.Phase() != dbproxy.PhaseMaterialized || !p.AllCurrentBranchesAnswered(true) {
		return nil
	}
	if err := p.Save(ctx); err != nil {
		return err
	}
	r.publish(eventstream.EventTypeForkEvicted, p.Info(), nil)
	return nil
}

// OnResponse routes a response received on a branch to its fork.
func (r *Router) OnResponse(ctx context.Context, branchID string, resp sip.Response) error {
	r.mu.RLock()
	br, ok := r.branches[branchID]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownBranch
	}

	p, ok := br.Context().(*dbproxy.Proxy)
	if !ok {
		return ErrUnknownBranch
	}

	if resp.IsFinal() {
		r.untrack(branchID)
	}

	err := r.with(ctx, p, func() {
		p.OnResponse(br, resp)
	})
	if errors.Is(err, dbproxy.ErrCompleted) {
		return nil
	}
	return err
}

// OnRegister offers a newly registered device to every fork waiting under
// key, and returns how many forks sent it a new branch.
func (r *Router) OnRegister(ctx context.Context, key string, contact sip.Contact) int {
	uid := contact.UID
	if uid == "" {
		uid = contact.URI
	}

	sent := 0
	for _, p := range r.forksByKey(key) {
		var accepted bool
		err := r.with(ctx, p, func() {
			accepted = p.OnNewRegister(key, uid, func() {
				r.dispatch(ctx, p, p.Event(), contact)
			})
		})
		if err != nil {
			if !errors.Is(err, dbproxy.ErrCompleted) && !errors.Is(err, ErrUnknownFork) {
				r.logger.Warn("could not offer registration to fork",
					"fork_id", p.ID(),
					"key", key,
					"error", err,
				)
			}
			continue
		}
		if accepted {
			sent++
		}
	}

	if sent > 0 {
		r.logger.Debug("registration dispatched", "key", key, "forks", sent)
	}
	return sent
}

// OnForkContextFinished forgets a completed fork. The proxy deletes its
// snapshot itself.
func (r *Router) OnForkContextFinished(ctx fork.Context) {
	p, ok := ctx.(*dbproxy.Proxy)
	if !ok {
		return
	}

	info := p.Info()
	r.remove(p)
	r.publish(eventstream.EventTypeForkCompleted, info, nil)

	r.logger.Info("fork completed",
		"fork_id", info.ID,
		"call_id", info.CallID,
	)
}

// OnForkContextRestoreFailed answers the sender with a 500 when the request
// is known, then forgets the fork and its snapshot. A restore that only
// timed out leaves the fork evicted for the next call to retry.
func (r *Router) OnForkContextRestoreFailed(ctx fork.Context, err error) {
	p, ok := ctx.(*dbproxy.Proxy)
	if !ok {
		return
	}

	info := p.Info()
	if dbproxy.IsTransient(err) {
		r.publish(eventstream.EventTypeForkRestoreFailed, info, err)
		r.logger.Warn("fork restore interrupted, keeping snapshot",
			"fork_id", info.ID,
			"error", err,
		)
		return
	}

	if req := p.Event(); req != nil && r.deps.Responder != nil {
		r.deps.Responder.Respond(req, sip.Response{Status: 500, Phrase: "Internal Server Error"})
	}

	r.remove(p)
	r.deps.Metrics.Dropped()

	if info.ID != "" {
		delCtx, cancel := context.WithTimeout(context.Background(), defaultPublishTimeout)
		derr := r.deps.Store.Delete(delCtx, info.ID)
		cancel()
		if derr != nil && !storage.IsNotFound(derr) {
			r.logger.Warn("could not delete unrestorable fork",
				"fork_id", info.ID,
				"error", derr,
			)
		}
	}

	r.publish(eventstream.EventTypeForkRestoreFailed, info, err)
	r.logger.Error("fork lost",
		"fork_id", info.ID,
		"call_id", info.CallID,
		"error", err,
	)
}

// Restore recreates an evicted proxy for every snapshot in the store. It is
// called once on startup, before any request is forked.
func (r *Router) Restore(ctx context.Context) (int, error) {
	entries, err := r.deps.Store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("could not list stored forks: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, se := range entries {
		p := dbproxy.NewEvicted(se.ID, se.Keys, se.ExpiresAt, r.proxyDeps())
		e := &entry{branches: make(map[string]struct{})}
		r.forks[p] = e
		r.indexLocked(p, e, se.Keys)
	}

	r.logger.Info("stored forks loaded", "count", len(entries))
	return len(entries), nil
}

// Sweep terminates expired forks with a 408 and queues answered forks that
// stayed idle in memory for eviction.
func (r *Router) Sweep(ctx context.Context) {
	now := r.deps.Clock.Now()

	for _, p := range r.snapshot() {
		if exp := p.ExpiresAt(); !exp.IsZero() && !now.Before(exp) {
			err := r.with(ctx, p, func() {
				p.ProcessInternalError(408, "Request Timeout")
			})
			if err != nil && !errors.Is(err, dbproxy.ErrCompleted) && !errors.Is(err, ErrUnknownFork) {
				r.logger.Warn("could not expire fork", "fork_id", p.ID(), "error", err)
			}
			continue
		}

		if p.Phase() != dbproxy.PhaseMaterialized {
			continue
		}
		if now.Sub(p.LastActivity()) < r.config.EvictAfter {
			continue
		}
		if !p.LastKnownFinished() && p.AllCurrentBranchesAnswered(true) {
			r.pool.Evict(p)
		}
	}
}

// Run sweeps every SweepInterval until ctx is done.
func (r *Router) Run(ctx context.Context) error {
	ticker := r.deps.Clock.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			r.Sweep(ctx)
		}
	}
}

// Shutdown stops accepting new forks, drains the eviction queue and waits
// for every fork to settle. Forks still in memory are lost with the
// process; forks in storage are restored by the next instance.
func (r *Router) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.pool.Close()

	var errs []error
	for _, p := range r.snapshot() {
		if err := p.Quiesce(ctx); err != nil {
			errs = append(errs, fmt.Errorf("fork %s: %w", p.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Evict saves the fork matching id now.
func (r *Router) Evict(ctx context.Context, id string) error {
	p, ok := r.Lookup(id)
	if !ok {
		return ErrUnknownFork
	}

	r.mu.RLock()
	e, ok := r.forks[p]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownFork
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if p.Phase() == dbproxy.PhaseEvicted {
		return nil
	}
	if err := p.Save(ctx); err != nil {
		return err
	}
	r.publish(eventstream.EventTypeForkEvicted, p.Info(), nil)
	return nil
}

// Materialize brings the fork matching id back in memory.
func (r *Router) Materialize(ctx context.Context, id string) error {
	p, ok := r.Lookup(id)
	if !ok {
		return ErrUnknownFork
	}
	return r.with(ctx, p, func() {})
}

// Lookup finds a fork by snapshot ID or Call-ID.
func (r *Router) Lookup(id string) (*dbproxy.Proxy, bool) {
	for _, p := range r.snapshot() {
		info := p.Info()
		if info.ID == id || info.CallID == id {
			return p, true
		}
	}
	return nil, false
}

// Forks summarizes every fork, ordered by Call-ID then snapshot ID.
func (r *Router) Forks() []dbproxy.Info {
	procs := r.snapshot()
	infos := make([]dbproxy.Info, 0, len(procs))
	for _, p := range procs {
		infos = append(infos, p.Info())
	}

	slices.SortFunc(infos, func(a, b dbproxy.Info) int {
		if c := strings.Compare(a.CallID, b.CallID); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return infos
}

// Stats is the state of the router as served by the admin API.
type Stats struct {
	Forks    int           `json:"forks"`
	Resident int           `json:"resident"`
	Evicted  int           `json:"evicted"`
	Metrics  metrics.Stats `json:"metrics"`
}

func (r *Router) Stats() Stats {
	stats := Stats{Metrics: r.deps.Metrics.Snapshot()}
	for _, p := range r.snapshot() {
		stats.Forks++
		switch p.Phase() {
		case dbproxy.PhaseEvicted, dbproxy.PhaseRestoring:
			stats.Evicted++
		case dbproxy.PhaseMaterialized, dbproxy.PhaseSaving:
			stats.Resident++
		}
	}
	return stats
}

// Len returns the number of forks.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.forks)
}

func (r *Router) snapshot() []*dbproxy.Proxy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*dbproxy.Proxy, 0, len(r.forks))
	for p := range r.forks {
		out = append(out, p)
	}
	return out
}

func (r *Router) forksByKey(key string) []*dbproxy.Proxy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byKey[key]
	out := make([]*dbproxy.Proxy, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	return out
}

func (r *Router) indexLocked(p *dbproxy.Proxy, e *entry, keys []string) {
	for _, key := range keys {
		if slices.Contains(e.keys, key) {
			continue
		}
		e.keys = append(e.keys, key)

		set, ok := r.byKey[key]
		if !ok {
			set = make(map[*dbproxy.Proxy]struct{})
			r.byKey[key] = set
		}
		set[p] = struct{}{}
	}
}

func (r *Router) untrack(branchID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.branches, branchID)
}

func (r *Router) remove(p *dbproxy.Proxy) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.forks[p]
	if !ok {
		return
	}
	delete(r.forks, p)

	for id := range e.branches {
		delete(r.branches, id)
	}
	for _, key := range e.keys {
		set := r.byKey[key]
		delete(set, p)
		if len(set) == 0 {
			delete(r.byKey, key)
		}
	}
}

func (r *Router) publish(eventType string, info dbproxy.Info, err error) {
	if r.deps.Publisher == nil {
		return
	}

	meta := eventstream.ForkMeta{
		ID:       info.ID,
		CallID:   info.CallID,
		Phase:    info.Phase,
		Keys:     info.Keys,
		Finished: info.Finished,
	}
	if err != nil {
		meta.Error = err.Error()
	}

	event := eventstream.NewForkEvent(eventType,
		eventstream.EventSource{Instance: r.config.Instance},
		meta,
		r.deps.Clock.Now(),
	)

	ctx, cancel := context.WithTimeout(context.Background(), defaultPublishTimeout)
	defer cancel()

	if perr := r.deps.Publisher.PublishFork(ctx, event); perr != nil {
		r.logger.Warn("could not publish fork event",
			"event_type", eventType,
			"fork_id", info.ID,
			"error", perr,
		)
	}
}
