package push

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/papercomputeco/sipfork/pkg/fork"
	"github.com/papercomputeco/sipfork/pkg/logger"
	"github.com/papercomputeco/sipfork/pkg/metrics"
	"github.com/papercomputeco/sipfork/pkg/reactor"
)

const (
	DefaultCallInterval   = 2 * time.Second
	DefaultRingingTimeout = 45 * time.Second

	// RingingTimeoutReason is the phrase of the 603 sent when the device
	// never answered.
	RingingTimeoutReason = "ringing timeout"

	defaultSendTimeout = 30 * time.Second
)

// Config tunes call push repetition.
type Config struct {
	// CallInterval is the delay between two pushes for a call. Zero disables
	// repetition.
	CallInterval time.Duration

	// RingingTimeout is how long a call branch may wait for the device.
	RingingTimeout time.Duration
}

// DefaultConfig returns the standard schedule.
func DefaultConfig() Config {
	return Config{
		CallInterval:   DefaultCallInterval,
		RingingTimeout: DefaultRingingTimeout,
	}
}

// Reporter delivers the outcome of pushes to the fork operation of a branch.
// Implementations may have to bring the fork back from storage first.
type Reporter interface {
	PushSent(br *fork.Branch)
	PushError(br *fork.Branch, err error)
	Decline(br *fork.Branch, phrase string)
}

// branchReporter reports straight to the context the branch is bound to.
type branchReporter struct{}

func (branchReporter) PushSent(br *fork.Branch) { br.OnPushSent() }
func (branchReporter) PushError(br *fork.Branch, err error) { br.OnPushError(err) }
func (branchReporter) Decline(br *fork.Branch, phrase string) { br.Decline(phrase) }

// Deps are the collaborators of a Scheduler.
type Deps struct {
	Reactor *reactor.Reactor
	Service Service
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Reporter receives push outcomes and ringing timeouts. Defaults to
	// the branch itself.
	Reporter Reporter

	// SendTimeout bounds each call to Service.Send.
	SendTimeout time.Duration
}

// Scheduler drives the pushes of one branch. All of its timers run on the
// reactor; branch events may arrive from any goroutine.
type Scheduler struct {
	deps   Deps
	cfg    Config
	branch *fork.Branch
	log    *slog.Logger

	// canceled is set as soon as the branch ends, so that a timer already
	// queued on the reactor does not push again.
	canceled atomic.Bool

	// reported is set after the first successful push.
	reported atomic.Bool

	// Owned by the reactor.
	done     bool
	info     *Info
	attempts int
	retry    *reactor.Timer
	ringing  *reactor.Timer
	released int
}

var _ fork.BranchListener = (*Scheduler)(nil)

// NewScheduler attaches a scheduler to br.
func NewScheduler(br *fork.Branch, cfg Config, deps Deps) *Scheduler {
	if cfg.CallInterval < 0 {
		cfg.CallInterval = 0
	}
	if cfg.RingingTimeout <= 0 {
		cfg.RingingTimeout = DefaultRingingTimeout
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.SendTimeout <= 0 {
		deps.SendTimeout = defaultSendTimeout
	}
	if deps.Reporter == nil {
		deps.Reporter = branchReporter{}
	}

	s := &Scheduler{
		deps:   deps,
		cfg:    cfg,
		branch: br,
		log:    deps.Logger.With("branch_id", br.ID()),
	}
	br.AddListener(s)
	return s
}

// RepetitionEnabled reports whether call pushes are repeated.
func (s *Scheduler) RepetitionEnabled() bool {
	return s.cfg.CallInterval > 0
}

// NotifyOnce sends a single push.
func (s *Scheduler) NotifyOnce(info *Info) {
	s.deps.Reactor.Post(func() {
		if s.stopped() {
			return
		}
		s.info = info
		s.send()
		s.finish()
	})
}

// NotifyWithRepetition sends a push now and again every CallInterval until
// the branch ends. The branch is declined once RingingTimeout elapsed.
func (s *Scheduler) NotifyWithRepetition(info *Info) {
	s.deps.Reactor.Post(func() {
		if s.stopped() {
			return
		}
		s.info = info
		s.send()

		if s.RepetitionEnabled() {
			s.retry = s.deps.Reactor.AfterFunc(s.cfg.CallInterval, s.repeat)
		}
		s.ringing = s.deps.Reactor.AfterFunc(s.cfg.RingingTimeout, s.onRingingTimeout)
	})
}

func (s *Scheduler) OnBranchCanceled(_ *fork.Branch, status fork.Status) {
	s.log.Debug("branch canceled, stopping pushes", "reason", status.String())
	s.cancel()
}

func (s *Scheduler) OnBranchCompleted(_ *fork.Branch) {
	s.log.Debug("branch completed, stopping pushes")
	s.cancel()
}

func (s *Scheduler) cancel() {
	s.canceled.Store(true)
	s.deps.Reactor.Post(s.finish)
}

func (s *Scheduler) stopped() bool {
	if s.done {
		return true
	}
	if s.canceled.Load() {
		s.finish()
		return true
	}
	return false
}

func (s *Scheduler) repeat() {
	s.retry = nil
	if s.stopped() {
		return
	}
	s.send()
	s.retry = s.deps.Reactor.AfterFunc(s.cfg.CallInterval, s.repeat)
}

func (s *Scheduler) onRingingTimeout() {
	s.ringing = nil
	if s.stopped() {
		return
	}

	s.log.Info("ringing timeout, declining branch",
		"attempts", s.attempts,
	)
	s.deps.Metrics.RingingTimeout()
	s.finish()

	// The fork may need to restore itself; keep the reactor free meanwhile.
	br := s.branch
	go s.deps.Reporter.Decline(br, RingingTimeoutReason)
}

// finish releases the timers. It runs once.
func (s *Scheduler) finish() {
	if s.done {
		return
	}
	s.done = true
	s.released++

	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	if s.ringing != nil {
		s.ringing.Stop()
		s.ringing = nil
	}
}

// send hands a push to the transport off the reactor.
func (s *Scheduler) send() {
	s.attempts++
	req := &Request{
		Info:        *s.info,
		BranchID:    s.branch.ID(),
		Attempt:     s.attempts,
		ScheduledAt: s.deps.Reactor.Clock().Now(),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.deps.SendTimeout)
		defer cancel()

		err := s.deps.Service.Send(ctx, req)
		s.deps.Metrics.Push(err)
		if err != nil {
			s.log.Warn("push failed", "attempt", req.Attempt, "error", err)
			s.deps.Reporter.PushError(s.branch, err)
			return
		}

		s.log.Debug("push sent", "attempt", req.Attempt)
		if s.reported.CompareAndSwap(false, true) {
			s.deps.Reporter.PushSent(s.branch)
		}
	}()
}
