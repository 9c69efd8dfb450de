package router_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/sipfork/pkg/eventstream"
	"github.com/papercomputeco/sipfork/pkg/fork"
	"github.com/papercomputeco/sipfork/pkg/fork/dbproxy"
	"github.com/papercomputeco/sipfork/pkg/metrics"
	"github.com/papercomputeco/sipfork/pkg/push"
	"github.com/papercomputeco/sipfork/pkg/reactor"
	"github.com/papercomputeco/sipfork/pkg/sip"
	testutils "github.com/papercomputeco/sipfork/pkg/utils/test"
	"github.com/papercomputeco/sipfork/router"
)

const bobKey = "sip:bob@example.org"

// branchIDs hands out predictable branch IDs and remembers them.
type branchIDs struct {
	mu     sync.Mutex
	issued []string
}

func (g *branchIDs) next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := fmt.Sprintf("br-%d", len(g.issued)+1)
	g.issued = append(g.issued, id)
	return id
}

func (g *branchIDs) last() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.issued[len(g.issued)-1]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*eventstream.ForkEvent
}

func (p *recordingPublisher) PublishFork(_ context.Context, event *eventstream.ForkEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventType)
	}
	return out
}

var errGatewayDown = errors.New("push gateway down")

type recordingPushService struct {
	fail     atomic.Bool
	mu       sync.Mutex
	requests []*push.Request
}

func (s *recordingPushService) Send(_ context.Context, req *push.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.fail.Load() {
		return errGatewayDown
	}
	return nil
}

func (s *recordingPushService) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

var _ = Describe("Router", func() {
	var (
		ctx        context.Context
		cancel     context.CancelFunc
		clock      *clockwork.FakeClock
		store      *testutils.MockDriver
		dispatcher *testutils.Dispatcher
		responder  *testutils.Responder
		publisher  *recordingPublisher
		pushes     *recordingPushService
		loop       *reactor.Reactor
		ids        *branchIDs
		stats      *metrics.Metrics
		rt         *router.Router
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		clock = clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
		store = testutils.NewMockDriver()
		dispatcher = testutils.NewDispatcher()
		responder = testutils.NewResponder()
		publisher = &recordingPublisher{}
		pushes = &recordingPushService{}
		loop = reactor.New(clock)
		ids = &branchIDs{}
		stats = metrics.New()

		go func() {
			defer GinkgoRecover()
			_ = loop.Run(ctx)
		}()

		var err error
		rt, err = router.New(&router.Config{
			Fork: fork.Config{
				ForkLate:        true,
				DeliveryTimeout: time.Hour,
			},
			EvictAfter: 10 * time.Second,
			Push:       push.DefaultConfig(),
			Instance:   "test",
		}, router.Deps{
			Store:      store,
			Dispatcher: dispatcher,
			Responder:  responder,
			Push:       pushes,
			Reactor:    loop,
			Publisher:  publisher,
			Clock:      clock,
			IDs:        ids.next,
			Metrics:    stats,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(rt.Shutdown(context.Background())).To(Succeed())
		cancel()
	})

	forkTwo := func(callID string) *dbproxy.Proxy {
		p, err := rt.Fork(ctx, testutils.NewTestRequest(callID),
			[]sip.Contact{testutils.NewTestContact("phone"), testutils.NewTestContact("tablet")},
			bobKey,
		)
		Expect(err).NotTo(HaveOccurred())
		return p
	}

	// answerAll declines every branch so the fork only waits for new
	// registrations, then waits for the eviction.
	answerAll := func(p *dbproxy.Proxy) {
		Expect(rt.OnResponse(ctx, "br-1", sip.Response{Status: 404})).To(Succeed())
		Expect(rt.OnResponse(ctx, "br-2", sip.Response{Status: 480})).To(Succeed())
		Eventually(p.Phase).Should(Equal(dbproxy.PhaseEvicted))
	}

	Describe("New", func() {
		It("requires a storage driver", func() {
			_, err := router.New(&router.Config{}, router.Deps{Dispatcher: dispatcher})
			Expect(err).To(HaveOccurred())
		})

		It("requires a dispatcher", func() {
			_, err := router.New(&router.Config{}, router.Deps{Store: store})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Fork", func() {
		It("dispatches the request to every contact", func() {
			p := forkTwo("call-1")

			Expect(dispatcher.Contacts()).To(HaveLen(2))
			Expect(p.Phase()).To(Equal(dbproxy.PhaseMaterialized))
			Expect(p.Keys()).To(ConsistOf(bobKey))
			Expect(rt.Len()).To(Equal(1))
			Expect(publisher.types()).To(Equal([]string{eventstream.EventTypeForkCreated}))
		})

		It("rejects a nil request", func() {
			_, err := rt.Fork(ctx, nil, nil)
			Expect(err).To(MatchError(router.ErrNilRequest))
		})

		It("answers 503 locally for contacts that cannot be reached", func() {
			dispatcher.Fail.Store(true)
			p := forkTwo("call-1")

			// Unreachable devices may still register later.
			Expect(responder.Statuses()).To(BeEmpty())
			Eventually(p.Phase).Should(Equal(dbproxy.PhaseEvicted))
			Expect(rt.OnResponse(ctx, "br-1", sip.Response{Status: 200})).To(MatchError(router.ErrUnknownBranch))
		})

		It("sends one push to an offline device for a message", func() {
			_, err := rt.Fork(ctx, testutils.NewTestRequest("call-1"),
				[]sip.Contact{testutils.NewTestPushContact("phone")},
				bobKey,
			)
			Expect(err).NotTo(HaveOccurred())

			Eventually(pushes.count).Should(Equal(1))
			Expect(loop.Sync(ctx)).To(Succeed())
			Consistently(pushes.count).Should(Equal(1))
		})

		It("repeats pushes for a call until the device answers", func() {
			req := testutils.NewTestRequest("call-1")
			req.Method = sip.MethodInvite

			_, err := rt.Fork(ctx, req, []sip.Contact{testutils.NewTestPushContact("phone")}, bobKey)
			Expect(err).NotTo(HaveOccurred())
			Eventually(pushes.count).Should(Equal(1))

			Expect(loop.Sync(ctx)).To(Succeed())
			clock.Advance(push.DefaultCallInterval)
			Expect(loop.Sync(ctx)).To(Succeed())
			Eventually(pushes.count).Should(Equal(2))

			Expect(rt.OnResponse(ctx, "br-1", sip.Response{Status: 200})).To(Succeed())
			Expect(loop.Sync(ctx)).To(Succeed())
			clock.Advance(push.DefaultCallInterval)
			Expect(loop.Sync(ctx)).To(Succeed())
			Consistently(pushes.count).Should(Equal(2))
		})

		It("refuses new forks after shutdown", func() {
			Expect(rt.Shutdown(ctx)).To(Succeed())
			_, err := rt.Fork(ctx, testutils.NewTestRequest("call-1"), nil)
			Expect(err).To(MatchError(router.ErrClosed))
		})
	})

	Describe("OnResponse", func() {
		It("completes the fork on a 200 and forgets it", func() {
			forkTwo("call-1")

			Expect(rt.OnResponse(ctx, "br-1", sip.Response{Status: 200, Phrase: "OK"})).To(Succeed())

			Expect(responder.Statuses()).To(Equal([]int{200}))
			Expect(rt.Len()).To(Equal(0))
			Expect(dispatcher.Transactions()[1].Canceled()).To(BeTrue())
			Expect(publisher.types()).To(ContainElement(eventstream.EventTypeForkCompleted))
		})

		It("rejects unknown branches", func() {
			Expect(rt.OnResponse(ctx, "nope", sip.Response{Status: 200})).To(MatchError(router.ErrUnknownBranch))
		})

		It("forgets a branch once it got a final response", func() {
			forkTwo("call-1")
			Expect(rt.OnResponse(ctx, "br-1", sip.Response{Status: 180})).To(Succeed())
			Expect(rt.OnResponse(ctx, "br-1", sip.Response{Status: 486})).To(Succeed())
			Expect(rt.OnResponse(ctx, "br-1", sip.Response{Status: 200})).To(MatchError(router.ErrUnknownBranch))
		})

		It("evicts a fork-late fork once every branch answered", func() {
			p := forkTwo("call-1")
			answerAll(p)

			Expect(responder.Statuses()).To(Equal([]int{202}))
			Expect(store.Len()).To(Equal(1))
			Expect(p.ID()).NotTo(BeEmpty())
			Eventually(publisher.types).Should(ContainElement(eventstream.EventTypeForkEvicted))
		})
	})

	Describe("OnRegister", func() {
		It("restores an evicted fork and sends it to the new device", func() {
			p := forkTwo("call-1")
			answerAll(p)

			Expect(rt.OnRegister(ctx, bobKey, testutils.NewTestContact("laptop"))).To(Equal(1))

			Expect(p.Phase()).To(Equal(dbproxy.PhaseMaterialized))
			Expect(dispatcher.Contacts()).To(HaveLen(3))
			Expect(publisher.types()).To(ContainElement(eventstream.EventTypeForkRestored))

			Expect(rt.OnResponse(ctx, ids.last(), sip.Response{Status: 200})).To(Succeed())
			Expect(rt.Len()).To(Equal(0))
			Expect(store.Len()).To(Equal(0))
		})

		It("ignores keys no fork waits on", func() {
			forkTwo("call-1")
			Expect(rt.OnRegister(ctx, "sip:carol@example.org", testutils.NewTestContact("laptop"))).To(Equal(0))
			Expect(dispatcher.Contacts()).To(HaveLen(2))
		})

		It("does not send twice to a device that is still pending", func() {
			forkTwo("call-1")
			Expect(rt.OnRegister(ctx, bobKey, testutils.NewTestContact("phone"))).To(Equal(0))
			Expect(dispatcher.Contacts()).To(HaveLen(2))
		})

		It("answers 500 and drops the fork when it cannot be restored", func() {
			p := forkTwo("call-1")
			answerAll(p)
			store.FailLoad.Store(true)

			Expect(rt.OnRegister(ctx, bobKey, testutils.NewTestContact("laptop"))).To(Equal(0))

			Expect(responder.Statuses()).To(Equal([]int{202, 500}))
			Expect(rt.Len()).To(Equal(0))
			Expect(store.Len()).To(Equal(0))
			Expect(publisher.types()).To(ContainElement(eventstream.EventTypeForkRestoreFailed))
		})
	})

	Describe("ringing timeout", func() {
		var calls *router.Router

		BeforeEach(func() {
			var err error
			calls, err = router.New(&router.Config{
				Push: push.DefaultConfig(),
			}, router.Deps{
				Store:      store,
				Dispatcher: dispatcher,
				Responder:  responder,
				Push:       pushes,
				Reactor:    loop,
				Clock:      clock,
				IDs:        ids.next,
				Metrics:    stats,
			})
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			Expect(calls.Shutdown(context.Background())).To(Succeed())
		})

		ring := func(callID string) *dbproxy.Proxy {
			req := testutils.NewTestRequest(callID)
			req.Method = sip.MethodInvite

			p, err := calls.Fork(ctx, req, []sip.Contact{testutils.NewTestPushContact("phone")}, bobKey)
			Expect(err).NotTo(HaveOccurred())
			Eventually(pushes.count).Should(Equal(1))
			Expect(loop.Sync(ctx)).To(Succeed())
			return p
		}

		expire := func() {
			clock.Advance(push.DefaultRingingTimeout + 5*time.Second)
			Expect(loop.Sync(ctx)).To(Succeed())
		}

		It("declines a call the device never answered", func() {
			ring("call-r")
			expire()

			Eventually(responder.Statuses).Should(Equal([]int{603}))
			Eventually(calls.Len).Should(BeZero())
			Expect(stats.Snapshot().RingingTimeout).To(Equal(int64(1)))
		})

		It("restores an evicted call to decline it", func() {
			// Failed pushes leave the fork alone, so it stays evicted until
			// the timeout.
			pushes.fail.Store(true)
			p := ring("call-r")

			Expect(calls.Evict(ctx, "call-r")).To(Succeed())
			Expect(p.Phase()).To(Equal(dbproxy.PhaseEvicted))
			Expect(store.Len()).To(Equal(1))

			expire()

			Eventually(responder.Statuses).Should(Equal([]int{603}))
			Eventually(calls.Len).Should(BeZero())
			Eventually(store.Len).Should(BeZero())
			Expect(p.Phase()).To(Equal(dbproxy.PhaseCompleted))
		})

		It("forgets the declined branch", func() {
			pushes.fail.Store(true)
			ring("call-r")
			expire()

			Eventually(responder.Statuses).Should(Equal([]int{603}))
			Expect(calls.OnResponse(ctx, "br-1", sip.Response{Status: 200})).To(MatchError(router.ErrUnknownBranch))
		})
	})

	Describe("interrupted restore", func() {
		It("keeps the fork and its snapshot for a later retry", func() {
			p := forkTwo("call-1")
			answerAll(p)

			store.HoldLoads()
			short, stop := context.WithTimeout(ctx, 50*time.Millisecond)
			defer stop()
			Expect(rt.Materialize(short, "call-1")).To(MatchError(context.DeadlineExceeded))
			store.ReleaseLoads()

			Expect(p.Phase()).To(Equal(dbproxy.PhaseEvicted))
			Expect(rt.Len()).To(Equal(1))
			Expect(store.Len()).To(Equal(1))
			Expect(responder.Statuses()).To(Equal([]int{202}))
			Expect(publisher.types()).To(ContainElement(eventstream.EventTypeForkRestoreFailed))

			Expect(rt.Materialize(ctx, "call-1")).To(Succeed())
			Expect(p.Phase()).To(Equal(dbproxy.PhaseMaterialized))
		})
	})

	Describe("Restore", func() {
		It("recreates evicted forks from the store", func() {
			id, err := store.Save(ctx, testutils.NewTestSnapshot("call-9"))
			Expect(err).NotTo(HaveOccurred())

			n, err := rt.Restore(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))

			p, ok := rt.Lookup(id)
			Expect(ok).To(BeTrue())
			Expect(p.Phase()).To(Equal(dbproxy.PhaseEvicted))
			Expect(store.Loads.Load()).To(BeZero())

			Expect(rt.OnRegister(ctx, bobKey, testutils.NewTestContact("laptop"))).To(Equal(1))
			Expect(p.Event().CallID).To(Equal("call-9"))
			Expect(dispatcher.Contacts()).To(HaveLen(1))
		})

		It("drops stored forks that cannot be loaded", func() {
			_, err := store.Save(ctx, testutils.NewTestSnapshot("call-9"))
			Expect(err).NotTo(HaveOccurred())
			_, err = rt.Restore(ctx)
			Expect(err).NotTo(HaveOccurred())
			store.FailLoad.Store(true)

			Expect(rt.OnRegister(ctx, bobKey, testutils.NewTestContact("laptop"))).To(Equal(0))

			Expect(rt.Len()).To(Equal(0))
			Expect(store.Len()).To(Equal(0))
			Expect(responder.Statuses()).To(BeEmpty())
			Expect(stats.Snapshot().Proxies).To(BeZero())
		})
	})

	Describe("Sweep", func() {
		It("expires forks past their delivery timeout", func() {
			p := forkTwo("call-1")
			answerAll(p)

			clock.Advance(2 * time.Hour)
			rt.Sweep(ctx)

			Expect(p.Phase()).To(Equal(dbproxy.PhaseCompleted))
			Expect(rt.Len()).To(Equal(0))
			Expect(store.Len()).To(Equal(0))
			Expect(responder.Statuses()).To(Equal([]int{202}))
		})

		It("retries evictions that failed", func() {
			store.FailSave.Store(true)
			p := forkTwo("call-1")
			Expect(rt.OnResponse(ctx, "br-1", sip.Response{Status: 404})).To(Succeed())
			Expect(rt.OnResponse(ctx, "br-2", sip.Response{Status: 480})).To(Succeed())
			Eventually(store.Saves.Load).Should(BeNumerically(">=", 1))
			Eventually(p.Phase).Should(Equal(dbproxy.PhaseMaterialized))

			store.FailSave.Store(false)
			rt.Sweep(ctx)
			Consistently(p.Phase, "50ms").Should(Equal(dbproxy.PhaseMaterialized))

			clock.Advance(11 * time.Second)
			rt.Sweep(ctx)
			Eventually(p.Phase).Should(Equal(dbproxy.PhaseEvicted))
		})

		It("leaves forks with pending branches in memory", func() {
			p := forkTwo("call-1")
			clock.Advance(time.Minute)
			rt.Sweep(ctx)
			Consistently(p.Phase, "50ms").Should(Equal(dbproxy.PhaseMaterialized))
		})
	})

	Describe("Evict and Materialize", func() {
		It("moves a fork in and out of storage by Call-ID", func() {
			p := forkTwo("call-1")

			Expect(rt.Evict(ctx, "call-1")).To(Succeed())
			Expect(p.Phase()).To(Equal(dbproxy.PhaseEvicted))

			Expect(rt.Materialize(ctx, p.ID())).To(Succeed())
			Expect(p.Phase()).To(Equal(dbproxy.PhaseMaterialized))
			Expect(publisher.types()).To(Equal([]string{
				eventstream.EventTypeForkCreated,
				eventstream.EventTypeForkEvicted,
				eventstream.EventTypeForkRestored,
			}))
		})

		It("rejects unknown forks", func() {
			Expect(rt.Evict(ctx, "nope")).To(MatchError(router.ErrUnknownFork))
			Expect(rt.Materialize(ctx, "nope")).To(MatchError(router.ErrUnknownFork))
		})
	})

	Describe("Forks and Stats", func() {
		It("summarizes every fork", func() {
			a := forkTwo("call-a")
			forkTwo("call-b")
			Expect(rt.Evict(ctx, "call-a")).To(Succeed())

			infos := rt.Forks()
			Expect(infos).To(HaveLen(2))
			Expect(infos[0].CallID).To(Equal("call-a"))
			Expect(infos[0].ID).To(Equal(a.ID()))
			Expect(infos[0].Phase).To(Equal("evicted"))
			Expect(infos[1].CallID).To(Equal("call-b"))

			st := rt.Stats()
			Expect(st.Forks).To(Equal(2))
			Expect(st.Evicted).To(Equal(1))
			Expect(st.Resident).To(Equal(1))
			Expect(st.Metrics.Proxies).To(Equal(int64(2)))
			Expect(st.Metrics.MessageForks).To(Equal(int64(1)))
		})
	})

	Describe("Shutdown", func() {
		It("drains queued evictions", func() {
			store.HoldSaves()
			p := forkTwo("call-1")
			Expect(rt.OnResponse(ctx, "br-1", sip.Response{Status: 404})).To(Succeed())
			Expect(rt.OnResponse(ctx, "br-2", sip.Response{Status: 480})).To(Succeed())
			Eventually(store.Entered).Should(Receive())

			done := make(chan error, 1)
			go func() { done <- rt.Shutdown(context.Background()) }()
			Consistently(done, "50ms").ShouldNot(Receive())

			store.ReleaseSaves()
			Eventually(done).Should(Receive(BeNil()))
			Expect(p.Phase()).To(Equal(dbproxy.PhaseEvicted))
		})

		It("is idempotent", func() {
			Expect(rt.Shutdown(ctx)).To(Succeed())
			Expect(rt.Shutdown(ctx)).To(Succeed())
		})
	})

	Describe("Run", func() {
		It("returns when its context is done", func() {
			runCtx, stop := context.WithCancel(ctx)
			done := make(chan error, 1)
			go func() { done <- rt.Run(runCtx) }()

			stop()
			Eventually(done).Should(Receive(BeNil()))
		})
	})
})
