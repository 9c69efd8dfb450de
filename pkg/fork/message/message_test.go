package message_test

import (
	"time"

	"github.com/jonboulle/clockwork"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/sipfork/pkg/fork"
	"github.com/papercomputeco/sipfork/pkg/fork/message"
	"github.com/papercomputeco/sipfork/pkg/sip"
	testutils "github.com/papercomputeco/sipfork/pkg/utils/test"
)

var _ = Describe("Context", func() {
	var (
		listener  *testutils.Listener
		responder *testutils.Responder
		clock     *clockwork.FakeClock
		deps      message.Deps
	)

	BeforeEach(func() {
		listener = testutils.NewListener()
		responder = testutils.NewResponder()
		clock = clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
		deps = message.Deps{
			Listener:  listener,
			Responder: responder,
			Clock:     clock,
		}
	})

	newFork := func(cfg fork.Config) *message.Context {
		return message.New(testutils.NewTestRequest("call-1"), cfg, deps)
	}

	Describe("Start", func() {
		It("answers 480 when there is no branch", func() {
			c := newFork(fork.Config{})
			c.Start()

			Expect(c.IsFinished()).To(BeTrue())
			Expect(responder.Statuses()).To(Equal([]int{480}))
			Expect(listener.Finished()).To(Equal(1))
		})

		It("accepts a fork-late request with no branch", func() {
			c := newFork(fork.Config{ForkLate: true})
			c.Start()

			Expect(c.IsFinished()).To(BeFalse())
			Expect(responder.Statuses()).To(Equal([]int{202}))
		})

		It("is idempotent", func() {
			c := newFork(fork.Config{})
			c.Start()
			c.Start()
			Expect(responder.Statuses()).To(HaveLen(1))
		})
	})

	Describe("OnResponse", func() {
		It("finishes on a 2xx and cancels the other branches", func() {
			c := newFork(fork.Config{})
			b1 := c.AddBranch(c.Event(), testutils.NewTestContact("phone"))
			b2 := c.AddBranch(c.Event(), testutils.NewTestContact("tablet"))
			tr := testutils.NewTransaction("t2")
			b2.SetTransaction(tr)
			bl := &testutils.BranchListener{}
			b2.AddListener(bl)
			c.Start()

			c.OnResponse(b1, sip.Response{Status: 200, Phrase: "OK"})

			Expect(c.IsFinished()).To(BeTrue())
			Expect(c.FinalResponse().Status).To(Equal(200))
			Expect(responder.Statuses()).To(Equal([]int{200}))
			Expect(tr.Canceled()).To(BeTrue())
			Expect(bl.Statuses()).To(Equal([]fork.Status{fork.StatusAcceptedElsewhere}))
			Expect(listener.Finished()).To(Equal(1))
		})

		It("finishes on a 6xx", func() {
			c := newFork(fork.Config{})
			b1 := c.AddBranch(c.Event(), testutils.NewTestContact("phone"))
			c.AddBranch(c.Event(), testutils.NewTestContact("tablet"))
			c.Start()

			c.OnResponse(b1, sip.Response{Status: 603, Phrase: "Decline"})
			Expect(c.IsFinished()).To(BeTrue())
			Expect(c.FinalResponse().Status).To(Equal(603))
		})

		It("waits for every branch and picks the lowest status", func() {
			c := newFork(fork.Config{})
			b1 := c.AddBranch(c.Event(), testutils.NewTestContact("phone"))
			b2 := c.AddBranch(c.Event(), testutils.NewTestContact("tablet"))
			c.Start()

			c.OnResponse(b1, sip.Response{Status: 486})
			Expect(c.IsFinished()).To(BeFalse())

			c.OnResponse(b2, sip.Response{Status: 404})
			Expect(c.IsFinished()).To(BeTrue())
			Expect(c.FinalResponse().Status).To(Equal(404))
		})

		It("ignores provisional responses", func() {
			c := newFork(fork.Config{})
			b1 := c.AddBranch(c.Event(), testutils.NewTestContact("phone"))
			bl := &testutils.BranchListener{}
			b1.AddListener(bl)
			c.Start()

			c.OnResponse(b1, sip.Response{Status: 180})
			Expect(c.IsFinished()).To(BeFalse())
			Expect(bl.Completed.Load()).To(BeZero())
		})

		It("notifies branch listeners on a final response", func() {
			c := newFork(fork.Config{ForkLate: true})
			b1 := c.AddBranch(c.Event(), testutils.NewTestContact("phone"))
			bl := &testutils.BranchListener{}
			b1.AddListener(bl)
			c.Start()

			c.OnResponse(b1, sip.Response{Status: 480})
			Expect(bl.Completed.Load()).To(Equal(int64(1)))
		})

		It("accepts a fork-late request once every branch answered", func() {
			c := newFork(fork.Config{ForkLate: true})
			b1 := c.AddBranch(c.Event(), testutils.NewTestContact("phone"))
			c.Start()

			c.OnResponse(b1, sip.Response{Status: 480})
			Expect(c.IsFinished()).To(BeFalse())
			Expect(responder.Statuses()).To(Equal([]int{202}))
		})

		It("keeps 408 branches unanswered unless errors are ignored", func() {
			c := newFork(fork.Config{ForkLate: true})
			b1 := c.AddBranch(c.Event(), testutils.NewTestContact("phone"))
			c.Start()

			c.OnResponse(b1, sip.Response{Status: 408})
			Expect(c.AllCurrentBranchesAnswered(false)).To(BeFalse())
			Expect(c.AllCurrentBranchesAnswered(true)).To(BeTrue())
		})
	})

	Describe("OnPushSent", func() {
		It("accepts a fork-late request", func() {
			c := newFork(fork.Config{ForkLate: true})
			b1 := c.AddBranch(c.Event(), testutils.NewTestPushContact("phone"))
			c.Start()

			b1.OnPushSent()
			Expect(b1.PushSent()).To(BeTrue())
			Expect(responder.Statuses()).To(Equal([]int{202}))
		})
	})

	Describe("OnNewRegister", func() {
		It("dispatches to a device that has not received the message", func() {
			c := newFork(fork.Config{ForkLate: true})
			c.Start()

			called := false
			Expect(c.OnNewRegister("sip:bob@example.org", "laptop", func() { called = true })).To(BeTrue())
			Expect(called).To(BeTrue())
		})

		It("refuses devices with a pending branch", func() {
			c := newFork(fork.Config{ForkLate: true})
			pending := c.AddBranch(c.Event(), testutils.NewTestContact("phone"))
			failed := c.AddBranch(c.Event(), testutils.NewTestContact("tablet"))
			c.Start()
			c.OnResponse(failed, sip.Response{Status: 480})

			Expect(c.OnNewRegister("", pending.UID(), func() {})).To(BeFalse())
			Expect(c.OnNewRegister("", failed.UID(), func() {})).To(BeTrue())
		})

		It("refuses once the fork is finished", func() {
			c := newFork(fork.Config{ForkLate: true})
			delivered := c.AddBranch(c.Event(), testutils.NewTestContact("phone"))
			c.Start()
			c.OnResponse(delivered, sip.Response{Status: 200})

			Expect(c.OnNewRegister("", "laptop", func() {})).To(BeFalse())
		})

		It("refuses when the fork is not fork-late", func() {
			c := newFork(fork.Config{})
			c.AddBranch(c.Event(), testutils.NewTestContact("phone"))
			c.Start()
			Expect(c.OnNewRegister("", "laptop", func() {})).To(BeFalse())
		})
	})

	Describe("ProcessInternalError", func() {
		It("finishes with the given status", func() {
			c := newFork(fork.Config{ForkLate: true})
			c.AddBranch(c.Event(), testutils.NewTestContact("phone"))
			c.Start()

			c.ProcessInternalError(408, "Request Timeout")
			Expect(c.IsFinished()).To(BeTrue())
			Expect(c.FinalResponse().Status).To(Equal(408))
			Expect(listener.Finished()).To(Equal(1))
		})
	})

	Describe("Keys", func() {
		It("deduplicates keys", func() {
			c := newFork(fork.Config{})
			c.AddKey("sip:bob@example.org")
			c.AddKey("sip:bob@example.org")
			Expect(c.Keys()).To(Equal([]string{"sip:bob@example.org"}))
		})
	})

	Describe("Snapshot and Restore", func() {
		It("round trips the fork state", func() {
			c := newFork(fork.Config{ForkLate: true, DeliveryTimeout: time.Hour})
			c.AddKey("sip:bob@example.org")
			b1 := c.AddBranch(c.Event(), testutils.NewTestContact("phone"))
			c.AddBranch(c.Event(), testutils.NewTestPushContact("tablet"))
			c.Start()
			c.OnResponse(b1, sip.Response{Status: 480})

			snap := c.Snapshot()
			Expect(snap.ID).To(BeEmpty())
			Expect(snap.ExpiresAt).To(BeTemporally("==", clock.Now().Add(time.Hour)))

			restored, err := message.Restore(snap, deps)
			Expect(err).NotTo(HaveOccurred())
			Expect(restored.Snapshot()).To(Equal(snap))
			Expect(restored.Keys()).To(Equal(c.Keys()))
			Expect(restored.AllCurrentBranchesAnswered(true)).To(Equal(c.AllCurrentBranchesAnswered(true)))
		})

		It("routes restored branch events to the restored fork", func() {
			c := newFork(fork.Config{})
			c.AddBranch(c.Event(), testutils.NewTestContact("phone"))
			c.Start()

			restored, err := message.Restore(c.Snapshot(), deps)
			Expect(err).NotTo(HaveOccurred())

			br := restored.Branches()[0]
			Expect(br.Context()).To(BeIdenticalTo(restored))

			br.Decline("busy")
			Expect(restored.IsFinished()).To(BeTrue())
			Expect(restored.FinalResponse().Status).To(Equal(603))
		})

		It("rejects unknown versions", func() {
			snap := testutils.NewTestSnapshot("call-2")
			snap.Version = 99

			_, err := message.Restore(snap, deps)
			Expect(err).To(MatchError(message.ErrUnsupportedSnapshot))
		})
	})
})

var _ = Describe("Adopt", func() {
	It("keeps listeners of branch objects held elsewhere", func() {
		c := message.New(testutils.NewTestRequest("call-1"), fork.Config{ForkLate: true}, message.Deps{})
		held := c.AddBranch(c.Event(), testutils.NewTestContact("phone"))
		bl := &testutils.BranchListener{}
		held.AddListener(bl)
		c.Start()

		restored, err := message.Restore(c.Snapshot(), message.Deps{})
		Expect(err).NotTo(HaveOccurred())
		Expect(restored.Adopt(held)).To(BeTrue())
		Expect(restored.Branches()[0]).To(BeIdenticalTo(held))
		Expect(held.Context()).To(BeIdenticalTo(restored))

		restored.OnResponse(held, sip.Response{Status: 480})
		Expect(bl.Completed.Load()).To(Equal(int64(1)))
	})

	It("reports unknown branches", func() {
		c := message.New(testutils.NewTestRequest("call-1"), fork.Config{}, message.Deps{})
		stranger := fork.NewBranch("other", c.Event(), testutils.NewTestContact("phone"), nil)
		Expect(c.Adopt(stranger)).To(BeFalse())
	})
})
