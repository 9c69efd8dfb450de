package worker

import (
	"context"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/sipfork/pkg/fork"
	"github.com/papercomputeco/sipfork/pkg/fork/dbproxy"
	testutils "github.com/papercomputeco/sipfork/pkg/utils/test"
)

type savedRecorder struct {
	mu     sync.Mutex
	errors []error
}

func (s *savedRecorder) save(ctx context.Context, p *dbproxy.Proxy) error {
	err := p.Save(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, err)
	return err
}

func (s *savedRecorder) all() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errors...)
}

// newTestPool creates a worker pool. Callers should "wp.Close()" to drain
// enqueued jobs before asserting storage state.
func newTestPool(saved *savedRecorder) *Pool {
	wp, err := NewPool(&Config{
		Save: saved.save,
	})
	Expect(err).NotTo(HaveOccurred())
	return wp
}

var _ = Describe("Worker Pool", func() {
	var (
		wp    *Pool
		store *testutils.MockDriver
		saved *savedRecorder
	)

	BeforeEach(func() {
		store = testutils.NewMockDriver()
		saved = &savedRecorder{}
		wp = newTestPool(saved)
	})

	newProxy := func(callID string) *dbproxy.Proxy {
		return dbproxy.New(testutils.NewTestRequest(callID), fork.Config{ForkLate: true}, dbproxy.Deps{
			Store: store,
		})
	}

	Describe("NewPool", func() {
		It("applies defaults", func() {
			Expect(wp.config.NumWorkers).To(Equal(defaultNumWorkers))
			Expect(wp.config.QueueSize).To(Equal(defaultJobQueueSize))
			Expect(wp.config.SaveTimeout).To(Equal(defaultSaveTimeout))
			wp.Close()
		})
	})

	Describe("Enqueue", func() {
		It("returns true when the queue has capacity", func() {
			Expect(wp.Enqueue(Job{Proxy: newProxy("call-1")})).To(BeTrue())
			wp.Close()
		})

		It("returns false once closed", func() {
			wp.Close()
			Expect(wp.Enqueue(Job{Proxy: newProxy("call-1")})).To(BeFalse())
		})

		It("drops jobs when the queue is full", func() {
			wp.Close()
			small, err := NewPool(&Config{NumWorkers: 1, QueueSize: 1})
			Expect(err).NotTo(HaveOccurred())

			store.HoldSaves()
			Expect(small.Enqueue(Job{Proxy: newProxy("call-1")})).To(BeTrue())
			Eventually(store.Entered).Should(Receive())

			Expect(small.Enqueue(Job{Proxy: newProxy("call-2")})).To(BeTrue())
			Expect(small.Enqueue(Job{Proxy: newProxy("call-3")})).To(BeFalse())

			store.ReleaseSaves()
			small.Close()
		})
	})

	Describe("Evict", func() {
		It("saves every queued proxy", func() {
			proxies := []*dbproxy.Proxy{newProxy("call-1"), newProxy("call-2"), newProxy("call-3")}
			for _, p := range proxies {
				wp.Evict(p)
			}
			wp.Close()

			for _, p := range proxies {
				Expect(p.Phase()).To(Equal(dbproxy.PhaseEvicted))
			}
			Expect(store.Len()).To(Equal(3))
			Expect(saved.all()).To(HaveLen(3))
		})

		It("reports failed saves and leaves the fork resident", func() {
			store.FailSave.Store(true)
			p := newProxy("call-1")

			wp.Evict(p)
			wp.Close()

			Expect(p.Phase()).To(Equal(dbproxy.PhaseMaterialized))
			Expect(saved.all()).To(HaveLen(1))
			Expect(saved.all()[0]).To(MatchError(dbproxy.ErrSave))
		})

		It("leaves already evicted proxies alone", func() {
			p := newProxy("call-1")
			Expect(p.Save(context.Background())).To(Succeed())

			wp.Evict(p)
			wp.Close()

			Expect(store.Saves.Load()).To(Equal(int64(1)))
		})
	})

	Describe("Close", func() {
		It("is idempotent", func() {
			wp.Close()
			Expect(wp.Close).NotTo(Panic())
		})
	})
})
