package metrics_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/sipfork/pkg/metrics"
)

var _ = Describe("Metrics", func() {
	It("tracks resident forks and proxies", func() {
		m := metrics.New()

		m.MessageForkCreated()
		m.MessageForkCreated()
		m.MessageForkReleased()
		m.ProxyCreated()
		m.Evicted()

		stats := m.Snapshot()
		Expect(stats.MessageForks).To(Equal(int64(1)))
		Expect(stats.Proxies).To(Equal(int64(1)))
		Expect(stats.Evicted).To(Equal(int64(1)))
	})

	It("counts outcomes separately", func() {
		m := metrics.New()

		m.Save(nil)
		m.Save(errors.New("disk full"))
		m.Restore(nil)
		m.Push(errors.New("unreachable"))
		m.RingingTimeout()

		stats := m.Snapshot()
		Expect(stats.Saves).To(Equal(int64(1)))
		Expect(stats.SaveErrors).To(Equal(int64(1)))
		Expect(stats.Restores).To(Equal(int64(1)))
		Expect(stats.PushErrors).To(Equal(int64(1)))
		Expect(stats.RingingTimeout).To(Equal(int64(1)))
	})

	It("exposes the collectors through its registry", func() {
		m := metrics.New()
		m.ProxyCreated()

		families, err := m.Registry().Gather()
		Expect(err).NotTo(HaveOccurred())

		var names []string
		for _, f := range families {
			names = append(names, f.GetName())
		}
		Expect(names).To(ContainElement("sipfork_fork_proxies"))
	})

	It("ignores calls on a nil receiver", func() {
		var m *metrics.Metrics
		Expect(func() {
			m.ProxyCreated()
			m.Save(nil)
			m.Push(nil)
		}).NotTo(Panic())
		Expect(m.Snapshot()).To(Equal(metrics.Stats{}))
	})
})
