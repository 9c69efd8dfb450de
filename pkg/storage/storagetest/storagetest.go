// Package storagetest holds the behaviour every storage.Driver must share.
package storagetest

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/sipfork/pkg/sip"
	"github.com/papercomputeco/sipfork/pkg/storage"
	testutils "github.com/papercomputeco/sipfork/pkg/utils/test"
)

// DescribeDriver registers the shared driver specs. newDriver is called
// before every spec; the returned driver is closed after it.
func DescribeDriver(newDriver func(ctx context.Context) storage.Driver) {
	var (
		driver storage.Driver
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		driver = newDriver(ctx)
	})

	AfterEach(func() {
		if driver != nil {
			Expect(driver.Close()).To(Succeed())
		}
	})

	Describe("Save and Load", func() {
		It("assigns an ID to a new snapshot", func() {
			id, err := driver.Save(ctx, testutils.NewTestSnapshot("call-1"))
			Expect(err).NotTo(HaveOccurred())
			Expect(id).NotTo(BeEmpty())
		})

		It("loads an equivalent snapshot", func() {
			snap := testutils.NewTestSnapshot("call-2")

			id, err := driver.Save(ctx, snap)
			Expect(err).NotTo(HaveOccurred())

			loaded, err := driver.Load(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.ID).To(Equal(id))
			Expect(loaded.Request).To(Equal(snap.Request))
			Expect(loaded.Keys).To(Equal(snap.Keys))
			Expect(loaded.Config).To(Equal(snap.Config))
			Expect(loaded.Branches).To(Equal(snap.Branches))
			Expect(loaded.CreatedAt.Equal(snap.CreatedAt)).To(BeTrue())
			Expect(loaded.ExpiresAt.Equal(snap.ExpiresAt)).To(BeTrue())
			Expect(loaded.Started).To(BeTrue())
		})

		It("does not mutate the saved snapshot", func() {
			snap := testutils.NewTestSnapshot("call-3")

			_, err := driver.Save(ctx, snap)
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.ID).To(BeEmpty())
		})

		It("replaces a snapshot saved under an existing ID", func() {
			snap := testutils.NewTestSnapshot("call-4")
			id, err := driver.Save(ctx, snap)
			Expect(err).NotTo(HaveOccurred())

			snap.ID = id
			snap.Keys = []string{"sip:carol@example.org"}
			snap.Branches[0].Status = 200
			snap.Finished = true
			snap.FinalResponse = &sip.Response{Status: 200, Phrase: "OK"}

			again, err := driver.Save(ctx, snap)
			Expect(err).NotTo(HaveOccurred())
			Expect(again).To(Equal(id))

			loaded, err := driver.Load(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.Keys).To(ConsistOf("sip:carol@example.org"))
			Expect(loaded.Branches[0].Status).To(Equal(200))
			Expect(loaded.Finished).To(BeTrue())
			Expect(loaded.FinalResponse).To(Equal(&sip.Response{Status: 200, Phrase: "OK"}))
		})

		It("rejects a nil snapshot", func() {
			_, err := driver.Save(ctx, nil)
			Expect(err).To(MatchError(storage.ErrNilSnapshot))
		})

		It("returns NotFoundError for an unknown ID", func() {
			_, err := driver.Load(ctx, "does-not-exist")
			Expect(storage.IsNotFound(err)).To(BeTrue())
		})
	})

	Describe("Delete", func() {
		It("removes a snapshot", func() {
			id, err := driver.Save(ctx, testutils.NewTestSnapshot("call-5"))
			Expect(err).NotTo(HaveOccurred())

			Expect(driver.Delete(ctx, id)).To(Succeed())

			_, err = driver.Load(ctx, id)
			Expect(storage.IsNotFound(err)).To(BeTrue())
		})

		It("returns NotFoundError the second time", func() {
			id, err := driver.Save(ctx, testutils.NewTestSnapshot("call-6"))
			Expect(err).NotTo(HaveOccurred())

			Expect(driver.Delete(ctx, id)).To(Succeed())
			Expect(storage.IsNotFound(driver.Delete(ctx, id))).To(BeTrue())
		})
	})

	Describe("List", func() {
		It("returns the keys and expiry of stored snapshots", func() {
			snap := testutils.NewTestSnapshot("call-7")
			snap.Keys = []string{"sip:bob@example.org", "sip:bob@example.org", "sip:dave@example.org"}

			id, err := driver.Save(ctx, snap)
			Expect(err).NotTo(HaveOccurred())

			entries, err := driver.List(ctx)
			Expect(err).NotTo(HaveOccurred())

			var found *storage.Entry
			for i := range entries {
				if entries[i].ID == id {
					found = &entries[i]
				}
			}
			Expect(found).NotTo(BeNil())
			Expect(found.Keys).To(ContainElements("sip:bob@example.org", "sip:dave@example.org"))
			Expect(found.ExpiresAt.Equal(snap.ExpiresAt)).To(BeTrue())
		})

		It("omits deleted snapshots", func() {
			id, err := driver.Save(ctx, testutils.NewTestSnapshot("call-8"))
			Expect(err).NotTo(HaveOccurred())
			Expect(driver.Delete(ctx, id)).To(Succeed())

			entries, err := driver.List(ctx)
			Expect(err).NotTo(HaveOccurred())
			for _, e := range entries {
				Expect(e.ID).NotTo(Equal(id))
			}
		})
	})
}
