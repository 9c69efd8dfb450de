package inmemory_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/sipfork/pkg/storage"
	"github.com/papercomputeco/sipfork/pkg/storage/inmemory"
	"github.com/papercomputeco/sipfork/pkg/storage/storagetest"
	testutils "github.com/papercomputeco/sipfork/pkg/utils/test"
)

var _ = Describe("Driver", func() {
	storagetest.DescribeDriver(func(_ context.Context) storage.Driver {
		return inmemory.NewDriver()
	})

	It("does not share memory between saved and loaded snapshots", func() {
		ctx := context.Background()
		driver := inmemory.NewDriver()
		snap := testutils.NewTestSnapshot("call-1")

		id, err := driver.Save(ctx, snap)
		Expect(err).NotTo(HaveOccurred())

		snap.Request.Body[0] = 'X'
		loaded, err := driver.Load(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(loaded.Request.Body)).To(Equal("hello"))
		Expect(driver.Len()).To(Equal(1))
	})
})
