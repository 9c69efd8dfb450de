package statuscmder_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	statuscmder "github.com/papercomputeco/sipfork/cmd/sipfork/status"
	"github.com/papercomputeco/sipfork/pkg/metrics"
	"github.com/papercomputeco/sipfork/router"
)

var _ = Describe("NewStatusCmd", func() {
	It("creates a command with the correct use string", func() {
		cmd := statuscmder.NewStatusCmd()
		Expect(cmd.Use).To(Equal("status"))
		Expect(cmd.Flags().Lookup("api-target")).NotTo(BeNil())
	})

	It("rejects arguments", func() {
		cmd := statuscmder.NewStatusCmd()
		Expect(cmd.Args(cmd, []string{"extra"})).To(HaveOccurred())
	})

	It("renders the stats of a running instance", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(router.Stats{
				Forks:    4,
				Resident: 1,
				Evicted:  3,
				Metrics:  metrics.Stats{Saves: 7},
			})
		}))
		DeferCleanup(server.Close)

		var out bytes.Buffer
		cmd := statuscmder.NewStatusCmd()
		cmd.Flags().String("config-dir", GinkgoT().TempDir(), "")
		cmd.SetOut(&out)
		cmd.SetArgs([]string{"--api-target", server.URL})

		Expect(cmd.Execute()).To(Succeed())
		Expect(out.String()).To(ContainSubstring("Evicted"))
		Expect(out.String()).To(ContainSubstring("7"))
	})

	It("fails when the instance is unreachable", func() {
		cmd := statuscmder.NewStatusCmd()
		cmd.Flags().String("config-dir", GinkgoT().TempDir(), "")
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs([]string{"--api-target", "http://127.0.0.1:1"})

		Expect(cmd.Execute()).NotTo(Succeed())
	})
})

var _ = Describe("Render", func() {
	It("prints every counter", func() {
		var out bytes.Buffer
		statuscmder.Render(&out, &router.Stats{Forks: 2})
		Expect(out.String()).To(ContainSubstring("Forks"))
		Expect(out.String()).To(ContainSubstring("Ringing timeouts"))
	})
})
