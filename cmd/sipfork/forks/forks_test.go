package forkscmder_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/sipfork/api"
	forkscmder "github.com/papercomputeco/sipfork/cmd/sipfork/forks"
	"github.com/papercomputeco/sipfork/pkg/fork/dbproxy"
)

var _ = Describe("NewForksCmd", func() {
	var (
		server *httptest.Server
		out    *bytes.Buffer
	)

	BeforeEach(func() {
		mux := http.NewServeMux()
		mux.HandleFunc("GET /forks", func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(api.ForkListResponse{
				Count: 1,
				Forks: []dbproxy.Info{{ID: "fork-1", CallID: "call-a", Phase: "evicted"}},
			})
		})
		mux.HandleFunc("POST /forks/call-a/materialize", func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(dbproxy.Info{ID: "fork-1", CallID: "call-a", Phase: "materialized"})
		})
		mux.HandleFunc("POST /forks/nope/evict", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
		server = httptest.NewServer(mux)
		DeferCleanup(server.Close)

		out = &bytes.Buffer{}
	})

	execute := func(args ...string) error {
		cmd := forkscmder.NewForksCmd()
		cmd.PersistentFlags().String("config-dir", GinkgoT().TempDir(), "")
		cmd.SetOut(out)
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs(append(args, "--api-target", server.URL))
		return cmd.Execute()
	}

	It("has list, evict and materialize subcommands", func() {
		cmd := forkscmder.NewForksCmd()
		names := []string{}
		for _, sub := range cmd.Commands() {
			names = append(names, sub.Name())
		}
		Expect(names).To(ContainElements("list", "evict", "materialize"))
	})

	It("lists forks", func() {
		Expect(execute("list")).To(Succeed())
		Expect(out.String()).To(ContainSubstring("fork-1"))
		Expect(out.String()).To(ContainSubstring("call-a"))
	})

	It("elides long Call-IDs", func() {
		buf := &bytes.Buffer{}
		forkscmder.RenderList(buf, []dbproxy.Info{{
			ID:     "fork-2",
			CallID: "a8f3c0d2-5b7e-4d1a-9c6f-0e2b4a7d9f13@pbx.example.org",
			Phase:  "materialized",
		}})
		Expect(buf.String()).To(ContainSubstring("a8f3c0d2-5b7e-4d1a-9c..."))
		Expect(buf.String()).NotTo(ContainSubstring("pbx.example.org"))
	})

	It("renders an empty list", func() {
		buf := &bytes.Buffer{}
		forkscmder.RenderList(buf, nil)
		Expect(buf.String()).To(ContainSubstring("No forks."))
	})

	It("materializes a fork by Call-ID", func() {
		Expect(execute("materialize", "call-a")).To(Succeed())
		Expect(out.String()).To(ContainSubstring("materialized"))
	})

	It("reports unknown forks", func() {
		err := execute("evict", "nope")
		Expect(err).To(MatchError(ContainSubstring(`no fork "nope"`)))
	})

	It("requires an id", func() {
		Expect(execute("evict")).NotTo(Succeed())
	})
})

var _ = Describe("RenderList", func() {
	It("says when there are no forks", func() {
		var out bytes.Buffer
		forkscmder.RenderList(&out, nil)
		Expect(out.String()).To(ContainSubstring("No forks."))
	})
})
