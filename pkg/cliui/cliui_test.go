package cliui_test

import (
	"bytes"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/sipfork/pkg/cliui"
)

var _ = Describe("Step", func() {
	It("returns the error of fn and marks the step", func() {
		var buf bytes.Buffer
		boom := errors.New("boom")

		err := cliui.Step(&buf, "evicting", func() error { return boom })
		Expect(err).To(MatchError(boom))
		Expect(buf.String()).To(ContainSubstring("evicting"))
		Expect(buf.String()).To(ContainSubstring(cliui.FailMark))
	})

	It("marks successful steps", func() {
		var buf bytes.Buffer

		Expect(cliui.Step(&buf, "restoring", func() error { return nil })).To(Succeed())
		Expect(buf.String()).To(ContainSubstring(cliui.SuccessMark))
	})
})

var _ = Describe("FormatDuration", func() {
	It("uses milliseconds below a second", func() {
		Expect(cliui.FormatDuration(12 * time.Millisecond)).To(Equal("12ms"))
		Expect(cliui.FormatDuration(3200 * time.Millisecond)).To(Equal("3.2s"))
	})
})

var _ = Describe("Phase", func() {
	It("keeps the phase name", func() {
		Expect(cliui.Phase("evicted")).To(ContainSubstring("evicted"))
		Expect(cliui.Phase("unknown")).To(Equal("unknown"))
	})
})

var _ = Describe("KeyValue", func() {
	It("writes key and value on one line", func() {
		var buf bytes.Buffer
		cliui.KeyValue(&buf, 8, "Forks", "3")
		Expect(buf.String()).To(ContainSubstring("Forks"))
		Expect(buf.String()).To(ContainSubstring("3"))
		Expect(buf.String()).To(HaveSuffix("\n"))
	})
})
