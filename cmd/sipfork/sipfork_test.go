package sipforkcmder_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	sipforkcmder "github.com/papercomputeco/sipfork/cmd/sipfork"
)

var _ = Describe("NewSipforkCmd", func() {
	It("wires every subcommand", func() {
		cmd := sipforkcmder.NewSipforkCmd()
		names := []string{}
		for _, sub := range cmd.Commands() {
			names = append(names, sub.Name())
		}
		Expect(names).To(ContainElements("serve", "status", "forks", "config", "version"))
	})

	It("has the global flags", func() {
		cmd := sipforkcmder.NewSipforkCmd()
		Expect(cmd.PersistentFlags().Lookup("debug")).NotTo(BeNil())
		Expect(cmd.PersistentFlags().Lookup("config-dir")).NotTo(BeNil())
	})
})
