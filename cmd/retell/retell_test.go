package retellcmder_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	retellcmder "github.com/inkfold/retell/cmd/retell"
)

var _ = Describe("NewRetellCmd", func() {
	It("creates the root command", func() {
		cmd := retellcmder.NewRetellCmd()
		Expect(cmd.Use).To(Equal("retell"))
	})

	It("registers every subcommand", func() {
		cmd := retellcmder.NewRetellCmd()
		names := make([]string, 0, len(cmd.Commands()))
		for _, sub := range cmd.Commands() {
			names = append(names, sub.Name())
		}
		Expect(names).To(ContainElements(
			"init", "config", "ingest", "process", "export", "status", "serve", "version",
		))
	})

	It("carries the global debug and config-dir flags", func() {
		cmd := retellcmder.NewRetellCmd()
		Expect(cmd.PersistentFlags().Lookup("debug")).NotTo(BeNil())
		Expect(cmd.PersistentFlags().Lookup("config-dir")).NotTo(BeNil())
	})
})
