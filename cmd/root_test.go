package cmd

import (
	"os"
	"time"

	"github.com/KumoCorp/recursor/helpertest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("root command", func() {
	Describe("configuration loading", func() {
		AfterEach(func() {
			configPath = ""
		})

		It("should load the config file given via flag", func() {
			f := helpertest.TempFile("transport:\n  timeout: 5s\n")
			DeferCleanup(os.Remove, f.Name())

			configPath = f.Name()
			initConfig()

			Expect(cfg.Transport.Timeout.ToDuration()).Should(Equal(5 * time.Second))
		})

		It("should fall back to the defaults without a config file", func() {
			configPath = ""
			initConfig()

			Expect(cfg.Iterator.MaxReferralDepth).Should(Equal(24))
			Expect(cfg.Validator.Enable).Should(BeTrue())
		})
	})

	Describe("query command", func() {
		It("should reject an unknown query type", func() {
			c := NewQueryCommand()
			c.SetArgs([]string{"example.com", "--type", "XXX"})
			c.SilenceUsage = true
			c.SilenceErrors = true

			err := c.Execute()
			Expect(err).Should(HaveOccurred())
			Expect(err.Error()).Should(ContainSubstring("unknown query type"))
		})
	})
})
