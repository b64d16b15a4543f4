package cmd

import (
	"fmt"
	"os"

	"github.com/KumoCorp/recursor/config"
	"github.com/KumoCorp/recursor/log"
	"github.com/KumoCorp/recursor/metrics"

	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals
var (
	version   = "undefined"
	buildTime = "undefined"

	configPath string
	cfg        config.Config
)

//nolint:gochecknoglobals
var rootCmd = &cobra.Command{
	Use:   "recursor",
	Short: "recursor is a validating, caching, recursive DNS resolver engine",
	Long: `A recursive DNS resolver that walks the delegation tree itself,
validates answers with DNSSEC and caches aggressively.

Complete documentation is available at https://github.com/KumoCorp/recursor`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.AddCommand(NewQueryCommand())
}

func initConfig() {
	var err error

	if configPath != "" {
		cfg, err = config.LoadConfig(configPath)
	} else {
		cfg, err = config.NewConfig()
	}

	if err != nil {
		log.Log().Fatalf("can't load config: %v", err)
	}

	log.ConfigureLogger(cfg.Log)
	metrics.StartCollection()
}

// Execute runs the CLI
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
