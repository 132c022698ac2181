package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/icksaur/caco/internal/config"
)

var (
	cfgFile     string
	listenFlag  string
	dataDirFlag string
	agentFlag   string
)

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	rootCmd := &cobra.Command{
		Use:   "caco",
		Short: "Conversational agent session daemon",
		Long:  "caco multiplexes long-lived agent sessions and streams their events to browser clients.",
		// Running caco with no subcommand starts the daemon.
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default ~/.config/caco/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&listenFlag, "listen", "l", "", "HTTP listen address")
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "override transcript/metadata directory")
	rootCmd.PersistentFlags().StringVar(&agentFlag, "agent", "", "override agent executable")

	// Subcommands
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd(version, commit, date))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initConfig loads configuration, applying CLI flag overrides.
func initConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// CLI flags override config values
	if listenFlag != "" {
		cfg.Listen = listenFlag
	}
	if dataDirFlag != "" {
		cfg.DataDir = dataDirFlag
	}
	if agentFlag != "" {
		cfg.Agent.Command = agentFlag
	}

	return cfg
}
