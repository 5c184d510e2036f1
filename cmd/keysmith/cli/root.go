package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/faucetdb/keysmith/internal/config"
)

var (
	cfgFile    string
	appVersion string // set in Execute, used for metrics and the MCP handshake
)

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	appVersion = version
	rootCmd := newRootCmd(version, commit, date)
	return rootCmd.Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keysmith",
		Short: "Issue, validate and revoke API keys",
		Long: `Keysmith: a small API key service.

Keysmith issues random sk- keys with an optional owner and lifetime, answers
whether a presented key is currently valid, and revokes keys on request. Keys
are stored in SQLite by default, or in MySQL, PostgreSQL or SQL Server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./keysmith.yaml)")
	cmd.PersistentFlags().String("data-dir", "", "data directory for the SQLite key store (default: ~/.keysmith)")
	viper.BindPFlag("store.data_dir", cmd.PersistentFlags().Lookup("data-dir"))

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newVersionCmd(version, commit, date))
	cmd.AddCommand(newKeyCmd())
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newOpenAPICmd())
	cmd.AddCommand(newMCPCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

func initConfig() error {
	return config.Init(viper.GetViper(), cfgFile)
}

// loadConfig decodes the effective configuration: defaults, then the config
// file, then KEYSMITH_* variables, then flags.
func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetViper())
}
