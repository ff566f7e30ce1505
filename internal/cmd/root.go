// Package cmd implements the sluice command line.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/sluice/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "sluice",
	Short: "Watched-directory file pipelines",
	Long: `Sluice watches directories and runs every stabilized file through a
configured pipeline of steps: copy, move, archive, print, delete, and
decision. Run history is kept in a state store; runs that exhaust their
retries are moved to a dead-letter directory with a JSON sidecar.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/sluice/sluice.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("sluice")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath(config.ConfigDir())
	}

	// SLUICE_RUNTIME_STATE_DB_PATH overrides runtime.state_db_path
	config.BindEnv(viper.GetViper())

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
