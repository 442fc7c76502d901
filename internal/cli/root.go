package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/harun/agentcore/internal/config"
)

const version = "0.1.0"

var (
	cfgFile  string
	envFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "agentcore",
	Short: "agentcore - event-driven agent execution core",
	Long: `agentcore runs the event-driven core of an agent system: a prioritized
event queue with retries, a dead letter queue and a circuit breaker, a
dependency-aware plan executor, and persistent per-thread session context.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.agentcore/agentcore.json)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before environment overrides")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// loadConfig resolves the config file, dotenv file and environment, then
// applies the --log-level flag when it was given explicitly.
func loadConfig() (*config.Config, *config.Loader, error) {
	loader := config.NewLoader(cfgFile).WithEnvFile(envFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if rootCmd.PersistentFlags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, loader, nil
}

func pidFilePath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "agentcore.pid")
}
