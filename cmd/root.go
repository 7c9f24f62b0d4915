package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"helmsman/internal/config"
	"helmsman/pkg/logging"
)

// configPath is the configuration file selected with --config. Empty means
// the default lookup locations.
var configPath string

// debug enables verbose logging regardless of the configured level.
var debug bool

// rootCmd represents the base command for the helmsman application.
var rootCmd = &cobra.Command{
	Use:   "helmsman",
	Short: "Supervise a local proxy engine",
	Long: `helmsman runs and supervises a local proxy engine: it frees the
engine's ports, launches it directly or through the installed privileged
service, waits for it to come up, validates its configuration and keeps it
monitored until shutdown.`,
	// SilenceUsage prevents Cobra from printing the usage message on
	// errors that are handled by the application.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command. This is called from the
// main package to inject the build version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "helmsman version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadedConfigPath is the file loadConfig actually read, for commands that
// need to write the configuration back.
var loadedConfigPath string

// loadConfig loads the selected or default configuration and initializes
// logging from it.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	loadedConfigPath = path

	level := logging.ParseLevel(cfg.Logging.Level)
	if debug {
		level = logging.LevelDebug
	}
	logging.Init(level, os.Stderr)
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}
