package main

import (
	"fmt"
	"os"

	"github.com/cuemby/playpen/pkg/config"
	"github.com/cuemby/playpen/pkg/log"
	"github.com/cuemby/playpen/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// cfg is loaded before any subcommand runs
var cfg *config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "playpen",
	Short: "Playpen - sandboxed dev sessions for small web game projects",
	Long: `Playpen boots a sandbox, mounts a project into it, installs its
dependencies through a content-addressed cache and runs its dev server,
build, type-check and lint commands.

A client session is identified by a client ID kept in the data directory.
Reusing it after a restart resumes the session's project state; --new-client
starts from scratch.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")

		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		if err := applyFlags(cmd, loaded); err != nil {
			return err
		}
		cfg = loaded

		log.Init(log.Config{
			Level:      log.ParseLevel(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})
		metrics.SetVersion(Version)
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Playpen version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.PersistentFlags()
	flags.String("config", config.DefaultFile, "Path to the configuration file")
	flags.String("data-dir", "", "Data directory (overrides config)")
	flags.String("runtime", "", "Sandbox runtime: local or containerd (overrides config)")
	flags.String("client-id", "", "Client session ID (defaults to the one kept in the data directory)")
	flags.Bool("new-client", false, "Start a new client session instead of resuming the last one")
	flags.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	flags.Bool("log-json", false, "Log as JSON")

	rootCmd.AddCommand(devCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(psCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(configCmd)
}

// applyFlags lets explicitly set flags override the loaded configuration
func applyFlags(cmd *cobra.Command, c *config.Config) error {
	flags := cmd.Flags()

	if flags.Changed("data-dir") {
		c.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("runtime") {
		c.Runtime.Type, _ = flags.GetString("runtime")
	}
	if flags.Changed("client-id") {
		c.ClientID, _ = flags.GetString("client-id")
	}
	if flags.Changed("log-level") {
		c.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-json") {
		c.Log.JSON, _ = flags.GetBool("log-json")
	}
	return c.Validate()
}
