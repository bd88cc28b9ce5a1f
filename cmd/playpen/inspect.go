package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cuemby/playpen/pkg/config"
	"github.com/cuemby/playpen/pkg/workspace"
	"github.com/opencontainers/go-digest"
	"github.com/spf13/cobra"
)

// checkOutcome prints a validation result
type checkOutcome workspace.CheckResult

func (c checkOutcome) print(name string) {
	mark := okMark("✓")
	switch {
	case c.TimedOut:
		mark = warnMark("!")
	case c.ExitCode != 0:
		mark = failMark("✗")
	}

	fmt.Printf("%s %s: %s (exit code %d)\n", mark, name, c.Command, c.ExitCode)
	if out := strings.TrimRight(c.Output, "\n"); out != "" {
		for _, line := range strings.Split(out, "\n") {
			fmt.Printf("    %s\n", line)
		}
	}
}

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List the processes tracked by a running dev session",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.Metrics.Addr
		}

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get("http://" + addr + "/status")
		if err != nil {
			return fmt.Errorf("no dev session reachable at %s: %w", addr, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("status request failed: %s", resp.Status)
		}

		var status workspace.Status
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return fmt.Errorf("invalid status response: %w", err)
		}

		if len(status.Processes) == 0 {
			fmt.Println("No tracked processes")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPID\tSTARTED\tCOMMAND")
		fmt.Fprintln(w, "--\t---\t-------\t-------")
		for _, p := range status.Processes {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
				p.ID, p.PID, time.Since(p.StartedAt).Round(time.Second), p.Command)
		}
		return w.Flush()
	},
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the client session's persisted project state",
	Long: `Show the project state persisted for the client session. The state is
only trusted while its sandbox is running; from a fresh process a record that
claims a ready dev server is reported as untrusted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		status, err := a.ws.Status()
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the dependency cache",
}

var cacheListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List cached dependency trees",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		entries, err := store.ListDependencyCaches()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Dependency cache is empty")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PROJECT\tMANIFEST\tFILES\tSIZE\tSAVED\tLAST USED")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
				e.ProjectID, shortHash(e.ManifestHash), e.FileCount, humanBytes(e.TotalBytes),
				e.SavedAt.Format(time.RFC3339), e.LastAccessed.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove cache entries not used within --max-age",
	RunE: func(cmd *cobra.Command, args []string) error {
		maxAge, _ := cmd.Flags().GetDuration("max-age")

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		removed, err := a.ws.Cache.Prune(maxAge)
		if err != nil {
			return err
		}
		fmt.Printf("%s Removed %d cache entries unused for %s\n", okMark("✓"), removed, maxAge)
		return nil
	},
}

var cacheRemoveCmd = &cobra.Command{
	Use:   "rm PROJECT_ID",
	Short: "Remove a project's cached dependency tree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.ws.Cache.Delete(args[0]); err != nil {
			return err
		}
		fmt.Printf("%s Removed cache for %s\n", okMark("✓"), args[0])
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with the default settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		force, _ := cmd.Flags().GetBool("force")

		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}

		if err := config.Save(path, config.Default()); err != nil {
			return err
		}
		fmt.Printf("%s Wrote %s\n", okMark("✓"), path)
		return nil
	},
}

func init() {
	psCmd.Flags().String("addr", "", "Status address of the dev session (default metrics address)")

	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cachePruneCmd)
	cacheCmd.AddCommand(cacheRemoveCmd)
	cachePruneCmd.Flags().Duration("max-age", 30*24*time.Hour, "Remove entries not used for this long")

	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
}

func shortHash(h string) string {
	encoded := digest.Digest(h).Encoded()
	if len(encoded) > 12 {
		return encoded[:12]
	}
	return encoded
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
