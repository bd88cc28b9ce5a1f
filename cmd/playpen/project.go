package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
)

var installCmd = &cobra.Command{
	Use:   "install PROJECT_ID DIR",
	Short: "Install the project's dependencies, using the cache when possible",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()
		a.followEvents(os.Stdout)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := a.openProject(ctx, args[0], args[1]); err != nil {
			return err
		}

		res, err := a.ws.Install(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("%s Dependencies ready (%s, %s)\n", okMark("✓"), res.Source, res.Duration.Round(1e6))
		fmt.Printf("  Manifest: %s\n", res.ManifestHash)
		return nil
	},
}

var buildCmd = &cobra.Command{
	Use:   "build PROJECT_ID DIR",
	Short: "Build the project and copy its output to the host",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			out = filepath.Join(args[1], cfg.Project.OutputDir)
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()
		a.followEvents(os.Stdout)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := a.openProject(ctx, args[0], args[1]); err != nil {
			return err
		}

		res, err := a.ws.Build(ctx)
		if err != nil {
			return err
		}

		for _, f := range res.Files {
			dst := filepath.Join(out, filepath.FromSlash(f.Path))
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return fmt.Errorf("failed to write build output: %w", err)
			}
			if err := os.WriteFile(dst, f.Data, 0o644); err != nil {
				return fmt.Errorf("failed to write build output: %w", err)
			}
		}

		if res.Delayed {
			fmt.Printf("%s Build timed out but produced its output\n", warnMark("!"))
		}
		fmt.Printf("%s Built %d files into %s (%s)\n", okMark("✓"), len(res.Files), out, res.Duration.Round(1e6))
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check PROJECT_ID DIR",
	Short: "Run the type-check and lint commands",
	Long: `Run the type-check and lint commands and print their raw output.
The command fails when either check exits non-zero or times out.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := a.openProject(ctx, args[0], args[1]); err != nil {
			return err
		}

		v, err := a.ws.Validate(ctx)
		if err != nil {
			return err
		}

		for _, check := range []struct {
			name string
			res  checkOutcome
		}{
			{"typecheck", checkOutcome(v.Typecheck)},
			{"lint", checkOutcome(v.Lint)},
		} {
			check.res.print(check.name)
		}

		if !v.Passed() {
			return fmt.Errorf("checks failed")
		}
		return nil
	},
}

func init() {
	buildCmd.Flags().String("out", "", "Host directory for the build output (default DIR/<output_dir>)")
}
