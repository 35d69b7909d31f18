package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/HueCodes/zeno/internal/config"
	v1 "github.com/HueCodes/zeno/pkg/api/v1"
)

func newValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and every repository policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			resolutions, err := cfg.Policies()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "REPOSITORY\tMODE\tDEDICATED\tMAX DYNAMIC\tPOLICY")
			invalid := 0
			for _, res := range resolutions {
				verdict := "ok"
				if res.Err != nil {
					verdict = res.Err.Error()
					invalid++
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
					res.Repository, res.Policy.Mode, res.Policy.DedicatedCount, res.Policy.MaxDynamic, verdict)
			}
			w.Flush()

			if invalid > 0 {
				return fmt.Errorf("%d of %d repositories have an invalid policy", invalid, len(resolutions))
			}
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	var (
		addr    string
		apiKey  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show fleet status from a running controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			client := v1.NewClient(addr, v1.WithAPIKey(apiKey))

			status, err := client.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Provider: %s  Mode: %s  Runners: %d (busy %d)  Degraded: %d\n\n",
				status.Provider, modeString(status.DryRun),
				status.Totals.Runners, status.Totals.Busy, status.Totals.DegradedRepositories)

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "REPOSITORY\tDEDICATED\tDYNAMIC\tBUSY\tFAILED\tSTATE")
			for _, r := range status.Repositories {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\n",
					r.Repository, r.Dedicated, r.Dynamic, r.Busy, r.Failed, repositoryState(r.Degraded, r.Excluded))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "controller API address")
	cmd.Flags().StringVar(&apiKey, "api-key", os.Getenv("ZENO_SERVER_API_KEY"), "API key when auth is enabled")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "zeno %s\n", version)
		},
	}
}

func repositoryState(degraded, excluded bool) string {
	switch {
	case excluded:
		return "excluded"
	case degraded:
		return "degraded"
	default:
		return "ok"
	}
}
