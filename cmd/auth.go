package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"clawgate/pkg/auth"
	"clawgate/pkg/storage"
)

var authJSON bool

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Inspect credential profiles",
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print masked credential profiles and their usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		log := slog.New(slog.DiscardHandler)

		var usage auth.UsageSink
		if path := strings.TrimSpace(cfg.Storage.UsageDB); path != "" {
			store, err := storage.Open(ctx, path, log)
			if err != nil {
				return err
			}
			defer store.Close()
			usage = store
		}

		// Usage is only read here; the manager is never flushed back.
		manager, err := newAuthManager(ctx, cfg, usage, nil, log)
		if err != nil {
			return err
		}

		return writeSummaries(cmd.OutOrStdout(), manager.Summaries(), authJSON)
	},
}

func init() {
	authStatusCmd.Flags().BoolVar(&authJSON, "json", false, "print JSON instead of a table")
	authCmd.AddCommand(authStatusCmd)
	rootCmd.AddCommand(authCmd)
}

func writeSummaries(out io.Writer, summaries []auth.Summary, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(summaries)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROFILE\tCHANNEL\tACCOUNT\tKIND\tCREDENTIAL\tUSES\tFAILURES\tLAST USED\tSTATE")

	for _, s := range summaries {
		state := "valid"
		if s.Invalidated {
			state = "invalid"
		} else if !s.Expiry.IsZero() && time.Now().After(s.Expiry) {
			state = "expired"
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			s.ID, s.Channel, orDash(s.Account), s.Kind, s.Masked,
			s.Usage.SuccessCount, s.Usage.FailureCount, formatWhen(s.Usage.LastUsedAt), state)
	}

	return w.Flush()
}

func formatWhen(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	return t.UTC().Format(time.RFC3339)
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}

	return value
}
