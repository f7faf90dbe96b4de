package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/pbaille/jobfiltr/internal/store"
	"github.com/pbaille/jobfiltr/internal/telemetry"
	"github.com/spf13/cobra"
)

func reportsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "Triage collected error reports",
	}

	cmd.AddCommand(reportsListCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "show [id]",
		Short: "Print a report as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				r, err := a.store.GetReport(ctx, args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(r)
			})
		},
	})
	cmd.AddCommand(reportsResolveCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.store.DeleteReport(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted report %s\n", args[0])
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Summarize stored reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				st, err := a.store.ReportStats(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Total:      %d\n", st.Total)
				fmt.Fprintf(out, "Last 24h:   %d\n", st.Last24h)
				fmt.Fprintf(out, "Last 7d:    %d\n", st.Last7d)
				fmt.Fprintf(out, "Unresolved: %d\n", st.Unresolved)
				printCounts(cmd, "By platform", st.ByPlatform)
				printCounts(cmd, "By type", st.ByType)
				return nil
			})
		},
	})
	cmd.AddCommand(reportsGroupsCmd())
	cmd.AddCommand(reportsSendCmd())

	return cmd
}

func reportsListCmd() *cobra.Command {
	var (
		platform   string
		unresolved bool
		since      time.Duration
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reports, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.ReportFilter{Platform: platform, Limit: limit}
			if unresolved {
				resolved := false
				filter.Resolved = &resolved
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				reports, err := a.store.ListReports(ctx, filter)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if len(reports) == 0 {
					fmt.Fprintln(out, "No reports.")
					return nil
				}
				for _, r := range reports {
					mark := " "
					if r.Resolved {
						mark = "✓"
					}
					fmt.Fprintf(out, "%s %s  %s  %-9s %-18s %s\n",
						mark, r.ID, r.Timestamp.Format("2006-01-02 15:04"),
						r.Platform, truncate(r.ErrorType, 18), truncate(r.Message, 60))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&platform, "platform", "p", "", "only reports from this platform")
	cmd.Flags().BoolVarP(&unresolved, "unresolved", "u", false, "only unresolved reports")
	cmd.Flags().DurationVar(&since, "since", 0, "only reports newer than this (e.g. 24h)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "max reports")
	return cmd
}

func reportsResolveCmd() *cobra.Command {
	var by, notes string

	cmd := &cobra.Command{
		Use:   "resolve [id]",
		Short: "Mark a report as resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if by == "" {
				return fmt.Errorf("--by is required")
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.store.ResolveReport(ctx, args[0], by, notes); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Resolved report %s\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&by, "by", "", "who resolved it")
	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes")
	return cmd
}

func reportsGroupsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Group reports by message, most frequent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				groups, err := a.store.GroupReports(ctx, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, g := range groups {
					fmt.Fprintf(out, "%5d  %s  %-18s %s\n",
						g.Count, g.LastSeen.Format("2006-01-02 15:04"),
						truncate(g.ErrorType, 18), truncate(g.Message, 70))
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max groups")
	return cmd
}

// reportsSendCmd files a report through the aggregator, exercising the
// configured sink end to end.
func reportsSendCmd() *cobra.Command {
	var url, jobID, errType string

	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send a custom error report through the configured sink",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if !a.telemetry.Enabled() {
					return fmt.Errorf("telemetry is disabled")
				}
				fields := telemetry.Fields{}
				if url != "" {
					fields["url"] = url
				}
				if jobID != "" {
					fields["jobId"] = jobID
				}
				if errType != "" {
					fields["type"] = errType
				}
				a.telemetry.Log(ctx, args[0], fields)
				if err := a.telemetry.Close(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Report sent.")
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "page URL the error happened on")
	cmd.Flags().StringVar(&jobID, "job", "", "job ID the error relates to")
	cmd.Flags().StringVar(&errType, "type", "", "error type (default CustomError)")
	return cmd
}

func printCounts(cmd *cobra.Command, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return counts[keys[i]] > counts[keys[j]] })

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(out, "  %-20s %d\n", k, counts[k])
	}
}
