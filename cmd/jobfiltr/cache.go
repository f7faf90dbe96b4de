package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pbaille/jobfiltr/internal/domain"
	"github.com/spf13/cobra"
)

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the job cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				st := a.cache.Stats()
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Entries:          %d/%d\n", st.TotalEntries, st.Capacity)
				fmt.Fprintf(out, "With listed date: %d\n", st.EntriesWithListedAt)
				fmt.Fprintf(out, "Average age:      %.1f days\n", st.AverageJobAgeDays)
				fmt.Fprintf(out, "Pending writes:   %d\n", st.PendingWrites)
				fmt.Fprintf(out, "Flush scheduled:  %t\n", st.FlushScheduled)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get [id]",
		Short: "Show a cached job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				entry, ok := a.cache.Entry(args[0])
				if !ok {
					return fmt.Errorf("job %s not cached", args[0])
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "ID:        %s\n", entry.ID)
				fmt.Fprintf(out, "Title:     %s\n", entry.Job.Title)
				fmt.Fprintf(out, "Company:   %s\n", entry.Job.CompanyName)
				fmt.Fprintf(out, "Cached at: %s\n", entry.CachedAt.Format("2006-01-02 15:04:05"))
				if age, ok := a.cache.AgeInDays(entry.ID); ok {
					fmt.Fprintf(out, "Age:       %.1f days\n", age)
				}
				if remote, ok := a.cache.IsRemote(entry.ID); ok {
					fmt.Fprintf(out, "Remote:    %t\n", remote)
				}
				if entry.Job.Description != "" {
					fmt.Fprintf(out, "\n%s\n", truncate(entry.Job.Description, 400))
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "import [file]",
		Short: "Load a JSON array of jobs into the cache (- for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := readJobs(cmd, args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				a.cache.SetBatch(jobs)
				if err := a.cache.Flush(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d jobs, cache holds %d\n", len(jobs), a.cache.Size())
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every cached job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				a.cache.Clear(ctx)
				fmt.Fprintln(cmd.OutOrStdout(), "Cache cleared.")
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "prune",
		Short: "Drop expired jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				n, err := a.cache.Prune(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d expired jobs\n", n)
				return nil
			})
		},
	})

	return cmd
}

// readJobs decodes the jobs in path and drops those without an ID
func readJobs(cmd *cobra.Command, path string) ([]domain.Job, error) {
	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open jobs file: %w", err)
		}
		defer f.Close()
		r = f
	}

	var jobs []domain.Job
	if err := json.NewDecoder(r).Decode(&jobs); err != nil {
		return nil, fmt.Errorf("decode jobs: %w", err)
	}

	kept := jobs[:0]
	for _, j := range jobs {
		if j.ID != "" {
			kept = append(kept, j)
		}
	}
	return kept, nil
}
