package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/pbaille/jobfiltr/internal/flags"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func flagsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flags",
		Short: "Inspect and toggle feature flags",
	}

	cmd.AddCommand(flagsListCmd())
	cmd.AddCommand(flagsSetCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Restore tier defaults and clear failure counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				a.breaker.ResetToDefaults(ctx)
				fmt.Fprintln(cmd.OutOrStdout(), "Flags reset to defaults.")
				return nil
			})
		},
	})
	cmd.AddCommand(flagsFailuresCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "reset-failures",
		Short: "Clear all failure counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				a.breaker.ResetFailureCounts(ctx)
				fmt.Fprintln(cmd.OutOrStdout(), "Failure counters cleared.")
				return nil
			})
		},
	})
	cmd.AddCommand(flagsFailCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "succeed [feature]",
		Short: "Record a successful run of a feature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := requireFeature(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				a.breaker.RecordSuccess(ctx, name)
				printFeature(cmd, a, name)
				return nil
			})
		},
	})

	return cmd
}

// flagRow is one line of `flags list`
type flagRow struct {
	Name     string     `yaml:"name"`
	Label    string     `yaml:"label"`
	Tier     flags.Tier `yaml:"tier"`
	Enabled  bool       `yaml:"enabled"`
	Failures int        `yaml:"failures"`
}

func flagsListCmd() *cobra.Command {
	var asYAML bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List feature flags with their failure counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				var rows []flagRow
				for _, st := range a.registry.Flags() {
					rows = append(rows, flagRow{
						Name:     st.Name,
						Label:    st.Label,
						Tier:     st.Tier,
						Enabled:  st.Enabled,
						Failures: a.breaker.FailureCount(st.Name),
					})
				}

				out := cmd.OutOrStdout()
				if asYAML {
					enc := yaml.NewEncoder(out)
					enc.SetIndent(2)
					if err := enc.Encode(map[string]any{"threshold": a.breaker.Threshold(), "flags": rows}); err != nil {
						return fmt.Errorf("encode yaml: %w", err)
					}
					return enc.Close()
				}

				for _, r := range rows {
					state := "off"
					if r.Enabled {
						state = "on"
					}
					fmt.Fprintf(out, "%-32s %-3s  %-12s %4d/%d  %s\n",
						r.Name, state, r.Tier, r.Failures, a.breaker.Threshold(), r.Label)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print as YAML")
	return cmd
}

func flagsSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set [feature] [on|off]",
		Short: "Turn a feature on or off",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := requireFeature(args[0])
			if err != nil {
				return err
			}
			enabled, err := parseSwitch(args[1])
			if err != nil {
				return err
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.registry.SetFlag(ctx, name, enabled); err != nil {
					return err
				}
				printFeature(cmd, a, name)
				return nil
			})
		},
	}
}

func flagsFailuresCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "failures",
		Short: "Show failure counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				counts := a.breaker.FailureCounts()
				out := cmd.OutOrStdout()
				if len(counts) == 0 {
					fmt.Fprintln(out, "No failures recorded.")
					return nil
				}

				names := make([]string, 0, len(counts))
				for name := range counts {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Fprintf(out, "%-32s %4d/%d\n", name, counts[name], a.breaker.Threshold())
				}
				return nil
			})
		},
	}
}

func flagsFailCmd() *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "fail [feature]",
		Short: "Record failures of a feature, as a content script would",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := requireFeature(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				notes, cancel := a.bus.Subscribe(1)
				defer cancel()

				for range count {
					a.breaker.RecordFailure(ctx, name)
				}
				printFeature(cmd, a, name)

				select {
				case n := <-notes:
					fmt.Fprintf(cmd.OutOrStdout(), "Auto-disabled %s: %s\n", n.Label, n.Reason)
				default:
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of failures to record")
	return cmd
}

func requireFeature(name string) (string, error) {
	if flags.TierOf(name) == "" {
		return "", fmt.Errorf("%w: %s", flags.ErrUnknownFeature, name)
	}
	return name, nil
}

func parseSwitch(s string) (bool, error) {
	switch s {
	case "on", "enable", "enabled":
		return true, nil
	case "off", "disable", "disabled":
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("expected on or off, got %q", s)
	}
	return b, nil
}

func printFeature(cmd *cobra.Command, a *app, name string) {
	state := "off"
	if a.registry.IsEnabled(name) {
		state = "on"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (failures %d/%d)\n",
		name, state, a.breaker.FailureCount(name), a.breaker.Threshold())
}
