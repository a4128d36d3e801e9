// Package cli implements the gatehousectl operator commands.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/gatehouse/internal/app"
	"github.com/odyssey-erp/gatehouse/internal/authz"
)

// NewRootCommand assembles the gatehousectl command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "gatehousectl",
		Short:         "Operate the gatehouse authorization service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newJobsCommand(), newCheckCommand(), newSeedCommand())
	return root
}

func newJobsCommand() *cobra.Command {
	var redisAddr string
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Trigger and inspect background jobs",
	}
	cmd.PersistentFlags().StringVar(&redisAddr, "redis", "", "redis address (defaults to REDIS_ADDR)")

	open := func() (*JobsCLI, error) {
		addr := redisAddr
		if addr == "" {
			cfg, err := app.LoadConfig()
			if err != nil {
				return nil, err
			}
			addr = cfg.RedisAddr
		}
		return NewJobsCLI(addr)
	}

	var roleID, lookback int64
	trigger := &cobra.Command{
		Use:     "trigger [sweep|role-changed]",
		Short:   "Enqueue a job immediately",
		Example: "  gatehousectl jobs trigger sweep --lookback 3600\n  gatehousectl jobs trigger role-changed --role 7",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := buildTask(args[0], roleID, lookback); err != nil {
				return err
			}
			jc, err := open()
			if err != nil {
				return err
			}
			defer jc.Close()
			info, err := jc.Trigger(cmd.Context(), args[0], roleID, lookback)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
			return nil
		},
	}
	trigger.Flags().Int64Var(&roleID, "role", 0, "role id for role-changed")
	trigger.Flags().Int64Var(&lookback, "lookback", 0, "sweep lookback in seconds when no watermark exists")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show default queue counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jc, err := open()
			if err != nil {
				return err
			}
			defer jc.Close()
			s, err := jc.InspectQueue(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "QUEUE\tPENDING\tACTIVE\tSCHEDULED\tRETRY\tARCHIVED")
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived)
			return tw.Flush()
		},
	}

	var size int
	scheduled := &cobra.Command{
		Use:   "scheduled",
		Short: "List scheduled tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jc, err := open()
			if err != nil {
				return err
			}
			defer jc.Close()
			tasks, err := jc.ListScheduled(cmd.Context(), size)
			if err != nil {
				return err
			}
			for _, t := range tasks {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", t.ID, t.Type, t.NextProcessAt.UTC().Format(time.RFC3339))
			}
			return nil
		},
	}
	scheduled.Flags().IntVar(&size, "size", 10, "page size")

	cmd.AddCommand(trigger, stats, scheduled)
	return cmd
}

func newCheckCommand() *cobra.Command {
	var (
		userID     int64
		permission string
		asOf       string
	)
	cmd := &cobra.Command{
		Use:     "check",
		Short:   "Evaluate one permission check against the configured store",
		Example: "  gatehousectl check --user 1 --permission USER_MGMT --as-of 2026-01-01T00:00:00Z",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			at, err := parseAsOf(asOf)
			if err != nil {
				return err
			}
			return withContainer(cmd.Context(), func(c *app.Container) error {
				d := c.Resolver.Decide(cmd.Context(), authz.Query{UserID: userID, Permission: permission, AsOf: at})
				verdict := "denied"
				if d.Allowed {
					verdict = "allowed"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s user=%d permission=%s as_of=%s\n",
					verdict, userID, strings.ToUpper(strings.TrimSpace(permission)), d.CheckedAt.Format(time.RFC3339))
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "user id")
	cmd.Flags().StringVar(&permission, "permission", "", "permission key")
	cmd.Flags().StringVar(&asOf, "as-of", "", "RFC3339 instant (defaults to now)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("permission")
	return cmd
}

func newSeedCommand() *cobra.Command {
	var admin string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create the core role, permissions and optional admin user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withContainer(cmd.Context(), func(c *app.Container) error {
				if err := app.SeedCore(cmd.Context(), c, admin); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "core catalog seeded")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&admin, "admin", "", "username granted the core admin role")
	return cmd
}

func parseAsOf(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --as-of: %w", err)
	}
	return at.UTC(), nil
}

func withContainer(ctx context.Context, fn func(*app.Container) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}
	logger := app.NewLogger(cfg).With(slog.String("component", "gatehousectl"))
	c, err := app.NewContainer(ctx, cfg, logger, app.ContainerOptions{DisableJobs: true})
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}
