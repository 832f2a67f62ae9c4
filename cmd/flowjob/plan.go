package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/cuemby/flowjob/pkg/calculator"
	"github.com/cuemby/flowjob/pkg/planfile"
	"github.com/cuemby/flowjob/pkg/rpc"
	"github.com/cuemby/flowjob/pkg/types"
	"github.com/spf13/cobra"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Validate and manage plans",
}

var planValidateCmd = &cobra.Command{
	Use:   "validate FILE",
	Short: "Validate a plan file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, err := planfile.Load(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Plan %q is valid (%d jobs, trigger %s)\n", plan.ID, len(plan.Jobs), plan.TriggerType)
		return nil
	},
}

var planNextCmd = &cobra.Command{
	Use:   "next FILE",
	Short: "Print the upcoming triggers of a scheduled plan",
	Long: `Print the upcoming triggers of a scheduled plan, assuming every
firing completes at once.

Examples:
  # Next five triggers
  flowjob plan next nightly.yaml

  # Next twenty triggers
  flowjob plan next nightly.yaml -n 20`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")

		plan, err := planfile.Load(args[0])
		if err != nil {
			return err
		}
		if plan.TriggerType != types.TriggerTypeSchedule {
			return fmt.Errorf("plan %s is triggered by %s and has no schedule", plan.ID, plan.TriggerType)
		}

		triggers := upcomingTriggers(plan.Schedule, time.Now(), count)
		if len(triggers) == 0 {
			fmt.Println("No upcoming triggers")
			return nil
		}
		for i, at := range triggers {
			fmt.Printf("%3d  %s\n", i+1, at.Local().Format(time.RFC3339))
		}
		return nil
	},
}

var planApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a plan file to a broker",
	Long: `Apply a plan file to a broker. The plan is stored as a new version
and replaces the previous one.

Every broker keeps its own plan store and only the broker owning the plan's
slot fires it. In raft mode, apply the plan to every broker so that it
fires wherever its slot moves.

Examples:
  flowjob plan apply -f nightly.yaml --broker broker-1:7070`,
	RunE: func(cmd *cobra.Command, args []string) error {
		filename, _ := cmd.Flags().GetString("file")

		data, err := os.ReadFile(filename)
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}
		// Catch document errors before going to the broker
		if _, err := planfile.Parse(data); err != nil {
			return err
		}

		return withAdmin(cmd, func(ctx context.Context, c *rpc.AdminClient) error {
			applied, err := c.ApplyPlan(ctx, data)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Plan %s applied (version %d)\n", applied.ID, applied.Version)
			if !applied.Owned {
				fmt.Printf("  Broker does not own plan %s; apply it to the other brokers as well\n", applied.ID)
			}
			return nil
		})
	},
}

var planTriggerCmd = &cobra.Command{
	Use:   "trigger PLAN_ID",
	Short: "Start a plan instance now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(ctx context.Context, c *rpc.AdminClient) error {
			instanceID, err := c.TriggerPlan(ctx, args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PLAN\tINSTANCE")
			fmt.Fprintf(w, "%s\t%s\n", args[0], instanceID)
			return w.Flush()
		})
	},
}

var planTriggerJobCmd = &cobra.Command{
	Use:   "trigger-job PLAN_INSTANCE_ID JOB_ID",
	Short: "Start a job waiting for an outside trigger",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(ctx context.Context, c *rpc.AdminClient) error {
			if err := c.TriggerJob(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("✓ Job %s of %s triggered\n", args[1], args[0])
			return nil
		})
	},
}

var planEnableCmd = &cobra.Command{
	Use:   "enable PLAN_ID",
	Short: "Enable a plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(ctx context.Context, c *rpc.AdminClient) error {
			if err := c.EnablePlan(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("✓ Plan %s enabled\n", args[0])
			return nil
		})
	},
}

var planDisableCmd = &cobra.Command{
	Use:   "disable PLAN_ID",
	Short: "Disable a plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(ctx context.Context, c *rpc.AdminClient) error {
			if err := c.DisablePlan(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("✓ Plan %s disabled\n", args[0])
			return nil
		})
	},
}

func init() {
	planCmd.AddCommand(planValidateCmd)
	planCmd.AddCommand(planNextCmd)
	planCmd.AddCommand(planApplyCmd)
	planCmd.AddCommand(planTriggerCmd)
	planCmd.AddCommand(planTriggerJobCmd)
	planCmd.AddCommand(planEnableCmd)
	planCmd.AddCommand(planDisableCmd)

	planNextCmd.Flags().IntP("count", "n", 5, "Number of triggers to print")

	planApplyCmd.Flags().StringP("file", "f", "", "Plan file to apply (required)")
	_ = planApplyCmd.MarkFlagRequired("file")

	for _, c := range []*cobra.Command{planApplyCmd, planTriggerCmd, planTriggerJobCmd, planEnableCmd, planDisableCmd} {
		c.Flags().String("broker", "localhost:7070", "Broker gRPC address")
		c.Flags().Duration("timeout", 10*time.Second, "Request timeout")
	}
}

func withAdmin(cmd *cobra.Command, fn func(ctx context.Context, c *rpc.AdminClient) error) error {
	addr, _ := cmd.Flags().GetString("broker")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	c, err := rpc.NewAdminClient(addr, timeout)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer c.Close()
	return fn(cmd.Context(), c)
}

// upcomingTriggers lists at most n triggers after from, treating each
// firing as completed at the instant it fired
func upcomingTriggers(opt types.ScheduleOption, from time.Time, n int) []time.Time {
	var (
		triggers []time.Time
		last     time.Time
		now      = from
	)
	for len(triggers) < n {
		next, ok := calculator.NextTrigger(opt, last, last, now)
		if !ok || (!last.IsZero() && !next.After(last)) {
			break
		}
		if opt.Type == types.ScheduleTypeFixedRate && next.Before(from) {
			next = next.Add((from.Sub(next)/opt.Interval + 1) * opt.Interval)
			if !opt.EndAt.IsZero() && next.After(opt.EndAt) {
				break
			}
		}
		triggers = append(triggers, next)
		last = next
		if next.After(now) {
			now = next
		}
	}
	return triggers
}
