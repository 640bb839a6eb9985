// Command schedctl is the operator CLI: fee previews, slot inspection,
// one-off reminder scans and audit history.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wolfman30/clinic-scheduler/cmd/mainconfig"
	"github.com/wolfman30/clinic-scheduler/internal/app/bootstrap"
	"github.com/wolfman30/clinic-scheduler/internal/audit"
	appconfig "github.com/wolfman30/clinic-scheduler/internal/config"
	"github.com/wolfman30/clinic-scheduler/internal/fees"
	"github.com/wolfman30/clinic-scheduler/internal/insurance"
	"github.com/wolfman30/clinic-scheduler/internal/slots"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "schedctl",
		Short:         "Operate the clinic scheduling engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetOut(out)
	root.AddCommand(feeCmd())
	root.AddCommand(slotCmd())
	root.AddCommand(openSlotsCmd())
	root.AddCommand(remindCmd())
	root.AddCommand(historyCmd())
	return root
}

func loadApp(ctx context.Context) (*bootstrap.App, error) {
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	awsCfg, err := mainconfig.LoadIfNeeded(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return bootstrap.Build(ctx, cfg, bootstrap.Options{AWS: awsCfg}, logger)
}

func feeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fee",
		Short: "Preview the patient fee for a base fee and coverage",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, _ := cmd.Flags().GetFloat64("base")
			coverage, _ := cmd.Flags().GetString("coverage")
			rate, _ := cmd.Flags().GetFloat64("partial-rate")

			var policy *insurance.Policy
			switch strings.ToLower(coverage) {
			case "", "none":
			case "full":
				policy = &insurance.Policy{CoverageDetails: "Full coverage"}
			case "partial":
				policy = &insurance.Policy{CoverageDetails: "Partial coverage"}
			default:
				return fmt.Errorf("coverage must be none, partial or full")
			}
			amount, err := fees.NewCalculator(rate).Compute(base, policy)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%.2f\n", amount)
			return nil
		},
	}
	cmd.Flags().Float64("base", 0, "Doctor base fee")
	cmd.Flags().String("coverage", "none", "Insurance coverage: none, partial or full")
	cmd.Flags().Float64("partial-rate", fees.DefaultPartialRate, "Share of the base fee paid under partial coverage")
	return cmd
}

func slotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slot <date-key> <time>",
		Short: "Show the canonical form of a slot and when it starts",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tz, _ := cmd.Flags().GetString("timezone")
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return fmt.Errorf("timezone: %w", err)
			}
			s, err := slots.Normalize(args[0], args[1])
			if err != nil {
				return err
			}
			at, err := slots.ScheduledAt(s, loc)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", s, at.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().String("timezone", "UTC", "Clinic time zone")
	return cmd
}

func openSlotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "open-slots <doctor-id>",
		Short: "List a doctor's next open slots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			insured, _ := cmd.Flags().GetBool("insurance")
			ctx := cmd.Context()
			app, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			cfg := app.Config
			w := slots.Window{
				Days:         cfg.SlotWindowDays,
				StepMinutes:  cfg.SlotStepMinutes,
				DayStartHour: cfg.SlotDayStartHour,
				DayEndHour:   cfg.SlotDayEndHour,
			}
			if insured {
				w = w.Extend(cfg.SlotInsuranceExtraDays)
			}
			seq, err := app.Slots.Open(ctx, args[0], time.Now().In(cfg.Location()), w)
			if err != nil {
				return err
			}
			n := 0
			for s := range seq {
				if n >= limit {
					break
				}
				fmt.Fprintln(cmd.OutOrStdout(), s)
				n++
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum slots to print")
	cmd.Flags().Bool("insurance", false, "Use the extended window offered to insured patients")
	return cmd
}

func remindCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remind-once",
		Short: "Run a single reminder scan",
		RunE: func(cmd *cobra.Command, args []string) error {
			rawAt, _ := cmd.Flags().GetString("at")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			now := time.Now().UTC()
			if rawAt != "" {
				parsed, err := time.Parse(time.RFC3339, rawAt)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				now = parsed.UTC()
			}

			ctx := cmd.Context()
			app, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if dryRun {
				from, to := app.Reminders.Config().Window(now)
				due, err := app.Appointments.ListReminderDue(ctx, from, to, app.Reminders.Config().BatchSize)
				if err != nil {
					return err
				}
				ids := make([]string, 0, len(due))
				for _, a := range due {
					ids = append(ids, a.ID)
				}
				return enc.Encode(map[string]any{"window_from": from, "window_to": to, "due": ids})
			}
			res, err := app.Reminders.Tick(ctx, now)
			if err != nil {
				return err
			}
			return enc.Encode(res)
		},
	}
	cmd.Flags().String("at", "", "Scan as of this RFC3339 instant instead of now")
	cmd.Flags().Bool("dry-run", false, "List due appointments without sending or claiming")
	return cmd
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <appointment-id>...",
		Short: "Print the audit trail for appointments",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			ctx := cmd.Context()
			app, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()
			if app.Audit == nil {
				return fmt.Errorf("audit trail requires DATABASE_URL")
			}
			events, err := app.Audit.History(ctx, audit.Filter{AppointmentIDs: args, Limit: limit})
			if err != nil {
				return err
			}
			for _, e := range events {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s->%s\t%s\n",
					e.CreatedAt.Format(time.RFC3339), e.AppointmentID, e.EventType, e.FromState, e.ToState, e.Actor)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 100, "Maximum events")
	return cmd
}
