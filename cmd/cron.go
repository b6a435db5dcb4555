package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tidegate/tidegate/internal/config"
	"github.com/tidegate/tidegate/internal/cron"
	"github.com/tidegate/tidegate/internal/store"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs",
	}
	cmd.AddCommand(cronAddCmd())
	cmd.AddCommand(cronListCmd())
	cmd.AddCommand(cronRemoveCmd())
	cmd.AddCommand(cronSetEnabledCmd("enable", true))
	cmd.AddCommand(cronSetEnabledCmd("disable", false))
	return cmd
}

// openCronService opens the configured store and loads the job table.
// The returned closer must be called before exit.
func openCronService() (*cron.Service, func(), error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, err
	}
	stores, err := openStores(cfg)
	if err != nil {
		return nil, nil, err
	}
	svc := cron.NewService(stores.Cron, nil)
	if err := svc.Load(); err != nil {
		stores.Close()
		return nil, nil, err
	}
	return svc, func() { stores.Close() }, nil
}

func cronAddCmd() *cobra.Command {
	var (
		name      string
		agentID   string
		message   string
		expr      string
		at        string
		every     time.Duration
		channel   string
		to        string
		deliver   bool
		staggerMs int64
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a scheduled job",
		Run: func(cmd *cobra.Command, args []string) {
			svc, closeStores, err := openCronService()
			if err != nil {
				fatal(err)
			}
			defer closeStores()

			sch := store.CronSchedule{}
			switch {
			case every > 0:
				sch.Kind = store.ScheduleEvery
				sch.EveryMs = every.Milliseconds()
			case expr != "":
				sch.Kind = store.ScheduleCron
				sch.Expr = expr
			case at != "":
				ts, parseErr := time.Parse(time.RFC3339, at)
				if parseErr != nil {
					fatal(fmt.Errorf("parse --at: %w", parseErr))
				}
				sch.Kind = store.ScheduleAt
				sch.AtMs = ts.UnixMilli()
			default:
				fatal(fmt.Errorf("one of --every, --cron or --at is required"))
			}
			if staggerMs >= 0 {
				sch.StaggerMs = &staggerMs
			}

			job, err := svc.Add(store.CronJob{
				Name:     name,
				AgentID:  agentID,
				Enabled:  true,
				Schedule: sch,
				Payload: store.CronPayload{
					Message: message,
					Channel: channel,
					To:      to,
					Deliver: deliver,
				},
			})
			if err != nil {
				fatal(err)
			}
			fmt.Printf("added job %s (next run %s)\n", job.ID, fmtUnixMs(job.State.NextRunAtMs))
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "job name")
	cmd.Flags().StringVar(&agentID, "agent", "", "target agent (default agent if empty)")
	cmd.Flags().StringVar(&message, "message", "", "prompt sent to the agent (required)")
	cmd.Flags().DurationVar(&every, "every", 0, "fixed interval, e.g. 30m")
	cmd.Flags().StringVar(&expr, "cron", "", "cron expression, e.g. \"0 9 * * *\"")
	cmd.Flags().StringVar(&at, "at", "", "one-shot RFC3339 time")
	cmd.Flags().StringVar(&channel, "channel", "", "delivery channel")
	cmd.Flags().StringVar(&to, "to", "", "delivery chat ID")
	cmd.Flags().BoolVar(&deliver, "deliver", false, "publish the result to the channel")
	cmd.Flags().Int64Var(&staggerMs, "stagger-ms", -1, "override top-of-hour stagger (0 disables it)")
	return cmd
}

func cronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		Run: func(cmd *cobra.Command, args []string) {
			svc, closeStores, err := openCronService()
			if err != nil {
				fatal(err)
			}
			defer closeStores()

			jobs := svc.List()
			if len(jobs) == 0 {
				fmt.Println("no jobs")
				return
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tENABLED\tSCHEDULE\tNEXT RUN\tLAST STATUS")
			for _, job := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\t%s\n",
					job.ID, job.Name, job.Enabled,
					describeSchedule(job.Schedule),
					fmtUnixMs(job.State.NextRunAtMs),
					job.State.LastStatus,
				)
			}
			w.Flush()
		},
	}
}

func cronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <job-id>",
		Short: "Remove a scheduled job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc, closeStores, err := openCronService()
			if err != nil {
				fatal(err)
			}
			defer closeStores()

			if err := svc.Remove(args[0]); err != nil {
				fatal(err)
			}
			fmt.Printf("removed job %s\n", args[0])
		},
	}
}

func cronSetEnabledCmd(use string, enabled bool) *cobra.Command {
	short := "Enable a scheduled job"
	if !enabled {
		short = "Disable a scheduled job"
	}
	return &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc, closeStores, err := openCronService()
			if err != nil {
				fatal(err)
			}
			defer closeStores()

			if err := svc.SetEnabled(args[0], enabled); err != nil {
				fatal(err)
			}
			fmt.Printf("%sd job %s\n", use, args[0])
		},
	}
}

func describeSchedule(sch store.CronSchedule) string {
	switch sch.Kind {
	case store.ScheduleEvery:
		return fmt.Sprintf("every %s", time.Duration(sch.EveryMs)*time.Millisecond)
	case store.ScheduleCron:
		return sch.Expr
	case store.ScheduleAt:
		return "at " + fmtUnixMs(sch.AtMs)
	default:
		return sch.Kind
	}
}

func fmtUnixMs(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format(time.RFC3339)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
