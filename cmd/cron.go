package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nanobot-ai/nanobot/internal/config"
	"github.com/nanobot-ai/nanobot/internal/cron"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs",
	}
	cmd.AddCommand(cronListCmd())
	cmd.AddCommand(cronAddCmd())
	cmd.AddCommand(cronRemoveCmd())
	cmd.AddCommand(cronEnableCmd())
	return cmd
}

func openCronStore() (*cron.Store, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	return cron.NewStore(cfg.CronPath())
}

func cronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openCronStore()
			if err != nil {
				return err
			}
			jobs := store.List()
			if len(jobs) == 0 {
				fmt.Println("no jobs")
				return nil
			}
			for _, j := range jobs {
				next := "-"
				if j.NextRun != nil {
					next = j.NextRun.Local().Format(time.RFC3339)
				}
				state := "enabled"
				if !j.Enabled {
					state = "disabled"
				}
				if j.ScheduleError != "" {
					state = "schedule_error: " + j.ScheduleError
				}
				fmt.Printf("%s  %-10s %-8s next=%s  %q\n", j.ID, j.Kind, state, next, j.Name)
			}
			return nil
		},
	}
}

func cronAddCmd() *cobra.Command {
	var (
		name     string
		kind     string
		expr     string
		interval int64
		message  string
		deliver  bool
		channel  string
		chatID   string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a scheduled job",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openCronStore()
			if err != nil {
				return err
			}
			job, err := store.Add(cron.Job{
				Name:          name,
				Kind:          kind,
				Schedule:      cron.Schedule{Cron: expr, IntervalSeconds: interval},
				Message:       message,
				Deliver:       deliver,
				TargetChannel: channel,
				TargetChatID:  chatID,
			})
			if err != nil {
				return err
			}
			if job.ScheduleError != "" {
				fmt.Printf("added %s, but it will not run: %s\n", job.ID, job.ScheduleError)
				return nil
			}
			fmt.Printf("added %s, next run %s\n", job.ID, job.NextRun.Local().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "job name")
	cmd.Flags().StringVar(&kind, "kind", cron.KindTask, "task or reminder")
	cmd.Flags().StringVar(&expr, "cron", "", "cron expression")
	cmd.Flags().Int64Var(&interval, "interval", 0, "interval in seconds")
	cmd.Flags().StringVar(&message, "message", "", "message or prompt")
	cmd.Flags().BoolVar(&deliver, "deliver", false, "deliver task replies to the target chat")
	cmd.Flags().StringVar(&channel, "channel", "", "target channel")
	cmd.Flags().StringVar(&chatID, "chat", "", "target chat id")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func cronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openCronStore()
			if err != nil {
				return err
			}
			return store.Remove(args[0])
		},
	}
}

func cronEnableCmd() *cobra.Command {
	var disable bool
	cmd := &cobra.Command{
		Use:   "enable <id>",
		Short: "Enable (or, with --off, disable) a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openCronStore()
			if err != nil {
				return err
			}
			return store.SetEnabled(args[0], !disable)
		},
	}
	cmd.Flags().BoolVar(&disable, "off", false, "disable instead of enable")
	return cmd
}
