package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nanobot-ai/nanobot/internal/config"
	"github.com/nanobot-ai/nanobot/internal/sessions"
)

func init() {
	rootCmd.AddCommand(sessionsCmd())
}

func openSessionStore() (*sessions.Store, *config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, err
	}
	store, err := sessions.NewStore(cfg.SessionsDir(), cfg.Agent.SessionCacheSize)
	if err != nil {
		return nil, nil, err
	}
	return store, cfg, nil
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and tune stored sessions",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsSetCmd())
	cmd.AddCommand(sessionsDeleteCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openSessionStore()
			if err != nil {
				return err
			}
			infos, err := store.List()
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			for _, info := range infos {
				fmt.Printf("%-40s updated %s\n", info.Key, info.UpdatedAt.Local().Format(time.RFC3339))
			}
			return nil
		},
	}
}

func sessionsSetCmd() *cobra.Command {
	var (
		model     string
		verbosity string
		restrict  string
	)
	cmd := &cobra.Command{
		Use:   "set <session-key>",
		Short: "Change a session's settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, err := openSessionStore()
			if err != nil {
				return err
			}

			var change sessions.SettingsChange
			if cmd.Flags().Changed("model") {
				change.Model = &model
			}
			if cmd.Flags().Changed("verbosity") {
				change.Verbosity = &verbosity
			}
			if cmd.Flags().Changed("restrict-workspace") {
				switch restrict {
				case "true":
					v := true
					change.RestrictWorkspace = &v
				case "false":
					v := false
					change.RestrictWorkspace = &v
				default:
					return fmt.Errorf("--restrict-workspace wants true or false, got %q", restrict)
				}
			}

			// The local CLI runs as the host principal: trusted.
			merged, err := store.UpdateSettings(args[0], change, true, cfg.Agent.AllowUnrestrictedWorkspace)
			if err != nil {
				return err
			}
			fmt.Printf("model=%s verbosity=%s restrict_workspace=%v\n", merged.Model, merged.Verbosity, merged.RestrictWorkspace)
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "model override")
	cmd.Flags().StringVar(&verbosity, "verbosity", "", "verbosity level")
	cmd.Flags().StringVar(&restrict, "restrict-workspace", "", "true or false")
	return cmd
}

func sessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-key>",
		Short: "Delete a session's history and settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openSessionStore()
			if err != nil {
				return err
			}
			return store.Delete(args[0])
		},
	}
}
