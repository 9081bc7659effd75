package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"keyrelay/internal/autostart"
	"keyrelay/internal/embedded"
)

func newPagesCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pages",
		Short: "Manage the error pages served by the relay",
	}
	extract := &cobra.Command{
		Use:   "extract [dir]",
		Short: "Write the built-in error pages into dir (default: the static root)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			} else {
				cfg, err := a.resolveConfig()
				if err != nil {
					return err
				}
				dir = cfg.StaticRoot
			}
			overwrite, _ := cmd.Flags().GetBool("force")
			written, err := embedded.Extract(dir, overwrite)
			for _, path := range written {
				fmt.Fprintln(cmd.OutOrStdout(), path)
			}
			return err
		},
	}
	extract.Flags().Bool("force", false, "overwrite existing pages")
	cmd.AddCommand(extract)
	return cmd
}

func newAutostartCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "autostart",
		Short: "Start the relay when the user logs in",
	}
	enable := &cobra.Command{
		Use:   "enable [-- relay flags]",
		Short: "Install the login item; arguments after -- are passed to the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			agent, err := autostart.New(args...)
			if err != nil {
				return err
			}
			if err := agent.Enable(); err != nil {
				return err
			}
			loc, _ := agent.Location()
			a.loggerFor("cli.autostart").Info("relay.autostart.enabled", "location", loc)
			fmt.Fprintln(cmd.OutOrStdout(), loc)
			return nil
		},
	}
	disable := &cobra.Command{
		Use:   "disable",
		Short: "Remove the login item",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			agent, err := autostart.New()
			if err != nil {
				return err
			}
			return agent.Disable()
		},
	}
	status := &cobra.Command{
		Use:   "status",
		Short: "Report whether the login item is installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			agent, err := autostart.New()
			if err != nil {
				return err
			}
			state := "disabled"
			if agent.Enabled() {
				state = "enabled"
			}
			fmt.Fprintln(cmd.OutOrStdout(), state)
			return nil
		},
	}
	cmd.AddCommand(enable, disable, status)
	return cmd
}
