package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/magiconair/properties"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"keyrelay/internal/api"
	"keyrelay/internal/input"
	"keyrelay/internal/network"
	"keyrelay/internal/queue"
	"keyrelay/internal/window"
)

var (
	errNoStatusAPI = errors.New("--wait-ready needs --status-listen")
	errNoMatch     = errors.New("no window title matches the target")
)

func newSendCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <target> <sequence>",
		Short: "Queue one action sequence on a running relay",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, err := a.resolveConfig()
			if err != nil {
				return err
			}
			match, _ := cmd.Flags().GetString("match")
			searchType, err := window.ParseSearchType(match)
			if err != nil {
				return err
			}
			if err := searchType.Validate(args[0]); err != nil {
				return err
			}
			if title, _ := cmd.Flags().GetString("title"); title != "" {
				if len(window.Filter([]string{title}, args[0], searchType, cfg.TitleSearchLength)) == 0 {
					return fmt.Errorf("%w: %q %s %q", errNoMatch, title, searchType, args[0])
				}
			}
			ctx := cmd.Context()
			if wait, _ := cmd.Flags().GetDuration("wait-ready"); wait > 0 {
				if cfg.StatusListen == "" {
					return errNoStatusAPI
				}
				waitCtx, cancel := context.WithTimeout(ctx, wait)
				err := api.WaitReady(waitCtx, cfg.StatusListen, 100*time.Millisecond)
				cancel()
				if err != nil {
					return fmt.Errorf("wait for ready: %w", err)
				}
			}
			seq := input.ActionSequence{Target: window.Truncate(args[0], cfg.TitleSearchLength), Payload: args[1]}
			if err := network.NewClient(cfg.Port).Send(ctx, seq); err != nil {
				return err
			}
			a.loggerFor("cli.send").Debug("relay.send.accepted", "target", seq.Target, "port", cfg.Port, "match", searchType.String())
			fmt.Fprintln(cmd.OutOrStdout(), network.AcceptedMessage)
			return nil
		},
	}
	cmd.Flags().String("match", window.Contains.String(), "window title match mode (CONTAINS, END, EXACT, EXACT_NO_CASE, REGEX, START)")
	cmd.Flags().Duration("wait-ready", 0, "wait up to this long for the relay to report READY before sending")
	cmd.Flags().String("title", "", "refuse to send unless this window title matches the target")
	return cmd
}

func newMatchCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "match <query> [title...]",
		Short: "Print the window titles a target would match (titles from stdin when none are given)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, err := a.resolveConfig()
			if err != nil {
				return err
			}
			match, _ := cmd.Flags().GetString("match")
			searchType, err := window.ParseSearchType(match)
			if err != nil {
				return err
			}
			if err := searchType.Validate(args[0]); err != nil {
				return err
			}
			titles := args[1:]
			if len(titles) == 0 {
				scanner := bufio.NewScanner(cmd.InOrStdin())
				for scanner.Scan() {
					if line := strings.TrimRight(scanner.Text(), "\r"); line != "" {
						titles = append(titles, line)
					}
				}
				if err := scanner.Err(); err != nil {
					return err
				}
			}
			matched := window.Filter(titles, args[0], searchType, cfg.TitleSearchLength)
			for _, title := range matched {
				fmt.Fprintln(cmd.OutOrStdout(), title)
			}
			if len(matched) == 0 {
				return errNoMatch
			}
			return nil
		},
	}
	cmd.Flags().String("match", window.Contains.String(), "window title match mode (CONTAINS, END, EXACT, EXACT_NO_CASE, REGEX, START)")
	return cmd
}

func newPollCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Take pending action sequences from a running relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, err := a.resolveConfig()
			if err != nil {
				return err
			}
			follow, _ := cmd.Flags().GetBool("follow")
			interval, _ := cmd.Flags().GetDuration("interval")
			client := network.NewClient(cfg.Port)
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			for {
				seq, ok, err := client.Poll(ctx)
				if err != nil {
					if follow && ctx.Err() != nil {
						return nil
					}
					return err
				}
				if ok {
					fmt.Fprintln(out, seq.String())
					continue
				}
				if !follow {
					return nil
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(interval):
				}
			}
		},
	}
	cmd.Flags().Bool("follow", false, "keep polling after the queue drains")
	cmd.Flags().Duration("interval", 250*time.Millisecond, "delay between polls of an empty queue")
	return cmd
}

func newWatchCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream queue events from the status API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, err := a.resolveConfig()
			if err != nil {
				return err
			}
			if cfg.StatusListen == "" {
				return errors.New("watch needs --status-listen")
			}
			reconnect, _ := cmd.Flags().GetDuration("reconnect")
			client := network.NewEventClient(cfg.StatusListen, a.loggerFor("cli.watch"))
			client.Reconnect = reconnect
			out := cmd.OutOrStdout()
			return client.Run(cmd.Context(), func(ev queue.Event) {
				fmt.Fprintln(out, formatEvent(ev))
			})
		},
	}
	cmd.Flags().Duration("reconnect", time.Second, "delay before redialing a dropped stream (0 exits instead)")
	return cmd
}

func formatEvent(ev queue.Event) string {
	return fmt.Sprintf("%s pending=%d state=%s", ev.Kind, ev.Pending, ev.State)
}

func newConfigCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, err := a.resolveConfig()
			if err != nil {
				return err
			}
			for _, w := range cfg.Warnings {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
			}
			out := cmd.OutOrStdout()
			if cfg.Source != "" {
				fmt.Fprintf(out, "# %s\n", cfg.Source)
			}
			format, _ := cmd.Flags().GetString("format")
			switch format {
			case "yaml":
				enc := yaml.NewEncoder(out)
				enc.SetIndent(2)
				if err := enc.Encode(cfg); err != nil {
					return err
				}
				return enc.Close()
			case "properties":
				_, err := cfg.Properties().Write(out, properties.UTF8)
				return err
			default:
				return fmt.Errorf("unknown format %q (yaml, properties)", format)
			}
		},
	}
	cmd.Flags().String("format", "yaml", "output format: yaml or properties")
	return cmd
}
