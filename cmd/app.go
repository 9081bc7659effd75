package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"keyrelay/internal/config"
	"keyrelay/internal/lifecycle"
	"keyrelay/internal/logging"
	"keyrelay/internal/osutils"
	"keyrelay/internal/tray"
)

const shutdownTimeout = 10 * time.Second

var errLaunchFailed = errors.New("relay failed to start")

func submain(ctx context.Context) int {
	baseLogger := logging.New(os.Stderr)
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "keyrelay: %s\n", err)
		}
		return 1
	}
	return 0
}

// app carries what every subcommand needs.
type app struct {
	logger pslog.Logger
	v      *viper.Viper
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	a := &app{logger: logging.Ensure(baseLogger), v: viper.New()}

	cmd := &cobra.Command{
		Use:           "keyrelay",
		Short:         "keyrelay hands keystroke action sequences from producers to a companion sender over loopback",
		Version:       version,
		SilenceErrors: true,
		Example: `
  # Serve on the default port and launch resources/KeySender with it
  keyrelay

  # Serve with the status API and no companion
  keyrelay --no-companion --status-listen 127.0.0.1:6061

  # Queue a sequence for the window titled "Untitled - Notepad"
  keyrelay send "Untitled - Notepad" "hello{ENTER}"

  # Take sequences as the companion would
  keyrelay poll --follow
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return a.runRelay(cmd)
		},
	}

	persistent := cmd.PersistentFlags()
	persistent.String("config", "", "path to the properties file (default ./"+config.FileName+", then the user config dir)")
	persistent.Int("port", config.DefaultPort, "relay port on 127.0.0.1")
	persistent.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	persistent.String("status-listen", "", "loopback address of the status API (empty disables it)")

	flags := cmd.Flags()
	flags.String("companion", "", "companion executable (default resources/KeySender)")
	flags.String("static-root", "", "directory holding 404.html and not_implemented.html")
	flags.Duration("idle-timeout", 0, "deadline for one request/response exchange (0 disables it)")
	flags.Bool("daemon", true, "stop the relay when the tray quits instead of holding the process open until signalled")
	flags.Bool("tray", false, "show a system tray icon")
	flags.Bool("no-companion", false, "do not launch the companion")

	a.bind(cmd, map[string]string{
		"config":        "config",
		"port":          config.KeyPort,
		"log-level":     "log-level",
		"status-listen": config.KeyStatusListen,
		"companion":     config.KeyCompanionPath,
		"static-root":   config.KeyStaticRoot,
		"idle-timeout":  config.KeyIdleTimeout,
		"daemon":        config.KeyDaemon,
	})

	cmd.AddCommand(
		newSendCommand(a),
		newMatchCommand(a),
		newPollCommand(a),
		newWatchCommand(a),
		newConfigCommand(a),
		newPagesCommand(a),
		newAutostartCommand(a),
	)
	return cmd
}

// bind maps flag names to config keys. Environment variables use the config
// key: KEYRELAY_SEND_KEY_PORT, KEYRELAY_STATUS_LISTEN, and so on.
func (a *app) bind(cmd *cobra.Command, keys map[string]string) {
	for flagName, key := range keys {
		if err := a.v.BindPFlag(key, lookupFlag(cmd, flagName)); err != nil {
			panic(err)
		}
	}
	a.v.SetEnvPrefix("KEYRELAY")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
}

func lookupFlag(cmd *cobra.Command, name string) *pflag.Flag {
	if flag := cmd.Flags().Lookup(name); flag != nil {
		return flag
	}
	if flag := cmd.PersistentFlags().Lookup(name); flag != nil {
		return flag
	}
	panic(fmt.Sprintf("flag %q not found", name))
}

// loggerFor applies --log-level and tags the subsystem.
func (a *app) loggerFor(subsystem string) pslog.Logger {
	return logging.WithSubsystem(logging.WithLevel(a.logger, a.v.GetString("log-level")), subsystem)
}

// resolveConfig loads the properties file and applies flag and environment
// overrides on top.
func (a *app) resolveConfig() (config.Config, error) {
	cfg, err := config.Load(strings.TrimSpace(a.v.GetString("config")))
	if err != nil {
		return cfg, err
	}
	v := a.v
	if v.IsSet(config.KeyPort) {
		cfg.Port = v.GetInt(config.KeyPort)
	}
	if v.IsSet(config.KeyCompanionPath) {
		if p := v.GetString(config.KeyCompanionPath); p != "" {
			cfg.CompanionPath = p
		}
	}
	if v.IsSet(config.KeyStaticRoot) {
		if p := v.GetString(config.KeyStaticRoot); p != "" {
			cfg.StaticRoot = p
		}
	}
	if v.IsSet(config.KeyIdleTimeout) {
		cfg.IdleTimeout = v.GetDuration(config.KeyIdleTimeout)
	}
	if v.IsSet(config.KeyStatusListen) {
		cfg.StatusListen = v.GetString(config.KeyStatusListen)
	}
	if v.IsSet(config.KeyDaemon) {
		cfg.Daemon = v.GetBool(config.KeyDaemon)
	}
	if v.IsSet(config.KeyTitleSearchLength) {
		cfg.TitleSearchLength = v.GetInt(config.KeyTitleSearchLength)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (a *app) runRelay(cmd *cobra.Command) error {
	logger := logging.WithLevel(a.logger, a.v.GetString("log-level"))
	cliLogger := logging.WithSubsystem(logger, "cli.root")

	cfg, err := a.resolveConfig()
	if err != nil {
		return err
	}
	cliLogger.Info("relay.init",
		"version", version,
		"pid", os.Getpid(),
		"platform", osutils.Describe(),
		"config", cfg.Source,
	)
	for _, w := range cfg.Warnings {
		cliLogger.Warn("relay.config.invalid", "detail", w)
	}
	if !osutils.IsElevated() {
		cliLogger.Debug("relay.not_elevated", "detail", "the companion cannot send input to elevated windows")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	noCompanion, _ := cmd.Flags().GetBool("no-companion")
	coord := lifecycle.New(cfg, lifecycle.Options{NoCompanion: noCompanion, Logger: logger})
	if !coord.Launch(ctx) {
		return errLaunchFailed
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		if err := coord.Shutdown(shutdownCtx); err != nil {
			cliLogger.Warn("relay.shutdown.incomplete", "error", err)
		}
	}()

	var hostDone <-chan struct{}
	if useTray, _ := cmd.Flags().GetBool("tray"); useTray {
		trayCtx, quit := context.WithCancel(ctx)
		tray.New(func() tray.Snapshot {
			return tray.Snapshot{
				Port:             coord.Port(),
				Pending:          coord.Pending(),
				Ready:            coord.Ready(),
				CompanionRunning: coord.CompanionRunning(),
			}
		}, quit).Run(trayCtx)
		quit()
		hostDone = trayCtx.Done()
		if !cfg.Daemon && ctx.Err() == nil {
			cliLogger.Info("relay.tray.closed", "detail", "relay keeps serving until signalled")
		}
	}
	waitForExit(ctx, hostDone, cfg.Daemon)
	return nil
}

// waitForExit blocks until the relay should stop. A daemon relay ends with its
// host (the tray) while any other relay runs until ctx ends.
func waitForExit(ctx context.Context, hostDone <-chan struct{}, daemon bool) {
	if !daemon {
		hostDone = nil
	}
	select {
	case <-ctx.Done():
	case <-hostDone:
	}
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
