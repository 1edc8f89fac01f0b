package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"envconsole/internal/config"
	"envconsole/internal/log"
	"envconsole/internal/watcher"
)

// version is set at link time with -ldflags "-X main.version=...".
var version = "dev"

// exitError carries a process exit status. A non-empty msg is printed
// like any other error; an empty one means the command already reported.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.msg != "" {
			fmt.Fprintf(stderr, "envconsole: %s\n", ee.msg)
		}
		return ee.code
	}
	fmt.Fprintf(stderr, "envconsole: %v\n", err)
	return 1
}

// app is the state shared by every subcommand once the root has loaded
// the configuration.
type app struct {
	configPath string
	logLevel   string

	cfg    config.Config
	logger zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "envconsole",
		Short:         "Follow environment build logs and server spawn progress",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}
	cmd.PersistentFlags().StringVar(&a.configPath, "config", os.Getenv(config.EnvPrefix+"CONFIG"), "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(newLogsCmd(a))
	cmd.AddCommand(newProgressCmd(a))
	cmd.AddCommand(newServeCmd(a))
	cmd.AddCommand(newSessionsCmd(a))
	return cmd
}

func (a *app) init(cmd *cobra.Command) error {
	if a.logLevel != "" {
		if _, err := zerolog.ParseLevel(a.logLevel); err != nil {
			return fmt.Errorf("invalid --log-level: %w", err)
		}
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	a.cfg = cfg

	// Logs go to stderr so stdout carries only the stream.
	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Output:  cmd.ErrOrStderr(),
		Console: cmd.Name() != "serve",
	})
	a.logger = log.WithComponent("cli")
	a.logger.Debug().Interface("config", cfg.Redacted()).Msg("configuration loaded")
	return nil
}

// token returns the hub token, reading the token file when one is set.
func (a *app) token() (string, error) {
	if a.cfg.TokenFile != "" {
		return watcher.ReadToken(a.cfg.TokenFile)
	}
	return a.cfg.Token, nil
}
