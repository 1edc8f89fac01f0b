package main

import (
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/google/renameio/v2"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"envconsole/internal/eventsource"
	"envconsole/internal/hub"
	"envconsole/internal/log"
	"envconsole/internal/session"
	"envconsole/internal/terminal"
)

type followOptions struct {
	save      string
	websocket bool
	clear     bool
	crlf      bool
}

func (o *followOptions) bindTerminalFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&o.clear, "clear", false, "clear the screen when the stream restarts")
	cmd.Flags().BoolVar(&o.crlf, "crlf", false, "end lines with CRLF, for terminals in raw mode")
}

func newLogsCmd(a *app) *cobra.Command {
	var opts followOptions
	cmd := &cobra.Command{
		Use:   "logs IMAGE",
		Short: "Follow the build log of an environment image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.follow(cmd, hub.KindBuild, args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.save, "save", "", "also write the log to `FILE` once the stream ends")
	cmd.Flags().BoolVar(&opts.websocket, "websocket", false, "read the log over WebSocket instead of SSE")
	opts.bindTerminalFlags(cmd)
	return cmd
}

func newProgressCmd(a *app) *cobra.Command {
	var opts followOptions
	cmd := &cobra.Command{
		Use:   "progress [SERVER]",
		Short: "Follow the spawn progress of a server (default server when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			server := ""
			if len(args) == 1 {
				server = args[0]
			}
			return a.follow(cmd, hub.KindSpawn, server, opts)
		},
	}
	cmd.Flags().StringVar(&opts.save, "save", "", "also write the progress messages to `FILE` once the stream ends")
	opts.bindTerminalFlags(cmd)
	return cmd
}

// follow streams one operation into stdout until it reaches a terminal
// phase, the connection fails or the command context is cancelled.
func (a *app) follow(cmd *cobra.Command, kind hub.Kind, operationID string, opts followOptions) error {
	token, err := a.token()
	if err != nil {
		return err
	}
	endpoints := a.cfg.Endpoints()
	if opts.websocket {
		if endpoints.ServicePrefix, err = websocketURL(endpoints.ServicePrefix); err != nil {
			return err
		}
	}

	term := terminal.NewTerminal(cmd.OutOrStdout(),
		terminal.WithClearOnReset(opts.clear),
		terminal.WithConvertEOL(opts.crlf),
	)
	var (
		sink       terminal.Sink = term
		transcript *terminal.Buffer
	)
	if kind == hub.KindSpawn {
		// Only the screen copy is fitted; the transcript keeps whole lines.
		sink = terminal.Lines(term, terminal.FitTo(term))
	}
	if opts.save != "" {
		transcript = terminal.NewBuffer()
		var saved terminal.Sink = transcript
		if kind == hub.KindSpawn {
			saved = terminal.Lines(transcript)
		}
		sink = terminal.Tee(sink, saved)
	}

	client := newStreamClient()
	ctrl := session.NewController(session.Options{
		Kind:      kind,
		Endpoints: endpoints,
		Token:     token,
		Dialer:    session.ClientDialer(client),
		NewSink:   func() terminal.Sink { return sink },
		Logger:    log.WithComponent("session"),
	})
	if err := ctrl.Attach(operationID); err != nil {
		return err
	}

	select {
	case <-ctrl.Done():
	case <-cmd.Context().Done():
		a.logger.Debug().Msg("interrupted, closing stream")
		ctrl.Close()
	}

	if err := term.Err(); err != nil {
		a.logger.Warn().Err(err).Msg("writing stream output failed")
	}
	if transcript != nil {
		if err := renameio.WriteFile(opts.save, []byte(transcript.String()), 0o644); err != nil {
			return fmt.Errorf("save transcript: %w", err)
		}
		a.logger.Debug().Str("path", opts.save).Msg("transcript saved")
	}
	return reportOutcome(cmd.ErrOrStderr(), ctrl.Snapshot())
}

func newStreamClient() *eventsource.Client {
	return eventsource.New(
		eventsource.WithHeader("User-Agent", "envconsole/"+version),
		eventsource.WithLogger(log.WithComponent("eventsource")),
	)
}

// reportOutcome prints a one-line verdict and maps it to the exit status.
// Only a completed operation exits zero.
func reportOutcome(w io.Writer, snap session.Snapshot) error {
	noun := "build"
	if snap.Kind == hub.KindSpawn {
		noun = "spawn"
	}

	var (
		line  string
		color text.Colors
	)
	switch snap.Outcome {
	case session.OutcomeCompleted:
		line, color = noun+" completed", text.Colors{text.FgGreen}
	case session.OutcomeFailed:
		line, color = noun+" failed", text.Colors{text.FgRed}
	case session.OutcomeUnrecognized:
		line, color = fmt.Sprintf("%s ended in unrecognized phase %q", noun, snap.Phase), text.Colors{text.FgYellow}
	case session.OutcomeTransportError:
		line, color = fmt.Sprintf("%s status unknown: %s", noun, snap.Error), text.Colors{text.FgYellow}
	default:
		line, color = noun+" stream cancelled", text.Colors{text.Faint}
	}

	if useColor(w) {
		line = color.Sprint(line)
	}
	fmt.Fprintln(w, line)

	if snap.Outcome == session.OutcomeCompleted {
		return nil
	}
	return &exitError{code: 1}
}

func websocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("service prefix: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("service prefix: unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func useColor(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}
