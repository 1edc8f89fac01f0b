package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"envconsole/internal/session"
)

const (
	labelWidth   = 32
	relayTimeout = 10 * time.Second
)

func newSessionsCmd(a *app) *cobra.Command {
	var (
		relayURL   string
		formatFlag string
		noHeader   bool
	)
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List the sessions of a running relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if relayURL == "" {
				relayURL = relayBaseURL(a.cfg.Relay.Listen)
			}
			sessions, err := fetchSessions(cmd.Context(), relayURL)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch formatFlag {
			case "table":
				return writeSessionsTable(out, sessions, !noHeader, useColor(out))
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(sessions)
			default:
				return fmt.Errorf("unsupported format %q (want table or json)", formatFlag)
			}
		},
	}
	cmd.Flags().StringVar(&relayURL, "relay", "", "relay base URL (default derived from relay.listen)")
	cmd.Flags().StringVar(&formatFlag, "format", "table", "output format: table or json")
	cmd.Flags().BoolVar(&noHeader, "no-header", false, "omit the table header")
	return cmd
}

// relayBaseURL turns a listen address such as ":8420" into a URL on the
// local host.
func relayBaseURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func fetchSessions(ctx context.Context, baseURL string) ([]session.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, relayTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/sessions", nil)
	if err != nil {
		return nil, fmt.Errorf("relay request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contact relay: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("relay returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var sessions []session.Session
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, fmt.Errorf("decode session list: %w", err)
	}
	return sessions, nil
}

func writeSessionsTable(w io.Writer, sessions []session.Session, includeHeader, color bool) error {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.Style().Options.SeparateHeader = true
	tw.Style().Options.DrawBorder = true

	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft, AlignHeader: text.AlignCenter},
		{Number: 2, Align: text.AlignLeft, AlignHeader: text.AlignCenter},
		{Number: 3, Align: text.AlignLeft, AlignHeader: text.AlignCenter},
		{Number: 4, Align: text.AlignLeft, AlignHeader: text.AlignCenter},
		{Number: 5, Align: text.AlignLeft, AlignHeader: text.AlignCenter},
		{Number: 6, Align: text.AlignRight, AlignHeader: text.AlignCenter},
		{Number: 7, Align: text.AlignRight, AlignHeader: text.AlignCenter},
	})

	if includeHeader {
		tw.AppendHeader(table.Row{"Created", "Session ID", "Kind", "Label", "State", "Progress", "Records"})
	}

	for _, s := range sessions {
		tw.AppendRow(table.Row{
			s.CreatedAt.Local().Format(time.DateTime),
			s.ID,
			string(s.Kind),
			runewidth.Truncate(s.Label, labelWidth, "…"),
			stateCell(s.Snapshot, color),
			progressCell(s.Progress),
			s.Records,
		})
	}

	if len(sessions) == 0 {
		tw.AppendRow(table.Row{"-", "(no sessions)", "-", "-", "-", "-", 0})
	}

	_ = tw.Render()
	return nil
}

// stateCell shows the outcome of a closed session and the state otherwise.
func stateCell(snap session.Snapshot, color bool) string {
	if snap.State != session.StateClosed {
		return string(snap.State)
	}
	cell := string(snap.Outcome)
	if !color {
		return cell
	}
	switch snap.Outcome {
	case session.OutcomeCompleted:
		return text.FgGreen.Sprint(cell)
	case session.OutcomeFailed:
		return text.FgRed.Sprint(cell)
	case session.OutcomeCancelled:
		return text.Faint.Sprint(cell)
	default:
		return text.FgYellow.Sprint(cell)
	}
}

func progressCell(p *float64) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("%.0f%%", *p)
}
