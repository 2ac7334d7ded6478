package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/nctiggy/nwha/internal/config"
	"github.com/nctiggy/nwha/internal/session"
	"github.com/nctiggy/nwha/internal/store"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recorded sessions",
	Long: `List sessions recorded in the data directory, newest first, with their
status, engine, iteration usage and process id.`,
	RunE: runSessionsList,
}

var (
	sessionsLimit  int
	sessionsStatus []string
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	statusStyles = map[session.Status]lipgloss.Style{
		session.StatusPending: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		session.StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		session.StatusPaused:  lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
		session.StatusStopped: lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
)

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 50, "maximum number of sessions to show")
	sessionsCmd.Flags().StringSliceVar(&sessionsStatus, "status", nil, "only show these statuses (pending, running, paused, stopped)")
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var statuses []session.Status
	for _, raw := range sessionsStatus {
		st, err := session.ParseStatus(raw)
		if err != nil {
			return err
		}
		statuses = append(statuses, st)
	}

	st, err := store.Open(cfg.DatabasePath(), nil)
	if err != nil {
		return err
	}
	defer st.Close()

	var sessions []*session.Session
	if len(statuses) > 0 {
		sessions, err = st.ListSessionsByStatus(cmd.Context(), statuses...)
	} else {
		sessions, err = st.ListSessions(cmd.Context(), sessionsLimit)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions found.")
		return nil
	}

	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%-6s %-8s %-8s %-11s %-8s %s", "ID", "PROJECT", "ENGINE", "ITERATIONS", "PID", "STATUS")))
	fmt.Fprintln(out, dimStyle.Render(strings.Repeat("─", 60)))
	for _, s := range sessions {
		pid := "-"
		if s.PID != nil {
			pid = fmt.Sprint(*s.PID)
		}
		fmt.Fprintf(out, "%-6d %-8d %-8s %-11s %-8s %s %s\n",
			s.ID, s.ProjectID, s.Engine,
			fmt.Sprintf("%d/%d", s.Iterations, s.MaxIterations),
			pid,
			statusStyles[s.Status].Render(string(s.Status)),
			dimStyle.Render(age(s.CreatedAt)),
		)
	}
	return nil
}

func age(t time.Time) string {
	d := time.Since(t).Round(time.Second)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Local().Format("2006-01-02")
	}
}
