package cmd

import (
	"fmt"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/zhubert/olla/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List saved conversations",
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

var sessionsRmCmd = &cobra.Command{
	Use:   "rm <id>...",
	Short: "Delete saved conversations",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSessionsRm,
}

func init() {
	sessionsCmd.AddCommand(sessionsRmCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func openStore(cmd *cobra.Command) (*env, *session.Store, error) {
	e, err := setup(cmd, map[string]string{})
	if err != nil {
		return nil, nil, err
	}
	store, err := session.NewStore(e.cfg.SessionsDir())
	if err != nil {
		e.close()
		return nil, nil, fmt.Errorf("opening session store: %w", err)
	}
	return e, store, nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	e, store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	summaries, err := store.List()
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	if len(summaries) == 0 {
		fmt.Println("No saved sessions.")
		return nil
	}

	fmt.Printf("%-10s  %-14s  %-8s  %-20s  %s\n", "ID", "UPDATED", "MESSAGES", "MODEL", "TITLE")
	fmt.Println("─────────────────────────────────────────────────────────────────────────────")

	for _, s := range summaries {
		title := s.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%-10s  %-14s  %-8d  %s  %s\n",
			s.ID,
			formatTime(s.UpdatedAt),
			s.MessageCount,
			runewidth.FillRight(runewidth.Truncate(s.Model, 20, "…"), 20),
			runewidth.Truncate(title, 40, "..."),
		)
	}

	fmt.Println()
	fmt.Println("Resume a session with: olla --resume <id>")
	fmt.Println("Resume the most recent: olla --resume last")

	return nil
}

func runSessionsRm(cmd *cobra.Command, args []string) error {
	e, store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	for _, id := range args {
		s, err := store.Load(id)
		if err != nil {
			return err
		}
		if err := store.Delete(s.ID); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", s.ID)
	}
	return nil
}

func formatTime(t time.Time) string {
	now := time.Now()
	diff := now.Sub(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	default:
		return t.Format("Jan 2, 2006")
	}
}
