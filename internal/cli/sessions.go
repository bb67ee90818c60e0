package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/harun/tata/pkg/session"
	"github.com/spf13/cobra"
)

var sessionsUser string

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect stored sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, most recently updated first",
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session's agenda, drafts and messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session and its history",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

func init() {
	sessionsListCmd.Flags().StringVar(&sessionsUser, "user", "", "only list sessions of this user")
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func openStore() (*session.SQLiteStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return session.NewSQLiteStore(session.SQLiteConfig{Path: cfg.Store.Path})
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	return listSessions(cmd.Context(), store, sessionsUser, cmd.OutOrStdout())
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	return showSession(cmd.Context(), store, args[0], cmd.OutOrStdout())
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.DeleteSession(cmd.Context(), args[0]); err != nil {
		return err
	}
	cmd.Printf("Deleted session %s\n", args[0])
	return nil
}

func listSessions(ctx context.Context, store session.Store, userID string, w io.Writer) error {
	infos, err := store.ListSessions(ctx, userID)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Fprintln(w, "No sessions.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSER\tSTATUS\tMESSAGES\tUPDATED")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			info.ID, info.UserID, info.Status, info.MessageCount, info.UpdatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func showSession(ctx context.Context, store session.Store, id string, w io.Writer) error {
	snap, err := store.Load(ctx, id)
	if err != nil {
		return err
	}
	if snap == nil {
		return fmt.Errorf("session %s not found", id)
	}

	fmt.Fprintf(w, "Session: %s\nStatus: %s\n", snap.SessionID, snap.Status)
	if snap.UserID != "" {
		fmt.Fprintf(w, "User: %s\n", snap.UserID)
	}
	if snap.State != nil {
		if agenda := strings.TrimSpace(snap.State.AgendaDoc); agenda != "" {
			fmt.Fprintf(w, "\nAgenda:\n%s\n", agenda)
		}
		if mem := strings.TrimSpace(snap.State.SessionMemory); mem != "" {
			fmt.Fprintf(w, "\nMemory:\n%s\n", mem)
		}
	}

	if len(snap.Drafts) > 0 {
		ids := make([]string, 0, len(snap.Drafts))
		for draftID := range snap.Drafts {
			ids = append(ids, draftID)
		}
		sort.Strings(ids)
		fmt.Fprintln(w, "\nDrafts:")
		for _, draftID := range ids {
			d := snap.Drafts[draftID]
			fmt.Fprintf(w, "- %s (v%d, %d chars)\n", draftID, d.Version, len([]rune(d.Content)))
		}
	}

	msgs, err := store.Messages(ctx, id)
	if err != nil {
		return err
	}
	if len(msgs) > 0 {
		fmt.Fprintln(w, "\nMessages:")
		for _, m := range msgs {
			fmt.Fprintf(w, "[%s] %s\n", m.RawRole, m.Content)
		}
	}
	return nil
}
