package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/harun/tata/internal/daemon"
	"github.com/harun/tata/pkg/orchestrator"
	"github.com/harun/tata/pkg/stream"
	"github.com/spf13/cobra"
)

var (
	chatSession string
	chatUser    string
	chatMessage string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the agent in the terminal",
	Long: `Chat with the agent in the terminal. Each line is one turn; progress
events are printed as they arrive. Use --session to resume a session and
--message for a single turn. Type /exit to quit.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatSession, "session", "", "session id to resume")
	chatCmd.Flags().StringVar(&chatUser, "user", "", "user id recorded on new sessions")
	chatCmd.Flags().StringVarP(&chatMessage, "message", "m", "", "send one message and exit")
	rootCmd.AddCommand(chatCmd)
}

// turnStreamer is the part of the runner the chat loop needs.
type turnStreamer interface {
	RunStream(ctx context.Context, input orchestrator.TurnInput) (<-chan stream.Event, error)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "logs", "chat.log")
	}
	log, err := newLogger(cmd, cfg, false)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()

	c := &chatSessionLoop{
		runner:    d.Runner(),
		out:       cmd.OutOrStdout(),
		sessionID: chatSession,
		userID:    chatUser,
	}
	if chatMessage != "" {
		return c.turn(cmd.Context(), chatMessage)
	}
	return c.loop(cmd.Context(), cmd.InOrStdin())
}

type chatSessionLoop struct {
	runner    turnStreamer
	out       io.Writer
	sessionID string
	userID    string
}

func (c *chatSessionLoop) loop(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	fmt.Fprint(c.out, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
		case "/exit", "/quit":
			return nil
		default:
			if err := c.turn(ctx, line); err != nil {
				fmt.Fprintf(c.out, "错误: %v\n", err)
			}
		}
		fmt.Fprint(c.out, "> ")
	}
	return scanner.Err()
}

func (c *chatSessionLoop) turn(ctx context.Context, message string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	events, err := c.runner.RunStream(ctx, orchestrator.TurnInput{
		Message:   message,
		SessionID: c.sessionID,
		UserID:    c.userID,
	})
	if err != nil {
		return err
	}
	for ev := range events {
		if sid, ok := ev.Metadata["session_id"].(string); ok && sid != "" {
			c.sessionID = sid
		}
		renderEvent(c.out, ev)
	}
	return nil
}

// renderEvent prints one progress event for a terminal reader.
func renderEvent(w io.Writer, ev stream.Event) {
	switch ev.Type {
	case stream.EventConnection:
		if sid, ok := ev.Metadata["session_id"].(string); ok {
			fmt.Fprintf(w, "[session %s]\n", sid)
		}
	case stream.EventThinking:
		fmt.Fprintf(w, "… %s\n", ev.Content)
	case stream.EventToolCall:
		fmt.Fprintf(w, "→ %s\n", ev.Content)
	case stream.EventToolResult:
		status, _ := ev.Metadata["status"].(string)
		name, _ := ev.Metadata["tool_display_name"].(string)
		fmt.Fprintf(w, "← %s (%s)\n", name, status)
	case stream.EventDraftUpdate:
		id, _ := ev.Metadata["draft_id"].(string)
		fmt.Fprintf(w, "[草稿已保存: %s]\n", id)
	case stream.EventInteractivePause, stream.EventFinal:
		fmt.Fprintf(w, "\n%s\n\n", ev.Content)
	case stream.EventError:
		fmt.Fprintf(w, "错误: %s\n", ev.Content)
	}
}
