package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/walle-ai/walle/internal/chat"
)

func init() {
	chatCmd.Flags().Bool("fresh", false, "start with an empty transcript instead of restoring the previous one")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat with the Eve assistant",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		// Chat is the long-running command; drain queued mutations in
		// the background while it is open.
		app.startBackground(ctx)
		defer app.stopBackground()

		printer := &streamPrinter{}
		session, err := chat.NewSession(chat.SessionConfig{
			Streamer:       app.client,
			Snapshots:      app.repo,
			ConversationID: "default",
			Subscriber:     printer.update,
			OnError: func(err error) {
				fmt.Fprintf(os.Stderr, "\nstream error: %v\n", err)
			},
			Logger: app.logger,
		})
		if err != nil {
			return err
		}

		fresh, _ := cmd.Flags().GetBool("fresh")
		if fresh {
			if err := session.ClearMessages(ctx); err != nil {
				return err
			}
		} else if err := session.Restore(ctx); err != nil {
			return err
		}

		fmt.Println("Connected. Type a message, or 'exit' to leave.")
		scanner := bufio.NewScanner(os.Stdin)
		for {
			fmt.Print("> ")
			if !scanner.Scan() {
				break
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if line == "exit" || line == "quit" {
				break
			}

			printer.reset()
			if err := session.SendMessage(ctx, line, nil); err != nil {
				fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
				continue
			}
			waitForTurn(ctx, session)
			fmt.Println()
		}
		return scanner.Err()
	},
}

// waitForTurn blocks until the in-flight turn completes, stopping
// generation if the context is cancelled (Ctrl+C keeps partial output).
func waitForTurn(ctx context.Context, session *chat.Session) {
	for session.IsStreaming() {
		select {
		case <-ctx.Done():
			session.StopGeneration()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// streamPrinter writes assistant text to stdout as it streams, printing
// only the suffix that is new since the last snapshot.
type streamPrinter struct {
	mu      sync.Mutex
	printed string
	tools   map[string]bool
}

func (p *streamPrinter) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printed = ""
	p.tools = make(map[string]bool)
}

func (p *streamPrinter) update(messages []chat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(messages) == 0 {
		return
	}
	last := messages[len(messages)-1]
	if last.Role != chat.RoleAssistant {
		return
	}

	for _, call := range last.ToolCalls {
		if !p.tools[call.ID] {
			p.tools[call.ID] = true
			fmt.Printf("\n[tool %s: %s]\n", call.Name, call.Status)
		}
	}

	content := last.Content
	if strings.HasPrefix(content, p.printed) {
		fmt.Print(content[len(p.printed):])
	} else {
		// An authoritative end rewrote the text; reprint it whole.
		fmt.Print("\n" + content)
	}
	p.printed = content
}
