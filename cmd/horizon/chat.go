package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/MegaGrindStone/horizon-web/internal/chat"
	"github.com/MegaGrindStone/horizon-web/internal/logger"
	"github.com/MegaGrindStone/horizon-web/internal/models"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	userPrompt      = lipgloss.NewStyle().Foreground(lipgloss.Color("82")).Bold(true).Render("you> ")
	assistantPrompt = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Render("assistant> ")

	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	keyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

const chatLongDesc string = `Start an interactive chat session with the configured backend.

Replies are printed as they stream in. Conversations are cached locally, so
they can be resumed with /switch.

Commands:
  /new           Start a new conversation
  /list          List the backend's conversations
  /switch <id>   Resume a conversation
  /exit          Quit (Ctrl+D works too)`

// replSession is what the terminal client needs from a chat session.
type replSession interface {
	Send(ctx context.Context, text string) error
	Snapshot() chat.Snapshot
	RefreshSummaries(ctx context.Context) ([]models.Summary, error)
	NewConversation()
	Switch(ctx context.Context, id string) error
	Subscribe(fn func(chat.Update)) func()
}

type repl struct {
	session replSession
	in      io.Reader
	out     io.Writer
	errOut  io.Writer
	config  clientConfig
}

func newChatCmd(c *commander) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Chat with the backend from the terminal",
		Long:  chatLongDesc,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Log lines would tear through streamed replies; only warnings and worse are shown unless
			// debugging.
			var opts []logger.Option
			if !c.debug && logger.ParseLevel(c.cfg.Log.Level) < slog.LevelWarn {
				opts = append(opts, logger.WithLevel(slog.LevelWarn))
			}
			log := c.logger(opts...)

			session, store, err := newSession(c.cfg, log)
			if err != nil {
				return err
			}
			defer store.Close()
			defer session.Wait()

			r := repl{
				session: session,
				in:      cmd.InOrStdin(),
				out:     cmd.OutOrStdout(),
				errOut:  cmd.ErrOrStderr(),
				config:  c.cfg.Client,
			}
			return r.run(cmd.Context())
		},
	}
}

func (r repl) run(ctx context.Context) error {
	unsubscribe := r.session.Subscribe(func(u chat.Update) {
		if u.Kind == chat.UpdateDelta {
			fmt.Fprint(r.out, u.Delta)
		}
	})
	defer unsubscribe()

	fmt.Fprintln(r.out)
	fmt.Fprintf(r.out, "  %s\n\n", dimStyle.Render("Type your message and press Enter. /exit or Ctrl+D to quit."))

	scanner := bufio.NewScanner(r.in)
	for {
		fmt.Fprint(r.out, userPrompt)
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			quit, err := r.command(ctx, input)
			if err != nil {
				fmt.Fprintf(r.errOut, "  %s %v\n", failStyle.Render("✗"), err)
			}
			if quit {
				break
			}
			continue
		}

		r.send(ctx, input)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	fmt.Fprintln(r.out)
	return nil
}

func (r repl) send(ctx context.Context, text string) {
	if r.config.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.SendTimeout)
		defer cancel()
	}

	fmt.Fprint(r.out, assistantPrompt)
	err := r.session.Send(ctx, text)
	fmt.Fprint(r.out, "\n\n")

	if err != nil {
		// Whatever streamed in before the failure stays in the conversation.
		fmt.Fprintf(r.errOut, "  %s %v\n\n", failStyle.Render("✗"), err)
	}
}

// command runs a slash command and reports whether the session should end.
func (r repl) command(ctx context.Context, input string) (bool, error) {
	name, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/exit", "/quit":
		return true, nil
	case "/new":
		r.session.NewConversation()
		fmt.Fprintf(r.out, "  %s\n\n", dimStyle.Render("New conversation"))
		return false, nil
	case "/list":
		summaries, err := r.session.RefreshSummaries(ctx)
		if err != nil {
			return false, err
		}
		r.printSummaries(summaries)
		return false, nil
	case "/switch":
		if arg == "" {
			return false, errors.New("usage: /switch <id>")
		}
		if err := r.session.Switch(ctx, arg); err != nil {
			return false, err
		}
		r.printHistory(r.session.Snapshot())
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %s", name)
	}
}

func (r repl) printSummaries(summaries []models.Summary) {
	if len(summaries) == 0 {
		fmt.Fprintf(r.out, "  %s\n\n", dimStyle.Render("No conversations"))
		return
	}

	active := r.session.Snapshot().ConversationID
	for _, s := range summaries {
		marker := " "
		if s.ID == active {
			marker = "*"
		}
		title := s.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(r.out, "  %s %s %s %s\n",
			marker,
			keyStyle.Render(s.ID),
			title,
			dimStyle.Render(fmt.Sprintf("(%d messages)", s.NumMessages)))
	}
	fmt.Fprintln(r.out)
}

func (r repl) printHistory(snap chat.Snapshot) {
	title := snap.Title
	if title == "" {
		title = snap.ConversationID
	}
	fmt.Fprintf(r.out, "  %s %s %s\n\n",
		keyStyle.Render("Resuming"),
		title,
		dimStyle.Render(fmt.Sprintf("(%d messages)", len(snap.Messages))))

	for _, m := range snap.Messages {
		prompt := userPrompt
		if m.Role == models.RoleAssistant {
			prompt = assistantPrompt
		}
		fmt.Fprintf(r.out, "%s%s\n\n", prompt, m.Content)
	}
}
