package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/martinemde/docagent/agentloop"
)

// runner is the part of the agent the chat loop drives.
type runner interface {
	Stream(ctx context.Context, req agentloop.RunRequest) <-chan agentloop.Event
}

type chatStyles struct {
	prompt  lipgloss.Style
	tool    lipgloss.Style
	warning lipgloss.Style
	errText lipgloss.Style
	output  lipgloss.Style
}

func newChatStyles(w io.Writer) chatStyles {
	r := lipgloss.NewRenderer(w)
	return chatStyles{
		prompt:  r.NewStyle().Foreground(lipgloss.Color("12")).Bold(true),
		tool:    r.NewStyle().Foreground(lipgloss.Color("8")),
		warning: r.NewStyle().Foreground(lipgloss.Color("11")),
		errText: r.NewStyle().Foreground(lipgloss.Color("9")),
		output:  r.NewStyle().Foreground(lipgloss.Color("10")),
	}
}

// chatSession is one interactive conversation. Every turn shares the
// conversation id, so the agent resumes the same thread.
type chatSession struct {
	runner         runner
	user           string
	conversationID string
	in             io.Reader
	out            io.Writer
	styles         chatStyles
}

func newChatSession(r runner, user string, in io.Reader, out io.Writer) *chatSession {
	return &chatSession{
		runner:         r,
		user:           user,
		conversationID: uuid.NewString(),
		in:             in,
		out:            out,
		styles:         newChatStyles(out),
	}
}

func (s *chatSession) request(text string) agentloop.RunRequest {
	return agentloop.RunRequest{
		Input:          []agentloop.InputMessage{{Role: "user", Content: text}},
		User:           s.user,
		ConversationID: s.conversationID,
		ThreadID:       agentloop.DeriveThreadID(s.user, s.conversationID),
	}
}

// send runs one turn and renders its events. It reports whether the turn
// finished without a run error.
func (s *chatSession) send(ctx context.Context, text string) bool {
	t := &turnPrinter{out: s.out}
	ok := true
	for ev := range s.runner.Stream(ctx, s.request(text)) {
		switch ev.Kind {
		case agentloop.EventTextDelta:
			t.text(ev.Delta)
		case agentloop.EventToolCallStart:
			if ev.ToolCall != nil {
				t.line(s.styles.tool.Render("→ " + ev.ToolCall.Name))
			}
		case agentloop.EventToolCallEnd:
			if ev.ToolResult != nil && ev.ToolResult.IsError {
				t.line(s.styles.errText.Render("✗ " + ev.ToolResult.Name))
			}
		case agentloop.EventWarning:
			t.line(s.styles.warning.Render("! " + ev.Warning))
		case agentloop.EventDone:
			if ev.Result == nil {
				continue
			}
			if !t.streamed {
				t.text(ev.Result.Text)
			}
			t.endText()
			if ev.Result.OutputPath != "" {
				t.line(s.styles.output.Render("output: " + ev.Result.OutputPath))
			}
		case agentloop.EventError:
			ok = false
			msg := "run failed"
			if ev.Err != nil {
				msg = ev.Err.Message
			}
			t.line(s.styles.errText.Render("Error: " + msg))
		}
	}
	t.endText()
	return ok
}

// turnPrinter interleaves streamed text with whole status lines.
type turnPrinter struct {
	out      io.Writer
	open     bool // streamed text without a trailing newline
	streamed bool // any text was streamed this turn
}

func (t *turnPrinter) text(s string) {
	if s == "" {
		return
	}
	fmt.Fprint(t.out, s)
	t.open, t.streamed = true, true
}

func (t *turnPrinter) endText() {
	if t.open {
		fmt.Fprintln(t.out)
		t.open = false
	}
}

func (t *turnPrinter) line(msg string) {
	t.endText()
	fmt.Fprintln(t.out, msg)
}

// repl reads lines until EOF, "exit" or "quit".
func (s *chatSession) repl(ctx context.Context) error {
	fmt.Fprintln(s.out, "docagent chat. Type exit to quit.")
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(s.out, s.styles.prompt.Render("you> "))
		if !scanner.Scan() {
			fmt.Fprintln(s.out)
			return scanner.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		switch text {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		s.send(ctx, text)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func chatCmd(flags *globalFlags) *cobra.Command {
	var (
		message string
		user    string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent in the terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			s := newChatSession(a.agent, user, cmd.InOrStdin(), cmd.OutOrStdout())
			if message != "" {
				if !s.send(ctx, message) {
					return errors.New("run failed")
				}
				return nil
			}
			return s.repl(ctx)
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "send one message and exit")
	cmd.Flags().StringVar(&user, "user", "local", "user the conversation belongs to")
	return cmd
}
