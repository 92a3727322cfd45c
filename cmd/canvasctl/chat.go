package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/ashureev/canvaspilot/internal/domain"
)

func chatCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "chat <instruction>",
		Short: "Send one instruction to the assistant",
		Long: `Send one instruction to the assistant and stream its reply.

Actions in the reply are applied to the shared canvas. The conversation
is kept per session, so repeated calls with the same --session continue it.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !instance.Menu.Ready() {
				return errors.New("not signed in; run 'canvasctl auth login' or 'canvasctl auth key'")
			}

			session := instance.Registry.Get(cmd.Context(), sessionID)
			printer := newReplyPrinter(cmd.OutOrStdout())
			unsubscribe := session.Subscribe(printer.update)
			defer unsubscribe()

			report, err := session.Send(cmd.Context(), strings.Join(args, " "))
			printer.finish()
			if err != nil {
				return err
			}
			if jsonOut {
				fmt.Fprintf(cmd.OutOrStdout(), `{"actions":%d,"review_rounds":%d,"errored":%t}`+"\n",
					report.Actions, report.ReviewRounds, report.Errored)
				return nil
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d action(s) applied, %d review round(s)\n", report.Actions, report.ReviewRounds)
			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "cli", "Conversation session id")
	return cmd
}

// replyPrinter writes assistant messages incrementally as their content
// grows. Content that is rewritten rather than extended is printed again
// in full on a new line.
type replyPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	printed map[int]string
	last    int
}

func newReplyPrinter(out io.Writer) *replyPrinter {
	return &replyPrinter{out: out, printed: make(map[int]string), last: -1}
}

func (p *replyPrinter) update(m domain.Message) {
	if m.Role != domain.RoleAssistant {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	prev, seen := p.printed[m.ID]
	switch {
	case seen && prev == m.Content:
		return
	case seen && p.last == m.ID && strings.HasPrefix(m.Content, prev):
		fmt.Fprint(p.out, m.Content[len(prev):])
	default:
		if p.last != -1 {
			fmt.Fprintln(p.out)
		}
		fmt.Fprint(p.out, m.Content)
	}
	p.printed[m.ID] = m.Content
	p.last = m.ID
}

func (p *replyPrinter) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last != -1 {
		fmt.Fprintln(p.out)
	}
}
