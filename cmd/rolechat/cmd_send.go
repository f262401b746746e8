package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"rolechat/internal/domain"
	"rolechat/internal/usecase/session"
)

type sendOptions struct {
	conversation string
	character    string
	messageType  string
	newConv      bool
	title        string
	raw          bool
	width        int
}

func newSendCmd() *cobra.Command {
	opts := &sendOptions{}
	cmd := &cobra.Command{
		Use:   "send [message...]",
		Short: "Send a message and stream the character's reply",
		Long: `Send a message to a character and stream the reply. The message is read
from the arguments, or from stdin when none are given. Ctrl-C cancels the
exchange and keeps whatever part of the reply already arrived.`,
		Example: `  rolechat send --character 42 --new "Hello there"
  rolechat send -C 1001 --character 42 "What happened next?"
  echo "long message" | rolechat send -C 1001 --character 42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := messageContent(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return runSend(cmd, opts, content)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.conversation, "conversation", "C", "", "conversation id")
	f.StringVar(&opts.character, "character", "", "character id (required)")
	f.StringVar(&opts.messageType, "type", string(domain.MessageTypeText), "message type: text or voice")
	f.BoolVar(&opts.newConv, "new", false, "start a new conversation with the character first")
	f.StringVar(&opts.title, "title", "", "title for a conversation started with --new")
	f.BoolVar(&opts.raw, "raw", false, "print the reply without markdown rendering")
	f.IntVar(&opts.width, "width", 100, "word wrap width for rendered replies")
	_ = cmd.MarkFlagRequired("character")
	cmd.MarkFlagsMutuallyExclusive("conversation", "new")
	return cmd
}

// messageContent joins args, or reads all of stdin when there are none.
func messageContent(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read message: %w", err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

func runSend(cmd *cobra.Command, opts *sendOptions, content string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	convID := opts.conversation
	if opts.newConv {
		conv, err := a.api.CreateConversation(ctx, opts.character, opts.title)
		if err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
		convID = conv.ID
		fmt.Fprintln(out, styleDim.Render("conversation "+convID))
	}
	if convID != "" {
		a.session.SetConversation(convID)
	}

	status := newStatusLine(cmd.ErrOrStderr())
	unwatch := watchExchange(a, status)
	// Ctrl-C clears the placeholder's streaming flag at once; Send then returns Aborted.
	stopCancel := context.AfterFunc(ctx, a.session.CancelActive)
	defer stopCancel()

	status.Set(styleDim, "sending…")
	ex, err := a.session.Send(ctx, session.SendRequest{
		CharacterID: opts.character,
		Content:     content,
		MessageType: domain.MessageType(opts.messageType),
	})
	unwatch()
	status.Done()

	if ex != nil && ex.Reply != "" {
		fmt.Fprintln(out, roleLabel(domain.RoleAssistant))
		fmt.Fprint(out, renderMarkdown(ex.Reply, opts.width, opts.raw))
	}
	if err != nil {
		if errors.Is(err, domain.ErrAborted) {
			fmt.Fprintln(cmd.ErrOrStderr(), styleWarning.Render("cancelled"))
		}
		return fmt.Errorf("%s: %w", domain.ErrorCodeOf(err), err)
	}
	if ex.Degraded {
		fmt.Fprintln(cmd.ErrOrStderr(), styleWarning.Render("reply was cut short; showing what arrived"))
	}
	fmt.Fprintln(cmd.ErrOrStderr(), styleSuccess.Render(
		fmt.Sprintf("done in %d attempt(s)", ex.Attempts)))
	return nil
}

// watchExchange mirrors exchange events onto the status line and returns the
// unsubscribe func.
func watchExchange(a *app, status *statusLine) func() {
	unsubs := []func(){
		a.bus.Subscribe(domain.EventStreamThinking, func(_ context.Context, _ domain.Event) {
			status.Set(styleDim, "thinking…")
		}),
		a.bus.Subscribe(domain.EventStreamDelta, func(_ context.Context, ev domain.Event) {
			var p domain.StreamDeltaPayload
			if json.Unmarshal(ev.Payload, &p) == nil {
				status.Set(styleDim, "receiving… %d chars", utf8.RuneCountInString(p.Content))
			}
		}),
		a.bus.Subscribe(domain.EventExchangeRetrying, func(_ context.Context, ev domain.Event) {
			var p domain.ExchangeRetryingPayload
			if json.Unmarshal(ev.Payload, &p) == nil {
				status.Set(styleWarning, "%s, retrying in %s (attempt %d)",
					p.Code, time.Duration(p.DelayMS)*time.Millisecond, p.Attempt)
			}
		}),
		a.bus.Subscribe(domain.EventStreamStalled, func(_ context.Context, ev domain.Event) {
			var p domain.StreamStalledPayload
			if json.Unmarshal(ev.Payload, &p) == nil {
				what := "stalled"
				if p.NoData {
					what = "no reply yet"
				}
				status.Set(styleError, "%s after %s, still waiting",
					what, (time.Duration(p.ElapsedMS) * time.Millisecond).Round(time.Second))
			}
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
