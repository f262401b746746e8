package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"rolechat/internal/adapter/api"
	"rolechat/internal/adapter/store"
	"rolechat/internal/domain"
)

// withApp loads the config, builds the app for the duration of fn and closes it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newHistoryCmd() *cobra.Command {
	var (
		remote   bool
		beforeID string
		pageSize int
		width    int
	)
	cmd := &cobra.Command{
		Use:   "history [conversation-id]",
		Short: "Show the messages of a conversation",
		Long: `Show the messages of a conversation from the local message store, or from
the chat service with --remote. Without an id, list the conversations the
local sqlite store knows about.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				out := cmd.OutOrStdout()
				if len(args) == 0 {
					return listLocalConversations(ctx, out, a.store)
				}
				var (
					msgs    []domain.Message
					hasMore bool
				)
				if remote {
					page, err := a.api.GetMessages(ctx, args[0], api.PageRequest{PageSize: pageSize, BeforeID: beforeID})
					if err != nil {
						return err
					}
					msgs, hasMore = page.Messages, page.HasMore
				} else {
					var err error
					if msgs, err = a.store.Messages(ctx, args[0]); err != nil {
						return err
					}
				}
				printMessages(out, msgs, width)
				if hasMore && len(msgs) > 0 {
					fmt.Fprintln(out, styleDim.Render("older messages exist; use --before "+msgs[0].ServerID))
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.BoolVar(&remote, "remote", false, "read the history from the chat service")
	f.StringVar(&beforeID, "before", "", "with --remote, page backwards from this message id")
	f.IntVar(&pageSize, "limit", 0, "with --remote, messages per page (default 50)")
	f.IntVar(&width, "width", 100, "word wrap width")
	return cmd
}

func listLocalConversations(ctx context.Context, out io.Writer, st store.Store) error {
	lister, ok := st.(interface {
		Conversations(ctx context.Context) ([]string, error)
	})
	if !ok {
		return fmt.Errorf("%w: the memory store keeps no history between runs; set store.backend to sqlite", domain.ErrInvalidInput)
	}
	ids, err := lister.Conversations(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Fprintln(out, styleDim.Render("no conversations yet"))
		return nil
	}
	for _, id := range ids {
		fmt.Fprintln(out, id)
	}
	return nil
}

func printMessages(out io.Writer, msgs []domain.Message, width int) {
	if len(msgs) == 0 {
		fmt.Fprintln(out, styleDim.Render("no messages"))
		return
	}
	for _, m := range msgs {
		header := roleLabel(m.Role)
		if !m.Timestamp.IsZero() {
			header += " " + styleDim.Render(m.Timestamp.Local().Format("2006-01-02 15:04"))
		}
		if m.Streaming {
			header += " " + styleWarning.Render("(streaming)")
		}
		fmt.Fprintln(out, header)
		if m.Role == domain.RoleAssistant {
			fmt.Fprint(out, renderMarkdown(m.Content, width, false))
		} else {
			fmt.Fprintln(out, m.Content)
			fmt.Fprintln(out)
		}
	}
}

func newConversationsCmd() *cobra.Command {
	var (
		character string
		page      int
		pageSize  int
	)
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "List and manage conversations on the chat service",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.api.ListConversations(ctx, api.PageRequest{
					Page:        page,
					PageSize:    pageSize,
					CharacterID: character,
				})
				if err != nil {
					return err
				}
				printConversations(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&character, "character", "", "only conversations with this character")
	f.IntVar(&page, "page", 1, "page number")
	f.IntVar(&pageSize, "limit", 0, "conversations per page (default 20)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show <id>",
			Short: "Show one conversation",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(ctx context.Context, a *app) error {
					conv, err := a.api.GetConversation(ctx, args[0])
					if err != nil {
						return err
					}
					printConversations(cmd.OutOrStdout(), &api.ConversationPage{
						Conversations: []domain.Conversation{*conv},
						Total:         1,
						Page:          1,
					})
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "rename <id> <title>",
			Short: "Change a conversation's title",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(ctx context.Context, a *app) error {
					return a.api.UpdateConversationTitle(ctx, args[0], args[1])
				})
			},
		},
		&cobra.Command{
			Use:   "clear <id>",
			Short: "Delete every message of a conversation",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(ctx context.Context, a *app) error {
					return a.api.ClearMessages(ctx, args[0])
				})
			},
		},
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Delete a conversation",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(ctx context.Context, a *app) error {
					return a.api.DeleteConversation(ctx, args[0])
				})
			},
		},
	)
	return cmd
}

func printConversations(out io.Writer, page *api.ConversationPage) {
	if len(page.Conversations) == 0 {
		fmt.Fprintln(out, styleDim.Render("no conversations"))
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCHARACTER\tTITLE\tMESSAGES\tUPDATED\tLAST MESSAGE")
	for _, c := range page.Conversations {
		updated := ""
		if !c.UpdatedAt.IsZero() {
			updated = c.UpdatedAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			c.ID, c.CharacterID, truncate(c.Title, 30), c.MessageCount, updated, truncate(c.LastMessage, 40))
	}
	_ = tw.Flush()
	if page.HasMore {
		fmt.Fprintln(out, styleDim.Render(fmt.Sprintf("page %d of more; use --page %d", page.Page, page.Page+1)))
	}
}
