package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/user/kbdesk/internal/types"
	"github.com/user/kbdesk/internal/views"
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.AddCommand(chatSendCmd, chatListCmd, chatShowCmd, chatUseCmd, chatDeleteCmd, chatNewCmd)

	chatSendCmd.Flags().Bool("new", false, "start a new conversation")
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Ask questions about your documents",
}

var chatSendCmd = &cobra.Command{
	Use:   "send <message>...",
	Short: "Send a message to the active conversation",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		startNew, _ := cmd.Flags().GetBool("new")
		return withSession(cmd, func(ctx context.Context, a *app) error {
			if startNew {
				if err := a.chat.NewConversation(); err != nil {
					return err
				}
			}
			resp, err := a.chat.Send(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Println(resp.Response)
			if len(resp.Citations) > 0 {
				fmt.Println()
				printCitations(resp.Citations)
			}
			return nil
		})
	},
}

var chatListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, a *app) error {
			convs, err := a.chat.Conversations(ctx)
			if err != nil {
				return err
			}
			if len(convs) == 0 {
				fmt.Println("No conversations yet. Start one with `kbdesk chat send <message>`.")
				return nil
			}

			active := a.chat.Active()
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, " \tID\tTITLE\tCREATED")
			for _, c := range convs {
				marker := " "
				if c.ID == active {
					marker = color.CyanString("*")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", marker, c.ID, c.Title, c.CreatedAt.Local().Format("2006-01-02 15:04"))
			}
			return w.Flush()
		})
	},
}

var chatShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show the messages of a conversation (default: the active one)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, a *app) error {
			if len(args) == 1 {
				if err := a.chat.Select(types.ID(args[0])); err != nil {
					return err
				}
			}
			msgs, err := a.chat.Messages(ctx)
			if errors.Is(err, views.ErrNoConversation) {
				fmt.Println("No conversation selected. Send a message to start one.")
				return nil
			}
			if err != nil {
				return err
			}
			for _, m := range msgs {
				printMessage(m)
			}
			return nil
		})
	},
}

var chatUseCmd = &cobra.Command{
	Use:   "use <id>",
	Short: "Make a conversation active",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, a *app) error {
			if err := a.chat.Select(types.ID(args[0])); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Conversation %s is now active.\n", args[0])
			return nil
		})
	},
}

var chatDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, a *app) error {
			if err := a.chat.DeleteConversation(ctx, types.ID(args[0])); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Conversation %s deleted.\n", args[0])
			return nil
		})
	},
}

var chatNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Start a new conversation with the next message",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.chat.NewConversation(); err != nil {
				return err
			}
			fmt.Println("The next message starts a new conversation.")
			return nil
		})
	},
}

func printMessage(m types.Message) {
	who := color.New(color.Bold, color.FgBlue).Sprint("You")
	if m.Role == types.RoleAssistant {
		who = color.New(color.Bold, color.FgGreen).Sprint("Assistant")
	}
	fmt.Fprintf(os.Stdout, "%s  %s\n%s\n", who, color.HiBlackString(m.CreatedAt.Local().Format("15:04")), m.Content)
	if len(m.Citations) > 0 {
		printCitations(m.Citations)
	}
	fmt.Println()
}

func printCitations(cs []types.Citation) {
	fmt.Println(color.HiBlackString("Sources:"))
	for _, c := range cs {
		name := string(c.DocumentID)
		if c.Document != nil && c.Document.Title != "" {
			name = c.Document.Title
		}
		fmt.Fprintf(os.Stdout, "  - %s (relevance %.2f)\n", name, c.RelevanceScore)
	}
}
