package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/user/kbdesk/internal/views"
)

func init() {
	rootCmd.AddCommand(dashboardCmd)
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Overview of your documents and conversations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, a *app) error {
			data, err := views.NewDashboard(a.api, a.docs, a.chat).Load(ctx)
			if err != nil {
				return err
			}

			bold := color.New(color.Bold)
			bold.Fprintf(os.Stdout, "Welcome back, %s\n\n", displayName(data.User))
			fmt.Fprintf(os.Stdout, "Documents:      %d total, %s ready, %s processing, %s failed\n",
				data.Stats.Total,
				color.GreenString("%d", data.Stats.Completed),
				color.YellowString("%d", data.Stats.Processing),
				color.RedString("%d", data.Stats.Failed),
			)
			fmt.Fprintf(os.Stdout, "Conversations:  %d\n", data.Conversations)

			if len(data.Recent) > 0 {
				fmt.Println()
				bold.Println("Recent documents")
				for _, d := range data.Recent {
					fmt.Fprintf(os.Stdout, "  %-40s %s\n", d.Title, statusText(d.Status))
				}
			}
			return nil
		})
	},
}
