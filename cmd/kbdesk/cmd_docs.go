package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/user/kbdesk/internal/types"
	"github.com/user/kbdesk/internal/views"
	"github.com/user/kbdesk/pkg/kbapi"
)

func init() {
	rootCmd.AddCommand(docsCmd)
	docsCmd.AddCommand(docsListCmd, docsUploadCmd, docsDeleteCmd, docsPreviewCmd, docsDownloadCmd)

	docsListCmd.Flags().Bool("wait", false, "wait until no document is processing")

	docsUploadCmd.Flags().String("title", "", "document title (single file only; defaults to the file name)")
	docsUploadCmd.Flags().String("description", "", "document description")
	docsUploadCmd.Flags().Bool("wait", false, "wait for processing to finish")

	docsDownloadCmd.Flags().StringP("output", "o", "", "output path (defaults to the document file name)")
}

var docsCmd = &cobra.Command{
	Use:     "docs",
	Aliases: []string{"documents"},
	Short:   "Manage documents",
}

var docsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")
		return withSession(cmd, func(ctx context.Context, a *app) error {
			docs, err := a.docs.List(ctx)
			if err != nil {
				return err
			}
			if wait && views.CountProcessing(docs) > 0 {
				if docs, err = waitProcessed(ctx, a); err != nil {
					return err
				}
			}
			return printDocuments(docs)
		})
	},
}

var docsUploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Upload one or more documents (.pdf, .txt, .docx, .md)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		description, _ := cmd.Flags().GetString("description")
		wait, _ := cmd.Flags().GetBool("wait")
		if title != "" && len(args) > 1 {
			return fmt.Errorf("--title can only be used with a single file")
		}

		return withSession(cmd, func(ctx context.Context, a *app) error {
			ups := make([]kbapi.Upload, 0, len(args))
			for _, path := range args {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				defer f.Close()
				info, err := f.Stat()
				if err != nil {
					return err
				}
				t := title
				if t == "" {
					t = kbapi.DefaultTitle(path)
				}
				ups = append(ups, kbapi.Upload{
					FileName:    filepath.Base(path),
					File:        f,
					Size:        info.Size(),
					Title:       t,
					Description: description,
				})
			}

			failed := 0
			for _, r := range a.docs.UploadMany(ctx, ups) {
				if r.Err != nil {
					failed++
					fmt.Fprintf(os.Stdout, "%s %s: %s\n", color.RedString("✗"), r.Upload.FileName, kbapi.Detail(r.Err, "Upload failed"))
					continue
				}
				fmt.Fprintf(os.Stdout, "%s %s uploaded as %q (id %s)\n", color.GreenString("✓"), r.Upload.FileName, r.Document.Title, r.Document.ID)
			}
			if failed == len(ups) {
				return fmt.Errorf("no documents uploaded")
			}

			if wait {
				docs, err := waitProcessed(ctx, a)
				if err != nil {
					return err
				}
				return printDocuments(docs)
			}
			return nil
		})
	},
}

var docsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, a *app) error {
			if err := a.docs.Delete(ctx, types.ID(args[0])); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Document %s deleted.\n", args[0])
			return nil
		})
	},
}

var docsPreviewCmd = &cobra.Command{
	Use:   "preview <id>",
	Short: "Show the processed content of a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, a *app) error {
			doc, err := findDocument(ctx, a, types.ID(args[0]))
			if err != nil {
				return err
			}
			p, err := a.docs.Preview(ctx, *doc)
			if err != nil {
				return err
			}
			color.New(color.Bold).Println(p.Document.Title)
			fmt.Println(p.Text)
			if p.Truncated {
				fmt.Fprintf(os.Stderr, "(showing first %d tokens)\n", p.Tokens)
			}
			return nil
		})
	},
}

var docsDownloadCmd = &cobra.Command{
	Use:   "download <id>",
	Short: "Download the original file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		return withSession(cmd, func(ctx context.Context, a *app) error {
			id := types.ID(args[0])
			if output == "" {
				doc, err := findDocument(ctx, a, id)
				if err != nil {
					return err
				}
				output = filepath.Base(doc.Filename)
			}

			f, err := os.Create(output)
			if err != nil {
				return err
			}
			n, err := a.api.DownloadDocument(ctx, id, f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				os.Remove(output)
				return err
			}
			fmt.Fprintf(os.Stdout, "Saved %s (%s).\n", output, humanSize(n))
			return nil
		})
	},
}

func findDocument(ctx context.Context, a *app, id types.ID) (*types.Document, error) {
	docs, err := a.docs.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range docs {
		if docs[i].ID == id {
			return &docs[i], nil
		}
	}
	return nil, fmt.Errorf("document not found: %s", id)
}

func waitProcessed(ctx context.Context, a *app) ([]types.Document, error) {
	last := -1
	return a.docs.WaitProcessed(ctx, func(docs []types.Document) {
		if n := views.CountProcessing(docs); n != last && n > 0 {
			fmt.Fprintf(os.Stderr, "Waiting for %d document(s) to finish processing...\n", n)
			last = n
		}
	})
}

func printDocuments(docs []types.Document) error {
	if len(docs) == 0 {
		fmt.Println("No documents yet. Upload one with `kbdesk docs upload <file>`.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tFILE\tSIZE\tSTATUS\tUPLOADED")
	for _, d := range docs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.ID,
			d.Title,
			d.Filename,
			humanSize(d.FileSize),
			statusText(d.Status),
			d.CreatedAt.Local().Format("2006-01-02 15:04"),
		)
	}
	return w.Flush()
}

func statusText(s types.DocumentStatus) string {
	switch {
	case s == types.StatusCompleted:
		return color.GreenString(string(s))
	case s == types.StatusProcessing:
		return color.YellowString(string(s))
	case s.IsError():
		return color.RedString(string(s))
	default:
		return string(s)
	}
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
