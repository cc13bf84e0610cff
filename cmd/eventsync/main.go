// Command eventsync drives the sync core from a terminal: resumable uploads,
// conversation history and live message streams.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/burugo/eventsync"
	"github.com/burugo/eventsync/messages"
	"github.com/burugo/eventsync/upload"
)

// statusCanceled is only reported by the cancel command; canceled tasks are deleted.
const statusCanceled upload.Status = "canceled"

var (
	cfg         eventsync.Config
	storeDriver string
)

var rootCmd = &cobra.Command{
	Use:   "eventsync",
	Short: "Client-side data sync: query cache, resumable uploads and message sync",
	Long: `eventsync exercises the sync core against a backend.

Configuration is read from EVENTSYNC_* environment variables, for example:
  EVENTSYNC_BACKEND_URL         REST API base URL
  EVENTSYNC_PUSH_URL            WebSocket push endpoint
  EVENTSYNC_AUTH_TOKEN          bearer token for every request
  EVENTSYNC_STORE_DRIVER        memory | sqlite | redis
  EVENTSYNC_UPLOAD_ENDPOINT_URL tus upload creation URL`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := eventsync.LoadConfigFromEnv()
		if err != nil {
			return err
		}
		cfg = loaded
		if storeDriver != "" {
			cfg.Store.Driver = storeDriver
		}
		return nil
	},
}

// withApp builds the components, runs fn until it returns or the process is
// interrupted, and tears everything down.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *App) error) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	app, cleanup, err := initializeApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer cleanup()
	return fn(ctx, app)
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a file with resumable chunks and wait for it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		container, _ := cmd.Flags().GetString("container")
		object, _ := cmd.Flags().GetString("object")
		contentType, _ := cmd.Flags().GetString("content-type")
		if object == "" {
			object = args[0]
		}
		return withApp(cmd, func(ctx context.Context, app *App) error {
			id, err := app.Uploads.Enqueue(ctx, args[0], upload.Destination{
				Container:   container,
				ObjectName:  object,
				ContentType: contentType,
			}, upload.Callbacks{
				OnProgress: func(taskID string, progress float64) {
					fmt.Fprintf(cmd.OutOrStdout(), "\r%s %5.1f%%", taskID, progress*100)
				},
			})
			if err != nil {
				return err
			}
			task, err := app.Uploads.Wait(ctx, id)
			fmt.Fprintln(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %s to %s\n", task.ID, task.ResultURL)
			return nil
		})
	},
}

var uploadsCmd = &cobra.Command{
	Use:   "uploads",
	Short: "List and control queued uploads",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *App) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tPROGRESS\tSOURCE\tERROR")
			for _, t := range app.Uploads.ListActive() {
				fmt.Fprintf(w, "%s\t%s\t%.1f%%\t%s\t%s\n", t.ID, t.Status, t.Progress()*100, t.SourceURI, t.LastError)
			}
			return w.Flush()
		})
	},
}

// taskCommand builds an uploads subcommand that applies op to one task.
func taskCommand(use, short string, op func(m *upload.Manager, ctx context.Context, id string) (upload.Task, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				task, err := op(app.Uploads, ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is %s\n", task.ID, task.Status)
				return nil
			})
		},
	}
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Print a page of conversation history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		before, _ := cmd.Flags().GetString("before")
		all, _ := cmd.Flags().GetBool("all")
		return withApp(cmd, func(ctx context.Context, app *App) error {
			cursor := before
			for {
				page, err := app.Messages.GetPage(ctx, args[0], cursor)
				if err != nil {
					return err
				}
				for _, m := range page.Items {
					printMessage(cmd, m)
				}
				if page.NextCursor == nil {
					return nil
				}
				if !all {
					fmt.Fprintf(cmd.OutOrStdout(), "-- older: --before %s\n", *page.NextCursor)
					return nil
				}
				cursor = *page.NextCursor
			}
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send a message, optionally with an attachment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		attach, _ := cmd.Flags().GetString("attach")
		contentType, _ := cmd.Flags().GetString("content-type")
		return withApp(cmd, func(ctx context.Context, app *App) error {
			m, err := app.Messages.Send(ctx, args[0], messages.Draft{
				Content:               args[1],
				AttachmentPath:        attach,
				AttachmentContentType: contentType,
			})
			if err != nil {
				return err
			}
			printMessage(cmd, m)
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Stream messages of a conversation until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("cache-events")
		return withApp(cmd, func(ctx context.Context, app *App) error {
			if verbose {
				unlisten := app.Cache.ListenAll(func(e eventsync.CacheEvent) {
					fmt.Fprintf(cmd.ErrOrStderr(), "cache %s %s\n", e.Type, e.Key)
				})
				defer unlisten()
			}
			if _, err := app.Messages.GetPage(ctx, args[0], ""); err != nil {
				return err
			}
			for _, m := range app.Messages.Messages(args[0]) {
				printMessage(cmd, m)
			}
			unsubscribe, err := app.Messages.Subscribe(args[0], func(m messages.Message) {
				printMessage(cmd, m)
			})
			if err != nil {
				return err
			}
			defer unsubscribe()
			fmt.Fprintln(cmd.ErrOrStderr(), "Watching, press Ctrl+C to stop...")
			<-ctx.Done()
			return nil
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print cache and store counters as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *App) error {
			out := map[string]map[string]int{"cache": app.Cache.GetCacheStats(ctx).Counters}
			if r, ok := app.Store.(eventsync.StatsReporter); ok {
				out["store"] = r.GetCacheStats(ctx).Counters
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		})
	},
}

func printMessage(cmd *cobra.Command, m messages.Message) {
	marker := ""
	if m.Sending {
		marker = " (sending)"
	}
	line := fmt.Sprintf("[%s] %s: %s%s", m.CreatedAt.Local().Format(time.DateTime), m.SenderID, m.Content, marker)
	if m.AttachmentURL != "" {
		line += " <" + m.AttachmentURL + ">"
	}
	fmt.Fprintln(cmd.OutOrStdout(), line)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&storeDriver, "store", "", "Durable store driver: memory, sqlite or redis (overrides EVENTSYNC_STORE_DRIVER)")

	uploadCmd.Flags().String("container", "uploads", "Destination container")
	uploadCmd.Flags().String("object", "", "Destination object name (defaults to the file path)")
	uploadCmd.Flags().String("content-type", "application/octet-stream", "Content type of the object")

	uploadsCmd.AddCommand(
		taskCommand("pause", "Pause an upload after its current chunk", (*upload.Manager).Pause),
		taskCommand("resume", "Resume a paused upload", (*upload.Manager).Resume),
		taskCommand("retry", "Retry a failed upload", (*upload.Manager).Retry),
		taskCommand("cancel", "Cancel an upload and forget it", func(m *upload.Manager, ctx context.Context, id string) (upload.Task, error) {
			task, _ := m.Get(id)
			if err := m.Cancel(ctx, id); err != nil {
				return upload.Task{}, err
			}
			task.Status = statusCanceled
			return task, nil
		}),
	)

	messagesCmd.Flags().String("before", "", "Cursor returned by a previous page")
	messagesCmd.Flags().Bool("all", false, "Follow cursors to the start of the conversation")
	watchCmd.Flags().Bool("cache-events", false, "Log every cache change to stderr")
	sendCmd.Flags().String("attach", "", "File to upload and attach")
	sendCmd.Flags().String("content-type", "application/octet-stream", "Content type of the attachment")

	rootCmd.AddCommand(uploadCmd, uploadsCmd, messagesCmd, sendCmd, watchCmd, statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
