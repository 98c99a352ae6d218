package main

import (
	"context"
	"fmt"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailattach/internal/model"
	"github.com/nhle/mailattach/internal/ui/transfer"
)

var (
	downloadInput       attachmentFlags
	downloadNoTUI       bool
	downloadConcurrency int
)

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Save attachments to the downloads folder",
	Long: `Download resolves each attachment (cache, mail service, inline payload,
direct URL) and copies it into the downloads folder, never overwriting an
existing file.`,
	RunE: runDownload,
}

func init() {
	downloadInput.register(downloadCmd)
	downloadCmd.Flags().BoolVar(&downloadNoTUI, "no-tui", false, "Print results instead of showing progress bars")
	downloadCmd.Flags().IntVar(&downloadConcurrency, "concurrency", 4, "Maximum parallel downloads")
}

func runDownload(cmd *cobra.Command, args []string) error {
	atts, err := downloadInput.attachments(cmd.InOrStdin())
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context(), cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	return runTransfers(cmd, a, "Downloading", atts, downloadNoTUI, downloadConcurrency, a.service.Download)
}

// transferFunc is Service.Download or Service.Preview.
type transferFunc func(ctx context.Context, att model.Attachment) (string, error)

// runTransfers runs fn for every attachment with bounded parallelism,
// either behind the progress view or printing one line per result. It
// returns the first failure.
func runTransfers(
	cmd *cobra.Command,
	a *app,
	title string,
	atts []model.Attachment,
	plain bool,
	limit int,
	fn transferFunc,
) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var send func(tea.Msg)
	var program *tea.Program
	if !plain {
		items := make([]transfer.Item, 0, len(atts))
		for _, att := range atts {
			items = append(items, transfer.Item{Key: att.Key(), Name: displayName(att)})
		}
		program = tea.NewProgram(transfer.New(title, items, cancel), tea.WithContext(ctx), tea.WithOutput(cmd.ErrOrStderr()))
		send = program.Send
	}

	var mu sync.Mutex
	results := make([]string, len(atts))
	// One failed attachment does not cancel the others.
	var g errgroup.Group
	g.SetLimit(max(limit, 1))

	for i, att := range atts {
		g.Go(func() error {
			if send != nil {
				unsubscribe := transfer.Follow(a.hub, att.Key(), send)
				defer unsubscribe()
			}

			path, err := fn(ctx, att)
			if send != nil {
				send(transfer.DoneMsg{Key: att.Key(), Path: path, Err: err})
			}

			mu.Lock()
			results[i] = path
			mu.Unlock()

			if err != nil {
				return fmt.Errorf("%s: %w", displayName(att), err)
			}
			return nil
		})
	}

	if program == nil {
		err := g.Wait()
		for _, p := range results {
			if p != "" {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
		}
		return err
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- g.Wait() }()

	if _, err := program.Run(); err != nil && ctx.Err() == nil {
		cancel()
		<-waitErr
		return fmt.Errorf("running progress view: %w", err)
	}
	return <-waitErr
}

func displayName(att model.Attachment) string {
	if att.Name != "" {
		return att.Name
	}
	if att.ID != "" {
		return att.ID
	}
	return att.Key().String()[:12]
}
