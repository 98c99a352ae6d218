package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nhle/mailattach/internal/source/email"
)

var (
	extractMessageID   string
	extractList        bool
	extractNoTUI       bool
	extractConcurrency int
)

var extractCmd = &cobra.Command{
	Use:   "extract <file.eml>",
	Short: "Save every attachment of a message file",
	Long: `Extract parses an RFC 5322 message file and downloads each of its
attachments. The payloads come from the file itself, so no network access is
needed.`,
	Args: cobra.ExactArgs(1),
	RunE: runExtract,
}

func init() {
	extractCmd.Flags().StringVar(&extractMessageID, "message", "", "Message identifier to key the cache by (defaults to the Message-Id header)")
	extractCmd.Flags().BoolVar(&extractList, "list", false, "List the attachments as JSON without saving them")
	extractCmd.Flags().BoolVar(&extractNoTUI, "no-tui", false, "Print results instead of showing progress bars")
	extractCmd.Flags().IntVar(&extractConcurrency, "concurrency", 4, "Maximum parallel saves")
}

func runExtract(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading %s: %w", args[0], err)
	}

	atts, err := email.ExtractAttachments(raw, extractMessageID)
	if err != nil {
		return err
	}
	if len(atts) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "No attachments found.")
		return nil
	}

	if extractList {
		return printAttachmentList(cmd.OutOrStdout(), atts)
	}

	a, err := newApp(cmd.Context(), cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	return runTransfers(cmd, a, "Extracting "+args[0], atts, extractNoTUI, extractConcurrency, a.service.Download)
}
