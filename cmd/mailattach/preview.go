package main

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nhle/mailattach/internal/model"
)

var (
	previewInput attachmentFlags
	previewYes   bool
)

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Open an attachment in the system viewer",
	Long: `Preview resolves an attachment and opens it with the configured viewer.
If no application can render it, you are offered to download it instead.`,
	RunE: runPreview,
}

func init() {
	previewInput.register(previewCmd)
	previewCmd.Flags().BoolVarP(&previewYes, "yes", "y", false, "Download without asking when the file cannot be previewed")
}

func runPreview(cmd *cobra.Command, args []string) error {
	atts, err := previewInput.attachments(cmd.InOrStdin())
	if err != nil {
		return err
	}
	if len(atts) != 1 {
		return fmt.Errorf("preview takes exactly one attachment, got %d", len(atts))
	}
	att := atts[0]

	a, err := newApp(cmd.Context(), cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	path, err := a.service.Preview(cmd.Context(), att)
	if err == nil {
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	}
	if !model.IsKind(err, model.KindUnsupported) {
		return err
	}

	download := previewYes
	if !download {
		confirm := huh.NewConfirm().
			Title(fmt.Sprintf("No viewer can open %s.", displayName(att))).
			Description("Download it instead?").
			Affirmative("Download").
			Negative("Cancel").
			Value(&download)
		if formErr := confirm.Run(); formErr != nil {
			if errors.Is(formErr, huh.ErrUserAborted) {
				return err
			}
			return fmt.Errorf("asking to download: %w", formErr)
		}
	}
	if !download {
		return err
	}

	dst, err := a.service.Download(cmd.Context(), att)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), dst)
	return nil
}
