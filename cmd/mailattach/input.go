package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nhle/mailattach/internal/model"
)

// attachmentFlags describes a single attachment on the command line, or
// points at a JSON file holding one attachment or a list of them.
type attachmentFlags struct {
	messageID   string
	id          string
	name        string
	contentType string
	size        int64
	url         string
	dataFile    string
	jsonFile    string
}

func (f *attachmentFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.messageID, "message", "", "Message identifier")
	cmd.Flags().StringVar(&f.id, "id", "", "Attachment identifier within the message")
	cmd.Flags().StringVar(&f.name, "name", "", "Display file name")
	cmd.Flags().StringVar(&f.contentType, "content-type", "", "MIME type reported by the mail service")
	cmd.Flags().Int64Var(&f.size, "size", 0, "Expected size in bytes (0 if unknown)")
	cmd.Flags().StringVar(&f.url, "url", "", "Direct download URL")
	cmd.Flags().StringVar(&f.dataFile, "data-file", "", "File holding the base64 payload ('-' for stdin)")
	cmd.Flags().StringVar(&f.jsonFile, "json", "", "JSON file with one attachment or a list ('-' for stdin)")
}

// attachments returns the attachments described by the flags.
func (f *attachmentFlags) attachments(stdin io.Reader) ([]model.Attachment, error) {
	if f.jsonFile != "" {
		raw, err := readInput(f.jsonFile, stdin)
		if err != nil {
			return nil, err
		}
		return decodeAttachments(raw)
	}

	att := model.Attachment{
		ID:          f.id,
		MessageID:   f.messageID,
		Name:        f.name,
		ContentType: f.contentType,
		Size:        f.size,
		URL:         f.url,
	}
	if f.dataFile != "" {
		raw, err := readInput(f.dataFile, stdin)
		if err != nil {
			return nil, err
		}
		att.EmbeddedData = string(raw)
	}

	if !att.HasRemote() && !att.HasEmbedded() && !att.HasURL() {
		return nil, errors.New("describe the attachment with --message/--id, --url, --data-file or --json")
	}
	return []model.Attachment{att}, nil
}

// decodeAttachments accepts either a JSON object or an array of objects.
func decodeAttachments(raw []byte) ([]model.Attachment, error) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var atts []model.Attachment
		if err := json.Unmarshal(raw, &atts); err != nil {
			return nil, fmt.Errorf("parsing attachment list: %w", err)
		}
		return atts, nil
	}

	var att model.Attachment
	if err := json.Unmarshal(raw, &att); err != nil {
		return nil, fmt.Errorf("parsing attachment: %w", err)
	}
	return []model.Attachment{att}, nil
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}
