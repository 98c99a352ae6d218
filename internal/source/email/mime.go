// Package email reads attachments out of RFC 5322 messages, either from a
// local .eml file or fetched over IMAP.
package email

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailattach/internal/model"
)

// ParseMessage parses a raw message and returns its envelope and every
// attachment part. Attachment IDs are 1-based ordinals in MIME order, so
// the same message always yields the same IDs. messageID is assigned to
// every attachment; when empty the Message-Id header is used.
func ParseMessage(r io.Reader, messageID string) (*ParsedMessage, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, model.NewError(model.KindCorruptPayload, "parse message", fmt.Errorf("reading message header: %w", err))
	}
	defer mr.Close()

	env := envelopeFromHeader(mr.Header)
	if messageID == "" {
		messageID = env.MessageID
	}

	parsed := &ParsedMessage{Envelope: env}
	ordinal := 0
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return parsed, model.NewError(model.KindCorruptPayload, "parse message", fmt.Errorf("reading part: %w", err))
		}

		h, ok := part.Header.(*mail.AttachmentHeader)
		if !ok {
			continue
		}
		ordinal++

		body, err := io.ReadAll(part.Body)
		if err != nil {
			return parsed, model.NewError(
				model.KindCorruptPayload, "parse message",
				fmt.Errorf("reading attachment %d: %w", ordinal, err),
			)
		}

		filename, _ := h.Filename()
		contentType, _, _ := h.ContentType()
		if filename == "" {
			filename = "attachment-" + strconv.Itoa(ordinal)
		}

		parsed.Attachments = append(parsed.Attachments, Part{
			Attachment: model.Attachment{
				ID:          strconv.Itoa(ordinal),
				MessageID:   messageID,
				Name:        filename,
				ContentType: contentType,
				Size:        int64(len(body)),
			},
			Data: body,
		})
	}

	return parsed, nil
}

// ExtractAttachments parses raw and returns its attachments with the
// payload carried inline as base64, ready for resolution without any
// network access.
func ExtractAttachments(raw []byte, messageID string) ([]model.Attachment, error) {
	parsed, err := ParseMessage(bytes.NewReader(raw), messageID)
	if err != nil {
		return nil, err
	}

	atts := make([]model.Attachment, 0, len(parsed.Attachments))
	for _, p := range parsed.Attachments {
		a := p.Attachment
		a.EmbeddedData = base64.StdEncoding.EncodeToString(p.Data)
		atts = append(atts, a)
	}
	return atts, nil
}

// FindPart returns the attachment whose ordinal ID is id.
func (m *ParsedMessage) FindPart(id string) (Part, bool) {
	for _, p := range m.Attachments {
		if p.Attachment.ID == id {
			return p, true
		}
	}
	return Part{}, false
}

func envelopeFromHeader(h mail.Header) Envelope {
	var env Envelope
	env.MessageID, _ = h.MessageID()
	env.Subject, _ = h.Subject()
	env.Date, _ = h.Date()

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		if from[0].Name != "" {
			env.From = from[0].Name
		} else {
			env.From = from[0].Address
		}
	}
	return env
}
