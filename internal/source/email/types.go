package email

import (
	"time"

	"github.com/nhle/mailattach/internal/model"
)

// Envelope holds the header fields of a parsed message.
type Envelope struct {
	MessageID string
	Subject   string
	From      string
	Date      time.Time
}

// ParsedMessage is a message reduced to its envelope and attachments.
type ParsedMessage struct {
	Envelope    Envelope
	Attachments []Part
}

// Part is one attachment of a parsed message together with its decoded
// bytes.
type Part struct {
	Attachment model.Attachment
	Data       []byte
}
