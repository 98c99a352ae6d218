package model

import (
	"path/filepath"
	"strings"
)

// SourceKind identifies where the bytes of an attachment were obtained.
type SourceKind string

const (
	SourceCache     SourceKind = "cache"
	SourceRemoteAPI SourceKind = "remote_api"
	SourceEmbedded  SourceKind = "embedded"
	SourceDirectURL SourceKind = "direct_url"
)

// SourceOrder is the fixed priority in which sources are attempted.
var SourceOrder = []SourceKind{
	SourceCache,
	SourceRemoteAPI,
	SourceEmbedded,
	SourceDirectURL,
}

// Attachment is a binary object referenced by a mail message. It is an
// immutable input to a single resolution; any combination of URL and
// EmbeddedData may be present alongside the remote identifiers.
type Attachment struct {
	// ID is the attachment identifier assigned by the mail service.
	ID string `json:"id"`

	// MessageID identifies the message the attachment belongs to.
	MessageID string `json:"message_id"`

	// Name is the display file name (e.g., "invoice.pdf").
	Name string `json:"name"`

	// ContentType is the MIME type reported by the mail service.
	ContentType string `json:"content_type"`

	// Size is the expected decoded size in bytes, or 0 when unknown.
	Size int64 `json:"size"`

	// URL is an optional direct-download location.
	URL string `json:"url,omitempty"`

	// EmbeddedData is optional base64 payload already held in memory.
	EmbeddedData string `json:"embedded_data,omitempty"`
}

// Key returns the cache key for the attachment. Attachments without any
// identifier are keyed by their URL so that unrelated downloads do not
// share an entry.
func (a Attachment) Key() CacheKey {
	if a.MessageID == "" && a.ID == "" && a.HasURL() {
		return DeriveURLKey(strings.TrimSpace(a.URL))
	}
	return DeriveKey(a.MessageID, a.ID)
}

// HasRemote reports whether the attachment can be fetched from the mail
// service by identifier.
func (a Attachment) HasRemote() bool {
	return a.MessageID != "" && a.ID != ""
}

// HasEmbedded reports whether an inline payload is present.
func (a Attachment) HasEmbedded() bool {
	return strings.TrimSpace(a.EmbeddedData) != ""
}

// HasURL reports whether a direct download location is present.
func (a Attachment) HasURL() bool {
	return strings.TrimSpace(a.URL) != ""
}

// Extension returns the lower-cased extension of the display name,
// including the leading dot, or "" when the name has none.
func (a Attachment) Extension() string {
	return strings.ToLower(filepath.Ext(SafeName(a.Name)))
}

// SafeName reduces a display name to a single path element that is safe
// to join under a directory. Separators and leading dots are stripped.
func SafeName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = strings.TrimLeft(name, ".")
	if name == "" || name == "/" {
		return ""
	}

	return strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, r == 0x7f:
			return -1
		case strings.ContainsRune(`<>:"|?*`, r):
			return '_'
		}
		return r
	}, name)
}
