package model

import "time"

// SignalState is the user-visible outcome taxonomy surfaced to the UI
// layer for an attachment operation.
type SignalState string

const (
	SignalProgress    SignalState = "progress"
	SignalReady       SignalState = "ready"
	SignalFailed      SignalState = "failed"
	SignalUnsupported SignalState = "unsupported"
)

// Signal is a notification about an attachment download or preview.
type Signal struct {
	// Key is the cache key of the attachment concerned.
	Key CacheKey `json:"key"`

	// Name is the attachment display name.
	Name string `json:"name"`

	// State is the outcome being reported.
	State SignalState `json:"state"`

	// Percent carries progress for SignalProgress and 100 for SignalReady.
	Percent int `json:"percent"`

	// Kind classifies the failure for SignalFailed.
	Kind ErrorKind `json:"kind,omitempty"`

	// Path is the resulting local file, if any.
	Path string `json:"path,omitempty"`

	// Message is the human-readable text for the signal.
	Message string `json:"message"`

	// CreatedAt is when the signal was generated.
	CreatedAt time.Time `json:"created_at"`
}
