// Package attachment resolves attachments to local files through a fixed
// fallback chain and exposes the download and preview operations built on
// top of it.
package attachment

import (
	"context"
	"io"
	"time"

	"github.com/nhle/mailattach/internal/cache"
	"github.com/nhle/mailattach/internal/model"
)

// TokenProvider supplies the bearer token for the remote mail service.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// RemoteFetcher downloads an attachment by its message and attachment
// identifiers. progress, if set, receives bytes read and the total (or -1
// when unknown).
type RemoteFetcher interface {
	FetchAttachment(
		ctx context.Context,
		att model.Attachment,
		token string,
		progress func(done, total int64),
	) ([]byte, error)
}

// URLFetcher opens a streaming download of a direct URL, returning the
// body and its declared length (-1 when unknown).
type URLFetcher interface {
	Open(ctx context.Context, url string) (io.ReadCloser, int64, error)
}

// Cache is the subset of the cache store used by the resolver.
type Cache interface {
	Find(key model.CacheKey, displayName string, expectedSize int64) (string, bool)
	Write(ctx context.Context, key model.CacheKey, data []byte, meta cache.WriteMeta) (string, error)
	WriteStream(
		ctx context.Context,
		key model.CacheKey,
		r io.Reader,
		meta cache.WriteMeta,
		onWrite func(written int64),
	) (string, error)
	WriteTemp(ctx context.Context, name string, data []byte) (string, error)
	RemoveTemp(path string) error
	Acquire(path string) (release func())
}

// Observer is notified of every resolution and every failed step of the
// fallback chain.
type Observer interface {
	ObserveResolve(source model.SourceKind, err error, elapsed time.Duration)
	ObserveAttempt(source model.SourceKind, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveResolve(model.SourceKind, error, time.Duration) {}
func (nopObserver) ObserveAttempt(model.SourceKind, error)                {}

var _ Cache = (*cache.Store)(nil)
