package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/nhle/mailattach/internal/cache"
	"github.com/nhle/mailattach/internal/model"
	"github.com/nhle/mailattach/internal/progress"
)

// Resolution is the outcome of a successful resolve.
type Resolution struct {
	// Path is the local file holding the attachment bytes.
	Path string

	// Source is the step of the chain that produced Path.
	Source model.SourceKind

	release func()
	discard func()
}

// Release ends the caller's hold on Path. Until then the evictor will not
// remove it. A session copy of an embedded payload is deleted. Safe to call
// more than once.
func (r Resolution) Release() {
	r.Keep()
	if r.discard != nil {
		r.discard()
	}
}

// Keep ends the caller's hold on Path but leaves a session copy on disk
// for the evictor to collect. Use it when Path outlives the call, as with
// an external viewer.
func (r Resolution) Keep() {
	if r.release != nil {
		r.release()
	}
}

// Resolver turns an attachment into a local file by trying, in order, the
// cache, the remote mail service, the embedded payload and the direct URL.
// The first step that succeeds wins.
type Resolver struct {
	cache    Cache
	hub      *progress.Hub
	tokens   TokenProvider
	remote   RemoteFetcher
	urls     URLFetcher
	logger   *logrus.Logger
	observer Observer

	coalesce bool
	group    singleflight.Group
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithRemote enables the remote step using fetcher and tokens.
func WithRemote(fetcher RemoteFetcher, tokens TokenProvider) ResolverOption {
	return func(r *Resolver) {
		r.remote = fetcher
		r.tokens = tokens
	}
}

// WithURLFetcher enables the direct URL step.
func WithURLFetcher(f URLFetcher) ResolverOption {
	return func(r *Resolver) { r.urls = f }
}

// WithResolverLogger sets the logger for chain diagnostics.
func WithResolverLogger(l *logrus.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = l }
}

// WithObserver reports resolutions to o.
func WithObserver(o Observer) ResolverOption {
	return func(r *Resolver) { r.observer = o }
}

// WithCoalescing shares one in-flight resolution between concurrent
// callers asking for the same attachment. The shared resolution runs
// under the first caller's context.
func WithCoalescing(enabled bool) ResolverOption {
	return func(r *Resolver) { r.coalesce = enabled }
}

// NewResolver creates a resolver over c that reports progress to hub.
func NewResolver(c Cache, hub *progress.Hub, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		cache:    c,
		hub:      hub,
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logrus.New()
		r.logger.SetOutput(io.Discard)
	}
	return r
}

// Hub returns the progress hub the resolver reports to.
func (r *Resolver) Hub() *progress.Hub {
	return r.hub
}

// Resolve returns a local file for att. The progress record for the
// attachment's key is cleared when Resolve returns, whatever the outcome.
// The path is leased from the moment it is found or written; the caller
// must Release (or Keep) the resolution once done with it.
func (r *Resolver) Resolve(ctx context.Context, att model.Attachment) (Resolution, error) {
	start := time.Now()

	var res Resolution
	var err error
	if r.coalesce {
		var v interface{}
		var shared bool
		v, err, shared = r.group.Do(string(att.Key()), func() (interface{}, error) {
			return r.resolve(ctx, att)
		})
		if err == nil {
			res = v.(Resolution)
			if shared {
				res = r.share(res)
			}
		}
	} else {
		res, err = r.resolve(ctx, att)
	}

	r.observer.ObserveResolve(res.Source, err, time.Since(start))
	if err != nil {
		return Resolution{}, err
	}
	return res, nil
}

// share gives one caller of a coalesced resolution its own lease. The
// session copy of an embedded payload is left to the evictor since other
// callers may still be reading it.
func (r *Resolver) share(res Resolution) Resolution {
	own := r.cache.Acquire(res.Path)
	res.Keep()
	return Resolution{Path: res.Path, Source: res.Source, release: own}
}

func (r *Resolver) resolve(ctx context.Context, att model.Attachment) (Resolution, error) {
	key := att.Key()
	log := r.logger.WithFields(logrus.Fields{"key": key.String(), "name": att.Name})

	r.hub.Begin(key)
	defer r.hub.End(key)

	if err := ctx.Err(); err != nil {
		return Resolution{}, model.Canceled("resolve", err)
	}

	if p, ok := r.cache.Find(key, att.Name, att.Size); ok {
		r.hub.Update(key, 100)
		log.WithField("path", p).Debug("Cache hit")
		return r.lease(p, model.SourceCache), nil
	}

	var attempts []model.Attempt
	for _, source := range model.SourceOrder {
		step := r.step(source, att)
		if step == nil {
			continue
		}

		p, err := step(ctx, att, key)
		if err == nil {
			r.hub.Update(key, 100)
			log.WithFields(logrus.Fields{"source": source, "path": p}).Debug("Attachment resolved")
			return r.lease(p, source), nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil || model.IsKind(err, model.KindCanceled) {
			if ctxErr == nil {
				ctxErr = err
			}
			return Resolution{}, model.Canceled("resolve", ctxErr)
		}

		r.observer.ObserveAttempt(source, err)
		log.WithError(err).WithField("source", source).Info("Attachment source failed, trying next")
		attempts = append(attempts, model.Attempt{Source: source, Err: err})
	}

	return Resolution{}, &model.UnresolvableError{Key: key, Attempts: attempts}
}

// lease takes the evictor lease on p for the resolution being returned.
func (r *Resolver) lease(p string, source model.SourceKind) Resolution {
	res := Resolution{Path: p, Source: source, release: r.cache.Acquire(p)}
	if source == model.SourceEmbedded {
		res.discard = func() {
			if err := r.cache.RemoveTemp(p); err != nil {
				r.logger.WithError(err).WithField("path", p).Warn("Failed to remove preview copy")
			}
		}
	}
	return res
}

type stepFunc func(ctx context.Context, att model.Attachment, key model.CacheKey) (string, error)

// step returns the fetch function for source, or nil when the source is
// not applicable to att or not configured.
func (r *Resolver) step(source model.SourceKind, att model.Attachment) stepFunc {
	switch source {
	case model.SourceRemoteAPI:
		if r.remote != nil && att.HasRemote() {
			return r.fetchRemote
		}
	case model.SourceEmbedded:
		if att.HasEmbedded() {
			return r.fetchEmbedded
		}
	case model.SourceDirectURL:
		if r.urls != nil && att.HasURL() {
			return r.fetchURL
		}
	}
	return nil
}

func (r *Resolver) fetchRemote(ctx context.Context, att model.Attachment, key model.CacheKey) (string, error) {
	if r.tokens == nil {
		return "", model.Errorf(model.KindAuthRequired, "remote fetch", "no token provider configured")
	}

	token, err := r.tokens.Token(ctx)
	if err != nil {
		if model.KindOf(err) == model.KindCanceled {
			return "", err
		}
		return "", model.NewError(model.KindAuthRequired, "remote fetch", fmt.Errorf("obtaining token: %w", err))
	}

	data, err := r.remote.FetchAttachment(ctx, att, token, func(done, total int64) {
		if total <= 0 {
			total = att.Size
		}
		r.hub.Update(key, progress.Percent(done, total))
	})
	if err != nil {
		return "", err
	}

	return r.cache.Write(ctx, key, data, cache.WriteMeta{
		Name:        att.Name,
		ContentType: att.ContentType,
		Source:      model.SourceRemoteAPI,
	})
}

func (r *Resolver) fetchEmbedded(ctx context.Context, att model.Attachment, key model.CacheKey) (string, error) {
	data, err := model.DecodePayload(att.EmbeddedData)
	if err != nil {
		return "", err
	}
	r.hub.Update(key, 50)

	return r.cache.WriteTemp(ctx, att.Name, data)
}

func (r *Resolver) fetchURL(ctx context.Context, att model.Attachment, key model.CacheKey) (string, error) {
	body, length, err := r.urls.Open(ctx, att.URL)
	if err != nil {
		return "", err
	}
	defer body.Close()

	total := length
	if total <= 0 {
		total = att.Size
	}

	name := att.Name
	if name == "" {
		name = nameFromURL(att.URL)
	}

	return r.cache.WriteStream(ctx, key, body, cache.WriteMeta{
		Name:        name,
		ContentType: att.ContentType,
		Expected:    length,
		Source:      model.SourceDirectURL,
	}, func(written int64) {
		r.hub.Update(key, progress.Percent(written, total))
	})
}

// nameFromURL returns the last path element of rawURL, or "".
func nameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" {
		return ""
	}
	return base
}

// IsCanceled reports whether err ended a resolution because its context
// was canceled.
func IsCanceled(err error) bool {
	return model.IsKind(err, model.KindCanceled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
