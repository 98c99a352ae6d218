package attachment

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailattach/internal/model"
	"github.com/nhle/mailattach/internal/progress"
)

// Downloads copies a resolved file into the user-visible downloads
// location and returns the destination path.
type Downloads interface {
	Save(ctx context.Context, src string, name string) (string, error)
}

// Viewer hands a file to a platform viewer. A viewer that cannot render
// the content type returns a KindUnsupported error.
type Viewer interface {
	Open(ctx context.Context, path string, contentType string) error
}

// Notifier surfaces user-visible signals about attachment operations.
type Notifier interface {
	Notify(signal model.Signal)
}

// Service is the entry point for attachment operations. Each call moves
// through Resolving (0-99%) to either Ready or Failed with an error kind.
// Failed calls are not retried.
type Service struct {
	resolver  *Resolver
	downloads Downloads
	viewer    Viewer
	notifier  Notifier
	logger    *logrus.Logger
	now       func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithDownloads sets the downloads destination used by Download.
func WithDownloads(d Downloads) ServiceOption {
	return func(s *Service) { s.downloads = d }
}

// WithViewer sets the viewer used by Preview.
func WithViewer(v Viewer) ServiceOption {
	return func(s *Service) { s.viewer = v }
}

// WithNotifier sets the notifier receiving progress and outcome signals.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) { s.notifier = n }
}

// WithServiceLogger sets the service logger.
func WithServiceLogger(l *logrus.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// NewService creates a service on top of resolver.
func NewService(resolver *Resolver, opts ...ServiceOption) *Service {
	s := &Service{
		resolver: resolver,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logrus.New()
		s.logger.SetOutput(io.Discard)
	}
	return s
}

// Hub returns the progress hub callers can subscribe to.
func (s *Service) Hub() *progress.Hub {
	return s.resolver.Hub()
}

// Resolve returns a local path holding the attachment bytes. The path is
// not leased once Resolve returns; cached files are protected only by the
// retention window and embedded copies by the preview retention.
func (s *Service) Resolve(ctx context.Context, att model.Attachment) (string, error) {
	res, err := s.resolver.Resolve(ctx, att)
	if err != nil {
		return "", err
	}
	res.Keep()
	return res.Path, nil
}

// Download resolves att and copies it into the downloads location,
// preserving its display name. The copy is all-or-nothing.
func (s *Service) Download(ctx context.Context, att model.Attachment) (string, error) {
	if s.downloads == nil {
		return "", model.Errorf(model.KindStorageUnavailable, "download", "no downloads location configured")
	}

	unsubscribe := s.forwardProgress(att)
	defer unsubscribe()

	res, err := s.resolver.Resolve(ctx, att)
	if err != nil {
		s.fail(att, "download", err)
		return "", err
	}
	defer res.Release()

	name := att.Name
	if model.SafeName(name) == "" {
		name = filepath.Base(res.Path)
	}

	dst, err := s.downloads.Save(ctx, res.Path, name)
	if err != nil {
		s.fail(att, "download", err)
		return "", err
	}

	s.logger.WithFields(logrus.Fields{
		"key":    att.Key().String(),
		"source": res.Source,
		"path":   dst,
	}).Info("Attachment downloaded")
	s.notify(model.Signal{
		Key:     att.Key(),
		Name:    att.Name,
		State:   model.SignalReady,
		Percent: 100,
		Path:    dst,
		Message: "Saved " + filepath.Base(dst),
	})
	return dst, nil
}

// Preview resolves att and opens it in the viewer. When the viewer cannot
// render the content type, the resolved path is returned together with a
// KindUnsupported error so the caller can offer to download instead.
func (s *Service) Preview(ctx context.Context, att model.Attachment) (string, error) {
	if s.viewer == nil {
		return "", model.Errorf(model.KindUnsupported, "preview", "no viewer configured")
	}

	unsubscribe := s.forwardProgress(att)
	defer unsubscribe()

	res, err := s.resolver.Resolve(ctx, att)
	if err != nil {
		s.fail(att, "preview", err)
		return "", err
	}
	// The viewer may read the file after Open returns.
	defer res.Keep()

	if err := s.viewer.Open(ctx, res.Path, att.ContentType); err != nil {
		if model.IsKind(err, model.KindUnsupported) {
			s.notify(model.Signal{
				Key:     att.Key(),
				Name:    att.Name,
				State:   model.SignalUnsupported,
				Kind:    model.KindUnsupported,
				Path:    res.Path,
				Message: "No viewer for " + att.Name,
			})
			return res.Path, err
		}
		s.fail(att, "preview", err)
		return "", err
	}

	s.notify(model.Signal{
		Key:     att.Key(),
		Name:    att.Name,
		State:   model.SignalReady,
		Percent: 100,
		Path:    res.Path,
		Message: "Opened " + att.Name,
	})
	return res.Path, nil
}

// forwardProgress relays hub updates for att to the notifier until the
// returned function is called.
func (s *Service) forwardProgress(att model.Attachment) func() {
	if s.notifier == nil {
		return func() {}
	}
	key := att.Key()
	return s.resolver.Hub().Subscribe(key, func(percent int) {
		s.notify(model.Signal{
			Key:     key,
			Name:    att.Name,
			State:   model.SignalProgress,
			Percent: percent,
		})
	})
}

func (s *Service) fail(att model.Attachment, op string, err error) {
	kind := model.KindOf(err)
	s.logger.WithError(err).WithFields(logrus.Fields{
		"key":  att.Key().String(),
		"op":   op,
		"kind": kind,
	}).Warn("Attachment operation failed")

	s.notify(model.Signal{
		Key:     att.Key(),
		Name:    att.Name,
		State:   model.SignalFailed,
		Kind:    kind,
		Message: err.Error(),
	})
}

func (s *Service) notify(sig model.Signal) {
	if s.notifier == nil {
		return
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = s.now()
	}
	s.notifier.Notify(sig)
}
