package attachment_test

import (
	"context"
	"encoding/base64"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailattach/internal/attachment"
	"github.com/nhle/mailattach/internal/model"
)

type fakeDownloads struct {
	dir string
	err error
}

func (d *fakeDownloads) Save(_ context.Context, src string, name string) (string, error) {
	if d.err != nil {
		return "", d.err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(d.dir, name)
	return dst, os.WriteFile(dst, data, 0o644)
}

type fakeViewer struct {
	err    error
	opened []string
}

func (v *fakeViewer) Open(_ context.Context, path string, _ string) error {
	v.opened = append(v.opened, path)
	return v.err
}

type recordingNotifier struct {
	mu      sync.Mutex
	signals []model.Signal
}

func (n *recordingNotifier) Notify(s model.Signal) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.signals = append(n.signals, s)
}

func (n *recordingNotifier) last() model.Signal {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.signals[len(n.signals)-1]
}

func (n *recordingNotifier) states() []model.SignalState {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []model.SignalState
	for _, s := range n.signals {
		out = append(out, s.State)
	}
	return out
}

func TestServiceResolve(t *testing.T) {
	f := newFixture(t, serveAPI([]byte("hello")), status(http.StatusNotFound))
	svc := attachment.NewService(f.resolver)
	att := model.Attachment{ID: "a1", MessageID: "m1", Name: "hello.txt"}

	path, err := svc.Resolve(context.Background(), att)
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.False(t, f.store.InUse(path))
}

func TestServiceDownload(t *testing.T) {
	f := newFixture(t, serveAPI([]byte("%PDF")), status(http.StatusNotFound))
	notifier := &recordingNotifier{}
	downloads := &fakeDownloads{dir: t.TempDir()}
	svc := attachment.NewService(f.resolver,
		attachment.WithDownloads(downloads),
		attachment.WithNotifier(notifier),
	)
	att := model.Attachment{ID: "a1", MessageID: "m1", Name: "invoice.pdf"}

	dst, err := svc.Download(context.Background(), att)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(downloads.dir, "invoice.pdf"), dst)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(got))

	last := notifier.last()
	assert.Equal(t, model.SignalReady, last.State)
	assert.Equal(t, dst, last.Path)
	assert.False(t, last.CreatedAt.IsZero())
	assert.Contains(t, notifier.states(), model.SignalProgress)

	assert.Zero(t, svc.Hub().Subscribers(att.Key()), "progress subscription must be dropped")
}

func TestServiceDownloadFailureNotifiesKind(t *testing.T) {
	f := newFixture(t, status(http.StatusNotFound), status(http.StatusNotFound))
	notifier := &recordingNotifier{}
	svc := attachment.NewService(f.resolver,
		attachment.WithDownloads(&fakeDownloads{dir: t.TempDir()}),
		attachment.WithNotifier(notifier),
	)
	att := model.Attachment{ID: "a1", MessageID: "m1", Name: "gone.pdf"}

	_, err := svc.Download(context.Background(), att)
	require.Error(t, err)

	last := notifier.last()
	assert.Equal(t, model.SignalFailed, last.State)
	assert.Equal(t, model.KindUnresolvable, last.Kind)
	assert.Zero(t, svc.Hub().Subscribers(att.Key()))
}

func TestServiceDownloadSaveFailure(t *testing.T) {
	f := newFixture(t, serveAPI([]byte("data")), status(http.StatusNotFound))
	notifier := &recordingNotifier{}
	saveErr := model.Errorf(model.KindStorageUnavailable, "save", "disk full")
	svc := attachment.NewService(f.resolver,
		attachment.WithDownloads(&fakeDownloads{err: saveErr}),
		attachment.WithNotifier(notifier),
	)

	_, err := svc.Download(context.Background(), model.Attachment{ID: "a1", MessageID: "m1", Name: "a.txt"})
	require.ErrorIs(t, err, saveErr)
	assert.Equal(t, model.KindStorageUnavailable, notifier.last().Kind)
}

func TestServiceDownloadWithoutDestination(t *testing.T) {
	f := newFixture(t, serveAPI([]byte("data")), status(http.StatusNotFound))
	svc := attachment.NewService(f.resolver)

	_, err := svc.Download(context.Background(), model.Attachment{ID: "a1", MessageID: "m1"})
	assert.Equal(t, model.KindStorageUnavailable, model.KindOf(err))
}

func TestServicePreview(t *testing.T) {
	f := newFixture(t, serveAPI([]byte("img")), status(http.StatusNotFound))
	viewer := &fakeViewer{}
	notifier := &recordingNotifier{}
	svc := attachment.NewService(f.resolver, attachment.WithViewer(viewer), attachment.WithNotifier(notifier))
	att := model.Attachment{ID: "a1", MessageID: "m1", Name: "photo.png", ContentType: "image/png"}

	path, err := svc.Preview(context.Background(), att)
	require.NoError(t, err)

	assert.Equal(t, []string{path}, viewer.opened)
	assert.Equal(t, model.SignalReady, notifier.last().State)
}

func TestServicePreviewUnsupportedCarriesPath(t *testing.T) {
	f := newFixture(t, serveAPI([]byte("bin")), status(http.StatusNotFound))
	viewer := &fakeViewer{err: model.Errorf(model.KindUnsupported, "open viewer", "no handler")}
	notifier := &recordingNotifier{}
	svc := attachment.NewService(f.resolver, attachment.WithViewer(viewer), attachment.WithNotifier(notifier))
	att := model.Attachment{ID: "a1", MessageID: "m1", Name: "data.xyz"}

	path, err := svc.Preview(context.Background(), att)
	require.Error(t, err)
	assert.Equal(t, model.KindUnsupported, model.KindOf(err))
	assert.FileExists(t, path)

	last := notifier.last()
	assert.Equal(t, model.SignalUnsupported, last.State)
	assert.Equal(t, path, last.Path)
}

func TestServicePreviewViewerFailure(t *testing.T) {
	f := newFixture(t, serveAPI([]byte("bin")), status(http.StatusNotFound))
	viewer := &fakeViewer{err: model.Errorf(model.KindStorageUnavailable, "open viewer", "exec failed")}
	notifier := &recordingNotifier{}
	svc := attachment.NewService(f.resolver, attachment.WithViewer(viewer), attachment.WithNotifier(notifier))

	path, err := svc.Preview(context.Background(), model.Attachment{ID: "a1", MessageID: "m1", Name: "a.txt"})
	require.Error(t, err)
	assert.Empty(t, path)
	assert.Equal(t, model.SignalFailed, notifier.last().State)
}

func TestServiceDownloadEmbeddedRemovesSessionCopy(t *testing.T) {
	f := newFixture(t, status(http.StatusInternalServerError), status(http.StatusNotFound))
	downloads := &fakeDownloads{dir: t.TempDir()}
	svc := attachment.NewService(f.resolver, attachment.WithDownloads(downloads))
	att := model.Attachment{Name: "note.txt", EmbeddedData: base64.StdEncoding.EncodeToString([]byte("inline"))}

	dst, err := svc.Download(context.Background(), att)
	require.NoError(t, err)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "inline", string(got))

	entries, err := os.ReadDir(f.store.PreviewDir())
	require.NoError(t, err)
	assert.Empty(t, entries, "session copy must be removed once downloaded")
}

func TestServicePreviewEmbeddedKeepsFileForViewer(t *testing.T) {
	f := newFixture(t, status(http.StatusInternalServerError), status(http.StatusNotFound))
	viewer := &fakeViewer{}
	svc := attachment.NewService(f.resolver, attachment.WithViewer(viewer))
	att := model.Attachment{Name: "note.txt", EmbeddedData: base64.StdEncoding.EncodeToString([]byte("inline"))}

	path, err := svc.Preview(context.Background(), att)
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.False(t, f.store.InUse(path))
}
