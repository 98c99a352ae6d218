package attachment_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailattach/internal/attachment"
	"github.com/nhle/mailattach/internal/cache"
	"github.com/nhle/mailattach/internal/credential"
	"github.com/nhle/mailattach/internal/model"
	"github.com/nhle/mailattach/internal/progress"
	"github.com/nhle/mailattach/internal/source/direct"
	"github.com/nhle/mailattach/internal/source/mailapi"
)

// fixture wires a resolver to a temp cache and httptest servers for the
// mail API and direct URLs.
type fixture struct {
	store    *cache.Store
	hub      *progress.Hub
	resolver *attachment.Resolver

	apiCalls atomic.Int32
	urlCalls atomic.Int32

	api *httptest.Server
	web *httptest.Server
}

func newFixture(t *testing.T, apiHandler, webHandler http.HandlerFunc, opts ...attachment.ResolverOption) *fixture {
	t.Helper()
	f := &fixture{hub: progress.NewHub()}

	root := t.TempDir()
	f.store = cache.NewStore(filepath.Join(root, "cache"), cache.WithPreviewDir(filepath.Join(root, "preview")))

	f.api = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.apiCalls.Add(1)
		apiHandler(w, r)
	}))
	t.Cleanup(f.api.Close)

	f.web = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.urlCalls.Add(1)
		webHandler(w, r)
	}))
	t.Cleanup(f.web.Close)

	opts = append([]attachment.ResolverOption{
		attachment.WithRemote(mailapi.NewClient(f.api.URL), credential.Static("tok")),
		attachment.WithURLFetcher(direct.NewClient(f.web.Client())),
	}, opts...)
	f.resolver = attachment.NewResolver(f.store, f.hub, opts...)
	return f
}

func (f *fixture) calls() int32 {
	return f.apiCalls.Load() + f.urlCalls.Load()
}

// record collects every progress value published for key.
func record(hub *progress.Hub, key model.CacheKey) (values func() []int, unsubscribe func()) {
	var mu sync.Mutex
	var got []int
	unsubscribe = hub.Subscribe(key, func(p int) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	})
	return func() []int {
		mu.Lock()
		defer mu.Unlock()
		return append([]int(nil), got...)
	}, unsubscribe
}

func status(code int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(code) }
}

func serveAPI(payload []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(mailapi.AttachmentResponse{
			Data: base64.RawURLEncoding.EncodeToString(payload),
			Size: int64(len(payload)),
		})
	}
}

func serveBytes(payload []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}
}

func TestResolveCacheHitMakesNoRequests(t *testing.T) {
	f := newFixture(t, serveAPI([]byte("remote")), serveBytes([]byte("web")))
	att := model.Attachment{ID: "a1", MessageID: "m1", Name: "invoice.pdf", URL: f.web.URL + "/invoice.pdf"}

	cached, err := f.store.Write(context.Background(), att.Key(), []byte("cached bytes"), cache.WriteMeta{Name: att.Name})
	require.NoError(t, err)

	values, unsubscribe := record(f.hub, att.Key())
	defer unsubscribe()

	res, err := f.resolver.Resolve(context.Background(), att)
	require.NoError(t, err)
	defer res.Release()

	assert.Equal(t, cached, res.Path)
	assert.Equal(t, model.SourceCache, res.Source)
	assert.Zero(t, f.calls())
	assert.Equal(t, []int{100}, values())
}

func TestResolveRemoteThenCached(t *testing.T) {
	payload := []byte("%PDF remote payload")
	f := newFixture(t, serveAPI(payload), status(http.StatusNotFound))
	att := model.Attachment{ID: "a1", MessageID: "m1", Name: "invoice.pdf"}

	first, err := f.resolver.Resolve(context.Background(), att)
	require.NoError(t, err)
	first.Release()
	assert.Equal(t, model.SourceRemoteAPI, first.Source)
	assert.Equal(t, int32(1), f.apiCalls.Load())

	got, err := os.ReadFile(first.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	second, err := f.resolver.Resolve(context.Background(), att)
	require.NoError(t, err)
	second.Release()

	assert.Equal(t, model.SourceCache, second.Source)
	assert.Equal(t, first.Path, second.Path)
	assert.Equal(t, int32(1), f.apiCalls.Load(), "second resolve must not touch the network")
}

func TestResolveFallsBackToURLWhenRemoteMissing(t *testing.T) {
	payload := []byte(strings.Repeat("invoice-", 512))
	f := newFixture(t, status(http.StatusNotFound), serveBytes(payload))
	att := model.Attachment{ID: "a1", MessageID: "m1", Name: "invoice.pdf", URL: f.web.URL + "/files/42"}

	values, unsubscribe := record(f.hub, att.Key())
	defer unsubscribe()

	res, err := f.resolver.Resolve(context.Background(), att)
	require.NoError(t, err)
	defer res.Release()

	assert.Equal(t, model.SourceDirectURL, res.Source)
	assert.True(t, strings.HasSuffix(res.Path, "invoice.pdf"))

	got := values()
	require.NotEmpty(t, got)
	assert.Equal(t, 100, got[len(got)-1])
	assert.IsIncreasing(t, got)

	_, active := f.hub.Current(att.Key())
	assert.False(t, active, "progress record must be cleared")

	// The URL download lands in the shared cache.
	p, ok := f.store.Find(att.Key(), att.Name, 0)
	require.True(t, ok)
	assert.Equal(t, res.Path, p)
}

func TestResolveURLWithoutNameUsesURLPath(t *testing.T) {
	f := newFixture(t, status(http.StatusNotFound), serveBytes([]byte("x")))
	att := model.Attachment{ID: "a1", MessageID: "m1", URL: f.web.URL + "/dl/report.csv?sig=abc"}

	res, err := f.resolver.Resolve(context.Background(), att)
	require.NoError(t, err)
	defer res.Release()

	assert.True(t, strings.HasSuffix(res.Path, "_report.csv"))
}

func TestResolveRemoteFailureThenEmbedded(t *testing.T) {
	payload := []byte("inline image bytes")
	f := newFixture(t, status(http.StatusInternalServerError), status(http.StatusNotFound))
	att := model.Attachment{
		ID: "a1", MessageID: "m1", Name: "photo.png",
		EmbeddedData: base64.URLEncoding.EncodeToString(payload),
	}

	res, err := f.resolver.Resolve(context.Background(), att)
	require.NoError(t, err)
	defer res.Release()

	assert.Equal(t, model.SourceEmbedded, res.Source)
	assert.Equal(t, "photo.png", filepath.Base(res.Path))
	assert.False(t, strings.HasPrefix(res.Path, f.store.Dir()), "embedded payloads stay out of the shared cache")

	got, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Zero(t, f.urlCalls.Load())
}

func TestResolveTokenFailureContinuesChain(t *testing.T) {
	payload := []byte("from the web")
	f := newFixture(t, serveAPI([]byte("unused")), serveBytes(payload),
		attachment.WithRemote(mailapi.NewClient("http://unused.invalid"), credential.Static("")))
	att := model.Attachment{ID: "a1", MessageID: "m1", Name: "a.txt", URL: f.web.URL + "/a.txt"}

	res, err := f.resolver.Resolve(context.Background(), att)
	require.NoError(t, err)
	defer res.Release()

	assert.Equal(t, model.SourceDirectURL, res.Source)
	assert.Zero(t, f.apiCalls.Load())
}

func TestResolveUnresolvableListsAttempts(t *testing.T) {
	f := newFixture(t, status(http.StatusUnauthorized), status(http.StatusNotFound))
	att := model.Attachment{
		ID: "a1", MessageID: "m1", Name: "x.bin",
		EmbeddedData: "!!not base64!!",
		URL:          f.web.URL + "/x.bin",
	}

	_, err := f.resolver.Resolve(context.Background(), att)
	require.Error(t, err)
	assert.Equal(t, model.KindUnresolvable, model.KindOf(err))
	assert.True(t, model.IsAuthRequired(err))

	var unresolvable *model.UnresolvableError
	require.True(t, errors.As(err, &unresolvable))
	require.Len(t, unresolvable.Attempts, 3)
	assert.Equal(t, model.SourceRemoteAPI, unresolvable.Attempts[0].Source)
	assert.Equal(t, model.KindAuthRequired, model.KindOf(unresolvable.Attempts[0].Err))
	assert.Equal(t, model.SourceEmbedded, unresolvable.Attempts[1].Source)
	assert.Equal(t, model.KindCorruptPayload, model.KindOf(unresolvable.Attempts[1].Err))
	assert.Equal(t, model.SourceDirectURL, unresolvable.Attempts[2].Source)
	assert.Equal(t, model.KindNotFound, model.KindOf(unresolvable.Attempts[2].Err))

	_, active := f.hub.Current(att.Key())
	assert.False(t, active)
}

func TestResolveWithNoApplicableSource(t *testing.T) {
	store := cache.NewStore(t.TempDir())
	r := attachment.NewResolver(store, progress.NewHub())

	_, err := r.Resolve(context.Background(), model.Attachment{Name: "orphan.txt"})
	var unresolvable *model.UnresolvableError
	require.True(t, errors.As(err, &unresolvable))
	assert.Empty(t, unresolvable.Attempts)
}

func TestResolveCancellationClearsProgressAndLeavesNoFile(t *testing.T) {
	firstChunk := make(chan struct{})
	web := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100000")
		w.Write(make([]byte, 1000))
		w.(http.Flusher).Flush()
		close(firstChunk)
		<-r.Context().Done()
	}
	f := newFixture(t, status(http.StatusNotFound), web)
	att := model.Attachment{ID: "a1", MessageID: "m1", Name: "big.iso", URL: f.web.URL + "/big.iso"}
	_, err := f.store.EnsureDirectory()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-firstChunk
		cancel()
	}()

	_, err = f.resolver.Resolve(ctx, att)
	require.Error(t, err)
	assert.Equal(t, model.KindCanceled, model.KindOf(err))
	assert.True(t, attachment.IsCanceled(err))

	_, active := f.hub.Current(att.Key())
	assert.False(t, active)

	_, ok := f.store.Find(att.Key(), att.Name, 0)
	assert.False(t, ok)

	entries, err := os.ReadDir(f.store.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries, "partial download must not remain")
}

func TestResolveReportsToObserver(t *testing.T) {
	obs := &recordingObserver{}
	f := newFixture(t, status(http.StatusBadGateway), serveBytes([]byte("ok")), attachment.WithObserver(obs))
	att := model.Attachment{ID: "a1", MessageID: "m1", Name: "a.txt", URL: f.web.URL + "/a"}

	res, err := f.resolver.Resolve(context.Background(), att)
	require.NoError(t, err)
	res.Release()

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []model.SourceKind{model.SourceDirectURL}, obs.resolved)
	assert.Equal(t, []model.SourceKind{model.SourceRemoteAPI}, obs.failed)
}

func TestResolveLeasesPathUntilRelease(t *testing.T) {
	f := newFixture(t, serveAPI([]byte("payload")), status(http.StatusNotFound))
	att := model.Attachment{ID: "a1", MessageID: "m1", Name: "a.txt"}

	res, err := f.resolver.Resolve(context.Background(), att)
	require.NoError(t, err)
	assert.True(t, f.store.InUse(res.Path))

	res.Release()
	res.Release()
	assert.False(t, f.store.InUse(res.Path))
}

func TestResolveCoalescedSharesResult(t *testing.T) {
	f := newFixture(t, serveAPI([]byte("shared")), status(http.StatusNotFound), attachment.WithCoalescing(true))
	att := model.Attachment{ID: "a1", MessageID: "m1", Name: "a.txt"}

	var wg sync.WaitGroup
	paths := make([]string, 4)
	for i := range paths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.resolver.Resolve(context.Background(), att)
			if assert.NoError(t, err) {
				paths[i] = res.Path
				res.Release()
			}
		}(i)
	}
	wg.Wait()

	for _, p := range paths {
		assert.Equal(t, paths[0], p)
	}
	assert.GreaterOrEqual(t, f.apiCalls.Load(), int32(1))
	assert.False(t, f.store.InUse(paths[0]))
}

type recordingObserver struct {
	mu       sync.Mutex
	resolved []model.SourceKind
	failed   []model.SourceKind
}

func (o *recordingObserver) ObserveResolve(source model.SourceKind, err error, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err == nil {
		o.resolved = append(o.resolved, source)
	}
}

func (o *recordingObserver) ObserveAttempt(source model.SourceKind, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, source)
}

func TestResolveNamelessURLTwiceHitsCache(t *testing.T) {
	f := newFixture(t, status(http.StatusNotFound), serveBytes([]byte("a,b,c")))
	att := model.Attachment{ID: "a1", MessageID: "m1", URL: f.web.URL + "/dl/report.csv"}

	first, err := f.resolver.Resolve(context.Background(), att)
	require.NoError(t, err)
	first.Release()
	require.Equal(t, model.SourceDirectURL, first.Source)
	before := f.calls()

	second, err := f.resolver.Resolve(context.Background(), att)
	require.NoError(t, err)
	second.Release()

	assert.Equal(t, model.SourceCache, second.Source)
	assert.Equal(t, first.Path, second.Path)
	assert.Equal(t, before, f.calls())
}

func TestResolveIgnoresNameChangeForSameKey(t *testing.T) {
	f := newFixture(t, serveAPI([]byte("%PDF")), status(http.StatusNotFound))
	att := model.Attachment{ID: "a1", MessageID: "m1", Name: "invoice.pdf"}

	first, err := f.resolver.Resolve(context.Background(), att)
	require.NoError(t, err)
	first.Release()

	for _, name := range []string{"", "renamed.pdf", "invoice (copy).txt"} {
		again := att
		again.Name = name

		res, err := f.resolver.Resolve(context.Background(), again)
		require.NoError(t, err)
		res.Release()

		assert.Equal(t, model.SourceCache, res.Source, "name %q", name)
		assert.Equal(t, first.Path, res.Path, "name %q", name)
	}
	assert.Equal(t, int32(1), f.apiCalls.Load())
}

func TestResolveURLOnlyAttachmentsDoNotShareEntries(t *testing.T) {
	f := newFixture(t, status(http.StatusNotFound), func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.URL.Path))
	})
	a := model.Attachment{URL: f.web.URL + "/a.txt"}
	b := model.Attachment{URL: f.web.URL + "/b.txt"}

	resA, err := f.resolver.Resolve(context.Background(), a)
	require.NoError(t, err)
	resA.Release()
	resB, err := f.resolver.Resolve(context.Background(), b)
	require.NoError(t, err)
	resB.Release()

	assert.Equal(t, model.SourceDirectURL, resB.Source)
	got, err := os.ReadFile(resB.Path)
	require.NoError(t, err)
	assert.Equal(t, "/b.txt", string(got))

	again, err := f.resolver.Resolve(context.Background(), a)
	require.NoError(t, err)
	again.Release()
	assert.Equal(t, model.SourceCache, again.Source)
	assert.Equal(t, int32(2), f.urlCalls.Load())
}

func TestResolveEmbeddedReleaseRemovesSessionCopy(t *testing.T) {
	f := newFixture(t, status(http.StatusInternalServerError), status(http.StatusNotFound))
	att := model.Attachment{Name: "note.txt", EmbeddedData: base64.StdEncoding.EncodeToString([]byte("hi"))}

	for i := 0; i < 3; i++ {
		res, err := f.resolver.Resolve(context.Background(), att)
		require.NoError(t, err)
		require.Equal(t, model.SourceEmbedded, res.Source)
		assert.FileExists(t, res.Path)

		res.Release()
		assert.NoDirExists(t, filepath.Dir(res.Path))
	}

	entries, err := os.ReadDir(f.store.PreviewDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestResolveEmbeddedKeepLeavesSessionCopy(t *testing.T) {
	f := newFixture(t, status(http.StatusInternalServerError), status(http.StatusNotFound))
	att := model.Attachment{Name: "note.txt", EmbeddedData: base64.StdEncoding.EncodeToString([]byte("hi"))}

	res, err := f.resolver.Resolve(context.Background(), att)
	require.NoError(t, err)
	res.Keep()

	assert.FileExists(t, res.Path)
	assert.False(t, f.store.InUse(res.Path))
}

func TestResolveLeaseIsHeldOnReturn(t *testing.T) {
	f := newFixture(t, serveAPI([]byte("payload")), status(http.StatusNotFound))
	att := model.Attachment{ID: "a1", MessageID: "m1", Name: "a.txt"}

	first, err := f.resolver.Resolve(context.Background(), att)
	require.NoError(t, err)
	second, err := f.resolver.Resolve(context.Background(), att)
	require.NoError(t, err)
	require.Equal(t, model.SourceCache, second.Source)

	first.Release()
	assert.True(t, f.store.InUse(second.Path), "each resolution holds its own lease")
	second.Release()
	assert.False(t, f.store.InUse(second.Path))
}
