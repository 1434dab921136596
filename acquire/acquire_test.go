package acquire

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/fanart/acquire/internal/download"
	"github.com/hazyhaar/fanart/preview"
)

// fakeStrategy returns fixed candidates or a fixed error.
type fakeStrategy struct {
	method preview.Method
	cands  []preview.Candidate
	err    error
	block  bool // wait for the context instead of answering
	calls  atomic.Int32
}

func (f *fakeStrategy) Method() preview.Method { return f.method }

func (f *fakeStrategy) Acquire(ctx context.Context, t preview.Target) ([]preview.Candidate, error) {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	out := make([]preview.Candidate, len(f.cands))
	copy(out, f.cands)
	for i := range out {
		out[i].PageURL = t.URL
	}
	return out, f.err
}

// fakeImages serves bytes per URL; unknown URLs fail.
type fakeImages struct {
	mu    sync.Mutex
	data  map[string][]byte
	calls []string
	block bool // wait for the context instead of answering URL fetches
}

func (f *fakeImages) Fetch(ctx context.Context, ref download.Ref) (*download.Image, error) {
	if ref.DataURI == "" && f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if ref.DataURI != "" {
		ct, data, err := preview.ParseDataURI(ref.DataURI)
		if err != nil {
			return nil, err
		}
		return &download.Image{Data: data, ContentType: ct, SourceURL: ref.URL}, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ref.URL)
	data, ok := f.data[ref.URL]
	if !ok {
		return nil, &preview.StatusError{Code: 404}
	}
	return &download.Image{Data: data, ContentType: "image/png", SourceURL: ref.URL}, nil
}

func dataURI(ct string, b []byte) string {
	c := preview.Candidate{ContentType: ct, InlineData: b}
	return c.DataURI()
}

func cand(m preview.Method, u string, offset int) preview.Candidate {
	return preview.Candidate{Strategy: m, URL: u, Rank: preview.BandRank(m, offset)}
}

func newTestService(t *testing.T, opts ...Option) (*Service, *fakeImages) {
	t.Helper()
	t.Setenv("TW_BEARER", "")
	t.Setenv("PIXIV_SESSION", "")
	cfg := &Config{
		DBPath:          ":memory:",
		AllowPrivate:    true,
		DispatchTimeout: 5 * time.Second,
		Browser:         BrowserConfig{Disabled: true},
	}
	svc, err := New(cfg, nil, opts...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	imgs := &fakeImages{data: map[string][]byte{}}
	svc.images = imgs
	t.Cleanup(func() { svc.Close() })
	return svc, imgs
}

func TestAcquire_ForcedAPIWithoutCredentialDeclines(t *testing.T) {
	// WHAT: forcing the API strategy on a twitter URL with no token is a
	// decline, and no other strategy runs.
	// WHY: a forced outcome is final; falling back would hide the missing credential.
	lw := &fakeStrategy{method: preview.MethodLightweight, cands: []preview.Candidate{cand(preview.MethodLightweight, "https://pbs.twimg.com/media/a.jpg", 1)}}
	br := &fakeStrategy{method: preview.MethodBrowser, cands: []preview.Candidate{cand(preview.MethodBrowser, "https://pbs.twimg.com/media/b.jpg", 1)}}
	svc, _ := newTestService(t, WithStrategy(lw), WithStrategy(br))

	_, err := svc.Acquire(context.Background(), Request{
		URL:         "https://x.com/artist/status/1234567890",
		PreviewOnly: true,
		Force:       preview.MethodAPI,
	})
	if !errors.Is(err, preview.ErrDeclined) {
		t.Fatalf("err = %v, want ErrDeclined", err)
	}
	if lw.calls.Load() != 0 || br.calls.Load() != 0 {
		t.Errorf("fallback ran: lightweight=%d browser=%d", lw.calls.Load(), br.calls.Load())
	}
	var de *preview.DispatchError
	if !errors.As(err, &de) || len(de.Attempts) != 1 || de.Attempts[0].Outcome != "declined" {
		t.Errorf("attempts = %+v", de)
	}
}

func TestAcquire_CascadeToBrowser(t *testing.T) {
	// WHAT: lightweight finds nothing, the API declines, the browser yields;
	// the result carries browser candidates and all three attempts.
	lw := &fakeStrategy{method: preview.MethodLightweight, err: fmt.Errorf("lightweight: %w", preview.ErrNoCandidates)}
	br := &fakeStrategy{method: preview.MethodBrowser, cands: []preview.Candidate{
		cand(preview.MethodBrowser, "https://cdn.test/big.jpg", 2),
		cand(preview.MethodBrowser, "https://cdn.test/small.jpg", 1),
	}}
	svc, imgs := newTestService(t, WithStrategy(lw), WithStrategy(br))
	imgs.data["https://cdn.test/big.jpg"] = []byte("big")
	imgs.data["https://cdn.test/small.jpg"] = []byte("small")

	res, err := svc.Acquire(context.Background(), Request{URL: "https://x.com/artist/status/42", PreviewOnly: true})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if res.Status != "candidates" || res.Strategy != preview.MethodBrowser {
		t.Errorf("result = %+v", res)
	}
	outcomes := make([]string, len(res.Attempts))
	for i, a := range res.Attempts {
		outcomes[i] = string(a.Method) + "=" + a.Outcome
	}
	if got := strings.Join(outcomes, ","); got != "lightweight=no_candidates,api=declined,browser=ok" {
		t.Errorf("attempts = %s", got)
	}
	if len(res.Images) != 2 || res.Images[0].URL != "https://cdn.test/big.jpg" {
		t.Fatalf("images = %+v", res.Images)
	}
	if !strings.HasPrefix(res.Images[0].DataURI, "data:image/png;base64,") {
		t.Errorf("image not hydrated: %+v", res.Images[0])
	}
}

func TestAcquire_StopsAtFirstSuccess(t *testing.T) {
	lw := &fakeStrategy{method: preview.MethodLightweight, cands: []preview.Candidate{cand(preview.MethodLightweight, "https://site.test/og.jpg", 1)}}
	br := &fakeStrategy{method: preview.MethodBrowser}
	svc, imgs := newTestService(t, WithStrategy(lw), WithStrategy(br))
	imgs.data["https://site.test/og.jpg"] = []byte("og")

	res, err := svc.Acquire(context.Background(), Request{URL: "https://site.test/post", PreviewOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Attempts) != 1 || br.calls.Load() != 0 {
		t.Errorf("attempts = %+v, browser calls = %d", res.Attempts, br.calls.Load())
	}
}

func TestAcquire_ErrorsFallThroughUnforced(t *testing.T) {
	// WHAT: a network failure of one strategy is recorded and the next runs.
	lw := &fakeStrategy{method: preview.MethodLightweight, err: fmt.Errorf("lightweight: %w: reset", preview.ErrNetwork)}
	br := &fakeStrategy{method: preview.MethodBrowser, cands: []preview.Candidate{cand(preview.MethodBrowser, "https://cdn.test/a.jpg", 1)}}
	svc, imgs := newTestService(t, WithStrategy(lw), WithStrategy(br))
	imgs.data["https://cdn.test/a.jpg"] = []byte("a")

	res, err := svc.Acquire(context.Background(), Request{URL: "https://site.test/", PreviewOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Attempts[0].Outcome != "error" || !strings.Contains(res.Attempts[0].Error, "network") {
		t.Errorf("attempt = %+v", res.Attempts[0])
	}
}

func TestAcquire_AllExhausted(t *testing.T) {
	lw := &fakeStrategy{method: preview.MethodLightweight, err: preview.ErrNoCandidates}
	br := &fakeStrategy{method: preview.MethodBrowser, err: fmt.Errorf("browser: %w", preview.ErrRenderCrash)}
	svc, _ := newTestService(t, WithStrategy(lw), WithStrategy(br))

	_, err := svc.Acquire(context.Background(), Request{URL: "https://site.test/", PreviewOnly: true})
	var de *preview.DispatchError
	if !errors.As(err, &de) || !errors.Is(err, preview.ErrNoCandidates) {
		t.Fatalf("err = %v", err)
	}
	if len(de.Attempts) != 3 {
		t.Errorf("attempts = %+v", de.Attempts)
	}
	for _, m := range []string{"lightweight", "api", "browser"} {
		if !strings.Contains(err.Error(), m+"=") {
			t.Errorf("detail does not name %s: %v", m, err)
		}
	}
}

func TestAcquire_ForcedFailureIsFinal(t *testing.T) {
	lw := &fakeStrategy{method: preview.MethodLightweight, err: &preview.StatusError{Code: 403}}
	br := &fakeStrategy{method: preview.MethodBrowser, cands: []preview.Candidate{cand(preview.MethodBrowser, "https://cdn.test/a.jpg", 1)}}
	svc, _ := newTestService(t, WithStrategy(lw), WithStrategy(br))

	_, err := svc.Acquire(context.Background(), Request{URL: "https://site.test/", PreviewOnly: true, Force: "scrape"})
	var se *preview.StatusError
	if !errors.As(err, &se) || se.Code != 403 {
		t.Fatalf("err = %v", err)
	}
	if br.calls.Load() != 0 {
		t.Error("browser ran after a forced lightweight failure")
	}
}

func TestAcquire_DispatchTimeout(t *testing.T) {
	// WHAT: a strategy that never answers is aborted at DispatchTimeout.
	lw := &fakeStrategy{method: preview.MethodLightweight, block: true}
	br := &fakeStrategy{method: preview.MethodBrowser}
	svc, _ := newTestService(t, WithStrategy(lw), WithStrategy(br))
	svc.config.DispatchTimeout = 30 * time.Millisecond

	_, err := svc.Acquire(context.Background(), Request{URL: "https://site.test/", PreviewOnly: true})
	if !errors.Is(err, preview.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if br.calls.Load() != 0 {
		t.Error("dispatch continued after its deadline")
	}
}

func TestAcquire_MalformedInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	cases := []Request{
		{URL: "", PreviewOnly: true},
		{URL: "ftp://site.test/a", PreviewOnly: true},
		{URL: "https://site.test/", PreviewOnly: true, Force: "telepathy"},
		{URL: "https://site.test/"}, // saving without an item
	}
	for _, req := range cases {
		if _, err := svc.Acquire(ctx, req); !errors.Is(err, preview.ErrMalformedInput) {
			t.Errorf("%+v: err = %v", req, err)
		}
	}
}

func TestAcquire_HydrationDedupsBytes(t *testing.T) {
	// WHAT: two URLs serving identical bytes surface once, failed downloads
	// are dropped while others remain.
	lw := &fakeStrategy{method: preview.MethodLightweight, cands: []preview.Candidate{
		cand(preview.MethodLightweight, "https://site.test/og.jpg", 3),
		cand(preview.MethodLightweight, "https://site.test/tw.jpg", 2),
		cand(preview.MethodLightweight, "https://site.test/gone.jpg", 1),
	}}
	svc, imgs := newTestService(t, WithStrategy(lw))
	imgs.data["https://site.test/og.jpg"] = []byte("same")
	imgs.data["https://site.test/tw.jpg"] = []byte("same")

	res, err := svc.Acquire(context.Background(), Request{URL: "https://site.test/", PreviewOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Images) != 1 || res.Images[0].URL != "https://site.test/og.jpg" || res.Images[0].Size != 4 {
		t.Errorf("images = %+v", res.Images)
	}
}

func TestAcquire_UndownloadableYieldFallsThrough(t *testing.T) {
	// WHAT: lightweight yields only a dead URL; the attempt is recorded as
	// no_candidates and the browser runs.
	// WHY: an empty "candidates" answer hid the images the browser would find.
	lw := &fakeStrategy{method: preview.MethodLightweight, cands: []preview.Candidate{
		cand(preview.MethodLightweight, "https://site.test/gone.jpg", 1),
	}}
	br := &fakeStrategy{method: preview.MethodBrowser, cands: []preview.Candidate{
		cand(preview.MethodBrowser, "https://cdn.test/live.jpg", 1),
	}}
	svc, imgs := newTestService(t, WithStrategy(lw), WithStrategy(br))
	imgs.data["https://cdn.test/live.jpg"] = []byte("live")

	res, err := svc.Acquire(context.Background(), Request{URL: "https://site.test/post", PreviewOnly: true})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if br.calls.Load() != 1 || res.Strategy != preview.MethodBrowser {
		t.Fatalf("browser calls = %d, strategy = %s", br.calls.Load(), res.Strategy)
	}
	first := res.Attempts[0]
	if first.Outcome != "no_candidates" || !strings.Contains(first.Error, "no candidate could be downloaded") {
		t.Errorf("lightweight attempt = %+v", first)
	}
	if len(res.Images) != 1 || res.Images[0].URL != "https://cdn.test/live.jpg" {
		t.Errorf("images = %+v", res.Images)
	}
}

func TestAcquire_ForcedUndownloadableYield(t *testing.T) {
	// WHAT: a forced strategy whose candidates all fail to download ends the
	// dispatch with ErrNoCandidates instead of an empty result.
	lw := &fakeStrategy{method: preview.MethodLightweight, cands: []preview.Candidate{
		cand(preview.MethodLightweight, "https://site.test/gone.jpg", 1),
	}}
	br := &fakeStrategy{method: preview.MethodBrowser}
	svc, _ := newTestService(t, WithStrategy(lw), WithStrategy(br))

	_, err := svc.Acquire(context.Background(), Request{
		URL: "https://site.test/post", PreviewOnly: true, Force: preview.MethodLightweight,
	})
	var de *preview.DispatchError
	if !errors.As(err, &de) || !errors.Is(err, preview.ErrNoCandidates) {
		t.Fatalf("err = %v", err)
	}
	if len(de.Attempts) != 1 || de.Attempts[0].Outcome != "no_candidates" {
		t.Errorf("attempts = %+v", de.Attempts)
	}
	if br.calls.Load() != 0 {
		t.Error("browser ran after a forced strategy")
	}
}

func TestAcquire_APIBeforeBrowser(t *testing.T) {
	// WHAT: lightweight finds nothing, a configured API yields, and the
	// browser is never started.
	lw := &fakeStrategy{method: preview.MethodLightweight, err: fmt.Errorf("lightweight: %w", preview.ErrNoCandidates)}
	api := &fakeStrategy{method: preview.MethodAPI, cands: []preview.Candidate{
		cand(preview.MethodAPI, "https://pbs.twimg.com/media/orig.jpg", 1),
	}}
	br := &fakeStrategy{method: preview.MethodBrowser, cands: []preview.Candidate{
		cand(preview.MethodBrowser, "https://pbs.twimg.com/media/shot.jpg", 1),
	}}
	svc, imgs := newTestService(t, WithStrategy(lw), WithStrategy(api), WithStrategy(br))
	imgs.data["https://pbs.twimg.com/media/orig.jpg"] = []byte("orig")

	res, err := svc.Acquire(context.Background(), Request{URL: "https://x.com/artist/status/42", PreviewOnly: true})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if res.Strategy != preview.MethodAPI || len(res.Attempts) != 2 {
		t.Errorf("strategy = %s, attempts = %+v", res.Strategy, res.Attempts)
	}
	if br.calls.Load() != 0 {
		t.Errorf("browser calls = %d", br.calls.Load())
	}
	if len(res.Images) != 1 || res.Images[0].Rank < preview.BandAPI {
		t.Errorf("images = %+v", res.Images)
	}
}

func TestAcquire_DeadlineCoversDownloads(t *testing.T) {
	// WHAT: downloads that never answer are cut by the dispatch deadline,
	// in preview mode and when saving.
	// WHY: hydration and the save ran on the caller context and could
	// outlive the server write timeout.
	for _, previewOnly := range []bool{true, false} {
		lw := &fakeStrategy{method: preview.MethodLightweight, cands: []preview.Candidate{
			cand(preview.MethodLightweight, "https://site.test/slow.jpg", 1),
		}}
		br := &fakeStrategy{method: preview.MethodBrowser}
		svc, imgs := newTestService(t, WithStrategy(lw), WithStrategy(br))
		imgs.block = true
		svc.config.DispatchTimeout = 50 * time.Millisecond

		start := time.Now()
		_, err := svc.Acquire(context.Background(), Request{URL: "https://site.test/post", ItemID: "item-1", PreviewOnly: previewOnly})
		if !errors.Is(err, preview.ErrTimeout) {
			t.Errorf("preview=%v: err = %v, want ErrTimeout", previewOnly, err)
		}
		if d := time.Since(start); d > 2*time.Second {
			t.Errorf("preview=%v: took %v", previewOnly, d)
		}
		if br.calls.Load() != 0 {
			t.Errorf("preview=%v: dispatch continued after its deadline", previewOnly)
		}
	}
}

func TestAcquire_AutoSave(t *testing.T) {
	// WHAT: without preview_only the best downloadable candidate becomes slot 0,
	// overwriting the previous thumbnail.
	lw := &fakeStrategy{method: preview.MethodLightweight, cands: []preview.Candidate{
		cand(preview.MethodLightweight, "https://site.test/broken.jpg", 2),
		cand(preview.MethodLightweight, "https://site.test/ok.jpg", 1),
	}}
	svc, imgs := newTestService(t, WithStrategy(lw))
	imgs.data["https://site.test/ok.jpg"] = []byte("ok-bytes")
	ctx := context.Background()

	if _, err := svc.Save(ctx, SaveRequest{ItemID: "item-1", Images: []ImageRef{
		{DataURI: dataURI("image/png", []byte("old-thumb"))},
		{DataURI: dataURI("image/png", []byte("second"))},
	}}); err != nil {
		t.Fatal(err)
	}

	res, err := svc.Acquire(ctx, Request{URL: "https://site.test/post", ItemID: "item-1"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if res.Status != "saved" || res.Saved.URL != "https://site.test/ok.jpg" || res.Saved.Count != 2 {
		t.Errorf("saved = %+v", res.Saved)
	}
	_, data, err := svc.Slot(ctx, "item-1", 0)
	if err != nil || string(data) != "ok-bytes" {
		t.Errorf("slot 0 = %q, %v", data, err)
	}
	_, data, _ = svc.Slot(ctx, "item-1", 1)
	if string(data) != "second" {
		t.Errorf("slot 1 = %q", data)
	}
}

func TestAcquire_AutoSaveNothingDownloadable(t *testing.T) {
	lw := &fakeStrategy{method: preview.MethodLightweight, cands: []preview.Candidate{
		cand(preview.MethodLightweight, "https://site.test/broken.jpg", 1),
	}}
	svc, _ := newTestService(t, WithStrategy(lw))

	_, err := svc.Acquire(context.Background(), Request{URL: "https://site.test/post", ItemID: "item-1"})
	var de *preview.DispatchError
	if !errors.As(err, &de) || !errors.Is(err, preview.ErrNoCandidates) || len(de.Attempts) == 0 {
		t.Fatalf("err = %v", err)
	}
	if slots, _ := svc.Slots(context.Background(), "item-1"); len(slots) != 0 {
		t.Errorf("slots = %+v", slots)
	}
}

func TestAcquire_UsesRegisteredLink(t *testing.T) {
	var seen string
	lw := &fakeStrategy{method: preview.MethodLightweight, err: preview.ErrNoCandidates}
	svc, _ := newTestService(t, WithStrategy(&recordingStrategy{fakeStrategy: lw, seen: &seen}))
	ctx := context.Background()
	if err := svc.RegisterItem(ctx, "item-1", "https://www.pixiv.net/artworks/777"); err != nil {
		t.Fatal(err)
	}
	svc.Acquire(ctx, Request{ItemID: "item-1", PreviewOnly: true, Force: preview.MethodLightweight})
	if seen != "https://www.pixiv.net/artworks/777" {
		t.Errorf("strategy saw %q", seen)
	}
}

type recordingStrategy struct {
	*fakeStrategy
	seen *string
}

func (r *recordingStrategy) Acquire(ctx context.Context, t preview.Target) ([]preview.Candidate, error) {
	*r.seen = t.URL
	return r.fakeStrategy.Acquire(ctx, t)
}

func TestSave_AllOrNothing(t *testing.T) {
	// WHAT: one failed download aborts a selective save before any write.
	svc, imgs := newTestService(t)
	imgs.data["https://cdn.test/a.png"] = []byte("a")
	ctx := context.Background()

	_, err := svc.Save(ctx, SaveRequest{ItemID: "item-1", Images: []ImageRef{
		{URL: "https://cdn.test/a.png"},
		{URL: "https://cdn.test/missing.png"},
	}})
	if !errors.Is(err, preview.ErrNonSuccessStatus) {
		t.Fatalf("err = %v", err)
	}
	if slots, _ := svc.Slots(ctx, "item-1"); len(slots) != 0 {
		t.Errorf("partial save: %+v", slots)
	}
}

func TestSave_AppendAndReplace(t *testing.T) {
	svc, imgs := newTestService(t)
	imgs.data["https://cdn.test/a.png"] = []byte("a")
	imgs.data["https://cdn.test/b.png"] = []byte("b")
	ctx := context.Background()

	res, err := svc.Save(ctx, SaveRequest{ItemID: "item-1", Images: []ImageRef{{URL: "https://cdn.test/a.png"}}})
	if err != nil || res.Slots != 1 {
		t.Fatalf("first save: %+v %v", res, err)
	}
	res, err = svc.Save(ctx, SaveRequest{ItemID: "item-1", Images: []ImageRef{{URL: "https://cdn.test/a.png"}, {URL: "https://cdn.test/b.png"}}})
	if err != nil || res.Slots != 2 || res.Skipped != 1 {
		t.Fatalf("append: %+v %v", res, err)
	}
	res, err = svc.Save(ctx, SaveRequest{ItemID: "item-1", Replace: true, Images: []ImageRef{{URL: "https://cdn.test/b.png"}}})
	if err != nil || res.Slots != 1 {
		t.Fatalf("replace: %+v %v", res, err)
	}
	_, data, _ := svc.Slot(ctx, "item-1", 0)
	if string(data) != "b" {
		t.Errorf("slot 0 = %q", data)
	}
}

func TestDeleteSlot_ThroughService(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	svc.Save(ctx, SaveRequest{ItemID: "item-1", Images: []ImageRef{
		{DataURI: dataURI("image/png", []byte("0"))},
		{DataURI: dataURI("image/png", []byte("1"))},
		{DataURI: dataURI("image/png", []byte("2"))},
	}})
	n, err := svc.DeleteSlot(ctx, "item-1", 1)
	if err != nil || n != 2 {
		t.Fatalf("delete: %d %v", n, err)
	}
	_, data, _ := svc.Slot(ctx, "item-1", 1)
	if string(data) != "2" {
		t.Errorf("slot 1 = %q, want former slot 2", data)
	}
}
