package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tgrelay/internal/broker"
	"tgrelay/internal/cleanup"
	"tgrelay/internal/deliver"
	"tgrelay/internal/model"
	"tgrelay/internal/progress"
	"tgrelay/internal/sched"
)

type fakeUI struct {
	mu          sync.Mutex
	texts       []string
	edits       []string
	buttonTexts []string
	buttonRows  [][][]model.Button
	buttonErr   error
	deleted     []int
	nextID      int
}

func (u *fakeUI) SendText(ctx context.Context, chatID int64, text string) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.texts = append(u.texts, text)
	u.nextID++
	return u.nextID, nil
}

func (u *fakeUI) EditText(ctx context.Context, chatID int64, messageID int, text string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.edits = append(u.edits, text)
	return nil
}

func (u *fakeUI) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.deleted = append(u.deleted, messageID)
	return nil
}

func (u *fakeUI) EditButtons(ctx context.Context, chatID int64, messageID int, text string, rows [][]model.Button) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.buttonTexts = append(u.buttonTexts, text)
	u.buttonRows = append(u.buttonRows, rows)
	return u.buttonErr
}

func (u *fakeUI) lastEdit() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.edits) == 0 {
		return ""
	}
	return u.edits[len(u.edits)-1]
}

type fakeFetcher struct {
	art   model.Artifact
	err   error
	calls int
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL string, sink progress.Sink) (model.Artifact, error) {
	f.calls++
	return f.art, f.err
}

type fakeProber struct {
	heights    []int
	heightsErr error
	art        model.Artifact
	dlErr      error
	gotHeight  int
	dlCalls    int
}

func (p *fakeProber) Heights(ctx context.Context, rawURL string) ([]int, error) {
	return p.heights, p.heightsErr
}

func (p *fakeProber) Download(ctx context.Context, rawURL string, height int, sink progress.Sink) (model.Artifact, error) {
	p.dlCalls++
	p.gotHeight = height
	return p.art, p.dlErr
}

type fakeTranscoder struct {
	out   model.Artifact
	err   error
	calls int
}

func (t *fakeTranscoder) To720p(ctx context.Context, in model.Artifact) (model.Artifact, error) {
	t.calls++
	return t.out, t.err
}

type fakeDeliverer struct {
	tier      deliver.Tier
	err       error
	delivered []model.Artifact
}

func (d *fakeDeliverer) Deliver(ctx context.Context, chatID int64, art model.Artifact, sink progress.Sink) (deliver.Tier, error) {
	d.delivered = append(d.delivered, art)
	return d.tier, d.err
}

// fakeScheduler records scheduled functions and fires them on demand.
type fakeScheduler struct {
	mu  sync.Mutex
	fns []func()
}

type fakeTimer struct{}

func (fakeTimer) Stop() bool { return true }

func (s *fakeScheduler) After(d time.Duration, fn func()) sched.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fns = append(s.fns, fn)
	return fakeTimer{}
}

func (s *fakeScheduler) fireAll() {
	s.mu.Lock()
	fns := s.fns
	s.fns = nil
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type fixture struct {
	ui         *fakeUI
	fetcher    *fakeFetcher
	prober     *fakeProber
	transcoder *fakeTranscoder
	router     *fakeDeliverer
	clock      *fakeScheduler
	svc        *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ui:         &fakeUI{},
		fetcher:    &fakeFetcher{},
		prober:     &fakeProber{},
		transcoder: &fakeTranscoder{},
		router:     &fakeDeliverer{},
		clock:      &fakeScheduler{},
	}
	f.svc = NewService(
		WithUI(f.ui),
		WithFetcher(f.fetcher),
		WithProber(f.prober),
		WithTranscoder(f.transcoder),
		WithDeliverer(f.router),
		WithChoices(broker.New(time.Hour, f.clock)),
		WithJanitor(cleanup.New(time.Hour, nil)),
		WithAuthorization(false, []int64{7}),
	)
	// Run claimed handlers inline so assertions see their effects.
	f.svc.spawn = func(fn func()) { fn() }
	return f
}

// lastToken digs the broker token out of the most recent button set.
func (f *fixture) lastToken(t *testing.T) string {
	t.Helper()
	f.ui.mu.Lock()
	defer f.ui.mu.Unlock()
	if len(f.ui.buttonRows) == 0 {
		t.Fatal("no choice buttons rendered")
	}
	rows := f.ui.buttonRows[len(f.ui.buttonRows)-1]
	parts := strings.SplitN(rows[0][0].Data, ":", 3)
	if len(parts) != 3 {
		t.Fatalf("malformed callback data %q", rows[0][0].Data)
	}
	return parts[2]
}

func TestUnauthorizedMessageSilentlyIgnored(t *testing.T) {
	f := newFixture(t)
	f.svc.OnMessage(context.Background(), 999, 10, 1, "https://example.com/file.pdf")

	if len(f.ui.texts) != 0 || f.fetcher.calls != 0 {
		t.Errorf("unauthorized user triggered activity: texts=%d fetches=%d", len(f.ui.texts), f.fetcher.calls)
	}
}

func TestStartAndHelpCommands(t *testing.T) {
	f := newFixture(t)
	f.svc.OnMessage(context.Background(), 7, 10, 1, "/start")
	f.svc.OnMessage(context.Background(), 7, 10, 2, "/help")

	if len(f.ui.texts) != 2 {
		t.Fatalf("replies = %d, want 2", len(f.ui.texts))
	}
	if !strings.Contains(f.ui.texts[1], "/help") && !strings.Contains(f.ui.texts[1], "URL") {
		t.Errorf("help reply = %q, want usage text", f.ui.texts[1])
	}
}

func TestInvalidURLGetsGuidance(t *testing.T) {
	f := newFixture(t)
	f.svc.OnMessage(context.Background(), 7, 10, 1, "not a url")

	if len(f.ui.texts) != 1 || !strings.Contains(f.ui.texts[0], "valid URL") {
		t.Errorf("texts = %v, want invalid-URL guidance", f.ui.texts)
	}
	if f.fetcher.calls != 0 {
		t.Errorf("fetcher called for invalid URL")
	}
}

func TestDirectDocumentDeliveredWithoutChoice(t *testing.T) {
	f := newFixture(t)
	f.fetcher.art = model.Artifact{Path: "/tmp/x/report.pdf", Filename: "report.pdf", Bytes: 1000}

	f.svc.OnMessage(context.Background(), 7, 10, 1, "https://example.com/report.pdf")

	if len(f.router.delivered) != 1 || f.router.delivered[0].Filename != "report.pdf" {
		t.Fatalf("delivered = %+v, want report.pdf", f.router.delivered)
	}
	if f.transcoder.calls != 0 {
		t.Errorf("transcoder called for a document")
	}
	if len(f.ui.buttonRows) != 0 {
		t.Errorf("choice offered for a document")
	}
	if len(f.ui.deleted) != 1 {
		t.Errorf("status message not deleted after delivery")
	}
}

func TestDirectVideoOffersChoiceAndKeepDeliversUnmodified(t *testing.T) {
	f := newFixture(t)
	f.fetcher.art = model.Artifact{Path: "/tmp/x/clip.mp4", Filename: "clip.mp4", Bytes: 5 << 20}

	f.svc.OnMessage(context.Background(), 7, 10, 1, "https://example.com/clip.mp4")

	if len(f.router.delivered) != 0 {
		t.Fatal("delivered before the choice was made")
	}
	token := f.lastToken(t)

	if toast := f.svc.OnCallback(context.Background(), 7, 10, 2, "relay:keep:"+token); toast != "" {
		t.Errorf("toast = %q, want empty", toast)
	}
	if len(f.router.delivered) != 1 || f.router.delivered[0].Filename != "clip.mp4" {
		t.Fatalf("delivered = %+v, want original clip.mp4", f.router.delivered)
	}
	if f.transcoder.calls != 0 {
		t.Errorf("transcoder ran for keep action")
	}
}

func TestChoice720pTranscodesBeforeDelivery(t *testing.T) {
	f := newFixture(t)
	f.fetcher.art = model.Artifact{Path: "/tmp/x/clip.mkv", Filename: "clip.mkv", Bytes: 5 << 20}
	f.transcoder.out = model.Artifact{Path: "/tmp/x/clip_720p.mp4", Filename: "clip_720p.mp4", Bytes: 3 << 20}

	f.svc.OnMessage(context.Background(), 7, 10, 1, "https://example.com/clip.mkv")
	token := f.lastToken(t)
	f.svc.OnCallback(context.Background(), 7, 10, 2, "relay:720p:"+token)

	if f.transcoder.calls != 1 {
		t.Fatalf("transcoder calls = %d, want 1", f.transcoder.calls)
	}
	// Both the original and the converted file go out, original first.
	if len(f.router.delivered) != 2 {
		t.Fatalf("delivered = %+v, want original and transcoded", f.router.delivered)
	}
	if f.router.delivered[0].Filename != "clip.mkv" || f.router.delivered[1].Filename != "clip_720p.mp4" {
		t.Fatalf("delivered = %+v, want clip.mkv then clip_720p.mp4", f.router.delivered)
	}
}

func TestChoiceCancelDeletesArtifactImmediately(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	f.fetcher.art = model.Artifact{Path: path, Filename: "clip.mp4", Bytes: 1}

	f.svc.OnMessage(context.Background(), 7, 10, 1, "https://example.com/clip.mp4")
	token := f.lastToken(t)
	f.svc.OnCallback(context.Background(), 7, 10, 2, "relay:cancel:"+token)

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("artifact still exists after cancel")
	}
	if len(f.router.delivered) != 0 {
		t.Error("delivered despite cancel")
	}
	if got := f.ui.lastEdit(); !strings.Contains(got, "Cancelled") {
		t.Errorf("final edit = %q, want cancellation notice", got)
	}
}

func TestPlatformChoiceCapsHeightsAndDownloadsPick(t *testing.T) {
	f := newFixture(t)
	f.prober.heights = []int{2160, 1440, 1080, 720, 480, 360, 240, 144}
	f.prober.art = model.Artifact{Path: "/tmp/x/video.mp4", Filename: "video.mp4", Bytes: 10 << 20}

	f.svc.OnMessage(context.Background(), 7, 10, 1, "https://youtu.be/abc123")

	rows := f.ui.buttonRows[len(f.ui.buttonRows)-1]
	var heightButtons, controls int
	for _, row := range rows {
		for _, b := range row {
			if strings.HasSuffix(b.Label, "p") && b.Label != "" {
				heightButtons++
			}
			if b.Label == "Best" || b.Label == "Cancel" {
				controls++
			}
		}
	}
	if heightButtons != maxHeightChoices {
		t.Errorf("height buttons = %d, want %d", heightButtons, maxHeightChoices)
	}
	if controls != 2 {
		t.Errorf("control buttons = %d, want Best and Cancel", controls)
	}

	token := f.lastToken(t)
	f.svc.OnCallback(context.Background(), 7, 10, 2, "relay:720:"+token)

	if f.prober.dlCalls != 1 || f.prober.gotHeight != 720 {
		t.Errorf("download calls = %d height = %d, want 1 call at 720", f.prober.dlCalls, f.prober.gotHeight)
	}
	if len(f.router.delivered) != 1 {
		t.Errorf("delivered = %d artifacts, want 1", len(f.router.delivered))
	}
}

func TestPlatformEmptyHeightsDownloadsBest(t *testing.T) {
	f := newFixture(t)
	f.prober.heights = nil
	f.prober.art = model.Artifact{Path: "/tmp/x/video.mp4", Filename: "video.mp4", Bytes: 10 << 20}

	f.svc.OnMessage(context.Background(), 7, 10, 1, "https://youtu.be/abc123")

	if f.prober.dlCalls != 1 || f.prober.gotHeight != 0 {
		t.Errorf("download calls = %d height = %d, want 1 call at best", f.prober.dlCalls, f.prober.gotHeight)
	}
	if len(f.ui.buttonRows) != 0 {
		t.Errorf("choice offered despite empty probe result")
	}
}

func TestExpiredCallbackToast(t *testing.T) {
	f := newFixture(t)
	toast := f.svc.OnCallback(context.Background(), 7, 10, 1, "relay:keep:no-such-token")
	if !strings.Contains(toast, "expired") {
		t.Errorf("toast = %q, want expiry notice", toast)
	}
}

func TestForeignUserCallbackToast(t *testing.T) {
	f := newFixture(t)
	f.svc = NewService(
		WithUI(f.ui),
		WithFetcher(f.fetcher),
		WithProber(f.prober),
		WithTranscoder(f.transcoder),
		WithDeliverer(f.router),
		WithChoices(broker.New(time.Hour, nil)),
		WithJanitor(cleanup.New(time.Hour, nil)),
		WithAuthorization(true, nil),
	)
	f.svc.spawn = func(fn func()) { fn() }
	f.fetcher.art = model.Artifact{Path: "/tmp/x/clip.mp4", Filename: "clip.mp4", Bytes: 1}

	f.svc.OnMessage(context.Background(), 7, 10, 1, "https://example.com/clip.mp4")
	token := f.lastToken(t)

	toast := f.svc.OnCallback(context.Background(), 999, 10, 2, "relay:keep:"+token)
	if !strings.Contains(toast, "another user") {
		t.Errorf("toast = %q, want ownership notice", toast)
	}
	// The rightful owner can still answer.
	if got := f.svc.OnCallback(context.Background(), 7, 10, 2, "relay:keep:"+token); got != "" {
		t.Errorf("owner toast = %q, want empty", got)
	}
	if len(f.router.delivered) != 1 {
		t.Errorf("delivered = %d, want 1", len(f.router.delivered))
	}
}

func TestDeliveryFailureRendersGuidance(t *testing.T) {
	f := newFixture(t)
	f.fetcher.art = model.Artifact{Path: "/tmp/x/big.zip", Filename: "big.zip", Bytes: 3 << 30}
	f.router.err = &deliver.PayloadTooLargeError{Bytes: 3 << 30}

	f.svc.OnMessage(context.Background(), 7, 10, 1, "https://example.com/big.zip")

	if got := f.ui.lastEdit(); !strings.Contains(got, "self-hosted") {
		t.Errorf("final edit = %q, want self-hosted server guidance", got)
	}
}

func TestMalformedCallbackIgnored(t *testing.T) {
	f := newFixture(t)
	for _, data := range []string{"", "relay:keep", "other:keep:tok", "garbage"} {
		if toast := f.svc.OnCallback(context.Background(), 7, 10, 1, data); toast != "" {
			t.Errorf("OnCallback(%q) toast = %q, want empty", data, toast)
		}
	}
}

func TestBrokenChoiceControlsDeliverExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.ui.buttonErr = errors.New("message can't be edited")
	f.fetcher.art = model.Artifact{Path: "/tmp/x/clip.mp4", Filename: "clip.mp4", Bytes: 5 << 20}

	f.svc.OnMessage(context.Background(), 7, 10, 1, "https://example.com/clip.mp4")

	if len(f.router.delivered) != 1 {
		t.Fatalf("delivered = %d artifacts, want 1 immediate fallback", len(f.router.delivered))
	}
	// The withdrawn offer's timeout must not deliver again.
	f.clock.fireAll()
	if len(f.router.delivered) != 1 {
		t.Fatalf("delivered = %d artifacts after timeout, want still 1", len(f.router.delivered))
	}
}

func TestBrokenPlatformControlsDownloadBestExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.ui.buttonErr = errors.New("message can't be edited")
	f.prober.heights = []int{1080, 720}
	f.prober.art = model.Artifact{Path: "/tmp/x/video.mp4", Filename: "video.mp4", Bytes: 10 << 20}

	f.svc.OnMessage(context.Background(), 7, 10, 1, "https://youtu.be/abc123")

	if f.prober.dlCalls != 1 || f.prober.gotHeight != 0 {
		t.Fatalf("download calls = %d height = %d, want 1 call at best", f.prober.dlCalls, f.prober.gotHeight)
	}
	f.clock.fireAll()
	if f.prober.dlCalls != 1 {
		t.Fatalf("download calls = %d after timeout, want still 1", f.prober.dlCalls)
	}
	if len(f.router.delivered) != 1 {
		t.Fatalf("delivered = %d artifacts, want 1", len(f.router.delivered))
	}
}

func TestCallbackAnswersBeforeHandlerRuns(t *testing.T) {
	f := newFixture(t)
	var queued []func()
	f.svc.spawn = func(fn func()) { queued = append(queued, fn) }
	f.fetcher.art = model.Artifact{Path: "/tmp/x/clip.mp4", Filename: "clip.mp4", Bytes: 5 << 20}

	f.svc.OnMessage(context.Background(), 7, 10, 1, "https://example.com/clip.mp4")
	token := f.lastToken(t)

	if toast := f.svc.OnCallback(context.Background(), 7, 10, 2, "relay:keep:"+token); toast != "" {
		t.Errorf("toast = %q, want empty", toast)
	}
	// The answer returns before the transfer starts.
	if len(f.router.delivered) != 0 {
		t.Fatal("delivered inside the callback path")
	}
	if len(queued) != 1 {
		t.Fatalf("queued handlers = %d, want 1", len(queued))
	}
	queued[0]()
	if len(f.router.delivered) != 1 || f.router.delivered[0].Filename != "clip.mp4" {
		t.Fatalf("delivered = %+v, want clip.mp4 after the handler ran", f.router.delivered)
	}
}

func TestProbeFailureMessage(t *testing.T) {
	f := newFixture(t)
	f.prober.heightsErr = errors.New("tool exploded")

	f.svc.OnMessage(context.Background(), 7, 10, 1, "https://youtu.be/abc123")

	if got := f.ui.lastEdit(); !strings.Contains(got, "went wrong") {
		t.Errorf("final edit = %q, want generic failure text", got)
	}
	if f.prober.dlCalls != 0 {
		t.Errorf("download attempted after probe failure")
	}
}
