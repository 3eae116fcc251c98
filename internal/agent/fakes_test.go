package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"lolcapture/internal/lcu"
	"lolcapture/internal/notify"
	"lolcapture/internal/storage"
	"lolcapture/internal/upload"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 9, 21, 0, 0, 0, time.Local)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// eventLog records collaborator calls in order
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) reset() {
	l.mu.Lock()
	l.events = nil
	l.mu.Unlock()
}

func liveOK(body string) lcu.LiveResult {
	return lcu.LiveResult{Status: lcu.LiveOK, Data: []byte(body)}
}

func liveDown() lcu.LiveResult {
	return lcu.LiveResult{Status: lcu.LiveUnavailable, Err: errors.New("connection refused")}
}

// fakeLive plays a script and then repeats its fallback
type fakeLive struct {
	mu       sync.Mutex
	script   []lcu.LiveResult
	fallback lcu.LiveResult
	calls    int
}

func (f *fakeLive) PollLiveData(ctx context.Context) lcu.LiveResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.script) > 0 {
		r := f.script[0]
		f.script = f.script[1:]
		return r
	}
	if f.fallback.Status == lcu.LiveOK {
		return f.fallback
	}
	return liveDown()
}

type resolveResult struct {
	creds lcu.Credentials
	ok    bool
}

type fakeResolver struct {
	log      *eventLog
	script   []resolveResult
	fallback resolveResult
	calls    int
}

func (f *fakeResolver) Resolve(ctx context.Context) (lcu.Credentials, error) {
	f.calls++
	f.log.add("resolve")
	r := f.fallback
	if len(f.script) > 0 {
		r = f.script[0]
		f.script = f.script[1:]
	}
	if !r.ok {
		return lcu.Credentials{}, lcu.ErrNoCredentials
	}
	return r.creds, nil
}

type fakePostgame struct {
	log        *eventLog
	probeOK    func(creds lcu.Credentials) bool
	script     []lcu.PostgameResult
	fallback   lcu.PostgameResult
	probes     int
	fetchCreds []lcu.Credentials
}

func (f *fakePostgame) Probe(ctx context.Context, creds lcu.Credentials) bool {
	f.probes++
	f.log.add("probe")
	if f.probeOK == nil {
		return true
	}
	return f.probeOK(creds)
}

func (f *fakePostgame) FetchPostgame(ctx context.Context, creds lcu.Credentials) lcu.PostgameResult {
	f.fetchCreds = append(f.fetchCreds, creds)
	f.log.add("fetch")
	if len(f.script) > 0 {
		r := f.script[0]
		f.script = f.script[1:]
		return r
	}
	return f.fallback
}

func fetchOK(size int) lcu.PostgameResult {
	body := `{"pad":"` + strings.Repeat("x", size-10) + `"}`
	return lcu.PostgameResult{Outcome: lcu.FetchOK, Data: []byte(body), StatusCode: 200, Length: len(body)}
}

func fetchTimeout() lcu.PostgameResult {
	return lcu.PostgameResult{Outcome: lcu.FetchTimeout, Err: context.DeadlineExceeded}
}

func fetchConnectionFailed() lcu.PostgameResult {
	return lcu.PostgameResult{Outcome: lcu.FetchConnectionFailed, Err: errors.New("connection refused")}
}

type fakeUploader struct {
	mu      sync.Mutex
	uploads map[string]int
	delay   time.Duration
}

func (f *fakeUploader) UploadSession(ctx context.Context, sessionID string, files []storage.SessionFile) upload.Report {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploads == nil {
		f.uploads = make(map[string]int)
	}
	f.uploads[sessionID] = len(files)
	return upload.Report{Succeeded: len(files)}
}

func (f *fakeUploader) count(sessionID string) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.uploads[sessionID]
	return n, ok
}

type fakeRecorder struct {
	mu       sync.Mutex
	started  []string
	captures []storage.Capture
	outcomes map[string]string
	uploads  map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{outcomes: make(map[string]string), uploads: make(map[string]int)}
}

func (r *fakeRecorder) RecordSessionStart(id string, startedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, id)
	return nil
}

func (r *fakeRecorder) RecordCapture(c storage.Capture) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.captures = append(r.captures, c)
	return nil
}

func (r *fakeRecorder) RecordSessionEnd(id, outcome string, endedAt time.Time, eogAttempts int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[id] = outcome
	return nil
}

func (r *fakeRecorder) RecordUpload(id string, succeeded, failed int, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uploads[id] = succeeded
	return nil
}

func (r *fakeRecorder) outcome(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[id]
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.SessionEvent
}

func (n *fakeNotifier) NotifySession(ctx context.Context, ev notify.SessionEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *fakeNotifier) list() []notify.SessionEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.SessionEvent(nil), n.events...)
}

// failingStore fails BeginSession a set number of times
type failingStore struct {
	*storage.CaptureStore
	beginFailures int
}

func (s *failingStore) BeginSession() (*storage.Session, error) {
	if s.beginFailures > 0 {
		s.beginFailures--
		return nil, errors.New("disk full")
	}
	return s.CaptureStore.BeginSession()
}

type harness struct {
	agent    *Agent
	clock    *fakeClock
	log      *eventLog
	live     *fakeLive
	resolver *fakeResolver
	postgame *fakePostgame
	store    *storage.CaptureStore
	recorder *fakeRecorder
	notifier *fakeNotifier
	uploader *fakeUploader
}

var testCreds = lcu.Credentials{Port: 54694, Token: "u6fbXvHqfOHWk"}

func newHarness(t *testing.T, config Config, customize ...func(*Dependencies)) *harness {
	t.Helper()
	h := &harness{
		clock:    newFakeClock(),
		log:      &eventLog{},
		live:     &fakeLive{},
		recorder: newFakeRecorder(),
		notifier: &fakeNotifier{},
		uploader: &fakeUploader{},
	}
	h.resolver = &fakeResolver{log: h.log, fallback: resolveResult{testCreds, true}}
	h.postgame = &fakePostgame{log: h.log, fallback: fetchTimeout()}

	base := t.TempDir()
	h.store = storage.NewCaptureStore(
		filepath.Join(base, "live"),
		filepath.Join(base, "postgame"),
		zerolog.Nop(),
		storage.WithClock(h.clock.Now),
	)
	require.NoError(t, h.store.EnsureBaseDirectories())

	deps := Dependencies{
		Live:        h.live,
		Postgame:    h.postgame,
		Credentials: h.resolver,
		Store:       h.store,
		Uploader:    h.uploader,
		Recorder:    h.recorder,
		Notifier:    h.notifier,
		Clock:       h.clock,
		Logger:      zerolog.Nop(),
	}
	for _, fn := range customize {
		fn(&deps)
	}

	a, err := New(config, deps)
	require.NoError(t, err)
	h.agent = a
	t.Cleanup(a.Wait)
	return h
}

// step runs one cycle and advances the clock by the returned delay
func (h *harness) step() time.Duration {
	d := h.agent.Step(context.Background())
	h.clock.Advance(d)
	return d
}

// enterEOG drives the agent through one live capture into WAITING_FOR_EOG
func (h *harness) enterEOG(t *testing.T) {
	t.Helper()
	h.live.script = append(h.live.script, liveOK(`{"gameTime": 120}`), liveDown())
	h.step()
	require.Equal(t, StateInGame, h.agent.State())
	h.step()
	require.Equal(t, StateWaitingForEOG, h.agent.State())
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	n := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			n++
		}
	}
	return n
}
