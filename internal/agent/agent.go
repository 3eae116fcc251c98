package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"lolcapture/internal/lcu"
	"lolcapture/internal/notify"
	"lolcapture/internal/storage"
	"lolcapture/internal/upload"
)

// Surface the "client unreachable" hint on the 1st, 11th, 21st... consecutive probe failure
const diagnosticEvery = 10

// LiveSource polls the in-game live data endpoint
type LiveSource interface {
	PollLiveData(ctx context.Context) lcu.LiveResult
}

// PostgameSource talks to the client's control plane
type PostgameSource interface {
	Probe(ctx context.Context, creds lcu.Credentials) bool
	FetchPostgame(ctx context.Context, creds lcu.Credentials) lcu.PostgameResult
}

// CredentialSource finds the control plane's current port and token. It is
// called every backoff cycle while the client is unreachable and must not
// log above debug level.
type CredentialSource interface {
	Resolve(ctx context.Context) (lcu.Credentials, error)
}

// CaptureStore owns session directories and capture files
type CaptureStore interface {
	BeginSession() (*storage.Session, error)
	Persist(session *storage.Session, kind storage.Kind, payload []byte) (storage.Capture, error)
	SessionFiles(id string) ([]storage.SessionFile, error)
}

// Uploader sends a finished session to the remote collector
type Uploader interface {
	UploadSession(ctx context.Context, sessionID string, files []storage.SessionFile) upload.Report
}

// Recorder keeps session history. Errors are logged and otherwise ignored.
type Recorder interface {
	RecordSessionStart(id string, startedAt time.Time) error
	RecordCapture(c storage.Capture) error
	RecordSessionEnd(id, outcome string, endedAt time.Time, eogAttempts int) error
	RecordUpload(id string, succeeded, failed int, at time.Time) error
}

// Notifier announces finished sessions
type Notifier interface {
	NotifySession(ctx context.Context, ev notify.SessionEvent) error
}

// Clock is the agent's time source
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config holds the agent's timing policy
type Config struct {
	// PollInterval is the delay between cycles (default: 5s)
	PollInterval time.Duration
	// LiveCaptureInterval is the minimum gap between two live captures (default: 30s)
	LiveCaptureInterval time.Duration
	// MaxEOGWait is how long to wait for post-game stats before giving up (default: 120s)
	MaxEOGWait time.Duration
	// ProbeBackoff is the delay after a failed probe, shorter than PollInterval (default: 1s)
	ProbeBackoff time.Duration
	// UploadEnabled uploads each captured session in the background
	UploadEnabled bool
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval:        5 * time.Second,
		LiveCaptureInterval: 30 * time.Second,
		MaxEOGWait:          120 * time.Second,
		ProbeBackoff:        time.Second,
	}
}

// Dependencies are the agent's collaborators. Uploader, Recorder, Notifier,
// Diagnostics and Clock are optional.
type Dependencies struct {
	Live        LiveSource
	Postgame    PostgameSource
	Credentials CredentialSource
	Store       CaptureStore
	Uploader    Uploader
	Recorder    Recorder
	Notifier    Notifier
	// Diagnostics runs alongside the unreachable-client hint, e.g. a process listing
	Diagnostics func(ctx context.Context)
	Clock       Clock
	Logger      zerolog.Logger
}

// MatchSession is the match currently being captured
type MatchSession struct {
	*storage.Session

	// Credentials are held only while talking to the control plane
	Credentials *lcu.Credentials

	EOGWaitStartedAt time.Time
	EOGAttempts      int

	LiveCaptures  int
	PostgameBytes int
	Player        string
}

// Stats counts what the agent has done since it started
type Stats struct {
	SessionsStarted   int64
	SessionsCaptured  int64
	SessionsAbandoned int64
	LiveCaptures      int64
	PostgameCaptures  int64
	PersistFailures   int64
	UploadsStarted    int64
	FilesUploaded     int64
	FilesFailed       int64
}

type counters struct {
	sessionsStarted   atomic.Int64
	sessionsCaptured  atomic.Int64
	sessionsAbandoned atomic.Int64
	liveCaptures      atomic.Int64
	postgameCaptures  atomic.Int64
	persistFailures   atomic.Int64
	uploadsStarted    atomic.Int64
	filesUploaded     atomic.Int64
	filesFailed       atomic.Int64
}

// Status is a point-in-time snapshot for observers
type Status struct {
	State          State
	SessionID      string
	HasCredentials bool
	EOGAttempts    int
	ProbeFailures  int
	Stats          Stats
}

// Agent drives one match at a time through the capture lifecycle.
// Step must only be called from one goroutine.
type Agent struct {
	config Config
	sm     *StateMachine

	live        LiveSource
	postgame    PostgameSource
	credentials CredentialSource
	store       CaptureStore
	uploader    Uploader
	recorder    Recorder
	notifier    Notifier
	diagnostics func(ctx context.Context)
	clock       Clock
	logger      zerolog.Logger

	// Owned by the loop goroutine
	session           *MatchSession
	lastLiveCaptureAt time.Time
	probeFailures     int
	resolveErr        error
	lastCredentials   lcu.Credentials

	counters counters

	mu     sync.Mutex
	status Status

	// In-flight uploads and notifications
	wg sync.WaitGroup
}

// New creates an agent in WAITING_FOR_GAME
func New(config Config, deps Dependencies) (*Agent, error) {
	if deps.Live == nil || deps.Postgame == nil || deps.Credentials == nil || deps.Store == nil {
		return nil, errors.New("agent requires live source, postgame source, credential source and capture store")
	}
	if config.PollInterval <= 0 || config.ProbeBackoff <= 0 {
		return nil, errors.New("poll interval and probe backoff must be positive")
	}

	a := &Agent{
		config:      config,
		sm:          NewStateMachine(),
		live:        deps.Live,
		postgame:    deps.Postgame,
		credentials: deps.Credentials,
		store:       deps.Store,
		uploader:    deps.Uploader,
		recorder:    deps.Recorder,
		notifier:    deps.Notifier,
		diagnostics: deps.Diagnostics,
		clock:       deps.Clock,
		logger:      deps.Logger.With().Str("component", "agent").Logger(),
	}
	if a.clock == nil {
		a.clock = systemClock{}
	}
	a.sm.OnTransition(a.onStateTransition)
	a.publishStatus()
	return a, nil
}

// Run executes cycles until ctx is cancelled, then waits for background uploads
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info().
		Dur("poll_interval", a.config.PollInterval).
		Dur("live_capture_interval", a.config.LiveCaptureInterval).
		Dur("max_eog_wait", a.config.MaxEOGWait).
		Bool("upload", a.config.UploadEnabled).
		Msg("Agent started")

	for {
		if err := ctx.Err(); err != nil {
			a.logger.Info().Stringer("state", a.sm.Current()).Msg("Context cancelled, waiting for background work")
			a.Wait()
			return err
		}

		timer := time.NewTimer(a.Step(ctx))
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Wait blocks until background uploads and notifications finish
func (a *Agent) Wait() {
	a.wg.Wait()
}

// Step runs exactly one cycle and returns how long to sleep before the next
func (a *Agent) Step(ctx context.Context) time.Duration {
	defer a.publishStatus()

	switch a.sm.Current() {
	case StateWaitingForGame:
		a.stepWaitingForGame(ctx)
	case StateInGame:
		a.stepInGame(ctx)
	case StateWaitingForEOG:
		return a.stepWaitingForEOG(ctx)
	}
	return a.config.PollInterval
}

func (a *Agent) stepWaitingForGame(ctx context.Context) {
	result := a.live.PollLiveData(ctx)
	if !result.OK() {
		a.logger.Debug().Err(result.Err).Msg("Waiting for game")
		return
	}

	session, err := a.store.BeginSession()
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to start session, will retry next cycle")
		return
	}

	a.session = &MatchSession{Session: session}
	if game, err := lcu.ParseAllGameData(result.Data); err == nil {
		a.session.Player = game.ActivePlayerName()
	}
	a.counters.sessionsStarted.Add(1)
	a.logger.Info().Str("session", session.ID).Str("player", a.session.Player).Msg("Game detected")
	a.record("session start", func(r Recorder) error {
		return r.RecordSessionStart(session.ID, session.StartedAt)
	})

	a.captureLive(result.Data)
	a.transition(StateInGame)
}

func (a *Agent) stepInGame(ctx context.Context) {
	result := a.live.PollLiveData(ctx)
	if result.OK() {
		if a.clock.Now().Sub(a.lastLiveCaptureAt) >= a.config.LiveCaptureInterval {
			a.captureLive(result.Data)
		}
		return
	}

	// A poll cut short by shutdown says nothing about the game
	if ctx.Err() != nil {
		return
	}

	a.logger.Info().
		Str("session", a.session.ID).
		Int("live_captures", a.session.LiveCaptures).
		AnErr("reason", result.Err).
		Msg("Game ended, waiting for post-game stats")

	a.lastLiveCaptureAt = time.Time{}
	a.session.EOGWaitStartedAt = a.clock.Now()
	a.session.EOGAttempts = 0
	a.probeFailures = 0
	a.transition(StateWaitingForEOG)

	a.resolveCredentials(ctx)
}

func (a *Agent) stepWaitingForEOG(ctx context.Context) time.Duration {
	s := a.session

	if waited := a.clock.Now().Sub(s.EOGWaitStartedAt); waited > a.config.MaxEOGWait {
		a.logger.Warn().
			Str("session", s.ID).
			Dur("waited", waited).
			Int("attempts", s.EOGAttempts).
			Msg("Timed out waiting for post-game stats, abandoning session")
		a.counters.sessionsAbandoned.Add(1)
		a.endSession(ctx, storage.OutcomeAbandoned, notify.OutcomeAbandoned)
		return a.config.PollInterval
	}

	if s.Credentials == nil {
		a.resolveCredentials(ctx)
	}

	if s.Credentials == nil || !a.postgame.Probe(ctx, *s.Credentials) {
		s.Credentials = nil
		a.probeFailures++
		if a.probeFailures%diagnosticEvery == 1 {
			a.surfaceUnreachable(ctx)
		}
		return a.config.ProbeBackoff
	}

	a.probeFailures = 0
	s.EOGAttempts++

	result := a.postgame.FetchPostgame(ctx, *s.Credentials)
	a.logger.Info().
		Str("session", s.ID).
		Int("attempt", s.EOGAttempts).
		Stringer("outcome", result.Outcome).
		Int("status", result.StatusCode).
		Int("length", result.Length).
		AnErr("reason", result.Err).
		Msg("Post-game fetch")

	switch result.Outcome {
	case lcu.FetchOK:
		a.capturePostgame(ctx, result.Data)
	case lcu.FetchConnectionFailed:
		// Client likely restarted with a new port and token
		s.Credentials = nil
	}
	return a.config.PollInterval
}

func (a *Agent) captureLive(payload []byte) {
	capture, err := a.store.Persist(a.session.Session, storage.KindLive, payload)
	if err != nil {
		a.counters.persistFailures.Add(1)
		a.logger.Error().Err(err).Str("session", a.session.ID).Msg("Failed to save live data")
		return
	}

	a.lastLiveCaptureAt = a.clock.Now()
	a.session.LiveCaptures++
	a.counters.liveCaptures.Add(1)
	a.logger.Info().Str("file", capture.Path).Int("bytes", capture.Bytes).Msg("Saved live data")
	a.record("live capture", func(r Recorder) error { return r.RecordCapture(capture) })
}

// capturePostgame ends the session once the stats are on disk. If the write
// fails the session stays open and the fetch is retried next cycle.
func (a *Agent) capturePostgame(ctx context.Context, payload []byte) {
	s := a.session
	capture, err := a.store.Persist(s.Session, storage.KindPostgame, payload)
	if err != nil {
		a.counters.persistFailures.Add(1)
		a.logger.Error().Err(err).Str("session", s.ID).Msg("Failed to save post-game data, will retry")
		return
	}

	s.Credentials = nil
	s.PostgameBytes = capture.Bytes
	a.counters.postgameCaptures.Add(1)
	a.counters.sessionsCaptured.Add(1)
	a.logger.Info().Str("file", capture.Path).Int("bytes", capture.Bytes).Msg("Saved post-game data")
	a.record("post-game capture", func(r Recorder) error { return r.RecordCapture(capture) })

	if a.config.UploadEnabled && a.uploader != nil {
		a.startUpload(ctx, s.ID)
	}
	a.endSession(ctx, storage.OutcomeCaptured, notify.OutcomeCaptured)
}

func (a *Agent) endSession(ctx context.Context, ledgerOutcome, notifyOutcome string) {
	s := a.session
	now := a.clock.Now()

	a.record("session end", func(r Recorder) error {
		return r.RecordSessionEnd(s.ID, ledgerOutcome, now, s.EOGAttempts)
	})

	if a.notifier != nil {
		ev := notify.SessionEvent{
			SessionID:     s.ID,
			Outcome:       notifyOutcome,
			Duration:      now.Sub(s.StartedAt),
			LiveCaptures:  s.LiveCaptures,
			EOGAttempts:   s.EOGAttempts,
			PostgameBytes: s.PostgameBytes,
			Player:        s.Player,
		}
		a.background(ctx, func(ctx context.Context) {
			if err := a.notifier.NotifySession(ctx, ev); err != nil {
				a.logger.Warn().Err(err).Str("session", ev.SessionID).Msg("Failed to send notification")
			}
		})
	}

	a.session = nil
	a.lastLiveCaptureAt = time.Time{}
	a.probeFailures = 0
	a.resolveErr = nil
	a.transition(StateWaitingForGame)
}

func (a *Agent) resolveCredentials(ctx context.Context) {
	creds, err := a.credentials.Resolve(ctx)
	a.resolveErr = err
	if err != nil {
		a.logger.Debug().Err(err).Msg("Client credentials not available")
		return
	}
	a.session.Credentials = &creds

	// Unchanged credentials are re-resolved every backoff cycle
	if creds == a.lastCredentials {
		a.logger.Debug().Stringer("credentials", creds).Msg("Resolved client credentials")
		return
	}
	a.lastCredentials = creds
	a.logger.Info().Stringer("credentials", creds).Msg("Resolved client credentials")
}

// surfaceUnreachable explains why the client can't be reached. It runs on
// the first consecutive probe failure and every diagnosticEvery-th after.
func (a *Agent) surfaceUnreachable(ctx context.Context) {
	ev := a.logger.Warn().Int("consecutive_failures", a.probeFailures)
	if a.resolveErr != nil {
		ev = ev.AnErr("reason", a.resolveErr)
	}
	ev.Msg("Cannot reach the League client. Make sure it is running")

	if errors.Is(a.resolveErr, lcu.ErrAccessDenied) {
		a.logger.Warn().Msg("Reading the client's launch arguments needs elevated privileges. Run the agent as administrator.")
	}
	if a.diagnostics != nil {
		a.diagnostics(ctx)
	}
}

func (a *Agent) startUpload(ctx context.Context, sessionID string) {
	a.counters.uploadsStarted.Add(1)
	a.background(ctx, func(ctx context.Context) {
		files, err := a.store.SessionFiles(sessionID)
		if err != nil {
			a.logger.Error().Err(err).Str("session", sessionID).Msg("Failed to list session files for upload")
			return
		}

		report := a.uploader.UploadSession(ctx, sessionID, files)
		a.counters.filesUploaded.Add(int64(report.Succeeded))
		a.counters.filesFailed.Add(int64(report.Failed))
		a.record("upload", func(r Recorder) error {
			return r.RecordUpload(sessionID, report.Succeeded, report.Failed, a.clock.Now())
		})
	})
}

// background runs fn on its own goroutine. It outlives ctx cancellation so
// shutdown lets an upload finish; Run waits for it.
func (a *Agent) background(ctx context.Context, fn func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn(ctx)
	}()
}

func (a *Agent) record(what string, fn func(r Recorder) error) {
	if a.recorder == nil {
		return
	}
	if err := fn(a.recorder); err != nil {
		a.logger.Warn().Err(err).Msgf("Failed to record %s", what)
	}
}

func (a *Agent) transition(to State) {
	if err := a.sm.TransitionTo(to); err != nil {
		a.logger.Error().Err(err).Msg("State transition rejected")
	}
}

func (a *Agent) onStateTransition(from, to State) {
	a.logger.Info().Stringer("from", from).Stringer("to", to).Msg("State transition")
}

func (a *Agent) publishStatus() {
	st := Status{
		State:         a.sm.Current(),
		ProbeFailures: a.probeFailures,
	}
	if a.session != nil {
		st.SessionID = a.session.ID
		st.HasCredentials = a.session.Credentials != nil
		st.EOGAttempts = a.session.EOGAttempts
	}

	a.mu.Lock()
	a.status = st
	a.mu.Unlock()
}

// State returns the current state machine state
func (a *Agent) State() State {
	return a.sm.Current()
}

// Session returns the open session, or nil. Only safe from the loop goroutine.
func (a *Agent) Session() *MatchSession {
	return a.session
}

// Status returns the snapshot taken at the end of the last cycle
func (a *Agent) Status() Status {
	a.mu.Lock()
	st := a.status
	a.mu.Unlock()
	st.Stats = a.Stats()
	return st
}

// Stats returns current counters
func (a *Agent) Stats() Stats {
	return Stats{
		SessionsStarted:   a.counters.sessionsStarted.Load(),
		SessionsCaptured:  a.counters.sessionsCaptured.Load(),
		SessionsAbandoned: a.counters.sessionsAbandoned.Load(),
		LiveCaptures:      a.counters.liveCaptures.Load(),
		PostgameCaptures:  a.counters.postgameCaptures.Load(),
		PersistFailures:   a.counters.persistFailures.Load(),
		UploadsStarted:    a.counters.uploadsStarted.Load(),
		FilesUploaded:     a.counters.filesUploaded.Load(),
		FilesFailed:       a.counters.filesFailed.Load(),
	}
}
