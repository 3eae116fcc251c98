package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const (
	// TimestampLayout names session directories and capture files.
	// It sorts lexically in time order.
	TimestampLayout = "2006-01-02_15-04-05"

	// Collisions within the same second get _01, _02, ... appended
	maxSameSecond = 99

	jsonIndent = "    "
)

var ErrNoSession = errors.New("no active capture session")

// Kind tags a capture as live or post-game
type Kind string

const (
	KindLive     Kind = "live"
	KindPostgame Kind = "postgame"
)

// Session is the directory pair owned by one match
type Session struct {
	ID          string
	StartedAt   time.Time
	LiveDir     string
	PostgameDir string
}

// Dir returns the session directory for kind
func (s *Session) Dir(kind Kind) (string, error) {
	switch kind {
	case KindLive:
		return s.LiveDir, nil
	case KindPostgame:
		return s.PostgameDir, nil
	default:
		return "", fmt.Errorf("unknown capture kind %q", kind)
	}
}

// Capture describes one persisted payload
type Capture struct {
	SessionID  string
	Kind       Kind
	Path       string
	Bytes      int
	CapturedAt time.Time
}

// SessionFile is a capture file found on disk
type SessionFile struct {
	Kind Kind
	Path string
}

// CaptureStore creates per-match directories and writes JSON captures into them
type CaptureStore struct {
	liveBase     string
	postgameBase string
	now          func() time.Time
	logger       zerolog.Logger
}

// StoreOption configures a CaptureStore
type StoreOption func(*CaptureStore)

// WithClock sets the time source used for session ids and file names
func WithClock(now func() time.Time) StoreOption {
	return func(s *CaptureStore) {
		s.now = now
	}
}

// NewCaptureStore creates a store rooted at the two base directories
func NewCaptureStore(liveBase, postgameBase string, logger zerolog.Logger, opts ...StoreOption) *CaptureStore {
	s := &CaptureStore{
		liveBase:     liveBase,
		postgameBase: postgameBase,
		now:          time.Now,
		logger:       logger.With().Str("component", "store").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LiveBase returns the live capture base directory
func (s *CaptureStore) LiveBase() string { return s.liveBase }

// PostgameBase returns the post-game capture base directory
func (s *CaptureStore) PostgameBase() string { return s.postgameBase }

// EnsureBaseDirectories creates both base directories if needed
func (s *CaptureStore) EnsureBaseDirectories() error {
	for _, dir := range []string{s.liveBase, s.postgameBase} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// BeginSession creates the directory pair for a new match. Ids are the start
// time; a second session in the same second gets a numeric suffix.
func (s *CaptureStore) BeginSession() (*Session, error) {
	startedAt := s.now()
	base := startedAt.Format(TimestampLayout)

	for n := 0; n <= maxSameSecond; n++ {
		id := base
		if n > 0 {
			id = fmt.Sprintf("%s_%02d", base, n)
		}

		liveDir := filepath.Join(s.liveBase, id)
		postgameDir := filepath.Join(s.postgameBase, id)

		if exists(postgameDir) {
			continue
		}
		if err := os.Mkdir(liveDir, 0755); err != nil {
			if errors.Is(err, os.ErrExist) {
				continue
			}
			return nil, fmt.Errorf("failed to create session directory: %w", err)
		}
		if err := os.Mkdir(postgameDir, 0755); err != nil {
			os.Remove(liveDir)
			return nil, fmt.Errorf("failed to create session directory: %w", err)
		}

		s.logger.Info().Str("session", id).Msg("Created session directories")
		return &Session{
			ID:          id,
			StartedAt:   startedAt,
			LiveDir:     liveDir,
			PostgameDir: postgameDir,
		}, nil
	}

	return nil, fmt.Errorf("too many sessions started at %s", base)
}

// Persist writes payload as indented JSON into the session's kind directory.
// The file appears under its final name only once fully written.
func (s *CaptureStore) Persist(session *Session, kind Kind, payload []byte) (Capture, error) {
	if session == nil {
		return Capture{}, ErrNoSession
	}
	dir, err := session.Dir(kind)
	if err != nil {
		return Capture{}, err
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, payload, "", jsonIndent); err != nil {
		return Capture{}, fmt.Errorf("failed to format payload: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".data_*.tmp")
	if err != nil {
		return Capture{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return Capture{}, fmt.Errorf("failed to write capture: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return Capture{}, fmt.Errorf("failed to sync capture: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Capture{}, fmt.Errorf("failed to close capture: %w", err)
	}

	capturedAt := s.now()
	path, err := freeCapturePath(dir, capturedAt)
	if err != nil {
		return Capture{}, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return Capture{}, fmt.Errorf("failed to move capture into place: %w", err)
	}

	return Capture{
		SessionID:  session.ID,
		Kind:       kind,
		Path:       path,
		Bytes:      buf.Len(),
		CapturedAt: capturedAt,
	}, nil
}

// freeCapturePath picks data_{ts}.json, or the first free data_{ts}_NN.json.
// Only the session owner writes into dir, so checking then renaming is safe.
func freeCapturePath(dir string, at time.Time) (string, error) {
	ts := at.Format(TimestampLayout)
	for n := 0; n <= maxSameSecond; n++ {
		name := fmt.Sprintf("data_%s.json", ts)
		if n > 0 {
			name = fmt.Sprintf("data_%s_%02d.json", ts, n)
		}
		path := filepath.Join(dir, name)
		if !exists(path) {
			return path, nil
		}
	}
	return "", fmt.Errorf("too many captures at %s in %s", ts, dir)
}

// SessionFiles lists the JSON captures of a session, live first, each kind in name order
func (s *CaptureStore) SessionFiles(id string) ([]SessionFile, error) {
	var files []SessionFile
	for _, k := range []struct {
		kind Kind
		base string
	}{{KindLive, s.liveBase}, {KindPostgame, s.postgameBase}} {
		dir := filepath.Join(k.base, id)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				s.logger.Warn().Str("dir", dir).Msg("Session directory missing, skipping")
				continue
			}
			return nil, fmt.Errorf("failed to read %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			files = append(files, SessionFile{Kind: k.kind, Path: filepath.Join(dir, e.Name())})
		}
	}
	return files, nil
}

// ListSessions returns the ids of every session directory under either base, oldest first
func (s *CaptureStore) ListSessions() ([]string, error) {
	seen := make(map[string]bool)
	for _, base := range []string{s.liveBase, s.postgameBase} {
		entries, err := os.ReadDir(base)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to read %s: %w", base, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				seen[e.Name()] = true
			}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
