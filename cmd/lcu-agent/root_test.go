package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"lolcapture/internal/config"
	"lolcapture/internal/lcu"
	"lolcapture/internal/storage"
)

type testEnv struct {
	dir         string
	liveDir     string
	postgameDir string
	ledgerPath  string
}

// newTestEnv isolates a command run in a temp working directory
func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)

	env := testEnv{
		dir:         dir,
		liveDir:     filepath.Join(dir, "live"),
		postgameDir: filepath.Join(dir, "postgame"),
		ledgerPath:  filepath.Join(dir, "history.db"),
	}
	t.Setenv(config.EnvPrefix+"LIVE_DIR", env.liveDir)
	t.Setenv(config.EnvPrefix+"POSTGAME_DIR", env.postgameDir)
	t.Setenv(config.EnvPrefix+"LEDGER_PATH", env.ledgerPath)
	t.Setenv(config.EnvPrefix+"LOG_DIR", filepath.Join(dir, "logs"))
	t.Setenv(config.EnvPrefix+"INSTALL_DIRS", "")
	t.Setenv(config.EnvPrefix+"CLIENT_PROCESS", "NoSuchLeagueClientUx")
	return env
}

func execute(ctx context.Context, args ...string) (string, string, error) {
	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

// captureSession writes one live and one postgame capture
func (e testEnv) captureSession(t *testing.T, at time.Time) string {
	t.Helper()
	store := storage.NewCaptureStore(e.liveDir, e.postgameDir, zerolog.Nop(),
		storage.WithClock(func() time.Time { return at }))
	require.NoError(t, store.EnsureBaseDirectories())
	session, err := store.BeginSession()
	require.NoError(t, err)
	_, err = store.Persist(session, storage.KindLive, []byte(`{"gameData": {"gameTime": 61.5}}`))
	require.NoError(t, err)
	_, err = store.Persist(session, storage.KindPostgame, []byte(`{"gameId": 4821337, "gameLength": 1834}`))
	require.NoError(t, err)
	return session.ID
}

func TestRootCommand(t *testing.T) {
	newTestEnv(t)

	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr bool
	}{
		{name: "version flag", args: []string{"--version"}, want: "commit: unknown"},
		{name: "help flag", args: []string{"--help"}, want: "lcu-agent run"},
		{name: "unknown command", args: []string{"replay"}, wantErr: true},
		{name: "run rejects arguments", args: []string{"run", "extra"}, wantErr: true},
		{name: "latest and all are exclusive", args: []string{"upload", "--latest", "--all"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, _, err := execute(context.Background(), tt.args...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Execute() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.want != "" && !strings.Contains(stdout, tt.want) {
				t.Errorf("output missing %q:\n%s", tt.want, stdout)
			}
		})
	}
}

func TestRunCommand_InvalidConfig(t *testing.T) {
	newTestEnv(t)

	_, _, err := execute(context.Background(), "run", "--poll-interval", "0s")
	require.ErrorIs(t, err, config.ErrInvalid)
	require.Contains(t, err.Error(), "poll_interval must be positive")

	_, _, err = execute(context.Background(), "run", "--upload")
	require.ErrorIs(t, err, config.ErrInvalid)
	require.Contains(t, err.Error(), "upload.url is required")
}

func TestRunCommand_StopsOnCancel(t *testing.T) {
	env := newTestEnv(t)

	var polls sync.WaitGroup
	polls.Add(1)
	var once sync.Once
	live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(polls.Done)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer live.Close()
	t.Setenv(config.EnvPrefix+"LIVE_DATA_URL", live.URL+"/liveclientdata/allgamedata")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		polls.Wait()
		cancel()
	}()

	_, stderr, err := execute(ctx, "run", "--poll-interval", "50ms", "--no-color")
	require.NoError(t, err)
	require.Contains(t, stderr, "Agent started")
	require.Contains(t, stderr, "Agent stopped")

	require.DirExists(t, env.liveDir)
	require.DirExists(t, env.postgameDir)
	require.FileExists(t, env.ledgerPath)

	logs, err := os.ReadDir(filepath.Join(env.dir, "logs"))
	require.NoError(t, err)
	require.Len(t, logs, 1)
}

func TestSessionsCommand_FromLedger(t *testing.T) {
	env := newTestEnv(t)
	start := time.Date(2024, 3, 9, 21, 4, 5, 0, time.Local)

	ledger, err := storage.OpenLedger(env.ledgerPath)
	require.NoError(t, err)
	require.NoError(t, ledger.RecordSessionStart("2024-03-09_21-04-05", start))
	require.NoError(t, ledger.RecordCapture(storage.Capture{
		SessionID: "2024-03-09_21-04-05", Kind: storage.KindPostgame, Bytes: 2048, CapturedAt: start,
	}))
	require.NoError(t, ledger.RecordSessionEnd("2024-03-09_21-04-05", storage.OutcomeCaptured, start.Add(time.Hour), 3))
	require.NoError(t, ledger.RecordUpload("2024-03-09_21-04-05", 1, 0, start.Add(time.Hour)))
	require.NoError(t, ledger.RecordSessionStart("2024-03-10_18-00-00", start.Add(21*time.Hour)))
	require.NoError(t, ledger.Close())

	stdout, _, err := execute(context.Background(), "sessions")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 3)
	require.Contains(t, lines[0], "OUTCOME")
	require.Contains(t, lines[1], "2024-03-10_18-00-00")
	require.Contains(t, lines[1], storage.OutcomeOpen)
	require.Contains(t, lines[2], "2024-03-09_21-04-05")
	require.Contains(t, lines[2], storage.OutcomeCaptured)
	require.Contains(t, lines[2], "2.0 kB")
	require.Contains(t, lines[2], "1/1")

	stdout, _, err = execute(context.Background(), "sessions", "-n", "1")
	require.NoError(t, err)
	require.NotContains(t, stdout, "2024-03-09_21-04-05")

	_, _, err = execute(context.Background(), "sessions", "--limit", "0")
	require.Error(t, err)
}

func TestSessionsCommand_FromDirectories(t *testing.T) {
	env := newTestEnv(t)
	t.Setenv(config.EnvPrefix+"LEDGER_PATH", "")

	stdout, _, err := execute(context.Background(), "sessions")
	require.NoError(t, err)
	require.Contains(t, stdout, "No sessions captured yet")

	first := env.captureSession(t, time.Date(2024, 3, 9, 21, 4, 5, 0, time.Local))
	second := env.captureSession(t, time.Date(2024, 3, 10, 18, 0, 0, 0, time.Local))

	stdout, _, err = execute(context.Background(), "sessions")
	require.NoError(t, err)
	require.Equal(t, second+"\n"+first+"\n", stdout)
}

func TestUploadCommand(t *testing.T) {
	env := newTestEnv(t)

	var mu sync.Mutex
	var received []string
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		received = append(received, r.FormValue("game_id")+"/"+r.FormValue("file_type"))
		w.WriteHeader(status)
	}))
	defer srv.Close()

	first := env.captureSession(t, time.Date(2024, 3, 9, 21, 4, 5, 0, time.Local))
	second := env.captureSession(t, time.Date(2024, 3, 10, 18, 0, 0, 0, time.Local))

	stdout, _, err := execute(context.Background(), "upload", "--latest", "--url", srv.URL)
	require.NoError(t, err)
	require.Equal(t, second+": 2 succeeded, 0 failed\n", stdout)
	mu.Lock()
	require.ElementsMatch(t, []string{second + "/live", second + "/postgame"}, received)
	mu.Unlock()

	stdout, _, err = execute(context.Background(), "upload", first, "--url", srv.URL)
	require.NoError(t, err)
	require.Contains(t, stdout, first+": 2 succeeded")

	mu.Lock()
	status = http.StatusInternalServerError
	mu.Unlock()
	stdout, _, err = execute(context.Background(), "upload", "--all", "--url", srv.URL)
	require.Error(t, err)
	require.Contains(t, err.Error(), "4 of 4 files failed")
	require.Contains(t, stdout, "Total: 0 succeeded, 4 failed")
}

func TestUploadCommand_Errors(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := execute(context.Background(), "upload", "--latest")
	require.Error(t, err)
	require.Contains(t, err.Error(), "upload url not configured")

	_, _, err = execute(context.Background(), "upload", "--url", "http://127.0.0.1:1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no session given")

	_, _, err = execute(context.Background(), "upload", "--latest", "--url", "http://127.0.0.1:1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no captured sessions")

	id := env.captureSession(t, time.Date(2024, 3, 9, 21, 4, 5, 0, time.Local))
	_, _, err = execute(context.Background(), "upload", id, "--latest", "--url", "http://127.0.0.1:1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not both")
}

func TestCredentialsCommand(t *testing.T) {
	newTestEnv(t)

	lcuServer := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, token, _ := r.BasicAuth(); token != "u6fbXvHqfOHWk" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"puuid": "abc"}`))
	}))
	u, err := url.Parse(lcuServer.URL)
	require.NoError(t, err)

	_, _, err = execute(context.Background(), "credentials")
	require.ErrorIs(t, err, ErrNoClient)

	t.Setenv(config.EnvPrefix+"LCU_PORT", u.Port())
	t.Setenv(config.EnvPrefix+"LCU_TOKEN", "u6fbXvHqfOHWk")

	stdout, _, err := execute(context.Background(), "credentials")
	require.NoError(t, err)
	require.Contains(t, stdout, "Port:  "+u.Port())
	require.Contains(t, stdout, "Token: u6fbX...")
	require.NotContains(t, stdout, "u6fbXvHqfOHWk")
	require.Contains(t, stdout, "Probe: reachable")

	lcuServer.Close()
	stdout, _, err = execute(context.Background(), "credentials")
	require.Error(t, err)
	require.Contains(t, stdout, "Probe: unreachable")

	_, _, err = execute(context.Background(), "credentials", "--no-probe")
	require.NoError(t, err)
}

func TestProcessesCommand(t *testing.T) {
	newTestEnv(t)

	self := filepath.Base(os.Args[0])
	require.False(t, lcu.IsLeagueProcess(self))

	stdout, _, err := execute(context.Background(), "processes")
	require.NoError(t, err)
	require.Contains(t, stdout, "PID")
	require.Contains(t, stdout, self)
	require.Contains(t, stdout, " League\n")

	stdout, _, err = execute(context.Background(), "processes", "--league")
	require.NoError(t, err)
	require.NotContains(t, stdout, self)
}
