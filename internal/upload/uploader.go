package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"lolcapture/internal/storage"
)

const (
	// TimestampLayout formats the upload time form field
	TimestampLayout = "2006-01-02 15:04:05"

	defaultUploadTimeout = 30 * time.Second
)

var ErrNoURL = errors.New("upload url not configured")

// Report counts the files of one upload run
type Report struct {
	Succeeded int
	Failed    int
}

// Total returns the number of files attempted
func (r Report) Total() int { return r.Succeeded + r.Failed }

// Uploader posts capture files to a remote collector, one multipart request per file
type Uploader struct {
	url        string
	machineID  string
	httpClient *http.Client
	now        func() time.Time
	logger     zerolog.Logger
}

// Option configures an Uploader
type Option func(*Uploader)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(u *Uploader) {
		u.httpClient = c
	}
}

// WithMachineID fixes the machine id instead of deriving it from the host
func WithMachineID(id string) Option {
	return func(u *Uploader) {
		u.machineID = id
	}
}

// WithClock sets the time source for the timestamp field
func WithClock(now func() time.Time) Option {
	return func(u *Uploader) {
		u.now = now
	}
}

// NewUploader creates an uploader for the collector at url
func NewUploader(url string, logger zerolog.Logger, opts ...Option) *Uploader {
	u := &Uploader{
		url:        url,
		httpClient: &http.Client{Timeout: defaultUploadTimeout},
		now:        time.Now,
		logger:     logger.With().Str("component", "uploader").Logger(),
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.machineID == "" {
		u.machineID = MachineID()
	}
	return u
}

// MachineID returns the id sent with every upload
func (u *Uploader) MachineID() string { return u.machineID }

// UploadSession uploads every file of a session. Failures are counted, never retried.
func (u *Uploader) UploadSession(ctx context.Context, sessionID string, files []storage.SessionFile) Report {
	var report Report
	if len(files) == 0 {
		u.logger.Warn().Str("session", sessionID).Msg("No capture files to upload")
		return report
	}

	u.logger.Info().Str("session", sessionID).Int("files", len(files)).Msg("Uploading session")
	for _, f := range files {
		if err := u.UploadFile(ctx, sessionID, f); err != nil {
			report.Failed++
			u.logger.Warn().Err(err).Str("file", filepath.Base(f.Path)).Msg("Upload failed")
			continue
		}
		report.Succeeded++
	}

	u.logger.Info().
		Str("session", sessionID).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Msg("Upload complete")
	return report
}

// UploadFile posts a single capture file
func (u *Uploader) UploadFile(ctx context.Context, sessionID string, f storage.SessionFile) error {
	if u.url == "" {
		return ErrNoURL
	}

	body, contentType, err := u.buildForm(sessionID, f)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return nil
}

func (u *Uploader) buildForm(sessionID string, f storage.SessionFile) (*bytes.Buffer, string, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open capture: %w", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(f.Path)))
	header.Set("Content-Type", "application/json")
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, "", fmt.Errorf("failed to read capture: %w", err)
	}

	fields := [][2]string{
		{"timestamp", u.now().Format(TimestampLayout)},
		{"file_type", string(f.Kind)},
		{"game_id", sessionID},
		{"machine_id", u.machineID},
	}
	for _, field := range fields {
		if err := w.WriteField(field[0], field[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", field[0], err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish form: %w", err)
	}

	return &buf, w.FormDataContentType(), nil
}
