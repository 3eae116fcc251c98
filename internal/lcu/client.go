package lcu

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
)

var (
	ErrLockfileNotFound = errors.New("lockfile not found")
	ErrProcessNotFound  = errors.New("league client process not found")
	ErrNoCredentials    = errors.New("no lcu credentials")
)

const (
	DefaultEOGEndpoint   = "/lol-end-of-game/v1/eog-stats-block"
	DefaultProbeEndpoint = "/lol-summoner/v1/current-summoner"

	// LCU basic auth always uses this username; the token is the password
	authUsername = "riot"

	// Post-game bodies at or below this size are placeholders, not stats
	minPostgameBodyLen = 50

	defaultHost         = "127.0.0.1"
	defaultFetchTimeout = 10 * time.Second
	defaultProbeTimeout = 3 * time.Second
)

// Credentials holds the ephemeral LCU port and auth token
type Credentials struct {
	Port  int
	Token string
}

// Valid reports whether both parts are usable
func (c Credentials) Valid() bool {
	return c.Port > 0 && c.Port <= 65535 && c.Token != ""
}

// MaskedToken returns a log-safe prefix of the token
func (c Credentials) MaskedToken() string {
	if len(c.Token) <= 5 {
		return "****"
	}
	return c.Token[:5] + "..."
}

func (c Credentials) String() string {
	return fmt.Sprintf("port=%d token=%s", c.Port, c.MaskedToken())
}

// ParsePort converts a port string into a valid TCP port
func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", s, err)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}

// FetchOutcome classifies a post-game fetch
type FetchOutcome int

const (
	FetchOK FetchOutcome = iota
	// FetchConnectionFailed means the endpoint could not be reached; credentials are stale
	FetchConnectionFailed
	// FetchTimeout means the request did not finish in time; credentials are kept
	FetchTimeout
	// FetchNotReady means a response arrived but carried no usable stats yet
	FetchNotReady
)

func (o FetchOutcome) String() string {
	switch o {
	case FetchOK:
		return "ok"
	case FetchConnectionFailed:
		return "connection_failed"
	case FetchTimeout:
		return "timeout"
	case FetchNotReady:
		return "not_ready"
	default:
		return fmt.Sprintf("FetchOutcome(%d)", int(o))
	}
}

// PostgameResult is the result of a single end-of-game fetch
type PostgameResult struct {
	Outcome    FetchOutcome
	Data       json.RawMessage
	StatusCode int
	Length     int
	Err        error
}

// OK reports whether Data holds the end-of-game document
func (r PostgameResult) OK() bool {
	return r.Outcome == FetchOK
}

// Client talks to the LCU control-plane API using caller-supplied credentials
type Client struct {
	httpClient    *http.Client
	host          string
	eogEndpoint   string
	probeEndpoint string
	fetchTimeout  time.Duration
	probeTimeout  time.Duration
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithEOGEndpoint sets the end-of-game endpoint path
func WithEOGEndpoint(path string) ClientOption {
	return func(c *Client) {
		if path != "" {
			c.eogEndpoint = path
		}
	}
}

// WithProbeEndpoint sets the endpoint used for connectivity checks
func WithProbeEndpoint(path string) ClientOption {
	return func(c *Client) {
		if path != "" {
			c.probeEndpoint = path
		}
	}
}

// WithFetchTimeout sets the post-game fetch timeout
func WithFetchTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.fetchTimeout = timeout
		}
	}
}

// WithProbeTimeout sets the connectivity probe timeout
func WithProbeTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.probeTimeout = timeout
		}
	}
}

// NewClient creates a new LCU client
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient:    newLoopbackHTTPClient(),
		host:          defaultHost,
		eogEndpoint:   DefaultEOGEndpoint,
		probeEndpoint: DefaultProbeEndpoint,
		fetchTimeout:  defaultFetchTimeout,
		probeTimeout:  defaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// newLoopbackHTTPClient returns a client for the self-signed loopback services.
// Timeouts are applied per request through the context.
func newLoopbackHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: true, // LCU uses self-signed cert
			},
		},
	}
}

func (c *Client) url(creds Credentials, endpoint string) string {
	return fmt.Sprintf("https://%s:%d%s", c.host, creds.Port, endpoint)
}

// get performs an authenticated GET against the LCU API
func (c *Client) get(ctx context.Context, creds Credentials, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(creds, endpoint), nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(authUsername, creds.Token)
	req.Header.Set("Accept", "application/json")
	return c.httpClient.Do(req)
}

// FetchPostgame requests the end-of-game stats block
func (c *Client) FetchPostgame(ctx context.Context, creds Credentials) PostgameResult {
	if !creds.Valid() {
		return PostgameResult{Outcome: FetchConnectionFailed, Err: ErrNoCredentials}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	resp, err := c.get(reqCtx, creds, c.eogEndpoint)
	if err != nil {
		return PostgameResult{Outcome: classifyTransportError(err), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		outcome := FetchNotReady
		if isTimeout(err) {
			outcome = FetchTimeout
		}
		return PostgameResult{Outcome: outcome, StatusCode: resp.StatusCode, Length: len(body), Err: fmt.Errorf("failed to read body: %w", err)}
	}

	result := PostgameResult{StatusCode: resp.StatusCode, Length: len(body)}
	if resp.StatusCode != http.StatusOK || len(body) <= minPostgameBodyLen {
		result.Outcome = FetchNotReady
		result.Err = fmt.Errorf("end-of-game data not ready (status %d, %d bytes)", resp.StatusCode, len(body))
		return result
	}
	if !json.Valid(body) {
		result.Outcome = FetchNotReady
		result.Err = errors.New("end-of-game response is not valid JSON")
		return result
	}

	result.Outcome = FetchOK
	result.Data = json.RawMessage(body)
	return result
}

// Probe checks that the LCU API answers at all. Any HTTP status counts,
// including 401, since only reachability matters here.
func (c *Client) Probe(ctx context.Context, creds Credentials) bool {
	if !creds.Valid() {
		return false
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	resp, err := c.get(reqCtx, creds, c.probeEndpoint)
	if err != nil {
		return false
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
	return true
}

// classifyTransportError maps a failed round trip onto a fetch outcome
func classifyTransportError(err error) FetchOutcome {
	if isTimeout(err) || errors.Is(err, context.Canceled) {
		return FetchTimeout
	}
	return FetchConnectionFailed
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
