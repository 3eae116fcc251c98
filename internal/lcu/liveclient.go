package lcu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
)

const (
	DefaultLiveDataURL = "https://127.0.0.1:2999/liveclientdata/allgamedata"

	defaultLiveTimeout = 2 * time.Second
)

// LiveStatus is the outcome of a live data poll
type LiveStatus int

const (
	// LiveUnavailable covers every failure: no match running, connection
	// refused, timeouts and malformed bodies all mean the same thing here
	LiveUnavailable LiveStatus = iota
	LiveOK
)

func (s LiveStatus) String() string {
	if s == LiveOK {
		return "ok"
	}
	return "unavailable"
}

// LiveResult is the result of a single live data poll
type LiveResult struct {
	Status LiveStatus
	Data   json.RawMessage
	Err    error
}

// OK reports whether a match is running and Data holds its snapshot
func (r LiveResult) OK() bool {
	return r.Status == LiveOK
}

// LiveClientPlayer represents a player from the live client API
type LiveClientPlayer struct {
	ChampionName string           `json:"championName"`
	IsBot        bool             `json:"isBot"`
	Level        int              `json:"level"`
	Position     string           `json:"position"`
	RiotID       string           `json:"riotId"`
	Scores       LiveClientScores `json:"scores"`
	SummonerName string           `json:"summonerName"`
	Team         string           `json:"team"`
}

// LiveClientScores represents player scores
type LiveClientScores struct {
	Assists    int     `json:"assists"`
	CreepScore int     `json:"creepScore"`
	Deaths     int     `json:"deaths"`
	Kills      int     `json:"kills"`
	WardScore  float64 `json:"wardScore"`
}

// AllGameData is the subset of /liveclientdata/allgamedata used for logging
type AllGameData struct {
	ActivePlayer struct {
		RiotID       string `json:"riotId"`
		SummonerName string `json:"summonerName"`
	} `json:"activePlayer"`
	AllPlayers []LiveClientPlayer `json:"allPlayers"`
	GameData   struct {
		GameMode string  `json:"gameMode"`
		GameTime float64 `json:"gameTime"`
		MapName  string  `json:"mapName"`
	} `json:"gameData"`
}

// ActivePlayerName returns the best available name for the local player
func (d *AllGameData) ActivePlayerName() string {
	if d.ActivePlayer.RiotID != "" {
		return d.ActivePlayer.RiotID
	}
	return d.ActivePlayer.SummonerName
}

// ParseAllGameData decodes the fields of a live snapshot that the agent logs.
// Unknown or missing fields are ignored.
func ParseAllGameData(data []byte) (*AllGameData, error) {
	var game AllGameData
	if err := json.Unmarshal(data, &game); err != nil {
		return nil, fmt.Errorf("failed to parse live game data: %w", err)
	}
	return &game, nil
}

// LiveClient handles communication with the live client API (localhost:2999)
type LiveClient struct {
	httpClient *http.Client
	url        string
	timeout    time.Duration
}

// NewLiveClient creates a new live client. Empty url and zero timeout select the defaults.
func NewLiveClient(url string, timeout time.Duration) *LiveClient {
	if url == "" {
		url = DefaultLiveDataURL
	}
	if timeout <= 0 {
		timeout = defaultLiveTimeout
	}
	return &LiveClient{
		httpClient: newLoopbackHTTPClient(),
		url:        url,
		timeout:    timeout,
	}
}

// PollLiveData fetches the full live snapshot
func (c *LiveClient) PollLiveData(ctx context.Context) LiveResult {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.url, nil)
	if err != nil {
		return LiveResult{Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return LiveResult{Err: fmt.Errorf("live client not available: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return LiveResult{Err: fmt.Errorf("unexpected status: %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return LiveResult{Err: fmt.Errorf("failed to read live data: %w", err)}
	}
	if !json.Valid(body) {
		return LiveResult{Err: errors.New("live data is not valid JSON")}
	}

	return LiveResult{Status: LiveOK, Data: json.RawMessage(body)}
}
