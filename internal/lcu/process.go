package lcu

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/process"
)

// ErrAccessDenied means the client process exists but its command line could not be read
var ErrAccessDenied = errors.New("client command line not readable (insufficient privileges)")

// ProcessInfo is one row of the process listing
type ProcessInfo struct {
	Name string
	PID  int
}

// processEntry is a listed process whose command line is read on demand
type processEntry struct {
	ProcessInfo
	cmdline func(ctx context.Context) (string, error)
}

// SystemInspector reads the local process table
type SystemInspector struct {
	list func(ctx context.Context) ([]processEntry, error)
}

// NewSystemInspector creates an inspector backed by gopsutil
func NewSystemInspector() *SystemInspector {
	return &SystemInspector{list: listProcesses}
}

func listProcesses(ctx context.Context) ([]processEntry, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	entries := make([]processEntry, 0, len(procs))
	for _, p := range procs {
		// Processes can exit between listing and reading
		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			continue
		}
		entries = append(entries, processEntry{
			ProcessInfo: ProcessInfo{Name: name, PID: int(p.Pid)},
			cmdline:     p.CmdlineWithContext,
		})
	}
	return entries, nil
}

// ListProcesses returns all visible processes sorted by name
func (s *SystemInspector) ListProcesses(ctx context.Context) ([]ProcessInfo, error) {
	entries, err := s.list(ctx)
	if err != nil {
		return nil, err
	}

	procs := make([]ProcessInfo, 0, len(entries))
	for _, e := range entries {
		procs = append(procs, e.ProcessInfo)
	}
	sort.Slice(procs, func(i, j int) bool {
		if !strings.EqualFold(procs[i].Name, procs[j].Name) {
			return strings.ToLower(procs[i].Name) < strings.ToLower(procs[j].Name)
		}
		return procs[i].PID < procs[j].PID
	})
	return procs, nil
}

// CommandLines returns the command lines of every process named processName.
// Only matching processes have their command line read.
func (s *SystemInspector) CommandLines(ctx context.Context, processName string) ([]string, error) {
	entries, err := s.list(ctx)
	if err != nil {
		return nil, err
	}

	found := false
	var lines []string
	for _, e := range entries {
		if !sameProcessName(e.Name, processName) {
			continue
		}
		found = true
		// Permission errors leave the line unread, reported as ErrAccessDenied below
		line, err := e.cmdline(ctx)
		if err != nil || line == "" {
			continue
		}
		lines = append(lines, line)
	}

	if !found {
		return nil, ErrProcessNotFound
	}
	if len(lines) == 0 {
		return nil, ErrAccessDenied
	}
	return lines, nil
}

// IsLeagueProcess reports whether a process name belongs to the League client or game
func IsLeagueProcess(name string) bool {
	return strings.Contains(name, "LeagueClient") || strings.Contains(name, "League of Legends")
}

// LogProcesses writes the process table to the logger, flagging League processes.
// It is the diagnostic shown when the client cannot be reached.
func LogProcesses(ctx context.Context, inspector *SystemInspector, logger zerolog.Logger) {
	procs, err := inspector.ListProcesses(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list processes")
		return
	}

	league := 0
	for _, p := range procs {
		logger.Debug().Str("name", p.Name).Int("pid", p.PID).Msg("process")
		if IsLeagueProcess(p.Name) {
			league++
			logger.Info().Str("name", p.Name).Int("pid", p.PID).Msg("Found League process")
		}
	}
	logger.Info().Int("total", len(procs)).Int("league", league).Msg("Process listing complete")
}

func sameProcessName(a, b string) bool {
	return strings.EqualFold(trimExe(a), trimExe(b))
}

func trimExe(name string) string {
	name = filepath.Base(name)
	if strings.HasSuffix(strings.ToLower(name), ".exe") {
		return name[:len(name)-4]
	}
	return name
}
