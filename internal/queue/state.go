package queue

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	"whisperx-queue/internal/domain"
)

// persistedState is the full on-disk queue snapshot. It is always replaced
// atomically so a reader sees either the old or the new complete document.
type persistedState struct {
	Pending          []domain.JobSpec      `json:"pending"`
	Running          *domain.JobSpec       `json:"running"`
	RunningAttempt   int                   `json:"runningAttempt"`
	RunningStartedAt *time.Time            `json:"runningStartedAt,omitempty"`
	Done             []domain.JobRecord    `json:"done"`
	Failed           []domain.JobRecord    `json:"failed"`
	StopAfterCurrent bool                  `json:"stopAfterCurrent"`
	WatchFolder      string                `json:"watchFolder,omitempty"`
	RuntimeProfile   domain.RuntimeProfile `json:"runtimeProfile"`
	UpdatedAt        time.Time             `json:"updatedAt"`
}

// runtimeSnapshot captures the execution parameters in effect when a job
// finished, for the per-job metadata file.
type runtimeSnapshot struct {
	Model              string    `json:"model"`
	Device             string    `json:"device"`
	ComputeType        string    `json:"computeType"`
	VADMethod          string    `json:"vadMethod"`
	SegmentResolution  string    `json:"segmentResolution"`
	AlignFallbackModel string    `json:"alignFallbackModel"`
	GeneratedAt        time.Time `json:"generatedAt"`
}

// jobMetadata is the per-job meta.json document.
type jobMetadata struct {
	Job       domain.JobSpec    `json:"job"`
	Result    domain.JobRecord  `json:"result"`
	Runtime   runtimeSnapshot   `json:"runtime"`
	OutputDir string            `json:"outputDir"`
}

// saveStateLocked writes the full state to a temp file and renames it over
// the canonical state file. Callers must hold the mutex.
func (m *Manager) saveStateLocked() {
	state := persistedState{
		Pending:          m.pending,
		Running:          m.running,
		RunningAttempt:   m.runningAttempt,
		RunningStartedAt: m.runningStartedAt,
		Done:             m.done,
		Failed:           m.failed,
		StopAfterCurrent: m.stopAfterCurrent,
		WatchFolder:      m.watchFolder,
		RuntimeProfile:   m.profile,
		UpdatedAt:        m.now(),
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		m.log.Error("marshal queue state", "error", err)
		return
	}

	tempPath := m.cfg.StateFile + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		m.log.Error("write queue state", "error", err)
		return
	}
	if err := os.Rename(tempPath, m.cfg.StateFile); err != nil {
		m.log.Error("replace queue state", "error", err)
	}
}

// loadState restores the last persisted snapshot. An unreadable or corrupt
// file yields empty state instead of a startup failure. A job persisted as
// running cannot have survived the restart and is retired into failed.
func (m *Manager) loadState() {
	if err := m.cfg.EnsureDirectories(); err != nil {
		m.log.Error("ensure directories", "error", err)
	}

	data, err := os.ReadFile(m.cfg.StateFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.log.Warn("failed to read queue state; starting with empty state", "error", err)
		}
		return
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		m.log.Warn("failed to parse queue state; starting with empty state", "error", err)
		return
	}

	m.pending = state.Pending
	m.running = state.Running
	m.runningAttempt = state.RunningAttempt
	m.runningStartedAt = state.RunningStartedAt
	m.done = state.Done
	m.failed = state.Failed
	m.stopAfterCurrent = state.StopAfterCurrent
	m.watchFolder = state.WatchFolder
	if state.RuntimeProfile != (domain.RuntimeProfile{}) {
		m.profile = m.normalizeParams(state.RuntimeProfile)
	}

	if m.running != nil {
		attempts := m.runningAttempt
		if attempts < 1 {
			attempts = 1
		}
		startedAt := m.now()
		if m.runningStartedAt != nil {
			startedAt = *m.runningStartedAt
		}
		interrupted := domain.JobRecord{
			JobID:        m.running.ID,
			SourcePath:   m.running.SourcePath,
			Status:       domain.JobStatusFailed,
			Attempts:     attempts,
			StartedAt:    startedAt,
			FinishedAt:   m.now(),
			ErrorMessage: interruptedMessage,
			Fingerprint:  m.running.Fingerprint,
		}
		m.failed = append([]domain.JobRecord{interrupted}, m.failed...)
		m.running = nil
		m.runningAttempt = 0
		m.runningStartedAt = nil
		m.log.Warn("recovered interrupted job as failed", "job", interrupted.JobID)
		m.saveStateLocked()
	}
}

// writeJSONFile writes an indented JSON document.
func writeJSONFile(path string, payload any) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
