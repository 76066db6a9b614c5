package queue

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"whisperx-queue/internal/config"
	"whisperx-queue/internal/domain"
)

// writeStateFile persists a raw state document for load tests.
func writeStateFile(t *testing.T, cfg *config.Config, state persistedState) {
	t.Helper()
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		t.Fatalf("marshal state: %v", err)
	}
	if err := os.WriteFile(cfg.StateFile, data, 0o644); err != nil {
		t.Fatalf("write state: %v", err)
	}
}

func TestStateRoundTripAcrossRestart(t *testing.T) {
	cfg := config.Default(t.TempDir())
	media := writeMediaFile(t, cfg.BaseDir, "meeting.mp3")

	m := NewManager(cfg, &fakeJobRunner{}, okPreflight, testLogger())
	m.Enqueue(media, domain.RuntimeProfile{MinSpeakers: 3, MaxSpeakers: 5})
	m.Close()

	restarted := NewManager(cfg, &fakeJobRunner{}, okPreflight, testLogger())
	defer restarted.Close()

	snapshot := restarted.Snapshot()
	if len(snapshot.Pending) != 1 {
		t.Fatalf("pending after restart = %d, want 1", len(snapshot.Pending))
	}
	if snapshot.Pending[0].SourcePath != media {
		t.Fatalf("restored source = %q", snapshot.Pending[0].SourcePath)
	}
	if snapshot.RuntimeProfile.MinSpeakers != 3 || snapshot.RuntimeProfile.MaxSpeakers != 5 {
		t.Fatalf("restored profile = %+v", snapshot.RuntimeProfile)
	}
}

func TestStateFileIsAtomicallyReplacedAndValid(t *testing.T) {
	cfg := config.Default(t.TempDir())
	m := NewManager(cfg, &fakeJobRunner{}, okPreflight, testLogger())
	defer m.Close()

	m.Enqueue(writeMediaFile(t, cfg.BaseDir, "meeting.mp3"), domain.RuntimeProfile{})

	data, err := os.ReadFile(cfg.StateFile)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	if !json.Valid(data) {
		t.Fatal("state file is not valid JSON")
	}
	if _, err := os.Stat(cfg.StateFile + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temp file left behind, stat err = %v", err)
	}
}

func TestLoadStateRecoversInterruptedJob(t *testing.T) {
	cfg := config.Default(t.TempDir())
	started := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	running := &domain.JobSpec{
		ID:          "run1234567",
		SourcePath:  filepath.Join(cfg.BaseDir, "meeting.mp3"),
		Fingerprint: filepath.Join(cfg.BaseDir, "meeting.mp3") + "::5::99",
	}
	writeStateFile(t, cfg, persistedState{
		Running:          running,
		RunningAttempt:   2,
		RunningStartedAt: &started,
	})

	m := NewManager(cfg, &fakeJobRunner{}, okPreflight, testLogger())
	defer m.Close()

	snapshot := m.Snapshot()
	if snapshot.Running != nil {
		t.Fatal("running slot should be cleared after recovery")
	}
	if len(snapshot.Failed) != 1 {
		t.Fatalf("failed = %d, want 1", len(snapshot.Failed))
	}
	record := snapshot.Failed[0]
	if record.JobID != "run1234567" || record.ErrorMessage != interruptedMessage {
		t.Fatalf("record = %+v", record)
	}
	if record.Attempts != 2 {
		t.Fatalf("attempts = %d, want persisted attempt count", record.Attempts)
	}
	if !record.StartedAt.Equal(started) {
		t.Fatalf("started at = %v, want %v", record.StartedAt, started)
	}
	if record.Fingerprint != running.Fingerprint {
		t.Fatal("recovered record must keep the fingerprint for dedup")
	}

	// The recovery itself is persisted.
	restarted := NewManager(cfg, &fakeJobRunner{}, okPreflight, testLogger())
	defer restarted.Close()
	if len(restarted.Snapshot().Failed) != 1 {
		t.Fatal("recovery was not persisted")
	}
}

func TestLoadStateRecoveryDefaultsAttemptsToOne(t *testing.T) {
	cfg := config.Default(t.TempDir())
	writeStateFile(t, cfg, persistedState{
		Running: &domain.JobSpec{ID: "run1234567", SourcePath: "/tmp/a.mp3"},
	})

	m := NewManager(cfg, &fakeJobRunner{}, okPreflight, testLogger())
	defer m.Close()

	failed := m.Snapshot().Failed
	if len(failed) != 1 || failed[0].Attempts != 1 {
		t.Fatalf("failed = %+v, want single record with one attempt", failed)
	}
}

func TestLoadStateToleratesCorruptFile(t *testing.T) {
	cfg := config.Default(t.TempDir())
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	if err := os.WriteFile(cfg.StateFile, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write state: %v", err)
	}

	m := NewManager(cfg, &fakeJobRunner{}, okPreflight, testLogger())
	defer m.Close()

	snapshot := m.Snapshot()
	if len(snapshot.Pending) != 0 || snapshot.Running != nil || len(snapshot.Done) != 0 || len(snapshot.Failed) != 0 {
		t.Fatalf("expected empty state, got %+v", snapshot)
	}
}

func TestLegacyRecordsDeduplicateByPath(t *testing.T) {
	cfg := config.Default(t.TempDir())
	media := writeMediaFile(t, cfg.BaseDir, "meeting.mp3")
	writeStateFile(t, cfg, persistedState{
		Done: []domain.JobRecord{{
			JobID:      "old1234567",
			SourcePath: media,
			Status:     domain.JobStatusDone,
		}},
	})

	m := NewManager(cfg, &fakeJobRunner{}, okPreflight, testLogger())
	defer m.Close()

	ok, msg := m.Enqueue(media, domain.RuntimeProfile{})
	if ok {
		t.Fatalf("expected legacy path dedup, got %q", msg)
	}
}
