// Package queue owns all mutable scheduler state: the pending list, the
// single running slot, done/failed history, the watch folder, and their
// persistence across restarts.
package queue

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"whisperx-queue/internal/config"
	"whisperx-queue/internal/domain"
)

// workerPollInterval bounds how long the worker sleeps without a wake signal.
const workerPollInterval = time.Second

// interruptedMessage is the fixed reason recorded for jobs recovered from a
// crashed run.
const interruptedMessage = "Application restarted while job was running."

// audioExtensions are the recognized media extensions for enqueue and
// watch-folder ingestion.
var audioExtensions = map[string]struct{}{
	".wav": {}, ".mp3": {}, ".m4a": {}, ".flac": {}, ".ogg": {},
	".opus": {}, ".aac": {}, ".wma": {}, ".mp4": {}, ".mkv": {},
}

// unsafeNameChars is everything stripped from output folder names.
var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// JobRunner executes one attempt of the external pipeline. The scheduler
// never lets it touch queue state; it only returns artifacts or an error.
type JobRunner interface {
	Execute(job domain.JobSpec, token, outputDir, jobLogPath string, attempt int) (map[string]string, error)
	CancelCurrentRun() (bool, string)
}

// PreflightFunc runs readiness checks before the worker may start.
type PreflightFunc func(token string) domain.PreflightReport

// Manager is the scheduler aggregate. All public operations take the single
// mutex; the lock is never held across a pipeline call.
type Manager struct {
	cfg       *config.Config
	runner    JobRunner
	preflight PreflightFunc
	log       *slog.Logger

	wake      chan struct{}
	quit      chan struct{}
	closeOnce sync.Once

	mu               sync.Mutex
	pending          []domain.JobSpec
	running          *domain.JobSpec
	runningAttempt   int
	runningStartedAt *time.Time
	done             []domain.JobRecord
	failed           []domain.JobRecord
	stopAfterCurrent bool
	watchFolder      string
	sessionToken     string
	profile          domain.RuntimeProfile
	workerAlive      bool

	now   func() time.Time
	newID func() string
}

// NewManager loads persisted state, recovers interrupted jobs, and starts
// the watch-folder ticker. The worker starts only via StartProcessing.
func NewManager(cfg *config.Config, runner JobRunner, preflight PreflightFunc, log *slog.Logger) *Manager {
	m := &Manager{
		cfg:       cfg,
		runner:    runner,
		preflight: preflight,
		log:       log,
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
		profile:   cfg.DefaultProfile(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     newJobID,
	}
	m.loadState()
	go m.watchLoop()
	return m
}

// Close stops the watch ticker and the worker loop.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.quit)
	})
}

// Enqueue validates a source file, deduplicates by fingerprint, and appends
// a new job to the pending list. It never blocks on execution.
func (m *Manager) Enqueue(sourcePath string, params domain.RuntimeProfile) (bool, string) {
	absPath, err := filepath.Abs(sourcePath)
	if err != nil {
		return false, fmt.Sprintf("File not found: %s", sourcePath)
	}
	info, err := os.Stat(absPath)
	if err != nil || info.IsDir() || !info.Mode().IsRegular() {
		return false, fmt.Sprintf("File not found: %s", absPath)
	}
	ext := strings.ToLower(filepath.Ext(absPath))
	if _, ok := audioExtensions[ext]; !ok {
		return false, fmt.Sprintf("Unsupported extension: %s", ext)
	}

	params = m.normalizeParams(params)
	fingerprint := buildFingerprint(absPath, info.Size(), info.ModTime().UnixNano())

	m.mu.Lock()
	m.profile = params
	if m.fingerprintExistsLocked(fingerprint) {
		m.mu.Unlock()
		return false, "File already in queue/history (duplicate skipped)."
	}

	job := domain.JobSpec{
		ID:              m.newID(),
		SourcePath:      absPath,
		SourceSize:      info.Size(),
		SourceModTimeNs: info.ModTime().UnixNano(),
		Fingerprint:     fingerprint,
		EnqueuedAt:      m.now(),
		Params:          params,
	}
	m.pending = append(m.pending, job)
	m.saveStateLocked()
	m.mu.Unlock()

	m.signalWake()
	m.log.Info("queued job", "job", job.ID, "source", job.SourcePath)
	return true, fmt.Sprintf("Queued: %s (%s)", filepath.Base(absPath), job.ID)
}

// EnqueueFromWatchFolder scans the watch folder non-recursively and enqueues
// every recognized media file in sorted order. Duplicates are skipped
// silently; the count actually admitted is returned.
func (m *Manager) EnqueueFromWatchFolder(params domain.RuntimeProfile) int {
	params = m.normalizeParams(params)

	m.mu.Lock()
	m.profile = params
	folder := m.watchFolder
	m.mu.Unlock()

	if folder == "" {
		return 0
	}
	entries, err := os.ReadDir(folder)
	if err != nil {
		return 0
	}

	added := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if _, ok := audioExtensions[ext]; !ok {
			continue
		}
		if ok, _ := m.Enqueue(filepath.Join(folder, entry.Name()), params); ok {
			added++
		}
	}
	return added
}

// SetWatchFolder sets or clears (empty input) the watched directory.
func (m *Manager) SetWatchFolder(folder string) (bool, string) {
	cleaned := strings.TrimSpace(folder)
	if cleaned == "" {
		m.mu.Lock()
		m.watchFolder = ""
		m.saveStateLocked()
		m.mu.Unlock()
		return true, "Watch folder cleared."
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return false, fmt.Sprintf("Watch folder not found: %s", cleaned)
	}
	info, err := os.Stat(absPath)
	if err != nil || !info.IsDir() {
		return false, fmt.Sprintf("Watch folder not found: %s", absPath)
	}

	m.mu.Lock()
	m.watchFolder = absPath
	m.saveStateLocked()
	m.mu.Unlock()
	return true, fmt.Sprintf("Watch folder set: %s", absPath)
}

// ClearPending atomically empties the pending list, leaving the running job
// and history untouched. Returns the number of jobs removed.
func (m *Manager) ClearPending() int {
	m.mu.Lock()
	count := len(m.pending)
	m.pending = nil
	m.saveStateLocked()
	m.mu.Unlock()

	if count > 0 {
		m.log.Info("cleared pending jobs", "count", count)
	}
	return count
}

// RequestStopAfterCurrent sets the cooperative stop flag. The running job is
// never interrupted; the worker re-checks the flag between jobs.
func (m *Manager) RequestStopAfterCurrent() string {
	m.mu.Lock()
	m.stopAfterCurrent = true
	m.saveStateLocked()
	m.mu.Unlock()

	m.log.Info("stop-after-current requested")
	return "Stop requested: current file will finish, then queue pauses."
}

// KillAll forcibly terminates the in-flight external process, if any.
func (m *Manager) KillAll() (bool, string) {
	return m.runner.CancelCurrentRun()
}

// StartProcessing resolves the effective token, runs preflight, and starts
// the single worker when every check passes. The report is returned
// unconditionally so callers can display diagnostics on failure.
func (m *Manager) StartProcessing(token string) (bool, string, domain.PreflightReport) {
	env := config.LoadEnvironment(m.cfg.BaseDir)
	resolved := config.ResolveHFToken(token, env)
	report := m.preflight(resolved)
	if !report.OK {
		return false, "Preflight failed. Fix checks before starting queue.", report
	}

	m.mu.Lock()
	m.sessionToken = strings.TrimSpace(token)
	m.stopAfterCurrent = false
	m.ensureWorkerLocked()
	m.saveStateLocked()
	m.mu.Unlock()

	m.signalWake()
	return true, "Queue started.", report
}

// Snapshot returns a consistent copy of all queue state for display.
func (m *Manager) Snapshot() domain.QueueSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := domain.QueueSnapshot{
		Pending:          append([]domain.JobSpec{}, m.pending...),
		RunningAttempt:   m.runningAttempt,
		Done:             append([]domain.JobRecord{}, m.done...),
		Failed:           append([]domain.JobRecord{}, m.failed...),
		StopAfterCurrent: m.stopAfterCurrent,
		WatchFolder:      m.watchFolder,
		RuntimeProfile:   m.profile,
		WorkerAlive:      m.workerAlive,
	}
	if m.running != nil {
		running := *m.running
		snapshot.Running = &running
	}
	if m.runningStartedAt != nil {
		started := *m.runningStartedAt
		snapshot.RunningStartedAt = &started
	}
	return snapshot
}

// ensureWorkerLocked spawns the worker goroutine unless one is alive.
func (m *Manager) ensureWorkerLocked() {
	if m.workerAlive {
		return
	}
	m.workerAlive = true
	go m.workerLoop()
}

// workerLoop drains pending jobs one at a time, waking on explicit signals
// and on a bounded poll timeout.
func (m *Manager) workerLoop() {
	m.log.Info("queue worker started")
	for {
		select {
		case <-m.quit:
			return
		case <-m.wake:
		case <-time.After(workerPollInterval):
		}
		m.drainPending()
	}
}

// drainPending promotes and processes pending jobs until the list is empty
// or a stop is requested. The lock is released around execution.
func (m *Manager) drainPending() {
	for {
		m.mu.Lock()
		if m.stopAfterCurrent || len(m.pending) == 0 {
			m.mu.Unlock()
			return
		}
		job := m.pending[0]
		m.pending = m.pending[1:]
		m.running = &job
		m.runningAttempt = 0
		started := m.now()
		m.runningStartedAt = &started
		m.saveStateLocked()
		m.mu.Unlock()

		m.processJob(job)
	}
}

// processJob runs the retry envelope for one job: at most two attempts, a
// log note between them, then exactly one terminal record.
func (m *Manager) processJob(job domain.JobSpec) {
	outputDir := m.allocateOutputDir(job)
	jobLogPath := filepath.Join(outputDir, "job.log")
	startedAt := m.now()

	status := domain.JobStatusFailed
	attempts := 0
	var artifacts map[string]string
	errorMessage := ""

	token := m.resolveRuntimeToken()
	if token == "" {
		errorMessage = "Missing HF token (HF_TOKEN or session token)."
		m.log.Error("job failed before start", "job", job.ID, "error", errorMessage)
	} else {
		for attempt := 1; attempt <= 2; attempt++ {
			attempts = attempt
			m.mu.Lock()
			m.runningAttempt = attempt
			m.saveStateLocked()
			m.mu.Unlock()

			result, err := m.runner.Execute(job, token, outputDir, jobLogPath, attempt)
			if err == nil {
				status = domain.JobStatusDone
				artifacts = result
				errorMessage = ""
				break
			}
			errorMessage = err.Error()
			m.log.Error("job attempt failed", "job", job.ID, "attempt", attempt, "error", errorMessage)
			if attempt == 1 {
				appendJobLog(jobLogPath, "Retrying once after failure...")
			}
		}
	}

	if attempts == 0 {
		attempts = 1
	}
	record := domain.JobRecord{
		JobID:        job.ID,
		SourcePath:   job.SourcePath,
		Status:       status,
		Attempts:     attempts,
		StartedAt:    startedAt,
		FinishedAt:   m.now(),
		OutputDir:    outputDir,
		ErrorMessage: errorMessage,
		Artifacts:    artifacts,
		Fingerprint:  job.Fingerprint,
	}
	if metaPath, err := m.writeMeta(job, record, outputDir); err == nil {
		record.MetaPath = metaPath
	} else {
		m.log.Error("write job metadata", "job", job.ID, "error", err)
	}

	m.mu.Lock()
	m.running = nil
	m.runningAttempt = 0
	m.runningStartedAt = nil
	if status == domain.JobStatusDone {
		m.done = append([]domain.JobRecord{record}, m.done...)
	} else {
		m.failed = append([]domain.JobRecord{record}, m.failed...)
	}
	m.saveStateLocked()
	m.mu.Unlock()

	if status == domain.JobStatusDone {
		m.log.Info("job completed", "job", job.ID, "attempts", record.Attempts)
	} else {
		m.log.Error("job failed", "job", job.ID, "attempts", record.Attempts, "error", errorMessage)
	}
}

// watchLoop periodically rescans the watch folder with the last-used
// parameters.
func (m *Manager) watchLoop() {
	ticker := time.NewTicker(m.cfg.WatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.quit:
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		folder := m.watchFolder
		params := m.profile
		m.mu.Unlock()
		if folder == "" {
			continue
		}

		if added := m.EnqueueFromWatchFolder(params); added > 0 {
			m.log.Info("watch folder enqueued new files", "count", added)
		}
	}
}

// signalWake nudges the worker without blocking; signals coalesce.
func (m *Manager) signalWake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// resolveRuntimeToken resolves the effective token at execution time from
// the session override and environment.
func (m *Manager) resolveRuntimeToken() string {
	m.mu.Lock()
	session := m.sessionToken
	m.mu.Unlock()
	return config.ResolveHFToken(session, config.LoadEnvironment(m.cfg.BaseDir))
}

// normalizeParams enforces parameter invariants, falling back to configured
// defaults for missing values.
func (m *Manager) normalizeParams(p domain.RuntimeProfile) domain.RuntimeProfile {
	if p.MinSpeakers < 1 {
		p.MinSpeakers = m.cfg.DefaultMinSpeakers
	}
	if p.MaxSpeakers < 1 {
		p.MaxSpeakers = m.cfg.DefaultMaxSpeakers
	}
	if p.MaxSpeakers < p.MinSpeakers {
		p.MaxSpeakers = p.MinSpeakers
	}
	if p.Threads < 1 {
		p.Threads = m.cfg.DefaultThreads
	}
	if p.ChunkSize < 5 {
		p.ChunkSize = m.cfg.DefaultChunkSize
	}
	if strings.TrimSpace(p.OutputRoot) == "" {
		p.OutputRoot = m.cfg.OutputRoot
	}
	if strings.TrimSpace(p.DiarizeModel) == "" {
		p.DiarizeModel = m.cfg.DiarizeModelDefault
	}
	if strings.TrimSpace(p.Language) == "" {
		p.Language = m.cfg.Language
	}
	return p
}

// fingerprintExistsLocked checks pending, running, and history for the
// fingerprint. Legacy records without a fingerprint match on path alone.
func (m *Manager) fingerprintExistsLocked(fingerprint string) bool {
	pathPart, _, _ := strings.Cut(fingerprint, "::")
	for _, job := range m.pending {
		if job.Fingerprint == fingerprint {
			return true
		}
	}
	if m.running != nil && m.running.Fingerprint == fingerprint {
		return true
	}
	for _, records := range [][]domain.JobRecord{m.done, m.failed} {
		for _, record := range records {
			if record.Fingerprint == fingerprint {
				return true
			}
			if record.Fingerprint == "" && record.SourcePath == pathPart {
				return true
			}
		}
	}
	return false
}

// allocateOutputDir creates a unique per-job directory under the job's
// output root, suffixing the job ID on collision.
func (m *Manager) allocateOutputDir(job domain.JobSpec) string {
	root := job.Params.OutputRoot
	_ = os.MkdirAll(root, 0o755)

	base := buildOutputFolderName(job)
	candidate := filepath.Join(root, base)
	if _, err := os.Stat(candidate); err == nil {
		candidate = filepath.Join(root, base+"__"+job.ID)
	}
	_ = os.MkdirAll(candidate, 0o755)
	return candidate
}

// writeMeta writes the per-job metadata file embedding the spec, the result,
// and the runtime snapshot.
func (m *Manager) writeMeta(job domain.JobSpec, record domain.JobRecord, outputDir string) (string, error) {
	payload := jobMetadata{
		Job:    job,
		Result: record,
		Runtime: runtimeSnapshot{
			Model:              m.cfg.ModelName,
			Device:             m.cfg.Device,
			ComputeType:        m.cfg.ComputeType,
			VADMethod:          m.cfg.VADMethod,
			SegmentResolution:  m.cfg.SegmentResolution,
			AlignFallbackModel: m.cfg.AlignFallbackModel,
			GeneratedAt:        m.now(),
		},
		OutputDir: outputDir,
	}
	metaPath := filepath.Join(outputDir, "meta.json")
	if err := writeJSONFile(metaPath, payload); err != nil {
		return "", err
	}
	return metaPath, nil
}

// buildFingerprint derives the dedup key from the resolved path, size, and
// modification time in nanoseconds.
func buildFingerprint(absPath string, size, modTimeNs int64) string {
	return fmt.Sprintf("%s::%d::%d", absPath, size, modTimeNs)
}

// buildOutputFolderName combines the source modification timestamp with the
// sanitized file stem.
func buildOutputFolderName(job domain.JobSpec) string {
	stamp := time.Unix(0, job.SourceModTimeNs).Format("2006-01-02_15-04-05")
	base := filepath.Base(job.SourcePath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return stamp + "__" + sanitizeName(stem)
}

// sanitizeName strips filesystem-hostile characters from folder names.
func sanitizeName(value string) string {
	cleaned := strings.Trim(unsafeNameChars.ReplaceAllString(value, "_"), "._")
	if cleaned == "" {
		return "audio"
	}
	return cleaned
}

// newJobID returns a short opaque identifier.
func newJobID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

// appendJobLog appends one line to the per-job text log.
func appendJobLog(path, text string) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer file.Close()
	_, _ = file.WriteString(strings.TrimRight(text, "\n") + "\n")
}
