// Package transcribe drives the external ffmpeg + whisperx pipeline for one
// job attempt, including failure classification and fallback retries.
package transcribe

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"whisperx-queue/internal/config"
	"whisperx-queue/internal/domain"
)

// errorTailLines bounds how much command output ends up in error messages.
const errorTailLines = 20

// alignmentFailureSignals mark output that suggests the alignment stage broke.
var alignmentFailureSignals = []string{"align", "alignment", "wav2vec", "ctc", "phoneme"}

// modelCachePattern extracts the implicated cache directory from whisperx
// output when the model cache is corrupted.
var modelCachePattern = regexp.MustCompile(`model '([^']+)'`)

// CommandResult is one external process outcome.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Combined joins stdout and stderr for classification and error tails.
func (r CommandResult) Combined() string {
	return strings.TrimSpace(r.Stdout + "\n" + r.Stderr)
}

// commandRunner abstracts external process execution for testability. Run
// returns an error only when the process could not be started; a started
// process that exits non-zero yields a non-zero ExitCode and a nil error.
type commandRunner interface {
	Run(name string, args []string, env []string) (CommandResult, error)
}

// processKiller is implemented by runners that track a live process.
type processKiller interface {
	KillCurrent() (bool, string)
}

// PipelineError is a stage-aware failure carrying the output tail.
type PipelineError struct {
	Stage   string
	Message string
	Err     error
}

// Error formats pipeline failures for records and logs.
func (e *PipelineError) Error() string {
	if e.Message == "" {
		return e.Stage
	}
	return e.Stage + ": " + e.Message
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// execRunner executes commands via os/exec and tracks the live process so an
// operator kill request can reach it.
type execRunner struct {
	mu      sync.Mutex
	current *exec.Cmd
}

// Run starts one command and captures stdout, stderr, and the exit code.
func (r *execRunner) Run(name string, args []string, env []string) (CommandResult, error) {
	cmd := exec.Command(name, args...)
	cmd.Env = env
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return CommandResult{ExitCode: -1}, err
	}

	r.mu.Lock()
	r.current = cmd
	r.mu.Unlock()

	err := cmd.Wait()

	r.mu.Lock()
	r.current = nil
	r.mu.Unlock()

	result := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, err
	}
	return result, nil
}

// KillCurrent forcibly terminates the tracked process, if any.
func (r *execRunner) KillCurrent() (bool, string) {
	r.mu.Lock()
	cmd := r.current
	r.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return false, "no active ffmpeg/whisperx process to kill"
	}

	pid := cmd.Process.Pid
	if err := killProcessTree(pid, cmd.Process); err != nil {
		return false, fmt.Sprintf("failed to kill active process pid %d: %v", pid, err)
	}
	return true, fmt.Sprintf("killed active process pid %d", pid)
}

// killProcessTree kills forcefully first, then falls back to a softer signal.
func killProcessTree(pid int, proc *os.Process) error {
	if runtime.GOOS == "windows" {
		if err := exec.Command("taskkill", "/PID", strconv.Itoa(pid), "/T", "/F").Run(); err == nil {
			return nil
		}
	}
	if err := proc.Kill(); err != nil {
		return proc.Signal(os.Interrupt)
	}
	return nil
}

// Runner executes the normalize + transcribe sequence for one job attempt.
type Runner struct {
	cfg       *config.Config
	log       *slog.Logger
	runner    commandRunner
	modelName string

	stat      func(string) (os.FileInfo, error)
	mkdirAll  func(string, os.FileMode) error
	removeAll func(string) error
	environ   func() []string
}

// NewRunner constructs the production runner with OS dependencies.
func NewRunner(cfg *config.Config, log *slog.Logger) *Runner {
	r := &Runner{
		cfg:       cfg,
		log:       log,
		runner:    &execRunner{},
		modelName: domain.ResolveWhisperModel(cfg.ModelName),
		stat:      os.Stat,
		mkdirAll:  os.MkdirAll,
		removeAll: os.RemoveAll,
		environ:   os.Environ,
	}
	if r.modelName != cfg.ModelName {
		log.Warn("configured model mapped to canonical name",
			"configured", cfg.ModelName, "canonical", r.modelName)
	}
	return r
}

// Execute runs one attempt: validate, normalize audio, transcribe with
// fallback policy, and derive canonical artifacts. The scratch directory is
// removed on every exit path.
func (r *Runner) Execute(job domain.JobSpec, token, outputDir, jobLogPath string, attempt int) (map[string]string, error) {
	if _, err := r.stat(job.SourcePath); err != nil {
		return nil, &PipelineError{Stage: "normalize", Message: fmt.Sprintf("source file not found: %s", job.SourcePath), Err: err}
	}
	if strings.TrimSpace(token) == "" {
		return nil, &PipelineError{Stage: "normalize", Message: "HF token is empty; diarization requires a token"}
	}

	if err := r.mkdirAll(outputDir, 0o755); err != nil {
		return nil, &PipelineError{Stage: "normalize", Message: fmt.Sprintf("cannot create output directory: %s", outputDir), Err: err}
	}
	tempDir := filepath.Join(r.cfg.TempDir, fmt.Sprintf("%s_attempt%d", job.ID, attempt))
	if err := r.mkdirAll(tempDir, 0o755); err != nil {
		return nil, &PipelineError{Stage: "normalize", Message: "failed to create scratch directory", Err: err}
	}
	defer func() {
		_ = r.removeAll(tempDir)
	}()

	appendJobLog(jobLogPath, fmt.Sprintf("Attempt %d started at %s", attempt, time.Now().UTC().Format(time.RFC3339)))

	normalizedWAV := filepath.Join(tempDir, "input_16k_mono.wav")
	if err := r.convertToWAV(job.SourcePath, normalizedWAV, jobLogPath); err != nil {
		return nil, err
	}

	if err := r.runWhisperXWithFallback(normalizedWAV, outputDir, job, token, jobLogPath); err != nil {
		return nil, err
	}

	artifacts, err := r.postprocessOutputs(outputDir)
	if err != nil {
		return nil, err
	}

	appendJobLog(jobLogPath, fmt.Sprintf("Attempt %d finished successfully.", attempt))
	return artifacts, nil
}

// CancelCurrentRun forcibly terminates the in-flight external process.
func (r *Runner) CancelCurrentRun() (bool, string) {
	if killer, ok := r.runner.(processKiller); ok {
		return killer.KillCurrent()
	}
	return false, "no active ffmpeg/whisperx process to kill"
}

// convertToWAV resamples the source into mono 16 kHz WAV. A non-zero exit is
// a hard failure for the attempt.
func (r *Runner) convertToWAV(sourcePath, targetWAV, jobLogPath string) error {
	args := []string{"-y", "-i", sourcePath, "-ar", "16000", "-ac", "1", targetWAV}
	result, err := r.runCommand(r.cfg.FFmpegCommand, args, jobLogPath, nil)
	if err != nil {
		return &PipelineError{Stage: "normalize", Message: "ffmpeg failed to start", Err: err}
	}
	if result.ExitCode != 0 {
		return commandError("normalize", "ffmpeg conversion failed", result)
	}
	return nil
}

// runWhisperXWithFallback applies the fixed two-tier in-attempt policy:
// cache-clear retry on a corrupted model cache, then a single retry with the
// explicit fallback alignment model.
func (r *Runner) runWhisperXWithFallback(wavPath, outputDir string, job domain.JobSpec, token, jobLogPath string) error {
	baseArgs := r.buildWhisperXArgs(wavPath, outputDir, job, token, "")
	first, err := r.runCommand(r.cfg.WhisperXCommand, baseArgs, jobLogPath, []string{token})
	if err != nil {
		return &PipelineError{Stage: "transcribe", Message: "whisperx failed to start", Err: err}
	}
	if first.ExitCode == 0 {
		return nil
	}

	if looksLikeMissingModelBin(first.Combined()) {
		if cacheDir := extractModelCachePath(first.Combined()); cacheDir != "" {
			if _, statErr := r.stat(cacheDir); statErr == nil {
				appendJobLog(jobLogPath, fmt.Sprintf("Detected corrupted/incomplete model cache at %s; clearing and retrying once.", cacheDir))
				r.log.Warn("removing broken whisper cache directory", "dir", cacheDir)
				_ = r.removeAll(cacheDir)
				retry, retryErr := r.runCommand(r.cfg.WhisperXCommand, baseArgs, jobLogPath, []string{token})
				if retryErr != nil {
					return &PipelineError{Stage: "transcribe", Message: "whisperx failed to start", Err: retryErr}
				}
				if retry.ExitCode == 0 {
					return nil
				}
				first = retry
			}
		}
	}

	if looksLikeAlignmentFailure(first.Combined()) {
		appendJobLog(jobLogPath, "Detected possible alignment issue, retrying with explicit fallback align model.")
		fallbackArgs := r.buildWhisperXArgs(wavPath, outputDir, job, token, r.cfg.AlignFallbackModel)
		second, secondErr := r.runCommand(r.cfg.WhisperXCommand, fallbackArgs, jobLogPath, []string{token})
		if secondErr != nil {
			return &PipelineError{Stage: "transcribe", Message: "whisperx failed to start", Err: secondErr}
		}
		if second.ExitCode == 0 {
			return nil
		}
		return commandError("transcribe", "whisperx failed after align fallback", second)
	}

	return commandError("transcribe", "whisperx failed", first)
}

// buildWhisperXArgs builds the deterministic whisperx command line.
func (r *Runner) buildWhisperXArgs(wavPath, outputDir string, job domain.JobSpec, token, alignModel string) []string {
	args := []string{
		wavPath,
		"--model", r.modelName,
		"--language", job.Params.Language,
		"--device", r.cfg.Device,
		"--compute_type", r.cfg.ComputeType,
		"--vad_method", r.cfg.VADMethod,
		"--chunk_size", strconv.Itoa(job.Params.ChunkSize),
		"--diarize",
		"--diarize_model", job.Params.DiarizeModel,
		"--hf_token", token,
		"--min_speakers", strconv.Itoa(job.Params.MinSpeakers),
		"--max_speakers", strconv.Itoa(job.Params.MaxSpeakers),
		"--output_dir", outputDir,
		"--output_format", "all",
		"--segment_resolution", r.cfg.SegmentResolution,
		"--threads", strconv.Itoa(job.Params.Threads),
	}
	if alignModel != "" {
		args = append(args, "--align_model", alignModel)
	}
	return args
}

// runCommand executes one external command, logging the token-masked command
// line, captured output, and return code to the job log.
func (r *Runner) runCommand(name string, args []string, jobLogPath string, sensitive []string) (CommandResult, error) {
	masked := maskCommand(name, args, sensitive)
	r.log.Info("running external command", "command", masked)
	appendJobLog(jobLogPath, "$ "+masked)

	result, err := r.runner.Run(name, args, r.subprocessEnv())
	if result.Stdout != "" {
		appendJobLog(jobLogPath, result.Stdout)
	}
	if result.Stderr != "" {
		appendJobLog(jobLogPath, result.Stderr)
	}
	appendJobLog(jobLogPath, fmt.Sprintf("Return code: %d", result.ExitCode))
	return result, err
}

// subprocessEnv pins the model cache location for every spawned process.
func (r *Runner) subprocessEnv() []string {
	env := append([]string{}, r.environ()...)
	return append(env,
		"HF_HOME="+r.cfg.HFHomeDir,
		"HF_HUB_CACHE="+r.cfg.HFHubCacheDir,
		"HF_HUB_DISABLE_SYMLINKS_WARNING=1",
		"HF_HUB_ENABLE_HF_TRANSFER=0",
	)
}

// looksLikeMissingModelBin matches the corrupted model cache signature.
func looksLikeMissingModelBin(combined string) bool {
	return strings.Contains(strings.ToLower(combined), "unable to open file 'model.bin'")
}

// looksLikeAlignmentFailure matches output suggesting the align stage broke.
func looksLikeAlignmentFailure(combined string) bool {
	lowered := strings.ToLower(combined)
	for _, signal := range alignmentFailureSignals {
		if strings.Contains(lowered, signal) {
			return true
		}
	}
	return false
}

// extractModelCachePath pulls the implicated cache directory out of whisperx
// output. Empty when no path is mentioned.
func extractModelCachePath(combined string) string {
	match := modelCachePattern.FindStringSubmatch(combined)
	if match == nil {
		return ""
	}
	return match[1]
}

// commandError builds a stage error from the tail of combined output.
func commandError(stage, prefix string, result CommandResult) *PipelineError {
	lines := strings.Split(result.Combined(), "\n")
	if len(lines) > errorTailLines {
		lines = lines[len(lines)-errorTailLines:]
	}
	tail := strings.TrimSpace(strings.Join(lines, "\n"))
	if tail == "" {
		tail = fmt.Sprintf("return code %d", result.ExitCode)
	}
	return &PipelineError{Stage: stage, Message: prefix + ": " + tail}
}

// maskCommand renders a command line with sensitive values replaced.
func maskCommand(name string, args []string, sensitive []string) string {
	tokens := append([]string{name}, args...)
	for i, token := range tokens {
		for _, value := range sensitive {
			if value != "" && token == value {
				tokens[i] = "***"
			}
		}
	}
	for i, token := range tokens {
		if strings.ContainsAny(token, " \t") {
			tokens[i] = strconv.Quote(token)
		}
	}
	return strings.Join(tokens, " ")
}

// appendJobLog appends one line to the per-job text log.
func appendJobLog(path, text string) {
	if path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer file.Close()
	_, _ = file.WriteString(strings.TrimRight(text, "\n") + "\n")
}

// NewRunnerForTests constructs a runner with an injectable command runner.
func NewRunnerForTests(cfg *config.Config, log *slog.Logger, runner commandRunner) *Runner {
	return &Runner{
		cfg:       cfg,
		log:       log,
		runner:    runner,
		modelName: domain.ResolveWhisperModel(cfg.ModelName),
		stat:      os.Stat,
		mkdirAll:  os.MkdirAll,
		removeAll: os.RemoveAll,
		environ:   os.Environ,
	}
}
