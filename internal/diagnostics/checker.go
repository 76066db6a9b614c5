// Package diagnostics runs the preflight checks gating queue start.
package diagnostics

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"whisperx-queue/internal/config"
	"whisperx-queue/internal/domain"
)

// probeTimeout bounds each external tool probe.
const probeTimeout = 15 * time.Second

// probeFunc runs one tool probe and returns its combined output.
type probeFunc func(ctx context.Context, name string, args ...string) (string, error)

// Checker validates external tools, writable directories, and credentials.
type Checker struct {
	cfg *config.Config

	lookPath   func(string) (string, error)
	probe      probeFunc
	mkdirAll   func(string, os.FileMode) error
	createTemp func(string, string) (*os.File, error)
	remove     func(string) error
}

// NewChecker builds a checker using real OS dependencies.
func NewChecker(cfg *config.Config) *Checker {
	return &Checker{
		cfg:        cfg,
		lookPath:   exec.LookPath,
		probe:      runProbe,
		mkdirAll:   os.MkdirAll,
		createTemp: os.CreateTemp,
		remove:     os.Remove,
	}
}

// Run executes every preflight check and returns the combined report.
func (c *Checker) Run(token string) domain.PreflightReport {
	checks := []domain.PreflightCheck{
		c.checkTool("ffmpeg", c.cfg.FFmpegCommand, "-version"),
		c.checkTool("whisperx", c.cfg.WhisperXCommand, "--help"),
		c.checkDirectories(),
		c.checkToken(token),
	}

	ok := true
	for _, check := range checks {
		if !check.OK {
			ok = false
			break
		}
	}

	return domain.PreflightReport{
		GeneratedAt: time.Now().UTC(),
		OK:          ok,
		Checks:      checks,
	}
}

// checkTool verifies a required CLI executable resolves and responds.
func (c *Checker) checkTool(name, command string, args ...string) domain.PreflightCheck {
	resolved, err := c.lookPath(command)
	if err != nil {
		return domain.PreflightCheck{
			Name:   name,
			OK:     false,
			Detail: fmt.Sprintf("%s not found", command),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	output, err := c.probe(ctx, resolved, args...)
	if err != nil {
		detail := strings.TrimSpace(output)
		if detail == "" {
			detail = err.Error()
		}
		return domain.PreflightCheck{Name: name, OK: false, Detail: detail}
	}

	return domain.PreflightCheck{Name: name, OK: true, Detail: resolved}
}

// checkDirectories creates the working directories and probes write access
// to the output root.
func (c *Checker) checkDirectories() domain.PreflightCheck {
	check := domain.PreflightCheck{Name: "directories"}
	for _, dir := range []string{c.cfg.LogsDir, c.cfg.DataDir, c.cfg.OutputRoot, c.cfg.TempDir, c.cfg.HFHubCacheDir} {
		if err := c.mkdirAll(dir, 0o755); err != nil {
			check.Detail = fmt.Sprintf("cannot create %s: %v", dir, err)
			return check
		}
	}

	probeFile, err := c.createTemp(c.cfg.OutputRoot, ".write-check-*")
	if err != nil {
		check.Detail = fmt.Sprintf("output root is not writable: %s", c.cfg.OutputRoot)
		return check
	}
	probePath := probeFile.Name()
	_ = probeFile.Close()
	_ = c.remove(probePath)

	check.OK = true
	check.Detail = fmt.Sprintf("%s | %s | %s", c.cfg.OutputRoot, c.cfg.LogsDir, c.cfg.TempDir)
	return check
}

// checkToken reports whether a diarization token is available.
func (c *Checker) checkToken(token string) domain.PreflightCheck {
	if strings.TrimSpace(token) == "" {
		return domain.PreflightCheck{
			Name:   "hf_token",
			OK:     false,
			Detail: "Missing HF_TOKEN (environment, .env, or session override)",
		}
	}
	return domain.PreflightCheck{Name: "hf_token", OK: true, Detail: "set"}
}

// runProbe executes one probe command and returns its combined output.
func runProbe(ctx context.Context, name string, args ...string) (string, error) {
	output, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(output), err
}

// NewCheckerForTests creates a checker with injectable dependencies.
func NewCheckerForTests(
	cfg *config.Config,
	lookPath func(string) (string, error),
	probe probeFunc,
	mkdirAll func(string, os.FileMode) error,
	createTemp func(string, string) (*os.File, error),
	remove func(string) error,
) *Checker {
	return &Checker{
		cfg:        cfg,
		lookPath:   lookPath,
		probe:      probe,
		mkdirAll:   mkdirAll,
		createTemp: createTemp,
		remove:     remove,
	}
}
