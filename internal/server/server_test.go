package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"whisperx-queue/internal/config"
	"whisperx-queue/internal/domain"
	"whisperx-queue/internal/queue"
)

// fakeJobRunner is a no-op pipeline for API tests.
type fakeJobRunner struct{}

func (fakeJobRunner) Execute(job domain.JobSpec, token, outputDir, jobLogPath string, attempt int) (map[string]string, error) {
	return map[string]string{}, nil
}

func (fakeJobRunner) CancelCurrentRun() (bool, string) {
	return false, "No active process."
}

// newTestServer builds a server over a manager with a stubbed preflight.
func newTestServer(t *testing.T, preflightOK bool) (*Server, *config.Config) {
	t.Helper()
	cfg := config.Default(t.TempDir())
	preflight := func(token string) domain.PreflightReport {
		return domain.PreflightReport{OK: preflightOK}
	}
	manager := queue.NewManager(cfg, fakeJobRunner{}, preflight, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(manager.Close)
	return New(manager, slog.New(slog.NewTextHandler(io.Discard, nil))), cfg
}

func doJSON(t *testing.T, s *Server, method, target, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.App().Test(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	defer resp.Body.Close()

	payload := map[string]any{}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			t.Fatalf("parse response %q: %v", string(data), err)
		}
	}
	return resp.StatusCode, payload
}

func writeMediaFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("media"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestEnqueueEndpoint(t *testing.T) {
	s, cfg := newTestServer(t, true)
	media := writeMediaFile(t, cfg.BaseDir, "meeting.mp3")

	status, payload := doJSON(t, s, "POST", "/api/jobs", `{"path":"`+media+`"}`)
	if status != 200 || payload["ok"] != true {
		t.Fatalf("status = %d payload = %v", status, payload)
	}

	status, payload = doJSON(t, s, "POST", "/api/jobs", `{"path":"/nonexistent/file.mp3"}`)
	if status != 422 || payload["ok"] != false {
		t.Fatalf("status = %d payload = %v", status, payload)
	}

	status, _ = doJSON(t, s, "POST", "/api/jobs", `{not json`)
	if status != 400 {
		t.Fatalf("status = %d, want 400 for malformed body", status)
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	s, cfg := newTestServer(t, true)
	writeMediaFile(t, cfg.BaseDir, "meeting.mp3")
	doJSON(t, s, "POST", "/api/jobs", `{"path":"`+filepath.Join(cfg.BaseDir, "meeting.mp3")+`"}`)

	req := httptest.NewRequest("GET", "/api/queue", nil)
	resp, err := s.App().Test(req)
	if err != nil {
		t.Fatalf("GET /api/queue: %v", err)
	}
	defer resp.Body.Close()

	var snapshot domain.QueueSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snapshot.Pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(snapshot.Pending))
	}
	if snapshot.RuntimeProfile.MinSpeakers < 1 {
		t.Fatalf("profile missing from snapshot: %+v", snapshot.RuntimeProfile)
	}
}

func TestWatchFolderEndpoints(t *testing.T) {
	s, _ := newTestServer(t, true)
	watchDir := t.TempDir()
	writeMediaFile(t, watchDir, "a.mp3")

	status, payload := doJSON(t, s, "PUT", "/api/watch-folder", `{"path":"`+watchDir+`"}`)
	if status != 200 || payload["ok"] != true {
		t.Fatalf("status = %d payload = %v", status, payload)
	}

	status, payload = doJSON(t, s, "POST", "/api/watch-folder/rescan", "")
	if status != 200 || payload["added"] != float64(1) {
		t.Fatalf("status = %d payload = %v", status, payload)
	}

	status, payload = doJSON(t, s, "PUT", "/api/watch-folder", `{"path":"/nonexistent/dir"}`)
	if status != 422 || payload["ok"] != false {
		t.Fatalf("status = %d payload = %v", status, payload)
	}
}

func TestQueueControlEndpoints(t *testing.T) {
	s, cfg := newTestServer(t, true)
	t.Setenv("HF_TOKEN", "tok")
	writeMediaFile(t, cfg.BaseDir, "meeting.mp3")
	doJSON(t, s, "POST", "/api/jobs", `{"path":"`+filepath.Join(cfg.BaseDir, "meeting.mp3")+`"}`)

	status, payload := doJSON(t, s, "POST", "/api/queue/pending/clear", "")
	if status != 200 || payload["removed"] != float64(1) {
		t.Fatalf("clear: status = %d payload = %v", status, payload)
	}

	status, payload = doJSON(t, s, "POST", "/api/queue/start", `{"token":"session-tok"}`)
	if status != 200 || payload["ok"] != true {
		t.Fatalf("start: status = %d payload = %v", status, payload)
	}

	status, payload = doJSON(t, s, "POST", "/api/queue/stop", "")
	if status != 200 || !strings.Contains(payload["message"].(string), "Stop requested") {
		t.Fatalf("stop: status = %d payload = %v", status, payload)
	}

	status, payload = doJSON(t, s, "POST", "/api/queue/kill", "")
	if status != 200 || payload["ok"] != false {
		t.Fatalf("kill: status = %d payload = %v", status, payload)
	}
}

func TestStartEndpointReportsPreflightFailure(t *testing.T) {
	s, _ := newTestServer(t, false)

	status, payload := doJSON(t, s, "POST", "/api/queue/start", "")
	if status != 412 || payload["ok"] != false {
		t.Fatalf("status = %d payload = %v", status, payload)
	}
	if _, ok := payload["report"]; !ok {
		t.Fatal("failure response must include the preflight report")
	}
}
