package domain

import "time"

// JobStatus values recorded for a terminal job.
const (
	JobStatusDone   = "done"
	JobStatusFailed = "failed"
)

// RuntimeProfile is the set of tunable run parameters. A copy is frozen into
// every JobSpec at enqueue time so later changes never alter a queued job.
type RuntimeProfile struct {
	MinSpeakers  int    `json:"minSpeakers"`
	MaxSpeakers  int    `json:"maxSpeakers"`
	OutputRoot   string `json:"outputRoot"`
	Threads      int    `json:"threads"`
	ChunkSize    int    `json:"chunkSize"`
	DiarizeModel string `json:"diarizeModel"`
	Language     string `json:"language"`
}

// JobSpec is the immutable specification of one accepted job.
type JobSpec struct {
	ID              string         `json:"id"`
	SourcePath      string         `json:"sourcePath"`
	SourceSize      int64          `json:"sourceSize"`
	SourceModTimeNs int64          `json:"sourceModTimeNs"`
	Fingerprint     string         `json:"fingerprint"`
	EnqueuedAt      time.Time      `json:"enqueuedAt"`
	Params          RuntimeProfile `json:"params"`
}

// JobRecord is the result of one completed attempt sequence. The fingerprint
// is carried forward so finished jobs still deduplicate future enqueues.
type JobRecord struct {
	JobID        string            `json:"jobId"`
	SourcePath   string            `json:"sourcePath"`
	Status       string            `json:"status"`
	Attempts     int               `json:"attempts"`
	StartedAt    time.Time         `json:"startedAt"`
	FinishedAt   time.Time         `json:"finishedAt"`
	OutputDir    string            `json:"outputDir,omitempty"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	Artifacts    map[string]string `json:"artifacts,omitempty"`
	MetaPath     string            `json:"metaPath,omitempty"`
	Fingerprint  string            `json:"fingerprint,omitempty"`
}

// QueueSnapshot is a consistent point-in-time copy of scheduler state.
type QueueSnapshot struct {
	Pending          []JobSpec      `json:"pending"`
	Running          *JobSpec       `json:"running"`
	RunningAttempt   int            `json:"runningAttempt"`
	RunningStartedAt *time.Time     `json:"runningStartedAt,omitempty"`
	Done             []JobRecord    `json:"done"`
	Failed           []JobRecord    `json:"failed"`
	StopAfterCurrent bool           `json:"stopAfterCurrent"`
	WatchFolder      string         `json:"watchFolder,omitempty"`
	RuntimeProfile   RuntimeProfile `json:"runtimeProfile"`
	WorkerAlive      bool           `json:"workerAlive"`
}
