// Package config holds the tunable runtime parameters and the derived
// on-disk directory layout shared by the queue and the pipeline.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"

	"whisperx-queue/internal/domain"
)

// Config carries resolved tunables plus the derived directory layout.
type Config struct {
	BaseDir string

	ModelName           string
	Language            string
	Device              string
	ComputeType         string
	VADMethod           string
	SegmentResolution   string
	DiarizeModelDefault string
	AlignFallbackModel  string
	DefaultMinSpeakers  int
	DefaultMaxSpeakers  int
	DefaultChunkSize    int
	DefaultThreads      int
	WatchInterval       time.Duration
	ListenAddr          string
	FFmpegCommand       string
	WhisperXCommand     string

	LogsDir       string
	DataDir       string
	StateFile     string
	OutputRoot    string
	TempDir       string
	HFHomeDir     string
	HFHubCacheDir string
}

// Default returns baseline configuration rooted at baseDir.
func Default(baseDir string) *Config {
	cfg := &Config{
		BaseDir:             baseDir,
		ModelName:           "large-v3",
		Language:            "nl",
		Device:              "cpu",
		ComputeType:         "float32",
		VADMethod:           "pyannote",
		SegmentResolution:   "sentence",
		DiarizeModelDefault: "pyannote/speaker-diarization-3.1",
		AlignFallbackModel:  "jonatasgrosman/wav2vec2-large-xlsr-53-dutch",
		DefaultMinSpeakers:  2,
		DefaultMaxSpeakers:  4,
		DefaultChunkSize:    15,
		DefaultThreads:      defaultThreads(),
		WatchInterval:       30 * time.Second,
		ListenAddr:          "127.0.0.1:7860",
		FFmpegCommand:       "ffmpeg",
		WhisperXCommand:     "whisperx",
	}
	cfg.derivePaths()
	return cfg
}

// Load reads configuration from defaults, an optional config file, and
// WXQ_-prefixed environment variables.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetDefault("base_dir", ".")
	v.SetDefault("model", "large-v3")
	v.SetDefault("language", "nl")
	v.SetDefault("device", "cpu")
	v.SetDefault("compute_type", "float32")
	v.SetDefault("vad_method", "pyannote")
	v.SetDefault("segment_resolution", "sentence")
	v.SetDefault("diarize_model", "pyannote/speaker-diarization-3.1")
	v.SetDefault("align_fallback_model", "jonatasgrosman/wav2vec2-large-xlsr-53-dutch")
	v.SetDefault("min_speakers", 2)
	v.SetDefault("max_speakers", 4)
	v.SetDefault("chunk_size", 15)
	v.SetDefault("threads", defaultThreads())
	v.SetDefault("watch_interval", "30s")
	v.SetDefault("listen_addr", "127.0.0.1:7860")
	v.SetDefault("ffmpeg_command", "ffmpeg")
	v.SetDefault("whisperx_command", "whisperx")

	v.SetEnvPrefix("WXQ")
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	baseDir, err := filepath.Abs(v.GetString("base_dir"))
	if err != nil {
		return nil, fmt.Errorf("resolve base dir: %w", err)
	}

	watchInterval := v.GetDuration("watch_interval")
	if watchInterval <= 0 {
		return nil, fmt.Errorf("watch_interval must be positive, got %q", v.GetString("watch_interval"))
	}

	cfg := &Config{
		BaseDir:             baseDir,
		ModelName:           v.GetString("model"),
		Language:            v.GetString("language"),
		Device:              v.GetString("device"),
		ComputeType:         v.GetString("compute_type"),
		VADMethod:           v.GetString("vad_method"),
		SegmentResolution:   v.GetString("segment_resolution"),
		DiarizeModelDefault: v.GetString("diarize_model"),
		AlignFallbackModel:  v.GetString("align_fallback_model"),
		DefaultMinSpeakers:  v.GetInt("min_speakers"),
		DefaultMaxSpeakers:  v.GetInt("max_speakers"),
		DefaultChunkSize:    v.GetInt("chunk_size"),
		DefaultThreads:      v.GetInt("threads"),
		WatchInterval:       watchInterval,
		ListenAddr:          v.GetString("listen_addr"),
		FFmpegCommand:       v.GetString("ffmpeg_command"),
		WhisperXCommand:     v.GetString("whisperx_command"),
	}
	cfg.derivePaths()
	return cfg, nil
}

// derivePaths computes the directory layout under the base dir.
func (c *Config) derivePaths() {
	c.LogsDir = filepath.Join(c.BaseDir, "logs")
	c.DataDir = filepath.Join(c.BaseDir, "data")
	c.StateFile = filepath.Join(c.DataDir, "queue_state.json")
	c.OutputRoot = filepath.Join(c.BaseDir, "out")
	c.TempDir = filepath.Join(c.BaseDir, "tmp")
	c.HFHomeDir = filepath.Join(c.DataDir, "hf_home")
	c.HFHubCacheDir = filepath.Join(c.HFHomeDir, "hub")
}

// EnsureDirectories creates every directory the queue and pipeline write to.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.LogsDir, c.DataDir, c.OutputRoot, c.TempDir, c.HFHomeDir, c.HFHubCacheDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// DefaultProfile returns the runtime profile used before any enqueue has
// supplied parameters.
func (c *Config) DefaultProfile() domain.RuntimeProfile {
	return domain.RuntimeProfile{
		MinSpeakers:  c.DefaultMinSpeakers,
		MaxSpeakers:  c.DefaultMaxSpeakers,
		OutputRoot:   c.OutputRoot,
		Threads:      c.DefaultThreads,
		ChunkSize:    c.DefaultChunkSize,
		DiarizeModel: c.DiarizeModelDefault,
		Language:     c.Language,
	}
}

// defaultThreads leaves two logical cores for the rest of the system.
func defaultThreads() int {
	logical := runtime.NumCPU()
	if logical-2 > 4 {
		return logical - 2
	}
	return 4
}
