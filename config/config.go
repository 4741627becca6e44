package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	APIKey         string `json:"api_key"`
	BaseURL        string `json:"base_url"`
	EmbeddingModel string `json:"embedding_model"`
	CaptionModel   string `json:"caption_model"`

	PostgresURL      string `json:"postgres_url"`
	MilvusAddr       string `json:"milvus_addr"`
	MilvusCollection string `json:"milvus_collection"`
	TranscribeURL    string `json:"transcribe_url"`

	// Pipeline tuning.
	MaxWorkers       int     `json:"max_workers"`
	BatchSize        int     `json:"batch_size"`
	MaxStageAttempts int     `json:"max_stage_attempts"`
	BatchRunBudget   int     `json:"batch_run_budget_seconds"`
	StageFailRatio   float64 `json:"stage_fail_ratio"` // failed/total above this fails the stage

	// Completion poller.
	PollInterval    int `json:"poll_interval_seconds"`
	PollMaxInterval int `json:"poll_max_interval_seconds"`
	JobDeadline     int `json:"job_deadline_seconds"`

	// Query time.
	BackendTimeout int `json:"backend_timeout_seconds"`
	FrameInterval  int `json:"frame_interval_seconds"`
}

var (
	globalConfig *Config
	loadOnce     sync.Once
	loadErr      error
)

// Load reads config.json once and overlays environment variables. A .env
// file is honored first so local runs behave like deployed ones.
func Load() (*Config, error) {
	loadOnce.Do(func() {
		_ = godotenv.Load()

		cfg := defaults()
		if data, err := os.ReadFile(configPath()); err == nil {
			if err := json.Unmarshal(data, cfg); err != nil {
				loadErr = fmt.Errorf("parse %s: %w", configPath(), err)
				return
			}
		}
		applyEnv(cfg)
		globalConfig = cfg
	})
	return globalConfig, loadErr
}

// Reset clears the cached config. Test helper.
func Reset() {
	globalConfig = nil
	loadOnce = sync.Once{}
	loadErr = nil
}

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config.json"
}

func defaults() *Config {
	return &Config{
		EmbeddingModel:   "text-embedding-3-small",
		CaptionModel:     "gpt-4o-mini",
		MilvusCollection: "frame_vectors",
		MaxWorkers:       4,
		BatchSize:        8,
		MaxStageAttempts: 3,
		BatchRunBudget:   120,
		StageFailRatio:   1.0,
		PollInterval:     5,
		PollMaxInterval:  60,
		JobDeadline:      1800,
		BackendTimeout:   10,
		FrameInterval:    5,
	}
}

func applyEnv(cfg *Config) {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setStr("API_KEY", &cfg.APIKey)
	setStr("BASE_URL", &cfg.BaseURL)
	setStr("EMBEDDING_MODEL", &cfg.EmbeddingModel)
	setStr("CAPTION_MODEL", &cfg.CaptionModel)
	setStr("POSTGRES_URL", &cfg.PostgresURL)
	setStr("MILVUS_ADDR", &cfg.MilvusAddr)
	setStr("MILVUS_COLLECTION", &cfg.MilvusCollection)
	setStr("TRANSCRIBE_URL", &cfg.TranscribeURL)
	setInt("MAX_WORKERS", &cfg.MaxWorkers)
	setInt("BATCH_SIZE", &cfg.BatchSize)
	setInt("MAX_STAGE_ATTEMPTS", &cfg.MaxStageAttempts)
	setInt("BATCH_RUN_BUDGET_SECONDS", &cfg.BatchRunBudget)
	setInt("POLL_INTERVAL_SECONDS", &cfg.PollInterval)
	setInt("POLL_MAX_INTERVAL_SECONDS", &cfg.PollMaxInterval)
	setInt("JOB_DEADLINE_SECONDS", &cfg.JobDeadline)
	setInt("BACKEND_TIMEOUT_SECONDS", &cfg.BackendTimeout)
	setInt("FRAME_INTERVAL_SECONDS", &cfg.FrameInterval)
	if v := os.Getenv("STAGE_FAIL_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.StageFailRatio = f
		}
	}
}

func (c *Config) Validate() error {
	var errs []string
	if c.MaxWorkers <= 0 {
		errs = append(errs, "max_workers must be positive")
	}
	if c.BatchSize <= 0 {
		errs = append(errs, "batch_size must be positive")
	}
	if c.MaxStageAttempts <= 0 {
		errs = append(errs, "max_stage_attempts must be positive")
	}
	if c.StageFailRatio <= 0 || c.StageFailRatio > 1 {
		errs = append(errs, "stage_fail_ratio must be in (0,1]")
	}
	if c.PollInterval <= 0 || c.PollMaxInterval < c.PollInterval {
		errs = append(errs, "poll intervals misconfigured")
	}
	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// HasValidAPI reports whether embedding/captioning calls can be made.
func (c *Config) HasValidAPI() bool {
	return strings.TrimSpace(c.APIKey) != ""
}

// HasPostgres reports whether the Postgres-backed stores can be used.
func (c *Config) HasPostgres() bool {
	return strings.TrimSpace(c.PostgresURL) != ""
}

// HasMilvus reports whether the Milvus frame index can be used.
func (c *Config) HasMilvus() bool {
	return strings.TrimSpace(c.MilvusAddr) != ""
}

func (c *Config) PollIntervalDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}

func (c *Config) PollMaxIntervalDuration() time.Duration {
	return time.Duration(c.PollMaxInterval) * time.Second
}

func (c *Config) JobDeadlineDuration() time.Duration {
	return time.Duration(c.JobDeadline) * time.Second
}

func (c *Config) BatchRunBudgetDuration() time.Duration {
	return time.Duration(c.BatchRunBudget) * time.Second
}

func (c *Config) BackendTimeoutDuration() time.Duration {
	return time.Duration(c.BackendTimeout) * time.Second
}
