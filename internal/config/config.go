package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	DBMinConns  int32  `envconfig:"SNI_DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"SNI_DB_MAX_CONNS" default:"8"`

	TaxonomyPath string `envconfig:"TAXONOMY_PATH" default:"taxonomy.yaml"`
	Track        string `envconfig:"SNI_TRACK" default:"news"`

	FeedLookback    time.Duration `envconfig:"FEED_LOOKBACK" default:"48h"`
	FeedMaxAttempts int           `envconfig:"FEED_MAX_ATTEMPTS" default:"4"`
	FeedBackoffBase time.Duration `envconfig:"FEED_BACKOFF_BASE" default:"500ms"`
	FeedWorkers     int           `envconfig:"FEED_WORKERS" default:"4"`

	IngestInterval  time.Duration `envconfig:"INGEST_INTERVAL" default:"5m"`
	MatchInterval   time.Duration `envconfig:"MATCH_INTERVAL" default:"1m"`
	ClusterInterval time.Duration `envconfig:"CLUSTER_INTERVAL" default:"10m"`
	EnrichInterval  time.Duration `envconfig:"ENRICH_INTERVAL" default:"30m"`

	BatchMin         int           `envconfig:"BATCH_MIN" default:"50"`
	BatchMax         int           `envconfig:"BATCH_MAX" default:"1000"`
	StageMaxAttempts int           `envconfig:"STAGE_MAX_ATTEMPTS" default:"3"`
	StageBackoffBase time.Duration `envconfig:"STAGE_BACKOFF_BASE" default:"2s"`

	TopBilateral      int     `envconfig:"TOP_BILATERAL" default:"15"`
	AliasSubgroups    int     `envconfig:"ALIAS_SUBGROUPS" default:"5"`
	MinSignalOverlap  int     `envconfig:"MIN_SIGNAL_OVERLAP" default:"2"`
	EmergenceSize     int     `envconfig:"EMERGENCE_SIZE" default:"10"`
	OverMergeTopicCap int     `envconfig:"OVERMERGE_TOPIC_CAP" default:"10"`
	SagaMinSharedTags int     `envconfig:"SAGA_MIN_SHARED_TAGS" default:"2"`
	SagaScoreFloor    float64 `envconfig:"SAGA_SCORE_FLOOR" default:"0.3"`

	LLMEndpoint string        `envconfig:"LLM_ENDPOINT" default:"https://api.openai.com/v1"`
	LLMModel    string        `envconfig:"LLM_MODEL" default:"gpt-4o-mini"`
	LLMAPIKey   string        `envconfig:"LLM_API_KEY" default:""`
	LLMTimeout  time.Duration `envconfig:"LLM_TIMEOUT" default:"60s"`
	LLMWorkers  int           `envconfig:"LLM_WORKERS" default:"3"`

	ServeHost string `envconfig:"SERVE_HOST" default:"127.0.0.1"`
	ServePort int    `envconfig:"SERVE_PORT" default:"8091"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("SNI_DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("SNI_DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("SNI_DB_MIN_CONNS (%d) cannot exceed SNI_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if strings.TrimSpace(c.TaxonomyPath) == "" {
		return fmt.Errorf("TAXONOMY_PATH is required")
	}
	if strings.TrimSpace(c.Track) == "" {
		return fmt.Errorf("SNI_TRACK is required")
	}
	if c.FeedMaxAttempts < 1 {
		return fmt.Errorf("FEED_MAX_ATTEMPTS must be >= 1")
	}
	if c.FeedWorkers < 1 {
		return fmt.Errorf("FEED_WORKERS must be >= 1")
	}
	if c.BatchMin < 1 || c.BatchMax < c.BatchMin {
		return fmt.Errorf("batch bounds invalid: BATCH_MIN=%d BATCH_MAX=%d", c.BatchMin, c.BatchMax)
	}
	if c.StageMaxAttempts < 1 {
		return fmt.Errorf("STAGE_MAX_ATTEMPTS must be >= 1")
	}
	if c.TopBilateral < 1 {
		return fmt.Errorf("TOP_BILATERAL must be >= 1")
	}
	if c.AliasSubgroups < 1 {
		return fmt.Errorf("ALIAS_SUBGROUPS must be >= 1")
	}
	if c.MinSignalOverlap < 1 {
		return fmt.Errorf("MIN_SIGNAL_OVERLAP must be >= 1")
	}
	if c.OverMergeTopicCap < 2 {
		return fmt.Errorf("OVERMERGE_TOPIC_CAP must be >= 2")
	}
	if c.SagaScoreFloor <= 0 || c.SagaScoreFloor >= 1 {
		return fmt.Errorf("SAGA_SCORE_FLOOR must be in (0,1)")
	}
	if c.LLMWorkers < 1 {
		return fmt.Errorf("LLM_WORKERS must be >= 1")
	}
	return nil
}
