package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Depthflow DepthflowConfig `yaml:"depthflow"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Reader    ReaderConfig    `yaml:"reader"`
	Source    SourceConfig    `yaml:"source"`
	Heatmap   HeatmapConfig   `yaml:"heatmap"`
	Lod       LodConfig       `yaml:"lod"`
	View      ViewConfig      `yaml:"view"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

type DepthflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	ChannelSize bool   `yaml:"channel_size"`
	Region      string `yaml:"region"`
	Namespace   string `yaml:"namespace"`
}

type ChannelsConfig struct {
	SnapshotBuffer int `yaml:"snapshot_buffer"`
}

type ReaderConfig struct {
	Timeout   time.Duration   `yaml:"timeout"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type SourceConfig struct {
	Binance VenueConfig `yaml:"binance"`
	Bybit   VenueConfig `yaml:"bybit"`
	Okx     VenueConfig `yaml:"okx"`
}

type VenueConfig struct {
	Enabled    bool     `yaml:"enabled"`
	URL        string   `yaml:"url"`
	Limit      int      `yaml:"limit"`
	IntervalMs int      `yaml:"interval_ms"`
	Symbols    []string `yaml:"symbols"`
}

// HeatmapConfig parameterizes the aggregation core: run history and ring.
type HeatmapConfig struct {
	TickSize         float64 `yaml:"tick_size"`
	BucketIntervalMs uint64  `yaml:"bucket_interval_ms"`
	MergeThreshold   float32 `yaml:"merge_threshold"`
	HorizonBuckets   uint32  `yaml:"horizon_buckets"`
	GridHeight       uint32  `yaml:"grid_height"`
	GraceMs          uint64  `yaml:"grace_ms"`
	QtyScale         float32 `yaml:"qty_scale"`
	GapPolicy        string  `yaml:"gap_policy"`
}

type LodConfig struct {
	EnableColPx   float32 `yaml:"enable_col_px"`
	DisableColPx  float32 `yaml:"disable_col_px"`
	TargetColPx   float32 `yaml:"target_col_px"`
	MaxColsPerBin int     `yaml:"max_cols_per_bin"`
	MinRowPx      float32 `yaml:"min_row_px"`
	MaxStepsPerY  int64   `yaml:"max_steps_per_y_bin"`
}

type ViewConfig struct {
	MinCameraScale    float32 `yaml:"min_camera_scale"`
	RightPadFrac      float32 `yaml:"right_pad_frac"`
	MinRowHWorld      float32 `yaml:"min_row_h_world"`
	ProfileColWidthPx float32 `yaml:"profile_col_width_px"`
	RowHWorld         float32 `yaml:"row_h_world"`
	ColWWorld         float32 `yaml:"col_w_world"`
}

type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	LogHistory      int           `yaml:"log_history"`
	MetricHistory   int           `yaml:"metric_history"`
}

// envVarRegexp matches ${VAR} and ${VAR:-default} references in the raw yaml.
var envVarRegexp = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

func expandEnv(data []byte) []byte {
	return envVarRegexp.ReplaceAllFunc(data, func(m []byte) []byte {
		groups := envVarRegexp.FindSubmatch(m)
		name := string(groups[1])
		if v, ok := os.LookupEnv(name); ok {
			return []byte(v)
		}
		if len(groups[2]) > 0 {
			return groups[3]
		}
		return []byte("")
	})
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(expandEnv(data), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Channels.SnapshotBuffer == 0 {
		cfg.Channels.SnapshotBuffer = 1024
	}
	if cfg.Reader.Timeout == 0 {
		cfg.Reader.Timeout = 10 * time.Second
	}
	if cfg.Reader.RateLimit.RequestsPerSecond == 0 {
		cfg.Reader.RateLimit.RequestsPerSecond = 5
	}
	if cfg.Reader.RateLimit.BurstSize == 0 {
		cfg.Reader.RateLimit.BurstSize = 1
	}

	if cfg.Heatmap.BucketIntervalMs == 0 {
		cfg.Heatmap.BucketIntervalMs = 1000
	}
	if cfg.Heatmap.MergeThreshold == 0 {
		cfg.Heatmap.MergeThreshold = 0.15
	}
	if cfg.Heatmap.HorizonBuckets == 0 {
		cfg.Heatmap.HorizonBuckets = 2048
	}
	if cfg.Heatmap.GridHeight == 0 {
		cfg.Heatmap.GridHeight = 512
	}
	if cfg.Heatmap.GraceMs == 0 {
		cfg.Heatmap.GraceMs = 500
	}
	if cfg.Heatmap.QtyScale == 0 {
		cfg.Heatmap.QtyScale = 100
	}
	if cfg.Heatmap.GapPolicy == "" {
		cfg.Heatmap.GapPolicy = "copy_forward"
	}

	if cfg.Lod.EnableColPx == 0 {
		cfg.Lod.EnableColPx = 2
	}
	if cfg.Lod.DisableColPx == 0 {
		cfg.Lod.DisableColPx = 4
	}
	if cfg.Lod.TargetColPx == 0 {
		cfg.Lod.TargetColPx = 3
	}
	if cfg.Lod.MaxColsPerBin == 0 {
		cfg.Lod.MaxColsPerBin = 64
	}
	if cfg.Lod.MinRowPx == 0 {
		cfg.Lod.MinRowPx = 2
	}
	if cfg.Lod.MaxStepsPerY == 0 {
		cfg.Lod.MaxStepsPerY = 64
	}

	if cfg.View.MinCameraScale == 0 {
		cfg.View.MinCameraScale = 10
	}
	if cfg.View.RightPadFrac == 0 {
		cfg.View.RightPadFrac = 0.10
	}
	if cfg.View.MinRowHWorld == 0 {
		cfg.View.MinRowHWorld = 1e-6
	}
	if cfg.View.ProfileColWidthPx == 0 {
		cfg.View.ProfileColWidthPx = 120
	}
	if cfg.View.RowHWorld == 0 {
		cfg.View.RowHWorld = 0.01
	}
	if cfg.View.ColWWorld == 0 {
		cfg.View.ColWWorld = 0.05
	}

	if cfg.Dashboard.Address == "" {
		cfg.Dashboard.Address = ":8080"
	}
	if cfg.Dashboard.RefreshInterval == 0 {
		cfg.Dashboard.RefreshInterval = 5 * time.Second
	}
	if cfg.Dashboard.LogHistory == 0 {
		cfg.Dashboard.LogHistory = 200
	}
	if cfg.Dashboard.MetricHistory == 0 {
		cfg.Dashboard.MetricHistory = 500
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Depthflow.Name == "" {
		return fmt.Errorf("depthflow.name is required")
	}
	if cfg.Depthflow.Version == "" {
		return fmt.Errorf("depthflow.version is required")
	}

	if cfg.Channels.SnapshotBuffer <= 0 {
		return fmt.Errorf("channels.snapshot_buffer must be greater than 0")
	}

	if cfg.Heatmap.TickSize <= 0 {
		return fmt.Errorf("heatmap.tick_size must be greater than 0")
	}
	if cfg.Heatmap.MergeThreshold < 0 {
		return fmt.Errorf("heatmap.merge_threshold must not be negative")
	}
	switch cfg.Heatmap.GapPolicy {
	case "copy_forward", "clear":
	default:
		return fmt.Errorf("heatmap.gap_policy '%s' is invalid (copy_forward or clear)", cfg.Heatmap.GapPolicy)
	}

	if cfg.Lod.DisableColPx < cfg.Lod.EnableColPx {
		return fmt.Errorf("lod.disable_col_px must be at least lod.enable_col_px")
	}

	venues := map[string]VenueConfig{
		"binance": cfg.Source.Binance,
		"bybit":   cfg.Source.Bybit,
		"okx":     cfg.Source.Okx,
	}
	anyEnabled := false
	for name, v := range venues {
		if !v.Enabled {
			continue
		}
		anyEnabled = true
		if len(v.Symbols) == 0 {
			return fmt.Errorf("source.%s.symbols is required when the venue is enabled", name)
		}
		if name != "okx" && v.IntervalMs <= 0 {
			return fmt.Errorf("source.%s.interval_ms must be greater than 0", name)
		}
	}
	if !anyEnabled {
		return fmt.Errorf("at least one source venue must be enabled")
	}

	return nil
}
