// Package config provides the tunables for the adaptive Bloom-filter cache
// engine, loaded from defaults, an optional JSON file, and environment
// variable overrides (highest precedence, ART_ prefixed), in that order.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds every tunable named in the external interface contract.
type Config struct {
	// Hotness tracking (HeatBuckets).
	BucketsAlpha      float64 `json:"buckets_alpha"`
	SamplesLimit      int     `json:"samples_limit"`
	SamplesMaxCnt     int64   `json:"samples_maxcnt"`
	DefaultBucketsNum int     `json:"default_buckets_num"`

	// Visit period accounting (VisitCounters).
	PeriodCount  int64 `json:"period_count"`
	TrainPeriods int64 `json:"train_periods"`
	MagicFactor  int64 `json:"magic_factor"`

	// Filter sizing (FilterCacheItem / GreedySolver).
	BitsPerKeyPerUnit int     `json:"bits_per_key_per_unit"`
	MinUnitsNum       int     `json:"min_units_num"`
	MaxUnitsNum       int     `json:"max_units_num"`
	DefaultUnitsNum   int     `json:"default_units_num"`
	InheritRemain     float64 `json:"inherit_remain_factor"`

	// Budget accounting (FilterCacheMap).
	CacheSpaceSizeBits int64   `json:"cache_space_size_bits"`
	FullRate           float64 `json:"full_rate"`
	ReadyRate          float64 `json:"ready_rate"`

	VisitCntUpdateBound int64 `json:"visit_cnt_update_bound"`

	HotnessSignificantDigitsFactor float64 `json:"hotness_significant_digits_factor"`
	RateSignificantDigitsFactor    float64 `json:"rate_significant_digits_factor"`

	MaxFeaturesNum        int `json:"max_features_num"`
	FilterCacheThreadsNum int `json:"filter_cache_threads_num"`

	// Classifier RPC.
	Host       string `json:"host"`
	Port       int    `json:"port"`
	BufferSize int    `json:"buffer_size"`
	ModelPath  string `json:"model_path"`
	DatasetDir string `json:"dataset_dir"`

	// Logging.
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
	LogFile   string `json:"log_file"`
}

// DefaultConfig returns the values given in the external interface contract.
func DefaultConfig() *Config {
	return &Config{
		BucketsAlpha:      0.2,
		SamplesLimit:      10000,
		SamplesMaxCnt:     5000000,
		DefaultBucketsNum: 500,

		PeriodCount:  50000,
		TrainPeriods: 10,
		MagicFactor:  10,

		BitsPerKeyPerUnit: 4,
		MinUnitsNum:       0,
		MaxUnitsNum:       6,
		DefaultUnitsNum:   2,
		InheritRemain:     0.8,

		CacheSpaceSizeBits: 1073741824,
		FullRate:           0.98,
		ReadyRate:          0.70,

		VisitCntUpdateBound: 10,

		HotnessSignificantDigitsFactor: 1e6,
		RateSignificantDigitsFactor:    1e3,

		MaxFeaturesNum:        91,
		FilterCacheThreadsNum: 10,

		Host:       "127.0.0.1",
		Port:       9500,
		BufferSize: 1024,
		ModelPath:  "model.txt",
		DatasetDir: ".",

		LogLevel:  "info",
		LogFormat: "text",
		LogFile:   "",
	}
}

// LoadConfig builds a Config from defaults, an optional JSON file, and
// environment overrides, in that order of increasing precedence.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	cfg.applyEnvironmentOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadFromFile merges JSON fields into cfg. A missing file is not an error.
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, c)
}

// applyEnvironmentOverrides applies ART_-prefixed environment variables.
// Invalid integer/float/bool values are ignored so a bad override never
// blocks startup; Validate() catches anything left inconsistent.
func (c *Config) applyEnvironmentOverrides() {
	if v := os.Getenv("ART_BUCKETS_ALPHA"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.BucketsAlpha = f
		}
	}
	if v := os.Getenv("ART_SAMPLES_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SamplesLimit = n
		}
	}
	if v := os.Getenv("ART_SAMPLES_MAXCNT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SamplesMaxCnt = n
		}
	}
	if v := os.Getenv("ART_DEFAULT_BUCKETS_NUM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DefaultBucketsNum = n
		}
	}
	if v := os.Getenv("ART_PERIOD_COUNT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.PeriodCount = n
		}
	}
	if v := os.Getenv("ART_TRAIN_PERIODS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.TrainPeriods = n
		}
	}
	if v := os.Getenv("ART_BITS_PER_KEY_PER_UNIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BitsPerKeyPerUnit = n
		}
	}
	if v := os.Getenv("ART_MIN_UNITS_NUM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MinUnitsNum = n
		}
	}
	if v := os.Getenv("ART_MAX_UNITS_NUM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxUnitsNum = n
		}
	}
	if v := os.Getenv("ART_DEFAULT_UNITS_NUM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DefaultUnitsNum = n
		}
	}
	if v := os.Getenv("ART_INHERIT_REMAIN_FACTOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.InheritRemain = f
		}
	}
	if v := os.Getenv("ART_CACHE_SPACE_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.CacheSpaceSizeBits = n
		}
	}
	if v := os.Getenv("ART_FULL_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.FullRate = f
		}
	}
	if v := os.Getenv("ART_READY_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.ReadyRate = f
		}
	}
	if v := os.Getenv("ART_MAX_FEATURES_NUM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxFeaturesNum = n
		}
	}
	if v := os.Getenv("ART_FILTER_CACHE_THREADS_NUM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.FilterCacheThreadsNum = n
		}
	}
	if v := os.Getenv("ART_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("ART_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("ART_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BufferSize = n
		}
	}
	if v := os.Getenv("ART_MODEL_PATH"); v != "" {
		c.ModelPath = v
	}
	if v := os.Getenv("ART_DATASET_DIR"); v != "" {
		c.DatasetDir = v
	}
	if v := os.Getenv("ART_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("ART_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("ART_LOG_FILE"); v != "" {
		c.LogFile = v
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	var problems []string

	if c.BucketsAlpha <= 0 || c.BucketsAlpha >= 1 {
		problems = append(problems, "buckets_alpha must be in (0, 1)")
	}
	if c.SamplesLimit <= 0 {
		problems = append(problems, "samples_limit must be positive")
	}
	if c.SamplesMaxCnt <= 0 {
		problems = append(problems, "samples_maxcnt must be positive")
	}
	if c.DefaultBucketsNum <= 0 {
		problems = append(problems, "default_buckets_num must be positive")
	}
	if c.PeriodCount <= 0 {
		problems = append(problems, "period_count must be positive")
	}
	if c.TrainPeriods <= 0 {
		problems = append(problems, "train_periods must be positive")
	}
	if c.MinUnitsNum < 0 || c.MinUnitsNum > c.MaxUnitsNum {
		problems = append(problems, "min_units_num must be in [0, max_units_num]")
	}
	if c.DefaultUnitsNum < c.MinUnitsNum || c.DefaultUnitsNum > c.MaxUnitsNum {
		problems = append(problems, "default_units_num must be in [min_units_num, max_units_num]")
	}
	if c.BitsPerKeyPerUnit <= 0 {
		problems = append(problems, "bits_per_key_per_unit must be positive")
	}
	if c.InheritRemain <= 0 || c.InheritRemain > 1 {
		problems = append(problems, "inherit_remain_factor must be in (0, 1]")
	}
	if c.CacheSpaceSizeBits <= 0 {
		problems = append(problems, "cache_space_size_bits must be positive")
	}
	if c.FullRate <= 0 || c.FullRate > 1 {
		problems = append(problems, "full_rate must be in (0, 1]")
	}
	if c.ReadyRate <= 0 || c.ReadyRate > c.FullRate {
		problems = append(problems, "ready_rate must be in (0, full_rate]")
	}
	if c.MaxFeaturesNum <= 0 {
		problems = append(problems, "max_features_num must be positive")
	}
	if c.FilterCacheThreadsNum <= 0 {
		problems = append(problems, "filter_cache_threads_num must be positive")
	}
	if c.BufferSize <= 0 {
		problems = append(problems, "buffer_size must be positive")
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

func parseLogLevel(level string) (string, error) {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return level, nil
	default:
		return "", fmt.Errorf("log_level must be one of debug/info/warn/error, got %q", level)
	}
}

// SaveToFile writes the configuration as indented JSON.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
