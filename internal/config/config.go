// Package config loads featuremark settings from defaults, an optional YAML
// file and the environment, and reloads the file on change.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/dizel0110/ITMO-sub000/internal/classify"
	"github.com/dizel0110/ITMO-sub000/internal/feature"
	"github.com/dizel0110/ITMO-sub000/internal/marker"
	"github.com/dizel0110/ITMO-sub000/internal/scorer"
)

// Config holds every recognised tunable. Environment variables use the
// upper-case form of each key (BATCH, PRIORITY_USERS, ...).
type Config struct {
	Batch            int     `mapstructure:"batch"`
	PriorityUsers    string  `mapstructure:"priority_users"`
	PositiveBoundary float64 `mapstructure:"positive_feature_boundary"`
	NegativeBoundary float64 `mapstructure:"negative_feature_boundary"`
	DeltaOne         float64 `mapstructure:"delta_one_additional_feature"`
	DeltaSeveral     float64 `mapstructure:"delta_several_additional_feature"`
	Metric           string  `mapstructure:"icd_symptom_metric"`
	ChainSeparator   string  `mapstructure:"chain_separator"`

	DBDriver          string  `mapstructure:"db_driver"`
	DatabaseDSN       string  `mapstructure:"database_dsn"`
	RedisAddr         string  `mapstructure:"redis_addr"`
	WeaviateURL       string  `mapstructure:"weaviate_url"`
	WeaviateClass     string  `mapstructure:"weaviate_class"`
	SymptomCatalog    string  `mapstructure:"symptom_catalog"`
	EmbeddingURL      string  `mapstructure:"embedding_url"`
	RulesFile         string  `mapstructure:"rules_file"`
	TopK              int     `mapstructure:"scorer_top_k"`
	DescriptionMode   string  `mapstructure:"description_mode"`
	ParaphraseCommand string  `mapstructure:"paraphrase_command"`
	ParaphraseRPS     float64 `mapstructure:"paraphrase_rps"`

	MarkInterval        time.Duration `mapstructure:"mark_interval"`
	AdditionalInterval  time.Duration `mapstructure:"additional_interval"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
	SoftTimeLimit       time.Duration `mapstructure:"soft_time_limit"`
	HardTimeLimit       time.Duration `mapstructure:"hard_time_limit"`
	ClaimStaleAfter     time.Duration `mapstructure:"claim_stale_after"`
	EmbeddingTimeout    time.Duration `mapstructure:"embedding_timeout"`
	MarkingLogLimit     int           `mapstructure:"marking_log_limit"`
	GraphRetries        int           `mapstructure:"graph_retries"`

	MetricsAddr string `mapstructure:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
}

var defaults = map[string]any{
	"batch":                            6,
	"priority_users":                   "",
	"positive_feature_boundary":        classify.DefaultPositiveBoundary,
	"negative_feature_boundary":        classify.DefaultNegativeBoundary,
	"delta_one_additional_feature":     marker.DefaultDeltaOne,
	"delta_several_additional_feature": marker.DefaultDeltaSeveral,
	"icd_symptom_metric":               scorer.MetricAngular,
	"chain_separator":                  feature.DefaultSeparator,
	"db_driver":                        "sqlite",
	"database_dsn":                     "featuremark.db",
	"redis_addr":                       "",
	"weaviate_url":                     "",
	"weaviate_class":                   "Symptom",
	"symptom_catalog":                  "symptoms.yaml",
	"embedding_url":                    "",
	"embedding_timeout":                "30s",
	"rules_file":                       "",
	"scorer_top_k":                     5,
	"description_mode":                 scorer.ModeJoin,
	"paraphrase_command":               "",
	"paraphrase_rps":                   2.0,
	"mark_interval":                    "1m",
	"additional_interval":              "10m",
	"maintenance_interval":             "5m",
	"soft_time_limit":                  "30m",
	"hard_time_limit":                  "32m",
	"claim_stale_after":                "35m",
	"marking_log_limit":                marker.DefaultLogLimit,
	"graph_retries":                    3,
	"metrics_addr":                     ":9464",
	"log_level":                        "info",
	"log_format":                       "text",
}

// Loader reads configuration and watches its file.
type Loader struct {
	v    *viper.Viper
	path string
	mu   sync.Mutex
}

// NewLoader creates a loader for the YAML file at path. An empty path means
// defaults and environment only.
func NewLoader(path string) *Loader {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
	}
	return &Loader{v: v, path: path}
}

// Load reads the file (if any) and returns a validated Config.
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.path != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", l.path, err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var c Config
	if err := l.v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Watch calls onChange with every valid configuration written to the file
// after Load. Invalid edits are logged and ignored.
func (l *Loader) Watch(log *slog.Logger, onChange func(*Config)) {
	if l.path == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		l.mu.Lock()
		c, err := l.decode()
		l.mu.Unlock()
		if err != nil {
			log.Warn("ignoring invalid config change", "file", e.Name, "error", err)
			return
		}
		log.Info("config reloaded", "file", e.Name)
		onChange(c)
	})
	l.v.WatchConfig()
}

// Validate rejects settings the markers cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Batch < 1 {
		errs = append(errs, fmt.Errorf("BATCH must be at least 1, got %d", c.Batch))
	}
	if err := c.Boundaries().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.ChainSeparator == "" {
		errs = append(errs, errors.New("CHAIN_SEPARATOR must not be empty"))
	}
	if c.Metric != scorer.MetricAngular && c.Metric != scorer.MetricEuclidean {
		errs = append(errs, fmt.Errorf("unknown ICD_SYMPTOM_METRIC %q", c.Metric))
	}
	if c.SoftTimeLimit >= c.HardTimeLimit {
		errs = append(errs, fmt.Errorf("SOFT_TIME_LIMIT %s must be below HARD_TIME_LIMIT %s", c.SoftTimeLimit, c.HardTimeLimit))
	}
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unknown DB_DRIVER %q", c.DBDriver))
	}
	switch c.DescriptionMode {
	case scorer.ModeJoin, scorer.ModeParaphrase:
	default:
		errs = append(errs, fmt.Errorf("unknown DESCRIPTION_MODE %q", c.DescriptionMode))
	}
	if _, err := c.PriorityUserIDs(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// PriorityUserIDs parses the whitespace-separated PRIORITY_USERS list.
func (c *Config) PriorityUserIDs() ([]int64, error) {
	var ids []int64
	for _, f := range strings.Fields(c.PriorityUsers) {
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("PRIORITY_USERS: bad user id %q", f)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *Config) Chains() feature.Chains {
	return feature.Chains{Sep: c.ChainSeparator}
}

func (c *Config) Boundaries() classify.Boundaries {
	return classify.Boundaries{Positive: c.PositiveBoundary, Negative: c.NegativeBoundary}
}

func (c *Config) Deltas() marker.Deltas {
	return marker.Deltas{One: c.DeltaOne, Several: c.DeltaSeveral}
}

// MarkerConfig is the part of the configuration both markers share.
func (c *Config) MarkerConfig() marker.Config {
	return marker.Config{Chains: c.Chains(), Retries: c.GraphRetries, LogLimit: c.MarkingLogLimit}
}
