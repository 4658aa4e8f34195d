// Package config wraps viper the way pkg/config/enhanced.go does: an
// env-prefixed, dotted-to-underscore Viper instance with setDefaults for
// every tunable the orchestrator needs, plus an optional fsnotify watch for
// live threshold tuning.
package config

import (
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is every knob spec §4.6 names, plus the ambient logging/transport
// settings SPEC_FULL.md's ambient stack section adds.
type Config struct {
	// Bus tuning (spec §4.3)
	ProcessingIntervalMs int
	BatchSize            int
	MaxRetries           int
	DiscoveryIntervalMs  int

	// Router tuning (spec §4.2)
	RouterHistoryCap int

	// Workflow / voting tuning (spec §4.4, §4.5)
	EvaluationTimeoutMs int
	ParallelEvaluations bool
	RequiredEvaluators  []string
	ApprovalThreshold   float64
	MajorityRequired    int

	// Orchestrator loop tuning (spec §4.6)
	HealthCheckIntervalMs    int
	MilestoneCheckIntervalMs int
	ShutdownGraceSeconds     int
	SubmissionBurst          int
	SubmissionRatePerSecond  float64

	// External integration
	PythonServicesURL string
	PythonAPIKey      string
	ExternalDBURL     string

	// Ambient
	LogLevel     string
	LogFormat    string
	LogOutput    string
	RedisURL     string
	KafkaBrokers []string
}

// Loader wraps viper.Viper and an optional fsnotify watch, following
// EnhancedConfig's ConfigOptions/DefaultConfigOptions shape.
type Loader struct {
	v        *viper.Viper
	onChange func(Config)
}

// Options controls how a Loader is constructed.
type Options struct {
	ConfigPath string // directory to search for a config file
	ConfigName string // base filename without extension, e.g. "orchestrator"
	EnvPrefix  string // e.g. "GRANTFLOW"
	Watch      bool
}

// DefaultOptions mirrors pkg/config/enhanced.go's DefaultConfigOptions.
func DefaultOptions() Options {
	return Options{
		ConfigPath: ".",
		ConfigName: "orchestrator",
		EnvPrefix:  "GRANTFLOW",
		Watch:      true,
	}
}

// NewLoader constructs a Loader, wires env vars and defaults, and optionally
// reads a config file from disk (a missing file is not an error — defaults
// and env vars still apply).
func NewLoader(opts Options) (*Loader, error) {
	v := viper.New()
	v.SetConfigName(opts.ConfigName)
	v.SetConfigType("yaml")
	v.AddConfigPath(opts.ConfigPath)

	v.SetEnvPrefix(opts.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	return &Loader{v: v}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bus.processing_interval_ms", 100)
	v.SetDefault("bus.batch_size", 10)
	v.SetDefault("bus.max_retries", 3)
	v.SetDefault("bus.discovery_interval_ms", 5000)

	v.SetDefault("router.history_cap", 1000)

	v.SetDefault("workflow.evaluation_timeout_ms", 5*60*1000)
	v.SetDefault("workflow.parallel_evaluations", true)
	v.SetDefault("workflow.required_evaluators", []string{
		"technical", "impact", "due_diligence", "budget", "community",
	})
	v.SetDefault("workflow.approval_threshold", 50.0)
	v.SetDefault("workflow.majority_required", 3)

	v.SetDefault("orchestrator.health_check_interval_ms", 30000)
	v.SetDefault("orchestrator.milestone_check_interval_ms", 60000)
	v.SetDefault("orchestrator.shutdown_grace_seconds", 30)
	v.SetDefault("orchestrator.submission_burst", 20)
	v.SetDefault("orchestrator.submission_rate_per_second", 5.0)

	v.SetDefault("external.python_services_url", "")
	v.SetDefault("external.python_api_key", "")
	v.SetDefault("external.db_url", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
}

// Load materializes the current Config snapshot.
func (l *Loader) Load() Config {
	v := l.v
	return Config{
		ProcessingIntervalMs:     v.GetInt("bus.processing_interval_ms"),
		BatchSize:                v.GetInt("bus.batch_size"),
		MaxRetries:               v.GetInt("bus.max_retries"),
		DiscoveryIntervalMs:      v.GetInt("bus.discovery_interval_ms"),
		RouterHistoryCap:         v.GetInt("router.history_cap"),
		EvaluationTimeoutMs:      v.GetInt("workflow.evaluation_timeout_ms"),
		ParallelEvaluations:      v.GetBool("workflow.parallel_evaluations"),
		RequiredEvaluators:       v.GetStringSlice("workflow.required_evaluators"),
		ApprovalThreshold:        v.GetFloat64("workflow.approval_threshold"),
		MajorityRequired:         v.GetInt("workflow.majority_required"),
		HealthCheckIntervalMs:    v.GetInt("orchestrator.health_check_interval_ms"),
		MilestoneCheckIntervalMs: v.GetInt("orchestrator.milestone_check_interval_ms"),
		ShutdownGraceSeconds:     v.GetInt("orchestrator.shutdown_grace_seconds"),
		SubmissionBurst:          v.GetInt("orchestrator.submission_burst"),
		SubmissionRatePerSecond:  v.GetFloat64("orchestrator.submission_rate_per_second"),
		PythonServicesURL:        v.GetString("external.python_services_url"),
		PythonAPIKey:             v.GetString("external.python_api_key"),
		ExternalDBURL:            v.GetString("external.db_url"),
		LogLevel:                 v.GetString("log.level"),
		LogFormat:                v.GetString("log.format"),
		LogOutput:                v.GetString("log.output"),
		RedisURL:                 v.GetString("redis.url"),
		KafkaBrokers:             v.GetStringSlice("kafka.brokers"),
	}
}

// Watch installs an fsnotify-backed hot-reload hook, invoking onChange with
// the freshly reloaded Config whenever the backing file changes on disk.
func (l *Loader) Watch(onChange func(Config)) {
	l.onChange = onChange
	l.v.WatchConfig()
	l.v.OnConfigChange(func(_ fsnotify.Event) {
		if l.onChange != nil {
			l.onChange(l.Load())
		}
	})
}

// EvaluationTimeout is a convenience accessor used by the workflow engine.
func (c Config) EvaluationTimeout() time.Duration {
	return time.Duration(c.EvaluationTimeoutMs) * time.Millisecond
}

// ProcessingInterval is a convenience accessor used by the bus.
func (c Config) ProcessingInterval() time.Duration {
	return time.Duration(c.ProcessingIntervalMs) * time.Millisecond
}

// DiscoveryInterval is a convenience accessor used by the bus.
func (c Config) DiscoveryInterval() time.Duration {
	return time.Duration(c.DiscoveryIntervalMs) * time.Millisecond
}

// HealthCheckInterval is a convenience accessor used by the orchestrator.
func (c Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalMs) * time.Millisecond
}

// MilestoneCheckInterval is a convenience accessor used by the orchestrator.
func (c Config) MilestoneCheckInterval() time.Duration {
	return time.Duration(c.MilestoneCheckIntervalMs) * time.Millisecond
}

// ShutdownGrace is a convenience accessor used by the orchestrator.
func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}
