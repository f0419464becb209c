// Package config aggregates every subsystem's configuration into one
// env-tag-decodable structure (spec §9, "any-typed config objects translate
// to explicit configuration records per component").
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EngineConfig controls the Execution Engine (spec §9).
type EngineConfig struct {
	MaxConcurrentSteps int    `json:"maxConcurrentSteps" yaml:"maxConcurrentSteps" env:"ENGINE_MAX_CONCURRENT_STEPS"`
	TimeoutMs          int    `json:"timeoutMs" yaml:"timeoutMs" env:"ENGINE_TIMEOUT_MS"`
	RetryAttempts      int    `json:"retryAttempts" yaml:"retryAttempts" env:"ENGINE_RETRY_ATTEMPTS"`
	FailureStrategy    string `json:"failureStrategy" yaml:"failureStrategy" env:"ENGINE_FAILURE_STRATEGY"`
	ResourceAllocation string `json:"resourceAllocation" yaml:"resourceAllocation" env:"ENGINE_RESOURCE_ALLOCATION"`
	TakeoverThresholdMs int   `json:"takeoverThresholdMs" yaml:"takeoverThresholdMs" env:"ENGINE_TAKEOVER_THRESHOLD_MS"`
	WorkerCount         int   `json:"workerCount" yaml:"workerCount" env:"ENGINE_WORKER_COUNT"`
}

// CacheConfig controls the Validation Pipeline's Signed Cache.
type CacheConfig struct {
	MaxEntries       int    `json:"maxEntries" yaml:"maxEntries" env:"CACHE_MAX_ENTRIES"`
	DefaultTTLMs     int    `json:"defaultTtlMs" yaml:"defaultTtlMs" env:"CACHE_DEFAULT_TTL_MS"`
	EvictionStrategy string `json:"evictionStrategy" yaml:"evictionStrategy" env:"CACHE_EVICTION_STRATEGY"`
	CleanupIntervalMs int   `json:"cleanupIntervalMs" yaml:"cleanupIntervalMs" env:"CACHE_CLEANUP_INTERVAL_MS"`
	RedisAddr        string `json:"redisAddr" yaml:"redisAddr" env:"CACHE_REDIS_ADDR"`
}

// ValidationConfig controls the Universal Validation Pipeline.
type ValidationConfig struct {
	Cache         CacheConfig `json:"cache" yaml:"cache"`
	PolicyVersion string      `json:"policyVersion" yaml:"policyVersion" env:"VALIDATION_POLICY_VERSION"`
	OPABundlePath string      `json:"opaBundlePath" yaml:"opaBundlePath" env:"VALIDATION_OPA_BUNDLE_PATH"`
}

// SandboxConfig controls the Sandbox Supervisor and WASM host.
type SandboxConfig struct {
	DefaultIsolation  string `json:"defaultIsolation" yaml:"defaultIsolation" env:"SANDBOX_DEFAULT_ISOLATION"`
	MaxModuleBytes    int64  `json:"maxModuleBytes" yaml:"maxModuleBytes" env:"SANDBOX_MAX_MODULE_BYTES"`
	SecurityScoreFloor int   `json:"securityScoreFloor" yaml:"securityScoreFloor" env:"SANDBOX_SECURITY_SCORE_FLOOR"`
	BlockHighRisk     bool   `json:"blockHighRisk" yaml:"blockHighRisk" env:"SANDBOX_BLOCK_HIGH_RISK"`
	GraceMs           int    `json:"graceMs" yaml:"graceMs" env:"SANDBOX_GRACE_MS"`
}

// LedgerConfig controls the Execution Ledger. BackingStore selects among
// "memory", "bolt" (single-file embedded KV) and "file" (the per-execution
// ledger.jsonl/manifest.json/results directory layout).
type LedgerConfig struct {
	BackingStore string `json:"backingStore" yaml:"backingStore" env:"LEDGER_BACKING_STORE"`
	BoltPath     string `json:"boltPath" yaml:"boltPath" env:"LEDGER_BOLT_PATH"`
	DataDir      string `json:"dataDir" yaml:"dataDir" env:"LEDGER_DATA_DIR"`
	SigningKeyHex string `json:"-" yaml:"-" env:"LEDGER_SIGNING_KEY_HEX"`
}

// ControlConfig controls Adaptive Control.
type ControlConfig struct {
	SampleIntervalMs     int     `json:"sampleIntervalMs" yaml:"sampleIntervalMs" env:"CONTROL_SAMPLE_INTERVAL_MS"`
	BurnRateThreshold    float64 `json:"burnRateThreshold" yaml:"burnRateThreshold" env:"CONTROL_BURN_RATE_THRESHOLD"`
	EscalationCooldownMs int     `json:"escalationCooldownMs" yaml:"escalationCooldownMs" env:"CONTROL_ESCALATION_COOLDOWN_MS"`
	DeEscalationDelayMs  int     `json:"deEscalationDelayMs" yaml:"deEscalationDelayMs" env:"CONTROL_DEESCALATION_DELAY_MS"`
	MaxConcurrentActions int     `json:"maxConcurrentActions" yaml:"maxConcurrentActions" env:"CONTROL_MAX_CONCURRENT_ACTIONS"`
}

// BusConfig controls the event bus.
type BusConfig struct {
	DefaultQueueSize int `json:"defaultQueueSize" yaml:"defaultQueueSize" env:"BUS_DEFAULT_QUEUE_SIZE"`
}

// LoggingConfig controls application logging (matches pkg/logger.LoggingConfig).
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"filePrefix" yaml:"filePrefix" env:"LOG_FILE_PREFIX"`
}

// OpsConfig controls the ambient health/metrics HTTP surface.
type OpsConfig struct {
	ListenAddr string `json:"listenAddr" yaml:"listenAddr" env:"OPS_LISTEN_ADDR"`
}

// Config is the top-level configuration structure.
type Config struct {
	Engine     EngineConfig     `json:"engine" yaml:"engine"`
	Validation ValidationConfig `json:"validation" yaml:"validation"`
	Sandbox    SandboxConfig    `json:"sandbox" yaml:"sandbox"`
	Ledger     LedgerConfig     `json:"ledger" yaml:"ledger"`
	Control    ControlConfig    `json:"control" yaml:"control"`
	Bus        BusConfig        `json:"bus" yaml:"bus"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	Ops        OpsConfig        `json:"ops" yaml:"ops"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxConcurrentSteps:  32,
			TimeoutMs:           300_000,
			RetryAttempts:       3,
			FailureStrategy:     "continue-on-error",
			ResourceAllocation:  "balanced",
			TakeoverThresholdMs: 15_000,
			WorkerCount:         8,
		},
		Validation: ValidationConfig{
			Cache: CacheConfig{
				MaxEntries:        10_000,
				DefaultTTLMs:      60_000,
				EvictionStrategy:  "lru",
				CleanupIntervalMs: 30_000,
			},
			PolicyVersion: "v1",
		},
		Sandbox: SandboxConfig{
			DefaultIsolation:   "strict",
			MaxModuleBytes:     4 << 20,
			SecurityScoreFloor: 70,
			BlockHighRisk:      true,
			GraceMs:            2_000,
		},
		Ledger: LedgerConfig{
			BackingStore: "memory",
			BoltPath:     "qflow-ledger.db",
			DataDir:      "qflow-data",
		},
		Control: ControlConfig{
			SampleIntervalMs:     5_000,
			BurnRateThreshold:    0.80,
			EscalationCooldownMs: 30_000,
			DeEscalationDelayMs:  60_000,
			MaxConcurrentActions: 4,
		},
		Bus: BusConfig{DefaultQueueSize: 256},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "qflow",
		},
		Ops: OpsConfig{ListenAddr: ":9090"},
	}
}

// Load loads configuration from an optional YAML file (CONFIG_FILE, falling
// back to configs/config.yaml) and then environment variables, which win on
// conflict.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		path = "configs/config.yaml"
	}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}
