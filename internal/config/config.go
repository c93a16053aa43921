package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config captures the runtime configuration for the attribution pipeline.
type Config struct {
	Database       DatabaseConfig       `mapstructure:"database"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Sources        SourcesConfig        `mapstructure:"sources"`
	Identity       IdentityConfig       `mapstructure:"identity"`
	Classifier     ClassifierConfig     `mapstructure:"classifier"`
	Merge          MergeConfig          `mapstructure:"merge"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	Observability  ObservabilityConfig  `mapstructure:"observability"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	RunMigrations   bool          `mapstructure:"run_migrations"`
	MigrationsDir   string        `mapstructure:"migrations_dir"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// SourcesConfig lists the enabled source adapters and where their raw payload
// drops live. The pipeline never fetches from vendors directly; adapters leave
// response blobs in the drop directory keyed by source and fetch window.
type SourcesConfig struct {
	Enabled []string `mapstructure:"enabled"`
	DropDir string   `mapstructure:"drop_dir"`
}

// IdentityConfig tunes email normalization and workspace inference.
type IdentityConfig struct {
	// AliasDomains maps alternate mail domains onto the canonical one, e.g.
	// "corp.example.io" -> "example.com".
	AliasDomains map[string]string `mapstructure:"alias_domains"`

	// WorkspaceConfidenceCap bounds workspace-inferred attributions; they are
	// never treated as ground truth no matter what the mapping claims.
	WorkspaceConfidenceCap float64 `mapstructure:"workspace_confidence_cap"`
}

// ClassifierConfig holds identifier patterns for rule (b) classification.
type ClassifierConfig struct {
	// WorkspacePatterns maps substring patterns on workspace/key identifiers
	// to a platform category name.
	WorkspacePatterns map[string]string `mapstructure:"workspace_patterns"`
}

type MergeConfig struct {
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	RetryMax      int           `mapstructure:"retry_max"`
	RetryInitial  time.Duration `mapstructure:"retry_initial"`
	RetryMaxDelay time.Duration `mapstructure:"retry_max_delay"`
}

type ReconciliationConfig struct {
	// VarianceThresholdPerc is the matched/flagged boundary, e.g. 5.0 means
	// variance above 5% flags the period.
	VarianceThresholdPerc float64 `mapstructure:"variance_threshold_perc"`
}

type ObservabilityConfig struct {
	EnableMetrics bool   `mapstructure:"enable_metrics"`
	EnableOTLP    bool   `mapstructure:"enable_otlp"`
	OTLPEndpoint  string `mapstructure:"otlp_endpoint"`
	MetricsAddr   string `mapstructure:"metrics_addr"`
}

// Options controls configuration loading.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// Load reads configuration from file and environment. Environment variables
// use the SPENDSCOPE_ prefix with dots replaced by underscores.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		_ = godotenv.Load(opts.EnvFile)
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	setDefaults(v)

	explicitFile := false
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		explicitFile = true
	} else if cfg := os.Getenv("SPENDSCOPE_CONFIG_FILE"); cfg != "" {
		v.SetConfigFile(cfg)
		explicitFile = true
	}

	if !explicitFile {
		v.SetConfigName("spendscope")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("SPENDSCOPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(timeStringToDurationHook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.run_migrations", true)
	v.SetDefault("database.migrations_dir", "migrations")
	v.SetDefault("database.max_conns", 8)

	v.SetDefault("sources.enabled", []string{})
	v.SetDefault("sources.drop_dir", "./drops")

	v.SetDefault("identity.alias_domains", map[string]string{})
	v.SetDefault("identity.workspace_confidence_cap", 0.5)

	v.SetDefault("classifier.workspace_patterns", map[string]string{})

	v.SetDefault("merge.lock_ttl", "5m")
	v.SetDefault("merge.retry_max", 5)
	v.SetDefault("merge.retry_initial", "200ms")
	v.SetDefault("merge.retry_max_delay", "10s")

	v.SetDefault("reconciliation.variance_threshold_perc", 5.0)

	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.enable_otlp", false)
	v.SetDefault("observability.otlp_endpoint", "http://localhost:4317")
	v.SetDefault("observability.metrics_addr", "")
}

// Validate checks required settings and normalizes derived ones.
func (c *Config) Validate() error {
	var missing []string
	if c.Database.URL == "" {
		missing = append(missing, "SPENDSCOPE_DATABASE_URL")
	}
	if c.Redis.URL == "" {
		missing = append(missing, "SPENDSCOPE_REDIS_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.Identity.WorkspaceConfidenceCap <= 0 || c.Identity.WorkspaceConfidenceCap > 0.5 {
		// Workspace inference is never ground truth; cap stays in (0, 0.5].
		c.Identity.WorkspaceConfidenceCap = 0.5
	}
	if c.Reconciliation.VarianceThresholdPerc <= 0 {
		c.Reconciliation.VarianceThresholdPerc = 5.0
	}
	if c.Merge.RetryMax <= 0 {
		c.Merge.RetryMax = 5
	}

	normalized := make(map[string]string, len(c.Identity.AliasDomains))
	for alias, canonical := range c.Identity.AliasDomains {
		alias = strings.ToLower(strings.TrimSpace(alias))
		canonical = strings.ToLower(strings.TrimSpace(canonical))
		if alias == "" || canonical == "" {
			continue
		}
		normalized[alias] = canonical
	}
	c.Identity.AliasDomains = normalized

	return nil
}

func timeStringToDurationHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case time.Duration:
			return v, nil
		case string:
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, err
			}
			return d, nil
		default:
			return nil, fmt.Errorf("cannot decode %T into time.Duration", data)
		}
	}
}
