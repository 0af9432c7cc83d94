// Package config loads and validates the declarative rule/policy/storage
// graph described by the config file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the root of the declarative config file.
type Config struct {
	Port         int       `yaml:"port"`
	MetricsPort  int       `yaml:"metrics_port"`
	LogLevel     string    `yaml:"log_level"`
	HotReload    bool      `yaml:"hot_reload"`
	UpstreamRate int       `yaml:"upstream_rate"` // max upstream fetches/sec across all policies; 0 = unlimited
	Redis        Redis     `yaml:"redis"`
	Sled         Sled      `yaml:"sled"`
	Rules        []Rule    `yaml:"rules"`
	Policies     []Policy  `yaml:"policies"`
	Storages     []Storage `yaml:"storages"`

	// path is the file this config was loaded from; kept for the
	// fsnotify watcher driving hot reload.
	path string
}

// Redis configures the remote MetaDB backend. Present iff any policy
// references a "redis" metadata_db.
type Redis struct {
	URL string `yaml:"url"`
}

// Sled configures the embedded MetaDB backend. The field name is
// preserved from the upstream schema; the embedded engine behind it is
// buntdb, not literal sled (see DESIGN.md).
type Sled struct {
	MetadataPath string `yaml:"metadata_path"`
}

// Rule is one entry of the ordered rule router.
type Rule struct {
	Name      string      `yaml:"name"`
	Path      string      `yaml:"path"`
	Upstream  string      `yaml:"upstream"`
	Policy    string      `yaml:"policy"`
	SizeLimit string      `yaml:"size_limit"`
	Rewrite   []Rewrite   `yaml:"rewrite"`
	Options   RuleOptions `yaml:"options"`

	// SizeLimitBytes is SizeLimit parsed at load time; 0 if unset.
	SizeLimitBytes uint64 `yaml:"-"`
}

// Rewrite is a literal from/to substring replacement.
type Rewrite struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// RuleOptions holds rule-level response overrides.
type RuleOptions struct {
	ContentType string `yaml:"content_type"`
}

// PolicyKind discriminates the eviction strategy.
type PolicyKind string

const (
	PolicyLRU PolicyKind = "LRU"
	PolicyTTL PolicyKind = "TTL"
)

// Policy is one named eviction-policy descriptor.
type Policy struct {
	Name          string     `yaml:"name"`
	Type          PolicyKind `yaml:"type"`
	MetadataDB    string     `yaml:"metadata_db"`
	Storage       string     `yaml:"storage"`
	Timeout       string     `yaml:"timeout"`
	CleanInterval string     `yaml:"clean_interval"`
	Size          string     `yaml:"size"`

	// Derived, populated at load time.
	TimeoutSeconds       int    `yaml:"-"`
	CleanIntervalSeconds int    `yaml:"-"`
	SizeBytes            uint64 `yaml:"-"`
}

// StorageKind discriminates the blob backend.
type StorageKind string

const (
	StorageFS  StorageKind = "FS"
	StorageMEM StorageKind = "MEM"
)

// Storage is one named blob-storage descriptor.
type Storage struct {
	Name   string                 `yaml:"name"`
	Type   StorageKind            `yaml:"type"`
	Config map[string]interface{} `yaml:"config"`
}

// Root returns the filesystem root for an FS storage's config, or "" if
// unset.
func (s Storage) Root() string {
	if v, ok := s.Config["root"]; ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return ""
}

// DumpPath returns the warm-start dump file path for a MEM storage's
// config, or "" if unset (no dump/restore across restarts).
func (s Storage) DumpPath() string {
	if v, ok := s.Config["dump_path"]; ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return ""
}

// Load reads, parses, overlays environment variables onto, and validates
// the config at path. Mirrors the teacher's pkg/config LoadConfig plus
// cache.go's viper/godotenv init() wiring.
func Load(path string) (*Config, error) {
	_ = godotenv.Overload() // optional .env; absence is not an error

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.path = path

	applyEnvOverlay(&cfg)

	if err := cfg.normalize(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// Path returns the file this Config was loaded from.
func (c *Config) Path() string { return c.path }

// applyEnvOverlay binds MIRROR_CACHE_* environment variables over the
// loaded YAML values, following the teacher's viper.AutomaticEnv/BindEnv
// pattern in cache.go's init().
func applyEnvOverlay(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix("MIRROR_CACHE")
	v.AutomaticEnv()

	for _, key := range []string{"port", "metrics_port", "log_level", "hot_reload", "redis.url", "sled.metadata_path"} {
		_ = v.BindEnv(key)
	}

	if v.IsSet("port") {
		cfg.Port = v.GetInt("port")
	}
	if v.IsSet("metrics_port") {
		cfg.MetricsPort = v.GetInt("metrics_port")
	}
	if v.IsSet("log_level") {
		cfg.LogLevel = v.GetString("log_level")
	}
	if v.IsSet("hot_reload") {
		cfg.HotReload = v.GetBool("hot_reload")
	}
	if v.IsSet("redis.url") {
		cfg.Redis.URL = v.GetString("redis.url")
	}
	if v.IsSet("sled.metadata_path") {
		cfg.Sled.MetadataPath = v.GetString("sled.metadata_path")
	}
}

// normalize parses human-readable sizes and durations, applying the
// rule-level size_limit override over the policy-level size: rule-level
// wins when both are present.
func (c *Config) normalize() error {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	byName := make(map[string]int, len(c.Policies))
	for i := range c.Policies {
		byName[c.Policies[i].Name] = i

		p := &c.Policies[i]
		if p.Size != "" {
			n, err := humanize.ParseBytes(strings.TrimSpace(p.Size))
			if err != nil {
				return fmt.Errorf("policy %q: invalid size %q: %w", p.Name, p.Size, err)
			}
			p.SizeBytes = n
		}
		if p.Timeout != "" {
			secs, err := parseSeconds(p.Timeout)
			if err != nil {
				return fmt.Errorf("policy %q: invalid timeout %q: %w", p.Name, p.Timeout, err)
			}
			p.TimeoutSeconds = secs
		} else {
			p.TimeoutSeconds = 30
		}
		if p.CleanInterval != "" {
			secs, err := parseSeconds(p.CleanInterval)
			if err != nil {
				return fmt.Errorf("policy %q: invalid clean_interval %q: %w", p.Name, p.CleanInterval, err)
			}
			p.CleanIntervalSeconds = secs
		} else {
			p.CleanIntervalSeconds = 60
		}
	}

	for i := range c.Rules {
		r := &c.Rules[i]
		if r.SizeLimit == "" {
			continue
		}
		n, err := humanize.ParseBytes(strings.TrimSpace(r.SizeLimit))
		if err != nil {
			return fmt.Errorf("rule %q: invalid size_limit %q: %w", r.Path, r.SizeLimit, err)
		}
		r.SizeLimitBytes = n

		if idx, ok := byName[r.Policy]; ok {
			c.Policies[idx].SizeBytes = n
		}
	}
	return nil
}

// parseSeconds accepts a bare integer (seconds) or a Go duration string
// ("30s", "5m").
func parseSeconds(s string) (int, error) {
	s = strings.TrimSpace(s)
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err == nil && fmt.Sprintf("%d", n) == s {
		return n, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return int(d.Seconds()), nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.MetricsPort <= 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics_port %d", c.MetricsPort)
	}
	switch strings.ToLower(c.LogLevel) {
	case "error", "warn", "info", "debug", "trace":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}

	storages := make(map[string]Storage, len(c.Storages))
	for _, s := range c.Storages {
		if s.Name == "" {
			return fmt.Errorf("storage entry missing name")
		}
		switch s.Type {
		case StorageFS, StorageMEM:
		default:
			return fmt.Errorf("storage %q: invalid type %q", s.Name, s.Type)
		}
		storages[s.Name] = s
	}

	usesRedis, usesEmbedded := false, false
	policies := make(map[string]Policy, len(c.Policies))
	for _, p := range c.Policies {
		if p.Name == "" {
			return fmt.Errorf("policy entry missing name")
		}
		switch p.Type {
		case PolicyLRU, PolicyTTL:
		default:
			return fmt.Errorf("policy %q: invalid type %q", p.Name, p.Type)
		}
		if _, ok := storages[p.Storage]; !ok {
			return fmt.Errorf("policy %q: unknown storage %q", p.Name, p.Storage)
		}
		switch p.MetadataDB {
		case "redis":
			usesRedis = true
		case "embedded", "sled", "":
			usesEmbedded = true
		default:
			return fmt.Errorf("policy %q: unknown metadata_db %q", p.Name, p.MetadataDB)
		}
		policies[p.Name] = p
	}
	if usesRedis && c.Redis.URL == "" {
		return fmt.Errorf("redis.url required: a policy uses the remote metadata_db")
	}
	if usesEmbedded && c.Sled.MetadataPath == "" {
		return fmt.Errorf("sled.metadata_path required: a policy uses the embedded metadata_db")
	}

	if len(c.Rules) == 0 {
		return fmt.Errorf("no rules configured")
	}
	for _, r := range c.Rules {
		if r.Path == "" {
			return fmt.Errorf("rule missing path")
		}
		if r.Upstream == "" {
			return fmt.Errorf("rule %q missing upstream", r.Path)
		}
		if _, ok := policies[r.Policy]; !ok {
			return fmt.Errorf("rule %q: unknown policy %q", r.Path, r.Policy)
		}
	}
	return nil
}
