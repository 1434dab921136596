// CLAUDE:SUMMARY Service configuration: YAML loader, defaults, per-strategy sub-configs.
package acquire

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/fanart/acquire/internal/apifetch"
)

// Config configures the acquisition service. Durations accept Go syntax
// ("45s", "1h") in YAML.
type Config struct {
	// DBPath is the preview store database. Default: "data/fanart.db".
	DBPath string `yaml:"db_path"`

	// DispatchTimeout bounds one whole dispatch, all strategies included.
	// Default: 90s.
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`

	// MaxCandidates caps how many candidates are downloaded for preview or
	// tried for an automatic save. Default: 12.
	MaxCandidates int `yaml:"max_candidates"`

	// HydrateWorkers bounds concurrent preview downloads. Default: 4.
	HydrateWorkers int `yaml:"hydrate_workers"`

	// AllowPrivate disables the private-network guard (tests, intranet).
	AllowPrivate bool `yaml:"allow_private"`

	// UserAgent is shared by every outbound HTTP client. Default: desktop Chrome.
	UserAgent string `yaml:"user_agent"`

	Lightweight LightweightConfig `yaml:"lightweight"`
	API         APIConfig         `yaml:"api"`
	Browser     BrowserConfig     `yaml:"browser"`
	Download    DownloadConfig    `yaml:"download"`
}

// LightweightConfig configures the plain-GET strategy.
type LightweightConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxPageBytes   int64         `yaml:"max_page_bytes"`
	MaxRedirects   int           `yaml:"max_redirects"`
	AcceptLanguage string        `yaml:"accept_language"`
}

// APIConfig configures the platform API strategy. Nil Integrations selects
// the built-in twitter_x and pixiv integrations.
type APIConfig struct {
	Timeout      time.Duration          `yaml:"timeout"`
	Integrations []apifetch.Integration `yaml:"integrations"`
}

// BrowserConfig configures the headless render strategy.
type BrowserConfig struct {
	Disabled      bool          `yaml:"disabled"`
	RemoteURL     string        `yaml:"remote_url"`
	Bin           string        `yaml:"bin"`
	NoSandbox     bool          `yaml:"no_sandbox"`
	MaxLifetime   time.Duration `yaml:"max_lifetime"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	RenderTimeout time.Duration `yaml:"render_timeout"`
	Settle        time.Duration `yaml:"settle"`
	MinSide       int           `yaml:"min_side"`
	// Block lists resource types to block: fonts, media, stylesheets.
	Block     []string `yaml:"block"`
	InlineTop int      `yaml:"inline_top"`
}

// DownloadConfig configures image byte retrieval.
type DownloadConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	MaxBytes int64         `yaml:"max_bytes"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "data/fanart.db"
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 90 * time.Second
	}
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = 12
	}
	if c.HydrateWorkers <= 0 {
		c.HydrateWorkers = 4
	}
	if c.API.Integrations == nil {
		c.API.Integrations = apifetch.DefaultIntegrations()
	}
	if c.Browser.InlineTop <= 0 {
		c.Browser.InlineTop = 3
	}
}

// LoadConfigFile reads a YAML config. A missing file yields the defaults.
func LoadConfigFile(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg.defaults()
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("acquire: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("acquire: parse config %s: %w", path, err)
	}
	cfg.defaults()
	return &cfg, nil
}
