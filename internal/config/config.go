// Package config loads panewatch settings from ~/.panewatch/config.toml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the config file name inside the panewatch directory.
const FileName = "config.toml"

// Duration is a time.Duration that unmarshals from TOML strings ("1.5s").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MonitorConfig tunes the sampling engine.
type MonitorConfig struct {
	// Interval is the base poll interval; jittered per tick.
	Interval Duration `toml:"interval"`
	// Lines is how many trailing pane lines each sample captures.
	Lines int `toml:"lines"`
	// Window is the stability window size (3 or 4).
	Window int `toml:"window"`
}

// ClassifierConfig configures the remote classification endpoint.
type ClassifierConfig struct {
	Endpoint string `toml:"endpoint"`
	Model    string `toml:"model"`
	// APIKeyEnv names the environment variable holding the credential.
	// An unset or empty variable means the classifier is unavailable and
	// every escalation resolves to its safe default locally.
	APIKeyEnv      string   `toml:"api_key_env"`
	StageTimeout   Duration `toml:"stage_timeout"`
	OverallTimeout Duration `toml:"overall_timeout"`
	RatePerSec     float64  `toml:"rate_per_sec"`
}

// APIKey resolves the credential, which may legitimately be absent.
func (c ClassifierConfig) APIKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.APIKeyEnv)
}

// WebConfig configures the dashboard server.
type WebConfig struct {
	Listen           string `toml:"listen"`
	Token            string `toml:"token"`
	PushEnabled      bool   `toml:"push_enabled"`
	PushVAPIDPublic  string `toml:"push_vapid_public"`
	PushVAPIDPrivate string `toml:"push_vapid_private"`
	PushVAPIDSubject string `toml:"push_vapid_subject"`
}

// LoggingConfig mirrors logging.Config in TOML form.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Debug  bool   `toml:"debug"`
}

// HistoryConfig configures the transition journal.
type HistoryConfig struct {
	// Path overrides the journal location (default <dir>/history.db).
	Path string `toml:"path"`
	// RetentionDays prunes older transitions at startup. 0 keeps everything.
	RetentionDays int `toml:"retention_days"`
}

// PatternConfig overrides the detection pattern families for one tool.
// Entries prefixed "re:" are compiled as regex.
type PatternConfig struct {
	Activity  []string `toml:"activity"`
	Attention []string `toml:"attention"`
	Spinner   []string `toml:"spinner"`
}

// Config is the root configuration.
type Config struct {
	Monitor    MonitorConfig            `toml:"monitor"`
	Classifier ClassifierConfig         `toml:"classifier"`
	Web        WebConfig                `toml:"web"`
	Logging    LoggingConfig            `toml:"logging"`
	History    HistoryConfig            `toml:"history"`
	Patterns   map[string]PatternConfig `toml:"patterns"`

	// dir is where the config was loaded from (or would be).
	dir string
}

// Dir returns the panewatch state directory.
func (c *Config) Dir() string { return c.dir }

// HistoryPath returns the resolved journal path.
func (c *Config) HistoryPath() string {
	if c.History.Path != "" {
		return c.History.Path
	}
	return filepath.Join(c.dir, "history.db")
}

// DefaultDir returns ~/.panewatch, honoring PANEWATCH_DIR for tests.
func DefaultDir() string {
	if dir := os.Getenv("PANEWATCH_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".panewatch"
	}
	return filepath.Join(home, ".panewatch")
}

func defaults(dir string) *Config {
	return &Config{
		Monitor: MonitorConfig{
			Interval: Duration(1500 * time.Millisecond),
			Lines:    60,
			Window:   4,
		},
		Classifier: ClassifierConfig{
			Endpoint:       "https://api.openai.com/v1/chat/completions",
			Model:          "gpt-4o-mini",
			APIKeyEnv:      "PANEWATCH_API_KEY",
			StageTimeout:   Duration(6 * time.Second),
			OverallTimeout: Duration(20 * time.Second),
			RatePerSec:     2,
		},
		Web: WebConfig{
			Listen:           "127.0.0.1:8430",
			PushVAPIDSubject: "mailto:panewatch@localhost",
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		dir:     dir,
	}
}

// Load reads the config from dir, falling back to defaults when the file is
// missing. A malformed file is an error; a missing one is not.
func Load(dir string) (*Config, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	cfg := defaults(dir)

	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.dir = dir
	return cfg, nil
}

// Path returns the config file path for a directory.
func Path(dir string) string {
	if dir == "" {
		dir = DefaultDir()
	}
	return filepath.Join(dir, FileName)
}
