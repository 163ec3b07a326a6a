package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/questline/questline-client/questClient/constant"
)

//go:embed default_config.json
var defaultConfigJSON []byte

func validateConfig(cfg *Config) error {
	// Validate log level
	if cfg.LogLevel < 0 || cfg.LogLevel > 5 {
		return fmt.Errorf("log level must be between 0 and 5")
	}

	// Validate log format
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return fmt.Errorf("log format must be 'json' or 'console'")
	}

	if cfg.ChainID < 0 {
		return fmt.Errorf("chain id must not be negative")
	}

	if len(cfg.RPCURLs) == 0 {
		cfg.RPCURLs = []string{"http://localhost:8545"}
	}

	if cfg.QueryServerPort == 0 {
		cfg.QueryServerPort = 8080
	}

	// Queue defaults
	if cfg.Queue.MaxInFlight == nil {
		one := 1
		cfg.Queue.MaxInFlight = &one
	}
	if *cfg.Queue.MaxInFlight < 0 {
		return fmt.Errorf("queue.max_in_flight must not be negative")
	}
	if cfg.Queue.SubmitTimeoutSeconds == 0 {
		cfg.Queue.SubmitTimeoutSeconds = 120
	}

	// Tracker defaults
	if cfg.Tracker.PollIntervalSeconds == 0 {
		cfg.Tracker.PollIntervalSeconds = 4
	}
	if cfg.Tracker.DropTimeoutSeconds == 0 {
		cfg.Tracker.DropTimeoutSeconds = 180
	}
	if cfg.Tracker.RequiredConfirmations == 0 {
		cfg.Tracker.RequiredConfirmations = 1
	}
	if cfg.Tracker.MaxPollAttempts == 0 {
		cfg.Tracker.MaxPollAttempts = 3
	}
	if cfg.Tracker.DropTimeoutSeconds <= cfg.Tracker.PollIntervalSeconds {
		return fmt.Errorf("tracker.drop_timeout_seconds must exceed tracker.poll_interval_seconds")
	}

	// Read tier defaults
	if cfg.Reads.StaticSeconds == 0 {
		cfg.Reads.StaticSeconds = 1800
	}
	if cfg.Reads.SemiStaticSeconds == 0 {
		cfg.Reads.SemiStaticSeconds = 600
	}
	if cfg.Reads.DynamicSeconds == 0 {
		cfg.Reads.DynamicSeconds = 180
	}
	if cfg.Reads.UserSpecificSeconds == 0 {
		cfg.Reads.UserSpecificSeconds = 120
	}
	if cfg.Reads.RefreshIntervalSeconds == 0 {
		cfg.Reads.RefreshIntervalSeconds = 15
	}
	if cfg.Reads.MaxFetchAttempts == 0 {
		cfg.Reads.MaxFetchAttempts = 3
	}
	if cfg.Reads.RatePerSecond == 0 {
		cfg.Reads.RatePerSecond = 20
	}
	if cfg.Reads.Burst == 0 {
		cfg.Reads.Burst = 10
	}

	// Retention defaults
	if cfg.Retention.SweepIntervalSeconds == 0 {
		cfg.Retention.SweepIntervalSeconds = 60
	}
	if cfg.Retention.SettledRecordSeconds == 0 {
		cfg.Retention.SettledRecordSeconds = 600
	}
	if cfg.Retention.IdleReadSeconds == 0 {
		cfg.Retention.IdleReadSeconds = 300
	}
	if cfg.Retention.JournalSeconds == 0 {
		cfg.Retention.JournalSeconds = 86400
	}

	// Load capabilities from the embedded defaults when none are configured
	if len(cfg.Capabilities) == 0 {
		var defaultCfg Config
		if err := json.Unmarshal(defaultConfigJSON, &defaultCfg); err == nil {
			cfg.Capabilities = defaultCfg.Capabilities
		} else {
			cfg.Capabilities = make(map[string]CapabilityConfig)
		}
	}
	for name, capability := range cfg.Capabilities {
		if capability.Signature == "" {
			return fmt.Errorf("capability %s has no signature", name)
		}
		if !strings.HasPrefix(capability.Signature, name+"(") {
			return fmt.Errorf("capability %s signature %q does not match its name", name, capability.Signature)
		}
	}

	return nil
}

// Validate applies defaults and checks the config.
func Validate(cfg *Config) error {
	return validateConfig(cfg)
}

// ResolveJournalPath returns the journal location, defaulting under NodeHome.
func (c *Config) ResolveJournalPath() string {
	if c.JournalPath != "" {
		return c.JournalPath
	}
	home := c.NodeHome
	if home == "" {
		home = constant.DefaultNodeHome
	}
	return filepath.Join(home, constant.DataSubdir, constant.JournalFileName)
}

// Save writes the given config to <NodeDir>/config/questd_config.json.
func Save(cfg *Config, basePath string) error {
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	configDir := filepath.Join(basePath, constant.ConfigSubdir)
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configFile := filepath.Join(configDir, constant.ConfigFileName)
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load reads and returns the config from <BasePath>/config/questd_config.json.
func Load(basePath string) (Config, error) {
	configFile := filepath.Join(basePath, constant.ConfigSubdir, constant.ConfigFileName)
	data, err := os.ReadFile(filepath.Clean(configFile))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.NodeHome == "" {
		cfg.NodeHome = basePath
	}
	return cfg, nil
}

// LoadDefaultConfig loads the default configuration from embedded JSON
func LoadDefaultConfig() (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(defaultConfigJSON, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal default config: %w", err)
	}
	return &cfg, nil
}

// NewViper returns a viper instance reading QUESTD_* environment overrides.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(constant.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// ApplyOverrides copies flag and environment values set in v onto cfg.
func ApplyOverrides(cfg *Config, v *viper.Viper) {
	if v == nil {
		return
	}
	if v.IsSet("log-level") {
		cfg.LogLevel = v.GetInt("log-level")
	}
	if v.IsSet("log-format") {
		cfg.LogFormat = v.GetString("log-format")
	}
	if v.IsSet("rpc-urls") {
		if urls := v.GetStringSlice("rpc-urls"); len(urls) > 0 {
			cfg.RPCURLs = urls
		}
	}
	if v.IsSet("account") {
		cfg.Account = v.GetString("account")
	}
	if v.IsSet("chain-id") {
		cfg.ChainID = v.GetInt64("chain-id")
	}
	if v.IsSet("port") {
		cfg.QueryServerPort = v.GetInt("port")
	}
	if v.IsSet("journal") {
		cfg.JournalEnabled = v.GetBool("journal")
	}
}
