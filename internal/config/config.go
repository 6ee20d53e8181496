package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultModel            = "gpt-4o-mini"
	DefaultMaxTokens        = 2048
	DefaultHost             = "0.0.0.0"
	DefaultPort             = 18790
	DefaultUpdateMode       = "per_user"
	DefaultMsgThreshold     = 50
	DefaultTimeThresholdSec = 7200
	DefaultMaxRunMessages   = 100
	DefaultAliasBatchSize   = 20
	DefaultHalfLifeDays     = 7.0
	DefaultMinConfidence    = 0.3
	DefaultMaxEvidence      = 3
	DefaultShortTextLen     = 3
	DefaultBufSize          = 100
)

// ErrInvalid wraps every validation failure so callers can
// distinguish a bad config from an I/O error with errors.Is.
var ErrInvalid = errors.New("invalid config")

type Config struct {
	Provider    ProviderConfig    `json:"provider"`
	Update      UpdateConfig      `json:"update"`
	Alias       AliasConfig       `json:"alias"`
	Attribution AttributionConfig `json:"attribution"`
	Evidence    EvidenceConfig    `json:"evidence"`
	Bot         BotConfig         `json:"bot"`
	Filters     FiltersConfig     `json:"filters"`
	Channels    ChannelsConfig    `json:"channels"`
	Gateway     GatewayConfig     `json:"gateway"`
	DBPath      string            `json:"dbPath,omitempty"`
	Debug       bool              `json:"debug"`
}

type ProviderConfig struct {
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

// PhaseConfig overrides the model selection for a single pipeline
// phase. Empty fields fall back to the update-level settings, then to
// the session provider.
type PhaseConfig struct {
	Provider  *ProviderConfig `json:"provider,omitempty"`
	Model     string          `json:"model,omitempty"`
	MaxTokens int             `json:"maxTokens,omitempty"`
}

type UpdateConfig struct {
	Provider         *ProviderConfig `json:"provider,omitempty"`
	Model            string          `json:"model,omitempty"`
	MaxTokens        int             `json:"maxTokens,omitempty"`
	Mode             string          `json:"mode"`
	MsgThreshold     int             `json:"msgThreshold"`
	TimeThresholdSec int             `json:"timeThresholdSec"`
	MaxRunMessages   int             `json:"maxRunMessages"`
	Phase1           PhaseConfig     `json:"phase1"`
	Phase2           PhaseConfig     `json:"phase2"`
	Phase3           PhaseConfig     `json:"phase3"`
}

type AliasConfig struct {
	BatchSize int         `json:"batchSize"`
	Phase     PhaseConfig `json:"phase"`
}

type AttributionConfig struct {
	SemanticEnabled bool        `json:"semanticEnabled"`
	MaxMessages     int         `json:"maxMessages,omitempty"`
	Phase           PhaseConfig `json:"phase"`
}

type EvidenceConfig struct {
	HalfLifeDays  float64 `json:"halfLifeDays"`
	MinConfidence float64 `json:"minConfidence"`
	MaxPerItem    int     `json:"maxPerItem"`
}

// BotConfig names the hosting bot so its messages and the nicknames
// people call it never become profile subjects.
type BotConfig struct {
	UserID  string   `json:"userId"`
	Aliases []string `json:"aliases,omitempty"`
}

type FiltersConfig struct {
	GroupWhitelist     []string `json:"groupWhitelist"`
	IgnoreShortTextLen int      `json:"ignoreShortTextLen"`
	IgnoreRegex        string   `json:"ignoreRegex,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{},
		Update: UpdateConfig{
			Model:            DefaultModel,
			MaxTokens:        DefaultMaxTokens,
			Mode:             DefaultUpdateMode,
			MsgThreshold:     DefaultMsgThreshold,
			TimeThresholdSec: DefaultTimeThresholdSec,
			MaxRunMessages:   DefaultMaxRunMessages,
		},
		Alias: AliasConfig{
			BatchSize: DefaultAliasBatchSize,
		},
		Attribution: AttributionConfig{
			SemanticEnabled: false,
		},
		Evidence: EvidenceConfig{
			HalfLifeDays:  DefaultHalfLifeDays,
			MinConfidence: DefaultMinConfidence,
			MaxPerItem:    DefaultMaxEvidence,
		},
		Filters: FiltersConfig{
			IgnoreShortTextLen: DefaultShortTextLen,
		},
		Channels: ChannelsConfig{},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".impressiond")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("IMPRESSIOND_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if url := os.Getenv("IMPRESSIOND_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("IMPRESSIOND_MODEL"); model != "" {
		cfg.Update.Model = model
	}
	if mode := os.Getenv("IMPRESSIOND_UPDATE_MODE"); mode != "" {
		cfg.Update.Mode = mode
	}
	if token := os.Getenv("IMPRESSIOND_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if botID := os.Getenv("IMPRESSIOND_BOT_ID"); botID != "" {
		cfg.Bot.UserID = botID
	}
	if dbPath := os.Getenv("IMPRESSIOND_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if debug := os.Getenv("IMPRESSIOND_DEBUG"); debug != "" {
		if parsed, err := strconv.ParseBool(debug); err == nil {
			cfg.Debug = parsed
		}
	}

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(ConfigDir(), "impressions.db")
	}
	if cfg.Update.Mode == "" {
		cfg.Update.Mode = DefaultUpdateMode
	}
	if cfg.Update.MaxRunMessages <= 0 {
		cfg.Update.MaxRunMessages = DefaultMaxRunMessages
	}
	if cfg.Alias.BatchSize <= 0 {
		cfg.Alias.BatchSize = DefaultAliasBatchSize
	}
	if cfg.Evidence.HalfLifeDays <= 0 {
		cfg.Evidence.HalfLifeDays = DefaultHalfLifeDays
	}
	if cfg.Evidence.MaxPerItem <= 0 {
		cfg.Evidence.MaxPerItem = DefaultMaxEvidence
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}

// Validate rejects settings that would silently corrupt confidence
// math or deadlock the scheduler. Call before starting the gateway.
func (c *Config) Validate() error {
	switch c.Update.Mode {
	case "per_user", "group_batch", "hybrid":
	default:
		return fmt.Errorf("%w: update mode %q (want per_user, group_batch or hybrid)", ErrInvalid, c.Update.Mode)
	}
	if c.Update.MsgThreshold < 0 {
		return fmt.Errorf("%w: msgThreshold %d", ErrInvalid, c.Update.MsgThreshold)
	}
	if c.Update.MaxRunMessages <= 0 {
		return fmt.Errorf("%w: maxRunMessages %d", ErrInvalid, c.Update.MaxRunMessages)
	}
	if c.Alias.BatchSize <= 0 {
		return fmt.Errorf("%w: alias batchSize %d", ErrInvalid, c.Alias.BatchSize)
	}
	if c.Evidence.HalfLifeDays <= 0 {
		return fmt.Errorf("%w: halfLifeDays %v", ErrInvalid, c.Evidence.HalfLifeDays)
	}
	if c.Evidence.MinConfidence < 0 || c.Evidence.MinConfidence >= 1 {
		return fmt.Errorf("%w: minConfidence %v (want [0, 1))", ErrInvalid, c.Evidence.MinConfidence)
	}
	if c.Evidence.MaxPerItem <= 0 {
		return fmt.Errorf("%w: evidence maxPerItem %d", ErrInvalid, c.Evidence.MaxPerItem)
	}
	return nil
}
