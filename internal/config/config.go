package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for chatguard.
type Config struct {
	General    GeneralConfig    `json:"general" yaml:"general"`
	Telegram   TelegramConfig   `json:"telegram" yaml:"telegram"`
	Webhook    WebhookConfig    `json:"webhook" yaml:"webhook"`
	Moderation ModerationConfig `json:"moderation" yaml:"moderation"`
	Dispatch   DispatchConfig   `json:"dispatch" yaml:"dispatch"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel  string `json:"logLevel" yaml:"logLevel"`
	LogFormat string `json:"logFormat" yaml:"logFormat"`                 // "text" | "json"
	LogFile   string `json:"logFile,omitempty" yaml:"logFile,omitempty"` // optional log file path
}

type TelegramConfig struct {
	Token          string   `json:"token" yaml:"token"`
	APIEndpoint    string   `json:"apiEndpoint,omitempty" yaml:"apiEndpoint,omitempty"` // e.g. a local Bot API server
	PollTimeout    string   `json:"pollTimeout" yaml:"pollTimeout"`
	AllowedUpdates []string `json:"allowedUpdates" yaml:"allowedUpdates"`
	DropPending    bool     `json:"dropPending" yaml:"dropPending"`
}

type WebhookConfig struct {
	BaseURL        string `json:"baseUrl" yaml:"baseUrl"`
	Path           string `json:"path" yaml:"path"`
	Secret         string `json:"secret" yaml:"secret"`
	Host           string `json:"host" yaml:"host"`
	Port           int    `json:"port" yaml:"port"`
	MaxConnections int    `json:"maxConnections" yaml:"maxConnections"`
}

// URL is the public address registered with Telegram.
func (w WebhookConfig) URL() string {
	return strings.TrimRight(w.BaseURL, "/") + w.Path
}

type ModerationConfig struct {
	DeleteAll          bool           `json:"deleteAll" yaml:"deleteAll"`
	Banned             FlexStringList `json:"banned" yaml:"banned"`
	ExemptChats        FlexStringList `json:"exemptChats" yaml:"exemptChats"`
	ExemptOwnChat      bool           `json:"exemptOwnChat" yaml:"exemptOwnChat"`
	WarningText        string         `json:"warningText,omitempty" yaml:"warningText,omitempty"` // text/template
	WarnCooldown       string         `json:"warnCooldown" yaml:"warnCooldown"`
	WarnOrder          string         `json:"warnOrder" yaml:"warnOrder"` // "delete-first" | "warn-first"
	MaxTextChars       int            `json:"maxTextChars" yaml:"maxTextChars"`
	CooldownTTL        string         `json:"cooldownTTL" yaml:"cooldownTTL"`
	CooldownMaxEntries int            `json:"cooldownMaxEntries" yaml:"cooldownMaxEntries"`
}

// ExemptChatIDs parses ExemptChats as chat ids.
func (m ModerationConfig) ExemptChatIDs() ([]int64, error) {
	ids := make([]int64, 0, len(m.ExemptChats))
	for _, s := range m.ExemptChats {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("moderation.exemptChats: %q is not a chat id", s)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

type DispatchConfig struct {
	MaxConcurrent   int    `json:"maxConcurrent" yaml:"maxConcurrent"`
	ShutdownTimeout string `json:"shutdownTimeout" yaml:"shutdownTimeout"`
	DedupeWindow    int    `json:"dedupeWindow" yaml:"dedupeWindow"`
}

// MetricsConfig configures the Prometheus text endpoint on the webhook server.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// FlexStringList is a []string that can unmarshal from arrays mixing strings
// and numbers (["123", 456] becomes "123", "456") or from a single
// comma-separated string ("casino, t.me/").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*f = SplitList(single)
		return nil
	}
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n json.Number
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, n.String())
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

func (f *FlexStringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*f = SplitList(node.Value)
		return nil
	case yaml.SequenceNode:
		result := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: list items must be scalars", item.Line)
			}
			result = append(result, item.Value)
		}
		*f = result
		return nil
	default:
		return fmt.Errorf("line %d: expected a list or a comma-separated string", node.Line)
	}
}

// SplitList splits a comma-separated value, trimming blanks and dropping
// empty items.
func SplitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// DefaultConfigDir returns the default config directory (~/.chatguard).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatguard"
	}
	return filepath.Join(home, ".chatguard")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Load reads and validates a config file. Files ending in .yaml or .yml
// are decoded as YAML, anything else as JSON.
func Load(path string) (*Config, error) {
	cfg, err := read(path)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Resolve builds the runtime config: the file at path when it exists
// (defaults otherwise), then environment overrides, then a generated
// webhook secret if none is set.
func Resolve(path string) (*Config, error) {
	cfg, err := read(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = Defaults(), nil
	}
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := EnsureSecret(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func read(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	return cfg, nil
}

// ApplyEnv overrides config values from the environment variables used by
// container deployments.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("BOT_TOKEN"); ok {
		cfg.Telegram.Token = v
	} else if v, ok := get("TELEGRAM_TOKEN"); ok {
		cfg.Telegram.Token = v
	}
	if v, ok := get("BASE_URL"); ok {
		cfg.Webhook.BaseURL = strings.TrimRight(v, "/")
	}
	if v, ok := get("WEBHOOK_SECRET"); ok {
		cfg.Webhook.Secret = v
	}
	if v, ok := get("PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %q is not a number", v)
		}
		cfg.Webhook.Port = port
	}
	if v, ok := get("DELETE_ALL"); ok {
		cfg.Moderation.DeleteAll = strings.EqualFold(v, "true") || v == "1"
	}
	if v, ok := lookup("BANNED"); ok {
		// An explicitly empty BANNED disables text matching.
		cfg.Moderation.Banned = SplitList(v)
	}
	if v, ok := get("EXEMPT_CHATS"); ok {
		cfg.Moderation.ExemptChats = SplitList(v)
	}
	if v, ok := get("WARNING_TEXT"); ok {
		cfg.Moderation.WarningText = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.General.LogLevel = v
	}
	return nil
}

// EnsureSecret fills in a random webhook secret when none is configured.
func EnsureSecret(cfg *Config) error {
	if cfg.Webhook.Secret != "" {
		return nil
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Errorf("generate webhook secret: %w", err)
	}
	cfg.Webhook.Secret = hex.EncodeToString(b)
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

// Save writes cfg as JSON, or YAML when path ends in .yaml/.yml.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	// The file holds the bot token.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values. The bot token is not
// required here so offline commands work without one.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}

	if cfg.Telegram.PollTimeout != "" {
		if d, err := time.ParseDuration(cfg.Telegram.PollTimeout); err != nil || d < 0 {
			errs = append(errs, "telegram.pollTimeout must be a non-negative duration")
		}
	}

	if !strings.HasPrefix(cfg.Webhook.Path, "/") {
		errs = append(errs, "webhook.path must start with /")
	}
	if cfg.Webhook.Port < 0 || cfg.Webhook.Port > 65535 {
		errs = append(errs, "webhook.port must be between 0 and 65535")
	}
	if cfg.Webhook.MaxConnections < 0 || cfg.Webhook.MaxConnections > 100 {
		errs = append(errs, "webhook.maxConnections must be between 0 and 100")
	}
	if cfg.Webhook.BaseURL != "" && !strings.HasPrefix(cfg.Webhook.BaseURL, "https://") {
		errs = append(errs, "webhook.baseUrl must be an https:// URL")
	}

	for _, d := range []struct{ name, value string }{
		{"moderation.warnCooldown", cfg.Moderation.WarnCooldown},
		{"moderation.cooldownTTL", cfg.Moderation.CooldownTTL},
		{"dispatch.shutdownTimeout", cfg.Dispatch.ShutdownTimeout},
	} {
		if d.value == "" {
			continue
		}
		if v, err := time.ParseDuration(d.value); err != nil || v < 0 {
			errs = append(errs, d.name+" must be a non-negative duration (e.g. 2s)")
		}
	}
	// Zero TTL means the tracker default.
	if ttl := Duration(cfg.Moderation.CooldownTTL, 10*time.Minute); ttl > 0 &&
		ttl < Duration(cfg.Moderation.WarnCooldown, 2*time.Second) {
		errs = append(errs, "moderation.cooldownTTL must be >= moderation.warnCooldown")
	}
	switch cfg.Moderation.WarnOrder {
	case "", "delete-first", "warn-first":
	default:
		errs = append(errs, "moderation.warnOrder must be one of: delete-first, warn-first")
	}
	if cfg.Moderation.MaxTextChars < 0 {
		errs = append(errs, "moderation.maxTextChars must be >= 0")
	}
	if cfg.Moderation.CooldownMaxEntries < 0 {
		errs = append(errs, "moderation.cooldownMaxEntries must be >= 0")
	}
	if _, err := cfg.Moderation.ExemptChatIDs(); err != nil {
		errs = append(errs, err.Error())
	}

	if cfg.Dispatch.MaxConcurrent < 1 || cfg.Dispatch.MaxConcurrent > 1000 {
		errs = append(errs, "dispatch.maxConcurrent must be between 1 and 1000")
	}
	if cfg.Dispatch.DedupeWindow < 0 {
		errs = append(errs, "dispatch.dedupeWindow must be >= 0")
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Duration parses a validated duration field, returning def when empty.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
