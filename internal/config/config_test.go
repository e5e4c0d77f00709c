package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.Webhook.Port = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative port")
	}

	cfg.Webhook.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_Durations(t *testing.T) {
	cfg := Defaults()
	cfg.Moderation.WarnCooldown = "two seconds"
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "warnCooldown") {
		t.Fatalf("expected warnCooldown error, got %v", err)
	}

	cfg = Defaults()
	cfg.Dispatch.ShutdownTimeout = "-1s"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative shutdown timeout")
	}
}

func TestValidate_CooldownTTLShorterThanWarnCooldown(t *testing.T) {
	cfg := Defaults()
	cfg.Moderation.WarnCooldown = "2s"
	cfg.Moderation.CooldownTTL = "1s"
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "cooldownTTL must be >=") {
		t.Fatalf("expected cooldownTTL error, got: %v", err)
	}

	cfg.Moderation.CooldownTTL = "2s"
	if err := Validate(cfg); err != nil {
		t.Fatalf("equal ttl and cooldown should be valid, got: %v", err)
	}
}

func TestValidate_WarnOrder(t *testing.T) {
	for _, order := range []string{"", "delete-first", "warn-first"} {
		cfg := Defaults()
		cfg.Moderation.WarnOrder = order
		if err := Validate(cfg); err != nil {
			t.Fatalf("warnOrder %q should be valid: %v", order, err)
		}
	}
	cfg := Defaults()
	cfg.Moderation.WarnOrder = "sideways"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for invalid warnOrder")
	}
}

func TestValidate_ExemptChats(t *testing.T) {
	cfg := Defaults()
	cfg.Moderation.ExemptChats = FlexStringList{"-100123", "abc"}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for non-numeric exempt chat")
	}
}

func TestValidate_WebhookPathAndURL(t *testing.T) {
	cfg := Defaults()
	cfg.Webhook.Path = "webhook"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for relative path")
	}

	cfg = Defaults()
	cfg.Webhook.BaseURL = "http://insecure.example"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for non-https base url")
	}
}

func TestValidate_MaxConcurrent(t *testing.T) {
	cfg := Defaults()
	cfg.Dispatch.MaxConcurrent = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxConcurrent=0")
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	for _, name := range []string{"config.json", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			cfg := Defaults()
			cfg.Telegram.Token = "123:abc"
			cfg.Moderation.Banned = FlexStringList{"spam", "t.me/"}
			cfg.Moderation.ExemptChats = FlexStringList{"-100500"}

			if err := Save(path, cfg); err != nil {
				t.Fatalf("save: %v", err)
			}
			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if loaded.Telegram.Token != "123:abc" {
				t.Errorf("token = %q", loaded.Telegram.Token)
			}
			if strings.Join(loaded.Moderation.Banned, "|") != "spam|t.me/" {
				t.Errorf("banned = %v", loaded.Moderation.Banned)
			}
			ids, err := loaded.Moderation.ExemptChatIDs()
			if err != nil || len(ids) != 1 || ids[0] != -100500 {
				t.Errorf("exempt ids = %v, %v", ids, err)
			}
		})
	}
}

func TestSave_PrivatePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := Save(path, Defaults()); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.json"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte("{invalid"), 0o644)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_YAMLCommaList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	data := "moderation:\n  banned: \"casino, promo \"\n  exemptChats: [-1001, 42]\n  warnCooldown: 5s\n"
	os.WriteFile(path, []byte(data), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(cfg.Moderation.Banned, "|") != "casino|promo" {
		t.Errorf("banned = %v", cfg.Moderation.Banned)
	}
	if strings.Join(cfg.Moderation.ExemptChats, "|") != "-1001|42" {
		t.Errorf("exemptChats = %v", cfg.Moderation.ExemptChats)
	}
	if Duration(cfg.Moderation.WarnCooldown, 0) != 5*time.Second {
		t.Errorf("warnCooldown = %q", cfg.Moderation.WarnCooldown)
	}
	// Unset sections keep defaults.
	if cfg.Webhook.Port != 10000 {
		t.Errorf("port = %d, want default", cfg.Webhook.Port)
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{"dispatch":{"maxConcurrent":0}}`), 0o644)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("CHATGUARD_TEST_TOKEN", "999:xyz")
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{"telegram":{"token":"${CHATGUARD_TEST_TOKEN}"},"webhook":{"host":"${CHATGUARD_UNSET_HOST:-0.0.0.0}"}}`), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Telegram.Token != "999:xyz" {
		t.Errorf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Webhook.Host != "0.0.0.0" {
		t.Errorf("host = %q", cfg.Webhook.Host)
	}
}

// --- Resolve / ApplyEnv ---

func TestResolve_NoFileUsesDefaultsAndEnv(t *testing.T) {
	t.Setenv("BOT_TOKEN", " 1:tok ")
	t.Setenv("BASE_URL", "https://bot.example.com/")
	t.Setenv("PORT", "8443")
	t.Setenv("DELETE_ALL", "TRUE")
	t.Setenv("WEBHOOK_SECRET", "")

	cfg, err := Resolve(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Telegram.Token != "1:tok" {
		t.Errorf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Webhook.URL() != "https://bot.example.com/webhook" {
		t.Errorf("url = %q", cfg.Webhook.URL())
	}
	if cfg.Webhook.Port != 8443 || !cfg.Moderation.DeleteAll {
		t.Errorf("port=%d deleteAll=%v", cfg.Webhook.Port, cfg.Moderation.DeleteAll)
	}
	if len(cfg.Webhook.Secret) != 32 {
		t.Errorf("generated secret = %q, want 32 hex chars", cfg.Webhook.Secret)
	}
}

func TestResolve_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte("{"), 0o644)
	if _, err := Resolve(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestApplyEnv_TokenFallback(t *testing.T) {
	cfg := Defaults()
	if err := ApplyEnv(cfg, envMap(map[string]string{"TELEGRAM_TOKEN": "legacy"})); err != nil {
		t.Fatal(err)
	}
	if cfg.Telegram.Token != "legacy" {
		t.Errorf("token = %q", cfg.Telegram.Token)
	}

	cfg = Defaults()
	ApplyEnv(cfg, envMap(map[string]string{"TELEGRAM_TOKEN": "legacy", "BOT_TOKEN": "primary"}))
	if cfg.Telegram.Token != "primary" {
		t.Errorf("token = %q, want BOT_TOKEN to win", cfg.Telegram.Token)
	}
}

func TestApplyEnv_Lists(t *testing.T) {
	cfg := Defaults()
	err := ApplyEnv(cfg, envMap(map[string]string{
		"BANNED":       " spam ,, Promo ",
		"EXEMPT_CHATS": "-1001,-1002",
		"WARNING_TEXT": "no",
		"LOG_LEVEL":    "debug",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(cfg.Moderation.Banned, "|") != "spam|Promo" {
		t.Errorf("banned = %v", cfg.Moderation.Banned)
	}
	if len(cfg.Moderation.ExemptChats) != 2 {
		t.Errorf("exemptChats = %v", cfg.Moderation.ExemptChats)
	}
	if cfg.Moderation.WarningText != "no" || cfg.General.LogLevel != "debug" {
		t.Errorf("warningText=%q logLevel=%q", cfg.Moderation.WarningText, cfg.General.LogLevel)
	}
}

func TestApplyEnv_EmptyBannedDisablesMatching(t *testing.T) {
	cfg := Defaults()
	ApplyEnv(cfg, envMap(map[string]string{"BANNED": ""}))
	if len(cfg.Moderation.Banned) != 0 {
		t.Errorf("banned = %v, want empty", cfg.Moderation.Banned)
	}
}

func TestApplyEnv_DeleteAllFalse(t *testing.T) {
	cfg := Defaults()
	cfg.Moderation.DeleteAll = true
	ApplyEnv(cfg, envMap(map[string]string{"DELETE_ALL": "no"}))
	if cfg.Moderation.DeleteAll {
		t.Error("DELETE_ALL=no should disable")
	}
}

func TestApplyEnv_BadPort(t *testing.T) {
	if err := ApplyEnv(Defaults(), envMap(map[string]string{"PORT": "http"})); err == nil {
		t.Fatal("expected error for non-numeric PORT")
	}
}

func TestEnsureSecret_KeepsExisting(t *testing.T) {
	cfg := Defaults()
	cfg.Webhook.Secret = "mine"
	EnsureSecret(cfg)
	if cfg.Webhook.Secret != "mine" {
		t.Errorf("secret = %q", cfg.Webhook.Secret)
	}
}

// --- Accessors ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := Defaults()
	val, err := GetByPath(cfg, "webhook.port")
	if err != nil {
		t.Fatal(err)
	}
	if val.(float64) != 10000 {
		t.Errorf("webhook.port = %v", val)
	}
	val, err = GetByPath(cfg, "moderation.banned.0")
	if err != nil || val != "casino" {
		t.Errorf("moderation.banned.0 = %v, %v", val, err)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	if _, err := GetByPath(Defaults(), "nonexistent.path"); err == nil {
		t.Fatal("expected error for invalid path")
	}
}

func TestSetByPath_Types(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "moderation.deleteAll", "true"); err != nil {
		t.Fatal(err)
	}
	if err := SetByPath(cfg, "webhook.port", "8080"); err != nil {
		t.Fatal(err)
	}
	if err := SetByPath(cfg, "telegram.token", "12345"); err != nil {
		t.Fatal(err)
	}
	if err := SetByPath(cfg, "moderation.banned", "a, b"); err != nil {
		t.Fatal(err)
	}
	if !cfg.Moderation.DeleteAll || cfg.Webhook.Port != 8080 || cfg.Telegram.Token != "12345" {
		t.Errorf("cfg = %+v", cfg)
	}
	if strings.Join(cfg.Moderation.Banned, "|") != "a|b" {
		t.Errorf("banned = %v", cfg.Moderation.Banned)
	}
}

func TestSetByPath_UnknownKey(t *testing.T) {
	if err := SetByPath(Defaults(), "webhook.prot", "1"); err == nil {
		t.Fatal("expected error for unknown key")
	}
	if err := SetByPath(Defaults(), "", "1"); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Telegram.Token = "1234567890:ABCdefGHIjkl"
	cfg.Webhook.Secret = "short"

	s := Sanitize(cfg)
	if s.Telegram.Token != "1234****Ijkl" {
		t.Errorf("token = %q", s.Telegram.Token)
	}
	if s.Webhook.Secret != "***" {
		t.Errorf("secret = %q", s.Webhook.Secret)
	}
	if cfg.Telegram.Token != "1234567890:ABCdefGHIjkl" {
		t.Error("Sanitize must not modify the original")
	}
}

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	paths := ListPaths(Defaults())
	for _, p := range []string{"general.logLevel", "webhook.port", "moderation.warnCooldown", "dispatch.maxConcurrent"} {
		if _, ok := paths[p]; !ok {
			t.Errorf("missing path %s", p)
		}
	}
	if _, ok := paths["webhook"]; ok {
		t.Error("sections should be flattened")
	}
}

// --- FlexStringList ---

func TestFlexStringList_MixedTypes(t *testing.T) {
	var f FlexStringList
	if err := json.Unmarshal([]byte(`["123", -100456, "abc"]`), &f); err != nil {
		t.Fatal(err)
	}
	if strings.Join(f, "|") != "123|-100456|abc" {
		t.Errorf("got %v", f)
	}
}

func TestFlexStringList_CommaString(t *testing.T) {
	var f FlexStringList
	if err := json.Unmarshal([]byte(`"casino, http://"`), &f); err != nil {
		t.Fatal(err)
	}
	if strings.Join(f, "|") != "casino|http://" {
		t.Errorf("got %v", f)
	}
}

func TestFlexStringList_InvalidJSON(t *testing.T) {
	var f FlexStringList
	if err := json.Unmarshal([]byte(`{"a":1}`), &f); err == nil {
		t.Fatal("expected error for object")
	}
}

func TestSplitList(t *testing.T) {
	if got := SplitList(" a, ,b ,"); strings.Join(got, "|") != "a|b" {
		t.Errorf("got %v", got)
	}
	if got := SplitList(""); len(got) != 0 {
		t.Errorf("got %v", got)
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("CG_SET", "value")
	t.Setenv("CG_EMPTY", "")
	cases := map[string]string{
		"${CG_SET}":             "value",
		"${CG_UNSET:-fallback}": "fallback",
		"${CG_SET:-fallback}":   "value",
		"${CG_EMPTY:-fallback}": "fallback",
		"${CG_UNSET}":           "${CG_UNSET}",
		"a-${CG_SET}-${CG_SET}": "a-value-value",
		"$CG_SET":               "$CG_SET",
		"plain":                 "plain",
	}
	for in, want := range cases {
		if got := ExpandEnvVars(in); got != want {
			t.Errorf("ExpandEnvVars(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDuration(t *testing.T) {
	if Duration("", time.Second) != time.Second {
		t.Error("empty should use default")
	}
	if Duration("250ms", time.Second) != 250*time.Millisecond {
		t.Error("250ms should parse")
	}
}
