package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeStandalone {
		t.Fatalf("默认模式应为 standalone,实际 %s", cfg.Mode)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("默认监听地址不符: %s", cfg.Server.Address)
	}
	if cfg.Registry.Driver != "local" || cfg.Registry.Path == "" {
		t.Fatalf("默认目录配置不符: %+v", cfg.Registry)
	}
	if cfg.RateLimit.Driver != "noop" {
		t.Fatalf("默认限流应为 noop: %s", cfg.RateLimit.Driver)
	}
	if cfg.Approvals.DefaultTimeoutSeconds != 300 {
		t.Fatalf("默认审批超时不符: %d", cfg.Approvals.DefaultTimeoutSeconds)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
		"mode": "cloud",
		"server": {"address": ":9090", "api_key": "secret"},
		"registry": {"driver": "cloud", "base_url": "https://directory.example.com"},
		"rate_limit": {"driver": "local", "limit": 10, "window_seconds": 30},
		"transaction_log": {"driver": "file", "path": "txlog"}
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写配置失败: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeCloud || cfg.Server.Address != ":9090" {
		t.Fatalf("配置未生效: %+v", cfg)
	}
	if cfg.Registry.BaseURL != "https://directory.example.com" {
		t.Fatalf("目录地址未生效: %s", cfg.Registry.BaseURL)
	}
	if cfg.RateLimit.Limit != 10 || cfg.RateLimit.WindowSeconds != 30 {
		t.Fatalf("限流参数未生效: %+v", cfg.RateLimit)
	}
}

func TestLoadFromEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"server":{"address":":7070"}}`), 0o600); err != nil {
		t.Fatalf("写配置失败: %v", err)
	}
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":7070" {
		t.Fatalf("环境变量路径未生效: %s", cfg.Server.Address)
	}
}

func TestAPIKeyFromEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{"mode":"cloud","server":{"api_key_env":"AMORCE_TEST_API_KEY"},"registry":{"driver":"cloud","base_url":"https://directory.example.com"}}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写配置失败: %v", err)
	}
	t.Setenv("AMORCE_TEST_API_KEY", "  from-env  ")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.APIKey != "from-env" {
		t.Fatalf("api_key 未从环境变量解析: %q", cfg.Server.APIKey)
	}
}

func TestValidateRejectsBadCombos(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"cloud 模式缺 api_key":  `{"mode":"cloud"}`,
		"cloud 目录缺 base_url": `{"registry":{"driver":"cloud"}}`,
		"redis 限流缺地址":        `{"rate_limit":{"driver":"redis"}}`,
		"mysql 日志缺 dsn":      `{"transaction_log":{"driver":"mysql"}}`,
		"未知模式":              `{"mode":"hybrid"}`,
	}
	for name, content := range cases {
		path := filepath.Join(dir, name+".json")
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("写配置失败: %v", err)
		}
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: 期望校验失败", name)
		}
	}
}
