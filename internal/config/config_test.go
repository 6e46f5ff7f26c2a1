package config

import (
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.StoragePath == "" {
		t.Fatalf("StoragePath 应该被保留")
	}
	if cfg.Global.ListenPort == 0 {
		t.Fatalf("ListenPort 应当被解析")
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 15*time.Second {
		t.Fatalf("UpstreamTimeout 解析错误: %v", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if cfg.Origin.ManifestPath != DefaultManifestPath {
		t.Fatalf("ManifestPath 应填充默认值，得到 %s", cfg.Origin.ManifestPath)
	}
	if cfg.Origin.ScriptPrefix != DefaultScriptPrefix {
		t.Fatalf("ScriptPrefix 应填充默认值，得到 %s", cfg.Origin.ScriptPrefix)
	}
	if cfg.Origin.CachePrefix != DefaultCachePrefix {
		t.Fatalf("CachePrefix 应填充默认值，得到 %s", cfg.Origin.CachePrefix)
	}
	if len(cfg.Origin.CoreAssets) != 2 {
		t.Fatalf("CoreAssets 应来自配置文件，得到 %v", cfg.Origin.CoreAssets)
	}
	if cfg.Origin.Domain != "cellar.local" {
		t.Fatalf("Domain 解析错误: %s", cfg.Origin.Domain)
	}
}

func TestValidateRejectsMissingUpstream(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("缺少 Upstream 的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestUpstreamValidation(t *testing.T) {
	testCases := []struct {
		name      string
		upstream  string
		shouldErr bool
	}{
		{"https ok", "https://cellar.example.com", false},
		{"http ok", "http://127.0.0.1:8080", false},
		{"missing", "", true},
		{"bad scheme", "ftp://cellar.example.com", true},
		{"no host", "http://", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Origin.Upstream = tc.upstream
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for upstream %q", tc.upstream)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for upstream %q: %v", tc.upstream, err)
			}
		})
	}
}

func TestValidateRejectsRelativePaths(t *testing.T) {
	cfg := validConfig()
	cfg.Origin.CoreAssets = []string{"js/main.js"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("相对路径的 CoreAssets 应报错")
	}

	cfg = validConfig()
	cfg.Origin.ScriptPrefix = "js/"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("相对 ScriptPrefix 应报错")
	}
}

func TestValidateRejectsDomainWithScheme(t *testing.T) {
	cfg := validConfig()
	cfg.Origin.Domain = "https://cellar.local"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Domain 带协议头应报错")
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			StoragePath:     "./data",
			UpstreamTimeout: Duration(time.Second),
		},
		Origin: OriginConfig{
			Upstream:     "https://cellar.example.com",
			ManifestPath: DefaultManifestPath,
			ScriptPrefix: DefaultScriptPrefix,
			CachePrefix:  DefaultCachePrefix,
			CoreAssets:   []string{"/js/main.js"},
			ClientBuffer: DefaultClientBuffer,
		},
	}
}
