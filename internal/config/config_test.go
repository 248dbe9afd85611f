package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.ListenPort != 5080 {
		t.Fatalf("ListenPort 应当被解析，得到 %d", cfg.Global.ListenPort)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 10*time.Second {
		t.Fatalf("UpstreamTimeout 解析错误: %s", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if cfg.Global.InitialBackoff.DurationValue() == 0 {
		t.Fatalf("InitialBackoff 应该自动填充默认值")
	}
	if cfg.Site.ManifestPath != "/songs.json" {
		t.Fatalf("ManifestPath 默认值错误: %s", cfg.Site.ManifestPath)
	}
	if cfg.Site.ContentPrefix != "/songs/" || cfg.Site.ContentExt != ".pdf" {
		t.Fatalf("内容路径默认值错误: %s %s", cfg.Site.ContentPrefix, cfg.Site.ContentExt)
	}
	if len(cfg.Site.StaticAssets) != len(DefaultStaticAssets) {
		t.Fatalf("StaticAssets 应退回默认清单")
	}
	if len(cfg.Site.PassthroughPrefixes) == 0 {
		t.Fatalf("PassthroughPrefixes 应有默认值")
	}
	if cfg.Site.StaticCacheName() != "jam-static-v6" {
		t.Fatalf("静态缓存名错误: %s", cfg.Site.StaticCacheName())
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

func TestValidateStaticVersion(t *testing.T) {
	testCases := []struct {
		name      string
		version   string
		shouldErr bool
	}{
		{"plain", "v7", false},
		{"dotted", "2024.10.1", false},
		{"empty", "", true},
		{"slash", "v/7", true},
		{"space", "v 7", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Site.StaticVersion = tc.version
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for version %q", tc.version)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for version %q: %v", tc.version, err)
			}
		})
	}
}

func TestValidateReturnsFieldError(t *testing.T) {
	cfg := validConfig()
	cfg.Site.ContentExt = "pdf"
	err := cfg.Validate()
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) {
		t.Fatalf("应返回 FieldError，得到 %v", err)
	}
	if fieldErr.Field != "Site.ContentExt" {
		t.Fatalf("字段路径错误: %s", fieldErr.Field)
	}
}

func TestValidateRejectsReservedPassthroughPrefix(t *testing.T) {
	cfg := validConfig()
	cfg.Site.PassthroughPrefixes = []string{"/-/offline"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("/-/ 前缀应被拒绝")
	}
}

func TestStaticVersionFromCacheName(t *testing.T) {
	if got := StaticVersionFromCacheName("jam-static-v6"); got != "v6" {
		t.Fatalf("版本解析错误: %s", got)
	}
	if got := StaticVersionFromCacheName(ContentCacheName); got != "" {
		t.Fatalf("内容缓存不应解析出版本: %s", got)
	}
}

func TestContentURLPath(t *testing.T) {
	site := validConfig().Site
	if got := site.ContentURLPath("abc"); got != "/songs/abc.pdf" {
		t.Fatalf("内容路径错误: %s", got)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			StoragePath:     "./data",
			MaxRetries:      1,
			InitialBackoff:  Duration(time.Second),
			UpstreamTimeout: Duration(time.Second),
		},
		Site: SiteConfig{
			Upstream:            "https://jam.example.com",
			StaticVersion:       "v6",
			StaticAssets:        []string{"/css/custom.css"},
			ManifestPath:        "/songs.json",
			ContentPrefix:       "/songs/",
			ContentExt:          ".pdf",
			PassthroughPrefixes: []string{"/api/"},
			InstallConcurrency:  2,
		},
	}
}
