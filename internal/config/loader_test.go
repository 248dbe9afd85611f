package config

import "testing"

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
UpstreamTimeout = "boom"

[Site]
Upstream = "https://jam.example.com"
StaticVersion = "v6"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadAcceptsIntegerSeconds(t *testing.T) {
	cfg := `
StoragePath = "./data"
UpstreamTimeout = 45

[Site]
Upstream = "https://jam.example.com/"
StaticVersion = "v6"
ContentPrefix = "/charts"
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if loaded.Global.UpstreamTimeout.DurationValue().Seconds() != 45 {
		t.Fatalf("整数秒解析错误: %s", loaded.Global.UpstreamTimeout.DurationValue())
	}
	if loaded.Site.Upstream != "https://jam.example.com" {
		t.Fatalf("Upstream 末尾 / 应被去掉: %s", loaded.Site.Upstream)
	}
	if loaded.Site.ContentPrefix != "/charts/" {
		t.Fatalf("ContentPrefix 应补齐 /: %s", loaded.Site.ContentPrefix)
	}
}
