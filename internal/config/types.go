package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// ContentCacheName 是章节 PDF 缓存的固定名称，激活阶段永不删除。
const ContentCacheName = "chart-cache"

// staticCachePrefix 与 StaticVersion 拼接得到静态资源缓存名。
const staticCachePrefix = "jam-static-"

// DefaultStaticAssets 是安装阶段预取的应用外壳资源清单。
var DefaultStaticAssets = []string{
	"/songs.json",
	"/css/normalize.css",
	"/css/skeleton.css",
	"/css/custom.css",
	"/css/menu.css",
	"/css/offline.css",
	"/js/search_data.js",
	"/js/song_table.js",
	"/js/filter.js",
	"/js/search.js",
	"/js/random.js",
	"/js/song_actions.js",
	"/js/menu.js",
	"/js/offline_preferences.js",
	"/js/sync_worker.js",
	"/js/qr_code.js",
	"/js/site.js",
}

// GlobalConfig 描述全局运行时行为。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	MaxRetries      int      `mapstructure:"MaxRetries"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
}

// SiteConfig 决定离线代理如何与歌谱站点源站交互。
type SiteConfig struct {
	Upstream            string   `mapstructure:"Upstream"`
	Proxy               string   `mapstructure:"Proxy"`
	StaticVersion       string   `mapstructure:"StaticVersion"`
	StaticAssets        []string `mapstructure:"StaticAssets"`
	ManifestPath        string   `mapstructure:"ManifestPath"`
	ContentPrefix       string   `mapstructure:"ContentPrefix"`
	ContentExt          string   `mapstructure:"ContentExt"`
	PassthroughPrefixes []string `mapstructure:"PassthroughPrefixes"`
	InstallConcurrency  int      `mapstructure:"InstallConcurrency"`
	DownloadRateLimit   float64  `mapstructure:"DownloadRateLimit"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Site   SiteConfig   `mapstructure:"Site"`
}

// StaticCacheName 返回当前版本的静态资源缓存名，每次发布需提升版本号。
func (s SiteConfig) StaticCacheName() string {
	return staticCachePrefix + s.StaticVersion
}

// StaticVersionFromCacheName 从缓存名还原版本号，非静态缓存返回空串。
func StaticVersionFromCacheName(name string) string {
	if !strings.HasPrefix(name, staticCachePrefix) {
		return ""
	}
	return strings.TrimPrefix(name, staticCachePrefix)
}

// ContentURLPath 返回 uuid 对应章节文件在源站上的扁平路径。
func (s SiteConfig) ContentURLPath(uuid string) string {
	return s.ContentPrefix + uuid + s.ContentExt
}
