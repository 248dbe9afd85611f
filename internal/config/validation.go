package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}

	s := c.Site
	if err := validateUpstream(s.Upstream); err != nil {
		return fmt.Errorf("%s: %w", siteField("Upstream"), err)
	}
	if s.Proxy != "" {
		if err := validateUpstream(s.Proxy); err != nil {
			return fmt.Errorf("%s: %w", siteField("Proxy"), err)
		}
	}
	if s.StaticVersion == "" {
		return newFieldError(siteField("StaticVersion"), "不能为空")
	}
	if strings.ContainsAny(s.StaticVersion, "/\\ ") {
		return newFieldError(siteField("StaticVersion"), "不允许包含路径分隔符或空格")
	}
	if s.StaticCacheName() == ContentCacheName {
		return newFieldError(siteField("StaticVersion"), "与内容缓存名冲突")
	}
	if err := validatePath(s.ManifestPath); err != nil {
		return fmt.Errorf("%s: %w", siteField("ManifestPath"), err)
	}
	if err := validatePath(s.ContentPrefix); err != nil {
		return fmt.Errorf("%s: %w", siteField("ContentPrefix"), err)
	}
	if s.ContentPrefix == "/" {
		return newFieldError(siteField("ContentPrefix"), "不能为根路径")
	}
	if !strings.HasPrefix(s.ContentExt, ".") {
		return newFieldError(siteField("ContentExt"), "必须以 . 开头")
	}
	for _, asset := range s.StaticAssets {
		if err := validatePath(asset); err != nil {
			return fmt.Errorf("%s[%s]: %w", siteField("StaticAssets"), asset, err)
		}
	}
	for _, prefix := range s.PassthroughPrefixes {
		if err := validatePath(prefix); err != nil {
			return fmt.Errorf("%s[%s]: %w", siteField("PassthroughPrefixes"), prefix, err)
		}
		if strings.HasPrefix(prefix, "/-/") {
			return newFieldError(siteField("PassthroughPrefixes"), "/-/ 为本地控制接口保留")
		}
	}
	if s.InstallConcurrency <= 0 {
		return newFieldError(siteField("InstallConcurrency"), "必须大于 0")
	}
	if s.DownloadRateLimit < 0 {
		return newFieldError(siteField("DownloadRateLimit"), "不能为负数")
	}

	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

func validatePath(p string) error {
	if p == "" {
		return errors.New("路径不能为空")
	}
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("路径必须以 / 开头: %s", p)
	}
	if strings.Contains(p, "..") {
		return fmt.Errorf("路径不允许包含 ..: %s", p)
	}
	return nil
}
