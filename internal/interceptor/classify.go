package interceptor

import (
	"fmt"
	"strings"

	"github.com/jamsite/jam-offline/internal/config"
)

// Policy 表示请求命中的处理策略。
type Policy int

const (
	PolicyStatic Policy = iota
	PolicyPassthrough
	PolicyContent
	PolicyManifest
	PolicyNavigation
)

func (p Policy) String() string {
	switch p {
	case PolicyStatic:
		return "static"
	case PolicyPassthrough:
		return "passthrough"
	case PolicyContent:
		return "content"
	case PolicyManifest:
		return "manifest"
	case PolicyNavigation:
		return "navigation"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// Classify 按路径决定处理策略，透传前缀优先于其他规则。
func Classify(site config.SiteConfig, path string) Policy {
	for _, prefix := range site.PassthroughPrefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return PolicyPassthrough
		}
	}
	switch {
	case path == site.ManifestPath:
		return PolicyManifest
	case path == "/" || path == "/index.html":
		return PolicyNavigation
	case strings.HasPrefix(path, site.ContentPrefix) && strings.HasSuffix(path, site.ContentExt):
		return PolicyContent
	default:
		return PolicyStatic
	}
}

// ChartUUID 从章节文件路径中取出 uuid，支持 <prefix><uuid><ext> 与 <prefix><uuid>/<slug><ext> 两种形式。
func ChartUUID(site config.SiteConfig, path string) (string, bool) {
	if !strings.HasPrefix(path, site.ContentPrefix) || !strings.HasSuffix(path, site.ContentExt) {
		return "", false
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(path, site.ContentPrefix), site.ContentExt)
	uuid, slug, nested := strings.Cut(rest, "/")
	if nested && (slug == "" || strings.Contains(slug, "/")) {
		return "", false
	}
	if uuid == "" || strings.ContainsAny(uuid, ".\\") {
		return "", false
	}
	return uuid, true
}
