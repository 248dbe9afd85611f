package cache

import "strings"

// chartKeyPrefix 是章节 PDF 在内容缓存中的逻辑路径前缀。
const chartKeyPrefix = "/charts/"

// ChartKey 返回 uuid 在内容缓存中的逻辑 key，扁平路径与 slug 路径都会归一到这里。
func ChartKey(uuid string) string {
	return chartKeyPrefix + uuid
}

// ChartUUID 从逻辑 key 还原 uuid，非章节 key 返回 false。
func ChartUUID(key string) (string, bool) {
	if !strings.HasPrefix(key, chartKeyPrefix) {
		return "", false
	}
	uuid := strings.TrimPrefix(key, chartKeyPrefix)
	if uuid == "" || strings.Contains(uuid, "/") {
		return "", false
	}
	return uuid, true
}
