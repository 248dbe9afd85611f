package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// Cache 负责单个命名缓存的读写。磁盘布局遵循：
//
//	<StoragePath>/caches/<name>/<sha1(key)>.body   # 实际正文
//	<StoragePath>/caches/<name>/<sha1(key)>.meta   # key/tag/header 旁路元数据
//
// 正文先落盘，元数据最后写入；元数据缺失即视为未命中。
type Cache interface {
	// Name 返回缓存名，例如 jam-static-v6 或 chart-cache。
	Name() string

	// Match 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Match(ctx context.Context, key string) (*ReadResult, error)

	// Put 将响应正文写入缓存，opts.Tag 作为旁路哈希标签保存，不进入正文。
	Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (*Entry, error)

	// Delete 删除条目，条目不存在时不报错。
	Delete(ctx context.Context, key string) error

	// Keys 枚举当前所有条目的逻辑 key。
	Keys(ctx context.Context) ([]string, error)

	// Clear 删除全部条目。
	Clear(ctx context.Context) error
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	Tag     string
	Header  http.Header
	ModTime time.Time
}

// Entry 表示一次缓存命中结果，包含绝对文件路径及旁路元数据。
type Entry struct {
	Key       string      `json:"key"`
	Tag       string      `json:"tag,omitempty"`
	Header    http.Header `json:"header,omitempty"`
	FilePath  string      `json:"-"`
	SizeBytes int64       `json:"size_bytes"`
	ModTime   time.Time   `json:"mod_time"`
}

// ReadResult 组合 Entry 与正文 Reader，便于拦截器直接将 Body 流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrInvalidName 表示缓存名不合法。
var ErrInvalidName = errors.New("invalid cache name")
