// Package manifest retrieves the server-published list of chart uuids and
// content hashes that describes the desired state of the offline mirror.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/jamsite/jam-offline/internal/upstream"
)

// Entry 是清单中的一条记录，服务端声明的期望状态。
type Entry struct {
	UUID string `json:"uuid"`
	Hash string `json:"hash"`
}

var (
	// ErrDuplicateUUID 表示同一次清单中出现重复 uuid。
	ErrDuplicateUUID = errors.New("manifest: duplicate uuid")
	// ErrMissingUUID 表示清单记录缺少 uuid。
	ErrMissingUUID = errors.New("manifest: entry without uuid")
)

// noCacheHeader 强制源站与中间缓存重新校验，清单每次部署都会变化。
var noCacheHeader = http.Header{
	"Cache-Control": []string{"no-cache"},
	"Pragma":        []string{"no-cache"},
}

// Fetcher 从源站固定路径获取清单。
type Fetcher struct {
	client *http.Client
	url    string
	policy upstream.RetryPolicy
}

// NewFetcher 创建 Fetcher，baseURL 为源站根地址，path 为清单路径。
func NewFetcher(client *http.Client, baseURL, path string, policy upstream.RetryPolicy) *Fetcher {
	return &Fetcher{
		client: client,
		url:    baseURL + path,
		policy: policy,
	}
}

// URL 返回清单的完整地址。
func (f *Fetcher) URL() string {
	return f.url
}

// Fetch 获取并解析清单，保持源站给出的顺序。
func (f *Fetcher) Fetch(ctx context.Context) ([]Entry, error) {
	resp, err := upstream.Get(ctx, f.client, f.url, noCacheHeader, f.policy)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	entries, err := Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	return entries, nil
}

// Decode 解析清单 JSON 数组，忽略额外字段，并校验 uuid 唯一。
func Decode(r io.Reader) ([]Entry, error) {
	var entries []Entry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	seen := make(map[string]struct{}, len(entries))
	for i, entry := range entries {
		if entry.UUID == "" {
			return nil, fmt.Errorf("%w (index %d)", ErrMissingUUID, i)
		}
		if _, dup := seen[entry.UUID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateUUID, entry.UUID)
		}
		seen[entry.UUID] = struct{}{}
	}
	return entries, nil
}

// UUIDSet 返回清单 uuid 集合，供孤儿回收使用。
func UUIDSet(entries []Entry) map[string]struct{} {
	set := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		set[entry.UUID] = struct{}{}
	}
	return set
}
