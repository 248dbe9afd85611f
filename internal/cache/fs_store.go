package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	bodySuffix = ".body"
	metaSuffix = ".meta"
)

// Storage 以 basePath/caches 为根目录管理命名缓存，整站复用一份实例。
type Storage struct {
	root string

	mu     sync.Mutex
	caches map[string]*fileCache
}

// NewStorage 创建缓存根目录并返回 Storage。
func NewStorage(basePath string) (*Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	root := filepath.Join(abs, "caches")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &Storage{
		root:   root,
		caches: make(map[string]*fileCache),
	}, nil
}

// Open 打开（必要时创建）命名缓存，同名缓存返回同一实例以共享条目锁。
func (s *Storage) Open(name string) (Cache, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.caches[name]; ok {
		if err := os.MkdirAll(c.dir, 0o755); err != nil {
			return nil, err
		}
		return c, nil
	}

	dir := filepath.Join(s.root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache %s: %w", name, err)
	}
	c := &fileCache{
		name:  name,
		dir:   dir,
		locks: make(map[string]*entryLock),
	}
	s.caches[name] = c
	return c, nil
}

// Has 报告命名缓存是否存在于磁盘。
func (s *Storage) Has(name string) bool {
	if validateName(name) != nil {
		return false
	}
	info, err := os.Stat(filepath.Join(s.root, name))
	return err == nil && info.IsDir()
}

// Names 返回磁盘上全部缓存名（字典序）。
func (s *Storage) Names() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Delete 删除整个命名缓存，缓存不存在时返回 false。
func (s *Storage) Delete(name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	dir := filepath.Join(s.root, name)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	s.mu.Lock()
	delete(s.caches, name)
	s.mu.Unlock()

	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// fileCache 通过 entryLock 避免同一 key 并发写入。
type fileCache struct {
	name string
	dir  string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (c *fileCache) Name() string {
	return c.name
}

func (c *fileCache) Match(ctx context.Context, key string) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bodyPath, metaPath := c.paths(key)
	entry, err := readMeta(metaPath)
	if err != nil {
		return nil, err
	}
	if entry.Key != key {
		return nil, ErrNotFound
	}

	f, err := os.Open(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() || info.Size() != entry.SizeBytes {
		f.Close()
		return nil, ErrNotFound
	}

	entry.FilePath = bodyPath
	return &ReadResult{
		Entry:  entry,
		Reader: f,
	}, nil
}

func (c *fileCache) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (*Entry, error) {
	if key == "" {
		return nil, errors.New("cache key required")
	}
	unlock := c.lockEntry(key)
	defer unlock()

	bodyPath, metaPath := c.paths(key)
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return nil, err
	}

	// 先撤掉旧元数据，正文替换期间的读者只会看到未命中。
	if err := os.Remove(metaPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	written, err := writeAtomic(c.dir, bodyPath, func(w io.Writer) (int64, error) {
		return copyWithContext(ctx, w, body)
	})
	if err != nil {
		return nil, err
	}

	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = time.Now().UTC()
	}
	entry := Entry{
		Key:       key,
		Tag:       opts.Tag,
		Header:    opts.Header,
		SizeBytes: written,
		ModTime:   modTime,
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	if _, err := writeAtomic(c.dir, metaPath, func(w io.Writer) (int64, error) {
		n, err := w.Write(payload)
		return int64(n), err
	}); err != nil {
		return nil, err
	}

	entry.FilePath = bodyPath
	return &entry, nil
}

func (c *fileCache) Delete(ctx context.Context, key string) error {
	unlock := c.lockEntry(key)
	defer unlock()

	bodyPath, metaPath := c.paths(key)
	if err := os.Remove(metaPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Remove(bodyPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (c *fileCache) Keys(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, item := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if item.IsDir() || !strings.HasSuffix(item.Name(), metaSuffix) {
			continue
		}
		entry, err := readMeta(filepath.Join(c.dir, item.Name()))
		if err != nil {
			continue
		}
		keys = append(keys, entry.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *fileCache) Clear(ctx context.Context) error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	// 元数据优先删除，保证清理中途失败时不会留下"有标签无正文"的条目。
	for _, suffix := range []string{metaSuffix, bodySuffix, ""} {
		for _, item := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			name := item.Name()
			if suffix != "" && !strings.HasSuffix(name, suffix) {
				continue
			}
			if err := os.RemoveAll(filepath.Join(c.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
		}
	}
	return nil
}

func (c *fileCache) lockEntry(key string) func() {
	c.mu.Lock()
	lock := c.locks[key]
	if lock == nil {
		lock = &entryLock{}
		c.locks[key] = lock
	}
	lock.refs++
	c.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		c.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(c.locks, key)
		}
		c.mu.Unlock()
	}
}

// paths 将逻辑 key 映射为固定长度文件名，查询串等字符不会进入文件系统路径。
func (c *fileCache) paths(key string) (string, string) {
	sum := sha1.Sum([]byte(key))
	base := filepath.Join(c.dir, hex.EncodeToString(sum[:]))
	return base + bodySuffix, base + metaSuffix
}

func readMeta(metaPath string) (Entry, error) {
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

func writeAtomic(dir, target string, write func(io.Writer) (int64, error)) (int64, error) {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return 0, err
	}
	tempName := tempFile.Name()

	written, err := write(tempFile)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return 0, err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return 0, err
	}
	return written, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
