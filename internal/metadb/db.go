package metadb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketSongs       = []byte("songs")
	bucketPreferences = []byte("preferences")

	keyOfflineEnabled = []byte("offline_enabled")
)

// ErrNotFound 表示 uuid 没有对应记录。
var ErrNotFound = errors.New("metadata record not found")

// Record 表示"已缓存且哈希正确"的一条章节记录，只在正文写入成功后落库。
type Record struct {
	UUID string `json:"uuid"`
	Hash string `json:"hash"`
}

// DB 包装 bbolt 数据库。
type DB struct {
	db *bbolt.DB
}

// Open 打开或创建 dbPath 处的数据库，父目录不存在时自动创建。
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("metadb: create directory: %w", err)
	}
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("metadb: open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketSongs, bucketPreferences} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("metadb: create buckets: %w", err)
	}

	return &DB{db: db}, nil
}

// Close 关闭底层数据库。
func (d *DB) Close() error { return d.db.Close() }

// Path 返回数据库文件路径。
func (d *DB) Path() string { return d.db.Path() }

// Get 按 uuid 读取记录，不存在时返回 ErrNotFound。
func (d *DB) Get(ctx context.Context, uuid string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	var rec Record
	err := d.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSongs).Get([]byte(uuid))
		if data == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("metadb: decode %s: %w", uuid, err)
		}
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Put 插入或覆盖一条记录。
func (d *DB) Put(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.UUID == "" {
		return errors.New("metadb: uuid required")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("metadb: encode %s: %w", rec.UUID, err)
	}
	return d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSongs).Put([]byte(rec.UUID), data)
	})
}

// Delete 删除记录，记录不存在时不报错。
func (d *DB) Delete(ctx context.Context, uuid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSongs).Delete([]byte(uuid))
	})
}

// List 返回全部记录（按 uuid 字节序）。
func (d *DB) List(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var records []Record
	err := d.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSongs).ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				// 损坏记录只保留 uuid，清理阶段照样可以回收。
				rec = Record{UUID: string(k)}
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Count 返回记录数。
func (d *DB) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int
	err := d.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketSongs).Stats().KeyN
		return nil
	})
	return n, err
}

// Clear 删除全部记录。
func (d *DB) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketSongs); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket(bucketSongs)
		return err
	})
}

// OfflineEnabled 返回持久化的离线开关，未设置时为 false。
func (d *DB) OfflineEnabled(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var enabled bool
	err := d.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketPreferences).Get(keyOfflineEnabled)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &enabled)
	})
	return enabled, err
}

// SetOfflineEnabled 持久化离线开关。
func (d *DB) SetOfflineEnabled(ctx context.Context, enabled bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, _ := json.Marshal(enabled)
	return d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPreferences).Put(keyOfflineEnabled, data)
	})
}
