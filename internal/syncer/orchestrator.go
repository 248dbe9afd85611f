// Package syncer implements the offline sync orchestrator: a small state
// machine that reconciles the local chart mirror (metadb + content cache)
// against the server manifest, evicts everything on stop, and reports
// progress through the bridge.
//
// Commands are applied synchronously by Handle, which only flips the state
// and queues a job; a single worker runs jobs one after another. A stop
// request therefore never preempts a transfer: the running cycle notices the
// STOPPING state at its next item boundary and returns, after which the
// queued eviction runs.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/jamsite/jam-offline/internal/bridge"
	"github.com/jamsite/jam-offline/internal/cache"
	"github.com/jamsite/jam-offline/internal/logging"
	"github.com/jamsite/jam-offline/internal/manifest"
	"github.com/jamsite/jam-offline/internal/metadb"
	"github.com/jamsite/jam-offline/internal/upstream"
)

// ManifestSource 提供期望状态清单。
type ManifestSource interface {
	Fetch(ctx context.Context) ([]manifest.Entry, error)
}

// MetaStore 是元数据库的最小接口，*metadb.DB 满足该接口。
type MetaStore interface {
	Get(ctx context.Context, uuid string) (metadb.Record, error)
	Put(ctx context.Context, rec metadb.Record) error
	Delete(ctx context.Context, uuid string) error
	List(ctx context.Context) ([]metadb.Record, error)
	Clear(ctx context.Context) error
}

// Publisher 接收进度事件，实现方不得阻塞。
type Publisher interface {
	Publish(bridge.Event)
}

// Options 汇总编排器依赖。
type Options struct {
	Manifest  ManifestSource
	Meta      MetaStore
	Blobs     cache.Cache
	Publisher Publisher
	Logger    *logrus.Logger

	// Client/BaseURL/ContentURL 决定章节文件的下载地址。
	Client     *http.Client
	BaseURL    string
	ContentURL func(uuid string) string
	Retry      upstream.RetryPolicy

	// DownloadRateLimit 限制每秒下载数，0 表示不限速。
	DownloadRateLimit float64
}

// Snapshot 是编排器的只读快照，供诊断接口输出。
type Snapshot struct {
	State         State     `json:"state"`
	ManifestTotal int       `json:"manifest_total"`
	Cycles        int       `json:"cycles"`
	Downloads     int       `json:"downloads"`
	LastSynced    time.Time `json:"last_synced,omitempty"`
	LastFailure   time.Time `json:"last_failure,omitempty"`
}

// Orchestrator 持有同步状态机，所有状态迁移都经过 mu 保护的当前状态检查。
type Orchestrator struct {
	opts    Options
	logger  *logrus.Logger
	limiter *rate.Limiter
	jobs    chan jobKind

	mu    sync.Mutex
	state State
	stats Snapshot
}

// New 校验依赖并创建编排器，初始状态为 STOPPED。
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Manifest == nil:
		return nil, errors.New("manifest source is required")
	case opts.Meta == nil:
		return nil, errors.New("metadata store is required")
	case opts.Blobs == nil:
		return nil, errors.New("blob cache is required")
	case opts.Client == nil:
		return nil, errors.New("http client is required")
	case opts.ContentURL == nil:
		return nil, errors.New("content url builder is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	o := &Orchestrator{
		opts:   opts,
		logger: logger,
		// 状态机保证同时最多一个待执行的 cycle 与一个 evict。
		jobs:  make(chan jobKind, 2),
		state: StateStopped,
	}
	if opts.DownloadRateLimit > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(opts.DownloadRateLimit), 1)
	}
	return o, nil
}

// State 返回当前状态。
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Snapshot 返回当前统计快照。
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	snap := o.stats
	snap.State = o.state
	return snap
}

// Handle 根据当前状态应用命令，返回是否发生了状态迁移。非法迁移是空操作。
func (o *Orchestrator) Handle(cmd bridge.Command) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	from := o.state
	var (
		to  State
		job jobKind
	)
	switch cmd {
	case bridge.CommandStart:
		if from != StateStopped {
			return o.ignore(cmd)
		}
		to, job = StateSyncing, jobCycle
	case bridge.CommandSync:
		if from != StateSynced {
			return o.ignore(cmd)
		}
		to, job = StateSyncing, jobCycle
	case bridge.CommandStop:
		if from != StateSyncing && from != StateSynced {
			return o.ignore(cmd)
		}
		to, job = StateStopping, jobEvict
	default:
		o.logger.WithFields(logging.SyncFields("command", from.String())).
			Warnf("unknown command %s", cmd)
		return false
	}

	select {
	case o.jobs <- job:
	default:
		o.logger.WithFields(logging.SyncFields("command", from.String())).
			Errorf("job queue full, dropping %s", cmd)
		return false
	}
	o.state = to
	o.logger.WithFields(logging.SyncFields("command", to.String())).
		WithField("command", cmd.String()).
		WithField("from", from.String()).
		Info("state_transition")
	return true
}

func (o *Orchestrator) ignore(cmd bridge.Command) bool {
	o.logger.WithFields(logging.SyncFields("command", o.state.String())).
		WithField("command", cmd.String()).
		Debug("command_ignored")
	return false
}

// Run 消费命令并在单独的 worker 中顺序执行任务，直到 ctx 结束。
// commands 关闭后仍会继续执行已排队的任务。
func (o *Orchestrator) Run(ctx context.Context, commands <-chan bridge.Command) error {
	var wg conc.WaitGroup
	wg.Go(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case job := <-o.jobs:
				o.runJob(ctx, job)
			}
		}
	})
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd, ok := <-commands:
			if !ok {
				commands = nil
				continue
			}
			o.Handle(cmd)
		}
	}
}

// Drain 在调用方 goroutine 中执行所有已排队任务，直到队列为空。
// 供一次性 CLI 命令与测试使用；不要与 Run 并发调用。
func (o *Orchestrator) Drain(ctx context.Context) {
	for {
		select {
		case job := <-o.jobs:
			o.runJob(ctx, job)
		default:
			return
		}
	}
}

func (o *Orchestrator) runJob(ctx context.Context, job jobKind) {
	switch job {
	case jobCycle:
		o.cycle(ctx)
	case jobEvict:
		o.evict(ctx)
	default:
		o.logger.WithFields(logging.SyncFields("job", o.State().String())).
			Errorf("unknown job %s", job)
	}
}

func (o *Orchestrator) publish(ev bridge.Event) {
	if o.opts.Publisher != nil {
		o.opts.Publisher.Publish(ev)
	}
}

// stillSyncing 是条目边界上的协作式取消检查。
func (o *Orchestrator) stillSyncing() bool {
	return o.State() == StateSyncing
}

// cycle 执行一次对账：拉取清单、逐条下载过期条目、回收孤儿、进入 SYNCED。
func (o *Orchestrator) cycle(ctx context.Context) {
	if !o.stillSyncing() {
		return
	}
	started := time.Now()
	o.mu.Lock()
	o.stats.Cycles++
	o.mu.Unlock()

	o.publish(bridge.Event{Status: bridge.StatusChecking})
	entries, err := o.opts.Manifest.Fetch(ctx)
	if err != nil {
		o.fail(ctx, "fetch_manifest", err)
		return
	}
	o.mu.Lock()
	o.stats.ManifestTotal = len(entries)
	o.mu.Unlock()

	total := len(entries)
	downloaded := 0
	for i, entry := range entries {
		if !o.stillSyncing() {
			o.logCancelled(i, total)
			return
		}
		if o.isCurrent(ctx, entry) {
			continue
		}

		o.publish(bridge.Downloading(i, total))
		if err := o.download(ctx, entry); err != nil {
			o.fail(ctx, "download", fmt.Errorf("%s: %w", entry.UUID, err))
			return
		}
		downloaded++
	}

	if !o.stillSyncing() {
		o.logCancelled(total, total)
		return
	}
	o.publish(bridge.Event{Status: bridge.StatusCleaning})
	removed, err := o.collectOrphans(ctx, entries)
	if err != nil {
		o.fail(ctx, "cleanup", err)
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateSyncing {
		return
	}
	o.state = StateSynced
	o.stats.LastSynced = time.Now()
	o.publish(bridge.Event{Status: bridge.StatusDownloaded})
	o.logger.WithFields(logging.SyncFields("sync_cycle", o.state.String())).
		WithFields(logrus.Fields{
			"total":      total,
			"downloaded": downloaded,
			"removed":    removed,
			"elapsed_ms": time.Since(started).Milliseconds(),
		}).Info("sync_complete")
}

// fail 处理传输/存储错误：若仍在 SYNCING 则回到 STOPPED 并发布 error；
// 若期间收到了 STOP，则交给已排队的 evict 收尾。
func (o *Orchestrator) fail(ctx context.Context, stage string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	fields := logging.SyncFields("sync_cycle", o.state.String())
	fields["stage"] = stage
	if ctx.Err() != nil {
		o.logger.WithFields(fields).Info("sync_interrupted")
		return
	}
	o.stats.LastFailure = time.Now()
	o.logger.WithFields(fields).WithError(err).Error("sync_failed")
	if o.state != StateSyncing {
		return
	}
	o.state = StateStopped
	o.publish(bridge.Event{Status: bridge.StatusError})
}

func (o *Orchestrator) logCancelled(done, total int) {
	o.logger.WithFields(logging.SyncFields("sync_cycle", o.State().String())).
		WithFields(logrus.Fields{"processed": done, "total": total}).
		Info("sync_cancelled")
}

// isCurrent 判断条目是否已是最新：元数据存在、哈希一致且正文标签一致。
// 读取失败一律按未命中处理，下一步会重新下载。
func (o *Orchestrator) isCurrent(ctx context.Context, entry manifest.Entry) bool {
	rec, err := o.opts.Meta.Get(ctx, entry.UUID)
	if err != nil {
		if !errors.Is(err, metadb.ErrNotFound) {
			o.logger.WithError(err).WithField("uuid", entry.UUID).Warn("metadata_read_failed")
		}
		return false
	}
	if rec.Hash != entry.Hash {
		return false
	}

	result, err := o.opts.Blobs.Match(ctx, cache.ChartKey(entry.UUID))
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			o.logger.WithError(err).WithField("uuid", entry.UUID).Warn("blob_read_failed")
		}
		return false
	}
	result.Reader.Close()
	return result.Entry.Tag == entry.Hash
}

// transportReader 记录正文读取错误，用于区分网络中断与磁盘写入失败。
type transportReader struct {
	body io.Reader
	err  error
}

func (r *transportReader) Read(p []byte) (int, error) {
	n, err := r.body.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		r.err = err
	}
	return n, err
}

// download 下载一个章节：先写正文（带哈希标签），成功后才写元数据。
// 网络错误返回 error 终止本轮；存储写入失败只记录告警，条目留待下一轮重试。
func (o *Orchestrator) download(ctx context.Context, entry manifest.Entry) error {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	url := o.opts.BaseURL + o.opts.ContentURL(entry.UUID)
	resp, err := upstream.Get(ctx, o.opts.Client, url, nil, o.opts.Retry)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	header := http.Header{}
	for _, key := range []string{"Content-Type", "Content-Disposition", "Last-Modified", "Etag"} {
		if value := resp.Header.Get(key); value != "" {
			header.Set(key, value)
		}
	}

	body := &transportReader{body: resp.Body}
	fields := logrus.Fields{"action": "download", "uuid": entry.UUID, "hash": entry.Hash}
	if _, err := o.opts.Blobs.Put(ctx, cache.ChartKey(entry.UUID), body, cache.PutOptions{Tag: entry.Hash, Header: header}); err != nil {
		if body.err != nil {
			return body.err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.logger.WithFields(fields).WithError(err).Warn("blob_write_failed")
		return nil
	}
	if err := o.opts.Meta.Put(ctx, metadb.Record{UUID: entry.UUID, Hash: entry.Hash}); err != nil {
		o.logger.WithFields(fields).WithError(err).Warn("metadata_write_failed")
		return nil
	}

	o.mu.Lock()
	o.stats.Downloads++
	o.mu.Unlock()
	o.logger.WithFields(fields).Debug("download_complete")
	return nil
}

// collectOrphans 删除清单中已不存在的条目：先删元数据再删正文，保证元数据存在即正文存在。
// 之后再扫一遍内容缓存，回收没有元数据的残留正文。
func (o *Orchestrator) collectOrphans(ctx context.Context, entries []manifest.Entry) (int, error) {
	wanted := manifest.UUIDSet(entries)

	records, err := o.opts.Meta.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list metadata: %w", err)
	}
	removed := 0
	for _, rec := range records {
		if _, ok := wanted[rec.UUID]; ok {
			continue
		}
		if err := o.opts.Meta.Delete(ctx, rec.UUID); err != nil {
			return removed, fmt.Errorf("delete metadata %s: %w", rec.UUID, err)
		}
		if err := o.opts.Blobs.Delete(ctx, cache.ChartKey(rec.UUID)); err != nil {
			return removed, fmt.Errorf("delete blob %s: %w", rec.UUID, err)
		}
		removed++
	}

	keys, err := o.opts.Blobs.Keys(ctx)
	if err != nil {
		return removed, fmt.Errorf("list blobs: %w", err)
	}
	for _, key := range keys {
		uuid, ok := cache.ChartUUID(key)
		if ok {
			if _, keep := wanted[uuid]; keep {
				continue
			}
		}
		if err := o.opts.Blobs.Delete(ctx, key); err != nil {
			return removed, fmt.Errorf("delete blob %s: %w", key, err)
		}
	}
	return removed, nil
}

// evict 无条件清空元数据与内容缓存，然后回到 STOPPED。
func (o *Orchestrator) evict(ctx context.Context) {
	if o.State() != StateStopping {
		return
	}

	err := o.opts.Meta.Clear(ctx)
	if err == nil {
		err = o.opts.Blobs.Clear(ctx)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = StateStopped
	o.stats.ManifestTotal = 0
	fields := logging.SyncFields("evict", o.state.String())
	if err != nil {
		o.stats.LastFailure = time.Now()
		o.logger.WithFields(fields).WithError(err).Error("evict_failed")
		o.publish(bridge.Event{Status: bridge.StatusError})
		return
	}
	o.logger.WithFields(fields).Info("offline_storage_cleared")
	o.publish(bridge.Event{Status: bridge.StatusCleared})
}
