// Package syncer 联系人同步编排：拉取、合并、分块推送、成员识别、邀请补发
// 所有修改缓存的操作都经过同一个 single-flight 保护
package syncer

import (
	"context"
	"time"

	"bob-contactsync/internal/addressbook"
	"bob-contactsync/internal/cache"
	"bob-contactsync/internal/detector"
	"bob-contactsync/internal/directory"
	"bob-contactsync/internal/domain"
	"bob-contactsync/internal/invitation"
	"bob-contactsync/internal/retry"

	"go.uber.org/zap"
)

// Directory 远端通讯录（directory.Client 实现）
type Directory interface {
	List(ctx context.Context) ([]domain.ContactRecord, error)
	ListInvitations(ctx context.Context) ([]domain.Invitation, error)
	CreateOrGet(ctx context.Context, rec domain.ContactRecord) (domain.ContactRecord, bool, error)
	Update(ctx context.Context, id domain.RemoteID, rec domain.ContactRecord) (domain.ContactRecord, error)
	Delete(ctx context.Context, id domain.RemoteID) error
	BulkImport(ctx context.Context, records []domain.ContactRecord, batchSize int) (directory.BulkResult, error)
}

// Cache 本地缓存（cache.ContactCache 实现）
type Cache interface {
	Load(ctx context.Context) *cache.Snapshot
	Save(ctx context.Context, snap *cache.Snapshot, cols ...cache.Collection)
	SchemaVersion(ctx context.Context) int
	Migrate(ctx context.Context, fromVersion int) bool
	Wipe(ctx context.Context)
}

// Detector 平台用户识别（detector.Detector 实现）
type Detector interface {
	Detect(ctx context.Context, records []domain.ContactRecord) detector.Result
}

// Scanner 设备通讯录扫描（addressbook.Scanner 实现）
type Scanner interface {
	Scan(ctx context.Context) (addressbook.ScanResult, error)
}

// Options 编排参数
type Options struct {
	UserID    string
	ChunkSize int
	FanOut    int
	// ChunkRetry chunk 级重试策略（默认 3 次，2s 起步翻倍）
	ChunkRetry retry.Policy
}

// Orchestrator 同步编排器，每个登录用户一个实例，由组合根持有
type Orchestrator struct {
	cache     Cache
	directory Directory
	detector  Detector
	tracker   *invitation.Tracker
	scanner   Scanner
	publisher Publisher
	logger    *zap.Logger
	opts      Options

	guard stateGuard
	now   func() time.Time
}

// NewOrchestrator 创建同步编排器；scanner / publisher 可为 nil
func NewOrchestrator(
	c Cache,
	dir Directory,
	det Detector,
	tracker *invitation.Tracker,
	scanner Scanner,
	publisher Publisher,
	logger *zap.Logger,
	opts Options,
) *Orchestrator {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = directory.DefaultBatchSize
	}
	if opts.FanOut <= 0 {
		opts.FanOut = 8
	}
	if opts.ChunkRetry.MaxAttempts <= 0 {
		opts.ChunkRetry = retry.Default()
	}
	if publisher == nil {
		publisher = NopPublisher{}
	}

	o := &Orchestrator{
		cache:     c,
		directory: dir,
		detector:  det,
		tracker:   tracker,
		scanner:   scanner,
		publisher: publisher,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
	}
	o.guard.reset(opts.ChunkRetry.MaxAttempts)
	return o
}

// State 当前同步状态快照
func (o *Orchestrator) State() SyncState {
	return o.guard.snapshot()
}

// Snapshot 读取当前缓存内容（只读，不经过 single-flight）
func (o *Orchestrator) Snapshot(ctx context.Context) *cache.Snapshot {
	return o.cache.Load(ctx)
}

// acquire single-flight；失败返回 ErrAlreadyInProgress
func (o *Orchestrator) acquire(op string) (func(), error) {
	if !o.guard.tryAcquire() {
		o.logger.Debug("Rejected while another operation is in flight", zap.String("op", op))
		return nil, domain.ErrAlreadyInProgress
	}
	return o.guard.release, nil
}

func (o *Orchestrator) publish(ctx context.Context, typ string, fields map[string]interface{}) {
	ev := Event{Type: typ, UserID: o.opts.UserID, At: o.now().UTC(), Fields: fields}
	if err := o.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		o.logger.Warn("Failed to publish sync event", zap.String("type", typ), zap.Error(err))
	}
}

func (o *Orchestrator) updatePendingCount(records []domain.ContactRecord) {
	n := countPending(records)
	o.guard.update(func(s *SyncState) { s.PendingPushCount = n })
}

func countPending(records []domain.ContactRecord) int {
	n := 0
	for _, rec := range records {
		if rec.PendingPush || !rec.IsSynced() {
			n++
		}
	}
	return n
}
