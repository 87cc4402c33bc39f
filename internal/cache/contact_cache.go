package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"bob-contactsync/internal/domain"
	"bob-contactsync/internal/store"

	"go.uber.org/zap"
)

// CurrentSchemaVersion 当前缓存结构版本
// v1: 只有一个 repertoire 集合（存放设备联系人）
// v2: raw / repertoire 分离
const CurrentSchemaVersion = 2

// Collection 缓存中的命名集合
type Collection string

const (
	CollectionRaw         Collection = "contacts:raw"
	CollectionRepertoire  Collection = "contacts:repertoire"
	CollectionMembers     Collection = "contacts:members"
	CollectionInvitations Collection = "invitations"
	CollectionScanMeta    Collection = "scan:meta"

	schemaVersionKey = "schema:version"
)

// AllCollections 全部集合（按写入顺序）
var AllCollections = []Collection{
	CollectionRaw,
	CollectionRepertoire,
	CollectionMembers,
	CollectionInvitations,
	CollectionScanMeta,
}

// ErrUnavailable 集合读取失败（存储不可用，不同于 key 不存在）
var ErrUnavailable = errors.New("cache unavailable")

// Snapshot 缓存的完整快照
type Snapshot struct {
	Raw         []domain.RawContact
	Repertoire  []domain.ContactRecord
	Members     []domain.ContactRecord
	Invitations []domain.Invitation
	Meta        domain.ScanMetadata

	// Unreadable Load 时读取失败的集合；Save 不会用空值覆盖它们
	Unreadable map[Collection]bool
}

// Check 指定集合都已成功读取时返回 nil
func (s *Snapshot) Check(cols ...Collection) error {
	for _, col := range cols {
		if s.Unreadable[col] {
			return fmt.Errorf("%w: %s", ErrUnavailable, col)
		}
	}
	return nil
}

// ContactCache 用户联系人本地缓存
// key 格式：<prefix>:<userID>:<collection>
// 远端通讯录才是权威数据源，缓存读写失败只记录日志
type ContactCache struct {
	kv     store.KV
	prefix string
	userID string
	logger *zap.Logger

	mu sync.Mutex
}

// NewContactCache 创建联系人缓存
func NewContactCache(kv store.KV, prefix, userID string, logger *zap.Logger) *ContactCache {
	return &ContactCache{
		kv:     kv,
		prefix: prefix,
		userID: userID,
		logger: logger,
	}
}

func (c *ContactCache) key(name string) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, c.userID, name)
}

// Load 读取全部集合；不存在或读取失败的集合返回空
func (c *ContactCache) Load(ctx context.Context) *Snapshot {
	snap := &Snapshot{
		Raw:         []domain.RawContact{},
		Repertoire:  []domain.ContactRecord{},
		Members:     []domain.ContactRecord{},
		Invitations: []domain.Invitation{},
	}
	dests := map[Collection]interface{}{
		CollectionRaw:         &snap.Raw,
		CollectionRepertoire:  &snap.Repertoire,
		CollectionMembers:     &snap.Members,
		CollectionInvitations: &snap.Invitations,
		CollectionScanMeta:    &snap.Meta,
	}
	for _, col := range AllCollections {
		if !c.read(ctx, col, dests[col]) {
			if snap.Unreadable == nil {
				snap.Unreadable = make(map[Collection]bool)
			}
			snap.Unreadable[col] = true
		}
	}
	return snap
}

// read 存储读取失败返回 false；key 不存在或内容损坏视为空集合
func (c *ContactCache) read(ctx context.Context, col Collection, dest interface{}) bool {
	raw, err := c.kv.Get(ctx, c.key(string(col)))
	if err != nil {
		if errors.Is(err, store.ErrMiss) {
			return true
		}
		c.logger.Warn("Failed to read cache collection, using empty",
			zap.String("collection", string(col)),
			zap.Error(err),
		)
		return false
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		c.logger.Warn("Failed to decode cache collection, using empty",
			zap.String("collection", string(col)),
			zap.Error(err),
		)
	}
	return true
}

// Save 只写入指定的集合（尽力而为，失败只记录日志）
func (c *ContactCache) Save(ctx context.Context, snap *Snapshot, cols ...Collection) {
	if snap == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, col := range cols {
		if snap.Unreadable[col] {
			c.logger.Warn("Skipping save of collection that failed to load", zap.String("collection", string(col)))
			continue
		}
		var value interface{}
		switch col {
		case CollectionRaw:
			value = nonNil(snap.Raw)
		case CollectionRepertoire:
			value = nonNil(snap.Repertoire)
		case CollectionMembers:
			value = nonNil(snap.Members)
		case CollectionInvitations:
			value = nonNil(snap.Invitations)
		case CollectionScanMeta:
			value = snap.Meta
		default:
			c.logger.Warn("Unknown cache collection", zap.String("collection", string(col)))
			continue
		}
		c.write(ctx, col, value)
	}
}

func (c *ContactCache) write(ctx context.Context, col Collection, value interface{}) {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Error("Failed to encode cache collection",
			zap.String("collection", string(col)),
			zap.Error(err),
		)
		return
	}
	if err := c.kv.Set(ctx, c.key(string(col)), string(data), 0); err != nil {
		c.logger.Error("Failed to write cache collection",
			zap.String("collection", string(col)),
			zap.Error(err),
		)
		return
	}
	c.logger.Debug("Wrote cache collection",
		zap.String("collection", string(col)),
		zap.Int("bytes", len(data)),
	)
}

// SchemaVersion 读取缓存结构版本；缺失时视为 v1（未带版本号的旧缓存）
func (c *ContactCache) SchemaVersion(ctx context.Context) int {
	raw, err := c.kv.Get(ctx, c.key(schemaVersionKey))
	if err != nil {
		if !errors.Is(err, store.ErrMiss) {
			c.logger.Warn("Failed to read schema version", zap.Error(err))
		}
		return 1
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		c.logger.Warn("Invalid schema version, assuming legacy", zap.String("value", raw))
		return 1
	}
	return v
}

// legacyContact v1 repertoire 中的记录形态（旧版直接存设备联系人）
type legacyContact struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	DisplayName  string   `json:"displayName"`
	Phone        string   `json:"phone"`
	PhoneNumbers []string `json:"phoneNumbers"`
	Email        string   `json:"email"`
	Emails       []string `json:"emails"`
}

func (l legacyContact) toRaw() domain.RawContact {
	name := l.DisplayName
	if name == "" {
		name = l.Name
	}
	phones := append([]string{}, l.PhoneNumbers...)
	if l.Phone != "" {
		phones = append([]string{l.Phone}, phones...)
	}
	emails := append([]string{}, l.Emails...)
	if l.Email != "" {
		emails = append([]string{l.Email}, emails...)
	}
	return domain.RawContact{ID: l.ID, DisplayName: name, PhoneNumbers: phones, Emails: emails}
}

// Migrate 一次性结构升级
// 把 v1 的单一 repertoire 集合转换为 raw 集合，清空已无法判定的 curated 集合（用户需重新挑选），
// 并写入新版本号。返回是否真正迁移了数据，调用方据此提示用户。
func (c *ContactCache) Migrate(ctx context.Context, fromVersion int) bool {
	if fromVersion >= CurrentSchemaVersion {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	// 重新确认存储中的版本：版本号读取失败时不能把 v2 数据当作旧格式处理
	stored, err := c.kv.Get(ctx, c.key(schemaVersionKey))
	switch {
	case err != nil && !errors.Is(err, store.ErrMiss):
		c.logger.Warn("Failed to confirm schema version, migration postponed", zap.Error(err))
		return false
	case err == nil:
		if v, perr := strconv.Atoi(stored); perr == nil && v >= CurrentSchemaVersion {
			return false
		}
	}

	var legacy []legacyContact
	if !c.read(ctx, CollectionRepertoire, &legacy) {
		// 版本号不变，下次启动再迁移
		return false
	}

	migrated := false
	if len(legacy) > 0 {
		raw := make([]domain.RawContact, 0, len(legacy))
		for _, l := range legacy {
			raw = append(raw, l.toRaw())
		}
		c.write(ctx, CollectionRaw, raw)
		if err := c.kv.Del(ctx, c.key(string(CollectionRepertoire)), c.key(string(CollectionMembers))); err != nil {
			c.logger.Error("Failed to wipe legacy repertoire", zap.Error(err))
		}
		migrated = true
	}

	if err := c.kv.Set(ctx, c.key(schemaVersionKey), strconv.Itoa(CurrentSchemaVersion), 0); err != nil {
		c.logger.Error("Failed to write schema version", zap.Error(err))
	}

	c.logger.Info("Cache schema migration finished",
		zap.Int("from_version", fromVersion),
		zap.Int("to_version", CurrentSchemaVersion),
		zap.Bool("migrated", migrated),
		zap.Int("legacy_count", len(legacy)),
	)
	return migrated
}

// Wipe 清空该用户的全部缓存（登出 / 重置）
func (c *ContactCache) Wipe(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// 只删除已知 key：userID 可能是其他用户 key 的前缀或含 glob 字符
	keys := make([]string, 0, len(AllCollections)+1)
	for _, col := range AllCollections {
		keys = append(keys, c.key(string(col)))
	}
	keys = append(keys, c.key(schemaVersionKey))
	if err := c.kv.Del(ctx, keys...); err != nil {
		c.logger.Error("Failed to wipe cache", zap.Error(err))
		return
	}
	c.logger.Info("Cache wiped", zap.Int("key_count", len(keys)))
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
