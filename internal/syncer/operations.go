package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bob-contactsync/internal/addressbook"
	"bob-contactsync/internal/cache"
	"bob-contactsync/internal/directory"
	"bob-contactsync/internal/domain"
	"bob-contactsync/internal/invitation"
	"bob-contactsync/internal/phone"

	"go.uber.org/zap"
)

// Init 登录后调用：必要时迁移旧版缓存并重置同步状态。返回是否执行了迁移（调用方据此提示用户重新整理）
func (o *Orchestrator) Init(ctx context.Context) (bool, error) {
	release, err := o.acquire("init")
	if err != nil {
		return false, err
	}
	defer release()

	o.guard.reset(o.opts.ChunkRetry.MaxAttempts)

	migrated := false
	if v := o.cache.SchemaVersion(ctx); v < cache.CurrentSchemaVersion {
		migrated = o.cache.Migrate(ctx, v)
	}
	o.updatePendingCount(o.cache.Load(ctx).Repertoire)
	return migrated, nil
}

// Logout 清空缓存并整体替换同步状态
func (o *Orchestrator) Logout(ctx context.Context) error {
	release, err := o.acquire("logout")
	if err != nil {
		return err
	}
	defer release()

	o.cache.Wipe(ctx)
	o.guard.reset(o.opts.ChunkRetry.MaxAttempts)
	o.publish(ctx, EventLoggedOut, nil)
	o.logger.Info("Contact cache wiped on logout")
	return nil
}

// Scan 扫描设备通讯录写入 raw 集合
func (o *Orchestrator) Scan(ctx context.Context) (addressbook.ScanResult, error) {
	if o.scanner == nil {
		return addressbook.ScanResult{}, fmt.Errorf("scan: %w: no address book configured", domain.ErrPermissionDenied)
	}
	release, err := o.acquire("scan")
	if err != nil {
		return addressbook.ScanResult{}, err
	}
	defer release()

	res, err := o.scanner.Scan(ctx)
	if err != nil {
		return addressbook.ScanResult{}, err
	}
	res.Meta.SchemaVersion = cache.CurrentSchemaVersion

	snap := &cache.Snapshot{Raw: res.Raw, Meta: res.Meta}
	o.cache.Save(ctx, snap, cache.CollectionRaw, cache.CollectionScanMeta)

	o.publish(ctx, EventScanCompleted, map[string]interface{}{
		"raw_count":   res.Meta.RawCount,
		"phone_count": res.Meta.PhoneCount,
	})
	return res, nil
}

// Curate 把勾选的 raw 联系人并入 repertoire（只在本地，推送由下一次同步完成）
func (o *Orchestrator) Curate(ctx context.Context, selectedIDs []string) (addressbook.CurateStats, error) {
	release, err := o.acquire("curate")
	if err != nil {
		return addressbook.CurateStats{}, err
	}
	defer release()

	snap := o.cache.Load(ctx)
	if err := snap.Check(cache.CollectionRaw, cache.CollectionRepertoire); err != nil {
		return addressbook.CurateStats{}, fmt.Errorf("curate: %w", err)
	}
	repertoire, stats := addressbook.Curate(snap.Raw, selectedIDs, snap.Repertoire, o.now().UTC())
	snap.Repertoire = repertoire
	o.cache.Save(ctx, snap, cache.CollectionRepertoire)
	o.updatePendingCount(repertoire)
	return stats, nil
}

// ImportReport 导入结果
type ImportReport struct {
	Curate     addressbook.CurateStats
	Created    int
	Updated    int
	Duplicates int
	Errors     []domain.ItemError
	Batches    int
}

// Import 整理勾选的联系人并通过批量接口导入远端
// 未同步的新记录走 bulk-import；已同步但有本地修改的记录留给下一次同步推送。
// 批量接口中断（认证失败 / 取消）时已整理的 repertoire 仍会保存。
func (o *Orchestrator) Import(ctx context.Context, selectedIDs []string) (ImportReport, error) {
	release, err := o.acquire("import")
	if err != nil {
		return ImportReport{}, err
	}
	defer release()

	snap := o.cache.Load(ctx)
	if err := snap.Check(cache.CollectionRaw, cache.CollectionRepertoire); err != nil {
		return ImportReport{}, fmt.Errorf("import: %w", err)
	}
	repertoire, stats := addressbook.Curate(snap.Raw, selectedIDs, snap.Repertoire, o.now().UTC())
	report := ImportReport{Curate: stats}

	var fresh []domain.ContactRecord
	for _, rec := range repertoire {
		if !rec.IsSynced() {
			fresh = append(fresh, rec)
		}
	}

	var bulkErr error
	if len(fresh) > 0 {
		var res directory.BulkResult
		res, bulkErr = o.directory.BulkImport(ctx, fresh, o.opts.ChunkSize)
		repertoire = applyBulk(repertoire, res, o.now().UTC())
		report.Created = len(res.Created)
		report.Updated = len(res.Updated)
		report.Duplicates = len(res.Duplicates)
		report.Errors = res.Errors
		report.Batches = res.Batches
	}

	snap.Repertoire = repertoire
	o.cache.Save(context.WithoutCancel(ctx), snap, cache.CollectionRepertoire)
	o.updatePendingCount(repertoire)

	o.logger.Info("Import finished",
		zap.Int("added", stats.Added),
		zap.Int("created", report.Created),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("errors", len(report.Errors)),
	)
	o.publish(ctx, EventImportCompleted, map[string]interface{}{
		"added":      stats.Added,
		"created":    report.Created,
		"duplicates": report.Duplicates,
		"errors":     len(report.Errors),
	})

	if bulkErr != nil {
		return report, fmt.Errorf("bulk import: %w", bulkErr)
	}
	return report, nil
}

// applyBulk 按号码把批量导入确认的远端记录写回 repertoire
func applyBulk(records []domain.ContactRecord, res directory.BulkResult, now time.Time) []domain.ContactRecord {
	byPhone := make(map[string]domain.ContactRecord)
	for _, rec := range res.Synced() {
		if p := phone.Normalize(rec.Phone); p != "" {
			byPhone[p] = rec
		}
	}
	out := make([]domain.ContactRecord, len(records))
	for i, rec := range records {
		out[i] = rec
		if rec.IsSynced() {
			continue
		}
		remote, ok := byPhone[phone.Normalize(rec.Phone)]
		if !ok {
			continue
		}
		if !out[i].AssignRemote(remote.Remote) {
			continue
		}
		out[i].PendingPush = false
		out[i].LastUpdated = now
	}
	return out
}

// AddManual 手动添加联系人；立即尝试推送，失败则保留为待推送
func (o *Orchestrator) AddManual(ctx context.Context, name, number, email string) (domain.ContactRecord, error) {
	p := phone.Normalize(number)
	if p == "" {
		return domain.ContactRecord{}, fmt.Errorf("add contact: %w: invalid phone %q", domain.ErrInvalidInput, number)
	}
	release, err := o.acquire("add")
	if err != nil {
		return domain.ContactRecord{}, err
	}
	defer release()

	snap := o.cache.Load(ctx)
	if err := snap.Check(cache.CollectionRepertoire); err != nil {
		return domain.ContactRecord{}, fmt.Errorf("add contact %s: %w", p, err)
	}
	if _, ok := findByPhone(snap.Repertoire, p); ok {
		return domain.ContactRecord{}, fmt.Errorf("add contact %s: %w: already in repertoire", p, domain.ErrInvalidInput)
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = p
	}
	rec := domain.ContactRecord{
		ID:              domain.NewLocalID(),
		Name:            name,
		Phone:           p,
		Email:           strings.TrimSpace(email),
		InvitationState: domain.InvitationNone,
		LastUpdated:     o.now().UTC(),
		Origin:          domain.OriginManualEntry,
		PendingPush:     true,
	}

	if pushed, err := o.pushOne(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrUnauthenticated) {
			return domain.ContactRecord{}, err
		}
		o.logger.Warn("Failed to push manual contact, kept as pending", zap.String("phone", p), zap.Error(err))
	} else {
		rec = pushed
	}

	snap.Repertoire = append(snap.Repertoire, rec)
	o.cache.Save(context.WithoutCancel(ctx), snap, cache.CollectionRepertoire)
	o.updatePendingCount(snap.Repertoire)
	return rec, nil
}

// Remove 从 repertoire 删除联系人（远端同步删除；邀请历史保留）
// 远端删除失败时本地不删除，调用方可重试
func (o *Orchestrator) Remove(ctx context.Context, number string) error {
	p := phone.Normalize(number)
	release, err := o.acquire("remove")
	if err != nil {
		return err
	}
	defer release()

	snap := o.cache.Load(ctx)
	if err := snap.Check(cache.CollectionRepertoire, cache.CollectionMembers); err != nil {
		return fmt.Errorf("remove %s: %w", p, err)
	}
	i, ok := findByPhone(snap.Repertoire, p)
	if !ok {
		return fmt.Errorf("remove %s: %w", p, domain.ErrNotFound)
	}
	rec := snap.Repertoire[i]
	if !rec.Remote.IsZero() {
		if err := o.directory.Delete(ctx, rec.Remote); err != nil {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}

	snap.Repertoire = append(snap.Repertoire[:i:i], snap.Repertoire[i+1:]...)
	if j, ok := findByPhone(snap.Members, p); ok {
		snap.Members = append(snap.Members[:j:j], snap.Members[j+1:]...)
	}
	o.cache.Save(ctx, snap, cache.CollectionRepertoire, cache.CollectionMembers)
	o.updatePendingCount(snap.Repertoire)
	o.publish(ctx, EventContactRemoved, map[string]interface{}{"phone": p})
	return nil
}

// Invite 邀请 repertoire 中的非平台用户
func (o *Orchestrator) Invite(ctx context.Context, number string, channel domain.Channel) (domain.Invitation, error) {
	p := phone.Normalize(number)
	release, err := o.acquire("invite")
	if err != nil {
		return domain.Invitation{}, err
	}
	defer release()

	snap := o.cache.Load(ctx)
	if err := snap.Check(cache.CollectionRepertoire, cache.CollectionInvitations); err != nil {
		return domain.Invitation{}, fmt.Errorf("invite %s: %w", p, err)
	}
	i, ok := findByPhone(snap.Repertoire, p)
	if !ok {
		return domain.Invitation{}, fmt.Errorf("invite %s: %w: not in repertoire", p, domain.ErrNotFound)
	}
	if snap.Repertoire[i].IsPlatformMember {
		return domain.Invitation{}, fmt.Errorf("invite %s: %w: already a platform member", p, domain.ErrInvalidInput)
	}

	book := invitation.NewBook(snap.Invitations)
	inv, err := o.tracker.Invite(ctx, book, snap.Repertoire[i], channel)
	if err != nil {
		return domain.Invitation{}, err
	}
	o.saveInvitations(ctx, snap, book)
	return inv, nil
}

// Remind 提醒
func (o *Orchestrator) Remind(ctx context.Context, number string) (domain.Invitation, error) {
	return o.invitationOp(ctx, "remind", number, o.tracker.Remind)
}

// Cancel 取消邀请
func (o *Orchestrator) Cancel(ctx context.Context, number string) (domain.Invitation, error) {
	return o.invitationOp(ctx, "cancel", number, o.tracker.Cancel)
}

func (o *Orchestrator) invitationOp(
	ctx context.Context,
	op, number string,
	fn func(context.Context, *invitation.Book, string) (domain.Invitation, error),
) (domain.Invitation, error) {
	release, err := o.acquire(op)
	if err != nil {
		return domain.Invitation{}, err
	}
	defer release()

	snap := o.cache.Load(ctx)
	if err := snap.Check(cache.CollectionRepertoire, cache.CollectionInvitations); err != nil {
		return domain.Invitation{}, fmt.Errorf("%s: %w", op, err)
	}
	book := invitation.NewBook(snap.Invitations)
	inv, err := fn(ctx, book, number)
	if err != nil {
		return domain.Invitation{}, err
	}
	o.saveInvitations(ctx, snap, book)
	return inv, nil
}

func (o *Orchestrator) saveInvitations(ctx context.Context, snap *cache.Snapshot, book *invitation.Book) {
	snap.Invitations = book.Items()
	snap.Repertoire = invitation.ApplyToContacts(snap.Repertoire, book)
	o.cache.Save(context.WithoutCancel(ctx), snap, cache.CollectionRepertoire, cache.CollectionInvitations)
}

func findByPhone(records []domain.ContactRecord, p string) (int, bool) {
	if p == "" {
		return -1, false
	}
	for i, rec := range records {
		if phone.Normalize(rec.Phone) == p {
			return i, true
		}
	}
	return -1, false
}
