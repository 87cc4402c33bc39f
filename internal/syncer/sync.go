package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bob-contactsync/internal/cache"
	"bob-contactsync/internal/domain"
	"bob-contactsync/internal/invitation"

	"go.uber.org/zap"
)

// Report 一次完整同步的结果
type Report struct {
	StartedAt  time.Time
	FinishedAt time.Time

	Pulled  int
	Merge   MergeStats
	Pushed  int
	Chunks  int
	Skipped int

	TotalAccounts int
	Members       int

	InvitationsUpdated    int
	InvitationsReconciled int

	// Errors 推送失败的记录（部分失败）
	Errors []domain.ItemError
	// Warnings 非致命步骤的失败（识别、邀请、事件等）
	Warnings []string
}

// Pull 拉取远端联系人与邀请并合并进缓存
func (o *Orchestrator) Pull(ctx context.Context) (Report, error) {
	release, err := o.acquire("pull")
	if err != nil {
		return Report{}, err
	}
	defer release()

	report := Report{StartedAt: o.now().UTC()}
	snap := o.cache.Load(ctx)
	if err := snap.Check(cache.CollectionRepertoire, cache.CollectionInvitations); err != nil {
		return report, fmt.Errorf("load cache: %w", err)
	}
	book := invitation.NewBook(snap.Invitations)
	merged, err := o.pull(ctx, snap, book, &report)
	if err != nil {
		return report, err
	}

	snap.Repertoire = invitation.ApplyToContacts(merged, book)
	snap.Invitations = book.Items()
	o.cache.Save(context.WithoutCancel(ctx), snap, cache.CollectionRepertoire, cache.CollectionInvitations)
	o.updatePendingCount(snap.Repertoire)

	report.FinishedAt = o.now().UTC()
	return report, nil
}

// pull 远端联系人失败时返回错误（缓存不变）；邀请拉取失败只记 warning
func (o *Orchestrator) pull(ctx context.Context, snap *cache.Snapshot, book *invitation.Book, report *Report) ([]domain.ContactRecord, error) {
	remote, err := o.directory.List(ctx)
	if err != nil {
		o.logger.Warn("Pull failed, cache left unchanged", zap.Error(err))
		return nil, fmt.Errorf("pull contacts: %w", err)
	}
	merged, stats := mergeRemote(snap.Repertoire, remote)
	report.Pulled = len(remote)
	report.Merge = stats

	invs, err := o.directory.ListInvitations(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrUnauthenticated) {
			return nil, fmt.Errorf("pull invitations: %w", err)
		}
		o.logger.Warn("Failed to pull invitations", zap.Error(err))
		report.Warnings = append(report.Warnings, fmt.Sprintf("pull invitations: %v", err))
	} else {
		report.InvitationsUpdated = o.tracker.ApplyRemote(ctx, book, invs)
	}

	o.logger.Info("Pulled remote state",
		zap.Int("remote_contacts", len(remote)),
		zap.Int("added", stats.Added),
		zap.Int("updated", stats.Updated),
		zap.Int("dropped", stats.Dropped),
		zap.Int("remote_invitations", len(invs)),
	)
	return merged, nil
}

// Sync 完整同步：pull -> push -> 成员识别 -> 邀请补发 -> 保存 -> 发布事件
// 已有同步在进行时立即返回 ErrAlreadyInProgress，不做任何缓存修改。
// pull 失败整体中止；之后的步骤失败只记入 Warnings。
func (o *Orchestrator) Sync(ctx context.Context) (Report, error) {
	release, err := o.acquire("sync")
	if err != nil {
		return Report{}, err
	}
	defer release()

	report := Report{StartedAt: o.now().UTC()}
	snap := o.cache.Load(ctx)
	if err := snap.Check(cache.CollectionRepertoire, cache.CollectionInvitations); err != nil {
		return report, fmt.Errorf("load cache: %w", err)
	}
	book := invitation.NewBook(snap.Invitations)

	merged, err := o.pull(ctx, snap, book, &report)
	if err != nil {
		return report, err
	}

	// push
	var pending []domain.ContactRecord
	for _, rec := range merged {
		if rec.PendingPush || !rec.IsSynced() {
			pending = append(pending, rec)
		}
	}
	if len(pending) > 0 {
		res, perr := o.Push(ctx, pending)
		merged = applyPushed(merged, res)
		report.Pushed = len(res.Synced)
		report.Chunks = res.Chunks
		report.Skipped = res.Skipped
		report.Errors = res.Errors
		if perr != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("push: %v", perr))
		}
	}

	// 成员识别
	var members []domain.ContactRecord
	if ctx.Err() == nil {
		det := o.detector.Detect(ctx, merged)
		merged = det.Records
		members = det.Members
		report.TotalAccounts = det.TotalAccounts
		report.Members = len(det.Members)
		if det.Degraded {
			report.Warnings = append(report.Warnings, fmt.Sprintf("member detection: %v", det.Cause))
		}
	} else {
		members = membersOf(merged)
	}

	// 邀请补发
	if ctx.Err() == nil {
		n, rerr := o.tracker.Reconcile(ctx, book)
		report.InvitationsReconciled = n
		if rerr != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("invitation reconcile: %v", rerr))
		}
	}

	snap.Repertoire = invitation.ApplyToContacts(merged, book)
	snap.Members = members
	snap.Invitations = book.Items()
	o.cache.Save(context.WithoutCancel(ctx), snap,
		cache.CollectionRepertoire, cache.CollectionMembers, cache.CollectionInvitations)

	report.FinishedAt = o.now().UTC()
	pendingCount := countPending(snap.Repertoire)
	o.guard.update(func(s *SyncState) {
		s.LastFullSyncAt = report.FinishedAt
		s.PendingPushCount = pendingCount
	})

	o.logger.Info("Sync finished",
		zap.Int("pulled", report.Pulled),
		zap.Int("pushed", report.Pushed),
		zap.Int("errors", len(report.Errors)),
		zap.Int("members", report.Members),
		zap.Int("warnings", len(report.Warnings)),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)

	o.publish(ctx, EventSyncCompleted, map[string]interface{}{
		"pulled":   report.Pulled,
		"pushed":   report.Pushed,
		"errors":   len(report.Errors),
		"members":  report.Members,
		"pending":  pendingCount,
		"warnings": len(report.Warnings),
	})
	return report, nil
}

// applyPushed 用推送结果替换 repertoire 中对应的记录（按推送前的 ID）
func applyPushed(records []domain.ContactRecord, res PushResult) []domain.ContactRecord {
	if len(res.Synced) == 0 {
		return records
	}
	byID := make(map[string]domain.ContactRecord, len(res.Synced))
	for i, rec := range res.Synced {
		byID[res.OriginalIDs[i]] = rec
	}
	out := make([]domain.ContactRecord, len(records))
	for i, rec := range records {
		if synced, ok := byID[rec.ID]; ok {
			out[i] = synced
			continue
		}
		out[i] = rec
	}
	return out
}

func membersOf(records []domain.ContactRecord) []domain.ContactRecord {
	out := make([]domain.ContactRecord, 0)
	for _, rec := range records {
		if rec.IsPlatformMember {
			out = append(out, rec)
		}
	}
	return out
}
