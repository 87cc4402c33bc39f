package invitation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bob-contactsync/internal/domain"
	"bob-contactsync/internal/phone"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Remote 远端邀请接口（directory.Client 实现）
type Remote interface {
	CreateInvitation(ctx context.Context, inv domain.Invitation) (domain.RemoteID, error)
	UpdateInvitation(ctx context.Context, id domain.RemoteID, inv domain.Invitation) error
	DeleteInvitation(ctx context.Context, id domain.RemoteID) error
}

// Tracker 邀请状态机
// 远端写入都是 best-effort：失败时本地照常生效并标记 NeedsReconcile，由下一次同步补发
type Tracker struct {
	remote  Remote
	history HistoryRecorder
	logger  *zap.Logger
	now     func() time.Time
}

// NewTracker 创建邀请跟踪器；history 为 nil 时不记录历史
func NewTracker(remote Remote, history HistoryRecorder, logger *zap.Logger) *Tracker {
	if history == nil {
		history = NopHistory{}
	}
	return &Tracker{
		remote:  remote,
		history: history,
		logger:  logger,
		now:     time.Now,
	}
}

// NewReferralCode 生成邀请码
func NewReferralCode() string {
	return "BOB-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// Invite 向联系人发出邀请
// 已有未终结的邀请时返回 ErrInvalidStateTransition（应使用 Remind）
func (t *Tracker) Invite(ctx context.Context, book *Book, contact domain.ContactRecord, channel domain.Channel) (domain.Invitation, error) {
	p := phone.Normalize(contact.Phone)
	if p == "" {
		return domain.Invitation{}, fmt.Errorf("invite: %w: contact has no phone", domain.ErrInvalidInput)
	}
	if !channel.Valid() {
		return domain.Invitation{}, fmt.Errorf("invite: %w: unsupported channel %q", domain.ErrInvalidInput, channel)
	}
	if active, ok := book.Active(p); ok {
		return domain.Invitation{}, fmt.Errorf("invite %s: %w: invitation already %s", p, domain.ErrInvalidStateTransition, active.Status)
	}

	now := t.now().UTC()
	inv := domain.Invitation{
		ID:           domain.NewLocalID(),
		ContactPhone: p,
		Channel:      channel,
		Status:       domain.StatusSent,
		SentAt:       now,
		ReferralCode: NewReferralCode(),
		UpdatedAt:    now,
	}

	id, err := t.remote.CreateInvitation(ctx, inv)
	if err != nil {
		t.logger.Warn("Failed to create invitation remotely, will reconcile later",
			zap.String("phone", p),
			zap.String("channel", string(channel)),
			zap.Error(err),
		)
		inv.NeedsReconcile = true
	} else {
		inv.Remote = id
		inv.ID = id.String()
	}

	book.put(inv)
	t.record(ctx, inv, "")
	return inv, nil
}

// Remind 提醒：sent|viewed -> sent，ReminderCount 加一
func (t *Tracker) Remind(ctx context.Context, book *Book, number string) (domain.Invitation, error) {
	p := phone.Normalize(number)
	cur, ok := book.Latest(p)
	if !ok {
		return domain.Invitation{}, fmt.Errorf("remind %s: %w: no invitation", p, domain.ErrNotFound)
	}
	if !CanTransition(cur.Status, domain.StatusSent) {
		return domain.Invitation{}, fmt.Errorf("remind %s: %w: invitation is %s", p, domain.ErrInvalidStateTransition, cur.Status)
	}

	now := t.now().UTC()
	next := cur
	next.Status = domain.StatusSent
	next.ReminderCount++
	next.RemindedAt = &now
	next.UpdatedAt = now

	if next.Remote.IsZero() {
		next.NeedsReconcile = true
	} else if err := t.remote.UpdateInvitation(ctx, next.Remote, next); err != nil {
		t.logger.Warn("Failed to update invitation remotely, will reconcile later",
			zap.String("invitation_id", next.ID),
			zap.Error(err),
		)
		next.NeedsReconcile = true
	}

	book.put(next)
	t.record(ctx, next, cur.Status)
	return next, nil
}

// Cancel 取消未终结的邀请；远端先 PUT cancelled，失败再尝试 DELETE
func (t *Tracker) Cancel(ctx context.Context, book *Book, number string) (domain.Invitation, error) {
	p := phone.Normalize(number)
	cur, ok := book.Latest(p)
	if !ok {
		return domain.Invitation{}, fmt.Errorf("cancel %s: %w: no invitation", p, domain.ErrNotFound)
	}
	if !CanTransition(cur.Status, domain.StatusCancelled) {
		return domain.Invitation{}, fmt.Errorf("cancel %s: %w: invitation is %s", p, domain.ErrInvalidStateTransition, cur.Status)
	}

	now := t.now().UTC()
	next := cur
	next.Status = domain.StatusCancelled
	next.UpdatedAt = now
	// 从未到达远端的邀请无需补发
	next.NeedsReconcile = false

	if !next.Remote.IsZero() {
		if err := t.cancelRemote(ctx, next); err != nil {
			t.logger.Warn("Failed to cancel invitation remotely, will reconcile later",
				zap.String("invitation_id", next.ID),
				zap.Error(err),
			)
			next.NeedsReconcile = true
		}
	}

	book.put(next)
	t.record(ctx, next, cur.Status)
	return next, nil
}

func (t *Tracker) cancelRemote(ctx context.Context, inv domain.Invitation) error {
	err := t.remote.UpdateInvitation(ctx, inv.Remote, inv)
	if err == nil || errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if errors.Is(err, domain.ErrUnauthenticated) {
		return err
	}
	t.logger.Debug("Cancel update rejected, deleting invitation instead",
		zap.String("invitation_id", inv.ID),
		zap.Error(err),
	)
	return t.remote.DeleteInvitation(ctx, inv.Remote)
}

// ApplyRemote 合并远端拉取的邀请
// 远端状态变化按迁移表生效；本地尚未推送的邀请保留；远端独有的邀请加入。返回变化条数
func (t *Tracker) ApplyRemote(ctx context.Context, book *Book, remote []domain.Invitation) int {
	changed := 0
	for _, r := range remote {
		r.ContactPhone = phone.Normalize(r.ContactPhone)
		idx := book.findRemote(r.Remote)
		if idx < 0 {
			if r.UpdatedAt.IsZero() {
				r.UpdatedAt = r.SentAt
			}
			r.NeedsReconcile = false
			book.items = append(book.items, r)
			changed++
			continue
		}

		local := book.items[idx]
		if local.NeedsReconcile {
			// 本地有未推送的修改，以本地为准
			continue
		}
		next := local
		if r.Status != local.Status {
			if !CanTransition(local.Status, r.Status) {
				t.logger.Debug("Ignoring remote invitation status change",
					zap.String("invitation_id", local.ID),
					zap.String("from", string(local.Status)),
					zap.String("to", string(r.Status)),
				)
				continue
			}
			next.Status = r.Status
		}
		if r.ReminderCount > next.ReminderCount {
			next.ReminderCount = r.ReminderCount
			next.RemindedAt = r.RemindedAt
		}
		if next.Status == local.Status && next.ReminderCount == local.ReminderCount {
			continue
		}
		next.UpdatedAt = t.now().UTC()
		book.items[idx] = next
		changed++
		if next.Status != local.Status {
			t.record(ctx, next, local.Status)
		}
	}
	return changed
}

// Reconcile 补发标记为 NeedsReconcile 的邀请
// 认证失败或取消时中断；其余单条失败保留标记并以 PartialFailure 返回
func (t *Tracker) Reconcile(ctx context.Context, book *Book) (int, error) {
	pending := book.Pending()
	if len(pending) == 0 {
		return 0, nil
	}

	done := 0
	var failed []domain.ItemError
	for _, inv := range pending {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		next, err := t.reconcileOne(ctx, inv)
		if err != nil {
			if errors.Is(err, domain.ErrUnauthenticated) {
				return done, err
			}
			failed = append(failed, domain.ItemError{ID: inv.ID, Phone: inv.ContactPhone, Err: err})
			continue
		}
		next.NeedsReconcile = false
		book.replace(inv.ID, next)
		done++
	}

	t.logger.Info("Invitation reconcile finished",
		zap.Int("pending", len(pending)),
		zap.Int("reconciled", done),
		zap.Int("failed", len(failed)),
	)
	if len(failed) > 0 {
		return done, &domain.PartialFailure{Items: failed}
	}
	return done, nil
}

func (t *Tracker) reconcileOne(ctx context.Context, inv domain.Invitation) (domain.Invitation, error) {
	switch {
	case inv.Remote.IsZero() && inv.Status == domain.StatusCancelled:
		return inv, nil
	case inv.Remote.IsZero():
		id, err := t.remote.CreateInvitation(ctx, inv)
		if err != nil {
			return inv, err
		}
		inv.Remote = id
		inv.ID = id.String()
		return inv, nil
	case inv.Status == domain.StatusCancelled:
		return inv, t.cancelRemote(ctx, inv)
	default:
		return inv, t.remote.UpdateInvitation(ctx, inv.Remote, inv)
	}
}

func (t *Tracker) record(ctx context.Context, inv domain.Invitation, from domain.InvitationStatus) {
	ev := Event{
		InvitationID:  inv.ID,
		ContactPhone:  inv.ContactPhone,
		Channel:       inv.Channel,
		FromStatus:    from,
		ToStatus:      inv.Status,
		ReminderCount: inv.ReminderCount,
		OccurredAt:    inv.UpdatedAt,
	}
	if err := t.history.Record(ctx, ev); err != nil {
		t.logger.Warn("Failed to record invitation event",
			zap.String("invitation_id", inv.ID),
			zap.Error(err),
		)
	}
}
