// Package detector 平台用户（Bob 用户）识别：按规范化号码在客户端侧做 join
package detector

import (
	"context"
	"time"

	"bob-contactsync/internal/domain"
	"bob-contactsync/internal/phone"

	"go.uber.org/zap"
)

// AccountSource 平台注册用户来源（directory.Client 实现）
type AccountSource interface {
	ListAccounts(ctx context.Context) ([]domain.Account, error)
}

// Result 一次识别的结果
type Result struct {
	Records       []domain.ContactRecord
	Members       []domain.ContactRecord
	TotalAccounts int
	Matched       int
	// Degraded 账号列表获取失败或超时，本次按“无匹配”处理，已有标记保持不变
	Degraded bool
	Cause    error
}

// Detector 平台用户识别器
// 成员标记只作为客户端派生视图，不回写远端
type Detector struct {
	accounts AccountSource
	timeout  time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewDetector 创建识别器；timeout <= 0 时只受调用方 ctx 约束
func NewDetector(accounts AccountSource, timeout time.Duration, logger *zap.Logger) *Detector {
	return &Detector{
		accounts: accounts,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
}

// Detect 标记 records 中的平台用户，返回新切片，不修改入参
func (d *Detector) Detect(ctx context.Context, records []domain.ContactRecord) Result {
	out := make([]domain.ContactRecord, len(records))
	copy(out, records)

	fetchCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	accounts, err := d.accounts.ListAccounts(fetchCtx)
	if err != nil {
		d.logger.Warn("Account list unavailable, skipping member detection",
			zap.Int("records", len(records)),
			zap.Error(err),
		)
		return Result{Records: out, Members: members(out), Degraded: true, Cause: err}
	}

	byPhone := make(map[string]domain.Account, len(accounts))
	for _, acc := range accounts {
		p := phone.Normalize(acc.Phone)
		if p == "" {
			continue
		}
		if _, dup := byPhone[p]; dup {
			d.logger.Debug("Multiple accounts share a phone, keeping first", zap.String("phone", p))
			continue
		}
		byPhone[p] = acc
	}

	now := d.now().UTC()
	matched := 0
	for i := range out {
		rec := &out[i]
		acc, ok := byPhone[phone.Normalize(rec.Phone)]
		switch {
		case ok:
			matched++
			profile := acc.Profile()
			if !rec.IsPlatformMember || rec.MemberProfile == nil || *rec.MemberProfile != *profile {
				rec.LastUpdated = now
			}
			rec.IsPlatformMember = true
			rec.MemberProfile = profile
		case rec.IsPlatformMember:
			// 账号已注销或换号
			rec.IsPlatformMember = false
			rec.MemberProfile = nil
			rec.LastUpdated = now
		}
	}

	d.logger.Info("Member detection finished",
		zap.Int("records", len(out)),
		zap.Int("total_accounts", len(accounts)),
		zap.Int("matched", matched),
	)

	return Result{
		Records:       out,
		Members:       members(out),
		TotalAccounts: len(accounts),
		Matched:       matched,
	}
}

func members(records []domain.ContactRecord) []domain.ContactRecord {
	out := make([]domain.ContactRecord, 0)
	for _, rec := range records {
		if rec.IsPlatformMember {
			out = append(out, rec)
		}
	}
	return out
}
