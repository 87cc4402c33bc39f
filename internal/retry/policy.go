// Package retry 统一的指数退避策略（directory 与 syncer 共用）
package retry

import (
	"context"
	"errors"
	"time"

	"bob-contactsync/internal/domain"

	"github.com/cenkalti/backoff/v5"
)

// Policy 退避策略：第一次失败后等待 BaseDelay，之后每次乘以 Multiplier，总尝试次数不超过 MaxAttempts
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// Retryable 判断错误是否可重试；nil 时使用 domain.Retryable
	Retryable func(error) bool
	// OnRetry 每次重试等待前回调（用于日志）
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Default 默认策略：3 次，2s 起步，翻倍
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
	}
}

// WithAttempts 覆盖尝试次数和起始等待
func (p Policy) WithAttempts(maxAttempts int, baseDelay time.Duration) Policy {
	if maxAttempts > 0 {
		p.MaxAttempts = maxAttempts
	}
	if baseDelay > 0 {
		p.BaseDelay = baseDelay
	}
	return p
}

func (p Policy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return domain.Retryable(err)
}

func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval * time.Duration(1<<uint(max(p.MaxAttempts, 1)))
	}
	return b
}

// Do 执行 op，可重试错误按策略重试；不可重试错误立即返回
// 返回值为最后一次的错误（不会被包装）
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := op(ctx)
		if err != nil && !p.retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if p.OnRetry != nil {
				p.OnRetry(attempt, err, wait)
			}
		}),
	)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
