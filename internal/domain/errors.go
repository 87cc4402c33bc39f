package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPermissionDenied 设备通讯录访问被拒绝（扫描失败，不影响其他功能）
	ErrPermissionDenied = errors.New("contacts permission denied")
	// ErrUnauthenticated 没有有效 token，禁止所有远端操作
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrNetworkFailure 暂时性错误（网络、超时、5xx），按退避策略重试
	ErrNetworkFailure = errors.New("network failure")
	// ErrConflict 远端报告重复，由 directory 内部通过查找解决
	ErrConflict = errors.New("conflict")
	// ErrNotFound 记录不存在；删除场景视为成功
	ErrNotFound = errors.New("not found")
	// ErrAlreadyInProgress 已有同步在进行
	ErrAlreadyInProgress = errors.New("sync already in progress")
	// ErrInvalidStateTransition 非法的邀请状态迁移
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrInvalidInput 参数校验失败
	ErrInvalidInput = errors.New("invalid input")
)

// ItemError 批量操作中单条记录的失败
type ItemError struct {
	ID    string `json:"id,omitempty"`
	Phone string `json:"phone,omitempty"`
	Err   error  `json:"-"`
}

func (e ItemError) Error() string {
	return fmt.Sprintf("contact %s: %v", e.Phone, e.Err)
}

func (e ItemError) Unwrap() error { return e.Err }

// PartialFailure 批量操作的部分失败（总是与成功部分一同返回）
type PartialFailure struct {
	Items []ItemError
}

func (p *PartialFailure) Error() string {
	if len(p.Items) == 0 {
		return "partial failure"
	}
	msgs := make([]string, 0, len(p.Items))
	for _, it := range p.Items {
		msgs = append(msgs, it.Error())
	}
	return fmt.Sprintf("partial failure (%d items): %s", len(p.Items), strings.Join(msgs, "; "))
}

// Retryable 是否属于可重试错误
func Retryable(err error) bool {
	return errors.Is(err, ErrNetworkFailure)
}
