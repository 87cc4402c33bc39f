package addressbook

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"bob-contactsync/internal/domain"
	"bob-contactsync/internal/phone"

	"go.uber.org/zap"
)

const (
	defaultPageSize = 200
	// 防止 provider 一直返回 HasNextPage
	defaultMaxPages = 1000
)

// ScanResult 一次扫描的结果
type ScanResult struct {
	Raw  []domain.RawContact
	Meta domain.ScanMetadata
}

// Scanner 分页读取设备通讯录
type Scanner struct {
	provider Provider
	pageSize int
	maxPages int
	logger   *zap.Logger
	now      func() time.Time
}

// NewScanner 创建扫描器
func NewScanner(provider Provider, pageSize int, logger *zap.Logger) *Scanner {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Scanner{
		provider: provider,
		pageSize: pageSize,
		maxPages: defaultMaxPages,
		logger:   logger,
		now:      time.Now,
	}
}

// Scan 读取全部设备联系人；权限被拒返回 ErrPermissionDenied；每页之间检查 ctx
func (s *Scanner) Scan(ctx context.Context) (ScanResult, error) {
	granted, err := s.provider.RequestPermission(ctx)
	if err != nil {
		return ScanResult{}, fmt.Errorf("request contacts permission: %w", err)
	}
	if !granted {
		return ScanResult{}, domain.ErrPermissionDenied
	}

	var raw []domain.RawContact
	offset := 0
	for page := 0; page < s.maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return ScanResult{}, err
		}
		p, err := s.provider.ReadContactsPage(ctx, s.pageSize, offset)
		if err != nil {
			return ScanResult{}, fmt.Errorf("read contacts page at offset %d: %w", offset, err)
		}
		for i, rc := range p.Records {
			if rc.ID == "" {
				rc.ID = "raw-" + strconv.Itoa(offset+i)
			}
			raw = append(raw, rc)
		}
		offset += len(p.Records)
		if !p.HasNextPage || len(p.Records) == 0 {
			break
		}
		if page == s.maxPages-1 {
			s.logger.Warn("Address book page limit reached, scan truncated",
				zap.Int("max_pages", s.maxPages),
				zap.Int("records", len(raw)),
			)
		}
	}

	phones := make(map[string]struct{})
	for _, rc := range raw {
		for _, n := range rc.PhoneNumbers {
			if p := phone.Normalize(n); p != "" {
				phones[p] = struct{}{}
			}
		}
	}

	meta := domain.ScanMetadata{
		ScannedAt:  s.now().UTC(),
		RawCount:   len(raw),
		PhoneCount: len(phones),
	}
	s.logger.Info("Address book scanned",
		zap.Int("raw_count", meta.RawCount),
		zap.Int("phone_count", meta.PhoneCount),
	)
	if raw == nil {
		raw = []domain.RawContact{}
	}
	return ScanResult{Raw: raw, Meta: meta}, nil
}
