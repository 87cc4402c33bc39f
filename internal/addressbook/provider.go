// Package addressbook 设备通讯录读取与整理（扫描 -> raw -> 用户勾选 -> repertoire）
package addressbook

import (
	"context"

	"bob-contactsync/internal/domain"
)

// Page 一页设备联系人
type Page struct {
	Records     []domain.RawContact
	HasNextPage bool
}

// Provider 设备通讯录
type Provider interface {
	RequestPermission(ctx context.Context) (bool, error)
	ReadContactsPage(ctx context.Context, pageSize, offset int) (Page, error)
}

// MemoryProvider 内存通讯录（测试 / 嵌入方直接传入联系人）
type MemoryProvider struct {
	Contacts []domain.RawContact
	Denied   bool
	// Reads 已读取的页数
	Reads int
}

func (m *MemoryProvider) RequestPermission(context.Context) (bool, error) {
	return !m.Denied, nil
}

func (m *MemoryProvider) ReadContactsPage(_ context.Context, pageSize, offset int) (Page, error) {
	m.Reads++
	return pageOf(m.Contacts, pageSize, offset), nil
}

func pageOf(all []domain.RawContact, pageSize, offset int) Page {
	if offset >= len(all) {
		return Page{}
	}
	end := min(offset+pageSize, len(all))
	out := make([]domain.RawContact, end-offset)
	copy(out, all[offset:end])
	return Page{Records: out, HasNextPage: end < len(all)}
}
