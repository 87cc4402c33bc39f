// Package invitation 邀请状态机，独立于联系人 CRUD
package invitation

import (
	"bob-contactsync/internal/domain"
	"bob-contactsync/internal/phone"
)

// Book 当前用户的全部邀请（按号码关联联系人，联系人删除后历史仍保留）
// 非并发安全，由 syncer 的 single-flight 保护
type Book struct {
	items []domain.Invitation
}

// NewBook 从缓存快照创建
func NewBook(items []domain.Invitation) *Book {
	b := &Book{items: make([]domain.Invitation, len(items))}
	copy(b.items, items)
	return b
}

// Items 返回副本
func (b *Book) Items() []domain.Invitation {
	out := make([]domain.Invitation, len(b.items))
	copy(out, b.items)
	return out
}

// Len 邀请数
func (b *Book) Len() int { return len(b.items) }

// Latest 某号码最近一次邀请（按 SentAt，相同时取后加入的）
func (b *Book) Latest(number string) (domain.Invitation, bool) {
	i := b.latestIndex(phone.Normalize(number))
	if i < 0 {
		return domain.Invitation{}, false
	}
	return b.items[i], true
}

// Active 某号码当前未进入终态的邀请
func (b *Book) Active(number string) (domain.Invitation, bool) {
	inv, ok := b.Latest(number)
	if !ok || inv.Status.Terminal() {
		return domain.Invitation{}, false
	}
	return inv, true
}

// ForPhone 某号码的全部邀请
func (b *Book) ForPhone(number string) []domain.Invitation {
	p := phone.Normalize(number)
	var out []domain.Invitation
	for _, inv := range b.items {
		if inv.ContactPhone == p {
			out = append(out, inv)
		}
	}
	return out
}

// Pending 需要补发到远端的邀请
func (b *Book) Pending() []domain.Invitation {
	var out []domain.Invitation
	for _, inv := range b.items {
		if inv.NeedsReconcile {
			out = append(out, inv)
		}
	}
	return out
}

func (b *Book) latestIndex(p string) int {
	idx := -1
	if p == "" {
		return idx
	}
	for i, inv := range b.items {
		if inv.ContactPhone != p {
			continue
		}
		if idx < 0 || !inv.SentAt.Before(b.items[idx].SentAt) {
			idx = i
		}
	}
	return idx
}

// put 按 ID 替换，不存在则追加
func (b *Book) put(inv domain.Invitation) {
	for i := range b.items {
		if b.items[i].ID == inv.ID {
			b.items[i] = inv
			return
		}
	}
	b.items = append(b.items, inv)
}

// replace 替换 ID 为 oldID 的邀请（远端创建成功后 ID 会变化）
func (b *Book) replace(oldID string, inv domain.Invitation) {
	for i := range b.items {
		if b.items[i].ID == oldID {
			b.items[i] = inv
			return
		}
	}
	b.items = append(b.items, inv)
}

// findRemote 按远端 ID 查找
func (b *Book) findRemote(id domain.RemoteID) int {
	if id.IsZero() {
		return -1
	}
	for i, inv := range b.items {
		if inv.Remote.IsZero() {
			continue
		}
		if inv.Remote.Primary == id.Primary ||
			(id.Fallback != "" && (inv.Remote.Fallback == id.Fallback || inv.Remote.Primary == id.Fallback)) {
			return i
		}
	}
	return -1
}
