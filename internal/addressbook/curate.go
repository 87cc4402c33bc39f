package addressbook

import (
	"strings"
	"time"

	"bob-contactsync/internal/domain"
	"bob-contactsync/internal/phone"
)

// CurateStats 整理统计
type CurateStats struct {
	Added   int
	Updated int
	// Skipped 没有可用号码的联系人
	Skipped int
}

// Curate 把勾选的设备联系人并入 repertoire
// selectedIDs 为空表示全部。按规范化号码去重，后出现的覆盖先出现的；
// 已在 repertoire 中的号码保留远端 ID、成员与邀请字段，只更新姓名/邮箱。
// 新增或有变化的记录标记 PendingPush。
func Curate(raw []domain.RawContact, selectedIDs []string, existing []domain.ContactRecord, now time.Time) ([]domain.ContactRecord, CurateStats) {
	var selected map[string]bool
	if len(selectedIDs) > 0 {
		selected = make(map[string]bool, len(selectedIDs))
		for _, id := range selectedIDs {
			selected[id] = true
		}
	}

	out := make([]domain.ContactRecord, len(existing))
	copy(out, existing)
	index := make(map[string]int, len(out))
	for i, rec := range out {
		if p := phone.Normalize(rec.Phone); p != "" {
			index[p] = i
		}
	}

	var stats CurateStats
	touched := make(map[string]bool)
	for _, rc := range raw {
		if selected != nil && !selected[rc.ID] {
			continue
		}
		p, ok := phone.First(rc.PhoneNumbers)
		if !ok {
			stats.Skipped++
			continue
		}
		name := strings.TrimSpace(rc.DisplayName)
		if name == "" {
			name = p
		}
		email := ""
		for _, e := range rc.Emails {
			if e = strings.TrimSpace(e); e != "" {
				email = e
				break
			}
		}

		if i, ok := index[p]; ok {
			rec := out[i]
			if rec.Name == name && rec.Email == email {
				continue
			}
			rec.Name = name
			rec.Email = email
			rec.LastUpdated = now
			rec.PendingPush = true
			out[i] = rec
			if !touched[p] {
				stats.Updated++
			}
			touched[p] = true
			continue
		}

		index[p] = len(out)
		touched[p] = true
		out = append(out, domain.ContactRecord{
			ID:              domain.NewLocalID(),
			Name:            name,
			Phone:           p,
			Email:           email,
			InvitationState: domain.InvitationNone,
			LastUpdated:     now,
			Origin:          domain.OriginDeviceImport,
			PendingPush:     true,
		})
		stats.Added++
	}
	return out, stats
}
