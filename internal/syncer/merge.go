package syncer

import (
	"bob-contactsync/internal/domain"
	"bob-contactsync/internal/phone"
)

// MergeStats 拉取合并统计
type MergeStats struct {
	Added   int
	Updated int
	// Dropped 已同步过但远端已删除的记录
	Dropped int
}

// mergeRemote 把远端联系人合并进本地 repertoire
//   - 远端有值的字段以远端为准；本地有更新且未推送的修改保留本地
//   - 成员标记等本地派生字段保留
//   - 未同步的本地记录保留（等待推送）；已同步但远端不存在的记录删除
func mergeRemote(local, remote []domain.ContactRecord) ([]domain.ContactRecord, MergeStats) {
	var stats MergeStats

	byRemote := make(map[string]int, len(local))
	byPhone := make(map[string]int, len(local))
	for i, rec := range local {
		if !rec.Remote.IsZero() {
			byRemote[rec.Remote.Primary] = i
			if rec.Remote.Fallback != "" {
				byRemote[rec.Remote.Fallback] = i
			}
		}
		if p := phone.Normalize(rec.Phone); p != "" {
			byPhone[p] = i
		}
	}

	matched := make([]bool, len(local))
	out := make([]domain.ContactRecord, 0, len(local)+len(remote))
	seenPhone := make(map[string]bool, len(remote))

	for _, r := range remote {
		p := phone.Normalize(r.Phone)
		if p == "" || seenPhone[p] {
			continue
		}
		seenPhone[p] = true

		i, ok := byRemote[r.Remote.Primary]
		if !ok && r.Remote.Fallback != "" {
			i, ok = byRemote[r.Remote.Fallback]
		}
		if !ok {
			i, ok = byPhone[p]
		}
		if !ok || matched[i] {
			r.Phone = p
			r.PendingPush = false
			out = append(out, r)
			stats.Added++
			continue
		}

		matched[i] = true
		merged, changed := mergeRecord(local[i], r)
		if changed {
			stats.Updated++
		}
		out = append(out, merged)
	}

	for i, rec := range local {
		if matched[i] {
			continue
		}
		p := phone.Normalize(rec.Phone)
		if seenPhone[p] {
			// 同号码已由远端记录代表
			continue
		}
		if rec.IsSynced() {
			stats.Dropped++
			continue
		}
		seenPhone[p] = true
		out = append(out, rec)
	}
	return out, stats
}

func mergeRecord(local, remote domain.ContactRecord) (domain.ContactRecord, bool) {
	out := local
	out.AssignRemote(remote.Remote)

	localWins := local.PendingPush && local.LastUpdated.After(remote.LastUpdated)
	if !localWins {
		if remote.Name != "" {
			out.Name = remote.Name
		}
		if remote.Phone != "" {
			out.Phone = remote.Phone
		}
		if remote.Email != "" {
			out.Email = remote.Email
		}
		if remote.InvitationState != "" {
			out.InvitationState = remote.InvitationState
		}
		if remote.InvitationCount > out.InvitationCount {
			out.InvitationCount = remote.InvitationCount
		}
		if !remote.LastUpdated.IsZero() {
			out.LastUpdated = remote.LastUpdated
		}
		out.PendingPush = false
	}
	if out.Origin == "" {
		out.Origin = remote.Origin
	}

	changed := out.ID != local.ID || out.Name != local.Name || out.Phone != local.Phone ||
		out.Email != local.Email || out.PendingPush != local.PendingPush
	return out, changed
}
