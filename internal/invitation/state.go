package invitation

import "bob-contactsync/internal/domain"

// transitions 允许的状态迁移；sent -> sent 即提醒
var transitions = map[domain.InvitationStatus][]domain.InvitationStatus{
	domain.StatusSent: {
		domain.StatusSent, domain.StatusViewed, domain.StatusAccepted,
		domain.StatusDeclined, domain.StatusExpired, domain.StatusCancelled,
	},
	domain.StatusViewed: {
		domain.StatusSent, domain.StatusAccepted, domain.StatusDeclined,
		domain.StatusExpired, domain.StatusCancelled,
	},
}

// CanTransition 是否允许 from -> to；from 为空表示尚无邀请
func CanTransition(from, to domain.InvitationStatus) bool {
	if from == "" {
		return to == domain.StatusSent
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ContactState 邀请在联系人上的投影
// declined / expired 投影为 none，允许重新邀请
func ContactState(inv *domain.Invitation) domain.InvitationState {
	if inv == nil {
		return domain.InvitationNone
	}
	switch inv.Status {
	case domain.StatusSent, domain.StatusViewed, domain.StatusAccepted:
		if inv.ReminderCount > 0 {
			return domain.InvitationReminded
		}
		return domain.InvitationInvited
	case domain.StatusCancelled:
		return domain.InvitationCancelled
	default:
		return domain.InvitationNone
	}
}

// ApplyToContacts 把邀请簿投影到联系人的 InvitationState / InvitationCount
// InvitationCount 为发往该号码的邀请与提醒总数
func ApplyToContacts(records []domain.ContactRecord, book *Book) []domain.ContactRecord {
	out := make([]domain.ContactRecord, len(records))
	copy(out, records)
	for i := range out {
		invs := book.ForPhone(out[i].Phone)
		if len(invs) == 0 {
			continue
		}
		count := 0
		for _, inv := range invs {
			count += 1 + inv.ReminderCount
		}
		latest, _ := book.Latest(out[i].Phone)
		out[i].InvitationState = ContactState(&latest)
		out[i].InvitationCount = count
	}
	return out
}
