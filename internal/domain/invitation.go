package domain

import "time"

// Channel 邀请发送渠道
type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
)

// Valid 渠道是否受支持
func (c Channel) Valid() bool {
	switch c {
	case ChannelSMS, ChannelWhatsApp, ChannelEmail:
		return true
	}
	return false
}

// InvitationStatus 邀请状态
type InvitationStatus string

const (
	StatusSent      InvitationStatus = "sent"
	StatusViewed    InvitationStatus = "viewed"
	StatusAccepted  InvitationStatus = "accepted"
	StatusDeclined  InvitationStatus = "declined"
	StatusExpired   InvitationStatus = "expired"
	StatusCancelled InvitationStatus = "cancelled"
)

// Terminal 终态（viewed 不是终态，仍可转为 accepted/declined）
func (s InvitationStatus) Terminal() bool {
	switch s {
	case StatusAccepted, StatusDeclined, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Invitation 邀请记录
// 与 ContactRecord 通过 ContactPhone 关联，联系人被删除后邀请历史仍保留
type Invitation struct {
	ID            string           `json:"id"`
	Remote        RemoteID         `json:"remote"`
	ContactPhone  string           `json:"contactPhone"`
	Channel       Channel          `json:"channel"`
	Status        InvitationStatus `json:"status"`
	SentAt        time.Time        `json:"sentAt"`
	RemindedAt    *time.Time       `json:"remindedAt,omitempty"`
	ReminderCount int              `json:"reminderCount"`
	ReferralCode  string           `json:"referralCode"`
	// NeedsReconcile 远端创建/更新失败，等待下一次同步补发
	NeedsReconcile bool      `json:"needsReconcile"`
	UpdatedAt      time.Time `json:"updatedAt"`
}
