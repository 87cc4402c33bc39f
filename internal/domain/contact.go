package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// LocalIDPrefix 未同步记录的本地占位 ID 前缀
const LocalIDPrefix = "local-"

// Origin 联系人来源
type Origin string

const (
	OriginDeviceImport Origin = "device_import"
	OriginRemotePull   Origin = "remote_pull"
	OriginManualEntry  Origin = "manual_entry"
)

// InvitationState 联系人维度的邀请状态（Invitation.Status 的投影）
type InvitationState string

const (
	InvitationNone      InvitationState = "none"
	InvitationInvited   InvitationState = "invited"
	InvitationReminded  InvitationState = "reminded"
	InvitationCancelled InvitationState = "cancelled"
)

// RemoteID 远端标识
// 远端同时存在 document id（稳定）和 numeric id（内部），只有 directory 包会读取两者
type RemoteID struct {
	Primary  string `json:"primary,omitempty"`
	Fallback string `json:"fallback,omitempty"`
}

// IsZero 是否尚未分配远端 ID
func (r RemoteID) IsZero() bool {
	return r.Primary == "" && r.Fallback == ""
}

// String 对外只暴露主 ID
func (r RemoteID) String() string {
	if r.Primary != "" {
		return r.Primary
	}
	return r.Fallback
}

// RawContact 设备通讯录中读出的原始联系人（仅存在于扫描结果中）
type RawContact struct {
	ID           string   `json:"id"`
	DisplayName  string   `json:"displayName"`
	PhoneNumbers []string `json:"phoneNumbers"`
	Emails       []string `json:"emails"`
}

// MemberProfile 平台用户的补充资料
type MemberProfile struct {
	UserID      string `json:"userId"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// ContactRecord 用户通讯录（repertoire）中的规范联系人
// Phone 为规范化后的号码，在同一用户的 repertoire 内唯一
type ContactRecord struct {
	ID               string          `json:"id"`
	Remote           RemoteID        `json:"remote"`
	Name             string          `json:"name"`
	Phone            string          `json:"phone"`
	Email            string          `json:"email,omitempty"`
	IsPlatformMember bool            `json:"isPlatformMember"`
	MemberProfile    *MemberProfile  `json:"memberProfile,omitempty"`
	InvitationState  InvitationState `json:"invitationState"`
	InvitationCount  int             `json:"invitationCount"`
	LastUpdated      time.Time       `json:"lastUpdated"`
	Origin           Origin          `json:"origin"`
	// PendingPush 本地有尚未推送到远端的修改
	PendingPush bool `json:"pendingPush"`
}

// NewLocalID 生成本地占位 ID
func NewLocalID() string {
	return LocalIDPrefix + uuid.NewString()
}

// IsSynced 是否已获得远端 ID
func (c ContactRecord) IsSynced() bool {
	return !c.Remote.IsZero() && !strings.HasPrefix(c.ID, LocalIDPrefix)
}

// AssignRemote 首次推送成功后写入远端 ID；空 ID 不写入，返回 false
func (c *ContactRecord) AssignRemote(id RemoteID) bool {
	if id.IsZero() {
		return false
	}
	c.Remote = id
	c.ID = id.String()
	return true
}

// Account 平台注册用户
type Account struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Profile 转换为联系人上的 MemberProfile
func (a Account) Profile() *MemberProfile {
	name := a.DisplayName
	if name == "" {
		name = a.Username
	}
	return &MemberProfile{
		UserID:      a.ID,
		Username:    a.Username,
		DisplayName: name,
		AvatarURL:   a.AvatarURL,
	}
}

// ScanMetadata 最近一次扫描的元数据
type ScanMetadata struct {
	ScannedAt     time.Time `json:"scannedAt"`
	RawCount      int       `json:"rawCount"`
	PhoneCount    int       `json:"phoneCount"`
	SchemaVersion int       `json:"schemaVersion"`
}
