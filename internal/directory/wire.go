package directory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"bob-contactsync/internal/domain"
	"bob-contactsync/internal/phone"
)

// flexID 远端 id 可能是数字也可能是字符串
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	*f = flexID(string(b))
	return nil
}

// wireItem 单条资源的外层：v4 为 {id, attributes:{...}}，v5 为 {id, documentId, ...扁平字段}
type wireItem struct {
	ID         flexID          `json:"id"`
	DocumentID string          `json:"documentId"`
	Attributes json.RawMessage `json:"attributes"`
}

func (w wireItem) remoteID() domain.RemoteID {
	if w.DocumentID != "" {
		fallback := string(w.ID)
		if fallback == w.DocumentID {
			fallback = ""
		}
		return domain.RemoteID{Primary: w.DocumentID, Fallback: fallback}
	}
	return domain.RemoteID{Primary: string(w.ID)}
}

// decodeItem 解析一条资源，把字段解码进 fields，返回统一的 RemoteID
func decodeItem(raw json.RawMessage, fields interface{}) (domain.RemoteID, error) {
	var item wireItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return domain.RemoteID{}, fmt.Errorf("failed to decode item: %w", err)
	}
	body := []byte(raw)
	if len(item.Attributes) > 0 && string(item.Attributes) != "null" {
		body = item.Attributes
	}
	if err := json.Unmarshal(body, fields); err != nil {
		return domain.RemoteID{}, fmt.Errorf("failed to decode item fields: %w", err)
	}
	return item.remoteID(), nil
}

type wirePagination struct {
	Page      int `json:"page"`
	PageSize  int `json:"pageSize"`
	PageCount int `json:"pageCount"`
	Total     int `json:"total"`
}

// envelope 列表/单条响应：{data, meta} 或裸数组 / 裸对象
type envelope struct {
	Data json.RawMessage
	Page wirePagination
}

func decodeEnvelope(body []byte) (envelope, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return envelope{}, nil
	}
	if body[0] == '[' {
		return envelope{Data: body}, nil
	}
	var payload struct {
		Data json.RawMessage `json:"data"`
		Meta struct {
			Pagination wirePagination `json:"pagination"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return envelope{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(payload.Data) == 0 {
		return envelope{Data: body}, nil
	}
	return envelope{Data: payload.Data, Page: payload.Meta.Pagination}, nil
}

// morePages 有分页信息时以 pageCount 为准；缺失时本页满页即继续
func (e envelope) morePages(page, got, pageSize int) bool {
	if e.Page.PageCount > 0 {
		return e.Page.PageCount > page
	}
	return got > 0 && got >= pageSize
}

func (e envelope) items() ([]json.RawMessage, error) {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil, nil
	}
	if e.Data[0] != '[' {
		return []json.RawMessage{e.Data}, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(e.Data, &items); err != nil {
		return nil, fmt.Errorf("failed to decode items: %w", err)
	}
	return items, nil
}

// wireContact 联系人字段
type wireContact struct {
	Name            string     `json:"name"`
	Phone           string     `json:"phone"`
	Email           string     `json:"email,omitempty"`
	Origin          string     `json:"origin,omitempty"`
	InvitationState string     `json:"invitationState,omitempty"`
	InvitationCount int        `json:"invitationCount"`
	UpdatedAt       *time.Time `json:"updatedAt,omitempty"`
}

func contactPayload(rec domain.ContactRecord) wireContact {
	state := string(rec.InvitationState)
	if state == "" {
		state = string(domain.InvitationNone)
	}
	return wireContact{
		Name:            rec.Name,
		Phone:           phone.Normalize(rec.Phone),
		Email:           rec.Email,
		Origin:          string(rec.Origin),
		InvitationState: state,
		InvitationCount: rec.InvitationCount,
	}
}

func decodeContact(raw json.RawMessage) (domain.ContactRecord, error) {
	var w wireContact
	id, err := decodeItem(raw, &w)
	if err != nil {
		return domain.ContactRecord{}, err
	}
	rec := domain.ContactRecord{
		Name:            strings.TrimSpace(w.Name),
		Phone:           phone.Normalize(w.Phone),
		Email:           strings.TrimSpace(w.Email),
		Origin:          domain.OriginRemotePull,
		InvitationState: domain.InvitationState(w.InvitationState),
		InvitationCount: w.InvitationCount,
	}
	if w.Origin != "" {
		rec.Origin = domain.Origin(w.Origin)
	}
	if rec.InvitationState == "" {
		rec.InvitationState = domain.InvitationNone
	}
	if w.UpdatedAt != nil {
		rec.LastUpdated = w.UpdatedAt.UTC()
	}
	rec.AssignRemote(id)
	return rec, nil
}

func decodeContacts(items []json.RawMessage) ([]domain.ContactRecord, error) {
	out := make([]domain.ContactRecord, 0, len(items))
	for _, it := range items {
		rec, err := decodeContact(it)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// wireAccount 平台用户字段（/users 一般为扁平结构）
type wireAccount struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	PhoneNumber string `json:"phoneNumber"`
	DisplayName string `json:"displayName"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	AvatarURL   string `json:"avatarUrl"`
	Avatar      *struct {
		URL string `json:"url"`
	} `json:"avatar"`
}

func decodeAccount(raw json.RawMessage) (domain.Account, error) {
	var w wireAccount
	id, err := decodeItem(raw, &w)
	if err != nil {
		return domain.Account{}, err
	}
	number := w.Phone
	if number == "" {
		number = w.PhoneNumber
	}
	display := w.DisplayName
	if display == "" {
		display = strings.TrimSpace(w.FirstName + " " + w.LastName)
	}
	avatar := w.AvatarURL
	if avatar == "" && w.Avatar != nil {
		avatar = w.Avatar.URL
	}
	return domain.Account{
		ID:          id.String(),
		Username:    w.Username,
		Email:       w.Email,
		Phone:       phone.Normalize(number),
		DisplayName: display,
		AvatarURL:   avatar,
	}, nil
}

// wireInvitation 邀请字段
type wireInvitation struct {
	ContactPhone  string     `json:"contactPhone"`
	Channel       string     `json:"channel"`
	Status        string     `json:"status"`
	SentAt        *time.Time `json:"sentAt,omitempty"`
	RemindedAt    *time.Time `json:"remindedAt,omitempty"`
	ReminderCount int        `json:"reminderCount"`
	ReferralCode  string     `json:"referralCode"`
}

func invitationPayload(inv domain.Invitation) wireInvitation {
	w := wireInvitation{
		ContactPhone:  inv.ContactPhone,
		Channel:       string(inv.Channel),
		Status:        string(inv.Status),
		RemindedAt:    inv.RemindedAt,
		ReminderCount: inv.ReminderCount,
		ReferralCode:  inv.ReferralCode,
	}
	if !inv.SentAt.IsZero() {
		sent := inv.SentAt
		w.SentAt = &sent
	}
	return w
}

func decodeInvitation(raw json.RawMessage) (domain.Invitation, error) {
	var w wireInvitation
	id, err := decodeItem(raw, &w)
	if err != nil {
		return domain.Invitation{}, err
	}
	inv := domain.Invitation{
		ID:            id.String(),
		Remote:        id,
		ContactPhone:  phone.Normalize(w.ContactPhone),
		Channel:       domain.Channel(w.Channel),
		Status:        domain.InvitationStatus(w.Status),
		RemindedAt:    w.RemindedAt,
		ReminderCount: w.ReminderCount,
		ReferralCode:  w.ReferralCode,
	}
	if w.SentAt != nil {
		inv.SentAt = w.SentAt.UTC()
	}
	return inv, nil
}

// dataBody Strapi 风格的写请求体 {"data": {...}}
func dataBody(v interface{}) map[string]interface{} {
	return map[string]interface{}{"data": v}
}
