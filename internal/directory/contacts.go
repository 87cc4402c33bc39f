package directory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"bob-contactsync/internal/domain"
	"bob-contactsync/internal/phone"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// List 分页读取当前用户的全部联系人；每页之间检查 ctx
func (c *Client) List(ctx context.Context) ([]domain.ContactRecord, error) {
	var all []domain.ContactRecord
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		body, err := c.read(ctx, "list contacts", "/contacts", func(r *resty.Request) {
			r.SetQueryParams(map[string]string{
				"pagination[page]":     strconv.Itoa(page),
				"pagination[pageSize]": strconv.Itoa(c.pageSize),
			})
		})
		if err != nil {
			return nil, err
		}
		env, err := decodeEnvelope(body)
		if err != nil {
			return nil, fmt.Errorf("list contacts: %w", err)
		}
		items, err := env.items()
		if err != nil {
			return nil, fmt.Errorf("list contacts: %w", err)
		}
		recs, err := decodeContacts(items)
		if err != nil {
			return nil, fmt.Errorf("list contacts: %w", err)
		}
		all = append(all, recs...)

		if !env.morePages(page, len(items), c.pageSize) {
			break
		}
	}

	c.logger.Debug("Listed remote contacts", zap.Int("count", len(all)))
	return all, nil
}

// FindByPhone 按规范化号码查找联系人；不存在返回 ErrNotFound
func (c *Client) FindByPhone(ctx context.Context, number string) (*domain.ContactRecord, error) {
	p := phone.Normalize(number)
	if p == "" {
		return nil, fmt.Errorf("find contact: %w: empty phone", domain.ErrInvalidInput)
	}
	body, err := c.read(ctx, "find contact", "/contacts", func(r *resty.Request) {
		r.SetQueryParams(map[string]string{
			"filters[phone][$eq]":  p,
			"pagination[pageSize]": "1",
		})
	})
	if err != nil {
		return nil, err
	}
	env, err := decodeEnvelope(body)
	if err != nil {
		return nil, fmt.Errorf("find contact: %w", err)
	}
	items, err := env.items()
	if err != nil {
		return nil, fmt.Errorf("find contact: %w", err)
	}
	recs, err := decodeContacts(items)
	if err != nil {
		return nil, fmt.Errorf("find contact: %w", err)
	}
	for i := range recs {
		if recs[i].Phone == p {
			return &recs[i], nil
		}
	}
	return nil, fmt.Errorf("find contact %s: %w", p, domain.ErrNotFound)
}

// Create 创建联系人；已存在时返回远端已有记录
func (c *Client) Create(ctx context.Context, rec domain.ContactRecord) (domain.ContactRecord, error) {
	out, _, err := c.CreateOrGet(ctx, rec)
	return out, err
}

// CreateOrGet 创建前先按号码查找（避免触发远端唯一键冲突）；
// 创建仍然冲突时同样走查找并返回。existed 表示远端已有该号码。
func (c *Client) CreateOrGet(ctx context.Context, rec domain.ContactRecord) (out domain.ContactRecord, existed bool, err error) {
	p := phone.Normalize(rec.Phone)
	if p == "" {
		return domain.ContactRecord{}, false, fmt.Errorf("create contact: %w: empty phone", domain.ErrInvalidInput)
	}

	existing, err := c.FindByPhone(ctx, p)
	if err == nil {
		c.logger.Debug("Contact already exists remotely, skipping create", zap.String("phone", p))
		return *existing, true, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.ContactRecord{}, false, err
	}

	body, err := c.send(ctx, "create contact", http.MethodPost, "/contacts", c.timeout, func(r *resty.Request) {
		r.SetBody(dataBody(contactPayload(rec)))
	})
	if errors.Is(err, domain.ErrConflict) {
		c.logger.Info("Create conflicted, resolving by lookup", zap.String("phone", p))
		existing, lerr := c.FindByPhone(ctx, p)
		if lerr != nil {
			return domain.ContactRecord{}, false, fmt.Errorf("resolve conflict for %s: %w", p, lerr)
		}
		return *existing, true, nil
	}
	if err != nil {
		return domain.ContactRecord{}, false, err
	}

	created, err := decodeSingleContact(body)
	if err != nil {
		return domain.ContactRecord{}, false, fmt.Errorf("create contact: %w", err)
	}
	return created, false, nil
}

// Update 更新联系人；主 ID 返回 not-found 时用备用 ID 再试一次
func (c *Client) Update(ctx context.Context, id domain.RemoteID, rec domain.ContactRecord) (domain.ContactRecord, error) {
	if id.IsZero() {
		return domain.ContactRecord{}, fmt.Errorf("update contact: %w: missing remote id", domain.ErrInvalidInput)
	}
	var out domain.ContactRecord
	err := c.withFallback(id, func(key string) error {
		body, err := c.send(ctx, "update contact", http.MethodPut, "/contacts/{id}", c.timeout, func(r *resty.Request) {
			r.SetPathParam("id", key).SetBody(dataBody(contactPayload(rec)))
		})
		if err != nil {
			return err
		}
		out, err = decodeSingleContact(body)
		return err
	})
	if err != nil {
		return domain.ContactRecord{}, err
	}
	return out, nil
}

// Delete 删除联系人；not-found 视为成功（目标状态“记录不存在”已达成）
func (c *Client) Delete(ctx context.Context, id domain.RemoteID) error {
	if id.IsZero() {
		return nil
	}
	err := c.withFallback(id, func(key string) error {
		_, err := c.send(ctx, "delete contact", http.MethodDelete, "/contacts/{id}", c.timeout, func(r *resty.Request) {
			r.SetPathParam("id", key)
		})
		return err
	})
	if errors.Is(err, domain.ErrNotFound) {
		c.logger.Debug("Contact already absent remotely", zap.String("remote_id", id.String()))
		return nil
	}
	return err
}

// withFallback 先用主 ID，not-found 时再用备用 ID
func (c *Client) withFallback(id domain.RemoteID, fn func(key string) error) error {
	primary := id.Primary
	if primary == "" {
		primary = id.Fallback
	}
	err := fn(primary)
	if errors.Is(err, domain.ErrNotFound) && id.Fallback != "" && id.Fallback != primary {
		c.logger.Debug("Primary id not found, retrying with fallback id",
			zap.String("primary", primary),
			zap.String("fallback", id.Fallback),
		)
		return fn(id.Fallback)
	}
	return err
}

func decodeSingleContact(body []byte) (domain.ContactRecord, error) {
	env, err := decodeEnvelope(body)
	if err != nil {
		return domain.ContactRecord{}, err
	}
	items, err := env.items()
	if err != nil {
		return domain.ContactRecord{}, err
	}
	if len(items) == 0 {
		return domain.ContactRecord{}, fmt.Errorf("empty response")
	}
	return decodeContact(items[0])
}
