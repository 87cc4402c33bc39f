package directory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"bob-contactsync/internal/domain"

	"github.com/go-resty/resty/v2"
)

// ListInvitations 读取当前用户发出的全部邀请
func (c *Client) ListInvitations(ctx context.Context) ([]domain.Invitation, error) {
	var all []domain.Invitation
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		body, err := c.read(ctx, "list invitations", "/invitations", func(r *resty.Request) {
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
			return nil, fmt.Errorf("list invitations: %w", err)
		}
		items, err := env.items()
		if err != nil {
			return nil, fmt.Errorf("list invitations: %w", err)
		}
		for _, it := range items {
			inv, err := decodeInvitation(it)
			if err != nil {
				return nil, fmt.Errorf("list invitations: %w", err)
			}
			all = append(all, inv)
		}
		if !env.morePages(page, len(items), c.pageSize) {
			break
		}
	}
	return all, nil
}

// CreateInvitation 创建远端邀请，返回远端 ID
func (c *Client) CreateInvitation(ctx context.Context, inv domain.Invitation) (domain.RemoteID, error) {
	body, err := c.send(ctx, "create invitation", http.MethodPost, "/invitations", c.timeout, func(r *resty.Request) {
		r.SetBody(dataBody(invitationPayload(inv)))
	})
	if err != nil {
		return domain.RemoteID{}, err
	}
	env, err := decodeEnvelope(body)
	if err != nil {
		return domain.RemoteID{}, fmt.Errorf("create invitation: %w", err)
	}
	items, err := env.items()
	if err != nil || len(items) == 0 {
		return domain.RemoteID{}, fmt.Errorf("create invitation: empty response")
	}
	created, err := decodeInvitation(items[0])
	if err != nil {
		return domain.RemoteID{}, fmt.Errorf("create invitation: %w", err)
	}
	return created.Remote, nil
}

// UpdateInvitation 更新状态 / 提醒次数
func (c *Client) UpdateInvitation(ctx context.Context, id domain.RemoteID, inv domain.Invitation) error {
	if id.IsZero() {
		return fmt.Errorf("update invitation: %w: missing remote id", domain.ErrInvalidInput)
	}
	return c.withFallback(id, func(key string) error {
		_, err := c.send(ctx, "update invitation", http.MethodPut, "/invitations/{id}", c.timeout, func(r *resty.Request) {
			r.SetPathParam("id", key).SetBody(dataBody(invitationPayload(inv)))
		})
		return err
	})
}

// DeleteInvitation 删除远端邀请；not-found 视为成功
func (c *Client) DeleteInvitation(ctx context.Context, id domain.RemoteID) error {
	if id.IsZero() {
		return nil
	}
	err := c.withFallback(id, func(key string) error {
		_, err := c.send(ctx, "delete invitation", http.MethodDelete, "/invitations/{id}", c.timeout, func(r *resty.Request) {
			r.SetPathParam("id", key)
		})
		return err
	})
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}
