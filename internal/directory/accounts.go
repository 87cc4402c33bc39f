package directory

import (
	"context"
	"fmt"

	"bob-contactsync/internal/domain"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ListAccounts 读取全部平台注册用户（带 phone 字段），用于客户端侧匹配
// 没有号码的用户会被跳过
func (c *Client) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	body, err := c.read(ctx, "list accounts", "/users", func(r *resty.Request) {
		r.SetQueryParam("populate", "*")
	})
	if err != nil {
		return nil, err
	}
	env, err := decodeEnvelope(body)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	items, err := env.items()
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	accounts := make([]domain.Account, 0, len(items))
	skipped := 0
	for _, it := range items {
		acc, err := decodeAccount(it)
		if err != nil {
			return nil, fmt.Errorf("list accounts: %w", err)
		}
		if acc.Phone == "" {
			skipped++
			continue
		}
		accounts = append(accounts, acc)
	}

	c.logger.Debug("Listed platform accounts",
		zap.Int("count", len(accounts)),
		zap.Int("skipped_without_phone", skipped),
	)
	return accounts, nil
}
