package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"bob-contactsync/internal/config"
	"bob-contactsync/internal/domain"
	"bob-contactsync/internal/retry"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// TokenProvider 登录会话提供的 token；返回空串表示无法同步
type TokenProvider interface {
	ValidToken(ctx context.Context) (string, error)
}

// StaticToken 固定 token（CLI / 测试）
type StaticToken string

func (s StaticToken) ValidToken(context.Context) (string, error) { return string(s), nil }

// RemoteError 无法归类到错误分类中的远端错误（例如 400 校验失败）
type RemoteError struct {
	Op      string
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: remote returned %d: %s", e.Op, e.Status, e.Message)
}

// Client 远端通讯录服务客户端
// 远端的两种 payload 形态（attributes 包裹 / 扁平字段）和两种 ID 在此统一，其他组件只看到 domain 类型
type Client struct {
	httpClient  *resty.Client
	tokens      TokenProvider
	limiter     *rate.Limiter
	readRetry   retry.Policy
	timeout     time.Duration
	bulkTimeout time.Duration
	pageSize    int
	logger      *zap.Logger
}

// NewClient 创建通讯录客户端
// 读操作（幂等）在客户端内按 readRetry 重试；写操作的重试由调用方（syncer 的 chunk 重试）负责
func NewClient(cfg config.DirectoryConfig, tokens TokenProvider, readRetry retry.Policy, logger *zap.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	bulkTimeout := cfg.BulkTimeout
	if bulkTimeout <= 0 {
		bulkTimeout = 30 * time.Second
	}

	return &Client{
		httpClient:  httpClient,
		tokens:      tokens,
		limiter:     rate.NewLimiter(limit, burst),
		readRetry:   readRetry,
		timeout:     timeout,
		bulkTimeout: bulkTimeout,
		pageSize:    100,
		logger:      logger,
	}
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.tokens == nil {
		return "", domain.ErrUnauthenticated
	}
	tok, err := c.tokens.ValidToken(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
	if tok == "" {
		return "", domain.ErrUnauthenticated
	}
	return tok, nil
}

// send 发送一次请求；token 缺失时不会发出任何请求
func (c *Client) send(ctx context.Context, op, method, path string, timeout time.Duration, build func(*resty.Request)) ([]byte, error) {
	tok, err := c.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := c.httpClient.R().SetContext(reqCtx).SetAuthToken(tok)
	if build != nil {
		build(req)
	}

	start := time.Now()
	resp, err := req.Execute(method, path)
	if cerr := classify(ctx, op, resp, err); cerr != nil {
		c.logger.Debug("Directory request failed",
			zap.String("op", op),
			zap.String("method", method),
			zap.String("path", path),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(cerr),
		)
		return nil, cerr
	}

	c.logger.Debug("Directory request",
		zap.String("op", op),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status_code", resp.StatusCode()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return resp.Body(), nil
}

// read 幂等读请求，网络类失败按 readRetry 重试
func (c *Client) read(ctx context.Context, op, path string, build func(*resty.Request)) ([]byte, error) {
	var body []byte
	err := c.readRetry.Do(ctx, func(ctx context.Context) error {
		b, err := c.send(ctx, op, http.MethodGet, path, c.timeout, build)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	return body, err
}

// classify 把传输错误和 HTTP 状态码映射到错误分类
// 超时与网络错误同样视为 ErrNetworkFailure；调用方主动取消则原样返回
func classify(ctx context.Context, op string, resp *resty.Response, err error) error {
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return fmt.Errorf("%s: %w: %v", op, domain.ErrNetworkFailure, err)
	}

	status := resp.StatusCode()
	if status >= 200 && status < 300 {
		return nil
	}

	msg := errorMessage(resp.Body())
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%s: %w (%d)", op, domain.ErrUnauthenticated, status)
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	case status == http.StatusConflict:
		return fmt.Errorf("%s: %w: %s", op, domain.ErrConflict, msg)
	case status == http.StatusBadRequest && isUniqueViolation(msg):
		return fmt.Errorf("%s: %w: %s", op, domain.ErrConflict, msg)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%s: %w: status %d: %s", op, domain.ErrNetworkFailure, status, msg)
	default:
		return &RemoteError{Op: op, Status: status, Message: msg}
	}
}

// errorMessage 解析 {"error":{"message":...}} 或 {"message":...}
func errorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   struct {
			Name    string `json:"name"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error.Message != "" {
			return payload.Error.Message
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func isUniqueViolation(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "unique") || strings.Contains(m, "already exist") || strings.Contains(m, "duplicate")
}

// IsRemoteError 是否为未分类的远端错误
func IsRemoteError(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
