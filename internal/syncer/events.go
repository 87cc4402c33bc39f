package syncer

import (
	"context"
	"time"

	commonredis "bob-contactsync/internal/common/redis"

	"github.com/go-redis/redis/v8"
)

// 事件类型
const (
	EventSyncCompleted   = "sync_completed"
	EventScanCompleted   = "scan_completed"
	EventImportCompleted = "import_completed"
	EventContactRemoved  = "contact_removed"
	EventLoggedOut       = "logged_out"
)

// Event 同步相关事件（供其他服务订阅，如通知/统计）
type Event struct {
	Type   string
	UserID string
	At     time.Time
	Fields map[string]interface{}
}

// Publisher 事件发布
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher 不发布
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// StreamPublisher 发布到 Redis Streams
type StreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewStreamPublisher 创建 Redis Streams 发布器
func NewStreamPublisher(client *redis.Client, stream string, maxLen int64) *StreamPublisher {
	return &StreamPublisher{client: client, stream: stream, maxLen: maxLen}
}

func (p *StreamPublisher) Publish(ctx context.Context, ev Event) error {
	values := make(map[string]interface{}, len(ev.Fields)+3)
	for k, v := range ev.Fields {
		values[k] = v
	}
	values["type"] = ev.Type
	values["user_id"] = ev.UserID
	values["at"] = ev.At.UTC().Format(time.RFC3339)
	_, err := commonredis.PublishToStream(ctx, p.client, p.stream, p.maxLen, values)
	return err
}
