package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/exchange/saga/pkg/tracing"
)

const (
	publishAttempts    = 5
	publishBaseDelay   = 200 * time.Millisecond
	publishMaxDelay    = 2 * time.Second
	publishAttemptTime = 2 * time.Second
)

// Bus Redis Streams 发布端
type Bus struct {
	client *redis.Client
	maxLen int64
}

// NewBus 创建发布端，maxLen > 0 时按近似长度裁剪流
func NewBus(client *redis.Client, maxLen int64) *Bus {
	return &Bus{client: client, maxLen: maxLen}
}

// Publish 发布消息，带指数退避重试
func (b *Bus) Publish(ctx context.Context, stream string, msg *Message) error {
	_, err := b.publish(ctx, stream, msg)
	return err
}

// PublishID 发布消息并返回流条目 ID
func (b *Bus) PublishID(ctx context.Context, stream string, msg *Message) (string, error) {
	return b.publish(ctx, stream, msg)
}

func (b *Bus) publish(ctx context.Context, stream string, msg *Message) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("nil message")
	}
	if msg.DeliveryID == "" {
		msg.DeliveryID = uuid.NewString()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	values, err := msg.Encode()
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	tracing.InjectStream(ctx, values)

	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}

	var id string
	err = retry.Do(
		func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, publishAttemptTime)
			defer cancel()

			var xerr error
			id, xerr = b.client.XAdd(attemptCtx, args).Result()
			return xerr
		},
		retry.Context(ctx),
		retry.Attempts(publishAttempts),
		retry.Delay(publishBaseDelay),
		retry.MaxDelay(publishMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// StreamInfo 流信息
type StreamInfo struct {
	Length         int64
	FirstEntry     string
	LastEntry      string
	ConsumerGroups int64
}

// Info 获取流信息
func (b *Bus) Info(ctx context.Context, stream string) (*StreamInfo, error) {
	info, err := b.client.XInfoStream(ctx, stream).Result()
	if err != nil {
		return nil, err
	}

	return &StreamInfo{
		Length:         info.Length,
		FirstEntry:     info.FirstEntry.ID,
		LastEntry:      info.LastEntry.ID,
		ConsumerGroups: int64(info.Groups),
	}, nil
}

// Trim 裁剪流
func (b *Bus) Trim(ctx context.Context, stream string, maxLen int64) error {
	return b.client.XTrimMaxLen(ctx, stream, maxLen).Err()
}
