// Package dedup 基于 Redis 的重复投递防护
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Result 投递检查结果
type Result int

const (
	// Fresh 首次投递
	Fresh Result = iota
	// Duplicate 重复投递
	Duplicate
)

func (r Result) String() string {
	if r == Duplicate {
		return "duplicate"
	}
	return "fresh"
}

const (
	defaultPrefix = "saga:dedup:"
	defaultTTL    = 24 * time.Hour
)

// Guard 按 (correlationId, step, deliveryId) 记录已处理的投递。
// 记录有保留窗口，权威判定仍以实例内随状态一起写入的 processed 窗口为准，
// 这里用于跨窗口和跨重启的快速过滤。
type Guard struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewGuard 创建防护，prefix 为空时使用 saga:dedup:，ttl 非正时使用 24h
func NewGuard(client *redis.Client, prefix string, ttl time.Duration) *Guard {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Guard{client: client, prefix: prefix, ttl: ttl}
}

func (g *Guard) key(correlationID, step, deliveryID string) string {
	return g.prefix + correlationID + ":" + step + ":" + deliveryID
}

// MarkIfNew 原子地检查并登记一次投递
// SETNX 成功表示首次，key 已存在表示重复
func (g *Guard) MarkIfNew(ctx context.Context, correlationID, step, deliveryID string) (Result, error) {
	if correlationID == "" || deliveryID == "" {
		return Fresh, fmt.Errorf("missing correlation id or delivery id")
	}
	ok, err := g.client.SetNX(ctx, g.key(correlationID, step, deliveryID), "1", g.ttl).Result()
	if err != nil {
		return Fresh, fmt.Errorf("mark delivery: %w", err)
	}
	if !ok {
		return Duplicate, nil
	}
	return Fresh, nil
}

// Seen 只检查不登记
func (g *Guard) Seen(ctx context.Context, correlationID, step, deliveryID string) (bool, error) {
	if correlationID == "" || deliveryID == "" {
		return false, fmt.Errorf("missing correlation id or delivery id")
	}
	n, err := g.client.Exists(ctx, g.key(correlationID, step, deliveryID)).Result()
	if err != nil {
		return false, fmt.Errorf("check delivery: %w", err)
	}
	return n > 0, nil
}
