package channel

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/exchange/saga/pkg/health"
	"github.com/exchange/saga/pkg/logger"
	"github.com/exchange/saga/pkg/tracing"
)

// Delivery 一次消息投递
type Delivery struct {
	ID     string // 流条目 ID
	Stream string
	Msg    *Message
}

// Handler 消息处理函数，返回 nil 则 ACK，返回错误则等待重投
type Handler func(ctx context.Context, d *Delivery) error

// Metrics 流消费指标挂钩
type Metrics interface {
	SetStreamPending(stream string, n float64)
	IncStreamError(stream string)
	IncStreamDLQ(stream string)
}

type noopMetrics struct{}

func (noopMetrics) SetStreamPending(string, float64) {}
func (noopMetrics) IncStreamError(string)            {}
func (noopMetrics) IncStreamDLQ(string)              {}

// ConsumerOptions 消费者选项
type ConsumerOptions struct {
	BatchSize            int64         // 每次读取的消息数
	BlockTime            time.Duration // 阻塞等待时间
	MaxRetries           int64         // 超过后进入死信流
	ClaimMinIdle         time.Duration // 认领空闲消息的最小时间
	PendingCheckInterval time.Duration // 周期性处理 pending 的间隔
}

// DefaultConsumerOptions 默认选项
var DefaultConsumerOptions = ConsumerOptions{
	BatchSize:            100,
	BlockTime:            time.Second,
	MaxRetries:           10,
	ClaimMinIdle:         30 * time.Second,
	PendingCheckInterval: 30 * time.Second,
}

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Client   *redis.Client
	Group    string
	Consumer string
	Streams  []string
	Handler  Handler
	Logger   *logger.Logger
	Metrics  Metrics             // 可选
	Loop     *health.LoopMonitor // 可选，外部提供时用于健康检查
	Options  *ConsumerOptions    // nil 使用默认
}

// Consumer 消费者组消费端
type Consumer struct {
	client   *redis.Client
	group    string
	consumer string
	streams  []string
	handler  Handler
	log      *logger.Logger
	metrics  Metrics
	loop     *health.LoopMonitor
	opts     ConsumerOptions
}

// NewConsumer 创建消费者
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("nil redis client")
	}
	if cfg.Group == "" || cfg.Consumer == "" {
		return nil, fmt.Errorf("group and consumer are required")
	}
	if len(cfg.Streams) == 0 {
		return nil, fmt.Errorf("at least one stream is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("nil handler")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("nil logger")
	}

	opts := DefaultConsumerOptions
	if cfg.Options != nil {
		opts = *cfg.Options
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	loop := cfg.Loop
	if loop == nil {
		loop = &health.LoopMonitor{}
	}

	return &Consumer{
		client:   cfg.Client,
		group:    cfg.Group,
		consumer: cfg.Consumer,
		streams:  cfg.Streams,
		handler:  cfg.Handler,
		log:      cfg.Logger,
		metrics:  metrics,
		loop:     loop,
		opts:     opts,
	}, nil
}

// Loop 返回消费循环监控器
func (c *Consumer) Loop() *health.LoopMonitor {
	return c.loop
}

// Start 创建消费者组并启动后台消费
func (c *Consumer) Start(ctx context.Context) error {
	for _, stream := range c.streams {
		err := c.client.XGroupCreateMkStream(ctx, stream, c.group, "0").Err()
		if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
			return fmt.Errorf("create group %s on %s: %w", c.group, stream, err)
		}
	}

	go c.run(ctx)
	return nil
}

// run 带 panic 恢复的消费循环，崩溃后短暂等待重启
func (c *Consumer) run(ctx context.Context) {
	for ctx.Err() == nil {
		func() {
			defer func() {
				if v := recover(); v != nil {
					err := fmt.Errorf("consume loop panic: %v", v)
					c.loop.SetError(err)
					c.log.Errorf("consume loop panic", map[string]interface{}{
						"panic": fmt.Sprint(v),
						"stack": string(debug.Stack()),
					})
				}
			}()
			c.consumeLoop(ctx)
		}()

		if ctx.Err() == nil {
			time.Sleep(time.Second)
		}
	}
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	pendingTicker := time.NewTicker(c.opts.PendingCheckInterval)
	defer pendingTicker.Stop()

	c.processPending(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-pendingTicker.C:
			c.processPending(ctx)
			continue
		default:
		}

		c.loop.Tick()

		if err := c.consumeOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.loop.SetError(err)
			c.log.WithError(err).Error("read streams failed")
			time.Sleep(500 * time.Millisecond)
			continue
		}
		c.loop.ClearError()
	}
}

// consumeOnce 读取并处理一批消息
func (c *Consumer) consumeOnce(ctx context.Context) error {
	args := make([]string, 0, len(c.streams)*2)
	args = append(args, c.streams...)
	for range c.streams {
		args = append(args, ">")
	}

	results, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  args,
		Count:    c.opts.BatchSize,
		Block:    c.opts.BlockTime,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return fmt.Errorf("xreadgroup: %w", err)
	}

	for _, result := range results {
		for _, m := range result.Messages {
			c.processMessage(ctx, result.Stream, m)
		}
	}
	return nil
}

// processMessage 处理单条消息
// 1. 解码失败的消息直接 ACK，避免毒丸阻塞
// 2. 处理成功 ACK
// 3. 处理失败不 ACK，超过最大重试由 pending 检查移入死信流
func (c *Consumer) processMessage(ctx context.Context, stream string, m redis.XMessage) {
	msg, err := DecodeMessage(m.Values)
	if err != nil {
		c.log.Warnf("discard malformed message", map[string]interface{}{
			"stream": stream,
			"msgId":  m.ID,
			"error":  err.Error(),
		})
		c.metrics.IncStreamError(stream)
		c.ack(ctx, stream, m.ID)
		return
	}

	msgCtx := tracing.ExtractStream(ctx, m.Values)
	msgCtx = logger.ContextWithCorrelationID(msgCtx, msg.CorrelationID)

	if err := c.handler(msgCtx, &Delivery{ID: m.ID, Stream: stream, Msg: msg}); err != nil {
		c.metrics.IncStreamError(stream)
		c.log.WithError(err).Warnf("message handling failed, leaving pending", map[string]interface{}{
			"stream":        stream,
			"msgId":         m.ID,
			"type":          msg.Type,
			"correlationId": msg.CorrelationID,
		})
		return
	}

	c.ack(ctx, stream, m.ID)
}

// processPending 认领超时未确认的消息，超过最大重试的移入死信流
func (c *Consumer) processPending(ctx context.Context) {
	for _, stream := range c.streams {
		summary, err := c.client.XPending(ctx, stream, c.group).Result()
		if err != nil {
			if ctx.Err() == nil {
				c.log.WithError(err).WithField("stream", stream).Warn("xpending summary failed")
			}
			continue
		}
		c.metrics.SetStreamPending(stream, float64(summary.Count))
		if summary.Count == 0 {
			continue
		}

		pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  c.group,
			Start:  "-",
			End:    "+",
			Count:  c.opts.BatchSize,
		}).Result()
		if err != nil {
			c.log.WithError(err).WithField("stream", stream).Warn("xpending failed")
			continue
		}

		ids := make([]string, 0, len(pending))
		dlqIDs := make(map[string]int64)
		for _, p := range pending {
			if p.Idle < c.opts.ClaimMinIdle {
				continue
			}
			ids = append(ids, p.ID)
			if c.opts.MaxRetries > 0 && p.RetryCount > c.opts.MaxRetries {
				dlqIDs[p.ID] = p.RetryCount
			}
		}
		if len(ids) == 0 {
			continue
		}

		claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    c.group,
			Consumer: c.consumer,
			MinIdle:  c.opts.ClaimMinIdle,
			Messages: ids,
		}).Result()
		if err != nil {
			c.log.WithError(err).WithField("stream", stream).Warn("xclaim failed")
			continue
		}

		for _, m := range claimed {
			if retryCount, toDLQ := dlqIDs[m.ID]; toDLQ {
				if err := c.sendToDLQ(ctx, stream, m, fmt.Sprintf("max retries exceeded: %d", retryCount)); err != nil {
					c.log.WithError(err).WithField("msgId", m.ID).Error("send to dlq failed")
					continue
				}
				c.metrics.IncStreamDLQ(stream)
				c.ack(ctx, stream, m.ID)
				continue
			}
			c.processMessage(ctx, stream, m)
		}
	}
}

func (c *Consumer) sendToDLQ(ctx context.Context, stream string, m redis.XMessage, reason string) error {
	values := map[string]interface{}{
		"stream":   stream,
		"msgId":    m.ID,
		"reason":   reason,
		"data":     m.Values["data"],
		"tsMs":     time.Now().UnixMilli(),
		"group":    c.group,
		"consumer": c.consumer,
	}
	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: DLQStream(stream),
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("xadd dlq: %w", err)
	}
	return nil
}

func (c *Consumer) ack(ctx context.Context, stream, id string) {
	if err := c.client.XAck(ctx, stream, c.group, id).Err(); err != nil && ctx.Err() == nil {
		c.log.WithError(err).WithField("msgId", id).Warn("ack failed")
	}
}
