package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

const memoryMaxAttempts = 10

// MemoryBus 进程内消息通道，用于测试和单进程部署
// 与 Redis 版本保持同样的投递语义：至少一次，处理失败重新入队，
// 超过最大重试计入死信
type MemoryBus struct {
	mu      sync.Mutex
	seq     int64
	queue   []*memoryDelivery
	subs    map[string][]Handler
	history map[string][]*Message
}

type memoryDelivery struct {
	id       string
	stream   string
	msg      *Message
	attempts int
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:    make(map[string][]Handler),
		history: make(map[string][]*Message),
	}
}

// Publish 入队消息，保持全局发布顺序
func (b *MemoryBus) Publish(_ context.Context, stream string, msg *Message) error {
	if msg == nil {
		return fmt.Errorf("nil message")
	}
	if msg.DeliveryID == "" {
		msg.DeliveryID = uuid.NewString()
	}

	clone := *msg

	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.queue = append(b.queue, &memoryDelivery{
		id:     fmt.Sprintf("mem-%d", b.seq),
		stream: stream,
		msg:    &clone,
	})
	b.history[stream] = append(b.history[stream], &clone)
	return nil
}

// Subscribe 注册处理函数
func (b *MemoryBus) Subscribe(stream string, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[stream] = append(b.subs[stream], h)
}

// Step 投递队列中的下一条消息，返回是否有消息被投递
// 处理失败的消息重新入队尾部，超过最大重试移入死信历史
func (b *MemoryBus) Step(ctx context.Context) (bool, error) {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return false, nil
	}
	d := b.queue[0]
	b.queue = b.queue[1:]
	handlers := append([]Handler(nil), b.subs[d.stream]...)
	b.mu.Unlock()

	d.attempts++

	var handleErr error
	for _, h := range handlers {
		if err := h(ctx, &Delivery{ID: d.id, Stream: d.stream, Msg: d.msg}); err != nil {
			handleErr = err
		}
	}
	if handleErr == nil {
		return true, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if d.attempts >= memoryMaxAttempts {
		b.history[DLQStream(d.stream)] = append(b.history[DLQStream(d.stream)], d.msg)
		return true, fmt.Errorf("message %s dead-lettered after %d attempts: %w", d.id, d.attempts, handleErr)
	}
	b.queue = append(b.queue, d)
	return true, handleErr
}

// Drain 投递所有排队消息直到队列为空，返回投递次数
func (b *MemoryBus) Drain(ctx context.Context) (int, error) {
	delivered := 0
	for {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		ok, err := b.Step(ctx)
		if !ok {
			return delivered, nil
		}
		delivered++
		if err != nil {
			return delivered, err
		}
	}
}

// Published 返回某个流上已发布消息的副本
func (b *MemoryBus) Published(stream string) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Message, len(b.history[stream]))
	copy(out, b.history[stream])
	return out
}

// PendingCount 队列中等待投递的消息数
func (b *MemoryBus) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
