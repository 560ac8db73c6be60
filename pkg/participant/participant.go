// Package participant saga 参与方工具包。
//
// 参与方服务注册命令处理器，工具包消费自己通道的命令流，执行处理器并把
// 结果发回事件流。命令至少投递一次，处理器必须按幂等键幂等；配置防护层后
// 已成功上报过的命令会被直接跳过。
package participant

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/exchange/saga/pkg/channel"
	"github.com/exchange/saga/pkg/dedup"
	"github.com/exchange/saga/pkg/health"
	"github.com/exchange/saga/pkg/logger"
)

// Command 收到的一条命令
type Command struct {
	CorrelationID  string
	Definition     string
	Step           string
	Command        string
	Payload        json.RawMessage
	IdempotencyKey string
	// Compensation 为 true 表示这是补偿命令
	Compensation bool
}

// Result 处理器的执行产出。Event 须与定义中声明的事件名一致；
// Payload 在前向命令成功时并入 saga 业务数据。
type Result struct {
	Event   string
	Payload json.RawMessage
}

// Handler 业务处理器。返回 nil 错误上报 SUCCESS，返回错误上报 FAILURE，
// 错误文本作为失败原因。失败时可返回非空 Result 以携带失败事件名。
type Handler func(ctx context.Context, cmd *Command) (*Result, error)

// Publisher 结果发布端
type Publisher interface {
	Publish(ctx context.Context, stream string, msg *channel.Message) error
}

// Dedup 幂等防护层，可选
type Dedup interface {
	Seen(ctx context.Context, correlationID, step, deliveryID string) (bool, error)
	MarkIfNew(ctx context.Context, correlationID, step, deliveryID string) (dedup.Result, error)
}

// Options 参与方配置
type Options struct {
	// Name 参与方通道名，决定消费的命令流
	Name   string
	Bus    Publisher
	Logger *logger.Logger

	// Guard 已上报命令的防护层，可选
	Guard Dedup

	// 以下仅在使用 Start 启动自带消费者时需要
	Client          *redis.Client
	Group           string
	Consumer        string
	Metrics         channel.Metrics
	ConsumerOptions *channel.ConsumerOptions
}

// Participant 参与方运行时
type Participant struct {
	name     string
	bus      Publisher
	guard    Dedup
	log      *logger.Logger
	handlers map[string]Handler

	client       *redis.Client
	group        string
	consumerName string
	metrics      channel.Metrics
	consumerOpts *channel.ConsumerOptions
	consumer     *channel.Consumer
}

// New 创建参与方
func New(opts Options) (*Participant, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("participant: name is required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("participant: bus is required")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("participant: logger is required")
	}
	if opts.Group == "" {
		opts.Group = "participant-" + opts.Name
	}
	if opts.Consumer == "" {
		opts.Consumer = opts.Group + "-1"
	}
	return &Participant{
		name:         opts.Name,
		bus:          opts.Bus,
		guard:        opts.Guard,
		log:          opts.Logger.WithField("participant", opts.Name),
		handlers:     make(map[string]Handler),
		client:       opts.Client,
		group:        opts.Group,
		consumerName: opts.Consumer,
		metrics:      opts.Metrics,
		consumerOpts: opts.ConsumerOptions,
	}, nil
}

// Handle 注册命令处理器。前向命令和补偿命令的名字不同，共用一个注册表。
func (p *Participant) Handle(command string, h Handler) error {
	if command == "" {
		return fmt.Errorf("participant: empty command name")
	}
	if h == nil {
		return fmt.Errorf("participant: nil handler for %s", command)
	}
	if _, dup := p.handlers[command]; dup {
		return fmt.Errorf("participant: handler for %s already registered", command)
	}
	p.handlers[command] = h
	return nil
}

// Stream 返回本参与方消费的命令流
func (p *Participant) Stream() string {
	return channel.CommandStream(p.name)
}

// Start 启动自带的流消费者，需要配置 Redis 客户端
func (p *Participant) Start(ctx context.Context) error {
	if p.client == nil {
		return fmt.Errorf("participant: redis client is required to start the consumer")
	}
	consumer, err := channel.NewConsumer(channel.ConsumerConfig{
		Client:   p.client,
		Group:    p.group,
		Consumer: p.consumerName,
		Streams:  []string{p.Stream()},
		Handler:  p.HandleMessage,
		Logger:   p.log,
		Metrics:  p.metrics,
		Options:  p.consumerOpts,
	})
	if err != nil {
		return err
	}
	p.consumer = consumer
	return consumer.Start(ctx)
}

// Loop 返回消费循环监控器，未启动时返回 nil
func (p *Participant) Loop() *health.LoopMonitor {
	if p.consumer == nil {
		return nil
	}
	return p.consumer.Loop()
}

// HandleMessage 处理一条命令投递。返回 nil 表示 ACK，返回错误等待重投。
// 非命令消息和缺字段的命令直接 ACK，避免毒丸阻塞通道。
func (p *Participant) HandleMessage(ctx context.Context, d *channel.Delivery) error {
	msg := d.Msg
	var action, resultType string
	switch msg.Type {
	case channel.TypeExecuteStep:
		action, resultType = "execute", channel.TypeStepResult
	case channel.TypeCompensateStep:
		action, resultType = "compensate", channel.TypeCompensationResult
	default:
		p.log.Warnf("non-command message dropped", map[string]interface{}{
			"type":   msg.Type,
			"stream": d.Stream,
		})
		return nil
	}
	if err := msg.Validate(); err != nil {
		p.log.WithError(err).Warn("malformed command dropped")
		return nil
	}

	log := p.log.WithSaga(msg.CorrelationID).WithField("command", msg.Command)

	// 防护层命中说明这条命令已经成功执行并上报过，结果已落流，直接跳过。
	// 失败的执行不登记，引擎的重试会重新触发执行。
	if p.guard != nil {
		seen, err := p.guard.Seen(ctx, msg.CorrelationID, msg.Step, action)
		if err != nil {
			log.WithError(err).Warn("dedup probe failed, executing anyway")
		} else if seen {
			log.Debug("duplicate command skipped")
			return nil
		}
	}

	result := &channel.Message{
		Type:          resultType,
		CorrelationID: msg.CorrelationID,
		Definition:    msg.Definition,
		Step:          msg.Step,
	}

	handler, ok := p.handlers[msg.Command]
	if !ok {
		// 配置缺陷：让引擎尽快失败而不是等超时
		result.Outcome = channel.OutcomeFailure
		result.Reason = fmt.Sprintf("no handler registered for command %s", msg.Command)
		log.Error(result.Reason)
	} else {
		res, execErr := p.execute(ctx, handler, &Command{
			CorrelationID:  msg.CorrelationID,
			Definition:     msg.Definition,
			Step:           msg.Step,
			Command:        msg.Command,
			Payload:        msg.Payload,
			IdempotencyKey: msg.IdempotencyKey,
			Compensation:   msg.Type == channel.TypeCompensateStep,
		})
		if execErr != nil {
			result.Outcome = channel.OutcomeFailure
			result.Reason = execErr.Error()
			if res != nil {
				result.Event = res.Event
			}
			log.WithError(execErr).Warnf("command failed", map[string]interface{}{"step": msg.Step})
		} else {
			result.Outcome = channel.OutcomeSuccess
			if res != nil {
				result.Event = res.Event
				result.Payload = res.Payload
			}
		}
	}

	if err := p.bus.Publish(ctx, channel.StreamEvents, result); err != nil {
		// 结果没发出去就不 ACK，重投后处理器按幂等键去重
		log.WithError(err).Error("result publish failed")
		return err
	}

	if result.Outcome == channel.OutcomeSuccess && p.guard != nil {
		if _, err := p.guard.MarkIfNew(ctx, msg.CorrelationID, msg.Step, action); err != nil {
			log.WithError(err).Warn("dedup mark failed")
		}
	}
	return nil
}

// execute 运行处理器并把 panic 转换为失败结果
func (p *Participant) execute(ctx context.Context, h Handler, cmd *Command) (res *Result, err error) {
	defer func() {
		if v := recover(); v != nil {
			res = nil
			err = fmt.Errorf("handler panic: %v", v)
		}
	}()
	return h(ctx, cmd)
}
