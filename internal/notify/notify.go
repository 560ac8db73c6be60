// Package notify publishes final saga outcomes to Redis pub/sub.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/exchange/saga/pkg/channel"
)

const sagaNotifyChannelTemplate = "saga:notify:{correlationId}"

// Publisher publishes terminal outcomes on a per-saga channel so a caller
// can subscribe for its own correlation id without consuming the outcome
// stream. The stream remains the durable record; this channel is advisory.
type Publisher struct {
	client        *redis.Client
	channelFormat string
	hasCorrID     bool
}

// NewPublisher creates a publisher. An empty channel uses the default
// saga:notify:{correlationId} template.
func NewPublisher(client *redis.Client, channelTemplate string) *Publisher {
	if channelTemplate == "" {
		channelTemplate = sagaNotifyChannelTemplate
	}
	format, hasCorrID := normalizeChannelFormat(channelTemplate)
	return &Publisher{
		client:        client,
		channelFormat: format,
		hasCorrID:     hasCorrID,
	}
}

// Outcome is the notification payload.
type Outcome struct {
	CorrelationID string          `json:"correlationId"`
	Definition    string          `json:"definition"`
	Reason        string          `json:"reason,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Publish publishes a terminal outcome message.
func (p *Publisher) Publish(ctx context.Context, msg *channel.Message) error {
	envelope := map[string]interface{}{
		"channel": "saga",
		"event":   msg.Type,
		"data": Outcome{
			CorrelationID: msg.CorrelationID,
			Definition:    msg.Definition,
			Reason:        msg.Reason,
			Payload:       msg.Payload,
		},
	}

	raw, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	targetChannel := p.channelFormat
	if p.hasCorrID {
		targetChannel = fmt.Sprintf(p.channelFormat, msg.CorrelationID)
	}
	return p.client.Publish(ctx, targetChannel, raw).Err()
}

func normalizeChannelFormat(template string) (string, bool) {
	if strings.Contains(template, "{correlationId}") {
		return strings.ReplaceAll(template, "{correlationId}", "%s"), true
	}
	return template, false
}
