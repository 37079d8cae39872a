package mq

import (
	"context"
	"encoding/json"
	"fmt"

	"go-dm/internal/models"
)

// MessageSent 消息入库后发布的事件，key 为会话键。
type MessageSent struct {
	ConversationKey string         `json:"conversationKey"`
	Message         models.Message `json:"message"`
}

// ConvIndexer 会话索引写入（store.ConversationStore）。
type ConvIndexer interface {
	UpsertPair(ctx context.Context, m *models.Message) error
}

// KafkaPublisher 把 MessageSent 写入 Kafka，由 conv_indexer 异步消费。
type KafkaPublisher struct {
	producer *KafkaProducer
}

func NewKafkaPublisher(p *KafkaProducer) *KafkaPublisher { return &KafkaPublisher{producer: p} }

func (p *KafkaPublisher) PublishMessageSent(ctx context.Context, m *models.Message) error {
	key := models.ConversationKey(m.SenderID, m.ReceiverID)
	b, err := json.Marshal(MessageSent{ConversationKey: key, Message: *m})
	if err != nil {
		return fmt.Errorf("encode message sent: %w", err)
	}
	return p.producer.Publish(ctx, b, []byte(key))
}

// InlineIndexer 未配置 Kafka 时直接更新会话索引。
type InlineIndexer struct {
	convs ConvIndexer
}

func NewInlineIndexer(convs ConvIndexer) *InlineIndexer { return &InlineIndexer{convs: convs} }

func (i *InlineIndexer) PublishMessageSent(ctx context.Context, m *models.Message) error {
	return i.convs.UpsertPair(ctx, m)
}
