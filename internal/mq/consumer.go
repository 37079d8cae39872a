package mq

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

// IndexHandler 消费 MessageSent，为双方更新会话索引。
// 写入失败时不提交位点并结束本轮会话，由消费组重平衡后重试；无法解析的消息直接跳过。
type IndexHandler struct {
	convs ConvIndexer
	log   zerolog.Logger
}

func NewIndexHandler(convs ConvIndexer, log zerolog.Logger) *IndexHandler {
	return &IndexHandler{convs: convs, log: log.With().Str("component", "conv-indexer").Logger()}
}

func (h *IndexHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *IndexHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *IndexHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if err := h.handle(sess.Context(), msg); err != nil {
			return err
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}

func (h *IndexHandler) handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var evt MessageSent
	if err := json.Unmarshal(msg.Value, &evt); err != nil || evt.Message.SenderID == "" || evt.Message.ReceiverID == "" {
		h.log.Warn().Err(err).Int64("offset", msg.Offset).Int32("partition", msg.Partition).Msg("skip malformed event")
		return nil
	}
	if err := h.convs.UpsertPair(ctx, &evt.Message); err != nil {
		h.log.Error().Err(err).Str("conversation", evt.ConversationKey).Msg("upsert conversation index")
		return err
	}
	return nil
}

// Consume 循环消费直到 ctx 结束（消费组重平衡后 Consume 会返回，需要重新进入）。
func Consume(ctx context.Context, group sarama.ConsumerGroup, topics []string, h sarama.ConsumerGroupHandler, log zerolog.Logger) error {
	for {
		if err := group.Consume(ctx, topics, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			log.Error().Err(err).Msg("consume error")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
