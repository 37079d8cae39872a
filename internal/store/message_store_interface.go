package store

import (
	"context"

	"go-dm/internal/models"
)

// MessageRepository 抽象持久化消息存储，便于在 MongoDB/MySQL/内存之间切换：
// - Insert：写入一条草稿，分配 ID 与 CreatedAt 并返回完整消息
// - QueryConversation：按写入顺序返回两人之间的全部消息（双向，无序用户对）
// 持久层是唯一的权威数据源；缓存只保存它的一个后缀。
type MessageRepository interface {
	Insert(ctx context.Context, d *models.Draft) (*models.Message, error)
	QueryConversation(ctx context.Context, a, b string) ([]models.Message, error)
}
