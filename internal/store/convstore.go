package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go-dm/internal/models"
)

// 会话索引存储：每个参与者一行，记录与对端最近一次消息时间，驱动联系人排序。
type ConversationStore struct{ DB *sql.DB }

func NewConversationStore(db *sql.DB) *ConversationStore { return &ConversationStore{DB: db} }

// UpsertPair 为消息双方各写一行；last_message_at 只前进不后退（消费乱序/重放安全）。
func (s *ConversationStore) UpsertPair(ctx context.Context, m *models.Message) error {
	key := models.ConversationKey(m.SenderID, m.ReceiverID)
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO user_conversations(user_id, peer_id, conv_key, last_message_at) VALUES(?,?,?,?),(?,?,?,?) `+
			`ON DUPLICATE KEY UPDATE last_message_at=GREATEST(last_message_at, VALUES(last_message_at))`,
		m.SenderID, m.ReceiverID, key, m.CreatedAt,
		m.ReceiverID, m.SenderID, key, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert user conversations: %w", err)
	}
	return nil
}

// RecentPeers 返回 userID 的对端 -> 最近消息时间。
func (s *ConversationStore) RecentPeers(ctx context.Context, userID string) (map[string]time.Time, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT peer_id, last_message_at FROM user_conversations WHERE user_id=?`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user conversations: %w", err)
	}
	defer rows.Close()

	res := make(map[string]time.Time)
	for rows.Next() {
		var (
			peer string
			at   time.Time
		)
		if err := rows.Scan(&peer, &at); err != nil {
			return nil, fmt.Errorf("scan user conversation: %w", err)
		}
		res[peer] = at.UTC()
	}
	return res, rows.Err()
}
