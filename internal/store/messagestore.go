package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go-dm/internal/models"

	"github.com/google/uuid"
)

// SQLMessageStore 基于 SQL 的消息存储实现（MySQL/TiDB 兼容）。
// 约束：
// - seq 自增主键决定会话内全序（同毫秒写入也不会乱序）
// - idx_conv_seq(conv_key, seq) 支撑按会话顺序拉取
// - conv_key 冗余存储无序用户对，避免 (a,b) OR (b,a) 的双条件查询
type SQLMessageStore struct {
	DB  *sql.DB
	now func() time.Time
}

func NewSQLMessageStore(db *sql.DB) *SQLMessageStore {
	return &SQLMessageStore{DB: db, now: time.Now}
}

// Insert 写入消息；时间截断到毫秒，与 JSON/缓存中的表示一致。
func (s *SQLMessageStore) Insert(ctx context.Context, d *models.Draft) (*models.Message, error) {
	m := &models.Message{
		ID:         uuid.NewString(),
		SenderID:   d.SenderID,
		ReceiverID: d.ReceiverID,
		Text:       d.Text,
		ImageURL:   d.ImageURL,
		CreatedAt:  s.now().UTC().Truncate(time.Millisecond),
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO messages(id, conv_key, sender_id, receiver_id, text, image, created_at) VALUES(?,?,?,?,?,?,?)`,
		m.ID, models.ConversationKey(m.SenderID, m.ReceiverID), m.SenderID, m.ReceiverID, m.Text, m.ImageURL, m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

// QueryConversation 拉取会话全部历史，按 seq 正序。
func (s *SQLMessageStore) QueryConversation(ctx context.Context, a, b string) ([]models.Message, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, sender_id, receiver_id, text, image, created_at FROM messages WHERE conv_key=? ORDER BY seq ASC`,
		models.ConversationKey(a, b))
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	defer rows.Close()

	res := []models.Message{}
	for rows.Next() {
		var (
			m           models.Message
			text, image sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &text, &image, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Text, m.ImageURL = text.String, image.String
		m.CreatedAt = m.CreatedAt.UTC()
		res = append(res, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return res, nil
}
