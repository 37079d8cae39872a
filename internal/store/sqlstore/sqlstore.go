package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

type Stores struct {
	Primary *sql.DB // MySQL：用户、会话索引
	Message *sql.DB // TiDB（或 MySQL）：消息，仅 messageDB=mysql 时使用
}

// OpenStores 打开主库与消息库；messageDSN 为空时消息库复用主库连接池。
func OpenStores(primaryDSN, messageDSN string) (*Stores, error) {
	primary, err := Open(primaryDSN)
	if err != nil {
		return nil, err
	}
	st := &Stores{Primary: primary, Message: primary}
	if messageDSN != "" && messageDSN != primaryDSN {
		if st.Message, err = Open(messageDSN); err != nil {
			primary.Close()
			return nil, err
		}
	}
	return st, nil
}

func (s *Stores) Close() error {
	err := s.Primary.Close()
	if s.Message != s.Primary {
		if e := s.Message.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

func Open(dsn string) (*sql.DB, error) {
	// parseTime=true 让 DATETIME 直接扫描为 time.Time
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(20)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

var primarySchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id CHAR(36) NOT NULL PRIMARY KEY,
		email VARCHAR(255) NOT NULL,
		full_name VARCHAR(64) NOT NULL,
		password_hash VARCHAR(100) NOT NULL,
		profile_pic VARCHAR(512) NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE KEY uniq_email (email)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS user_conversations (
		user_id CHAR(36) NOT NULL,
		peer_id CHAR(36) NOT NULL,
		conv_key VARCHAR(80) NOT NULL,
		last_message_at DATETIME(3) NOT NULL,
		PRIMARY KEY (user_id, peer_id),
		KEY idx_user_recent (user_id, last_message_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

var messageSchema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		seq BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		id CHAR(36) NOT NULL,
		conv_key VARCHAR(80) NOT NULL,
		sender_id CHAR(36) NOT NULL,
		receiver_id CHAR(36) NOT NULL,
		text TEXT NULL,
		image VARCHAR(512) NULL,
		created_at DATETIME(3) NOT NULL,
		UNIQUE KEY uniq_id (id),
		KEY idx_conv_seq (conv_key, seq)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// Migrate 建表（幂等）。withMessages=false 时消息存于 MongoDB，不建 messages 表。
func Migrate(ctx context.Context, st *Stores, withMessages bool) error {
	if err := execAll(ctx, st.Primary, primarySchema); err != nil {
		return err
	}
	if withMessages {
		return execAll(ctx, st.Message, messageSchema)
	}
	return nil
}

func execAll(ctx context.Context, db *sql.DB, stmts []string) error {
	for _, q := range stmts {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
