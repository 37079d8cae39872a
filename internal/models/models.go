package models

import (
	"strings"
	"time"

	"go-dm/internal/apperr"
)

// User/Message 为核心领域模型。
// Message 一经入库即不可变；缓存只整条追加或淘汰，不修改已存消息。

type User struct {
	ID           string    `json:"_id"`
	Email        string    `json:"email,omitempty"`
	FullName     string    `json:"fullName"`
	PasswordHash string    `json:"-"`
	ProfilePic   string    `json:"profilePic"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// RosterEntry 侧边栏联系人（不含邮箱/密码）。
type RosterEntry struct {
	ID            string     `json:"_id"`
	FullName      string     `json:"fullName"`
	ProfilePic    string     `json:"profilePic"`
	Online        bool       `json:"online"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
}

// PendingSignup 待邮箱验证的注册；验证码通过后才创建 User。
// CodeExpiresAt 为验证码过期时间，ExpiresAt 为整条记录的保留期限（可在此之前重发验证码）。
type PendingSignup struct {
	Email         string
	FullName      string
	PasswordHash  string
	CodeHash      string
	Attempts      int
	MaxAttempts   int
	CodeExpiresAt time.Time
	ExpiresAt     time.Time
}

// Message 表示一条私聊消息。
// - ID/CreatedAt 由持久层在写入时分配
// - CreatedAt 决定会话内的全序
type Message struct {
	ID         string    `json:"_id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Text       string    `json:"text,omitempty"`
	ImageURL   string    `json:"image,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Draft 是尚未入库的消息，只能通过 NewDraft 构造。
type Draft struct {
	SenderID   string
	ReceiverID string
	Text       string
	ImageURL   string
}

// NewDraft 在边界处统一校验：
// - 双方 ID 必填
// - text/image 至少一个非空
// - allowSelf=false 时拒绝给自己发消息
func NewDraft(senderID, receiverID, text, imageURL string, allowSelf bool) (*Draft, error) {
	if senderID == "" || receiverID == "" {
		return nil, apperr.Validation("sender and receiver are required")
	}
	if !allowSelf && senderID == receiverID {
		return nil, apperr.Validation("cannot send a message to yourself")
	}
	if strings.TrimSpace(text) == "" && imageURL == "" {
		return nil, apperr.Validation("message must contain text or an image")
	}
	return &Draft{SenderID: senderID, ReceiverID: receiverID, Text: text, ImageURL: imageURL}, nil
}
