package models

import "strings"

// ConversationKeySep 用户 ID（UUID / ObjectID 十六进制）中不会出现该分隔符。
const ConversationKeySep = "_"

// ConversationKey 由无序用户对生成会话键：排序后拼接，保证 key(a,b)==key(b,a)。
// 不校验 a!=b，自聊的拒绝在发送流程中处理。
func ConversationKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return strings.Join([]string{a, b}, ConversationKeySep)
}

// Peer 返回会话中 userID 的对端。
func Peer(m *Message, userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}
