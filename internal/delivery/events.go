// Package delivery 负责把新消息与在线列表推送到接收方的实时连接。
// 推送是尽力而为：离线或连接拥塞只影响实时性，消息始终可从历史接口取回。
package delivery

import (
	"encoding/json"
)

// 下行事件：{"action": "...", "data": ...}
const (
	ActionNewMessage  = "newMessage"
	ActionOnlineUsers = "onlineUsers"
	ActionAck         = "ack"
	ActionError       = "error"
)

type Event struct {
	Action string `json:"action"`
	Data   any    `json:"data"`
}

func Encode(action string, data any) ([]byte, error) {
	return json.Marshal(Event{Action: action, Data: data})
}
