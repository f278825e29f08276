package ws

import "encoding/json"

// 实时事件名，与前端约定一致。
const (
	EventNewMessage     = "newMessage"
	EventMessageEdited  = "messageEdited"
	EventMessageDeleted = "messageDeleted"
	EventReaction       = "reaction"
	EventFriendRequest  = "friendRequest"
	EventFriendAccepted = "friendAccepted"
	EventFriendDeclined = "friendDeclined"
	EventProfileUpdated = "userProfileUpdated"
	EventNewChat        = "newChat"
	EventPresence       = "presence"
	EventTyping         = "typing"
)

// Event 是待投递的一条实时事件。业务层只产出事件数据，
// 投递由 Relay 统一完成。Room 与 User 二选一指定目标。
type Event struct {
	Name string
	Room uint
	User uint
	Data map[string]interface{}
}

// RoomEvent 构造发往某个会话房间的事件。
func RoomEvent(name string, roomID uint, data map[string]interface{}) Event {
	return Event{Name: name, Room: roomID, Data: data}
}

// UserEvent 构造发往某个用户全部连接的事件。
func UserEvent(name string, userID uint, data map[string]interface{}) Event {
	return Event{Name: name, User: userID, Data: data}
}

// marshal 序列化为单条下行报文，事件名放在 type 字段。
func (e Event) marshal() ([]byte, error) {
	payload := make(map[string]interface{}, len(e.Data)+1)
	for k, v := range e.Data {
		payload[k] = v
	}
	payload["type"] = e.Name
	return json.Marshal(payload)
}
