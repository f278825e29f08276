package models

import "time"

// 枚举统一用字符串，便于直接序列化。
const (
	ChatDirect = "direct"
	ChatGroup  = "group"

	MessageText  = "text"
	MessageMedia = "media"

	RequestPending  = "pending"
	RequestAccepted = "accepted"
	RequestRejected = "rejected"
)

type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	Email        string `gorm:"uniqueIndex;size:128;not null"`
	PasswordHash string `gorm:"not null"`
	FullName     string `gorm:"size:128"`
	Phone        string `gorm:"size:32"`
	DOB          string `gorm:"size:16"`
	Avatar       string `gorm:"size:512"`
	OnlineStatus bool   `gorm:"not null;default:false"`
	// 好友关系是对称的：接受请求时双向写入。
	Friends   []*User `gorm:"many2many:user_friends"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Chat struct {
	ID           uint   `gorm:"primaryKey"`
	Name         string `gorm:"size:128"`
	Kind         string `gorm:"size:16;not null;default:'direct'"`
	Participants []ChatParticipant
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ChatParticipant 记录成员关系以及该成员在此会话中的未读数。
type ChatParticipant struct {
	ID          uint `gorm:"primaryKey"`
	ChatID      uint `gorm:"uniqueIndex:idx_chat_user;not null"`
	UserID      uint `gorm:"uniqueIndex:idx_chat_user;index;not null"`
	UnreadCount int  `gorm:"not null;default:0"`
	LastReadAt  *time.Time
	CreatedAt   time.Time
}

type Message struct {
	ID       uint   `gorm:"primaryKey"`
	ChatID   uint   `gorm:"index:idx_msg_chat_id;not null"`
	SenderID uint   `gorm:"index;not null"`
	Content  string `gorm:"type:text"`
	Kind     string `gorm:"size:16;not null;default:'text'"`
	MediaURL string `gorm:"size:512"`
	IsEdited bool   `gorm:"not null;default:false"`
	// 软删除：只打标记，记录保留。
	DeletedAt *time.Time `gorm:"index"`
	Reactions []Reaction
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Reaction 每个用户对一条消息至多一个，重复表态只更新取值。
type Reaction struct {
	ID        uint   `gorm:"primaryKey"`
	MessageID uint   `gorm:"uniqueIndex:idx_reaction_msg_user;not null"`
	UserID    uint   `gorm:"uniqueIndex:idx_reaction_msg_user;not null"`
	Value     string `gorm:"size:32;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type FriendRequest struct {
	ID         uint   `gorm:"primaryKey"`
	SenderID   uint   `gorm:"index:idx_req_pair;not null"`
	ReceiverID uint   `gorm:"index:idx_req_pair;index;not null"`
	Status     string `gorm:"size:16;not null;default:'pending'"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
