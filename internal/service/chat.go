package service

import (
	"context"
	"time"

	"github.com/thaitranquang2004/Band-M/internal/config"
	"github.com/thaitranquang2004/Band-M/internal/models"
	"github.com/thaitranquang2004/Band-M/internal/ws"
	"gorm.io/gorm"
)

// ChatService 封装会话创建、列表与已读标记。
type ChatService struct {
	db  *gorm.DB
	cfg config.Config
}

func NewChatService(db *gorm.DB, cfg config.Config) *ChatService {
	return &ChatService{db: db, cfg: cfg}
}

// ChatDTO 对外输出的会话数据。
type ChatDTO struct {
	ID           uint         `json:"id"`
	Name         string       `json:"name"`
	Kind         string       `json:"kind"`
	Participants []uint       `json:"participants"`
	UnreadCount  int          `json:"unread_count"`
	LastMessage  *LastMessage `json:"last_message,omitempty"`
}

// LastMessage 会话列表里展示的最近一条消息摘要。
type LastMessage struct {
	ID        uint      `json:"id"`
	SenderID  uint      `json:"sender_id"`
	Content   string    `json:"content"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

// Create 创建会话。direct 会话在同一对用户间去重：已存在则直接返回。
// 创建者自动加入参与者集合；成员集合在本系统内只增不减。
func (s *ChatService) Create(ctx context.Context, creatorID uint, kind, name string, participantIDs []uint) (*ChatDTO, []ws.Event, error) {
	ctx, cancel := storeCtx(ctx, s.cfg.StoreTimeout)
	defer cancel()

	ids := dedupeWith(creatorID, participantIDs)
	if kind != models.ChatGroup {
		kind = models.ChatDirect
	}
	if kind == models.ChatDirect && len(ids) != 2 {
		return nil, nil, ErrChatNotFound
	}

	if kind == models.ChatDirect {
		if existing, err := s.findDirect(ctx, ids[0], ids[1]); err == nil && existing != nil {
			return existing, nil, nil
		} else if err != nil {
			return nil, nil, err
		}
	}

	chat := models.Chat{Name: name, Kind: kind}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&chat).Error; err != nil {
			return err
		}
		for _, uid := range ids {
			p := models.ChatParticipant{ChatID: chat.ID, UserID: uid}
			if err := tx.Create(&p).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, mapStoreErr(err)
	}

	dto := &ChatDTO{ID: chat.ID, Name: chat.Name, Kind: chat.Kind, Participants: ids}
	data := map[string]interface{}{"chat_id": chat.ID, "kind": chat.Kind, "name": chat.Name, "participants": ids}
	events := make([]ws.Event, 0, len(ids))
	for _, uid := range ids {
		if uid == creatorID {
			continue
		}
		events = append(events, ws.UserEvent(ws.EventNewChat, uid, data))
	}
	return dto, events, nil
}

// findDirect 查找同一对用户之间已有的 direct 会话。
func (s *ChatService) findDirect(ctx context.Context, a, b uint) (*ChatDTO, error) {
	var chatIDs []uint
	err := s.db.WithContext(ctx).Model(&models.ChatParticipant{}).
		Select("chat_id").
		Where("user_id IN ?", []uint{a, b}).
		Group("chat_id").
		Having("COUNT(DISTINCT user_id) = 2").
		Pluck("chat_id", &chatIDs).Error
	if err != nil {
		return nil, mapStoreErr(err)
	}
	for _, id := range chatIDs {
		var chat models.Chat
		if err := s.db.WithContext(ctx).First(&chat, id).Error; err != nil {
			continue
		}
		var total int64
		if err := s.db.WithContext(ctx).Model(&models.ChatParticipant{}).
			Where("chat_id = ?", id).Count(&total).Error; err != nil {
			continue
		}
		if chat.Kind == models.ChatDirect && total == 2 {
			return &ChatDTO{ID: chat.ID, Name: chat.Name, Kind: chat.Kind, Participants: []uint{a, b}}, nil
		}
	}
	return nil, nil
}

// List 返回用户参与的全部会话，附带各自的未读数。
func (s *ChatService) List(ctx context.Context, userID uint) ([]ChatDTO, error) {
	var parts []models.ChatParticipant
	err := retryRead(ctx, s.cfg.StoreTimeout, func(rctx context.Context) error {
		return mapStoreErr(s.db.WithContext(rctx).
			Where("user_id = ?", userID).Order("chat_id desc").Find(&parts).Error)
	})
	if err != nil {
		return nil, err
	}

	cctx, cancel := storeCtx(ctx, s.cfg.StoreTimeout)
	defer cancel()
	out := make([]ChatDTO, 0, len(parts))
	for _, p := range parts {
		var chat models.Chat
		if err := s.db.WithContext(cctx).First(&chat, p.ChatID).Error; err != nil {
			continue
		}
		var memberIDs []uint
		if err := s.db.WithContext(cctx).Model(&models.ChatParticipant{}).
			Where("chat_id = ?", chat.ID).Pluck("user_id", &memberIDs).Error; err != nil {
			continue
		}
		dto := ChatDTO{ID: chat.ID, Name: chat.Name, Kind: chat.Kind, Participants: memberIDs, UnreadCount: p.UnreadCount}
		var last models.Message
		if err := s.db.WithContext(cctx).
			Where("chat_id = ? AND deleted_at IS NULL", chat.ID).
			Order("id desc").First(&last).Error; err == nil {
			dto.LastMessage = &LastMessage{ID: last.ID, SenderID: last.SenderID, Content: last.Content, Kind: last.Kind, CreatedAt: last.CreatedAt}
		}
		out = append(out, dto)
	}
	return out, nil
}

// MarkRead 清零自己在该会话的未读数并记录时间。
func (s *ChatService) MarkRead(ctx context.Context, userID, chatID uint) error {
	ctx, cancel := storeCtx(ctx, s.cfg.StoreTimeout)
	defer cancel()

	now := time.Now()
	res := s.db.WithContext(ctx).Model(&models.ChatParticipant{}).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Updates(map[string]interface{}{"unread_count": 0, "last_read_at": &now})
	if res.Error != nil {
		return mapStoreErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrChatNotFound
	}
	return nil
}

// IsParticipant 判断用户是否为会话成员。
func (s *ChatService) IsParticipant(ctx context.Context, userID, chatID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.ChatParticipant{}).
		Where("chat_id = ? AND user_id = ?", chatID, userID).Count(&count).Error
	if err != nil {
		return false, mapStoreErr(err)
	}
	return count > 0, nil
}

func dedupeWith(first uint, rest []uint) []uint {
	seen := map[uint]struct{}{first: {}}
	out := []uint{first}
	for _, id := range rest {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
