package service

import (
	"context"
	"errors"
	"io"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/thaitranquang2004/Band-M/internal/blob"
	"github.com/thaitranquang2004/Band-M/internal/config"
	"github.com/thaitranquang2004/Band-M/internal/metrics"
	"github.com/thaitranquang2004/Band-M/internal/models"
	"github.com/thaitranquang2004/Band-M/internal/ws"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessageService 封装消息生命周期：发送、编辑、软删除、表态。
type MessageService struct {
	db   *gorm.DB
	cfg  config.Config
	blob blob.Store
}

func NewMessageService(db *gorm.DB, cfg config.Config, store blob.Store) *MessageService {
	return &MessageService{db: db, cfg: cfg, blob: store}
}

// MessageDTO 对外输出的消息数据。
type MessageDTO struct {
	ID        uint              `json:"id"`
	ChatID    uint              `json:"chat_id"`
	SenderID  uint              `json:"sender_id"`
	Username  string            `json:"username"`
	Content   string            `json:"content"`
	Kind      string            `json:"kind"`
	MediaURL  string            `json:"media_url,omitempty"`
	IsEdited  bool              `json:"is_edited"`
	Reactions map[string]string `json:"reactions,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type SendInput struct {
	ChatID  uint
	Content string
	Kind    string
	// Media 可选：有则经 blob 存储换取 URL。
	Media    io.Reader
	MediaExt string
}

// Send 发送消息：校验成员资格，落库，逐个参与者累加未读，产出 fan-out 事件。
// 单个参与者未读累加失败只记日志，不影响消息本身的成功。
func (s *MessageService) Send(ctx context.Context, senderID uint, in SendInput) (*MessageDTO, []ws.Event, error) {
	ok, err := s.participant(ctx, senderID, in.ChatID)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, ErrNotParticipant
	}

	kind := in.Kind
	if kind != models.MessageMedia {
		kind = models.MessageText
	}
	var mediaURL string
	if in.Media != nil && kind == models.MessageMedia {
		mediaURL, err = s.blob.Upload(ctx, in.Media, "bandm/media", in.MediaExt)
		if err != nil {
			return nil, nil, err
		}
	}

	cctx, cancel := storeCtx(ctx, s.cfg.StoreTimeout)
	defer cancel()

	msg := models.Message{ChatID: in.ChatID, SenderID: senderID, Content: in.Content, Kind: kind, MediaURL: mediaURL}
	if err := s.db.WithContext(cctx).Create(&msg).Error; err != nil {
		return nil, nil, mapStoreErr(err)
	}
	metrics.MessagesSent.Inc()

	// 其余参与者的未读数各自独立累加，部分失败不回滚消息。
	var memberIDs []uint
	if err := s.db.WithContext(cctx).Model(&models.ChatParticipant{}).
		Where("chat_id = ?", in.ChatID).Pluck("user_id", &memberIDs).Error; err != nil {
		log.Error().Err(err).Uint("chat_id", in.ChatID).Msg("load participants for unread")
		memberIDs = nil
	}
	for _, uid := range memberIDs {
		if uid == senderID {
			continue
		}
		if err := s.db.WithContext(cctx).Model(&models.ChatParticipant{}).
			Where("chat_id = ? AND user_id = ?", in.ChatID, uid).
			UpdateColumn("unread_count", gorm.Expr("unread_count + 1")).Error; err != nil {
			log.Error().Err(err).Uint("chat_id", in.ChatID).Uint("user_id", uid).Msg("unread increment")
		}
	}

	var sender models.User
	uname := ""
	if err := s.db.WithContext(cctx).First(&sender, senderID).Error; err == nil {
		uname = sender.Username
	}
	dto := &MessageDTO{
		ID: msg.ID, ChatID: msg.ChatID, SenderID: msg.SenderID, Username: uname,
		Content: msg.Content, Kind: msg.Kind, MediaURL: msg.MediaURL, CreatedAt: msg.CreatedAt,
	}
	events := []ws.Event{ws.RoomEvent(ws.EventNewMessage, msg.ChatID, map[string]interface{}{
		"message_id": msg.ID,
		"chat_id":    msg.ChatID,
		"sender_id":  msg.SenderID,
		"username":   uname,
		"content":    msg.Content,
		"kind":       msg.Kind,
		"media_url":  msg.MediaURL,
		"created_at": msg.CreatedAt,
	})}
	return dto, events, nil
}

// ListByChat 分页返回会话内未删除的消息，按 id 升序。
func (s *MessageService) ListByChat(ctx context.Context, userID, chatID uint, limit int, beforeID uint) ([]MessageDTO, error) {
	ok, err := s.participant(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	if !ok {
		// 非成员不暴露会话存在与否。
		return nil, ErrChatNotFound
	}

	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var msgs []models.Message
	err = retryRead(ctx, s.cfg.StoreTimeout, func(rctx context.Context) error {
		q := s.db.WithContext(rctx).Where("chat_id = ? AND deleted_at IS NULL", chatID)
		if beforeID > 0 {
			q = q.Where("id < ?", beforeID)
		}
		return mapStoreErr(q.Order("id desc").Limit(limit).Preload("Reactions").Find(&msgs).Error)
	})
	if err != nil {
		return nil, err
	}
	cctx, cancel := storeCtx(ctx, s.cfg.StoreTimeout)
	defer cancel()
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	usernames, err := s.resolveUsernames(cctx, msgs)
	if err != nil {
		return nil, err
	}
	out := make([]MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageDTO{
			ID: m.ID, ChatID: m.ChatID, SenderID: m.SenderID, Username: usernames[m.SenderID],
			Content: m.Content, Kind: m.Kind, MediaURL: m.MediaURL, IsEdited: m.IsEdited,
			Reactions: reactionMap(m.Reactions), CreatedAt: m.CreatedAt,
		})
	}
	return out, nil
}

// Edit 编辑自己的消息并置 is_edited。软删除的消息视同不存在。
func (s *MessageService) Edit(ctx context.Context, userID, messageID uint, content string) ([]ws.Event, error) {
	msg, err := s.ownAlive(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	cctx, cancel := storeCtx(ctx, s.cfg.StoreTimeout)
	defer cancel()
	if err := s.db.WithContext(cctx).Model(&models.Message{}).Where("id = ?", msg.ID).
		Updates(map[string]interface{}{"content": content, "is_edited": true}).Error; err != nil {
		return nil, mapStoreErr(err)
	}
	return []ws.Event{ws.RoomEvent(ws.EventMessageEdited, msg.ChatID, map[string]interface{}{
		"message_id": msg.ID,
		"chat_id":    msg.ChatID,
		"content":    content,
	})}, nil
}

// Delete 软删除自己的消息；重复删除按不存在处理。
func (s *MessageService) Delete(ctx context.Context, userID, messageID uint) ([]ws.Event, error) {
	msg, err := s.ownAlive(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	cctx, cancel := storeCtx(ctx, s.cfg.StoreTimeout)
	defer cancel()
	now := time.Now()
	if err := s.db.WithContext(cctx).Model(&models.Message{}).Where("id = ?", msg.ID).
		Update("deleted_at", &now).Error; err != nil {
		return nil, mapStoreErr(err)
	}
	return []ws.Event{ws.RoomEvent(ws.EventMessageDeleted, msg.ChatID, map[string]interface{}{
		"message_id": msg.ID,
		"chat_id":    msg.ChatID,
	})}, nil
}

// React 表态：同一用户对同一消息只保留一条，重复表态更新取值。
func (s *MessageService) React(ctx context.Context, userID, messageID uint, value string) ([]ws.Event, error) {
	msg, err := s.aliveInOwnChat(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	cctx, cancel := storeCtx(ctx, s.cfg.StoreTimeout)
	defer cancel()
	reaction := models.Reaction{MessageID: msg.ID, UserID: userID, Value: value}
	if err := s.db.WithContext(cctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&reaction).Error; err != nil {
		return nil, mapStoreErr(err)
	}
	return []ws.Event{ws.RoomEvent(ws.EventReaction, msg.ChatID, map[string]interface{}{
		"message_id": msg.ID,
		"chat_id":    msg.ChatID,
		"user_id":    userID,
		"value":      value,
	})}, nil
}

// Unreact 撤回自己的表态。
func (s *MessageService) Unreact(ctx context.Context, userID, messageID uint) ([]ws.Event, error) {
	msg, err := s.aliveInOwnChat(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	cctx, cancel := storeCtx(ctx, s.cfg.StoreTimeout)
	defer cancel()
	if err := s.db.WithContext(cctx).
		Where("message_id = ? AND user_id = ?", msg.ID, userID).
		Delete(&models.Reaction{}).Error; err != nil {
		return nil, mapStoreErr(err)
	}
	return []ws.Event{ws.RoomEvent(ws.EventReaction, msg.ChatID, map[string]interface{}{
		"message_id": msg.ID,
		"chat_id":    msg.ChatID,
		"user_id":    userID,
		"value":      "",
	})}, nil
}

// ownAlive 取一条属于自己且未软删除的消息。
// 非会话成员一律按不存在处理，成员但非发送者才区分出权限错误。
func (s *MessageService) ownAlive(ctx context.Context, userID, messageID uint) (*models.Message, error) {
	msg, err := s.aliveInOwnChat(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != userID {
		return nil, ErrNotOwner
	}
	return msg, nil
}

// aliveInOwnChat 取一条未删除且自己是会话成员的消息（表态不要求是发送者）。
func (s *MessageService) aliveInOwnChat(ctx context.Context, userID, messageID uint) (*models.Message, error) {
	msg, err := s.alive(ctx, messageID)
	if err != nil {
		return nil, err
	}
	ok, err := s.participant(ctx, userID, msg.ChatID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrMessageNotFound
	}
	return msg, nil
}

func (s *MessageService) alive(ctx context.Context, messageID uint) (*models.Message, error) {
	cctx, cancel := storeCtx(ctx, s.cfg.StoreTimeout)
	defer cancel()
	var msg models.Message
	err := s.db.WithContext(cctx).First(&msg, messageID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if msg.DeletedAt != nil {
		return nil, ErrMessageNotFound
	}
	return &msg, nil
}

func (s *MessageService) participant(ctx context.Context, userID, chatID uint) (bool, error) {
	cctx, cancel := storeCtx(ctx, s.cfg.StoreTimeout)
	defer cancel()
	var chat models.Chat
	err := s.db.WithContext(cctx).First(&chat, chatID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, ErrChatNotFound
	}
	if err != nil {
		return false, mapStoreErr(err)
	}
	var count int64
	if err := s.db.WithContext(cctx).Model(&models.ChatParticipant{}).
		Where("chat_id = ? AND user_id = ?", chatID, userID).Count(&count).Error; err != nil {
		return false, mapStoreErr(err)
	}
	return count > 0, nil
}

func (s *MessageService) resolveUsernames(ctx context.Context, msgs []models.Message) (map[uint]string, error) {
	seen := make(map[uint]struct{}, len(msgs))
	userIDs := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.SenderID]; ok {
			continue
		}
		seen[m.SenderID] = struct{}{}
		userIDs = append(userIDs, m.SenderID)
	}
	usernames := make(map[uint]string, len(userIDs))
	if len(userIDs) > 0 {
		var users []models.User
		if err := s.db.WithContext(ctx).Select("id", "username").
			Where("id IN ?", userIDs).Find(&users).Error; err != nil {
			return nil, mapStoreErr(err)
		}
		for _, u := range users {
			usernames[u.ID] = u.Username
		}
	}
	return usernames, nil
}

func reactionMap(rs []models.Reaction) map[string]string {
	if len(rs) == 0 {
		return nil
	}
	out := make(map[string]string, len(rs))
	for _, r := range rs {
		out[strconv.FormatUint(uint64(r.UserID), 10)] = r.Value
	}
	return out
}
