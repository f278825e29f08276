package service

import (
	"context"
	"errors"

	"github.com/thaitranquang2004/Band-M/internal/config"
	"github.com/thaitranquang2004/Band-M/internal/models"
	"github.com/thaitranquang2004/Band-M/internal/ws"
	"gorm.io/gorm"
)

// FriendService 封装好友请求生命周期与好友关系维护。
type FriendService struct {
	db  *gorm.DB
	cfg config.Config
}

func NewFriendService(db *gorm.DB, cfg config.Config) *FriendService {
	return &FriendService{db: db, cfg: cfg}
}

// Request 发起好友请求。同一有序对存在 pending 请求时视为冲突。
func (s *FriendService) Request(ctx context.Context, senderID, receiverID uint) (*models.FriendRequest, []ws.Event, error) {
	ctx, cancel := storeCtx(ctx, s.cfg.StoreTimeout)
	defer cancel()

	var receiver models.User
	if err := s.db.WithContext(ctx).First(&receiver, receiverID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrUserNotFound
		}
		return nil, nil, mapStoreErr(err)
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.FriendRequest{}).
		Where("sender_id = ? AND receiver_id = ? AND status = ?", senderID, receiverID, models.RequestPending).
		Count(&count).Error; err != nil {
		return nil, nil, mapStoreErr(err)
	}
	if count > 0 {
		return nil, nil, ErrRequestExists
	}

	req := models.FriendRequest{SenderID: senderID, ReceiverID: receiverID, Status: models.RequestPending}
	if err := s.db.WithContext(ctx).Create(&req).Error; err != nil {
		return nil, nil, mapStoreErr(err)
	}

	events := []ws.Event{ws.UserEvent(ws.EventFriendRequest, receiverID, map[string]interface{}{
		"request_id": req.ID,
		"sender_id":  senderID,
	})}
	return &req, events, nil
}

// IncomingRequest 收件箱条目，附带发送者摘要。
type IncomingRequest struct {
	ID     uint        `json:"id"`
	Sender UserSummary `json:"sender"`
}

// Incoming 列出发给自己的 pending 请求。
func (s *FriendService) Incoming(ctx context.Context, userID uint) ([]IncomingRequest, error) {
	var reqs []models.FriendRequest
	err := retryRead(ctx, s.cfg.StoreTimeout, func(rctx context.Context) error {
		return mapStoreErr(s.db.WithContext(rctx).
			Where("receiver_id = ? AND status = ?", userID, models.RequestPending).
			Order("id desc").Find(&reqs).Error)
	})
	if err != nil {
		return nil, err
	}

	cctx, cancel := storeCtx(ctx, s.cfg.StoreTimeout)
	defer cancel()
	out := make([]IncomingRequest, 0, len(reqs))
	for _, r := range reqs {
		var sender models.User
		if err := s.db.WithContext(cctx).First(&sender, r.SenderID).Error; err != nil {
			continue
		}
		out = append(out, IncomingRequest{
			ID:     r.ID,
			Sender: UserSummary{ID: sender.ID, Username: sender.Username, FullName: sender.FullName, Avatar: sender.Avatar, OnlineStatus: sender.OnlineStatus},
		})
	}
	return out, nil
}

// Accept 接受请求：pending→accepted 的条件更新保证并发下只有一方成功，
// 随后在同一事务内双向写入好友关系，保持对称不变量。
func (s *FriendService) Accept(ctx context.Context, userID, requestID uint) ([]ws.Event, error) {
	ctx, cancel := storeCtx(ctx, s.cfg.StoreTimeout)
	defer cancel()

	var req models.FriendRequest
	if err := s.db.WithContext(ctx).First(&req, requestID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, mapStoreErr(err)
	}
	// 非接收者不暴露请求存在与否。
	if req.ReceiverID != userID {
		return nil, ErrRequestNotFound
	}

	var events []ws.Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.FriendRequest{}).
			Where("id = ? AND status = ?", requestID, models.RequestPending).
			Update("status", models.RequestAccepted)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrRequestNotPending
		}
		sender := models.User{ID: req.SenderID}
		receiver := models.User{ID: req.ReceiverID}
		if err := tx.Model(&receiver).Association("Friends").Append(&sender); err != nil {
			return err
		}
		if err := tx.Model(&sender).Association("Friends").Append(&receiver); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrRequestNotPending) {
			return nil, err
		}
		return nil, mapStoreErr(err)
	}

	events = append(events, ws.UserEvent(ws.EventFriendAccepted, req.SenderID, map[string]interface{}{
		"request_id":  req.ID,
		"receiver_id": req.ReceiverID,
	}))
	return events, nil
}

// Decline 拒绝请求：pending→rejected，同样是终态。
func (s *FriendService) Decline(ctx context.Context, userID, requestID uint) ([]ws.Event, error) {
	ctx, cancel := storeCtx(ctx, s.cfg.StoreTimeout)
	defer cancel()

	var req models.FriendRequest
	if err := s.db.WithContext(ctx).First(&req, requestID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, mapStoreErr(err)
	}
	if req.ReceiverID != userID {
		return nil, ErrRequestNotFound
	}

	res := s.db.WithContext(ctx).Model(&models.FriendRequest{}).
		Where("id = ? AND status = ?", requestID, models.RequestPending).
		Update("status", models.RequestRejected)
	if res.Error != nil {
		return nil, mapStoreErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrRequestNotPending
	}

	return []ws.Event{ws.UserEvent(ws.EventFriendDeclined, req.SenderID, map[string]interface{}{
		"request_id": req.ID,
	})}, nil
}

// List 返回好友列表摘要。
func (s *FriendService) List(ctx context.Context, userID uint) ([]UserSummary, error) {
	var user models.User
	var friends []*models.User
	err := retryRead(ctx, s.cfg.StoreTimeout, func(rctx context.Context) error {
		if err := s.db.WithContext(rctx).First(&user, userID).Error; err != nil {
			return mapStoreErr(err)
		}
		return mapStoreErr(s.db.WithContext(rctx).Model(&user).Association("Friends").Find(&friends))
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	out := make([]UserSummary, 0, len(friends))
	for _, f := range friends {
		out = append(out, UserSummary{ID: f.ID, Username: f.Username, FullName: f.FullName, Avatar: f.Avatar, OnlineStatus: f.OnlineStatus})
	}
	return out, nil
}
