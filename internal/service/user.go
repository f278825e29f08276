package service

import (
	"context"
	"errors"
	"io"

	"github.com/thaitranquang2004/Band-M/internal/auth"
	"github.com/thaitranquang2004/Band-M/internal/blob"
	"github.com/thaitranquang2004/Band-M/internal/config"
	"github.com/thaitranquang2004/Band-M/internal/models"
	"github.com/thaitranquang2004/Band-M/internal/ws"
	"gorm.io/gorm"
)

// UserService 封装账号、凭证与个人资料相关的业务逻辑。
type UserService struct {
	db   *gorm.DB
	cfg  config.Config
	blob blob.Store
}

func NewUserService(db *gorm.DB, cfg config.Config, store blob.Store) *UserService {
	return &UserService{db: db, cfg: cfg, blob: store}
}

type RegisterInput struct {
	Username string
	Email    string
	Password string
	FullName string
	Phone    string
	DOB      string
}

// Register 注册新用户：用户名与邮箱均唯一，密码只存 bcrypt 散列。
func (s *UserService) Register(ctx context.Context, in RegisterInput) (uint, error) {
	ctx, cancel := storeCtx(ctx, s.cfg.StoreTimeout)
	defer cancel()

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("username = ?", in.Username).Count(&count).Error; err != nil {
		return 0, mapStoreErr(err)
	}
	if count > 0 {
		return 0, ErrUsernameTaken
	}
	if err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("email = ?", in.Email).Count(&count).Error; err != nil {
		return 0, mapStoreErr(err)
	}
	if count > 0 {
		return 0, ErrEmailTaken
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return 0, err
	}
	user := models.User{
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		FullName:     in.FullName,
		Phone:        in.Phone,
		DOB:          in.DOB,
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		// 预检查之后仍可能被并发注册抢先，唯一索引冲突映射回业务错误。
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			var taken int64
			s.db.WithContext(ctx).Model(&models.User{}).
				Where("username = ?", in.Username).Count(&taken)
			if taken > 0 {
				return 0, ErrUsernameTaken
			}
			return 0, ErrEmailTaken
		}
		return 0, mapStoreErr(err)
	}
	return user.ID, nil
}

// LoginResult 登录成功后返回的数据，refresh token 由 handler 写入 Cookie。
type LoginResult struct {
	AccessToken  string
	RefreshToken string
	User         models.User
}

// Login 校验用户名密码并签发 token 对。bcrypt 比较内部是常数时间的。
func (s *UserService) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	ctx, cancel := storeCtx(ctx, s.cfg.StoreTimeout)
	defer cancel()

	var user models.User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, mapStoreErr(err)
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	at, rt, err := auth.GenerateTokenPair(user.ID, s.cfg)
	if err != nil {
		return nil, err
	}
	return &LoginResult{AccessToken: at, RefreshToken: rt, User: user}, nil
}

// Refresh 用仍有效的 refresh token 换发新的 access token。
// refresh token 本身不旋转也不入库（滑动会话，接受无法全端登出的取舍）。
func (s *UserService) Refresh(ctx context.Context, refreshToken string) (string, error) {
	claims, err := auth.ParseToken(refreshToken, s.cfg.JWTSecret, auth.TokenRefresh)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	ctx, cancel := storeCtx(ctx, s.cfg.StoreTimeout)
	defer cancel()
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, claims.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", mapStoreErr(err)
	}
	return auth.GenerateAccessToken(user.ID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
}

// Profile 返回用户资料（不含密码散列，由 DTO 裁剪）。
func (s *UserService) Profile(ctx context.Context, userID uint) (*models.User, error) {
	var user models.User
	err := retryRead(ctx, s.cfg.StoreTimeout, func(rctx context.Context) error {
		return mapStoreErr(s.db.WithContext(rctx).First(&user, userID).Error)
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

type ProfileUpdate struct {
	FullName string
	Phone    string
	DOB      string
	// Avatar 可选：有则经 blob 存储换取稳定 URL。
	Avatar    io.Reader
	AvatarExt string
}

// UpdateProfile 更新资料，返回更新后的用户与待广播的事件。
func (s *UserService) UpdateProfile(ctx context.Context, userID uint, in ProfileUpdate) (*models.User, []ws.Event, error) {
	updates := map[string]interface{}{
		"full_name": in.FullName,
		"phone":     in.Phone,
		"dob":       in.DOB,
	}
	if in.Avatar != nil {
		url, err := s.blob.Upload(ctx, in.Avatar, "bandm/avatars", in.AvatarExt)
		if err != nil {
			return nil, nil, err
		}
		updates["avatar"] = url
	}

	ctx, cancel := storeCtx(ctx, s.cfg.StoreTimeout)
	defer cancel()
	if err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).Updates(updates).Error; err != nil {
		return nil, nil, mapStoreErr(err)
	}
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		return nil, nil, mapStoreErr(err)
	}

	// 通知在线好友资料已更新。
	var friendIDs []uint
	if err := s.db.WithContext(ctx).Table("user_friends").
		Where("user_id = ?", userID).Pluck("friend_id", &friendIDs).Error; err != nil {
		friendIDs = nil
	}
	data := map[string]interface{}{
		"user_id":   user.ID,
		"full_name": user.FullName,
		"avatar":    user.Avatar,
	}
	events := make([]ws.Event, 0, len(friendIDs))
	for _, fid := range friendIDs {
		events = append(events, ws.UserEvent(ws.EventProfileUpdated, fid, data))
	}
	return &user, events, nil
}

// UserSummary 搜索与好友列表对外输出的用户摘要。
type UserSummary struct {
	ID           uint   `json:"id"`
	Username     string `json:"username"`
	FullName     string `json:"full_name"`
	Avatar       string `json:"avatar"`
	OnlineStatus bool   `json:"online_status"`
}

// Search 按用户名或姓名子串搜索，排除自己，最多 10 条。
func (s *UserService) Search(ctx context.Context, userID uint, query string) ([]UserSummary, error) {
	var users []models.User
	err := retryRead(ctx, s.cfg.StoreTimeout, func(rctx context.Context) error {
		return mapStoreErr(s.db.WithContext(rctx).
			Where("(username LIKE ? OR full_name LIKE ?) AND id <> ?", "%"+query+"%", "%"+query+"%", userID).
			Limit(10).Find(&users).Error)
	})
	if err != nil {
		return nil, err
	}
	out := make([]UserSummary, 0, len(users))
	for _, u := range users {
		out = append(out, UserSummary{ID: u.ID, Username: u.Username, FullName: u.FullName, Avatar: u.Avatar, OnlineStatus: u.OnlineStatus})
	}
	return out, nil
}
