package service

import "errors"

// 业务层通用错误，handler 依据错误类型映射 HTTP 状态码。
var (
	ErrUsernameTaken      = errors.New("username taken")
	ErrEmailTaken         = errors.New("email taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrChatNotFound       = errors.New("chat not found")
	ErrMessageNotFound    = errors.New("message not found")
	ErrNotParticipant     = errors.New("not a chat participant")
	ErrNotOwner           = errors.New("not the owner")
	ErrRequestNotFound    = errors.New("friend request not found")
	ErrRequestExists      = errors.New("friend request exists")
	ErrRequestNotPending  = errors.New("friend request not pending")
	ErrStoreUnavailable   = errors.New("store unavailable")
)
