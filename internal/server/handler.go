package server

import (
	"errors"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/thaitranquang2004/Band-M/internal/auth"
	"github.com/thaitranquang2004/Band-M/internal/config"
	"github.com/thaitranquang2004/Band-M/internal/models"
	"github.com/thaitranquang2004/Band-M/internal/service"
	"github.com/thaitranquang2004/Band-M/internal/ws"
)

// Handler 聚合全部 HTTP handler。业务层只产出事件，
// 由 handler 在持久化成功后统一经 Relay 投递。
type Handler struct {
	cfg       config.Config
	userSvc   *service.UserService
	friendSvc *service.FriendService
	chatSvc   *service.ChatService
	msgSvc    *service.MessageService
	relay     *ws.Relay
}

func NewHandler(cfg config.Config, userSvc *service.UserService, friendSvc *service.FriendService, chatSvc *service.ChatService, msgSvc *service.MessageService, relay *ws.Relay) *Handler {
	return &Handler{cfg: cfg, userSvc: userSvc, friendSvc: friendSvc, chatSvc: chatSvc, msgSvc: msgSvc, relay: relay}
}

// respondErr 把业务错误映射为 HTTP 状态码。
// 权限类失败统一回 not allowed / not found，不泄露资源是否存在。
func respondErr(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, service.ErrStoreUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
	case errors.Is(err, service.ErrUsernameTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "username taken"})
	case errors.Is(err, service.ErrEmailTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "email taken"})
	case errors.Is(err, service.ErrRequestExists):
		c.JSON(http.StatusConflict, gin.H{"error": "request exists"})
	case errors.Is(err, service.ErrRequestNotPending):
		c.JSON(http.StatusConflict, gin.H{"error": "request already handled"})
	case errors.Is(err, service.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
	case errors.Is(err, service.ErrNotParticipant), errors.Is(err, service.ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "not allowed"})
	case errors.Is(err, service.ErrUserNotFound), errors.Is(err, service.ErrChatNotFound),
		errors.Is(err, service.ErrMessageNotFound), errors.Is(err, service.ErrRequestNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}

func userDTO(u *models.User) gin.H {
	return gin.H{
		"id":            u.ID,
		"username":      u.Username,
		"email":         u.Email,
		"full_name":     u.FullName,
		"phone":         u.Phone,
		"dob":           u.DOB,
		"avatar":        u.Avatar,
		"online_status": u.OnlineStatus,
	}
}

// Register 处理用户注册请求：校验、落库、下发 refresh cookie。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
		FullName string `json:"full_name"`
		Phone    string `json:"phone"`
		DOB      string `json:"dob"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if req.Username == "" || req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if len(req.Username) < 2 || len(req.Username) > 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid username"})
		return
	}
	if !strings.Contains(req.Email, "@") || len(req.Email) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid email"})
		return
	}
	if len(req.Password) < 4 || len(req.Password) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return
	}
	userID, err := h.userSvc.Register(c.Request.Context(), service.RegisterInput{
		Username: req.Username, Email: req.Email, Password: req.Password,
		FullName: req.FullName, Phone: req.Phone, DOB: req.DOB,
	})
	if err != nil {
		if !errors.Is(err, service.ErrUsernameTaken) && !errors.Is(err, service.ErrEmailTaken) {
			log.Error().Err(err).Str("username", req.Username).Msg("register")
		}
		respondErr(c, err, "failed to create user")
		return
	}
	_, rt, err := auth.GenerateTokenPair(userID, h.cfg)
	if err != nil {
		log.Error().Err(err).Uint("user_id", userID).Msg("register token pair")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}
	auth.SetRefreshCookie(c, h.cfg, rt)
	c.JSON(http.StatusCreated, gin.H{"user_id": userID})
}

// Login 处理登录：access token 走响应体，refresh token 走 HttpOnly cookie。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if !errors.Is(err, service.ErrInvalidCredentials) {
			log.Error().Err(err).Str("username", req.Username).Msg("login")
		}
		respondErr(c, err, "login failed")
		return
	}
	auth.SetRefreshCookie(c, h.cfg, result.RefreshToken)
	c.JSON(http.StatusOK, gin.H{
		"access_token": result.AccessToken,
		"user": gin.H{
			"id":        result.User.ID,
			"username":  result.User.Username,
			"full_name": result.User.FullName,
			"email":     result.User.Email,
			"avatar":    result.User.Avatar,
		},
	})
}

// Logout 清除 refresh cookie。
func (h *Handler) Logout(c *gin.Context) {
	auth.ClearRefreshCookie(c, h.cfg)
	c.JSON(http.StatusOK, gin.H{"message": "logout success"})
}

// RefreshToken 用 cookie 中的 refresh token 换发新的 access token。
func (h *Handler) RefreshToken(c *gin.Context) {
	rt, err := c.Cookie(auth.RefreshCookieName)
	if err != nil || rt == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no refresh token"})
		return
	}
	at, err := h.userSvc.Refresh(c.Request.Context(), rt)
	if err != nil {
		log.Warn().Err(err).Msg("refresh token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": at})
}

// Profile 返回当前用户资料。
func (h *Handler) Profile(c *gin.Context) {
	user, err := h.userSvc.Profile(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		respondErr(c, err, "failed to load profile")
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": userDTO(user)})
}

// UpdateProfile 更新资料，头像经 blob 存储，完成后通知在线好友。
func (h *Handler) UpdateProfile(c *gin.Context) {
	in := service.ProfileUpdate{}
	var avatarFile multipart.File
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		in.FullName = c.PostForm("full_name")
		in.Phone = c.PostForm("phone")
		in.DOB = c.PostForm("dob")
		if fh, err := c.FormFile("avatar"); err == nil {
			f, err := fh.Open()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid avatar"})
				return
			}
			avatarFile = f
			in.Avatar = f
			in.AvatarExt = filepath.Ext(fh.Filename)
		}
	} else {
		var req struct {
			FullName string `json:"full_name"`
			Phone    string `json:"phone"`
			DOB      string `json:"dob"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
		in.FullName, in.Phone, in.DOB = req.FullName, req.Phone, req.DOB
	}
	if avatarFile != nil {
		defer avatarFile.Close()
	}

	user, events, err := h.userSvc.UpdateProfile(c.Request.Context(), auth.GetUserID(c), in)
	if err != nil {
		log.Error().Err(err).Uint("user_id", auth.GetUserID(c)).Msg("update profile")
		respondErr(c, err, "failed to update profile")
		return
	}
	h.relay.Dispatch(events)
	c.JSON(http.StatusOK, gin.H{"user": userDTO(user)})
}

// SearchUsers 按用户名/姓名搜索。
func (h *Handler) SearchUsers(c *gin.Context) {
	query := strings.TrimSpace(c.Query("query"))
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	users, err := h.userSvc.Search(c.Request.Context(), auth.GetUserID(c), query)
	if err != nil {
		log.Error().Err(err).Msg("search users")
		respondErr(c, err, "failed to search")
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// SendFriendRequest 发起好友请求并实时通知对方。
func (h *Handler) SendFriendRequest(c *gin.Context) {
	var req struct {
		ReceiverID uint `json:"receiver_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ReceiverID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	senderID := auth.GetUserID(c)
	if req.ReceiverID == senderID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid receiver"})
		return
	}
	request, events, err := h.friendSvc.Request(c.Request.Context(), senderID, req.ReceiverID)
	if err != nil {
		respondErr(c, err, "failed to send request")
		return
	}
	h.relay.Dispatch(events)
	c.JSON(http.StatusOK, gin.H{"request_id": request.ID})
}

// IncomingFriendRequests 列出待处理的请求。
func (h *Handler) IncomingFriendRequests(c *gin.Context) {
	requests, err := h.friendSvc.Incoming(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		log.Error().Err(err).Msg("incoming requests")
		respondErr(c, err, "failed to list requests")
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": requests})
}

// AcceptFriendRequest 接受请求并通知发送方。
func (h *Handler) AcceptFriendRequest(c *gin.Context) {
	requestID, err := strconv.Atoi(c.Param("id"))
	if err != nil || requestID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request id"})
		return
	}
	events, err := h.friendSvc.Accept(c.Request.Context(), auth.GetUserID(c), uint(requestID))
	if err != nil {
		respondErr(c, err, "failed to accept request")
		return
	}
	h.relay.Dispatch(events)
	c.JSON(http.StatusOK, gin.H{"message": "accepted"})
}

// DeclineFriendRequest 拒绝请求并通知发送方。
func (h *Handler) DeclineFriendRequest(c *gin.Context) {
	requestID, err := strconv.Atoi(c.Param("id"))
	if err != nil || requestID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request id"})
		return
	}
	events, err := h.friendSvc.Decline(c.Request.Context(), auth.GetUserID(c), uint(requestID))
	if err != nil {
		respondErr(c, err, "failed to decline request")
		return
	}
	h.relay.Dispatch(events)
	c.JSON(http.StatusOK, gin.H{"message": "declined"})
}

// ListFriends 返回好友列表。
func (h *Handler) ListFriends(c *gin.Context) {
	friends, err := h.friendSvc.List(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		log.Error().Err(err).Msg("list friends")
		respondErr(c, err, "failed to list friends")
		return
	}
	c.JSON(http.StatusOK, gin.H{"friends": friends})
}

// CreateChat 创建会话，通知其他参与者并把他们的在线连接订阅进房间。
func (h *Handler) CreateChat(c *gin.Context) {
	var req struct {
		Kind         string `json:"kind"`
		Name         string `json:"name"`
		Participants []uint `json:"participants"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Participants) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	creatorID := auth.GetUserID(c)
	chat, events, err := h.chatSvc.Create(c.Request.Context(), creatorID, req.Kind, strings.TrimSpace(req.Name), req.Participants)
	if err != nil {
		log.Error().Err(err).Uint("creator_id", creatorID).Msg("create chat")
		respondErr(c, err, "failed to create chat")
		return
	}
	// 房间成员随会话成员同步：所有参与者的在线连接立即订阅新房间。
	for _, uid := range chat.Participants {
		h.relay.SubscribeUser(uid, chat.ID)
	}
	h.relay.Dispatch(events)
	c.JSON(http.StatusOK, gin.H{"chat": chat})
}

// ListChats 返回当前用户的会话列表（含未读数）。
func (h *Handler) ListChats(c *gin.Context) {
	chats, err := h.chatSvc.List(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		log.Error().Err(err).Msg("list chats")
		respondErr(c, err, "failed to list chats")
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

// MarkChatRead 清零未读数。
func (h *Handler) MarkChatRead(c *gin.Context) {
	chatID, err := strconv.Atoi(c.Param("id"))
	if err != nil || chatID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return
	}
	if err := h.chatSvc.MarkRead(c.Request.Context(), auth.GetUserID(c), uint(chatID)); err != nil {
		respondErr(c, err, "failed to mark read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}

// ListMessages 分页返回会话消息（不含软删除）。
func (h *Handler) ListMessages(c *gin.Context) {
	chatID, err := strconv.Atoi(c.Param("chatID"))
	if err != nil || chatID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	var beforeID uint
	if bid := c.Query("before_id"); bid != "" {
		if v, err := strconv.Atoi(bid); err == nil && v > 0 {
			beforeID = uint(v)
		}
	}
	msgs, err := h.msgSvc.ListByChat(c.Request.Context(), auth.GetUserID(c), uint(chatID), limit, beforeID)
	if err != nil {
		respondErr(c, err, "failed to list messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// SendMessage 发送消息：JSON 纯文本或 multipart 携带媒体文件。
func (h *Handler) SendMessage(c *gin.Context) {
	in := service.SendInput{Kind: models.MessageText}
	var mediaFile multipart.File
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		chatID, err := strconv.Atoi(c.PostForm("chat_id"))
		if err != nil || chatID <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
			return
		}
		in.ChatID = uint(chatID)
		in.Content = c.PostForm("content")
		if fh, err := c.FormFile("media"); err == nil {
			f, err := fh.Open()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid media"})
				return
			}
			mediaFile = f
			in.Media = f
			in.MediaExt = filepath.Ext(fh.Filename)
			in.Kind = models.MessageMedia
		}
	} else {
		var req struct {
			ChatID  uint   `json:"chat_id"`
			Content string `json:"content"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.ChatID == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
		in.ChatID = req.ChatID
		in.Content = req.Content
	}
	if mediaFile != nil {
		defer mediaFile.Close()
	}
	if in.Content == "" && in.Media == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty message"})
		return
	}

	msg, events, err := h.msgSvc.Send(c.Request.Context(), auth.GetUserID(c), in)
	if err != nil {
		if !errors.Is(err, service.ErrNotParticipant) && !errors.Is(err, service.ErrChatNotFound) {
			log.Error().Err(err).Uint("chat_id", in.ChatID).Msg("send message")
		}
		respondErr(c, err, "failed to send message")
		return
	}
	h.relay.Dispatch(events)
	c.JSON(http.StatusOK, gin.H{"message_id": msg.ID})
}

// EditMessage 编辑自己的消息。
func (h *Handler) EditMessage(c *gin.Context) {
	messageID, err := strconv.Atoi(c.Param("id"))
	if err != nil || messageID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	events, err := h.msgSvc.Edit(c.Request.Context(), auth.GetUserID(c), uint(messageID), req.Content)
	if err != nil {
		respondErr(c, err, "failed to edit message")
		return
	}
	h.relay.Dispatch(events)
	c.JSON(http.StatusOK, gin.H{"message": "edited"})
}

// DeleteMessage 软删除自己的消息。
func (h *Handler) DeleteMessage(c *gin.Context) {
	messageID, err := strconv.Atoi(c.Param("id"))
	if err != nil || messageID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}
	events, err := h.msgSvc.Delete(c.Request.Context(), auth.GetUserID(c), uint(messageID))
	if err != nil {
		respondErr(c, err, "failed to delete message")
		return
	}
	h.relay.Dispatch(events)
	c.JSON(http.StatusOK, gin.H{"message": "deleted"})
}

// ReactMessage 对消息表态（每人一条，重复表态覆盖）。
func (h *Handler) ReactMessage(c *gin.Context) {
	messageID, err := strconv.Atoi(c.Param("id"))
	if err != nil || messageID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}
	var req struct {
		Value string `json:"value"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Value == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	events, err := h.msgSvc.React(c.Request.Context(), auth.GetUserID(c), uint(messageID), req.Value)
	if err != nil {
		respondErr(c, err, "failed to react")
		return
	}
	h.relay.Dispatch(events)
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}

// UnreactMessage 撤回自己的表态。
func (h *Handler) UnreactMessage(c *gin.Context) {
	messageID, err := strconv.Atoi(c.Param("id"))
	if err != nil || messageID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}
	events, err := h.msgSvc.Unreact(c.Request.Context(), auth.GetUserID(c), uint(messageID))
	if err != nil {
		respondErr(c, err, "failed to remove reaction")
		return
	}
	h.relay.Dispatch(events)
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}
