package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/thaitranquang2004/Band-M/internal/auth"
	"github.com/thaitranquang2004/Band-M/internal/config"
	"github.com/thaitranquang2004/Band-M/internal/metrics"
	"github.com/thaitranquang2004/Band-M/internal/models"
	"github.com/thaitranquang2004/Band-M/internal/session"
	"gorm.io/gorm"
)

// Client 对应一条 websocket 连接，实现 session.Conn。
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	db     *gorm.DB
	relay  *Relay
	userID uint
	uname  string
}

func (c *Client) ID() string { return c.id }

// Send 非阻塞投递，缓冲满返回 false，由 Relay 决定丢弃。
func (c *Client) Send(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// 入站报文：typing 广播、动态订阅/退订新会话。消息发送走 REST。
type inbound struct {
	Type     string `json:"type"`
	ChatID   uint   `json:"chat_id"`
	IsTyping bool   `json:"is_typing"`
}

// Serve 完成握手：鉴权、登记连接、绑定用户、订阅其全部会话、标记在线。
func Serve(relay *Relay, db *gorm.DB, cfg config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		// websocket 握手支持 Authorization 头或 token 查询参数。
		authz := c.GetHeader("Authorization")
		token := c.Query("token")
		if token == "" && len(authz) > 7 && (authz[:7] == "Bearer " || authz[:7] == "bearer ") {
			token = authz[7:]
		}
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		claims, err := auth.ParseToken(token, cfg.JWTSecret, auth.TokenAccess)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		var user models.User
		if err := db.First(&user, claims.UserID).Error; err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := &Client{
			id:     session.NewConnID(),
			conn:   conn,
			send:   make(chan []byte, 256),
			db:     db,
			relay:  relay,
			userID: user.ID,
			uname:  user.Username,
		}

		reg := relay.Registry()
		reg.Register(client)
		reg.BindUser(client.id, user.ID)

		var chatIDs []uint
		if err := db.Model(&models.ChatParticipant{}).Where("user_id = ?", user.ID).
			Pluck("chat_id", &chatIDs).Error; err != nil {
			log.Error().Err(err).Uint("user_id", user.ID).Msg("load chats for auto-subscribe")
		} else {
			for _, id := range chatIDs {
				reg.Subscribe(client.id, id)
			}
		}

		metrics.WsConnections.Inc()
		relay.SetOnline(user.ID, true)

		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		reg := c.relay.Registry()
		reg.Remove(c.id)
		metrics.WsConnections.Dec()
		// 最后一个连接断开才标记离线（多端在线）。
		if reg.UserSessionCount(c.userID) == 0 {
			c.relay.SetOnline(c.userID, false)
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(1 << 20) // 1MB
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var in inbound
		if err := json.Unmarshal(data, &in); err != nil {
			continue
		}
		switch in.Type {
		case "typing":
			if !c.isParticipant(in.ChatID) {
				continue
			}
			c.relay.NotifyRoom(in.ChatID, RoomEvent(EventTyping, in.ChatID, map[string]interface{}{
				"chat_id":   in.ChatID,
				"user_id":   c.userID,
				"username":  c.uname,
				"is_typing": in.IsTyping,
			}))
		case "subscribe":
			if c.isParticipant(in.ChatID) {
				c.relay.Registry().Subscribe(c.id, in.ChatID)
			}
		case "unsubscribe":
			c.relay.Registry().Unsubscribe(c.id, in.ChatID)
		}
	}
}

func (c *Client) isParticipant(chatID uint) bool {
	if chatID == 0 {
		return false
	}
	var count int64
	if err := c.db.Model(&models.ChatParticipant{}).
		Where("chat_id = ? AND user_id = ?", chatID, c.userID).
		Count(&count).Error; err != nil {
		return false
	}
	return count > 0
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
