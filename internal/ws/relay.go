package ws

import (
	"github.com/rs/zerolog/log"
	"github.com/thaitranquang2004/Band-M/internal/metrics"
	"github.com/thaitranquang2004/Band-M/internal/models"
	"github.com/thaitranquang2004/Band-M/internal/session"
	"gorm.io/gorm"
)

// Relay 负责把事件投递给注册表中当前订阅的连接。
// 投递对单个连接非阻塞：缓冲满只丢弃该连接的这一份并记日志，
// 不影响其他连接，也不影响触发请求的结果。
type Relay struct {
	registry *session.Registry
	db       *gorm.DB
}

func NewRelay(registry *session.Registry, db *gorm.DB) *Relay {
	return &Relay{registry: registry, db: db}
}

func (r *Relay) Registry() *session.Registry { return r.registry }

// Dispatch 同步投递一批事件，在触发请求返回前完成。
func (r *Relay) Dispatch(events []Event) {
	for _, e := range events {
		switch {
		case e.Room != 0:
			r.NotifyRoom(e.Room, e)
		case e.User != 0:
			r.NotifyUser(e.User, e)
		}
	}
}

func (r *Relay) NotifyRoom(roomID uint, e Event) {
	b, err := e.marshal()
	if err != nil {
		log.Error().Err(err).Str("event", e.Name).Msg("relay marshal")
		return
	}
	for _, conn := range r.registry.SessionsForRoom(roomID) {
		r.deliver(conn, e.Name, b)
	}
}

func (r *Relay) NotifyUser(userID uint, e Event) {
	b, err := e.marshal()
	if err != nil {
		log.Error().Err(err).Str("event", e.Name).Msg("relay marshal")
		return
	}
	for _, conn := range r.registry.SessionsForUser(userID) {
		r.deliver(conn, e.Name, b)
	}
}

func (r *Relay) deliver(conn session.Conn, name string, payload []byte) {
	if conn.Send(payload) {
		metrics.EventsDelivered.WithLabelValues(name).Inc()
		return
	}
	log.Warn().Str("conn", conn.ID()).Str("event", name).Msg("relay drop: send buffer full")
	metrics.EventsDropped.Inc()
}

// SubscribeUser 把某用户当前全部在线连接订阅到一个房间，
// 用于新会话创建后保持房间成员与会话成员一致。
func (r *Relay) SubscribeUser(userID, roomID uint) {
	for _, conn := range r.registry.SessionsForUser(userID) {
		r.registry.Subscribe(conn.ID(), roomID)
	}
}

// SetOnline 持久化在线标记，并向好友的在线连接广播 presence 变化。
func (r *Relay) SetOnline(userID uint, online bool) {
	if err := r.db.Model(&models.User{}).Where("id = ?", userID).
		Update("online_status", online).Error; err != nil {
		log.Error().Err(err).Uint("user_id", userID).Msg("set online status")
	}
	var friendIDs []uint
	if err := r.db.Table("user_friends").Where("user_id = ?", userID).
		Pluck("friend_id", &friendIDs).Error; err != nil {
		log.Error().Err(err).Uint("user_id", userID).Msg("load friends for presence")
		return
	}
	e := Event{Name: EventPresence, Data: map[string]interface{}{"user_id": userID, "online": online}}
	b, err := e.marshal()
	if err != nil {
		return
	}
	for _, fid := range friendIDs {
		for _, conn := range r.registry.SessionsForUser(fid) {
			r.deliver(conn, e.Name, b)
		}
	}
}
