package session

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
)

// Conn 是注册表对连接的全部认知：标识 + 非阻塞投递。
// Send 返回 false 表示该连接缓冲已满，本次投递被放弃。
type Conn interface {
	ID() string
	Send(payload []byte) bool
}

type entry struct {
	conn   Conn
	userID uint
	rooms  map[uint]struct{}
}

// Registry 维护连接、用户与房间三个索引，统一由一把读写锁守护。
// 三个索引的变更必须同步发生，Remove 是唯一的清理路径且可重复调用。
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*entry
	rooms map[uint]map[string]struct{}
	users map[uint]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*entry),
		rooms: make(map[uint]map[string]struct{}),
		users: make(map[uint]map[string]struct{}),
	}
}

// NewConnID 生成连接标识。
func NewConnID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "conn-fallback"
	}
	return hex.EncodeToString(b)
}

// Register 登记一个新连接，订阅集合为空。
func (r *Registry) Register(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID()] = &entry{conn: conn, rooms: make(map[uint]struct{})}
}

// BindUser 把连接与认证后的用户关联；同一用户可以有多个并发连接。
func (r *Registry) BindUser(connID string, userID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return
	}
	e.userID = userID
	if r.users[userID] == nil {
		r.users[userID] = make(map[string]struct{})
	}
	r.users[userID][connID] = struct{}{}
}

// Subscribe 给连接增加一个房间订阅，连接不存在时为空操作。
func (r *Registry) Subscribe(connID string, roomID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return
	}
	e.rooms[roomID] = struct{}{}
	if r.rooms[roomID] == nil {
		r.rooms[roomID] = make(map[string]struct{})
	}
	r.rooms[roomID][connID] = struct{}{}
}

func (r *Registry) Unsubscribe(connID string, roomID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(e.rooms, roomID)
	if set := r.rooms[roomID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.rooms, roomID)
		}
	}
}

// SessionsForRoom 返回当前订阅该房间的全部连接，供 fan-out 使用。
func (r *Registry) SessionsForRoom(roomID uint) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.rooms[roomID]
	out := make([]Conn, 0, len(set))
	for id := range set {
		if e, ok := r.conns[id]; ok {
			out = append(out, e.conn)
		}
	}
	return out
}

// SessionsForUser 返回该用户的全部连接（多端在线）。
func (r *Registry) SessionsForUser(userID uint) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.users[userID]
	out := make([]Conn, 0, len(set))
	for id := range set {
		if e, ok := r.conns[id]; ok {
			out = append(out, e.conn)
		}
	}
	return out
}

// UserOf 返回连接当前绑定的用户，未绑定为 0。
func (r *Registry) UserOf(connID string) uint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[connID]; ok {
		return e.userID
	}
	return 0
}

// UserSessionCount 返回该用户的在线连接数，用于判断最后一个连接断开。
func (r *Registry) UserSessionCount(userID uint) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

// Remove 清除连接的全部订阅与绑定，重复调用安全。
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return
	}
	for roomID := range e.rooms {
		if set := r.rooms[roomID]; set != nil {
			delete(set, connID)
			if len(set) == 0 {
				delete(r.rooms, roomID)
			}
		}
	}
	if e.userID != 0 {
		if set := r.users[e.userID]; set != nil {
			delete(set, connID)
			if len(set) == 0 {
				delete(r.users, e.userID)
			}
		}
	}
	delete(r.conns, connID)
}
