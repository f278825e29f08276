package ws

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/thaitranquang2004/Band-M/internal/db"
	"github.com/thaitranquang2004/Band-M/internal/models"
	"github.com/thaitranquang2004/Band-M/internal/session"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeConn struct {
	id string
	ch chan []byte
}

func newFakeConn(id string, buf int) *fakeConn {
	return &fakeConn{id: id, ch: make(chan []byte, buf)}
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(p []byte) bool {
	select {
	case f.ch <- p:
		return true
	default:
		return false
	}
}

func (f *fakeConn) drain() [][]byte {
	var out [][]byte
	for {
		select {
		case m := <-f.ch:
			out = append(out, m)
		default:
			return out
		}
	}
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// 单连接避免 :memory: 库在连接间不共享。
	sqlDB.SetMaxOpenConns(1)
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

// N 个订阅连接各收到恰好一次，未订阅连接零次。
func TestRelay_NotifyRoom_FanOut(t *testing.T) {
	reg := session.NewRegistry()
	relay := NewRelay(reg, nil)

	subscribed := make([]*fakeConn, 3)
	for i := range subscribed {
		c := newFakeConn(fmt.Sprintf("sub-%d", i), 16)
		subscribed[i] = c
		reg.Register(c)
		reg.Subscribe(c.ID(), 10)
	}
	// 同一个用户在别的房间，但没有订阅房间 10。
	other := newFakeConn("other", 16)
	reg.Register(other)
	reg.Subscribe(other.ID(), 20)

	relay.NotifyRoom(10, RoomEvent(EventNewMessage, 10, map[string]interface{}{"message_id": 1}))

	for _, c := range subscribed {
		got := c.drain()
		if len(got) != 1 {
			t.Errorf("conn %s received %d deliveries, want exactly 1", c.ID(), len(got))
			continue
		}
		var payload map[string]interface{}
		if err := json.Unmarshal(got[0], &payload); err != nil {
			t.Fatalf("unmarshal delivery: %v", err)
		}
		if payload["type"] != EventNewMessage {
			t.Errorf("payload type = %v, want %s", payload["type"], EventNewMessage)
		}
	}
	if got := other.drain(); len(got) != 0 {
		t.Errorf("non-subscribed conn received %d deliveries, want 0", len(got))
	}
}

// 缓冲满的连接被跳过，不阻塞、不影响其他连接。
func TestRelay_NotifyRoom_FullBufferDoesNotBlock(t *testing.T) {
	reg := session.NewRegistry()
	relay := NewRelay(reg, nil)

	full := newFakeConn("full", 1)
	full.ch <- []byte("occupied")
	healthy := newFakeConn("healthy", 16)
	reg.Register(full)
	reg.Register(healthy)
	reg.Subscribe("full", 10)
	reg.Subscribe("healthy", 10)

	relay.NotifyRoom(10, RoomEvent(EventNewMessage, 10, map[string]interface{}{"message_id": 2}))

	if got := healthy.drain(); len(got) != 1 {
		t.Errorf("healthy conn received %d deliveries, want 1", len(got))
	}
	got := full.drain()
	if len(got) != 1 || string(got[0]) != "occupied" {
		t.Errorf("full conn buffer = %d entries, want the original entry only", len(got))
	}
}

func TestRelay_NotifyUser_MultiDevice(t *testing.T) {
	reg := session.NewRegistry()
	relay := NewRelay(reg, nil)

	phone := newFakeConn("phone", 16)
	laptop := newFakeConn("laptop", 16)
	for _, c := range []*fakeConn{phone, laptop} {
		reg.Register(c)
		reg.BindUser(c.ID(), 7)
	}
	stranger := newFakeConn("stranger", 16)
	reg.Register(stranger)
	reg.BindUser(stranger.ID(), 8)

	relay.NotifyUser(7, UserEvent(EventFriendRequest, 7, map[string]interface{}{"request_id": 3}))

	if got := phone.drain(); len(got) != 1 {
		t.Errorf("phone received %d deliveries, want 1", len(got))
	}
	if got := laptop.drain(); len(got) != 1 {
		t.Errorf("laptop received %d deliveries, want 1", len(got))
	}
	if got := stranger.drain(); len(got) != 0 {
		t.Errorf("stranger received %d deliveries, want 0", len(got))
	}
}

func TestRelay_Dispatch_RoutesByTarget(t *testing.T) {
	reg := session.NewRegistry()
	relay := NewRelay(reg, nil)

	roomConn := newFakeConn("room", 16)
	reg.Register(roomConn)
	reg.Subscribe("room", 10)
	userConn := newFakeConn("user", 16)
	reg.Register(userConn)
	reg.BindUser("user", 7)

	relay.Dispatch([]Event{
		RoomEvent(EventMessageEdited, 10, map[string]interface{}{"message_id": 1}),
		UserEvent(EventFriendAccepted, 7, map[string]interface{}{"request_id": 2}),
	})

	if got := roomConn.drain(); len(got) != 1 {
		t.Errorf("room conn received %d deliveries, want 1", len(got))
	}
	if got := userConn.drain(); len(got) != 1 {
		t.Errorf("user conn received %d deliveries, want 1", len(got))
	}
}

func TestRelay_SubscribeUser(t *testing.T) {
	reg := session.NewRegistry()
	relay := NewRelay(reg, nil)

	c := newFakeConn("c", 16)
	reg.Register(c)
	reg.BindUser("c", 7)

	relay.SubscribeUser(7, 42)
	relay.NotifyRoom(42, RoomEvent(EventNewChat, 42, map[string]interface{}{"chat_id": 42}))

	if got := c.drain(); len(got) != 1 {
		t.Errorf("conn received %d deliveries after SubscribeUser, want 1", len(got))
	}
}

func TestRelay_SetOnline(t *testing.T) {
	gdb := testDB(t)
	reg := session.NewRegistry()
	relay := NewRelay(reg, gdb)

	alice := models.User{Username: "alice", Email: "alice@example.com", PasswordHash: "x"}
	bob := models.User{Username: "bob", Email: "bob@example.com", PasswordHash: "x"}
	if err := gdb.Create(&alice).Error; err != nil {
		t.Fatalf("create alice: %v", err)
	}
	if err := gdb.Create(&bob).Error; err != nil {
		t.Fatalf("create bob: %v", err)
	}
	if err := gdb.Model(&bob).Association("Friends").Append(&alice); err != nil {
		t.Fatalf("append friend: %v", err)
	}
	if err := gdb.Model(&alice).Association("Friends").Append(&bob); err != nil {
		t.Fatalf("append friend: %v", err)
	}

	bobConn := newFakeConn("bob", 16)
	reg.Register(bobConn)
	reg.BindUser("bob", bob.ID)

	relay.SetOnline(alice.ID, true)

	var stored models.User
	if err := gdb.First(&stored, alice.ID).Error; err != nil {
		t.Fatalf("load alice: %v", err)
	}
	if !stored.OnlineStatus {
		t.Error("SetOnline(true) should persist online_status")
	}

	got := bobConn.drain()
	if len(got) != 1 {
		t.Fatalf("bob received %d presence deliveries, want 1", len(got))
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(got[0], &payload); err != nil {
		t.Fatalf("unmarshal presence: %v", err)
	}
	if payload["type"] != EventPresence || payload["online"] != true {
		t.Errorf("presence payload = %v", payload)
	}
}
