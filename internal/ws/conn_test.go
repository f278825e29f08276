package ws

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/thaitranquang2004/Band-M/internal/auth"
	"github.com/thaitranquang2004/Band-M/internal/config"
	"github.com/thaitranquang2004/Band-M/internal/models"
	"github.com/thaitranquang2004/Band-M/internal/session"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// 订阅加载失败不应静默：连接照常建立，但必须留下日志痕迹。
func TestServe_ChatLoadFailureIsLogged(t *testing.T) {
	gdb := testDB(t)
	cfg := config.Config{JWTSecret: "test-secret", AccessTokenTTLMinutes: 15, RefreshTokenTTLDays: 7}

	user := models.User{Username: "alice", Email: "alice@example.com", PasswordHash: "x"}
	if err := gdb.Create(&user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	token, err := auth.GenerateAccessToken(user.ID, cfg.JWTSecret, 15)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	// 表缺失时会话订阅加载必然失败。
	if err := gdb.Migrator().DropTable(&models.ChatParticipant{}); err != nil {
		t.Fatalf("drop table: %v", err)
	}

	buf := &syncBuffer{}
	old := log.Logger
	log.Logger = zerolog.New(buf)
	defer func() { log.Logger = old }()

	reg := session.NewRegistry()
	relay := NewRelay(reg, gdb)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", Serve(relay, gdb, cfg))
	srv := httptest.NewServer(r)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(buf.String(), "load chats for auto-subscribe") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected a logged chat-load failure, logs: %s", buf.String())
}
