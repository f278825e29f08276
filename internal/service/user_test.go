package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/thaitranquang2004/Band-M/internal/config"
	"github.com/thaitranquang2004/Band-M/internal/db"
	"github.com/thaitranquang2004/Band-M/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

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

func testCfg() config.Config {
	return config.Config{
		Port:                  "0",
		DatabaseDSN:           "memory",
		JWTSecret:             "test-secret",
		Env:                   "dev",
		AccessTokenTTLMinutes: 15,
		RefreshTokenTTLDays:   7,
		StoreTimeout:          2 * time.Second,
	}
}

func registerUser(t *testing.T, svc *UserService, username string) uint {
	t.Helper()
	id, err := svc.Register(context.Background(), RegisterInput{
		Username: username,
		Email:    username + "@example.com",
		Password: "password123",
	})
	if err != nil {
		t.Fatalf("Register(%s) error = %v", username, err)
	}
	return id
}

func TestUserService_RegisterAndLogin(t *testing.T) {
	svc := NewUserService(testDB(t), testCfg(), nil)
	ctx := context.Background()

	id := registerUser(t, svc, "alice")
	if id == 0 {
		t.Fatal("Register() returned zero id")
	}

	result, err := svc.Login(ctx, "alice", "password123")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if result.User.ID != id {
		t.Errorf("Login() user id = %d, want %d", result.User.ID, id)
	}
	if result.AccessToken == "" || result.RefreshToken == "" {
		t.Error("Login() should return both tokens")
	}

	if _, err := svc.Login(ctx, "alice", "wrongpassword"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Login() with wrong password error = %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.Login(ctx, "nobody", "password123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Login() with unknown user error = %v, want ErrInvalidCredentials", err)
	}
}

func TestUserService_Register_Conflicts(t *testing.T) {
	gdb := testDB(t)
	svc := NewUserService(gdb, testCfg(), nil)
	ctx := context.Background()

	registerUser(t, svc, "alice")

	_, err := svc.Register(ctx, RegisterInput{Username: "alice", Email: "other@example.com", Password: "pw1234"})
	if !errors.Is(err, ErrUsernameTaken) {
		t.Errorf("Register() duplicate username error = %v, want ErrUsernameTaken", err)
	}
	_, err = svc.Register(ctx, RegisterInput{Username: "alice2", Email: "alice@example.com", Password: "pw1234"})
	if !errors.Is(err, ErrEmailTaken) {
		t.Errorf("Register() duplicate email error = %v, want ErrEmailTaken", err)
	}

	// 冲突不会产生第二条记录。
	var count int64
	gdb.Table("users").Count(&count)
	if count != 1 {
		t.Errorf("users count = %d, want 1", count)
	}
}

// 两个请求同时抢注同一个用户名时，输掉唯一索引的一方拿到冲突错误，
// 而不是把数据库错误原样抛成 500。
func TestUserService_Register_ConcurrentDuplicate(t *testing.T) {
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		TranslateError:         true,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	svc := NewUserService(gdb, testCfg(), nil)

	// 在预检查和写入之间插入同名用户，模拟并发注册的赢家。
	injected := false
	err = gdb.Callback().Create().Before("gorm:create").Register("competing_register", func(tx *gorm.DB) {
		if injected {
			return
		}
		if _, ok := tx.Statement.Dest.(*models.User); !ok {
			return
		}
		injected = true
		winner := models.User{Username: "racer", Email: "winner@example.com", PasswordHash: "x"}
		if err := tx.Session(&gorm.Session{NewDB: true}).Create(&winner).Error; err != nil {
			t.Fatalf("inject winner: %v", err)
		}
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}

	_, err = svc.Register(context.Background(), RegisterInput{
		Username: "racer",
		Email:    "racer@example.com",
		Password: "password123",
	})
	if !errors.Is(err, ErrUsernameTaken) {
		t.Errorf("Register() after losing the race error = %v, want ErrUsernameTaken", err)
	}
	var count int64
	gdb.Table("users").Count(&count)
	if count != 1 {
		t.Errorf("users count = %d, want only the winner", count)
	}
}

func TestUserService_Refresh(t *testing.T) {
	svc := NewUserService(testDB(t), testCfg(), nil)
	ctx := context.Background()

	registerUser(t, svc, "alice")
	result, err := svc.Login(ctx, "alice", "password123")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	access, err := svc.Refresh(ctx, result.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if access == "" {
		t.Error("Refresh() returned empty access token")
	}

	// access token 不能当 refresh token 用。
	if _, err := svc.Refresh(ctx, result.AccessToken); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Refresh() with access token error = %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.Refresh(ctx, "garbage"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Refresh() with garbage error = %v, want ErrInvalidCredentials", err)
	}
}

func TestUserService_Search(t *testing.T) {
	svc := NewUserService(testDB(t), testCfg(), nil)
	ctx := context.Background()

	aliceID := registerUser(t, svc, "alice")
	registerUser(t, svc, "alina")
	registerUser(t, svc, "bob")

	users, err := svc.Search(ctx, aliceID, "ali")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	// 自己被排除，只剩 alina。
	if len(users) != 1 || users[0].Username != "alina" {
		t.Errorf("Search() = %+v, want only alina", users)
	}
}

func TestUserService_UpdateProfile(t *testing.T) {
	gdb := testDB(t)
	svc := NewUserService(gdb, testCfg(), nil)
	ctx := context.Background()

	id := registerUser(t, svc, "alice")

	user, events, err := svc.UpdateProfile(ctx, id, ProfileUpdate{FullName: "Alice L", Phone: "123", DOB: "2000-01-02"})
	if err != nil {
		t.Fatalf("UpdateProfile() error = %v", err)
	}
	if user.FullName != "Alice L" || user.Phone != "123" {
		t.Errorf("UpdateProfile() user = %+v", user)
	}
	// 没有好友时不产生通知事件。
	if len(events) != 0 {
		t.Errorf("UpdateProfile() events = %d, want 0", len(events))
	}
}
