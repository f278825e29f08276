package service

import (
	"context"
	"errors"
	"testing"

	"github.com/thaitranquang2004/Band-M/internal/ws"
)

func friendFixture(t *testing.T) (*FriendService, *UserService, uint, uint) {
	t.Helper()
	gdb := testDB(t)
	cfg := testCfg()
	userSvc := NewUserService(gdb, cfg, nil)
	friendSvc := NewFriendService(gdb, cfg)
	alice := registerUser(t, userSvc, "alice")
	bob := registerUser(t, userSvc, "bob")
	return friendSvc, userSvc, alice, bob
}

func TestFriendService_RequestAcceptSymmetry(t *testing.T) {
	svc, _, alice, bob := friendFixture(t)
	ctx := context.Background()

	req, events, err := svc.Request(ctx, alice, bob)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if len(events) != 1 || events[0].Name != ws.EventFriendRequest || events[0].User != bob {
		t.Errorf("Request() events = %+v, want one friendRequest to bob", events)
	}

	events, err = svc.Accept(ctx, bob, req.ID)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if len(events) != 1 || events[0].Name != ws.EventFriendAccepted || events[0].User != alice {
		t.Errorf("Accept() events = %+v, want one friendAccepted to alice", events)
	}

	// 对称不变量：双方好友列表互相包含对方。
	aliceFriends, err := svc.List(ctx, alice)
	if err != nil {
		t.Fatalf("List(alice) error = %v", err)
	}
	bobFriends, err := svc.List(ctx, bob)
	if err != nil {
		t.Fatalf("List(bob) error = %v", err)
	}
	if len(aliceFriends) != 1 || aliceFriends[0].ID != bob {
		t.Errorf("friends(alice) = %+v, want [bob]", aliceFriends)
	}
	if len(bobFriends) != 1 || bobFriends[0].ID != alice {
		t.Errorf("friends(bob) = %+v, want [alice]", bobFriends)
	}
}

func TestFriendService_DuplicatePendingRequest(t *testing.T) {
	svc, _, alice, bob := friendFixture(t)
	ctx := context.Background()

	if _, _, err := svc.Request(ctx, alice, bob); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if _, _, err := svc.Request(ctx, alice, bob); !errors.Is(err, ErrRequestExists) {
		t.Errorf("duplicate Request() error = %v, want ErrRequestExists", err)
	}
}

func TestFriendService_AcceptTerminalStates(t *testing.T) {
	svc, _, alice, bob := friendFixture(t)
	ctx := context.Background()

	req, _, err := svc.Request(ctx, alice, bob)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if _, err := svc.Accept(ctx, bob, req.ID); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	// 终态后不允许再次转移。
	if _, err := svc.Accept(ctx, bob, req.ID); !errors.Is(err, ErrRequestNotPending) {
		t.Errorf("Accept() on accepted request error = %v, want ErrRequestNotPending", err)
	}
	if _, err := svc.Decline(ctx, bob, req.ID); !errors.Is(err, ErrRequestNotPending) {
		t.Errorf("Decline() on accepted request error = %v, want ErrRequestNotPending", err)
	}
}

func TestFriendService_Decline(t *testing.T) {
	svc, _, alice, bob := friendFixture(t)
	ctx := context.Background()

	req, _, err := svc.Request(ctx, alice, bob)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	events, err := svc.Decline(ctx, bob, req.ID)
	if err != nil {
		t.Fatalf("Decline() error = %v", err)
	}
	if len(events) != 1 || events[0].Name != ws.EventFriendDeclined || events[0].User != alice {
		t.Errorf("Decline() events = %+v, want one friendDeclined to alice", events)
	}

	// 拒绝不建立好友关系。
	friends, err := svc.List(ctx, alice)
	if err != nil {
		t.Fatalf("List(alice) error = %v", err)
	}
	if len(friends) != 0 {
		t.Errorf("friends(alice) after decline = %+v, want empty", friends)
	}

	// 拒绝后允许重新发起请求。
	if _, _, err := svc.Request(ctx, alice, bob); err != nil {
		t.Errorf("Request() after decline error = %v, want nil", err)
	}
}

func TestFriendService_OnlyReceiverCanAccept(t *testing.T) {
	svc, _, alice, bob := friendFixture(t)
	ctx := context.Background()

	req, _, err := svc.Request(ctx, alice, bob)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	// 非接收者按不存在处理，不泄露请求是否存在。
	if _, err := svc.Accept(ctx, alice, req.ID); !errors.Is(err, ErrRequestNotFound) {
		t.Errorf("Accept() by sender error = %v, want ErrRequestNotFound", err)
	}
	if _, err := svc.Decline(ctx, alice, req.ID); !errors.Is(err, ErrRequestNotFound) {
		t.Errorf("Decline() by sender error = %v, want ErrRequestNotFound", err)
	}
}

func TestFriendService_RequestToUnknownUser(t *testing.T) {
	svc, _, alice, _ := friendFixture(t)
	if _, _, err := svc.Request(context.Background(), alice, 9999); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Request() to unknown user error = %v, want ErrUserNotFound", err)
	}
}

func TestFriendService_Incoming(t *testing.T) {
	svc, _, alice, bob := friendFixture(t)
	ctx := context.Background()

	req, _, err := svc.Request(ctx, alice, bob)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}

	incoming, err := svc.Incoming(ctx, bob)
	if err != nil {
		t.Fatalf("Incoming() error = %v", err)
	}
	if len(incoming) != 1 || incoming[0].ID != req.ID || incoming[0].Sender.Username != "alice" {
		t.Errorf("Incoming() = %+v, want alice's request", incoming)
	}

	if _, err := svc.Accept(ctx, bob, req.ID); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	incoming, err = svc.Incoming(ctx, bob)
	if err != nil {
		t.Fatalf("Incoming() error = %v", err)
	}
	if len(incoming) != 0 {
		t.Errorf("Incoming() after accept = %+v, want empty", incoming)
	}
}
