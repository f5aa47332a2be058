package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"talkie-go/internal/models"
)

// waitSnapshot 持续消费合并后的快照流，直到谓词满足或超时。
func waitSnapshot[T any](t *testing.T, ch <-chan []T, desc string, pred func([]T) bool) []T {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				t.Fatalf("%s: 流已关闭", desc)
			}
			if pred(snap) {
				return snap
			}
		case <-deadline:
			t.Fatalf("%s: 等待视图快照超时", desc)
		}
	}
}

func TestFriendsStream(t *testing.T) {
	env := newRelTestEnv(t, "alice", "bob")
	ctx, cancel := context.WithCancel(asUser("alice"))
	defer cancel()

	stream, err := env.svc.FriendsStream(ctx)
	if err != nil {
		t.Fatalf("FriendsStream: %v", err)
	}

	waitSnapshot(t, stream, "初始空视图", func(s []models.FriendEntry) bool {
		return len(s) == 0
	})

	relID, err := env.svc.SendFriendRequest(asUser("alice"), "bob")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.AcceptFriendRequest(asUser("bob"), relID); err != nil {
		t.Fatal(err)
	}

	snap := waitSnapshot(t, stream, "接受后出现好友", func(s []models.FriendEntry) bool {
		return len(s) == 1 && s[0].UID == "bob"
	})
	if snap[0].DisplayName != "用户-bob" || snap[0].RelationshipID != relID {
		t.Errorf("好友行内容不对: %+v", snap[0])
	}

	// 对端改名后视图跟着更新（join 到资料流）
	users := NewUserService(env.store)
	if _, err := users.UpdateUserProfile(context.Background(), "bob", "新昵称", "", ""); err != nil {
		t.Fatal(err)
	}
	waitSnapshot(t, stream, "改名后更新", func(s []models.FriendEntry) bool {
		return len(s) == 1 && s[0].DisplayName == "新昵称"
	})

	if err := env.svc.RemoveFriend(asUser("alice"), "bob"); err != nil {
		t.Fatal(err)
	}
	waitSnapshot(t, stream, "删除好友后清空", func(s []models.FriendEntry) bool {
		return len(s) == 0
	})
}

func TestPendingRequestsStreamBothSides(t *testing.T) {
	env := newRelTestEnv(t, "alice", "bob")

	aliceCtx, cancelAlice := context.WithCancel(asUser("alice"))
	defer cancelAlice()
	bobCtx, cancelBob := context.WithCancel(asUser("bob"))
	defer cancelBob()

	aliceStream, err := env.svc.PendingRequestsStream(aliceCtx)
	if err != nil {
		t.Fatal(err)
	}
	bobStream, err := env.svc.PendingRequestsStream(bobCtx)
	if err != nil {
		t.Fatal(err)
	}

	relID, err := env.svc.SendFriendRequest(asUser("alice"), "bob")
	if err != nil {
		t.Fatal(err)
	}

	// 发起方看到出站请求
	out := waitSnapshot(t, aliceStream, "发起方视图", func(s []models.PendingEntry) bool {
		return len(s) == 1 && s[0].RelationshipID == relID
	})
	if out[0].IsIncoming || out[0].UID != "bob" || out[0].InitiatorID != "alice" {
		t.Errorf("发起方的行不对: %+v", out[0])
	}

	// 接收方看到入站请求
	in := waitSnapshot(t, bobStream, "接收方视图", func(s []models.PendingEntry) bool {
		return len(s) == 1 && s[0].RelationshipID == relID
	})
	if !in[0].IsIncoming || in[0].UID != "alice" {
		t.Errorf("接收方的行不对: %+v", in[0])
	}

	// 接受后从双方的待处理视图消失
	if _, err := env.svc.AcceptFriendRequest(asUser("bob"), relID); err != nil {
		t.Fatal(err)
	}
	waitSnapshot(t, aliceStream, "接受后发起方清空", func(s []models.PendingEntry) bool { return len(s) == 0 })
	waitSnapshot(t, bobStream, "接受后接收方清空", func(s []models.PendingEntry) bool { return len(s) == 0 })
}

func TestBlockedUsersStreamOnlyBlocker(t *testing.T) {
	env := newRelTestEnv(t, "alice", "bob")

	aliceCtx, cancelAlice := context.WithCancel(asUser("alice"))
	defer cancelAlice()
	bobCtx, cancelBob := context.WithCancel(asUser("bob"))
	defer cancelBob()

	aliceStream, err := env.svc.BlockedUsersStream(aliceCtx)
	if err != nil {
		t.Fatal(err)
	}
	bobStream, err := env.svc.BlockedUsersStream(bobCtx)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := env.svc.BlockUser(asUser("alice"), "bob"); err != nil {
		t.Fatal(err)
	}

	// 只有拉黑者能在名单里看到对方
	waitSnapshot(t, aliceStream, "拉黑者视图", func(s []models.BlockedEntry) bool {
		return len(s) == 1 && s[0].UID == "bob"
	})

	// 给被拉黑方一点时间，确认其名单保持为空
	time.Sleep(100 * time.Millisecond)
	select {
	case snap := <-bobStream:
		if len(snap) != 0 {
			t.Errorf("被拉黑方不应看到任何行: %v", snap)
		}
	default:
	}

	if err := env.svc.UnblockUser(asUser("alice"), "bob"); err != nil {
		t.Fatal(err)
	}
	waitSnapshot(t, aliceStream, "解除后清空", func(s []models.BlockedEntry) bool { return len(s) == 0 })
}

func TestStreamsRequireLogin(t *testing.T) {
	env := newRelTestEnv(t)
	if _, err := env.svc.FriendsStream(context.Background()); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("FriendsStream 未登录: err = %v", err)
	}
	if _, err := env.svc.PendingRequestsStream(context.Background()); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("PendingRequestsStream 未登录: err = %v", err)
	}
	if _, err := env.svc.BlockedUsersStream(context.Background()); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("BlockedUsersStream 未登录: err = %v", err)
	}
}

func TestStreamTeardownReleasesSubscriptions(t *testing.T) {
	env := newRelTestEnv(t, "alice", "bob")

	relID, err := env.svc.SendFriendRequest(asUser("alice"), "bob")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.AcceptFriendRequest(asUser("bob"), relID); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(asUser("alice"))
	stream, err := env.svc.FriendsStream(ctx)
	if err != nil {
		t.Fatalf("FriendsStream: %v", err)
	}
	waitSnapshot(t, stream, "好友视图就绪", func(s []models.FriendEntry) bool {
		return len(s) == 1 && s[0].UID == "bob"
	})

	// 视图运行期间持有关系查询监听者和对端资料监听者
	if env.store.WatcherCount() == 0 {
		t.Fatal("视图运行期间应持有变更流监听者")
	}

	cancel()

	// 取消后输出通道关闭，不再发射任何快照
	closeDeadline := time.After(3 * time.Second)
waitClose:
	for {
		select {
		case _, ok := <-stream:
			if !ok {
				break waitClose
			}
		case <-closeDeadline:
			t.Fatal("取消上下文后流应关闭")
		}
	}

	// 关系查询监听者和全部资料子订阅随之释放
	releaseDeadline := time.Now().Add(3 * time.Second)
	for env.store.WatcherCount() != 0 {
		if time.Now().After(releaseDeadline) {
			t.Fatalf("取消后仍有 %d 个监听者未释放", env.store.WatcherCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestListFriendsOneShot(t *testing.T) {
	env := newRelTestEnv(t, "alice", "bob", "carol")

	relID, err := env.svc.SendFriendRequest(asUser("alice"), "bob")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.AcceptFriendRequest(asUser("bob"), relID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.SendFriendRequest(asUser("alice"), "carol"); err != nil {
		t.Fatal(err)
	}

	friends, err := env.svc.ListFriends(asUser("alice"))
	if err != nil {
		t.Fatalf("ListFriends: %v", err)
	}
	if len(friends) != 1 || friends[0].UID != "bob" {
		t.Errorf("好友列表不对: %+v", friends)
	}

	pending, err := env.svc.ListPendingRequests(asUser("carol"))
	if err != nil {
		t.Fatalf("ListPendingRequests: %v", err)
	}
	if len(pending) != 1 || pending[0].UID != "alice" || !pending[0].IsIncoming {
		t.Errorf("待处理列表不对: %+v", pending)
	}

	blocked, err := env.svc.ListBlockedUsers(asUser("alice"))
	if err != nil {
		t.Fatalf("ListBlockedUsers: %v", err)
	}
	if len(blocked) != 0 {
		t.Errorf("拉黑名单应为空: %+v", blocked)
	}
}
