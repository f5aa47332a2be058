package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"talkie-go/internal/auth"
	"talkie-go/internal/models"
	"talkie-go/internal/storage"
)

// recordingNotifier 记录每一次推送，供断言使用。
type recordingNotifier struct {
	mu     sync.Mutex
	events []recordedNotification
}

type recordedNotification struct {
	recipientUID string
	data         map[string]string
}

func (n *recordingNotifier) SendNotification(_ context.Context, recipientUID, _, _ string, data map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, recordedNotification{recipientUID: recipientUID, data: data})
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func (n *recordingNotifier) last() recordedNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.events[len(n.events)-1]
}

type relTestEnv struct {
	store    *storage.MemoryStore
	svc      RelationshipService
	notifier *recordingNotifier
}

func newRelTestEnv(t *testing.T, uids ...string) *relTestEnv {
	t.Helper()
	store := storage.NewMemoryStore()
	for _, uid := range uids {
		profile := &models.UserProfile{Username: uid, DisplayName: "用户-" + uid}
		if err := store.SetDocument(context.Background(), "users", uid, profile.ToMap(), false); err != nil {
			t.Fatalf("写入用户 %s 失败: %v", uid, err)
		}
	}
	notifier := &recordingNotifier{}
	users := NewUserService(store)
	svc := NewRelationshipService(store, users, auth.ContextIdentityProvider{}, notifier)
	return &relTestEnv{store: store, svc: svc, notifier: notifier}
}

func asUser(uid string) context.Context {
	return auth.ContextWithIdentity(context.Background(), &auth.Identity{UID: uid})
}

func (e *relTestEnv) getRelationship(t *testing.T, id string) *models.Relationship {
	t.Helper()
	doc, err := e.store.GetDocument(context.Background(), "relationships", id)
	if err != nil {
		t.Fatalf("读取关系文档 %s 失败: %v", id, err)
	}
	rel, err := models.RelationshipFromDocument(doc.ID, doc.Data)
	if err != nil {
		t.Fatalf("解析关系文档失败: %v", err)
	}
	return rel
}

func (e *relTestEnv) countRelationships(t *testing.T) int {
	t.Helper()
	docs, err := e.store.QueryDocuments(context.Background(), "relationships", storage.Query{})
	if err != nil {
		t.Fatalf("查询关系集合失败: %v", err)
	}
	return len(docs)
}

func TestSendFriendRequest(t *testing.T) {
	env := newRelTestEnv(t, "alice", "bob")

	relID, err := env.svc.SendFriendRequest(asUser("alice"), "bob")
	if err != nil {
		t.Fatalf("SendFriendRequest: %v", err)
	}

	rel := env.getRelationship(t, relID)
	if rel.Status != models.RelationshipStatusPending {
		t.Errorf("status = %q, want pending", rel.Status)
	}
	if rel.InitiatorID != "alice" {
		t.Errorf("initiatorId = %q, want alice", rel.InitiatorID)
	}
	if rel.Participants != models.CanonicalPair("alice", "bob") {
		t.Errorf("participants = %v", rel.Participants)
	}

	if env.notifier.count() != 1 {
		t.Fatalf("通知次数 = %d, want 1", env.notifier.count())
	}
	got := env.notifier.last()
	if got.recipientUID != "bob" || got.data["type"] != "friend_request" {
		t.Errorf("通知内容不对: %+v", got)
	}
}

func TestSendFriendRequestRejections(t *testing.T) {
	env := newRelTestEnv(t, "alice", "bob")

	if _, err := env.svc.SendFriendRequest(asUser("alice"), "alice"); !errors.Is(err, ErrSelfRequest) {
		t.Errorf("发给自己: err = %v, want ErrSelfRequest", err)
	}
	if _, err := env.svc.SendFriendRequest(asUser("alice"), "ghost"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("发给不存在的用户: err = %v, want ErrUserNotFound", err)
	}
	if _, err := env.svc.SendFriendRequest(context.Background(), "bob"); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("未登录: err = %v, want ErrNotLoggedIn", err)
	}

	if _, err := env.svc.SendFriendRequest(asUser("alice"), "bob"); err != nil {
		t.Fatalf("首次发送失败: %v", err)
	}
	if _, err := env.svc.SendFriendRequest(asUser("alice"), "bob"); !errors.Is(err, ErrRequestAlreadySent) {
		t.Errorf("重复发送: err = %v, want ErrRequestAlreadySent", err)
	}
	if _, err := env.svc.SendFriendRequest(asUser("bob"), "alice"); !errors.Is(err, ErrRequestAlreadyReceived) {
		t.Errorf("反向发送: err = %v, want ErrRequestAlreadyReceived", err)
	}

	// 拒绝的请求不会触发额外通知
	if env.notifier.count() != 1 {
		t.Errorf("通知次数 = %d, want 1", env.notifier.count())
	}
	if env.countRelationships(t) != 1 {
		t.Errorf("同一用户对出现了多个关系文档")
	}
}

func TestAcceptFriendRequest(t *testing.T) {
	env := newRelTestEnv(t, "alice", "bob", "carol")
	relID, _ := env.svc.SendFriendRequest(asUser("alice"), "bob")

	if _, err := env.svc.AcceptFriendRequest(asUser("alice"), relID); !errors.Is(err, ErrCannotAcceptOwnRequest) {
		t.Errorf("接受自己发的请求: err = %v", err)
	}
	if _, err := env.svc.AcceptFriendRequest(asUser("carol"), relID); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("非参与者接受: err = %v", err)
	}
	if _, err := env.svc.AcceptFriendRequest(asUser("bob"), "missing-id"); !errors.Is(err, ErrRelationshipNotFound) {
		t.Errorf("接受不存在的请求: err = %v", err)
	}

	if _, err := env.svc.AcceptFriendRequest(asUser("bob"), relID); err != nil {
		t.Fatalf("AcceptFriendRequest: %v", err)
	}
	rel := env.getRelationship(t, relID)
	if rel.Status != models.RelationshipStatusAccepted {
		t.Errorf("status = %q, want accepted", rel.Status)
	}
	if rel.AcceptedAt == nil || rel.AcceptedAt.IsZero() {
		t.Error("acceptedAt 未填写")
	}

	// 接受后通知发给发起者
	got := env.notifier.last()
	if got.recipientUID != "alice" || got.data["type"] != "friend_accept" {
		t.Errorf("接受通知不对: %+v", got)
	}

	// 已接受的请求不能再次接受
	if _, err := env.svc.AcceptFriendRequest(asUser("bob"), relID); !errors.Is(err, ErrNotPending) {
		t.Errorf("重复接受: err = %v, want ErrNotPending", err)
	}
}

func TestDeclineThenResend(t *testing.T) {
	env := newRelTestEnv(t, "alice", "bob")
	relID, _ := env.svc.SendFriendRequest(asUser("alice"), "bob")

	if err := env.svc.RejectFriendRequest(asUser("alice"), relID); !errors.Is(err, ErrCannotDeclineOwnRequest) {
		t.Errorf("拒绝自己发的请求: err = %v", err)
	}
	if err := env.svc.RejectFriendRequest(asUser("bob"), relID); err != nil {
		t.Fatalf("RejectFriendRequest: %v", err)
	}
	if rel := env.getRelationship(t, relID); rel.Status != models.RelationshipStatusDeclined {
		t.Errorf("status = %q, want declined", rel.Status)
	}

	// declined 状态下任意一方都可以重新发起，复用同一文档
	resendID, err := env.svc.SendFriendRequest(asUser("bob"), "alice")
	if err != nil {
		t.Fatalf("拒绝后重发: %v", err)
	}
	if resendID != relID {
		t.Errorf("重发应复用文档: got %s, want %s", resendID, relID)
	}
	rel := env.getRelationship(t, relID)
	if rel.Status != models.RelationshipStatusPending || rel.InitiatorID != "bob" {
		t.Errorf("重发后的状态不对: status=%q initiator=%q", rel.Status, rel.InitiatorID)
	}
	if rel.AcceptedAt != nil {
		t.Error("重发后 acceptedAt 应为空")
	}
}

func TestCancelFriendRequest(t *testing.T) {
	env := newRelTestEnv(t, "alice", "bob")
	relID, _ := env.svc.SendFriendRequest(asUser("alice"), "bob")

	if err := env.svc.CancelFriendRequest(asUser("bob"), relID); !errors.Is(err, ErrCannotCancelOthersRequest) {
		t.Errorf("接收方取消: err = %v", err)
	}
	if err := env.svc.CancelFriendRequest(asUser("alice"), relID); err != nil {
		t.Fatalf("CancelFriendRequest: %v", err)
	}
	if env.countRelationships(t) != 0 {
		t.Error("取消后文档应被删除")
	}
	if err := env.svc.CancelFriendRequest(asUser("alice"), relID); !errors.Is(err, ErrRelationshipNotFound) {
		t.Errorf("重复取消: err = %v", err)
	}
}

func TestRemoveFriend(t *testing.T) {
	env := newRelTestEnv(t, "alice", "bob")

	if err := env.svc.RemoveFriend(asUser("alice"), "bob"); !errors.Is(err, ErrRelationshipNotFound) {
		t.Errorf("删除不存在的好友: err = %v", err)
	}

	relID, _ := env.svc.SendFriendRequest(asUser("alice"), "bob")
	if err := env.svc.RemoveFriend(asUser("alice"), "bob"); !errors.Is(err, ErrNotAccepted) {
		t.Errorf("删除 pending 状态: err = %v", err)
	}

	if _, err := env.svc.AcceptFriendRequest(asUser("bob"), relID); err != nil {
		t.Fatalf("AcceptFriendRequest: %v", err)
	}
	if err := env.svc.RemoveFriend(asUser("bob"), "alice"); err != nil {
		t.Fatalf("RemoveFriend: %v", err)
	}
	if env.countRelationships(t) != 0 {
		t.Error("删除好友后文档应被移除")
	}
}

func TestBlockCollapsesAnyState(t *testing.T) {
	// 从 pending / accepted / declined / 无关系 四种起点拉黑，
	// 结果都必须是同一对用户的唯一 blocked 文档，发起者是拉黑者。
	setups := []struct {
		name  string
		setup func(t *testing.T, env *relTestEnv)
	}{
		{"无关系", func(t *testing.T, env *relTestEnv) {}},
		{"pending", func(t *testing.T, env *relTestEnv) {
			if _, err := env.svc.SendFriendRequest(asUser("bob"), "alice"); err != nil {
				t.Fatal(err)
			}
		}},
		{"accepted", func(t *testing.T, env *relTestEnv) {
			relID, err := env.svc.SendFriendRequest(asUser("bob"), "alice")
			if err != nil {
				t.Fatal(err)
			}
			if _, err := env.svc.AcceptFriendRequest(asUser("alice"), relID); err != nil {
				t.Fatal(err)
			}
		}},
		{"declined", func(t *testing.T, env *relTestEnv) {
			relID, err := env.svc.SendFriendRequest(asUser("bob"), "alice")
			if err != nil {
				t.Fatal(err)
			}
			if err := env.svc.RejectFriendRequest(asUser("alice"), relID); err != nil {
				t.Fatal(err)
			}
		}},
	}

	for _, c := range setups {
		t.Run(c.name, func(t *testing.T) {
			env := newRelTestEnv(t, "alice", "bob")
			c.setup(t, env)

			relID, err := env.svc.BlockUser(asUser("alice"), "bob")
			if err != nil {
				t.Fatalf("BlockUser: %v", err)
			}
			if env.countRelationships(t) != 1 {
				t.Fatalf("拉黑后文档数 = %d, want 1", env.countRelationships(t))
			}
			rel := env.getRelationship(t, relID)
			if rel.Status != models.RelationshipStatusBlocked || rel.InitiatorID != "alice" {
				t.Errorf("拉黑后的状态不对: status=%q initiator=%q", rel.Status, rel.InitiatorID)
			}
			if rel.AcceptedAt != nil {
				t.Error("拉黑后 acceptedAt 应被清除")
			}

			// 拉黑状态下不能发好友请求
			if _, err := env.svc.SendFriendRequest(asUser("bob"), "alice"); !errors.Is(err, ErrBlocked) {
				t.Errorf("拉黑状态下发请求: err = %v, want ErrBlocked", err)
			}
		})
	}
}

func TestUnblockOnlyByBlocker(t *testing.T) {
	env := newRelTestEnv(t, "alice", "bob")

	if err := env.svc.UnblockUser(asUser("alice"), "bob"); !errors.Is(err, ErrRelationshipNotFound) {
		t.Errorf("解除不存在的拉黑: err = %v", err)
	}

	if _, err := env.svc.BlockUser(asUser("alice"), "bob"); err != nil {
		t.Fatalf("BlockUser: %v", err)
	}

	if err := env.svc.UnblockUser(asUser("bob"), "alice"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("被拉黑方解除: err = %v, want ErrUnauthorized", err)
	}
	if err := env.svc.UnblockUser(asUser("alice"), "bob"); err != nil {
		t.Fatalf("UnblockUser: %v", err)
	}
	if env.countRelationships(t) != 0 {
		t.Error("解除拉黑后文档应被删除")
	}

	// 解除后可以重新发请求
	if _, err := env.svc.SendFriendRequest(asUser("bob"), "alice"); err != nil {
		t.Errorf("解除拉黑后发请求失败: %v", err)
	}
}

func TestUnblockRequiresBlockedState(t *testing.T) {
	env := newRelTestEnv(t, "alice", "bob")
	if _, err := env.svc.SendFriendRequest(asUser("alice"), "bob"); err != nil {
		t.Fatal(err)
	}
	if err := env.svc.UnblockUser(asUser("alice"), "bob"); !errors.Is(err, ErrNotBlocked) {
		t.Errorf("解除非拉黑状态: err = %v, want ErrNotBlocked", err)
	}
}

func TestSearchUserByUID(t *testing.T) {
	env := newRelTestEnv(t, "alice", "bob")

	profile, err := env.svc.SearchUserByUID(asUser("alice"), "bob")
	if err != nil {
		t.Fatalf("SearchUserByUID: %v", err)
	}
	if profile == nil || profile.UID != "bob" || profile.DisplayName != "用户-bob" {
		t.Errorf("查找结果不对: %+v", profile)
	}

	// 查自己和查不存在的用户都返回空结果，不是错误
	if p, err := env.svc.SearchUserByUID(asUser("alice"), "alice"); err != nil || p != nil {
		t.Errorf("查自己: profile=%v err=%v", p, err)
	}
	if p, err := env.svc.SearchUserByUID(asUser("alice"), "ghost"); err != nil || p != nil {
		t.Errorf("查不存在的用户: profile=%v err=%v", p, err)
	}
}

func TestConcurrentSendFriendRequest(t *testing.T) {
	// 双方同时向对方发请求：事务必须保证该用户对最终只有一个文档。
	env := newRelTestEnv(t, "alice", "bob")

	var wg sync.WaitGroup
	send := func(from, to string) {
		defer wg.Done()
		if _, err := env.svc.SendFriendRequest(asUser(from), to); err != nil {
			// 输掉竞争的一方收到业务错误是合法结果
			if !errors.Is(err, ErrRequestAlreadySent) && !errors.Is(err, ErrRequestAlreadyReceived) {
				t.Errorf("并发发送收到意外错误: %v", err)
			}
		}
	}
	wg.Add(2)
	go send("alice", "bob")
	go send("bob", "alice")
	wg.Wait()

	if n := env.countRelationships(t); n != 1 {
		t.Fatalf("并发发送后文档数 = %d, want 1", n)
	}
}
