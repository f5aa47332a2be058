package websocket

import (
	"encoding/json"
	"testing"
	"time"

	"talkie-go/internal/apptypes"
)

func newTestClient(h *Hub, uid string, buffer int) *Client {
	return &Client{
		hub:  h,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
		UID:  uid,
	}
}

func waitClosed(t *testing.T, c *Client, desc string) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: 等待连接关闭超时", desc)
	}
}

func testFrame(t *testing.T) *apptypes.StreamFrame {
	t.Helper()
	frame, err := apptypes.NewStreamFrame(apptypes.FriendsFrame, []string{})
	if err != nil {
		t.Fatalf("构造测试帧失败: %v", err)
	}
	return frame
}

func TestEnqueueFrameAfterUnregister(t *testing.T) {
	h := NewHub()
	go h.Run()

	c := newTestClient(h, "alice", 4)
	h.register <- c
	h.unregister <- c
	waitClosed(t, c, "注销")

	// 注销后转发协程可能仍在并发入队，必须拿到错误而不是 panic
	if err := c.EnqueueFrame(testFrame(t)); err == nil {
		t.Error("注销后 EnqueueFrame 应返回错误")
	}
}

func TestRegisterReplacesExistingConnection(t *testing.T) {
	h := NewHub()
	go h.Run()

	old := newTestClient(h, "alice", 4)
	h.register <- old
	fresh := newTestClient(h, "alice", 4)
	h.register <- fresh
	waitClosed(t, old, "旧连接被顶替")

	if err := old.EnqueueFrame(testFrame(t)); err == nil {
		t.Error("被顶替的旧连接入队应返回错误")
	}
	if err := fresh.EnqueueFrame(testFrame(t)); err != nil {
		t.Errorf("新连接入队失败: %v", err)
	}

	// 旧连接迟到的注销不能波及同 uid 的新连接
	h.unregister <- old
	time.Sleep(50 * time.Millisecond)
	select {
	case <-fresh.Done():
		t.Error("新连接不应被旧连接的注销关闭")
	default:
	}
}

func TestDeliverNotificationToRecipient(t *testing.T) {
	h := NewHub()
	go h.Run()

	c := newTestClient(h, "bob", 4)
	h.register <- c

	h.DeliverNotification(&apptypes.NotificationEvent{RecipientUID: "bob", Title: "好友请求"})

	select {
	case payload := <-c.send:
		var frame apptypes.StreamFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			t.Fatalf("解析通知帧失败: %v", err)
		}
		if frame.Kind != apptypes.NotificationFrame {
			t.Errorf("帧类型 = %s, want %s", frame.Kind, apptypes.NotificationFrame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("等待通知帧超时")
	}
}

func TestDeliverNotificationEvictsSlowClient(t *testing.T) {
	h := NewHub()
	go h.Run()

	c := newTestClient(h, "bob", 1)
	h.register <- c
	c.send <- []byte("x") // 占满发送缓冲

	h.DeliverNotification(&apptypes.NotificationEvent{RecipientUID: "bob", Title: "好友请求"})
	waitClosed(t, c, "缓冲满淘汰")

	if err := c.EnqueueFrame(testFrame(t)); err == nil {
		t.Error("被淘汰的连接入队应返回错误")
	}
}
