package services

import "context"

// Notifier delivers a push notification to a single recipient.
// 通知是 best-effort 的：发送失败只记录日志，绝不影响关系操作的结果，
// 因此调用必须发生在存储事务提交之后（事务重试不能导致重复推送）。
type Notifier interface {
	SendNotification(ctx context.Context, recipientUID, title, body string, data map[string]string) error
}
