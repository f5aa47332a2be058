package services

import (
	"errors"
	"fmt"
)

// ErrorKind 区分关系操作的各种失败情形，调用方（HTTP 层等）据此
// 把可恢复的业务失败和基础设施故障区分开。
type ErrorKind string

const (
	KindNotLoggedIn               ErrorKind = "NotLoggedIn"
	KindUserNotFound              ErrorKind = "UserNotFound"
	KindSelfRequest               ErrorKind = "SelfRequest"
	KindRequestAlreadySent        ErrorKind = "RequestAlreadySent"
	KindRequestAlreadyReceived    ErrorKind = "RequestAlreadyReceived"
	KindAlreadyFriends            ErrorKind = "AlreadyFriends"
	KindBlocked                   ErrorKind = "Blocked"
	KindNotFound                  ErrorKind = "NotFound"
	KindNotParticipant            ErrorKind = "NotParticipant"
	KindNotPending                ErrorKind = "NotPending"
	KindCannotAcceptOwnRequest    ErrorKind = "CannotAcceptOwnRequest"
	KindCannotDeclineOwnRequest   ErrorKind = "CannotDeclineOwnRequest"
	KindCannotCancelOthersRequest ErrorKind = "CannotCancelOthersRequest"
	KindNotAccepted               ErrorKind = "NotAccepted"
	KindNotBlocked                ErrorKind = "NotBlocked"
	KindUnauthorized              ErrorKind = "Unauthorized"
	KindDatabaseError             ErrorKind = "DatabaseError"
)

// RelationshipError carries the failure kind, the operation that failed and
// a safe default message. 业务错误不会被降级成笼统错误；KindDatabaseError
// 包装所有来自存储层的意外失败并保留原始原因。
type RelationshipError struct {
	Kind    ErrorKind
	Op      string // 出错的操作，例如 "sendFriendRequest"
	Message string // 可以直接展示给用户的默认文案
	Err     error  // 底层原因（仅 DatabaseError 使用）
}

func (e *RelationshipError) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *RelationshipError) Unwrap() error { return e.Err }

// Is matches any RelationshipError of the same kind, so callers can use
// errors.Is(err, services.ErrAlreadyFriends).
func (e *RelationshipError) Is(target error) bool {
	var t *RelationshipError
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// 各错误类别的哨兵值，带默认文案。
var (
	ErrNotLoggedIn               = &RelationshipError{Kind: KindNotLoggedIn, Message: "用户未登录"}
	ErrUserNotFound              = &RelationshipError{Kind: KindUserNotFound, Message: "目标用户不存在"}
	ErrSelfRequest               = &RelationshipError{Kind: KindSelfRequest, Message: "不能对自己执行该操作"}
	ErrRequestAlreadySent        = &RelationshipError{Kind: KindRequestAlreadySent, Message: "已存在待处理的好友请求"}
	ErrRequestAlreadyReceived    = &RelationshipError{Kind: KindRequestAlreadyReceived, Message: "对方已向你发送过好友请求，请直接接受"}
	ErrAlreadyFriends            = &RelationshipError{Kind: KindAlreadyFriends, Message: "你们已经是好友了"}
	ErrBlocked                   = &RelationshipError{Kind: KindBlocked, Message: "存在拉黑关系，无法发送好友请求"}
	ErrRelationshipNotFound      = &RelationshipError{Kind: KindNotFound, Message: "关系记录不存在"}
	ErrNotParticipant            = &RelationshipError{Kind: KindNotParticipant, Message: "您不是该关系的参与者"}
	ErrNotPending                = &RelationshipError{Kind: KindNotPending, Message: "该好友请求不是待处理状态"}
	ErrCannotAcceptOwnRequest    = &RelationshipError{Kind: KindCannotAcceptOwnRequest, Message: "不能接受自己发出的好友请求"}
	ErrCannotDeclineOwnRequest   = &RelationshipError{Kind: KindCannotDeclineOwnRequest, Message: "不能拒绝自己发出的好友请求"}
	ErrCannotCancelOthersRequest = &RelationshipError{Kind: KindCannotCancelOthersRequest, Message: "只有发起者才能取消好友请求"}
	ErrNotAccepted               = &RelationshipError{Kind: KindNotAccepted, Message: "你们还不是好友"}
	ErrNotBlocked                = &RelationshipError{Kind: KindNotBlocked, Message: "该用户未被拉黑"}
	ErrUnauthorized              = &RelationshipError{Kind: KindUnauthorized, Message: "只有拉黑者本人才能解除拉黑"}
	ErrDatabase                  = &RelationshipError{Kind: KindDatabaseError, Message: "数据库操作失败"}
)

// domainErr returns a copy of the sentinel bound to the failing operation.
func domainErr(op string, sentinel *RelationshipError) error {
	return &RelationshipError{Kind: sentinel.Kind, Op: op, Message: sentinel.Message}
}

// databaseErr wraps an unexpected store failure, preserving the cause.
func databaseErr(op string, err error) error {
	return &RelationshipError{Kind: KindDatabaseError, Op: op, Message: ErrDatabase.Message, Err: err}
}

// isDomainErr reports whether err already carries a relationship kind,
// 用于在事务边界决定是否还需要包装成 DatabaseError。
func isDomainErr(err error) bool {
	var t *RelationshipError
	return errors.As(err, &t)
}
