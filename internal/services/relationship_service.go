package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"talkie-go/internal/auth"
	"talkie-go/internal/models"
	"talkie-go/internal/storage"
)

// relationshipsCollection 是关系文档所在的集合。
const relationshipsCollection = "relationships"

// friendsPageSize 限制每个实时视图返回的行数。
const friendsPageSize = 15

// RelationshipService owns the lifecycle of the relationship entity between
// two users: friend request → accept/decline/cancel, or block/unblock.
// 所有写操作都在存储事务内做 read-check-write，两个客户端对同一用户对
// 并发操作时由事务保证最多一次生效；通知在事务提交之后发送。
type RelationshipService interface {
	SendFriendRequest(ctx context.Context, targetUID string) (string, error)
	AcceptFriendRequest(ctx context.Context, relationshipID string) (string, error)
	RejectFriendRequest(ctx context.Context, relationshipID string) error
	CancelFriendRequest(ctx context.Context, relationshipID string) error
	RemoveFriend(ctx context.Context, targetUID string) error
	BlockUser(ctx context.Context, targetUID string) (string, error)
	UnblockUser(ctx context.Context, targetUID string) error

	// SearchUserByUID 是发送好友请求前的查找入口：返回公开资料投影，
	// 查自己或查不到时返回 (nil, nil) 而不是错误。
	SearchUserByUID(ctx context.Context, uid string) (*models.PublicProfile, error)

	// 实时视图：随底层数据持续更新的行集，取消 ctx 即退订
	//（包括所有为 join 生出的用户资料子订阅）。
	FriendsStream(ctx context.Context) (<-chan []models.FriendEntry, error)
	PendingRequestsStream(ctx context.Context) (<-chan []models.PendingEntry, error)
	BlockedUsersStream(ctx context.Context) (<-chan []models.BlockedEntry, error)

	// 一次性列表（REST 回退，不做实时 join）。
	ListFriends(ctx context.Context) ([]models.FriendEntry, error)
	ListPendingRequests(ctx context.Context) ([]models.PendingEntry, error)
	ListBlockedUsers(ctx context.Context) ([]models.BlockedEntry, error)
}

type relationshipService struct {
	store    storage.DocumentStore
	users    UserService
	identity auth.IdentityProvider
	notifier Notifier
}

// NewRelationshipService wires the service with its four collaborators.
func NewRelationshipService(store storage.DocumentStore, users UserService, identity auth.IdentityProvider, notifier Notifier) RelationshipService {
	return &relationshipService{
		store:    store,
		users:    users,
		identity: identity,
		notifier: notifier,
	}
}

// currentUID resolves the caller or fails with NotLoggedIn.
func (s *relationshipService) currentUID(ctx context.Context, op string) (string, error) {
	id, err := s.identity.CurrentUser(ctx)
	if err != nil {
		return "", databaseErr(op, err)
	}
	if id == nil || id.UID == "" {
		return "", domainErr(op, ErrNotLoggedIn)
	}
	return id.UID, nil
}

// lookupPairTx finds the single relationship document for the unordered
// pair, or nil. 规范排序让查找与调用方向无关。
func lookupPairTx(tx storage.Transaction, a, b string) (*models.Relationship, error) {
	pair := models.CanonicalPair(a, b)
	q := storage.Query{Limit: 1}.
		Where("participants", storage.OpEqual, []string{pair[0], pair[1]}).
		Where("type", storage.OpEqual, string(models.RelationshipTypeFriendship))
	docs, err := tx.Query(relationshipsCollection, q)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return models.RelationshipFromDocument(docs[0].ID, docs[0].Data)
}

// getTx loads a relationship by id inside a transaction.
func getTx(tx storage.Transaction, op, relationshipID string) (*models.Relationship, error) {
	doc, err := tx.Get(relationshipsCollection, relationshipID)
	if errors.Is(err, storage.ErrDocumentNotFound) {
		return nil, domainErr(op, ErrRelationshipNotFound)
	}
	if err != nil {
		return nil, err
	}
	return models.RelationshipFromDocument(doc.ID, doc.Data)
}

// finishTx 统一处理事务返回值：业务错误原样传出，其余包装为 DatabaseError。
func finishTx(op string, err error) error {
	if err == nil || isDomainErr(err) {
		return err
	}
	return databaseErr(op, err)
}

// SendFriendRequest creates or revives a pending request towards targetUID
// and returns the relationship id.
func (s *relationshipService) SendFriendRequest(ctx context.Context, targetUID string) (string, error) {
	const op = "sendFriendRequest"

	caller, err := s.currentUID(ctx, op)
	if err != nil {
		return "", err
	}
	if targetUID == caller {
		return "", domainErr(op, ErrSelfRequest)
	}

	target, err := s.users.GetUserData(ctx, targetUID)
	if err != nil {
		return "", databaseErr(op, err)
	}
	if target == nil {
		return "", domainErr(op, ErrUserNotFound)
	}

	var relationshipID string
	txErr := s.store.RunTransaction(ctx, func(tx storage.Transaction) error {
		rel, err := lookupPairTx(tx, caller, targetUID)
		if err != nil {
			return err
		}

		if rel == nil {
			pair := models.CanonicalPair(caller, targetUID)
			entity := &models.Relationship{
				Participants: pair,
				Type:         models.RelationshipTypeFriendship,
				Status:       models.RelationshipStatusPending,
				InitiatorID:  caller,
			}
			id, err := tx.Create(relationshipsCollection, entity.ToMap())
			if err != nil {
				return err
			}
			relationshipID = id
			return nil
		}

		switch rel.Status {
		case models.RelationshipStatusPending:
			if rel.InitiatorID == caller {
				return domainErr(op, ErrRequestAlreadySent)
			}
			// 对方已先发请求，调用者应当接受而不是重复发送
			return domainErr(op, ErrRequestAlreadyReceived)
		case models.RelationshipStatusAccepted:
			return domainErr(op, ErrAlreadyFriends)
		case models.RelationshipStatusBlocked:
			return domainErr(op, ErrBlocked)
		case models.RelationshipStatusDeclined:
			// declined 不是死状态：就地复活成新的 pending
			relationshipID = rel.ID
			return tx.Update(relationshipsCollection, rel.ID, map[string]any{
				"status":      string(models.RelationshipStatusPending),
				"initiatorId": caller,
				"acceptedAt":  nil,
			})
		}
		return domainErr(op, ErrRelationshipNotFound)
	})
	if err := finishTx(op, txErr); err != nil {
		return "", err
	}

	s.notifyBestEffort(ctx, targetUID, "好友请求", "你收到了一条新的好友请求", map[string]string{
		"type":           "friend_request",
		"fromUid":        caller,
		"relationshipId": relationshipID,
	})
	return relationshipID, nil
}

// AcceptFriendRequest accepts a pending request addressed to the caller.
func (s *relationshipService) AcceptFriendRequest(ctx context.Context, relationshipID string) (string, error) {
	const op = "acceptFriendRequest"

	caller, err := s.currentUID(ctx, op)
	if err != nil {
		return "", err
	}

	var initiator string
	txErr := s.store.RunTransaction(ctx, func(tx storage.Transaction) error {
		rel, err := getTx(tx, op, relationshipID)
		if err != nil {
			return err
		}
		if !rel.HasParticipant(caller) {
			return domainErr(op, ErrNotParticipant)
		}
		if rel.Status != models.RelationshipStatusPending {
			return domainErr(op, ErrNotPending)
		}
		if rel.InitiatorID == caller {
			return domainErr(op, ErrCannotAcceptOwnRequest)
		}
		initiator = rel.InitiatorID
		return tx.Update(relationshipsCollection, relationshipID, map[string]any{
			"status":     string(models.RelationshipStatusAccepted),
			"acceptedAt": time.Now().UTC(),
		})
	})
	if err := finishTx(op, txErr); err != nil {
		return "", err
	}

	s.notifyBestEffort(ctx, initiator, "好友请求已接受", "对方接受了你的好友请求", map[string]string{
		"type":           "friend_accept",
		"fromUid":        caller,
		"relationshipId": relationshipID,
	})
	return relationshipID, nil
}

// RejectFriendRequest declines a pending request addressed to the caller.
// 不发送通知（静默拒绝）。
func (s *relationshipService) RejectFriendRequest(ctx context.Context, relationshipID string) error {
	const op = "rejectFriendRequest"

	caller, err := s.currentUID(ctx, op)
	if err != nil {
		return err
	}

	txErr := s.store.RunTransaction(ctx, func(tx storage.Transaction) error {
		rel, err := getTx(tx, op, relationshipID)
		if err != nil {
			return err
		}
		if !rel.HasParticipant(caller) {
			return domainErr(op, ErrNotParticipant)
		}
		if rel.Status != models.RelationshipStatusPending {
			return domainErr(op, ErrNotPending)
		}
		if rel.InitiatorID == caller {
			return domainErr(op, ErrCannotDeclineOwnRequest)
		}
		return tx.Update(relationshipsCollection, relationshipID, map[string]any{
			"status":     string(models.RelationshipStatusDeclined),
			"acceptedAt": nil,
		})
	})
	return finishTx(op, txErr)
}

// CancelFriendRequest deletes a pending request the caller sent.
func (s *relationshipService) CancelFriendRequest(ctx context.Context, relationshipID string) error {
	const op = "cancelFriendRequest"

	caller, err := s.currentUID(ctx, op)
	if err != nil {
		return err
	}

	txErr := s.store.RunTransaction(ctx, func(tx storage.Transaction) error {
		rel, err := getTx(tx, op, relationshipID)
		if err != nil {
			return err
		}
		if !rel.HasParticipant(caller) {
			return domainErr(op, ErrNotParticipant)
		}
		if rel.Status != models.RelationshipStatusPending {
			return domainErr(op, ErrNotPending)
		}
		if rel.InitiatorID != caller {
			return domainErr(op, ErrCannotCancelOthersRequest)
		}
		return tx.Delete(relationshipsCollection, relationshipID)
	})
	return finishTx(op, txErr)
}

// RemoveFriend deletes the accepted friendship with targetUID.
func (s *relationshipService) RemoveFriend(ctx context.Context, targetUID string) error {
	const op = "removeFriend"

	caller, err := s.currentUID(ctx, op)
	if err != nil {
		return err
	}
	if targetUID == caller {
		return domainErr(op, ErrSelfRequest)
	}

	txErr := s.store.RunTransaction(ctx, func(tx storage.Transaction) error {
		rel, err := lookupPairTx(tx, caller, targetUID)
		if err != nil {
			return err
		}
		if rel == nil {
			return domainErr(op, ErrRelationshipNotFound)
		}
		if rel.Status != models.RelationshipStatusAccepted {
			return domainErr(op, ErrNotAccepted)
		}
		return tx.Delete(relationshipsCollection, rel.ID)
	})
	return finishTx(op, txErr)
}

// BlockUser collapses whatever relationship exists with targetUID into
// blocked, creating the document when none exists. 拉黑是静默的，不发通知。
func (s *relationshipService) BlockUser(ctx context.Context, targetUID string) (string, error) {
	const op = "blockUser"

	caller, err := s.currentUID(ctx, op)
	if err != nil {
		return "", err
	}
	if targetUID == caller {
		return "", domainErr(op, ErrSelfRequest)
	}

	target, err := s.users.GetUserData(ctx, targetUID)
	if err != nil {
		return "", databaseErr(op, err)
	}
	if target == nil {
		return "", domainErr(op, ErrUserNotFound)
	}

	var relationshipID string
	txErr := s.store.RunTransaction(ctx, func(tx storage.Transaction) error {
		rel, err := lookupPairTx(tx, caller, targetUID)
		if err != nil {
			return err
		}
		if rel != nil {
			// pending/accepted/declined 全部坍缩为 blocked
			relationshipID = rel.ID
			return tx.Update(relationshipsCollection, rel.ID, map[string]any{
				"status":      string(models.RelationshipStatusBlocked),
				"initiatorId": caller,
				"acceptedAt":  nil,
			})
		}
		pair := models.CanonicalPair(caller, targetUID)
		entity := &models.Relationship{
			Participants: pair,
			Type:         models.RelationshipTypeFriendship,
			Status:       models.RelationshipStatusBlocked,
			InitiatorID:  caller,
		}
		id, err := tx.Create(relationshipsCollection, entity.ToMap())
		if err != nil {
			return err
		}
		relationshipID = id
		return nil
	})
	if err := finishTx(op, txErr); err != nil {
		return "", err
	}
	return relationshipID, nil
}

// UnblockUser lifts a block. 只有拉黑者本人可以解除，被拉黑方不行。
func (s *relationshipService) UnblockUser(ctx context.Context, targetUID string) error {
	const op = "unblockUser"

	caller, err := s.currentUID(ctx, op)
	if err != nil {
		return err
	}
	if targetUID == caller {
		return domainErr(op, ErrSelfRequest)
	}

	txErr := s.store.RunTransaction(ctx, func(tx storage.Transaction) error {
		rel, err := lookupPairTx(tx, caller, targetUID)
		if err != nil {
			return err
		}
		if rel == nil {
			return domainErr(op, ErrRelationshipNotFound)
		}
		if rel.Status != models.RelationshipStatusBlocked {
			return domainErr(op, ErrNotBlocked)
		}
		if rel.InitiatorID != caller {
			return domainErr(op, ErrUnauthorized)
		}
		return tx.Delete(relationshipsCollection, rel.ID)
	})
	return finishTx(op, txErr)
}

// SearchUserByUID returns the public projection of the profile for uid.
func (s *relationshipService) SearchUserByUID(ctx context.Context, uid string) (*models.PublicProfile, error) {
	const op = "searchUserByUid"

	caller, err := s.currentUID(ctx, op)
	if err != nil {
		return nil, err
	}
	if uid == caller {
		return nil, nil // 查自己返回空结果而不是错误
	}

	profile, err := s.users.GetUserData(ctx, uid)
	if err != nil {
		return nil, databaseErr(op, err)
	}
	if profile == nil {
		return nil, nil
	}
	return profile.Public(), nil
}

// notifyBestEffort sends a push notification, swallowing any failure.
func (s *relationshipService) notifyBestEffort(ctx context.Context, recipientUID, title, body string, data map[string]string) {
	if s.notifier == nil || recipientUID == "" {
		return
	}
	if err := s.notifier.SendNotification(ctx, recipientUID, title, body, data); err != nil {
		log.Warn().Err(err).Str("recipient", recipientUID).Msg("推送通知发送失败（忽略）")
	}
}
