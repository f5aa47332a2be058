package services

import (
	"context"

	"github.com/rs/zerolog/log"

	"talkie-go/internal/models"
	"talkie-go/internal/storage"
)

// 三个实时视图的底层查询。页大小固定为 friendsPageSize。
func friendsQuery(uid string) storage.Query {
	return storage.Query{OrderBy: "acceptedAt", Descending: true, Limit: friendsPageSize}.
		Where("participants", storage.OpArrayContains, uid).
		Where("type", storage.OpEqual, string(models.RelationshipTypeFriendship)).
		Where("status", storage.OpEqual, string(models.RelationshipStatusAccepted))
}

func pendingQuery(uid string) storage.Query {
	return storage.Query{OrderBy: "createdAt", Descending: true, Limit: friendsPageSize}.
		Where("participants", storage.OpArrayContains, uid).
		Where("type", storage.OpEqual, string(models.RelationshipTypeFriendship)).
		Where("status", storage.OpEqual, string(models.RelationshipStatusPending))
}

func blockedQuery(uid string) storage.Query {
	return storage.Query{OrderBy: "updatedAt", Descending: true, Limit: friendsPageSize}.
		Where("initiatorId", storage.OpEqual, uid).
		Where("type", storage.OpEqual, string(models.RelationshipTypeFriendship)).
		Where("status", storage.OpEqual, string(models.RelationshipStatusBlocked))
}

// FriendsStream 返回好友列表的实时快照流（按成为好友时间倒序）。
func (s *relationshipService) FriendsStream(ctx context.Context) (<-chan []models.FriendEntry, error) {
	const op = "friendsStream"
	caller, err := s.currentUID(ctx, op)
	if err != nil {
		return nil, err
	}
	return viewStream(ctx, s, op, caller, friendsQuery(caller),
		func(rel *models.Relationship, profile *models.UserProfile) models.FriendEntry {
			return models.FriendEntry{
				UID:            profile.UID,
				DisplayName:    profile.DisplayName,
				PhotoURL:       profile.PhotoURL,
				RelationshipID: rel.ID,
			}
		})
}

// PendingRequestsStream 返回待处理请求的实时快照流，包含双向：
// 对方发来的（IsIncoming=true）和自己发出的。
func (s *relationshipService) PendingRequestsStream(ctx context.Context) (<-chan []models.PendingEntry, error) {
	const op = "pendingRequestsStream"
	caller, err := s.currentUID(ctx, op)
	if err != nil {
		return nil, err
	}
	return viewStream(ctx, s, op, caller, pendingQuery(caller),
		func(rel *models.Relationship, profile *models.UserProfile) models.PendingEntry {
			return models.PendingEntry{
				UID:            profile.UID,
				DisplayName:    profile.DisplayName,
				PhotoURL:       profile.PhotoURL,
				RelationshipID: rel.ID,
				IsIncoming:     rel.InitiatorID != caller,
				InitiatorID:    rel.InitiatorID,
			}
		})
}

// BlockedUsersStream 返回当前用户拉黑名单的实时快照流。
// 被别人拉黑的关系不会出现在这里。
func (s *relationshipService) BlockedUsersStream(ctx context.Context) (<-chan []models.BlockedEntry, error) {
	const op = "blockedUsersStream"
	caller, err := s.currentUID(ctx, op)
	if err != nil {
		return nil, err
	}
	return viewStream(ctx, s, op, caller, blockedQuery(caller),
		func(rel *models.Relationship, profile *models.UserProfile) models.BlockedEntry {
			return models.BlockedEntry{
				UID:            profile.UID,
				DisplayName:    profile.DisplayName,
				PhotoURL:       profile.PhotoURL,
				RelationshipID: rel.ID,
			}
		})
}

// profileUpdate 是资料子订阅汇入主循环的事件。profile 为 nil 表示用户
// 文档当前不存在。
type profileUpdate struct {
	uid     string
	profile *models.UserProfile
}

// profileSub 跟踪一个对端用户的资料订阅。loaded 在首个快照到达前为
// false，此期间对应的行不展示；订阅流结束后保留最后一次的值。
type profileSub struct {
	cancel  context.CancelFunc
	profile *models.UserProfile
	loaded  bool
}

// viewStream is the shared join engine behind the three live views: it
// subscribes to the relationship query, keeps one profile subscription per
// counterpart uid (diffed on every relationship emission), and re-emits the
// joined row set whenever either side changes.
//
// 输出通道带一个缓冲且做合并：消费者落后时旧快照被新快照覆盖，
// 消费者只会看到最新状态，不会积压历史。取消 ctx 释放全部订阅。
func viewStream[T any](ctx context.Context, s *relationshipService, op, callerUID string, q storage.Query, build func(rel *models.Relationship, profile *models.UserProfile) T) (<-chan []T, error) {
	relDocs, err := s.store.CollectionStream(ctx, relationshipsCollection, q)
	if err != nil {
		return nil, databaseErr(op, err)
	}

	out := make(chan []T, 1)
	go func() {
		defer close(out)

		subs := make(map[string]*profileSub)
		updates := make(chan profileUpdate)
		var rels []*models.Relationship

		defer func() {
			for _, sb := range subs {
				sb.cancel()
			}
		}()

		recompute := func() {
			rows := make([]T, 0, len(rels))
			for _, rel := range rels {
				other := rel.OtherParticipant(callerUID)
				sb := subs[other]
				if sb == nil || !sb.loaded || sb.profile == nil {
					continue // 对端资料未就绪的行先不出现在视图里
				}
				rows = append(rows, build(rel, sb.profile))
			}
			// 合并发射：先腾出缓冲里未被消费的旧快照
			select {
			case out <- rows:
			default:
				select {
				case <-out:
				default:
				}
				select {
				case out <- rows:
				case <-ctx.Done():
				}
			}
		}

		for {
			select {
			case <-ctx.Done():
				return

			case docs, ok := <-relDocs:
				if !ok {
					return
				}
				rels = rels[:0]
				needed := make(map[string]bool, len(docs))
				for i := range docs {
					rel, err := models.RelationshipFromDocument(docs[i].ID, docs[i].Data)
					if err != nil {
						log.Warn().Err(err).Str("id", docs[i].ID).Msg("跳过无法解析的关系文档")
						continue
					}
					rels = append(rels, rel)
					needed[rel.OtherParticipant(callerUID)] = true
				}

				// 订阅差分：关掉不再需要的，补上新出现的
				for uid, sb := range subs {
					if !needed[uid] {
						sb.cancel()
						delete(subs, uid)
					}
				}
				for uid := range needed {
					if _, exists := subs[uid]; exists {
						continue
					}
					subCtx, cancel := context.WithCancel(ctx)
					profiles, err := s.users.GetUserDataStream(subCtx, uid)
					if err != nil {
						log.Warn().Err(err).Str("uid", uid).Msg("订阅用户资料失败")
						cancel()
						continue
					}
					subs[uid] = &profileSub{cancel: cancel}
					go func(uid string, profiles <-chan *models.UserProfile) {
						for p := range profiles {
							select {
							case updates <- profileUpdate{uid: uid, profile: p}:
							case <-subCtx.Done():
								return
							}
						}
					}(uid, profiles)
				}
				recompute()

			case up := <-updates:
				sb := subs[up.uid]
				if sb == nil {
					continue // 迟到的更新，订阅已被差分掉
				}
				sb.loaded = true
				sb.profile = up.profile
				recompute()
			}
		}
	}()
	return out, nil
}

// ListFriends 是好友列表的一次性版本（REST 回退）。
func (s *relationshipService) ListFriends(ctx context.Context) ([]models.FriendEntry, error) {
	const op = "listFriends"
	caller, err := s.currentUID(ctx, op)
	if err != nil {
		return nil, err
	}
	rels, err := s.queryRelationships(ctx, op, friendsQuery(caller))
	if err != nil {
		return nil, err
	}

	entries := make([]models.FriendEntry, 0, len(rels))
	for _, rel := range rels {
		profile := s.fetchCounterpart(ctx, rel, caller)
		if profile == nil {
			continue
		}
		entries = append(entries, models.FriendEntry{
			UID:            profile.UID,
			DisplayName:    profile.DisplayName,
			PhotoURL:       profile.PhotoURL,
			RelationshipID: rel.ID,
		})
	}
	return entries, nil
}

// ListPendingRequests 是待处理请求列表的一次性版本。
func (s *relationshipService) ListPendingRequests(ctx context.Context) ([]models.PendingEntry, error) {
	const op = "listPendingRequests"
	caller, err := s.currentUID(ctx, op)
	if err != nil {
		return nil, err
	}
	rels, err := s.queryRelationships(ctx, op, pendingQuery(caller))
	if err != nil {
		return nil, err
	}

	entries := make([]models.PendingEntry, 0, len(rels))
	for _, rel := range rels {
		profile := s.fetchCounterpart(ctx, rel, caller)
		if profile == nil {
			continue
		}
		entries = append(entries, models.PendingEntry{
			UID:            profile.UID,
			DisplayName:    profile.DisplayName,
			PhotoURL:       profile.PhotoURL,
			RelationshipID: rel.ID,
			IsIncoming:     rel.InitiatorID != caller,
			InitiatorID:    rel.InitiatorID,
		})
	}
	return entries, nil
}

// ListBlockedUsers 是拉黑名单的一次性版本。
func (s *relationshipService) ListBlockedUsers(ctx context.Context) ([]models.BlockedEntry, error) {
	const op = "listBlockedUsers"
	caller, err := s.currentUID(ctx, op)
	if err != nil {
		return nil, err
	}
	rels, err := s.queryRelationships(ctx, op, blockedQuery(caller))
	if err != nil {
		return nil, err
	}

	entries := make([]models.BlockedEntry, 0, len(rels))
	for _, rel := range rels {
		profile := s.fetchCounterpart(ctx, rel, caller)
		if profile == nil {
			continue
		}
		entries = append(entries, models.BlockedEntry{
			UID:            profile.UID,
			DisplayName:    profile.DisplayName,
			PhotoURL:       profile.PhotoURL,
			RelationshipID: rel.ID,
		})
	}
	return entries, nil
}

func (s *relationshipService) queryRelationships(ctx context.Context, op string, q storage.Query) ([]*models.Relationship, error) {
	docs, err := s.store.QueryDocuments(ctx, relationshipsCollection, q)
	if err != nil {
		return nil, databaseErr(op, err)
	}
	rels := make([]*models.Relationship, 0, len(docs))
	for i := range docs {
		rel, err := models.RelationshipFromDocument(docs[i].ID, docs[i].Data)
		if err != nil {
			log.Warn().Err(err).Str("id", docs[i].ID).Msg("跳过无法解析的关系文档")
			continue
		}
		rels = append(rels, rel)
	}
	return rels, nil
}

// fetchCounterpart 读取对端用户资料；失败或不存在时返回 nil，
// 调用方跳过该行（和实时视图的行为一致）。
func (s *relationshipService) fetchCounterpart(ctx context.Context, rel *models.Relationship, callerUID string) *models.UserProfile {
	other := rel.OtherParticipant(callerUID)
	profile, err := s.users.GetUserData(ctx, other)
	if err != nil {
		log.Warn().Err(err).Str("uid", other).Msg("获取对端用户资料失败，跳过该行")
		return nil
	}
	return profile
}
