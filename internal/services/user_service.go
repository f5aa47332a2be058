package services

import (
	"context"
	"errors"
	"fmt"

	"talkie-go/internal/models"
	"talkie-go/internal/storage"
)

// usersCollection 是用户目录所在的集合，文档 id 即 uid。
const usersCollection = "users"

// UserService 是用户目录：按 uid 读取公开资料、订阅资料变更、
// 以及注册/更新资料。关系服务只消费前两个能力。
type UserService interface {
	CreateUser(ctx context.Context, profile *models.UserProfile) (*models.UserProfile, error)
	GetUserData(ctx context.Context, uid string) (*models.UserProfile, error)
	GetUserDataStream(ctx context.Context, uid string) (<-chan *models.UserProfile, error)
	GetByUsername(ctx context.Context, username string) (*models.UserProfile, error)
	GetByEmail(ctx context.Context, email string) (*models.UserProfile, error)
	UpdateUserProfile(ctx context.Context, uid, displayName, photoURL, bio string) (*models.UserProfile, error)
}

type userService struct {
	store storage.DocumentStore
}

// NewUserService 创建一个新的 UserService 实例。
func NewUserService(store storage.DocumentStore) UserService {
	return &userService{store: store}
}

// CreateUser persists a new profile and returns it with the assigned uid.
func (s *userService) CreateUser(ctx context.Context, profile *models.UserProfile) (*models.UserProfile, error) {
	uid, err := s.store.AddDocument(ctx, usersCollection, profile.ToMap())
	if err != nil {
		return nil, fmt.Errorf("创建用户失败: %w", err)
	}
	return s.mustGet(ctx, uid)
}

// GetUserData returns the profile for uid, or (nil, nil) when absent.
func (s *userService) GetUserData(ctx context.Context, uid string) (*models.UserProfile, error) {
	doc, err := s.store.GetDocument(ctx, usersCollection, uid)
	if errors.Is(err, storage.ErrDocumentNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("获取用户 %s 失败: %w", uid, err)
	}
	return models.UserProfileFromDocument(doc.ID, doc.Data), nil
}

// GetUserDataStream returns a live stream of the profile document.
// 文档不存在时发射 nil；流的生命周期由 ctx 控制。
func (s *userService) GetUserDataStream(ctx context.Context, uid string) (<-chan *models.UserProfile, error) {
	docs, err := s.store.DocumentStream(ctx, usersCollection, uid)
	if err != nil {
		return nil, fmt.Errorf("订阅用户 %s 失败: %w", uid, err)
	}
	out := make(chan *models.UserProfile, 1)
	go func() {
		defer close(out)
		for doc := range docs {
			var profile *models.UserProfile
			if doc != nil {
				profile = models.UserProfileFromDocument(doc.ID, doc.Data)
			}
			select {
			case out <- profile:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// GetByUsername returns the profile with the given username, or (nil, nil).
func (s *userService) GetByUsername(ctx context.Context, username string) (*models.UserProfile, error) {
	return s.queryOne(ctx, "username", username)
}

// GetByEmail returns the profile with the given email, or (nil, nil).
func (s *userService) GetByEmail(ctx context.Context, email string) (*models.UserProfile, error) {
	return s.queryOne(ctx, "email", email)
}

func (s *userService) queryOne(ctx context.Context, field, value string) (*models.UserProfile, error) {
	q := storage.Query{Limit: 1}.Where(field, storage.OpEqual, value)
	docs, err := s.store.QueryDocuments(ctx, usersCollection, q)
	if err != nil {
		return nil, fmt.Errorf("按 %s 查找用户失败: %w", field, err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return models.UserProfileFromDocument(docs[0].ID, docs[0].Data), nil
}

// UpdateUserProfile 按需更新资料字段，空字符串表示不修改。
func (s *userService) UpdateUserProfile(ctx context.Context, uid, displayName, photoURL, bio string) (*models.UserProfile, error) {
	current, err := s.GetUserData(ctx, uid)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("更新用户资料失败，用户 %s 未找到", uid)
	}

	updates := map[string]any{}
	if displayName != "" && displayName != current.DisplayName {
		updates["displayName"] = displayName
	}
	if photoURL != "" && photoURL != current.PhotoURL {
		updates["photoUrl"] = photoURL
	}
	if bio != "" && bio != current.Bio {
		updates["bio"] = bio
	}
	if len(updates) == 0 {
		return current, nil // 没有字段被更新
	}

	if err := s.store.UpdateDocument(ctx, usersCollection, uid, updates); err != nil {
		return nil, fmt.Errorf("更新用户 %s 资料失败: %w", uid, err)
	}
	return s.mustGet(ctx, uid)
}

func (s *userService) mustGet(ctx context.Context, uid string) (*models.UserProfile, error) {
	profile, err := s.GetUserData(ctx, uid)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, fmt.Errorf("用户 %s 刚写入却读不到", uid)
	}
	return profile, nil
}
