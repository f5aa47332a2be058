package services

import (
	"context"
	"errors"
	"fmt"

	"talkie-go/internal/auth"
	"talkie-go/internal/config"
	"talkie-go/internal/models"
)

var (
	ErrUserAlreadyExists  = errors.New("用户名或邮箱已存在")
	ErrInvalidCredentials = errors.New("无效的用户名或密码")
	ErrLoginUserNotFound  = errors.New("用户未找到")
)

// AuthService 定义了用户认证服务的接口。
type AuthService interface {
	Register(ctx context.Context, username, displayName, email, password string) (*models.UserProfile, error)
	Login(ctx context.Context, usernameOrEmail, password string) (token string, profile *models.UserProfile, err error)
}

type authService struct {
	users UserService
	cfg   config.Config // 包含 AuthConfig
}

// NewAuthService 创建一个新的 AuthService 实例。
func NewAuthService(users UserService, cfg config.Config) AuthService {
	return &authService{users: users, cfg: cfg}
}

// Register 处理用户注册逻辑。
func (s *authService) Register(ctx context.Context, username, displayName, email, password string) (*models.UserProfile, error) {
	existing, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("检查用户名时出错: %w", err)
	}
	if existing != nil {
		return nil, ErrUserAlreadyExists
	}

	if email != "" {
		existing, err = s.users.GetByEmail(ctx, email)
		if err != nil {
			return nil, fmt.Errorf("检查邮箱时出错: %w", err)
		}
		if existing != nil {
			return nil, ErrUserAlreadyExists
		}
	}

	hashedPassword, err := auth.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("密码哈希失败: %w", err)
	}

	profile, err := s.users.CreateUser(ctx, &models.UserProfile{
		Username:     username,
		DisplayName:  displayName,
		Email:        email,
		PasswordHash: hashedPassword,
	})
	if err != nil {
		return nil, err
	}
	profile.PasswordHash = "" // 确保返回前清理
	return profile, nil
}

// Login 处理用户登录逻辑。
func (s *authService) Login(ctx context.Context, usernameOrEmail, password string) (string, *models.UserProfile, error) {
	user, err := s.users.GetByUsername(ctx, usernameOrEmail)
	if err != nil {
		return "", nil, fmt.Errorf("通过用户名查找用户失败: %w", err)
	}
	if user == nil {
		// 如果用户名未找到，尝试通过邮箱查找
		user, err = s.users.GetByEmail(ctx, usernameOrEmail)
		if err != nil {
			return "", nil, fmt.Errorf("通过邮箱查找用户失败: %w", err)
		}
		if user == nil {
			return "", nil, ErrLoginUserNotFound
		}
	}

	if !auth.CheckPasswordHash(password, user.PasswordHash) {
		return "", nil, ErrInvalidCredentials
	}

	token, err := auth.GenerateToken(user.UID, user.Username, s.cfg.Auth)
	if err != nil {
		return "", nil, fmt.Errorf("生成令牌失败: %w", err)
	}

	user.PasswordHash = ""
	return token, user, nil
}
