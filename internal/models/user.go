package models

import "time"

// UserProfile 代表 users 集合中的一个用户文档（文档 id 即 uid）。
type UserProfile struct {
	UID          string    `json:"uid"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	DisplayName  string    `json:"displayName,omitempty"`
	PhotoURL     string    `json:"photoUrl,omitempty"`
	Bio          string    `json:"bio,omitempty"`
	PasswordHash string    `json:"-"` // 不暴露密码哈希
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// PublicProfile is the projection of a user that crosses the service
// boundary: only fields that are safe to show to other users.
type PublicProfile struct {
	UID         string `json:"uid"`
	DisplayName string `json:"displayName,omitempty"`
	PhotoURL    string `json:"photoUrl,omitempty"`
}

// Public returns the public projection of the profile.
func (u *UserProfile) Public() *PublicProfile {
	return &PublicProfile{
		UID:         u.UID,
		DisplayName: u.DisplayName,
		PhotoURL:    u.PhotoURL,
	}
}

// ToMap converts the profile to the untyped document representation used at
// the store boundary. 时间戳由存储层负责填写。
func (u *UserProfile) ToMap() map[string]any {
	return map[string]any{
		"username":     u.Username,
		"email":        u.Email,
		"displayName":  u.DisplayName,
		"photoUrl":     u.PhotoURL,
		"bio":          u.Bio,
		"passwordHash": u.PasswordHash,
	}
}

// UserProfileFromDocument parses a raw store document into a typed profile.
func UserProfileFromDocument(id string, data map[string]any) *UserProfile {
	return &UserProfile{
		UID:          id,
		Username:     stringField(data, "username"),
		Email:        stringField(data, "email"),
		DisplayName:  stringField(data, "displayName"),
		PhotoURL:     stringField(data, "photoUrl"),
		Bio:          stringField(data, "bio"),
		PasswordHash: stringField(data, "passwordHash"),
		CreatedAt:    timeField(data, "createdAt"),
		UpdatedAt:    timeField(data, "updatedAt"),
	}
}
