package models

import (
	"fmt"
	"time"
)

// RelationshipType 定义关系实体的类别。目前服务只创建 friendship，
// 保留该字段以便将来扩展其他关系类型。
type RelationshipType string

const (
	RelationshipTypeFriendship RelationshipType = "friendship"
)

// RelationshipStatus 定义关系的状态。
type RelationshipStatus string

const (
	RelationshipStatusPending  RelationshipStatus = "pending"
	RelationshipStatusAccepted RelationshipStatus = "accepted"
	RelationshipStatusDeclined RelationshipStatus = "declined"
	RelationshipStatusBlocked  RelationshipStatus = "blocked"
)

// Relationship 代表两个用户之间的关系文档（好友请求/好友/拉黑）。
// 每个无序用户对最多只存在一个这样的文档。
type Relationship struct {
	ID           string             `json:"id"`
	Participants [2]string          `json:"participants"` // 规范排序：Participants[0] < Participants[1]
	Type         RelationshipType   `json:"type"`
	Status       RelationshipStatus `json:"status"`
	InitiatorID  string             `json:"initiatorId"` // 导致当前状态的用户（发起请求者或拉黑者）
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
	AcceptedAt   *time.Time         `json:"acceptedAt,omitempty"` // 仅在 accepted 状态下非空
}

// CanonicalPair returns the two uids sorted into their canonical order so
// that lookups are independent of call direction.
func CanonicalPair(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

// HasParticipant reports whether uid is one of the two participants.
func (r *Relationship) HasParticipant(uid string) bool {
	return r.Participants[0] == uid || r.Participants[1] == uid
}

// OtherParticipant returns the participant that is not uid.
// uid 必须是参与者之一，否则返回空字符串。
func (r *Relationship) OtherParticipant(uid string) string {
	switch uid {
	case r.Participants[0]:
		return r.Participants[1]
	case r.Participants[1]:
		return r.Participants[0]
	}
	return ""
}

// ToMap converts the entity to the untyped document representation used at
// the store boundary. 时间戳由存储层负责填写（createdAt/updatedAt）。
func (r *Relationship) ToMap() map[string]any {
	var acceptedAt any
	if r.AcceptedAt != nil {
		acceptedAt = *r.AcceptedAt
	}
	return map[string]any{
		"participants": []string{r.Participants[0], r.Participants[1]},
		"type":         string(r.Type),
		"status":       string(r.Status),
		"initiatorId":  r.InitiatorID,
		"acceptedAt":   acceptedAt,
	}
}

// RelationshipFromDocument parses a raw store document into a typed entity.
func RelationshipFromDocument(id string, data map[string]any) (*Relationship, error) {
	rel := &Relationship{ID: id}

	parts, err := stringSliceField(data, "participants")
	if err != nil {
		return nil, err
	}
	if len(parts) != 2 {
		return nil, fmt.Errorf("关系文档 %s 的 participants 字段必须恰好包含两个用户", id)
	}
	rel.Participants = CanonicalPair(parts[0], parts[1])

	rel.Type = RelationshipType(stringField(data, "type"))
	rel.Status = RelationshipStatus(stringField(data, "status"))
	rel.InitiatorID = stringField(data, "initiatorId")
	if !rel.HasParticipant(rel.InitiatorID) {
		return nil, fmt.Errorf("关系文档 %s 的 initiatorId %q 不是参与者", id, rel.InitiatorID)
	}

	rel.CreatedAt = timeField(data, "createdAt")
	rel.UpdatedAt = timeField(data, "updatedAt")
	if t := timeField(data, "acceptedAt"); !t.IsZero() {
		rel.AcceptedAt = &t
	}
	return rel, nil
}

func stringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func timeField(data map[string]any, key string) time.Time {
	t, _ := data[key].(time.Time)
	return t
}

func stringSliceField(data map[string]any, key string) ([]string, error) {
	switch v := data[key].(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("字段 %q 包含非字符串元素", key)
			}
			out = append(out, s)
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("缺少字段 %q", key)
	default:
		return nil, fmt.Errorf("字段 %q 类型无效: %T", key, v)
	}
}
