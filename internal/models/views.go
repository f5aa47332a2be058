package models

// FriendEntry is one row of the live friends view: the other participant's
// public profile joined onto the relationship.
type FriendEntry struct {
	UID            string `json:"uid"`
	DisplayName    string `json:"displayName,omitempty"`
	PhotoURL       string `json:"photoUrl,omitempty"`
	RelationshipID string `json:"relationshipId"`
}

// PendingEntry is one row of the live pending-requests view. IsIncoming 为
// true 表示对方发起的请求（当前用户应接受/拒绝），false 表示自己发出的请求。
type PendingEntry struct {
	UID            string `json:"uid"`
	DisplayName    string `json:"displayName,omitempty"`
	PhotoURL       string `json:"photoUrl,omitempty"`
	RelationshipID string `json:"relationshipId"`
	IsIncoming     bool   `json:"isIncoming"`
	InitiatorID    string `json:"initiatorId"`
}

// BlockedEntry is one row of the live blocked-users view. 用户只会看到
// 自己拉黑的人，看不到拉黑自己的人。
type BlockedEntry struct {
	UID            string `json:"uid"`
	DisplayName    string `json:"displayName,omitempty"`
	PhotoURL       string `json:"photoUrl,omitempty"`
	RelationshipID string `json:"relationshipId"`
}
