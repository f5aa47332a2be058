package apiserver

import (
	"net/http"

	"github.com/gorilla/mux"

	"talkie-go/internal/models"
	"talkie-go/internal/services"
)

// RelationshipHandler 处理好友关系相关的 HTTP 请求。
// 调用者身份由认证中间件注入上下文，服务层自行解析。
type RelationshipHandler struct {
	relationships services.RelationshipService
}

// NewRelationshipHandler 创建一个新的 RelationshipHandler 实例。
func NewRelationshipHandler(rs services.RelationshipService) *RelationshipHandler {
	return &RelationshipHandler{relationships: rs}
}

// SendFriendRequestPayload 是发送好友请求的请求体。
type SendFriendRequestPayload struct {
	TargetUID string `json:"targetUid" validate:"required"`
}

// BlockUserPayload 是拉黑用户的请求体。
type BlockUserPayload struct {
	TargetUID string `json:"targetUid" validate:"required"`
}

// relationshipIDResponse 是返回关系 id 的通用响应。
type relationshipIDResponse struct {
	RelationshipID string `json:"relationshipId"`
}

// SearchUser 处理 GET /users/{uid}：按 uid 精确查找，返回公开资料。
// 查不到（含查自己）返回 404。
func (h *RelationshipHandler) SearchUser(w http.ResponseWriter, r *http.Request) {
	uid := mux.Vars(r)["uid"]
	if uid == "" {
		writeJSONError(w, "缺少用户 uid", http.StatusBadRequest)
		return
	}

	profile, err := h.relationships.SearchUserByUID(r.Context(), uid)
	if err != nil {
		writeRelationshipError(w, err)
		return
	}
	if profile == nil {
		writeJSONError(w, "用户不存在", http.StatusNotFound)
		return
	}
	writeJSONResponse(w, http.StatusOK, profile)
}

// SendFriendRequest 处理 POST /relationships/requests。
func (h *RelationshipHandler) SendFriendRequest(w http.ResponseWriter, r *http.Request) {
	var payload SendFriendRequestPayload
	if !decodeAndValidate(w, r, &payload) {
		return
	}

	relationshipID, err := h.relationships.SendFriendRequest(r.Context(), payload.TargetUID)
	if err != nil {
		writeRelationshipError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, relationshipIDResponse{RelationshipID: relationshipID})
}

// AcceptFriendRequest 处理 POST /relationships/requests/{relationshipID}/accept。
func (h *RelationshipHandler) AcceptFriendRequest(w http.ResponseWriter, r *http.Request) {
	relationshipID := mux.Vars(r)["relationshipID"]
	if relationshipID == "" {
		writeJSONError(w, "缺少关系 id", http.StatusBadRequest)
		return
	}

	if _, err := h.relationships.AcceptFriendRequest(r.Context(), relationshipID); err != nil {
		writeRelationshipError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"message": "好友请求已接受"})
}

// DeclineFriendRequest 处理 POST /relationships/requests/{relationshipID}/decline。
func (h *RelationshipHandler) DeclineFriendRequest(w http.ResponseWriter, r *http.Request) {
	relationshipID := mux.Vars(r)["relationshipID"]
	if relationshipID == "" {
		writeJSONError(w, "缺少关系 id", http.StatusBadRequest)
		return
	}

	if err := h.relationships.RejectFriendRequest(r.Context(), relationshipID); err != nil {
		writeRelationshipError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"message": "好友请求已拒绝"})
}

// CancelFriendRequest 处理 DELETE /relationships/requests/{relationshipID}。
func (h *RelationshipHandler) CancelFriendRequest(w http.ResponseWriter, r *http.Request) {
	relationshipID := mux.Vars(r)["relationshipID"]
	if relationshipID == "" {
		writeJSONError(w, "缺少关系 id", http.StatusBadRequest)
		return
	}

	if err := h.relationships.CancelFriendRequest(r.Context(), relationshipID); err != nil {
		writeRelationshipError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"message": "好友请求已取消"})
}

// RemoveFriend 处理 DELETE /friends/{uid}。
func (h *RelationshipHandler) RemoveFriend(w http.ResponseWriter, r *http.Request) {
	uid := mux.Vars(r)["uid"]
	if uid == "" {
		writeJSONError(w, "缺少用户 uid", http.StatusBadRequest)
		return
	}

	if err := h.relationships.RemoveFriend(r.Context(), uid); err != nil {
		writeRelationshipError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"message": "已删除好友"})
}

// BlockUser 处理 POST /blocks。
func (h *RelationshipHandler) BlockUser(w http.ResponseWriter, r *http.Request) {
	var payload BlockUserPayload
	if !decodeAndValidate(w, r, &payload) {
		return
	}

	relationshipID, err := h.relationships.BlockUser(r.Context(), payload.TargetUID)
	if err != nil {
		writeRelationshipError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, relationshipIDResponse{RelationshipID: relationshipID})
}

// UnblockUser 处理 DELETE /blocks/{uid}。
func (h *RelationshipHandler) UnblockUser(w http.ResponseWriter, r *http.Request) {
	uid := mux.Vars(r)["uid"]
	if uid == "" {
		writeJSONError(w, "缺少用户 uid", http.StatusBadRequest)
		return
	}

	if err := h.relationships.UnblockUser(r.Context(), uid); err != nil {
		writeRelationshipError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"message": "已解除拉黑"})
}

// ListFriends 处理 GET /friends（一次性列表，实时视图走流服务器）。
func (h *RelationshipHandler) ListFriends(w http.ResponseWriter, r *http.Request) {
	entries, err := h.relationships.ListFriends(r.Context())
	if err != nil {
		writeRelationshipError(w, err)
		return
	}
	if entries == nil {
		entries = []models.FriendEntry{} // 保证 JSON 是 [] 而不是 null
	}
	writeJSONResponse(w, http.StatusOK, entries)
}

// ListPendingRequests 处理 GET /relationships/requests/pending。
func (h *RelationshipHandler) ListPendingRequests(w http.ResponseWriter, r *http.Request) {
	entries, err := h.relationships.ListPendingRequests(r.Context())
	if err != nil {
		writeRelationshipError(w, err)
		return
	}
	if entries == nil {
		entries = []models.PendingEntry{}
	}
	writeJSONResponse(w, http.StatusOK, entries)
}

// ListBlockedUsers 处理 GET /blocks。
func (h *RelationshipHandler) ListBlockedUsers(w http.ResponseWriter, r *http.Request) {
	entries, err := h.relationships.ListBlockedUsers(r.Context())
	if err != nil {
		writeRelationshipError(w, err)
		return
	}
	if entries == nil {
		entries = []models.BlockedEntry{}
	}
	writeJSONResponse(w, http.StatusOK, entries)
}
