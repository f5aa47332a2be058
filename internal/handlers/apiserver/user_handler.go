package apiserver

import (
	"fmt"
	"net/http"

	"talkie-go/internal/apptypes"
	"talkie-go/internal/auth"
	"talkie-go/internal/services"
)

// UserHandler 处理当前用户资料相关的 HTTP 请求。
type UserHandler struct {
	userService    services.UserService
	storageService apptypes.StorageService
	maxUploadBytes int64
}

// NewUserHandler 创建一个新的 UserHandler 实例。
func NewUserHandler(userService services.UserService, storageService apptypes.StorageService, maxUploadMB int64) *UserHandler {
	return &UserHandler{
		userService:    userService,
		storageService: storageService,
		maxUploadBytes: maxUploadMB * 1024 * 1024,
	}
}

// UpdateProfileRequest 是更新个人资料的请求体，所有字段可选。
type UpdateProfileRequest struct {
	DisplayName string `json:"displayName,omitempty" validate:"omitempty,max=64"`
	PhotoURL    string `json:"photoUrl,omitempty" validate:"omitempty,url"`
	Bio         string `json:"bio,omitempty" validate:"omitempty,max=256"`
}

// GetMe 处理 GET /users/me，返回当前用户的完整资料。
func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}

	profile, err := h.userService.GetUserData(r.Context(), id.UID)
	if err != nil {
		writeJSONError(w, "获取用户资料失败", http.StatusInternalServerError)
		return
	}
	if profile == nil {
		writeJSONError(w, "用户不存在", http.StatusNotFound)
		return
	}
	writeJSONResponse(w, http.StatusOK, profile)
}

// UpdateMe 处理 PUT /users/me，按需更新资料字段。
func (h *UserHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}

	var req UpdateProfileRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	profile, err := h.userService.UpdateUserProfile(r.Context(), id.UID, req.DisplayName, req.PhotoURL, req.Bio)
	if err != nil {
		writeJSONError(w, "更新用户资料失败", http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, http.StatusOK, profile)
}

// UploadAvatar 处理 POST /users/me/avatar：保存头像文件并把 URL 写回资料。
func (h *UserHandler) UploadAvatar(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeJSONError(w, "用户未认证", http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		writeJSONError(w, fmt.Sprintf("文件过大或表单无效（上限 %d 字节）", h.maxUploadBytes), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("avatar")
	if err != nil {
		writeJSONError(w, "缺少 avatar 文件字段", http.StatusBadRequest)
		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")
	info, err := h.storageService.UploadFile(r.Context(), file, header.Size, header.Filename, mimeType)
	if err != nil {
		writeJSONError(w, "保存头像失败", http.StatusInternalServerError)
		return
	}

	profile, err := h.userService.UpdateUserProfile(r.Context(), id.UID, "", info.URL, "")
	if err != nil {
		writeJSONError(w, "更新头像 URL 失败", http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, http.StatusOK, profile)
}
