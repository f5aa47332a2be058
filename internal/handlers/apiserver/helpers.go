package apiserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"talkie-go/internal/services"
)

// 所有请求 DTO 共享的校验器实例。
var validate = validator.New()

// ErrorResponse 是 API 错误响应的通用结构体。
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"` // 业务错误类别，便于客户端分支处理
}

// writeJSONResponse 是一个辅助函数，用于发送 JSON 响应。
func writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// 头部已发出，只能记日志
			log.Error().Err(err).Msg("编码 JSON 响应失败")
		}
	}
}

// writeJSONError 是一个辅助函数，用于发送 JSON 格式的错误响应。
func writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	writeJSONResponse(w, statusCode, ErrorResponse{Error: message})
}

// decodeAndValidate 解析请求体并做字段校验。
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSONError(w, "请求体无效", http.StatusBadRequest)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeJSONError(w, "请求参数校验失败: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// writeRelationshipError 把关系服务的业务错误映射为 HTTP 状态码。
func writeRelationshipError(w http.ResponseWriter, err error) {
	var relErr *services.RelationshipError
	if !errors.As(err, &relErr) {
		log.Error().Err(err).Msg("关系操作发生未知错误")
		writeJSONError(w, "服务器内部错误", http.StatusInternalServerError)
		return
	}

	status := http.StatusInternalServerError
	switch relErr.Kind {
	case services.KindNotLoggedIn:
		status = http.StatusUnauthorized
	case services.KindUserNotFound, services.KindNotFound:
		status = http.StatusNotFound
	case services.KindSelfRequest,
		services.KindNotPending,
		services.KindNotAccepted,
		services.KindNotBlocked,
		services.KindCannotAcceptOwnRequest,
		services.KindCannotDeclineOwnRequest:
		status = http.StatusBadRequest
	case services.KindRequestAlreadySent,
		services.KindRequestAlreadyReceived,
		services.KindAlreadyFriends,
		services.KindBlocked:
		status = http.StatusConflict
	case services.KindNotParticipant,
		services.KindCannotCancelOthersRequest,
		services.KindUnauthorized:
		status = http.StatusForbidden
	case services.KindDatabaseError:
		log.Error().Err(relErr).Str("op", relErr.Op).Msg("关系操作的存储层错误")
		writeJSONResponse(w, http.StatusInternalServerError, ErrorResponse{Error: "服务器内部错误"})
		return
	}

	writeJSONResponse(w, status, ErrorResponse{Error: relErr.Message, Kind: string(relErr.Kind)})
}
