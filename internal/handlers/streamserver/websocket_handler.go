package streamserver

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"talkie-go/internal/apptypes"
	"talkie-go/internal/auth"
	"talkie-go/internal/config"
	"talkie-go/internal/services"
	ws "talkie-go/internal/websocket"
)

// WebSocketHandler 负责处理推送连接请求：认证、升级连接、启动三个
// 实时视图的转发协程。通知帧由 Hub 经 Kafka 消费者投递。
type WebSocketHandler struct {
	hub           *ws.Hub
	relationships services.RelationshipService
	blacklist     auth.TokenBlacklist
	cfg           config.Config
}

// NewWebSocketHandler 创建一个新的 WebSocketHandler 实例。
func NewWebSocketHandler(hub *ws.Hub, rs services.RelationshipService, blacklist auth.TokenBlacklist, cfg config.Config) *WebSocketHandler {
	return &WebSocketHandler{
		hub:           hub,
		relationships: rs,
		blacklist:     blacklist,
		cfg:           cfg,
	}
}

// ServeWS 处理传入的 WebSocket 请求。认证通过 token 查询参数完成
//（浏览器的 WebSocket API 不支持自定义头部），不允许匿名连接。
func (h *WebSocketHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "缺少认证令牌", http.StatusUnauthorized)
		return
	}

	claims, err := auth.ValidateToken(r.Context(), token, h.cfg.Auth.JWTSecretKey, h.blacklist)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket 连接尝试失败：令牌无效")
		http.Error(w, "令牌无效", http.StatusUnauthorized)
		return
	}

	client, err := ws.ServeConnection(h.hub, claims.UID, w, r, h.cfg.WebSocket)
	if err != nil {
		log.Error().Err(err).Str("uid", claims.UID).Msg("建立推送连接失败")
		return
	}

	// 连接级上下文：连接断开时取消，所有视图订阅随之释放。
	connCtx, cancel := context.WithCancel(context.Background())
	connCtx = auth.ContextWithIdentity(connCtx, &auth.Identity{
		UID:      claims.UID,
		Username: claims.Username,
	})

	if err := h.startViewStreams(connCtx, cancel, client); err != nil {
		log.Error().Err(err).Str("uid", claims.UID).Msg("启动实时视图失败")
		cancel()
		return
	}

	// Hub 注销连接后立即取消视图上下文，释放关系查询和全部资料子订阅。
	go func() {
		select {
		case <-client.Done():
			cancel()
		case <-connCtx.Done():
		}
	}()
}

// startViewStreams 订阅三个实时视图并各起一个转发协程。
// 任何一个视图流结束（或入队失败）都视为连接失效，取消整个连接上下文。
func (h *WebSocketHandler) startViewStreams(ctx context.Context, cancel context.CancelFunc, client *ws.Client) error {
	friends, err := h.relationships.FriendsStream(ctx)
	if err != nil {
		return err
	}
	pending, err := h.relationships.PendingRequestsStream(ctx)
	if err != nil {
		return err
	}
	blocked, err := h.relationships.BlockedUsersStream(ctx)
	if err != nil {
		return err
	}

	go forwardView(ctx, cancel, client, apptypes.FriendsFrame, friends)
	go forwardView(ctx, cancel, client, apptypes.PendingFrame, pending)
	go forwardView(ctx, cancel, client, apptypes.BlockedFrame, blocked)
	return nil
}

// forwardView 把一个视图的快照流封装成帧推给客户端。
func forwardView[T any](ctx context.Context, cancel context.CancelFunc, client *ws.Client, kind apptypes.StreamFrameKind, snapshots <-chan []T) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case snapshot, ok := <-snapshots:
			if !ok {
				return
			}
			frame, err := apptypes.NewStreamFrame(kind, snapshot)
			if err != nil {
				log.Error().Err(err).Str("kind", string(kind)).Msg("序列化视图帧失败")
				continue
			}
			if err := client.EnqueueFrame(frame); err != nil {
				// 客户端消费不过来，断开由 Hub/pumps 处理
				log.Warn().Err(err).Str("uid", client.UID).Msg("视图帧入队失败，停止转发")
				return
			}
		}
	}
}
