package middleware

import (
	"context"
	"net/http"
	"strings"

	"talkie-go/internal/auth"
	"talkie-go/internal/config"
)

type claimsContextKey struct{}

// GetClaimsFromContext 取出认证中间件存入的完整 JWT 声明（登出时需要 jti）。
func GetClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*auth.Claims)
	return claims, ok && claims != nil
}

// AuthMiddleware 是一个 HTTP 中间件，用于验证 JWT 并把调用者身份放进请求上下文。
// 下游通过 auth.IdentityFromContext / auth.ContextIdentityProvider 取用。
func AuthMiddleware(next http.Handler, authCfg config.AuthConfig, blacklist auth.TokenBlacklist) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "请求未包含授权令牌", http.StatusUnauthorized)
			return
		}

		headerParts := strings.Split(authHeader, " ")
		if len(headerParts) != 2 || strings.ToLower(headerParts[0]) != "bearer" {
			http.Error(w, "授权头部格式无效", http.StatusUnauthorized)
			return
		}

		claims, err := auth.ValidateToken(r.Context(), headerParts[1], authCfg.JWTSecretKey, blacklist)
		if err != nil {
			http.Error(w, "令牌无效", http.StatusUnauthorized)
			return
		}

		ctx := auth.ContextWithIdentity(r.Context(), &auth.Identity{
			UID:      claims.UID,
			Username: claims.Username,
		})
		ctx = context.WithValue(ctx, claimsContextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
