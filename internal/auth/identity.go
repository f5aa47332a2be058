package auth

import "context"

// Identity 是已认证调用者的身份。
type Identity struct {
	UID      string
	Username string
}

// IdentityProvider resolves the currently authenticated user for a call.
// 返回 (nil, nil) 表示未登录；由调用方决定如何处理。
type IdentityProvider interface {
	CurrentUser(ctx context.Context) (*Identity, error)
}

type identityContextKey struct{}

// ContextWithIdentity returns a context carrying the given identity.
// 认证中间件在请求通过校验后调用。
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext extracts the identity stored by the auth middleware.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(*Identity)
	return id, ok && id != nil
}

// ContextIdentityProvider is the request-scoped IdentityProvider: it reads
// whatever the auth middleware stashed in the context.
type ContextIdentityProvider struct{}

// CurrentUser implements IdentityProvider.
func (ContextIdentityProvider) CurrentUser(ctx context.Context) (*Identity, error) {
	id, ok := IdentityFromContext(ctx)
	if !ok {
		return nil, nil
	}
	return id, nil
}
