package auth

import "context"

type principalKey struct{}

// ContextWithTokenInfo attaches the caller's authenticated token.
func ContextWithTokenInfo(ctx context.Context, info TokenInfo) context.Context {
	return context.WithValue(ctx, principalKey{}, info)
}

// TokenInfoFromContext returns the token attached by ContextWithTokenInfo.
// Inactive tokens are never reported.
func TokenInfoFromContext(ctx context.Context) (TokenInfo, bool) {
	info, ok := ctx.Value(principalKey{}).(TokenInfo)
	return info, ok && info.Active
}
