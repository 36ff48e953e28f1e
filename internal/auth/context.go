package auth

import "context"

type contextKey struct{}

// AuthContext identifies the signed-in user behind a request.
type AuthContext struct {
	UserID string
	Email  string
	Role   string
	// Token is the raw access token, kept so the session can be revoked
	// with the auth provider.
	Token string
}

func WithAuth(ctx context.Context, ac AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, ac)
}

func FromContext(ctx context.Context) (AuthContext, bool) {
	ac, ok := ctx.Value(contextKey{}).(AuthContext)
	return ac, ok
}

func UserID(ctx context.Context) string {
	ac, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	return ac.UserID
}

func Email(ctx context.Context) string {
	ac, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	return ac.Email
}

// IsAuthenticated reports whether the request carries a verified user.
func IsAuthenticated(ctx context.Context) bool {
	return UserID(ctx) != ""
}
