package audit

import "context"

type clientIPKey struct{}

// WithClientIP attaches the resolved client IP so services below the HTTP
// layer can record it without depending on gin.
func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}

func ClientIPFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(clientIPKey{}).(string); ok {
		return s
	}
	return ""
}
