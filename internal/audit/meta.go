package audit

import "context"

// Meta describes the request an event originated from.
type Meta struct {
	IPAddress string
	UserAgent string
	RequestID string
}

type metaKey struct{}

func WithMeta(ctx context.Context, m Meta) context.Context {
	return context.WithValue(ctx, metaKey{}, m)
}

func MetaFrom(ctx context.Context) Meta {
	m, _ := ctx.Value(metaKey{}).(Meta)
	return m
}
