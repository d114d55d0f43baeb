package node

import "context"

// ctxKey is a context key bound to the type of its value, so a lookup can not return another type
type ctxKey[T any] struct {
	name string
}

func withValue[T any](ctx context.Context, key ctxKey[T], value T) context.Context {
	return context.WithValue(ctx, key, value)
}

func valueOf[T any](ctx context.Context, key ctxKey[T]) (T, bool) {
	value, ok := ctx.Value(key).(T)
	return value, ok
}

var requestID = ctxKey[string]{name: "requestID"}

// WithRequestID tags ctx with the id of the client request a proposal belongs to, so failures can be traced back
func WithRequestID(ctx context.Context, id string) context.Context {
	return withValue(ctx, requestID, id)
}

func RequestID(ctx context.Context) (string, bool) {
	return valueOf(ctx, requestID)
}
