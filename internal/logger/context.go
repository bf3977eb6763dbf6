package logger

import "context"

type ctxKey int

const requestIDKey ctxKey = iota

// WithRequestID stores the id that correlates all log lines for one HTTP
// request. The HTTP logging middleware seeds it from the router's request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the correlation id set by WithRequestID, or "" outside a
// request context.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
