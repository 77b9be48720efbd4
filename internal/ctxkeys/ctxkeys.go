package ctxkeys

import "context"

// TraceIDKey 上下文中的链路追踪ID
type TraceIDKey struct{}

// TabIDKey 上下文中的标签页ID
type TabIDKey struct{}

// TraceID 取出链路追踪ID，不存在时返回空串
func TraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(TraceIDKey{}).(string)
	return s
}
