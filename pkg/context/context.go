package context

import "context"

type ContextKey string

var (
	RequestIDKey       = ContextKey("X-Request-Id")
	MethodKey          = ContextKey("X-Method")
	RouteKey           = ContextKey("X-Route")
	RemoteIPKey        = ContextKey("X-Remote-Ip")
	PlanExecutionIDKey = ContextKey("X-Plan-Execution-Id")
	NodeExecutionIDKey = ContextKey("X-Node-Execution-Id")
	InterruptIDKey     = ContextKey("X-Interrupt-Id")
)

func getString(ctx context.Context, key ContextKey) string {
	value, ok := ctx.Value(key).(string)
	if !ok {
		return ""
	}
	return value
}

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	return getString(ctx, RequestIDKey)
}

func SetMethod(ctx context.Context, method string) context.Context {
	return context.WithValue(ctx, MethodKey, method)
}

func GetMethod(ctx context.Context) string {
	return getString(ctx, MethodKey)
}

func SetRoute(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, RouteKey, route)
}

func GetRoute(ctx context.Context) string {
	return getString(ctx, RouteKey)
}

func SetRemoteIP(ctx context.Context, remoteIP string) context.Context {
	return context.WithValue(ctx, RemoteIPKey, remoteIP)
}

func GetRemoteIP(ctx context.Context) string {
	return getString(ctx, RemoteIPKey)
}

func SetPlanExecutionID(ctx context.Context, planExecutionID string) context.Context {
	return context.WithValue(ctx, PlanExecutionIDKey, planExecutionID)
}

func GetPlanExecutionID(ctx context.Context) string {
	return getString(ctx, PlanExecutionIDKey)
}

func SetNodeExecutionID(ctx context.Context, nodeExecutionID string) context.Context {
	return context.WithValue(ctx, NodeExecutionIDKey, nodeExecutionID)
}

func GetNodeExecutionID(ctx context.Context) string {
	return getString(ctx, NodeExecutionIDKey)
}

func SetInterruptID(ctx context.Context, interruptID string) context.Context {
	return context.WithValue(ctx, InterruptIDKey, interruptID)
}

func GetInterruptID(ctx context.Context) string {
	return getString(ctx, InterruptIDKey)
}

// LogFields returns the execution identifiers present on the context, for structured logging
func LogFields(ctx context.Context) map[string]any {
	fields := map[string]any{}
	for key, name := range map[ContextKey]string{
		RequestIDKey:       "request_id",
		PlanExecutionIDKey: "plan_execution_id",
		NodeExecutionIDKey: "node_execution_id",
		InterruptIDKey:     "interrupt_id",
	} {
		if v := getString(ctx, key); v != "" {
			fields[name] = v
		}
	}
	return fields
}
