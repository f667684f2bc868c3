package agent

import (
	"context"
)

type traceIDKey struct{}
type agentNameKey struct{}
type instructionKey struct{}

// WithTraceID 将 TraceID 注入 context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// GetTraceID 从 context 获取 TraceID
func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey{}).(string); ok {
		return v
	}
	return ""
}

func withAgentName(ctx context.Context, name AgentName) context.Context {
	return context.WithValue(ctx, agentNameKey{}, name)
}

func agentNameFrom(ctx context.Context) AgentName {
	if v, ok := ctx.Value(agentNameKey{}).(AgentName); ok {
		return v
	}
	return ""
}

// withInstruction 记录当前子 Agent 收到的指令，工具参数缺失时以它作为问题。
func withInstruction(ctx context.Context, instruction string) context.Context {
	return context.WithValue(ctx, instructionKey{}, instruction)
}

func instructionFrom(ctx context.Context) string {
	if v, ok := ctx.Value(instructionKey{}).(string); ok {
		return v
	}
	return ""
}
