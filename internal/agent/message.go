package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
)

// danglingToolResult 为缺失结果的工具调用补齐的占位内容。
const danglingToolResult = "Tool call was not executed."

// SanitizeMessages 在把消息交给 ChatModel 之前执行：
//  1. 工具调用参数不是合法 JSON 时替换为 "{}"；
//  2. 每条带工具调用的 assistant 消息之后必须紧跟对应的 tool 消息，缺失的补占位结果。
//
// 不修改 input 中的原消息。
func SanitizeMessages(input []*schema.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(input))
	for i := 0; i < len(input); i++ {
		m := input[i]
		if m == nil {
			continue
		}
		if m.Role != schema.Assistant || len(m.ToolCalls) == 0 {
			out = append(out, m)
			continue
		}

		out = append(out, sanitizeToolCallArgs(m))

		// 收集紧随其后的 tool 消息
		answered := make(map[string]bool, len(m.ToolCalls))
		for i+1 < len(input) && input[i+1] != nil && input[i+1].Role == schema.Tool {
			i++
			answered[input[i].ToolCallID] = true
			out = append(out, input[i])
		}
		for _, tc := range m.ToolCalls {
			if !answered[tc.ID] {
				out = append(out, schema.ToolMessage(danglingToolResult, tc.ID))
			}
		}
	}
	return out
}

func sanitizeToolCallArgs(m *schema.Message) *schema.Message {
	var fixed []schema.ToolCall
	for j := range m.ToolCalls {
		args := strings.TrimSpace(m.ToolCalls[j].Function.Arguments)
		if args == "" || args == "null" || !json.Valid([]byte(args)) {
			if fixed == nil {
				fixed = append([]schema.ToolCall(nil), m.ToolCalls...)
			}
			fixed[j].Function.Arguments = "{}"
		}
	}
	if fixed == nil {
		return m
	}
	nm := *m
	nm.ToolCalls = fixed
	return &nm
}

// CheckToolPairing 校验每个工具调用都紧跟着对应的 tool 结果消息。
func CheckToolPairing(msgs []*schema.Message) error {
	for i := 0; i < len(msgs); i++ {
		m := msgs[i]
		if m == nil || m.Role != schema.Assistant || len(m.ToolCalls) == 0 {
			continue
		}
		pending := make(map[string]bool, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			pending[tc.ID] = true
		}
		for i+1 < len(msgs) && msgs[i+1] != nil && msgs[i+1].Role == schema.Tool {
			i++
			delete(pending, msgs[i].ToolCallID)
		}
		if len(pending) > 0 {
			return fmt.Errorf("message %d has %d tool call(s) without results", i, len(pending))
		}
	}
	return nil
}
