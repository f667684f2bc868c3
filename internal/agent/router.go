package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
	"github.com/kaptinlin/jsonschema"
)

var (
	// ErrMalformedDecision 表示路由模型的输出不符合 Decision 结构。
	ErrMalformedDecision = errors.New("malformed router decision")
	// ErrUnknownAgent 表示路由选择了未注册的子 Agent。
	ErrUnknownAgent = errors.New("unknown agent")
)

// Decision 是路由模型的结构化输出。
type Decision struct {
	Next         AgentName `json:"next"`
	Instructions string    `json:"instructions"`
	Reason       string    `json:"reason"`
}

// RenderTranscript 把消息渲染为按顺序排列的 [ROLE]: content 文本。
func RenderTranscript(msgs []*schema.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if m == nil {
			continue
		}
		var tag string
		switch m.Role {
		case schema.User:
			tag = "USER"
		case schema.Assistant:
			tag = "ASSISTANT"
		case schema.Tool:
			tag = "TOOL"
		case schema.System:
			tag = "SYSTEM"
		default:
			tag = strings.ToUpper(string(m.Role))
		}
		content := m.Content
		if m.Role == schema.Assistant && content == "" && len(m.ToolCalls) > 0 {
			names := make([]string, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				names = append(names, tc.Function.Name)
			}
			content = "(calling " + strings.Join(names, ", ") + ")"
		}
		if content == "" {
			continue
		}
		fmt.Fprintf(&b, "[%s]: %s\n", tag, content)
	}
	return b.String()
}

var codeFenceRe = regexp.MustCompile(`(?si)^` + "```" + `(?:json)?\s*(.*?)\s*` + "```" + `$`)

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if m := codeFenceRe.FindStringSubmatch(s); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return s
}

// DecisionParser 按已注册的子 Agent 校验路由输出。
type DecisionParser struct {
	schema *jsonschema.Schema
}

func NewDecisionParser(agents []AgentName) (*DecisionParser, error) {
	enum := make([]string, 0, len(agents)+1)
	for _, a := range agents {
		enum = append(enum, string(a))
	}
	enum = append(enum, string(Finish))

	raw, err := json.Marshal(map[string]any{
		"type":     "object",
		"required": []string{"next", "instructions"},
		"properties": map[string]any{
			"next":         map[string]any{"type": "string", "enum": enum},
			"instructions": map[string]any{"type": "string"},
			"reason":       map[string]any{"type": "string"},
		},
	})
	if err != nil {
		return nil, err
	}
	compiled, err := jsonschema.NewCompiler().Compile(raw)
	if err != nil {
		return nil, fmt.Errorf("compile decision schema: %w", err)
	}
	return &DecisionParser{schema: compiled}, nil
}

// ParseDecision 去掉代码块包裹后解析并校验路由输出。
func (p *DecisionParser) ParseDecision(text string) (Decision, error) {
	body := stripCodeFences(text)
	var data any
	if err := json.Unmarshal([]byte(body), &data); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrMalformedDecision, err)
	}
	if result := p.schema.Validate(data); !result.IsValid() {
		return Decision{}, fmt.Errorf("%w: %s", ErrMalformedDecision, result.Error())
	}
	var d Decision
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrMalformedDecision, err)
	}
	d.Instructions = strings.TrimSpace(d.Instructions)
	return d, nil
}

// Router 负责路由决策与最终汇总，两者是彼此独立的模型调用。
type Router struct {
	model  model.BaseChatModel
	route  prompt.ChatTemplate
	final  prompt.ChatTemplate
	parser *DecisionParser
	agents []AgentName
	guide  string
}

// RouteTarget 是路由可选的一个子 Agent 及其职责说明。
type RouteTarget struct {
	Name        AgentName
	Description string
}

func NewRouter(cm model.BaseChatModel, targets []RouteTarget) (*Router, error) {
	if cm == nil {
		return nil, errors.New("router: chat model is nil")
	}
	agents := make([]AgentName, 0, len(targets))
	for _, t := range targets {
		agents = append(agents, t.Name)
	}
	parser, err := NewDecisionParser(agents)
	if err != nil {
		return nil, err
	}
	return &Router{
		model:  cm,
		route:  NewRouterTemplate(),
		final:  NewFinalTemplate(),
		parser: parser,
		agents: agents,
		guide:  agentGuide(targets),
	}, nil
}

func agentGuide(targets []RouteTarget) string {
	lines := make([]string, 0, len(targets))
	for _, t := range targets {
		if t.Description != "" {
			lines = append(lines, "   - "+string(t.Name)+": "+t.Description)
		}
	}
	return strings.Join(lines, "\n")
}

// Decide 渲染完整对话并请求一次路由决策。
func (r *Router) Decide(ctx context.Context, msgs []*schema.Message) (Decision, error) {
	names := make([]string, 0, len(r.agents))
	for _, a := range r.agents {
		names = append(names, "'"+string(a)+"'")
	}
	in, err := r.route.Format(ctx, map[string]any{
		"agents":          strings.Join(names, ", "),
		"agent_guide":     r.guide,
		"decision_format": decisionFormat,
		"transcript":      RenderTranscript(msgs),
	})
	if err != nil {
		return Decision{}, fmt.Errorf("format router prompt: %w", err)
	}
	out, err := r.model.Generate(ctx, in)
	if err != nil {
		return Decision{}, fmt.Errorf("router generate: %w", err)
	}
	return r.parser.ParseDecision(out.Content)
}

// Synthesize 基于完整对话生成最终 Markdown 回答。
func (r *Router) Synthesize(ctx context.Context, msgs []*schema.Message) (string, error) {
	in, err := r.final.Format(ctx, map[string]any{"transcript": RenderTranscript(msgs)})
	if err != nil {
		return "", fmt.Errorf("format final prompt: %w", err)
	}
	out, err := r.model.Generate(ctx, in)
	if err != nil {
		return "", fmt.Errorf("final synthesis: %w", err)
	}
	return strings.TrimSpace(out.Content), nil
}
