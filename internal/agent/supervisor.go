package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
)

// UpdateKind 区分流式中间内容与最终回答。
type UpdateKind int

const (
	UpdateStream UpdateKind = iota
	UpdateFinal
)

// Update 是 Supervisor 循环中对外可见的一次进展。
type Update struct {
	Kind    UpdateKind
	Agent   string
	Content string
}

// EmitFunc 同步接收进展，返回错误时 Supervisor 立即停止。
type EmitFunc func(ctx context.Context, u Update) error

const clarificationMessage = "I could not work out a complete answer to your request. " +
	"Could you clarify what you need, for example the exact part number or the store feature you are asking about?"

// Supervisor 以有界状态机驱动路由与子 Agent 调用。
type Supervisor struct {
	router *Router
	agents map[AgentName]*SubAgent
	cfg    Config
	logger *slog.Logger
}

func NewSupervisor(router *Router, agents []*SubAgent, cfg Config, logger *slog.Logger) (*Supervisor, error) {
	if router == nil {
		return nil, errors.New("supervisor: router is nil")
	}
	if cfg.MaxTurns <= 0 {
		return nil, fmt.Errorf("supervisor: max turns must be positive, got %d", cfg.MaxTurns)
	}
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[AgentName]*SubAgent, len(agents))
	for _, a := range agents {
		if _, dup := byName[a.Name()]; dup {
			return nil, fmt.Errorf("supervisor: duplicate agent %s", a.Name())
		}
		byName[a.Name()] = a
	}
	return &Supervisor{router: router, agents: byName, cfg: cfg, logger: logger}, nil
}

// New 用同一个模型组装默认的子 Agent、路由与 Supervisor。
func New(ctx context.Context, deps Dependencies) (*Supervisor, error) {
	agents, err := NewDefaultSubAgents(ctx, deps.Model, deps.Backends, deps.Config, deps.Audit, deps.Logger)
	if err != nil {
		return nil, err
	}
	targets := make([]RouteTarget, 0, len(agents))
	for _, a := range agents {
		targets = append(targets, RouteTarget{Name: a.Name(), Description: a.Description()})
	}
	router, err := NewRouter(deps.Model, targets)
	if err != nil {
		return nil, err
	}
	return NewSupervisor(router, agents, deps.Config, deps.Logger)
}

// Run 从 ROUTING 开始推进，直到 FINISHED 或出错，返回最终回答消息。
// 每条新的带文本的助手消息都会通过 emit 以 UpdateStream 送出，最终回答以 UpdateFinal 最后送出。
func (s *Supervisor) Run(ctx context.Context, state *ConversationState, emit EmitFunc) (*schema.Message, error) {
	if state == nil {
		return nil, errors.New("conversation state is nil")
	}
	if emit == nil {
		emit = func(context.Context, Update) error { return nil }
	}
	logger := s.logger.With("trace_id", GetTraceID(ctx))

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if state.Phase != PhaseRouting {
			return nil, fmt.Errorf("supervisor: unexpected phase %s", state.Phase)
		}

		if state.Turn >= s.cfg.MaxTurns {
			logger.Warn("max routing turns reached", "turns", state.Turn)
			return s.finish(ctx, state, clarificationMessage, emit)
		}

		start := time.Now()
		decision, err := s.router.Decide(ctx, state.Messages)
		if err != nil {
			return nil, err
		}
		state.Turn++
		state.Next = decision.Next
		state.Instructions = decision.Instructions
		logger.Info("router decision",
			"turn", state.Turn,
			"next", string(decision.Next),
			"reason", decision.Reason,
			"elapsed", time.Since(start),
		)

		if decision.Next == Finish {
			if decision.Instructions != "" {
				// FINISH 附带的指令是给用户的澄清问题，交给汇总一并输出
				state.Append(schema.SystemMessage("Clarifying question for the user: " + decision.Instructions))
			}
			text, err := s.router.Synthesize(ctx, state.Messages)
			if err != nil {
				return nil, err
			}
			return s.finish(ctx, state, text, emit)
		}

		agent, ok := s.agents[decision.Next]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, decision.Next)
		}

		instruction := schema.UserMessage(s.instructionText(state, decision))
		instruction.Name = InstructionsName
		state.Append(instruction)
		if err := state.transition(PhaseDispatched); err != nil {
			return nil, err
		}

		res, err := agent.Invoke(ctx, instruction)
		if err != nil {
			return nil, err
		}
		state.Append(res.Messages...)
		for _, m := range res.Messages {
			if m.Role != schema.Assistant || strings.TrimSpace(m.Content) == "" {
				continue
			}
			if err := emit(ctx, Update{Kind: UpdateStream, Agent: m.Name, Content: m.Content}); err != nil {
				return nil, err
			}
		}
		if res.Handoff != "" {
			state.Append(schema.SystemMessage(fmt.Sprintf("%s suggests handing this task to %s.", agent.Name(), res.Handoff)))
			logger.Info("handoff requested", "from", string(agent.Name()), "to", string(res.Handoff))
		}

		if err := state.transition(PhaseRouting); err != nil {
			return nil, err
		}
	}
}

// instructionText 在指令为空时退回到用户最近一次提问。
func (s *Supervisor) instructionText(state *ConversationState, d Decision) string {
	if d.Instructions != "" {
		return d.Instructions
	}
	for i := len(state.Messages) - 1; i >= 0; i-- {
		m := state.Messages[i]
		if m.Role == schema.User && m.Name == "" {
			return m.Content
		}
	}
	return ""
}

func (s *Supervisor) finish(ctx context.Context, state *ConversationState, text string, emit EmitFunc) (*schema.Message, error) {
	final := schema.AssistantMessage(text, nil)
	final.Name = SupervisorName
	state.Append(final)
	if err := state.transition(PhaseFinished); err != nil {
		return nil, err
	}
	if err := emit(ctx, Update{Kind: UpdateFinal, Agent: SupervisorName, Content: text}); err != nil {
		return nil, err
	}
	return final, nil
}
