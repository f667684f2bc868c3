package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wwwzy/ShopAgent/internal/catalog"
	"github.com/wwwzy/ShopAgent/internal/llm"
	"github.com/wwwzy/ShopAgent/internal/llm/llmtest"
	"github.com/wwwzy/ShopAgent/internal/logging"
	"github.com/wwwzy/ShopAgent/internal/storage"
)

type fakeCatalog struct {
	mu        sync.Mutex
	questions []string
	resp      catalog.Response
	err       error
}

func (f *fakeCatalog) Answer(ctx context.Context, q string) (catalog.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.questions = append(f.questions, q)
	return f.resp, f.err
}

func (f *fakeCatalog) Questions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.questions...)
}

type fakeKnowledge struct {
	answer string
}

func (f *fakeKnowledge) Answer(ctx context.Context, q string) (string, error) {
	return f.answer, nil
}

// world 根据系统提示分派到路由、汇总或子 Agent 的脚本。
type world struct {
	route func(call int, transcript string) string
	final func(transcript string) string
	sub   func(agent string, input []*schema.Message, tools []*schema.ToolInfo) *schema.Message

	mu         sync.Mutex
	routeCalls int
	subInputs  map[string][][]*schema.Message
}

func (w *world) model() *llmtest.ChatModel {
	w.subInputs = map[string][][]*schema.Message{}
	return llmtest.NewChatModel(func(ctx context.Context, input []*schema.Message, tools []*schema.ToolInfo) (*schema.Message, error) {
		sys := input[0].Content
		last := input[len(input)-1].Content
		switch {
		case strings.Contains(sys, "supervisor overseeing"):
			w.mu.Lock()
			w.routeCalls++
			n := w.routeCalls
			w.mu.Unlock()
			return schema.AssistantMessage(w.route(n, last), nil), nil
		case strings.Contains(sys, "generating the final answer"):
			return schema.AssistantMessage(w.final(last), nil), nil
		default:
			agent := agentFromPrompt(sys)
			w.mu.Lock()
			w.subInputs[agent] = append(w.subInputs[agent], input)
			w.mu.Unlock()
			return w.sub(agent, input, tools), nil
		}
	})
}

func agentFromPrompt(sys string) string {
	switch sys {
	case knowledgeAgentPrompt + handoffHint, knowledgeAgentPrompt:
		return string(KnowledgeAgent)
	case productAgentPrompt + handoffHint, productAgentPrompt:
		return string(ProductAgent)
	default:
		return string(GeneralAgent)
	}
}

func toolCall(id, name, args string) schema.ToolCall {
	return schema.ToolCall{ID: id, Type: "function", Function: schema.FunctionCall{Name: name, Arguments: args}}
}

func openTestStorage(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.Open(context.Background(), storage.Config{
		Path: filepath.Join(t.TempDir(), "agent.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type recordedUpdates struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recordedUpdates) emit(ctx context.Context, u Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	return nil
}

func TestSupervisor_ProductRouteFinishesWithTemperature(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trace-x1")
	db := openTestStorage(t)
	cat := &fakeCatalog{resp: catalog.Response{
		Result:     `[{"Part_No": "X1", "Operating_Temp_Range__C_": 125}]`,
		Parameters: []string{"Part_No", "Operating_Temp_Range__C_"},
	}}

	w := &world{
		route: func(call int, transcript string) string {
			if call == 1 {
				return `{"next": "product_agent", "instructions": "Find the operating temperature of part X1.", "reason": "product data needed"}`
			}
			return "```json\n{\"next\": \"FINISH\", \"instructions\": \"\", \"reason\": \"answered\"}\n```"
		},
		final: func(transcript string) string {
			if strings.Contains(transcript, "125") {
				return "**X1** operates from -40 to 125 C."
			}
			return "No data."
		},
		sub: func(agent string, input []*schema.Message, tools []*schema.ToolInfo) *schema.Message {
			last := input[len(input)-1]
			if last.Role == schema.Tool {
				return schema.AssistantMessage("Part X1 has an operating temperature up to 125 C.", nil)
			}
			return schema.AssistantMessage("", []schema.ToolCall{
				toolCall("call-1", ToolQueryCatalog, `{"question": "operating temperature of X1"}`),
			})
		},
	}

	sup, err := New(ctx, Dependencies{
		Model:    w.model(),
		Backends: Backends{Catalog: cat},
		Config:   DefaultConfig(),
		Audit:    db,
		Logger:   logging.Discard(),
	})
	require.NoError(t, err)

	state := NewConversationState([]*schema.Message{
		schema.UserMessage("What is the operating temperature for part X1?"),
	})
	rec := &recordedUpdates{}
	final, err := sup.Run(ctx, state, rec.emit)
	require.NoError(t, err)

	assert.Contains(t, final.Content, "125")
	assert.Equal(t, SupervisorName, final.Name)
	assert.Equal(t, PhaseFinished, state.Phase)
	assert.Same(t, final, state.FinalAnswer())
	assert.Equal(t, 2, state.Turn)
	require.NoError(t, CheckToolPairing(state.Messages))

	// 恰好一个 final 且在最后
	require.NotEmpty(t, rec.updates)
	for i, u := range rec.updates {
		if i < len(rec.updates)-1 {
			assert.Equal(t, UpdateStream, u.Kind)
		}
	}
	last := rec.updates[len(rec.updates)-1]
	assert.Equal(t, UpdateFinal, last.Kind)
	assert.Contains(t, last.Content, "125")
	assert.Equal(t, string(ProductAgent), rec.updates[0].Agent)

	assert.Equal(t, []string{"operating temperature of X1"}, cat.Questions())

	// 子 Agent 只收到系统提示与最新指令
	first := w.subInputs[string(ProductAgent)][0]
	require.Len(t, first, 2)
	assert.Equal(t, schema.System, first[0].Role)
	assert.Equal(t, InstructionsName, first[1].Name)
	assert.Equal(t, "Find the operating temperature of part X1.", first[1].Content)

	records, err := db.QueryAuditRecords(ctx, storage.AuditQuery{TraceID: "trace-x1"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ToolQueryCatalog, records[0].Action)
	assert.Equal(t, string(ProductAgent), records[0].Agent)
	assert.Equal(t, "success", records[0].Status)
	assert.Contains(t, records[0].ResultJSON, "125")
}

func TestSupervisor_MalformedDecisionIsFatal(t *testing.T) {
	for name, reply := range map[string]string{
		"not json":      "I think the product agent should handle this.",
		"unknown agent": `{"next": "sales_agent", "instructions": "sell", "reason": "x"}`,
		"missing field": `{"next": "general_agent"}`,
	} {
		t.Run(name, func(t *testing.T) {
			w := &world{
				route: func(int, string) string { return reply },
				final: func(string) string { return "unused" },
				sub: func(string, []*schema.Message, []*schema.ToolInfo) *schema.Message {
					return schema.AssistantMessage("unused", nil)
				},
			}
			sup, err := New(context.Background(), Dependencies{Model: w.model(), Config: DefaultConfig(), Logger: logging.Discard()})
			require.NoError(t, err)

			rec := &recordedUpdates{}
			state := NewConversationState([]*schema.Message{schema.UserMessage("hi")})
			_, err = sup.Run(context.Background(), state, rec.emit)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedDecision)
			assert.Empty(t, rec.updates)
			assert.Nil(t, state.FinalAnswer())
		})
	}
}

func TestSupervisor_MaxTurnsAsksForClarification(t *testing.T) {
	w := &world{
		route: func(int, string) string {
			return `{"next": "general_agent", "instructions": "Say hello.", "reason": "small talk"}`
		},
		final: func(string) string { return "unused" },
		sub: func(string, []*schema.Message, []*schema.ToolInfo) *schema.Message {
			return schema.AssistantMessage("Hello!", nil)
		},
	}
	sup, err := New(context.Background(), Dependencies{
		Model:  w.model(),
		Config: Config{MaxTurns: 2, MaxToolCalls: 3},
		Logger: logging.Discard(),
	})
	require.NoError(t, err)

	rec := &recordedUpdates{}
	state := NewConversationState([]*schema.Message{schema.UserMessage("hello?")})
	final, err := sup.Run(context.Background(), state, rec.emit)
	require.NoError(t, err)

	assert.Equal(t, clarificationMessage, final.Content)
	assert.Equal(t, 2, w.routeCalls)
	assert.Len(t, w.subInputs[string(GeneralAgent)], 2)
	require.Len(t, rec.updates, 3)
	assert.Equal(t, UpdateFinal, rec.updates[2].Kind)
}

func TestSupervisor_FinishWithClarifyingQuestion(t *testing.T) {
	w := &world{
		route: func(int, string) string {
			return `{"next": "FINISH", "instructions": "Which part number do you mean?", "reason": "ambiguous"}`
		},
		final: func(transcript string) string {
			if strings.Contains(transcript, "Which part number do you mean?") {
				return "Which part number do you mean?"
			}
			return "missing"
		},
		sub: func(string, []*schema.Message, []*schema.ToolInfo) *schema.Message { return nil },
	}
	sup, err := New(context.Background(), Dependencies{Model: w.model(), Config: DefaultConfig(), Logger: logging.Discard()})
	require.NoError(t, err)

	final, err := sup.Run(context.Background(), NewConversationState([]*schema.Message{schema.UserMessage("temperature?")}), nil)
	require.NoError(t, err)
	assert.Equal(t, "Which part number do you mean?", final.Content)
}

func TestSupervisor_EmitErrorStopsLoop(t *testing.T) {
	w := &world{
		route: func(int, string) string {
			return `{"next": "general_agent", "instructions": "Say hello.", "reason": "small talk"}`
		},
		final: func(string) string { return "unused" },
		sub: func(string, []*schema.Message, []*schema.ToolInfo) *schema.Message {
			return schema.AssistantMessage("Hello!", nil)
		},
	}
	sup, err := New(context.Background(), Dependencies{Model: w.model(), Config: DefaultConfig(), Logger: logging.Discard()})
	require.NoError(t, err)

	gone := errors.New("client gone")
	_, err = sup.Run(context.Background(), NewConversationState([]*schema.Message{schema.UserMessage("hi")}),
		func(context.Context, Update) error { return gone })
	assert.ErrorIs(t, err, gone)
	assert.Equal(t, 1, w.routeCalls)
}

func TestSupervisor_CanceledContext(t *testing.T) {
	w := &world{
		route: func(int, string) string { return `{"next": "FINISH", "instructions": ""}` },
		final: func(string) string { return "unused" },
		sub:   func(string, []*schema.Message, []*schema.ToolInfo) *schema.Message { return nil },
	}
	sup, err := New(context.Background(), Dependencies{Model: w.model(), Config: DefaultConfig(), Logger: logging.Discard()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = sup.Run(ctx, NewConversationState(nil), nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, w.routeCalls)
}

func TestSubAgent_ToolBudgetForcesAnswer(t *testing.T) {
	cat := &fakeCatalog{resp: catalog.Response{Result: "[]", Parameters: []string{"Part_No"}}}
	cm := llmtest.NewChatModel(func(ctx context.Context, input []*schema.Message, tools []*schema.ToolInfo) (*schema.Message, error) {
		if len(tools) == 0 {
			return schema.AssistantMessage("No matching products found.", nil), nil
		}
		return schema.AssistantMessage("", []schema.ToolCall{
			toolCall("a", ToolQueryCatalog, `{"question": "q1"}`),
			toolCall("b", ToolQueryCatalog, `not json`),
			toolCall("c", ToolQueryCatalog, `{"question": "q3"}`),
		}), nil
	})

	a, err := NewSubAgent(context.Background(), SubAgentOptions{
		Name:         ProductAgent,
		SystemPrompt: productAgentPrompt,
		Model:        cm,
		Tools:        []tool.InvokableTool{NewCatalogTool(cat)},
		MaxToolCalls: 2,
		Logger:       logging.Discard(),
	})
	require.NoError(t, err)

	instr := schema.UserMessage("List low power parts.")
	instr.Name = InstructionsName
	res, err := a.Invoke(context.Background(), instr)
	require.NoError(t, err)

	// 第三个调用超出预算被截掉，非法参数退回到指令原文
	assert.Equal(t, []string{"q1", "List low power parts."}, cat.Questions())
	assert.Equal(t, "No matching products found.", res.Reply.Content)
	assert.Equal(t, string(ProductAgent), res.Reply.Name)
	assert.Empty(t, res.Handoff)
	require.NoError(t, CheckToolPairing(res.Messages))
	for _, m := range res.Messages {
		assert.NotSame(t, instr, m)
	}
}

func TestSubAgent_Handoff(t *testing.T) {
	cm := llmtest.NewChatModel(func(ctx context.Context, input []*schema.Message, tools []*schema.ToolInfo) (*schema.Message, error) {
		return schema.AssistantMessage("", []schema.ToolCall{
			toolCall("t1", TransferToolName(ProductAgent), `{}`),
		}), nil
	})
	agents, err := NewDefaultSubAgents(context.Background(), cm,
		Backends{Knowledge: &fakeKnowledge{answer: "unused"}, Catalog: &fakeCatalog{}},
		DefaultConfig(), nil, logging.Discard())
	require.NoError(t, err)
	require.Len(t, agents, 3)
	assert.Equal(t, KnowledgeAgent, agents[0].Name())

	instr := schema.UserMessage("What is the max clock of M480?")
	instr.Name = InstructionsName
	res, err := agents[0].Invoke(context.Background(), instr)
	require.NoError(t, err)

	assert.Equal(t, ProductAgent, res.Handoff)
	var toolOut *schema.Message
	for _, m := range res.Messages {
		if m.Role == schema.Tool {
			toolOut = m
		}
	}
	require.NotNil(t, toolOut)
	assert.Equal(t, "Successfully transferred to product_agent", toolOut.Content)
	assert.Contains(t, res.Reply.Content, "product_agent")
	require.NoError(t, CheckToolPairing(res.Messages))
}

func TestSubAgent_UnknownToolDoesNotFail(t *testing.T) {
	calls := 0
	cm := llmtest.NewChatModel(func(ctx context.Context, input []*schema.Message, tools []*schema.ToolInfo) (*schema.Message, error) {
		calls++
		if input[len(input)-1].Role == schema.Tool {
			return schema.AssistantMessage("Answered without the tool.", nil), nil
		}
		return schema.AssistantMessage("", []schema.ToolCall{toolCall("x", "delete_everything", `{}`)}), nil
	})
	a, err := NewSubAgent(context.Background(), SubAgentOptions{
		Name:         KnowledgeAgent,
		SystemPrompt: knowledgeAgentPrompt,
		Model:        cm,
		Tools:        []tool.InvokableTool{NewKnowledgeTool(&fakeKnowledge{answer: "x"})},
		Logger:       logging.Discard(),
	})
	require.NoError(t, err)

	res, err := a.Invoke(context.Background(), schema.UserMessage("help"))
	require.NoError(t, err)
	assert.Equal(t, "Answered without the tool.", res.Reply.Content)
	assert.Equal(t, 2, calls)
}

func TestRenderTranscript(t *testing.T) {
	instr := schema.UserMessage("Look up X1.")
	instr.Name = InstructionsName
	msgs := []*schema.Message{
		schema.SystemMessage("note"),
		schema.UserMessage("What about X1?"),
		instr,
		schema.AssistantMessage("", []schema.ToolCall{toolCall("1", ToolQueryCatalog, "{}")}),
		schema.ToolMessage(`[{"Part_No": "X1"}]`, "1"),
		schema.AssistantMessage("X1 found.", nil),
	}
	want := "[SYSTEM]: note\n" +
		"[USER]: What about X1?\n" +
		"[USER]: Look up X1.\n" +
		"[ASSISTANT]: (calling query_product_catalog)\n" +
		"[TOOL]: [{\"Part_No\": \"X1\"}]\n" +
		"[ASSISTANT]: X1 found.\n"
	assert.Equal(t, want, RenderTranscript(msgs))
}

func TestNew_RouterGuideListsRegisteredAgents(t *testing.T) {
	var (
		mu        sync.Mutex
		routerSys string
	)
	cm := llmtest.NewChatModel(func(ctx context.Context, input []*schema.Message, _ []*schema.ToolInfo) (*schema.Message, error) {
		sys := input[0].Content
		if strings.Contains(sys, "supervisor overseeing") {
			mu.Lock()
			routerSys = sys
			mu.Unlock()
			return schema.AssistantMessage(`{"next":"FINISH","instructions":""}`, nil), nil
		}
		return schema.AssistantMessage("Hello!", nil), nil
	})

	sup, err := New(context.Background(), Dependencies{
		Model:    cm,
		Backends: Backends{Catalog: &fakeCatalog{}},
		Config:   DefaultConfig(),
		Logger:   logging.Discard(),
	})
	require.NoError(t, err)

	_, err = sup.Run(context.Background(), NewConversationState([]*schema.Message{schema.UserMessage("hi")}), nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, routerSys, "   - product_agent: "+productAgentDescription)
	assert.Contains(t, routerSys, "   - general_agent: "+generalAgentDescription)
	assert.NotContains(t, routerSys, string(KnowledgeAgent))
}

func TestParseDecision(t *testing.T) {
	p, err := NewDecisionParser([]AgentName{KnowledgeAgent, ProductAgent})
	require.NoError(t, err)

	d, err := p.ParseDecision("```json\n{\"next\": \"knowledge_agent\", \"instructions\": \" Explain refunds. \", \"reason\": \"manual\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, KnowledgeAgent, d.Next)
	assert.Equal(t, "Explain refunds.", d.Instructions)

	d, err = p.ParseDecision(`{"next": "FINISH", "instructions": ""}`)
	require.NoError(t, err)
	assert.Equal(t, Finish, d.Next)

	// general_agent 未注册
	_, err = p.ParseDecision(`{"next": "general_agent", "instructions": "hi"}`)
	assert.ErrorIs(t, err, ErrMalformedDecision)
}

func TestSanitizeMessages(t *testing.T) {
	call := schema.AssistantMessage("", []schema.ToolCall{
		toolCall("1", ToolQueryCatalog, "{broken"),
		toolCall("2", ToolQueryCatalog, `{"question": "x"}`),
	})
	in := []*schema.Message{
		schema.UserMessage("q"),
		call,
		schema.ToolMessage("ok", "2"),
		schema.AssistantMessage("done", nil),
	}
	require.Error(t, CheckToolPairing(in))

	out := SanitizeMessages(in)
	require.NoError(t, CheckToolPairing(out))
	require.Len(t, out, 5)
	assert.Equal(t, "{}", out[1].ToolCalls[0].Function.Arguments)
	assert.Equal(t, "{broken", call.ToolCalls[0].Function.Arguments)
	assert.Equal(t, danglingToolResult, out[3].Content)
	assert.Equal(t, "1", out[3].ToolCallID)
}

func TestConversationStateTransitions(t *testing.T) {
	s := NewConversationState(nil)
	assert.Equal(t, PhaseRouting, s.Phase)
	require.Error(t, s.transition(PhaseRouting))
	require.NoError(t, s.transition(PhaseDispatched))
	require.Error(t, s.transition(PhaseFinished))
	require.NoError(t, s.transition(PhaseRouting))
	require.NoError(t, s.transition(PhaseFinished))
	require.Error(t, s.transition(PhaseRouting))
	assert.Equal(t, "FINISHED", s.Phase.String())
}

// TestRealSupervisorFlow 使用真实模型走一遍 general_agent 路由。
// 需要 ARK_API_KEY 与 ARK_MODEL_ID 环境变量，未设置时跳过。
func TestRealSupervisorFlow(t *testing.T) {
	apiKey := os.Getenv("ARK_API_KEY")
	modelID := os.Getenv("ARK_MODEL_ID")
	if apiKey == "" || modelID == "" {
		t.Skip("Skipping real supervisor test: ARK_API_KEY or ARK_MODEL_ID not set")
	}

	ctx := context.Background()
	cm, err := llm.NewChatModel(ctx, llm.ArkOptions{APIKey: apiKey, ModelID: modelID, BaseURL: os.Getenv("ARK_BASE_URL")})
	require.NoError(t, err)

	sup, err := New(ctx, Dependencies{Model: cm, Config: DefaultConfig(), Logger: logging.Discard()})
	require.NoError(t, err)

	state := NewConversationState([]*schema.Message{schema.UserMessage("Hi there, who are you?")})
	final, err := sup.Run(ctx, state, nil)
	require.NoError(t, err)
	t.Logf("Final response: %s", final.Content)
	assert.NotEmpty(t, final.Content)
}
