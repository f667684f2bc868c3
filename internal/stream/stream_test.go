package stream

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wwwzy/ShopAgent/internal/agent"
	"github.com/wwwzy/ShopAgent/internal/catalog"
	"github.com/wwwzy/ShopAgent/internal/llm/llmtest"
	"github.com/wwwzy/ShopAgent/internal/logging"
	"github.com/wwwzy/ShopAgent/internal/storage"
)

type collector struct {
	mu     sync.Mutex
	frames []Frame
	failAt int
}

func (c *collector) WriteFrame(ctx context.Context, f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAt > 0 && len(c.frames)+1 == c.failAt {
		return errors.New("broken pipe")
	}
	c.frames = append(c.frames, f)
	return nil
}

// scriptRunner 依次送出 updates，最后返回 err。
type scriptRunner struct {
	updates []agent.Update
	err     error
	before  func(i int)
	sawCtx  context.Context
}

func (r *scriptRunner) Run(ctx context.Context, state *agent.ConversationState, emit agent.EmitFunc) (*schema.Message, error) {
	r.sawCtx = ctx
	for i, u := range r.updates {
		if r.before != nil {
			r.before(i)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := emit(ctx, u); err != nil {
			return nil, err
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return schema.AssistantMessage("done", nil), nil
}

func req(q string) Request {
	return Request{Question: q}
}

func TestFrameEncode(t *testing.T) {
	b, err := Frame{Kind: KindStream, Data: "partial"}.Encode()
	require.NoError(t, err)
	assert.Equal(t, "{\"type\":\"stream\",\"data\":\"partial\"}\n\n", string(b))

	b, err = Frame{Kind: KindFinal}.Encode()
	require.NoError(t, err)
	assert.Equal(t, "{\"type\":\"final\",\"data\":\"\"}\n\n", string(b))

	b, err = Frame{Kind: KindError, Data: "boom"}.Encode()
	require.NoError(t, err)
	assert.Equal(t, "{\"error\":\"boom\"}\n\n", string(b))
}

func TestBuildState(t *testing.T) {
	state, err := BuildState(Request{
		Question: "and the voltage?",
		Conversation: []Turn{
			{Sender: "user", Content: "max temp of X1?"},
			{Sender: "bot", Content: "125 C"},
			{Sender: "assistant", Content: "anything else?"},
		},
	})
	require.NoError(t, err)
	require.Len(t, state.Messages, 4)
	assert.Equal(t, schema.User, state.Messages[0].Role)
	assert.Equal(t, schema.Assistant, state.Messages[1].Role)
	assert.Equal(t, schema.Assistant, state.Messages[2].Role)
	assert.Equal(t, schema.User, state.Messages[3].Role)
	assert.Equal(t, "and the voltage?", state.Messages[3].Content)
	assert.Equal(t, agent.PhaseRouting, state.Phase)

	_, err = BuildState(Request{Question: "q", Conversation: []Turn{{Sender: "system", Content: "x"}}})
	assert.ErrorIs(t, err, ErrUnknownSender)

	_, err = BuildState(Request{Question: "  "})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestAdapter_StreamThenFinal(t *testing.T) {
	r := &scriptRunner{updates: []agent.Update{
		{Kind: agent.UpdateStream, Content: "looking up X1"},
		{Kind: agent.UpdateStream, Content: "X1 runs up to 125 C"},
		{Kind: agent.UpdateFinal, Content: "**125 C**"},
	}}
	c := &collector{}
	require.NoError(t, NewAdapter(r, logging.Discard()).Run(context.Background(), req("temp of X1?"), c))

	require.Len(t, c.frames, 3)
	assert.Equal(t, KindStream, c.frames[0].Kind)
	assert.Equal(t, KindStream, c.frames[1].Kind)
	assert.Equal(t, Frame{Kind: KindFinal, Data: "**125 C**"}, c.frames[2])
	assert.NotEmpty(t, agent.GetTraceID(r.sawCtx))
}

func TestAdapter_ErrorFrameAfterStreams(t *testing.T) {
	r := &scriptRunner{
		updates: []agent.Update{{Kind: agent.UpdateStream, Content: "partial"}},
		err:     errors.New("router generate: upstream unavailable"),
	}
	c := &collector{}
	require.NoError(t, NewAdapter(r, logging.Discard()).Run(context.Background(), req("q"), c))

	require.Len(t, c.frames, 2)
	assert.Equal(t, KindStream, c.frames[0].Kind)
	assert.Equal(t, KindError, c.frames[1].Kind)
	assert.Contains(t, c.frames[1].Data, "upstream unavailable")
}

func TestAdapter_InvalidRequestWritesNothing(t *testing.T) {
	c := &collector{}
	err := NewAdapter(&scriptRunner{}, logging.Discard()).Run(context.Background(),
		Request{Question: "q", Conversation: []Turn{{Sender: "robot"}}}, c)
	assert.ErrorIs(t, err, ErrUnknownSender)
	assert.Empty(t, c.frames)
}

func TestAdapter_CancelAfterFirstFrame(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &scriptRunner{
		updates: []agent.Update{
			{Kind: agent.UpdateStream, Content: "first"},
			{Kind: agent.UpdateStream, Content: "second"},
			{Kind: agent.UpdateFinal, Content: "final"},
		},
		before: func(i int) {
			if i == 1 {
				cancel()
			}
		},
	}
	c := &collector{}
	err := NewAdapter(r, logging.Discard()).Run(ctx, req("q"), c)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, c.frames, 1)
	assert.Equal(t, "first", c.frames[0].Data)
}

func TestAdapter_WriterFailureStops(t *testing.T) {
	r := &scriptRunner{updates: []agent.Update{
		{Kind: agent.UpdateStream, Content: "first"},
		{Kind: agent.UpdateStream, Content: "second"},
		{Kind: agent.UpdateFinal, Content: "final"},
	}}
	c := &collector{failAt: 2}
	err := NewAdapter(r, logging.Discard()).Run(context.Background(), req("q"), c)
	require.Error(t, err)
	assert.Len(t, c.frames, 1)
}

func TestAdapter_ProductScenarioEndToEnd(t *testing.T) {
	ctx := context.Background()
	db, err := storage.Open(ctx, storage.Config{Path: filepath.Join(t.TempDir(), "e2e.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	routeCalls := 0
	cm := llmtest.NewChatModel(func(ctx context.Context, input []*schema.Message, tools []*schema.ToolInfo) (*schema.Message, error) {
		first := input[0].Content
		last := input[len(input)-1]
		switch {
		case strings.Contains(first, "Generate a valid SQL query"):
			return schema.AssistantMessage("SELECT Part_No, Operating_Temp_Range__C_ FROM product_parameters WHERE Part_No = 'X1'", nil), nil
		case strings.Contains(first, "supervisor overseeing"):
			routeCalls++
			if routeCalls == 1 {
				return schema.AssistantMessage(`{"next": "product_agent", "instructions": "Get the operating temperature of part X1.", "reason": "catalog"}`, nil), nil
			}
			return schema.AssistantMessage(`{"next": "FINISH", "instructions": "", "reason": "answered"}`, nil), nil
		case strings.Contains(first, "generating the final answer"):
			i := strings.Index(last.Content, "Operating_Temp_Range__C_")
			if i < 0 {
				return schema.AssistantMessage("No temperature found.", nil), nil
			}
			return schema.AssistantMessage("Part **X1** operating temperature: 125 C.", nil), nil
		case last.Role == schema.Tool:
			return schema.AssistantMessage("X1 operating temperature is 125.", nil), nil
		default:
			return schema.AssistantMessage("", []schema.ToolCall{{
				ID: "call-1", Type: "function",
				Function: schema.FunctionCall{Name: agent.ToolQueryCatalog, Arguments: `{}`},
			}}), nil
		}
	})

	rows := [][]string{
		{"Product Selection Guide"},
		{"Rev 1.0"},
		{"Product", "Temperature"},
		{"Part No.", "Operating Temp-Range (C)"},
		{"X1", "125"},
		{"M480", "105"},
	}
	engine := catalog.NewEngine(db, cm, catalog.DefaultConfig(), logging.Discard(),
		catalog.WithSheetLoader(func(ctx context.Context) (*catalog.Sheet, error) {
			return catalog.ParseRows(rows, catalog.DefaultConfig().SheetOptions())
		}))

	sup, err := agent.New(ctx, agent.Dependencies{
		Model:    cm,
		Backends: agent.Backends{Catalog: engine},
		Config:   agent.DefaultConfig(),
		Audit:    db,
		Logger:   logging.Discard(),
	})
	require.NoError(t, err)

	c := &collector{}
	require.NoError(t, NewAdapter(sup, logging.Discard()).Run(ctx,
		Request{Question: "What is the operating temperature for part X1?", Conversation: []Turn{}}, c))

	require.NotEmpty(t, c.frames)
	finals := 0
	for _, f := range c.frames {
		if f.Kind == KindFinal {
			finals++
		}
		assert.NotEqual(t, KindError, f.Kind, f.Data)
	}
	assert.Equal(t, 1, finals)
	last := c.frames[len(c.frames)-1]
	assert.Equal(t, KindFinal, last.Kind)
	assert.Contains(t, last.Data, "125")
}

func TestAdapter_DeadlineWritesErrorFrame(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-ctx.Done()

	c := &collector{}
	err := NewAdapter(&scriptRunner{updates: []agent.Update{{Kind: agent.UpdateFinal, Content: "late"}}}, logging.Discard()).
		Run(ctx, req("q"), c)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, c.frames, 1)
	assert.Equal(t, Frame{Kind: KindError, Data: "request timed out"}, c.frames[0])
}
