// Package llmtest 提供测试用的 ChatModel 与 Embedder 替身。
package llmtest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// RespondFunc 根据输入消息与当前绑定的工具生成一条回复。
type RespondFunc func(ctx context.Context, input []*schema.Message, tools []*schema.ToolInfo) (*schema.Message, error)

// ChatModel 是可编排回复的 ToolCallingChatModel，记录每次调用的输入。
type ChatModel struct {
	respond RespondFunc
	tools   []*schema.ToolInfo
	rec     *recorder
}

type recorder struct {
	mu    sync.Mutex
	calls [][]*schema.Message
}

func NewChatModel(respond RespondFunc) *ChatModel {
	return &ChatModel{respond: respond, rec: &recorder{}}
}

// Scripted 依次返回 replies 中的消息，用尽后返回错误。
func Scripted(replies ...*schema.Message) *ChatModel {
	var mu sync.Mutex
	i := 0
	return NewChatModel(func(ctx context.Context, _ []*schema.Message, _ []*schema.ToolInfo) (*schema.Message, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(replies) {
			return nil, errors.New("llmtest: no more scripted replies")
		}
		m := replies[i]
		i++
		return m, nil
	})
}

func (m *ChatModel) Generate(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.rec.mu.Lock()
	m.rec.calls = append(m.rec.calls, append([]*schema.Message(nil), input...))
	m.rec.mu.Unlock()
	return m.respond(ctx, input, m.tools)
}

// Stream 把回复按空格切成多个分片返回。
func (m *ChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitAfter(msg.Content, " ")
	chunks := make([]*schema.Message, 0, len(parts))
	for _, p := range parts {
		chunks = append(chunks, schema.AssistantMessage(p, nil))
	}
	return schema.StreamReaderFromArray(chunks), nil
}

func (m *ChatModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return &ChatModel{respond: m.respond, tools: tools, rec: m.rec}, nil
}

// Calls 返回迄今为止每次调用的输入副本。
func (m *ChatModel) Calls() [][]*schema.Message {
	m.rec.mu.Lock()
	defer m.rec.mu.Unlock()
	return append([][]*schema.Message(nil), m.rec.calls...)
}

// Embedder 依据关键词生成确定性向量：第 i 维表示文本是否包含 Vocabulary[i]。
type Embedder struct {
	Vocabulary []string
	Err        error

	mu    sync.Mutex
	calls int
}

func (e *Embedder) EmbedStrings(ctx context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.Err != nil {
		return nil, e.Err
	}
	out := make([][]float64, len(texts))
	for i, t := range texts {
		lower := strings.ToLower(t)
		vec := make([]float64, len(e.Vocabulary))
		for j, w := range e.Vocabulary {
			if strings.Contains(lower, strings.ToLower(w)) {
				vec[j] = 1
			}
		}
		out[i] = vec
	}
	return out, nil
}

func (e *Embedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

var (
	_ model.ToolCallingChatModel = (*ChatModel)(nil)
	_ embedding.Embedder         = (*Embedder)(nil)
)
