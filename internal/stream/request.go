package stream

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/wwwzy/ShopAgent/internal/agent"
)

var (
	// ErrInvalidRequest 表示请求体不合法，在进入 Supervisor 之前拒绝。
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnknownSender 表示对话中出现了无法识别的 sender。
	ErrUnknownSender = errors.New("unknown sender")
)

// Turn 是调用方提供的一轮历史对话。
type Turn struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// Request 是 /chat_stream 的请求体。
type Request struct {
	Question     string `json:"question"`
	Conversation []Turn `json:"conversation"`
}

// BuildState 把请求转换为初始对话状态，新问题作为最后一条用户消息追加。
// sender 为 user 映射为用户消息；assistant 与前端使用的 bot 映射为助手消息。
func BuildState(req Request) (*agent.ConversationState, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, fmt.Errorf("%w: question is required", ErrInvalidRequest)
	}

	history := make([]*schema.Message, 0, len(req.Conversation)+1)
	for i, turn := range req.Conversation {
		switch strings.ToLower(strings.TrimSpace(turn.Sender)) {
		case "user":
			history = append(history, schema.UserMessage(turn.Content))
		case "assistant", "bot":
			history = append(history, schema.AssistantMessage(turn.Content, nil))
		default:
			return nil, fmt.Errorf("%w: conversation[%d] sender %q", ErrUnknownSender, i, turn.Sender)
		}
	}
	history = append(history, schema.UserMessage(question))
	return agent.NewConversationState(history), nil
}
