package ui

import (
	"context"
	"errors"
	"sync"

	"github.com/wwwzy/ShopAgent/internal/stream"
)

// ChatBackend 处理一次对话请求，由 *stream.Adapter 实现。
type ChatBackend interface {
	Run(ctx context.Context, req stream.Request, w stream.FrameWriter) error
}

type ChatUI interface {
	Run(ctx context.Context, backend ChatBackend, opts ChatOptions) error
}

type ChatOptions struct {
	// ShowProgress 为 true 时展示子 Agent 的中间输出。
	ShowProgress bool
}

// FrameError 表示服务端以 error 帧结束了本轮对话。
type FrameError struct {
	Message string
}

func (e *FrameError) Error() string { return e.Message }

// Session 在本地保存多轮对话历史，每轮请求都把历史一并发送。
type Session struct {
	mu    sync.Mutex
	turns []stream.Turn
}

func (s *Session) Turns() []stream.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stream.Turn(nil), s.turns...)
}

// Ask 发送一个问题，onFrame 按顺序收到每一帧，返回 final 帧内容。
// 只有成功拿到 final 时才把本轮写入历史。
func (s *Session) Ask(ctx context.Context, backend ChatBackend, question string, onFrame func(stream.Frame)) (string, error) {
	req := stream.Request{Question: question, Conversation: s.Turns()}

	var (
		final    string
		gotFinal bool
		frameErr *FrameError
	)
	err := backend.Run(ctx, req, stream.FrameWriterFunc(func(ctx context.Context, f stream.Frame) error {
		switch f.Kind {
		case stream.KindFinal:
			final, gotFinal = f.Data, true
		case stream.KindError:
			frameErr = &FrameError{Message: f.Data}
		}
		if onFrame != nil {
			onFrame(f)
		}
		return nil
	}))
	if err != nil {
		return "", err
	}
	if frameErr != nil {
		return "", frameErr
	}
	if !gotFinal {
		return "", errors.New("stream ended without a final answer")
	}

	s.mu.Lock()
	s.turns = append(s.turns,
		stream.Turn{Sender: "user", Content: question},
		stream.Turn{Sender: "assistant", Content: final},
	)
	s.mu.Unlock()
	return final, nil
}
