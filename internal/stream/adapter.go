package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/wwwzy/ShopAgent/internal/agent"
)

// Runner 驱动 Supervisor 循环，由 *agent.Supervisor 实现。
type Runner interface {
	Run(ctx context.Context, state *agent.ConversationState, emit agent.EmitFunc) (*schema.Message, error)
}

// Adapter 把 Supervisor 的进展转换为有序的输出帧。
type Adapter struct {
	runner Runner
	logger *slog.Logger
}

func NewAdapter(runner Runner, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{runner: runner, logger: logger}
}

// errWrite 标记写帧失败，此后不再尝试写任何帧。
type errWrite struct{ err error }

func (e errWrite) Error() string { return "write frame: " + e.err.Error() }
func (e errWrite) Unwrap() error { return e.err }

// Run 处理一次请求：
//   - 请求不合法时直接返回 ErrInvalidRequest/ErrUnknownSender，不写任何帧；
//   - 正常结束时输出若干 stream 帧后恰好一个 final 帧；
//   - 任何步骤失败时输出一个 error 帧后结束；
//   - ctx 取消或写帧失败时立即停止并返回对应错误；仅超时会补写一个 error 帧。
func (a *Adapter) Run(ctx context.Context, req Request, w FrameWriter) error {
	state, err := BuildState(req)
	if err != nil {
		return err
	}

	traceID := agent.GetTraceID(ctx)
	if traceID == "" {
		traceID = uuid.NewString()
		ctx = agent.WithTraceID(ctx, traceID)
	}
	logger := a.logger.With("trace_id", traceID)
	logger.Info("chat request", "question_len", len(req.Question), "history", len(req.Conversation))

	start := time.Now()
	frames := 0
	emit := func(ctx context.Context, u agent.Update) error {
		f := Frame{Kind: KindStream, Data: u.Content}
		if u.Kind == agent.UpdateFinal {
			f.Kind = KindFinal
		}
		if err := w.WriteFrame(ctx, f); err != nil {
			return errWrite{err: err}
		}
		frames++
		return nil
	}

	_, runErr := a.runner.Run(ctx, state, emit)
	if runErr == nil {
		logger.Info("chat finished", "turns", state.Turn, "frames", frames, "elapsed", time.Since(start))
		return nil
	}

	var we errWrite
	if errors.As(runErr, &we) {
		logger.Warn("client stream closed", "error", we.err, "frames", frames)
		return runErr
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		logger.Warn("chat canceled", "error", ctxErr, "frames", frames, "elapsed", time.Since(start))
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			// 超时时调用方仍在等待，补一个 error 帧
			_ = w.WriteFrame(context.WithoutCancel(ctx), Frame{Kind: KindError, Data: "request timed out"})
		}
		return ctxErr
	}

	logger.Error("chat failed", "error", runErr, "turns", state.Turn, "frames", frames)
	if err := w.WriteFrame(ctx, Frame{Kind: KindError, Data: runErr.Error()}); err != nil {
		return fmt.Errorf("write error frame: %w", err)
	}
	return nil
}
