package stream

import (
	"context"
	"encoding/json"
	"fmt"
)

// FrameKind 为输出帧的类型。
type FrameKind int

const (
	KindStream FrameKind = iota
	KindFinal
	KindError
)

func (k FrameKind) String() string {
	switch k {
	case KindStream:
		return "stream"
	case KindFinal:
		return "final"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("FrameKind(%d)", int(k))
	}
}

// Frame 是推送给调用方的一帧；Kind 为 KindError 时 Data 为错误信息。
type Frame struct {
	Kind FrameKind
	Data string
}

type dataFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type errorFrame struct {
	Error string `json:"error"`
}

// Encode 把帧编码为单个 JSON 对象，并以空行结尾。
func (f Frame) Encode() ([]byte, error) {
	var (
		b   []byte
		err error
	)
	if f.Kind == KindError {
		b, err = json.Marshal(errorFrame{Error: f.Data})
	} else {
		b, err = json.Marshal(dataFrame{Type: f.Kind.String(), Data: f.Data})
	}
	if err != nil {
		return nil, err
	}
	return append(b, '\n', '\n'), nil
}

// FrameWriter 按顺序接收帧，写失败通常意味着调用方已断开。
type FrameWriter interface {
	WriteFrame(ctx context.Context, f Frame) error
}

// FrameWriterFunc 把函数适配为 FrameWriter。
type FrameWriterFunc func(ctx context.Context, f Frame) error

func (fn FrameWriterFunc) WriteFrame(ctx context.Context, f Frame) error {
	return fn(ctx, f)
}
