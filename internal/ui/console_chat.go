package ui

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/wwwzy/ShopAgent/internal/stream"
)

type ConsoleChatUI struct {
	In  io.Reader
	Out io.Writer
}

func (u *ConsoleChatUI) Run(ctx context.Context, backend ChatBackend, opts ChatOptions) error {
	in := u.In
	if in == nil {
		return fmt.Errorf("console ui: In is nil")
	}
	out := u.Out
	if out == nil {
		return fmt.Errorf("console ui: Out is nil")
	}

	reader := bufio.NewReader(in)
	session := &Session{}

	fmt.Fprintln(out, "进入 ShopAgent 对话模式。输入 exit/quit 退出。")
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "已退出。")
			return nil
		default:
		}

		fmt.Fprint(out, "你: ")
		line, err := reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(out, "已退出。")
				return nil
			}
			return fmt.Errorf("读取输入失败: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch strings.ToLower(line) {
		case "exit", "quit":
			fmt.Fprintln(out, "已退出。")
			return nil
		}

		final, err := session.Ask(ctx, backend, line, func(f stream.Frame) {
			if f.Kind == stream.KindStream && opts.ShowProgress {
				fmt.Fprintf(out, "  … %s\n", oneLine(f.Data))
			}
		})
		var frameErr *FrameError
		switch {
		case errors.As(err, &frameErr):
			fmt.Fprintf(out, "助手: (出错) %s\n\n", frameErr.Message)
			continue
		case err != nil:
			if ctx.Err() != nil {
				fmt.Fprintln(out, "已退出。")
				return nil
			}
			return err
		}

		if strings.TrimSpace(final) == "" {
			fmt.Fprintln(out, "助手: (无文本输出)")
		} else {
			fmt.Fprintf(out, "助手: %s\n", strings.TrimSpace(final))
		}
		fmt.Fprintln(out)
	}
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > 120 {
		return string(r[:120]) + "…"
	}
	return s
}
