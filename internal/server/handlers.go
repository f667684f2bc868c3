package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/wwwzy/ShopAgent/internal/stream"
)

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"message": "backend is running"})
}

func (s *Server) handleChatStream(c echo.Context) error {
	var req stream.Request
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}

	ctx := c.Request().Context()
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	w := &frameWriter{c: c}
	err := s.chat.Run(ctx, req, w)
	if err == nil {
		return nil
	}
	if !w.started && (errors.Is(err, stream.ErrInvalidRequest) || errors.Is(err, stream.ErrUnknownSender)) {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	// 帧已经开始输出，或调用方已断开，不能再改写状态码
	s.logger.Debug("chat stream ended early", "error", err, "started", w.started)
	return nil
}

// frameWriter 在写第一帧时才发送响应头，每帧写完立即 Flush。
type frameWriter struct {
	c       echo.Context
	started bool
}

func (w *frameWriter) WriteFrame(ctx context.Context, f stream.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := f.Encode()
	if err != nil {
		return err
	}
	resp := w.c.Response()
	if !w.started {
		resp.Header().Set(echo.HeaderContentType, "text/event-stream")
		resp.Header().Set("Cache-Control", "no-cache")
		resp.Header().Set("Connection", "keep-alive")
		resp.WriteHeader(http.StatusOK)
		w.started = true
	}
	if _, err := resp.Write(b); err != nil {
		return err
	}
	resp.Flush()
	return nil
}
