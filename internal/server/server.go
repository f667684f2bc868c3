package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/wwwzy/ShopAgent/internal/stream"
	"golang.org/x/time/rate"
)

type Config struct {
	Addr         string   `mapstructure:"addr"`
	AllowOrigins []string `mapstructure:"allow_origins"`
	// RateLimit 为每个客户端 IP 每秒允许的请求数，<=0 表示不限流。
	RateLimit       float64       `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Addr:            ":8000",
		AllowOrigins:    []string{"*"},
		RateLimit:       5,
		RateBurst:       10,
		RequestTimeout:  5 * time.Minute,
		ShutdownTimeout: 10 * time.Second,
	}
}

// ChatService 处理一次对话请求并按顺序写出帧，由 *stream.Adapter 实现。
type ChatService interface {
	Run(ctx context.Context, req stream.Request, w stream.FrameWriter) error
}

type Server struct {
	cfg    Config
	chat   ChatService
	echo   *echo.Echo
	logger *slog.Logger
}

func New(cfg Config, chat ChatService, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{cfg: cfg, chat: chat, echo: e, logger: logger}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"remote_ip", v.RemoteIP,
			}
			if v.Error != nil {
				logger.Warn("http request", append(attrs, "error", v.Error)...)
				return nil
			}
			logger.Info("http request", attrs...)
			return nil
		},
	}))
	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAccept},
	}))
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit) + 1
		}
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{Rate: rate.Limit(cfg.RateLimit), Burst: burst, ExpiresIn: 3 * time.Minute},
		)))
	}

	e.GET("/", s.handleHealth)
	e.POST("/chat_stream", s.handleChatStream)
	return s
}

// Handler 返回底层 http.Handler，便于测试与嵌入。
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start 监听并阻塞，ctx 结束后优雅关闭。
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.cfg.Addr)
		if err := s.echo.Start(s.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.logger.Info("server shutting down")
	return s.echo.Shutdown(shutdownCtx)
}
