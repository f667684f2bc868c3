package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ErrCircuitOpen 表示熔断器处于打开状态，调用被直接拒绝。
var ErrCircuitOpen = errors.New("circuit open")

type GuardConfig struct {
	// CallTimeout 为单次外部调用的超时，<=0 表示不额外设置。
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	// MaxRetries 为失败后的最大重试次数（不含首次调用）。
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
	// BreakerMaxFailures 连续失败多少次后熔断。
	BreakerMaxFailures uint32        `mapstructure:"breaker_max_failures"`
	BreakerTimeout     time.Duration `mapstructure:"breaker_timeout"`
}

func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		CallTimeout:        60 * time.Second,
		MaxRetries:         2,
		RetryBaseDelay:     500 * time.Millisecond,
		RetryMaxDelay:      10 * time.Second,
		BreakerMaxFailures: 5,
		BreakerTimeout:     30 * time.Second,
	}
}

// Guard 为一个外部协作方（模型、向量服务）提供超时、重试与熔断。
type Guard struct {
	name    string
	cfg     GuardConfig
	breaker *gobreaker.CircuitBreaker[any]
	logger  *slog.Logger
}

func NewGuard(name string, cfg GuardConfig, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = cfg.RetryBaseDelay
	}
	maxFailures := cfg.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	timeout := cfg.BreakerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	g := &Guard{name: name, cfg: cfg, logger: logger}
	g.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// 调用方主动取消不算协作方故障。
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return g
}

func (g *Guard) Name() string { return g.name }

func (g *Guard) State() gobreaker.State { return g.breaker.State() }

// Do 在 g 的保护下执行 fn：每次尝试单独计时，暂时性失败（见 IsTransient）按指数退避重试，
// 其他错误、熔断打开或 ctx 结束时立即返回。
func Do[T any](ctx context.Context, g *Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		v, err := g.breaker.Execute(func() (any, error) {
			callCtx, cancel := g.callContext(ctx)
			defer cancel()
			return fn(callCtx)
		})
		if err == nil {
			out, _ := v.(T)
			return out, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("%s: %w: %w", g.name, ErrCircuitOpen, err)
		}
		lastErr = err
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !IsTransient(err) || attempt == g.cfg.MaxRetries {
			break
		}

		delay := g.backoff(attempt)
		g.logger.Info("retrying external call after error",
			"collaborator", g.name, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, fmt.Errorf("%s: %w", g.name, lastErr)
}

func (g *Guard) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.cfg.CallTimeout)
}

// backoff 计算带 0-25% 抖动的指数退避。
func (g *Guard) backoff(attempt int) time.Duration {
	delay := g.cfg.RetryBaseDelay * time.Duration(1<<uint(attempt))
	if delay > g.cfg.RetryMaxDelay {
		delay = g.cfg.RetryMaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}
