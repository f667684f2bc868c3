package llm

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"

	arkmodel "github.com/volcengine/volcengine-go-sdk/service/arkruntime/model"
)

// IsTransient 判断一次外部调用的失败是否值得重试：
// 单次调用超时、网络错误、408/429 与 5xx 视为暂时性错误；
// 鉴权失败、参数错误等其他 4xx 以及无法识别的错误直接返回。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *arkmodel.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *arkmodel.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return retryableStatus(reqErr.HTTPStatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

func retryableStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= http.StatusInternalServerError:
		return true
	default:
		return false
	}
}
