package digil

import (
	"errors"
	"fmt"
)

// ErrorKind API 错误的粗分类
// 上层对 transport/http/log 查询错误一律重试，分类只用于日志与记录
type ErrorKind int

const (
	// KindTransport 网络错误（超时、连接失败）
	KindTransport ErrorKind = iota
	// KindAuth 认证失败（401/403 且刷新令牌后仍失败）
	KindAuth
	// KindHTTP 其它非 2xx 响应
	KindHTTP
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindAuth:
		return "auth"
	case KindHTTP:
		return "http"
	default:
		return "unknown"
	}
}

// APIError DIGIL API 调用错误
type APIError struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s error (HTTP %d)", e.Op, e.Kind, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// IsAuthError 判断是否为认证类错误
func IsAuthError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindAuth
}
