package executor

import (
	"errors"
	"fmt"
	"time"
)

// PoolExhaustedError 故障转移时找不到任何可用候选代理
type PoolExhaustedError struct {
	RequestID    string
	ProxiesTried int
	LastErr      error
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("proxy pool exhausted after trying %d proxies (request %s): %v",
		e.ProxiesTried, e.RequestID, e.LastErr)
}

func (e *PoolExhaustedError) Unwrap() error {
	return e.LastErr
}

// IsPoolExhausted 判断错误是否为池耗尽
func IsPoolExhausted(err error) bool {
	var target *PoolExhaustedError
	return errors.As(err, &target)
}

// TimeoutExhaustedError 累计耗时超过totalTimeout预算
type TimeoutExhaustedError struct {
	RequestID string
	Elapsed   time.Duration
	LastErr   error
}

func (e *TimeoutExhaustedError) Error() string {
	return fmt.Sprintf("total timeout exhausted after %s (request %s): %v",
		e.Elapsed, e.RequestID, e.LastErr)
}

func (e *TimeoutExhaustedError) Unwrap() error {
	return e.LastErr
}

// IsTimeoutExhausted 判断错误是否为总超时耗尽
func IsTimeoutExhausted(err error) bool {
	var target *TimeoutExhaustedError
	return errors.As(err, &target)
}

// NonRetryableError 不可重试的失败：4xx响应、代理认证失败或非幂等方法的单次失败
// 换代理解决不了问题，立即上抛且不做故障转移
type NonRetryableError struct {
	RequestID  string
	ProxyID    string
	StatusCode int // 0表示非HTTP状态类错误
	Reason     string
	Cause      error
}

func (e *NonRetryableError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("non-retryable failure on proxy %s (request %s): HTTP %d - %s",
			e.ProxyID, e.RequestID, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("non-retryable failure on proxy %s (request %s): %s",
		e.ProxyID, e.RequestID, e.Reason)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Cause
}

// IsNonRetryable 判断错误是否为不可重试失败
func IsNonRetryable(err error) bool {
	var target *NonRetryableError
	return errors.As(err, &target)
}
