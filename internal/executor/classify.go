package executor

import (
	"context"
	"errors"

	"proxy-rotator/config"
	"proxy-rotator/internal/transport"
)

// verdict 单次尝试的分类结论
type verdict int

const (
	verdictSuccess verdict = iota
	verdictRetryable
	verdictNonRetryable
	verdictCancelled
)

// classifyOutcome 对一次尝试的结果分类
// 传输层错误一律可重试，调用方取消除外；收到响应时只有策略集合内的状态码可重试，
// 4xx（含407代理认证失败）和集合外的5xx立即上抛
func classifyOutcome(resp *transport.Response, err error, policy *config.RetryConfig) (verdict, string) {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return verdictCancelled, "请求被取消"
		}
		return verdictRetryable, "网络错误"
	}

	status := resp.StatusCode
	switch {
	case status >= 200 && status < 400:
		return verdictSuccess, "请求成功"
	case status == 407:
		// 代理认证失败与代理自身绑定，按不可重试处理，是否换代理由调用方决定
		return verdictNonRetryable, "代理认证失败，不重试"
	case status >= 400 && status < 500:
		return verdictNonRetryable, "客户端错误，不重试"
	default:
		for _, code := range policy.RetryableStatusCodes {
			if status == code {
				return verdictRetryable, "服务器错误"
			}
		}
		return verdictNonRetryable, "状态码不在可重试集合内"
	}
}

// idempotentMethods 可安全重复执行的HTTP方法
var idempotentMethods = map[string]bool{
	"GET":     true,
	"HEAD":    true,
	"OPTIONS": true,
	"DELETE":  true,
	"PUT":     true,
}

// allowRetry 判断该方法是否允许重试和故障转移
func allowRetry(method string, policy *config.RetryConfig) bool {
	if policy.RetryNonIdempotent {
		return true
	}
	return idempotentMethods[method]
}
