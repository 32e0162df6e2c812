// Package backoff 计算重试延迟
// 纯函数实现，无状态、无副作用，策略由配置中的退避类型决定
package backoff

import (
	"math"
	"math/rand"
	"time"

	"proxy-rotator/config"
)

// Backoff strategy names, mirrored in config validation.
const (
	StrategyFixed       = "fixed"
	StrategyLinear      = "linear"
	StrategyExponential = "exponential"
)

// Delay 根据尝试序号和重试配置计算退避延迟
// attempt从0开始：attempt=0对应第一次重试前的延迟（初次请求无延迟）
// 抖动在封顶之后应用，因此被MaxDelay限制的延迟仍然在±50%范围内抖动
func Delay(attempt int, cfg *config.RetryConfig) time.Duration {
	delay := RawDelay(attempt, cfg)

	if cfg.JitterEnabled() {
		// 均匀随机因子 [0.5, 1.5)，避免多个调用方同步重试造成重试风暴
		factor := 0.5 + rand.Float64()
		delay = time.Duration(float64(delay) * factor)
	}

	return delay
}

// RawDelay 计算未抖动的退避延迟（测试和日志使用）
func RawDelay(attempt int, cfg *config.RetryConfig) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	var delay time.Duration
	switch cfg.BackoffStrategy {
	case StrategyFixed:
		delay = cfg.BaseDelay
	case StrategyLinear:
		// 线性退避: baseDelay * (attempt+1)
		delay = time.Duration(float64(cfg.BaseDelay) * float64(attempt+1))
	default:
		// 指数退避: baseDelay * (multiplier ^ attempt)
		delay = time.Duration(float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt)))
	}

	// 限制最大延迟
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}

	return delay
}
