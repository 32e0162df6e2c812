// Package executor 编排单个逻辑请求的重试、熔断和故障转移
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"proxy-rotator/config"
	"proxy-rotator/internal/backoff"
	"proxy-rotator/internal/breaker"
	"proxy-rotator/internal/events"
	"proxy-rotator/internal/metrics"
	"proxy-rotator/internal/pool"
	"proxy-rotator/internal/transport"

	"github.com/google/uuid"
)

// Executor 组合退避计算、熔断器注册表、代理打分和指标收集执行一次逻辑请求
// 配置经atomic.Pointer热更新，在途请求沿用进入时的策略快照
type Executor struct {
	config    atomic.Pointer[config.Config]
	transport transport.Transport
	pool      *pool.Manager
	breakers  *breaker.Registry
	metrics   *metrics.Collector
	eventBus  events.EventBus
}

// NewExecutor creates a retry executor wired to its collaborators
func NewExecutor(cfg *config.Config, tr transport.Transport, poolMgr *pool.Manager,
	breakers *breaker.Registry, collector *metrics.Collector) *Executor {
	e := &Executor{
		transport: tr,
		pool:      poolMgr,
		breakers:  breakers,
		metrics:   collector,
	}
	e.config.Store(cfg)
	return e
}

// SetEventBus 设置EventBus事件总线
func (e *Executor) SetEventBus(eventBus events.EventBus) {
	e.eventBus = eventBus
}

// UpdateConfig 热更新重试策略
func (e *Executor) UpdateConfig(cfg *config.Config) {
	e.config.Store(cfg)
}

// Execute 对单个逻辑请求执行完整的重试与故障转移流程
// 同一代理上最多重试maxAttempts次，耗尽后经打分器换代理继续；
// 终态要么是成功响应，要么是类型化的终止错误（池耗尽/总超时/不可重试）
func (e *Executor) Execute(ctx context.Context, spec transport.RequestSpec, initialProxy *pool.Proxy) (*transport.Response, error) {
	policy := &e.config.Load().Retry
	requestID := "req-" + uuid.New().String()[:8]

	retryAllowed := allowRetry(spec.Method, policy)
	if !retryAllowed {
		slog.DebugContext(ctx, fmt.Sprintf("🔒 [单次执行] [%s] 方法 %s 非幂等且未开启非幂等重试，只执行一次",
			requestID, spec.Method))
	}

	// 总超时基于单调时钟，检查而不中断：在途请求允许跑完，但不再发起新尝试
	start := time.Now()
	var deadline time.Time
	if policy.TotalTimeout > 0 {
		deadline = start.Add(policy.TotalTimeout)
	}

	current := initialProxy
	proxiesTried := 1
	var lastErr error

	for {
		resp, failoverNeeded, err := e.runAttempts(ctx, requestID, spec, current, policy, start, deadline, retryAllowed, &lastErr)
		if resp != nil || err != nil {
			if IsTimeoutExhausted(err) {
				e.publish(events.EventRetryExhausted, events.PriorityHigh, map[string]interface{}{
					"request_id": requestID,
					"reason":     "total_timeout",
					"proxy":      current.ID(),
				})
			}
			return resp, err
		}
		if !failoverNeeded {
			// 非幂等请求失败，立即上抛
			return nil, &NonRetryableError{
				RequestID: requestID,
				ProxyID:   current.ID(),
				Reason:    "非幂等方法不允许重试",
				Cause:     lastErr,
			}
		}

		// 故障转移：排除刚失败的代理和OPEN熔断，按目标区域偏好打分
		next := pool.SelectReplacement(e.pool.Candidates(), current.ID(), e.breakers, spec.TargetRegion)
		if next == nil {
			slog.WarnContext(ctx, fmt.Sprintf("💥 [池耗尽] [%s] 没有可用的替代代理 (已尝试 %d 个代理) - 最后错误: %v",
				requestID, proxiesTried, lastErr))
			e.publish(events.EventPoolExhausted, events.PriorityCritical, map[string]interface{}{
				"request_id":    requestID,
				"proxies_tried": proxiesTried,
			})
			return nil, &PoolExhaustedError{
				RequestID:    requestID,
				ProxiesTried: proxiesTried,
				LastErr:      lastErr,
			}
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			e.publish(events.EventRetryExhausted, events.PriorityHigh, map[string]interface{}{
				"request_id": requestID,
				"reason":     "total_timeout",
				"proxy":      current.ID(),
			})
			return nil, &TimeoutExhaustedError{
				RequestID: requestID,
				Elapsed:   time.Since(start),
				LastErr:   lastErr,
			}
		}

		slog.InfoContext(ctx, fmt.Sprintf("🔀 [代理切换] [%s] %s → %s (第 %d 个代理)",
			requestID, current.ID(), next.ID(), proxiesTried+1))
		e.publish(events.EventProxySwitched, events.PriorityHigh, map[string]interface{}{
			"request_id": requestID,
			"from":       current.ID(),
			"to":         next.ID(),
		})

		current = next
		proxiesTried++
		// 换代理后尝试计数器归零，新代理拿到完整的重试额度
	}
}

// runAttempts 在单个代理上执行最多maxAttempts次尝试
// 返回 (响应, 是否需要故障转移, 终止错误)；三者互斥
func (e *Executor) runAttempts(ctx context.Context, requestID string, spec transport.RequestSpec,
	proxy *pool.Proxy, policy *config.RetryConfig, start, deadline time.Time, retryAllowed bool,
	lastErr *error) (*transport.Response, bool, error) {

	cb := e.breakers.Get(proxy.ID())

	maxAttempts := policy.MaxAttempts
	if !retryAllowed {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, false, &TimeoutExhaustedError{
				RequestID: requestID,
				Elapsed:   time.Since(start),
				LastErr:   *lastErr,
			}
		}

		// 熔断器拒绝时不消耗尝试，直接进入故障转移
		// 此时还没有发出过请求，非幂等方法换代理执行也是安全的
		if !cb.ShouldAttemptRequest() {
			slog.WarnContext(ctx, fmt.Sprintf("⛔ [熔断拒绝] [%s] 代理 %s 熔断器拒绝请求 (状态: %s)，转入故障转移",
				requestID, proxy.ID(), cb.State()))
			return nil, true, nil
		}

		resp, err := e.transport.RoundTrip(ctx, proxy.GetConfig(), spec)

		var latency time.Duration
		if resp != nil {
			latency = resp.Latency
		}
		result, reason := classifyOutcome(resp, err, policy)

		// 簿记先于任何返回路径：指标、代理统计和熔断器记录不允许被提前返回跳过
		switch result {
		case verdictSuccess:
			e.recordAttempt(requestID, proxy, attempt, metrics.OutcomeSuccess, latency)
			cb.RecordSuccess()
			slog.InfoContext(ctx, fmt.Sprintf("✅ [请求成功] [%s] 代理: %s, 状态码: %d, 尝试: %d/%d, 延迟: %dms",
				requestID, proxy.ID(), resp.StatusCode, attempt+1, maxAttempts, latency.Milliseconds()))
			if attempt > 0 {
				e.publish(events.EventRetrySucceeded, events.PriorityNormal, map[string]interface{}{
					"request_id": requestID,
					"proxy":      proxy.ID(),
					"attempts":   attempt + 1,
				})
			}
			return resp, false, nil

		case verdictCancelled:
			e.recordAttempt(requestID, proxy, attempt, metrics.OutcomeRetryableFailure, latency)
			cb.RecordFailure()
			return nil, false, fmt.Errorf("request %s cancelled: %w", requestID, err)

		case verdictNonRetryable:
			e.recordAttempt(requestID, proxy, attempt, metrics.OutcomeNonRetryableFailure, latency)
			cb.RecordFailure()
			statusCode := 0
			if resp != nil {
				statusCode = resp.StatusCode
			}
			slog.ErrorContext(ctx, fmt.Sprintf("❌ [不可重试] [%s] 代理: %s, 状态码: %d - %s",
				requestID, proxy.ID(), statusCode, reason))
			return nil, false, &NonRetryableError{
				RequestID:  requestID,
				ProxyID:    proxy.ID(),
				StatusCode: statusCode,
				Reason:     reason,
				Cause:      err,
			}

		case verdictRetryable:
			e.recordAttempt(requestID, proxy, attempt, metrics.OutcomeRetryableFailure, latency)
			cb.RecordFailure()
			if err != nil {
				*lastErr = err
				slog.WarnContext(ctx, fmt.Sprintf("🔄 [需要重试] [%s] 代理: %s (尝试 %d/%d) - 错误: %s",
					requestID, proxy.ID(), attempt+1, maxAttempts, err.Error()))
			} else {
				*lastErr = fmt.Errorf("HTTP %d from proxy %s", resp.StatusCode, proxy.ID())
				slog.WarnContext(ctx, fmt.Sprintf("🔄 [需要重试] [%s] 代理: %s (尝试 %d/%d) - 状态码: %d (%s)",
					requestID, proxy.ID(), attempt+1, maxAttempts, resp.StatusCode, reason))
			}
			e.publish(events.EventRetryAttempt, events.PriorityNormal, map[string]interface{}{
				"request_id": requestID,
				"proxy":      proxy.ID(),
				"attempt":    attempt + 1,
			})
		}

		// 当前代理额度耗尽，转入故障转移
		if attempt+1 >= maxAttempts {
			break
		}

		delay := backoff.Delay(attempt, policy)

		// 退避会冲破总超时预算时不白睡一觉，直接以超时耗尽终止
		if !deadline.IsZero() && time.Now().Add(delay).After(deadline) {
			slog.WarnContext(ctx, fmt.Sprintf("⏰ [超时耗尽] [%s] 退避 %s 将超出总超时预算，停止重试",
				requestID, delay))
			return nil, false, &TimeoutExhaustedError{
				RequestID: requestID,
				Elapsed:   time.Since(start),
				LastErr:   *lastErr,
			}
		}

		slog.InfoContext(ctx, fmt.Sprintf("⏳ [等待重试] [%s] 代理: %s - %s后进行第%d次尝试",
			requestID, proxy.ID(), delay, attempt+2))

		// 退避只挂起当前请求的协程，且随时可被调用方取消打断
		select {
		case <-ctx.Done():
			return nil, false, fmt.Errorf("request %s cancelled during backoff: %w", requestID, ctx.Err())
		case <-time.After(delay):
		}
	}

	return nil, retryAllowed, nil
}

// recordAttempt 写入一条尝试记录并同步代理统计
func (e *Executor) recordAttempt(requestID string, proxy *pool.Proxy, attemptIndex int,
	result metrics.Outcome, latency time.Duration) {
	e.metrics.RecordAttempt(metrics.AttemptRecord{
		RequestID:    requestID,
		ProxyID:      proxy.ID(),
		AttemptIndex: attemptIndex,
		Outcome:      result,
		Latency:      latency,
		Timestamp:    time.Now(),
	})
	proxy.RecordResult(result == metrics.OutcomeSuccess, latency)
}

func (e *Executor) publish(eventType events.EventType, priority events.EventPriority, data map[string]interface{}) {
	if e.eventBus == nil {
		return
	}
	e.eventBus.Publish(events.Event{
		Type:     eventType,
		Source:   "retry_executor",
		Priority: priority,
		Data:     data,
	})
}
