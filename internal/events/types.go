package events

import "time"

// 事件类型枚举
type EventType string

const (
	// 重试生命周期事件
	EventRetryAttempt   EventType = "retry_attempt"
	EventRetrySucceeded EventType = "retry_succeeded"
	EventRetryExhausted EventType = "retry_exhausted"

	// 故障转移事件
	EventProxySwitched EventType = "proxy_switched"
	EventPoolExhausted EventType = "pool_exhausted"

	// 熔断器事件
	EventBreakerStateChanged EventType = "breaker_state_changed"

	// 代理健康事件
	EventProxyHealthy   EventType = "proxy_healthy"
	EventProxyUnhealthy EventType = "proxy_unhealthy"

	// 系统级事件
	EventConfigChanged EventType = "config_changed"
)

// 事件优先级
type EventPriority int

const (
	PriorityLow    EventPriority = iota // 批量处理，如统计数据
	PriorityNormal                      // 延迟处理，如单次重试
	PriorityHigh                        // 立即处理，如健康状态变化
	PriorityCritical                    // 紧急处理，如代理池耗尽
)

// 事件结构
type Event struct {
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"` // 事件来源组件
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Priority  EventPriority          `json:"priority"`
}
