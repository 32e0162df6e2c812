package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventBus 接口
type EventBus interface {
	// 发布事件
	Publish(event Event)

	// 注册订阅者，必须在 Start 之前调用
	Subscribe(subscriber Subscriber)

	// 启动和停止
	Start() error
	Stop() error

	// 获取统计信息
	GetStats() BusStats
}

// Subscriber 进程内事件订阅者，在总线的处理协程中被串行调用
type Subscriber func(event Event)

// 事件过滤器
type EventFilter struct {
	// 是否分发给订阅者
	ShouldDeliver func(event Event) bool

	// 频率限制（防止高频事件刷屏）
	RateLimit time.Duration
}

// EventBus 实现
type eventBus struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	// 事件处理
	eventChan   chan Event
	subscribers []Subscriber

	// 过滤和限制
	filters      map[EventType]EventFilter
	rateLimiters map[EventType]*rateLimiter

	// 统计信息
	stats   BusStats
	statsMu sync.RWMutex

	// 内部状态；stateMu保护running与eventChan的关闭，
	// Publish持读锁发送，Stop持写锁关闭，避免向已关闭通道发送
	stateMu sync.RWMutex
	running bool
	wg      sync.WaitGroup
}

// 统计信息
type BusStats struct {
	TotalEvents      int64                   `json:"total_events"`
	ProcessedEvents  int64                   `json:"processed_events"`
	DroppedEvents    int64                   `json:"dropped_events"`
	EventsByType     map[EventType]int64     `json:"events_by_type"`
	EventsByPriority map[EventPriority]int64 `json:"events_by_priority"`
	StartTime        time.Time               `json:"start_time"`
}

// 频率限制器
type rateLimiter struct {
	lastTime time.Time
	limit    time.Duration
	mu       sync.Mutex
}

func (rl *rateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastTime) >= rl.limit {
		rl.lastTime = now
		return true
	}
	return false
}

// NewEventBus 创建新的EventBus实例
func NewEventBus(logger *slog.Logger) EventBus {
	ctx, cancel := context.WithCancel(context.Background())

	bus := &eventBus{
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger,
		eventChan:    make(chan Event, 1000), // 缓冲区大小
		filters:      make(map[EventType]EventFilter),
		rateLimiters: make(map[EventType]*rateLimiter),
		stats: BusStats{
			EventsByType:     make(map[EventType]int64),
			EventsByPriority: make(map[EventPriority]int64),
			StartTime:        time.Now(),
		},
	}

	bus.setupDefaultFilters()

	return bus
}

// 设置默认过滤器
func (eb *eventBus) setupDefaultFilters() {
	// 重试事件 - 高频但需要限流
	eb.filters[EventRetryAttempt] = EventFilter{
		ShouldDeliver: func(event Event) bool { return true },
		RateLimit:     100 * time.Millisecond,
	}

	eb.filters[EventRetrySucceeded] = EventFilter{
		ShouldDeliver: func(event Event) bool { return true },
		RateLimit:     100 * time.Millisecond,
	}

	eb.filters[EventRetryExhausted] = EventFilter{
		ShouldDeliver: func(event Event) bool { return true },
		RateLimit:     0, // 无限制
	}

	// 故障转移事件 - 关键事件，立即分发
	eb.filters[EventProxySwitched] = EventFilter{
		ShouldDeliver: func(event Event) bool { return true },
		RateLimit:     0,
	}

	eb.filters[EventPoolExhausted] = EventFilter{
		ShouldDeliver: func(event Event) bool { return true },
		RateLimit:     0,
	}

	// 熔断器状态迁移 - 关键事件，立即分发
	eb.filters[EventBreakerStateChanged] = EventFilter{
		ShouldDeliver: func(event Event) bool { return true },
		RateLimit:     0,
	}

	// 代理健康事件 - 立即分发
	eb.filters[EventProxyHealthy] = EventFilter{
		ShouldDeliver: func(event Event) bool { return true },
		RateLimit:     0,
	}

	eb.filters[EventProxyUnhealthy] = EventFilter{
		ShouldDeliver: func(event Event) bool { return true },
		RateLimit:     0,
	}

	// 配置变更事件
	eb.filters[EventConfigChanged] = EventFilter{
		ShouldDeliver: func(event Event) bool { return true },
		RateLimit:     0,
	}

	// 初始化频率限制器
	for eventType, filter := range eb.filters {
		if filter.RateLimit > 0 {
			eb.rateLimiters[eventType] = &rateLimiter{
				limit: filter.RateLimit,
			}
		}
	}
}

// Publish 发布事件
func (eb *eventBus) Publish(event Event) {
	eb.stateMu.RLock()
	defer eb.stateMu.RUnlock()

	if !eb.running {
		eb.logger.Debug("EventBus not running, dropping event", "type", event.Type)
		return
	}

	// 设置时间戳
	event.Timestamp = time.Now()

	// 更新统计信息
	eb.updateStats(event, "total")

	select {
	case eb.eventChan <- event:
		// 事件发送成功
	default:
		// 缓冲区满，丢弃事件
		eb.updateStats(event, "dropped")
		eb.logger.Warn("EventBus buffer full, dropping event", "type", event.Type, "source", event.Source)
	}
}

// Subscribe 注册订阅者
func (eb *eventBus) Subscribe(subscriber Subscriber) {
	eb.subscribers = append(eb.subscribers, subscriber)
}

// Start 启动EventBus
func (eb *eventBus) Start() error {
	eb.stateMu.Lock()
	defer eb.stateMu.Unlock()

	if eb.running {
		return nil
	}

	eb.running = true
	eb.wg.Add(1)

	go eb.eventProcessor()

	eb.logger.Info("EventBus started")
	return nil
}

// Stop 停止EventBus
// 关闭通道在写锁内完成，与持读锁的Publish发送互斥
func (eb *eventBus) Stop() error {
	eb.stateMu.Lock()
	if !eb.running {
		eb.stateMu.Unlock()
		return nil
	}

	eb.running = false
	eb.cancel()
	close(eb.eventChan)
	eb.stateMu.Unlock()

	eb.wg.Wait()

	eb.logger.Info("EventBus stopped")
	return nil
}

// GetStats 获取统计信息
func (eb *eventBus) GetStats() BusStats {
	eb.statsMu.RLock()
	defer eb.statsMu.RUnlock()

	// 深拷贝统计信息
	stats := BusStats{
		TotalEvents:      eb.stats.TotalEvents,
		ProcessedEvents:  eb.stats.ProcessedEvents,
		DroppedEvents:    eb.stats.DroppedEvents,
		EventsByType:     make(map[EventType]int64),
		EventsByPriority: make(map[EventPriority]int64),
		StartTime:        eb.stats.StartTime,
	}

	for k, v := range eb.stats.EventsByType {
		stats.EventsByType[k] = v
	}
	for k, v := range eb.stats.EventsByPriority {
		stats.EventsByPriority[k] = v
	}

	return stats
}

// 事件处理器
func (eb *eventBus) eventProcessor() {
	defer eb.wg.Done()

	eb.logger.Debug("EventBus processor started")

	for {
		select {
		case event, ok := <-eb.eventChan:
			if !ok {
				eb.logger.Debug("EventBus processor stopped")
				return
			}

			eb.processEvent(event)

		case <-eb.ctx.Done():
			eb.logger.Debug("EventBus processor context cancelled")
			return
		}
	}
}

// 处理单个事件
func (eb *eventBus) processEvent(event Event) {
	// 更新处理统计
	eb.updateStats(event, "processed")

	// 获取事件过滤器
	filter, exists := eb.filters[event.Type]
	if !exists {
		eb.logger.Debug("No filter for event type", "type", event.Type)
		return
	}

	if !filter.ShouldDeliver(event) {
		eb.logger.Debug("Event filtered out", "type", event.Type)
		return
	}

	// 检查频率限制
	if limiter, exists := eb.rateLimiters[event.Type]; exists {
		if !limiter.Allow() {
			eb.logger.Debug("Event rate limited", "type", event.Type)
			return
		}
	}

	for _, subscriber := range eb.subscribers {
		subscriber(event)
	}
}

// 更新统计信息
func (eb *eventBus) updateStats(event Event, statType string) {
	eb.statsMu.Lock()
	defer eb.statsMu.Unlock()

	switch statType {
	case "total":
		eb.stats.TotalEvents++
		eb.stats.EventsByType[event.Type]++
		eb.stats.EventsByPriority[event.Priority]++
	case "processed":
		eb.stats.ProcessedEvents++
	case "dropped":
		eb.stats.DroppedEvents++
	}
}
