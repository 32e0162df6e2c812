// Package metrics 记录重试尝试与熔断器事件，并按小时聚合供读取端查询
package metrics

import (
	"context"
	"sync"
	"time"

	"proxy-rotator/config"
	"proxy-rotator/internal/breaker"
)

// Outcome 单次尝试的分类结果
type Outcome string

const (
	OutcomeSuccess             Outcome = "success"
	OutcomeRetryableFailure    Outcome = "retryable_failure"
	OutcomeNonRetryableFailure Outcome = "non_retryable_failure"
)

// AttemptRecord 一次请求尝试的记录，写入后不可变
type AttemptRecord struct {
	RequestID    string        `json:"request_id"`
	ProxyID      string        `json:"proxy_id"`
	AttemptIndex int           `json:"attempt_index"` // 0为该代理上的首次尝试
	Outcome      Outcome       `json:"outcome"`
	Latency      time.Duration `json:"latency"`
	Timestamp    time.Time     `json:"timestamp"`
}

// HourBucket 按小时聚合的统计
type HourBucket struct {
	Hour          time.Time                `json:"hour"`
	TotalAttempts int64                    `json:"total_attempts"`
	TotalRetries  int64                    `json:"total_retries"` // attemptIndex>0的尝试
	SuccessCount  int64                    `json:"success_count"`
	TotalLatency  time.Duration            `json:"-"`
	ByProxy       map[string]*ProxyBucket  `json:"by_proxy"`
}

// ProxyBucket 小时桶内单个代理的聚合
type ProxyBucket struct {
	TotalAttempts int64         `json:"total_attempts"`
	TotalRetries  int64         `json:"total_retries"`
	SuccessCount  int64         `json:"success_count"`
	TotalLatency  time.Duration `json:"-"`
}

// Summary 全局统计摘要
type Summary struct {
	TotalAttempts         int64           `json:"total_attempts"`
	TotalRetries          int64           `json:"total_retries"`
	SuccessCount          int64           `json:"success_count"`
	SuccessRate           float64         `json:"success_rate"`
	AvgLatencyMs          int64           `json:"avg_latency_ms"`
	BreakerTransitions    int64           `json:"breaker_transitions"`
	SuccessByAttemptIndex map[int]int64   `json:"success_by_attempt_index"`
	StartTime             time.Time       `json:"start_time"`
}

// TimePoint 时间序列中的一个小时点
type TimePoint struct {
	Hour          time.Time `json:"hour"`
	TotalAttempts int64     `json:"total_attempts"`
	TotalRetries  int64     `json:"total_retries"`
	SuccessRate   float64   `json:"success_rate"`
	AvgLatencyMs  int64     `json:"avg_latency_ms"`
}

// ProxySummary 窗口内单个代理的聚合视图
type ProxySummary struct {
	ProxyID       string  `json:"proxy_id"`
	TotalAttempts int64   `json:"total_attempts"`
	TotalRetries  int64   `json:"total_retries"`
	SuccessRate   float64 `json:"success_rate"`
	AvgLatencyMs  int64   `json:"avg_latency_ms"`
}

// Collector 并发安全的指标收集器
// 写路径（RecordAttempt/RecordBreakerEvent）高频；读路径持同一把锁但频率低得多
type Collector struct {
	mu sync.RWMutex

	// 原始尝试记录，时间有序的有界缓冲，超出容量先剔除最旧的
	records    []AttemptRecord
	bufferSize int

	// 熔断器事件：总量计数 + 有界的最近事件列表
	totalBreakerEvents int64
	recentEvents       []breaker.Event
	recentEventsSize   int

	// 小时聚合桶与聚合水位线（水位线之前的记录已折叠，重复聚合为no-op）
	buckets            map[time.Time]*HourBucket
	aggregatedThrough  time.Time
	retention          time.Duration
	aggregateInterval  time.Duration

	// 运行期累计量，不随缓冲剔除而丢失
	totalAttempts         int64
	totalRetries          int64
	totalSuccess          int64
	totalLatency          time.Duration
	successByAttemptIndex map[int]int64

	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCollector creates a metrics collector from configuration
func NewCollector(cfg *config.MetricsConfig) *Collector {
	interval := cfg.AggregateInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Collector{
		bufferSize:            cfg.BufferSize,
		recentEventsSize:      cfg.RecentEventsSize,
		retention:             time.Duration(cfg.RetentionHours) * time.Hour,
		aggregateInterval:     interval,
		buckets:               make(map[time.Time]*HourBucket),
		successByAttemptIndex: make(map[int]int64),
		startTime:             time.Now(),
		ctx:                   ctx,
		cancel:                cancel,
	}
}

// Start 启动周期性聚合协程
func (c *Collector) Start() {
	c.wg.Add(1)
	go c.aggregationLoop()
}

// Stop 停止聚合协程
func (c *Collector) Stop() {
	c.cancel()
	c.wg.Wait()
}

func (c *Collector) aggregationLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.aggregateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.Aggregate(time.Now())
		}
	}
}

// RecordAttempt 追加一条尝试记录
func (c *Collector) RecordAttempt(record AttemptRecord) {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.records = append(c.records, record)
	// 容量上限独立于聚合，聚合停摆时内存依然有界
	if len(c.records) > c.bufferSize {
		c.records = c.records[len(c.records)-c.bufferSize:]
	}

	c.totalAttempts++
	c.totalLatency += record.Latency
	if record.AttemptIndex > 0 {
		c.totalRetries++
	}
	if record.Outcome == OutcomeSuccess {
		c.totalSuccess++
		c.successByAttemptIndex[record.AttemptIndex]++
	}
}

// RecordBreakerEvent 追加一条熔断器状态迁移事件
func (c *Collector) RecordBreakerEvent(ev breaker.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalBreakerEvents++
	c.recentEvents = append(c.recentEvents, ev)
	if len(c.recentEvents) > c.recentEventsSize {
		c.recentEvents = c.recentEvents[len(c.recentEvents)-c.recentEventsSize:]
	}
}

// Aggregate 把超过1小时的记录折叠进小时桶，并丢弃超出保留期的原始记录和过期桶
// 聚合幂等：水位线之前的记录不会被重复折叠
func (c *Collector) Aggregate(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aggregateLocked(now)
}

func (c *Collector) aggregateLocked(now time.Time) {
	foldBefore := now.Add(-time.Hour)
	if !foldBefore.After(c.aggregatedThrough) {
		return
	}

	for _, record := range c.records {
		if !record.Timestamp.Before(foldBefore) {
			continue
		}
		if record.Timestamp.Before(c.aggregatedThrough) {
			continue // 已折叠过
		}
		c.foldLocked(record)
	}
	c.aggregatedThrough = foldBefore

	// 丢弃超出保留期的原始记录（已全部折叠）
	retainAfter := now.Add(-c.retention)
	idx := 0
	for idx < len(c.records) && c.records[idx].Timestamp.Before(retainAfter) {
		idx++
	}
	if idx > 0 {
		c.records = append([]AttemptRecord(nil), c.records[idx:]...)
	}

	// 丢弃超出保留期的小时桶
	for hour := range c.buckets {
		if hour.Before(retainAfter.Truncate(time.Hour)) {
			delete(c.buckets, hour)
		}
	}
}

func (c *Collector) foldLocked(record AttemptRecord) {
	hour := record.Timestamp.Truncate(time.Hour)
	bucket := c.buckets[hour]
	if bucket == nil {
		bucket = &HourBucket{Hour: hour, ByProxy: make(map[string]*ProxyBucket)}
		c.buckets[hour] = bucket
	}

	bucket.TotalAttempts++
	bucket.TotalLatency += record.Latency
	if record.AttemptIndex > 0 {
		bucket.TotalRetries++
	}
	if record.Outcome == OutcomeSuccess {
		bucket.SuccessCount++
	}

	pb := bucket.ByProxy[record.ProxyID]
	if pb == nil {
		pb = &ProxyBucket{}
		bucket.ByProxy[record.ProxyID] = pb
	}
	pb.TotalAttempts++
	pb.TotalLatency += record.Latency
	if record.AttemptIndex > 0 {
		pb.TotalRetries++
	}
	if record.Outcome == OutcomeSuccess {
		pb.SuccessCount++
	}
}

// GetSummary 返回运行期全局摘要
func (c *Collector) GetSummary() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	summary := Summary{
		TotalAttempts:         c.totalAttempts,
		TotalRetries:          c.totalRetries,
		SuccessCount:          c.totalSuccess,
		BreakerTransitions:    c.totalBreakerEvents,
		SuccessByAttemptIndex: make(map[int]int64, len(c.successByAttemptIndex)),
		StartTime:             c.startTime,
	}
	for k, v := range c.successByAttemptIndex {
		summary.SuccessByAttemptIndex[k] = v
	}
	if c.totalAttempts > 0 {
		summary.SuccessRate = float64(c.totalSuccess) / float64(c.totalAttempts)
		summary.AvgLatencyMs = (c.totalLatency / time.Duration(c.totalAttempts)).Milliseconds()
	}
	return summary
}

// GetTimeseries 返回最近windowHours小时的逐小时序列
// 读取前惰性聚合，保证已过整点的数据落入桶内；当前小时从原始记录现算
func (c *Collector) GetTimeseries(windowHours int) []TimePoint {
	now := time.Now()

	// 桶会被后续聚合继续写入，读取全程持锁
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aggregateLocked(now)

	from := now.Add(-time.Duration(windowHours) * time.Hour).Truncate(time.Hour)
	merged := make(map[time.Time]*HourBucket)
	for hour, bucket := range c.buckets {
		if !hour.Before(from) {
			merged[hour] = bucket
		}
	}

	// 水位线之后的原始记录现算补齐
	tail := c.tailBucketsLocked(from)

	points := make([]TimePoint, 0, windowHours)
	for hour := from; !hour.After(now); hour = hour.Add(time.Hour) {
		bucket := merged[hour]
		tailBucket := tail[hour]
		point := TimePoint{Hour: hour}

		var latency time.Duration
		if bucket != nil {
			point.TotalAttempts += bucket.TotalAttempts
			point.TotalRetries += bucket.TotalRetries
			point.SuccessRate += float64(bucket.SuccessCount)
			latency += bucket.TotalLatency
		}
		if tailBucket != nil {
			point.TotalAttempts += tailBucket.TotalAttempts
			point.TotalRetries += tailBucket.TotalRetries
			point.SuccessRate += float64(tailBucket.SuccessCount)
			latency += tailBucket.TotalLatency
		}
		if point.TotalAttempts > 0 {
			point.SuccessRate /= float64(point.TotalAttempts)
			point.AvgLatencyMs = (latency / time.Duration(point.TotalAttempts)).Milliseconds()
		}
		points = append(points, point)
	}
	return points
}

// tailBucketsLocked 把水位线之后的原始记录折算成临时小时桶（不落入c.buckets）
func (c *Collector) tailBucketsLocked(from time.Time) map[time.Time]*HourBucket {
	tail := make(map[time.Time]*HourBucket)
	for _, record := range c.records {
		if record.Timestamp.Before(c.aggregatedThrough) || record.Timestamp.Before(from) {
			continue
		}
		hour := record.Timestamp.Truncate(time.Hour)
		bucket := tail[hour]
		if bucket == nil {
			bucket = &HourBucket{Hour: hour, ByProxy: make(map[string]*ProxyBucket)}
			tail[hour] = bucket
		}
		bucket.TotalAttempts++
		bucket.TotalLatency += record.Latency
		if record.AttemptIndex > 0 {
			bucket.TotalRetries++
		}
		if record.Outcome == OutcomeSuccess {
			bucket.SuccessCount++
		}
		pb := bucket.ByProxy[record.ProxyID]
		if pb == nil {
			pb = &ProxyBucket{}
			bucket.ByProxy[record.ProxyID] = pb
		}
		pb.TotalAttempts++
		pb.TotalLatency += record.Latency
		if record.AttemptIndex > 0 {
			pb.TotalRetries++
		}
		if record.Outcome == OutcomeSuccess {
			pb.SuccessCount++
		}
	}
	return tail
}

// GetByProxy 返回窗口内按代理聚合的视图
func (c *Collector) GetByProxy(windowHours int) map[string]ProxySummary {
	now := time.Now()

	c.mu.Lock()
	c.aggregateLocked(now)

	from := now.Add(-time.Duration(windowHours) * time.Hour).Truncate(time.Hour)

	type acc struct {
		attempts, retries, success int64
		latency                    time.Duration
	}
	accs := make(map[string]*acc)
	addBucket := func(byProxy map[string]*ProxyBucket) {
		for proxyID, pb := range byProxy {
			a := accs[proxyID]
			if a == nil {
				a = &acc{}
				accs[proxyID] = a
			}
			a.attempts += pb.TotalAttempts
			a.retries += pb.TotalRetries
			a.success += pb.SuccessCount
			a.latency += pb.TotalLatency
		}
	}

	for hour, bucket := range c.buckets {
		if !hour.Before(from) {
			addBucket(bucket.ByProxy)
		}
	}
	for _, bucket := range c.tailBucketsLocked(from) {
		addBucket(bucket.ByProxy)
	}
	c.mu.Unlock()

	result := make(map[string]ProxySummary, len(accs))
	for proxyID, a := range accs {
		summary := ProxySummary{
			ProxyID:       proxyID,
			TotalAttempts: a.attempts,
			TotalRetries:  a.retries,
		}
		if a.attempts > 0 {
			summary.SuccessRate = float64(a.success) / float64(a.attempts)
			summary.AvgLatencyMs = (a.latency / time.Duration(a.attempts)).Milliseconds()
		}
		result[proxyID] = summary
	}
	return result
}

// GetRecentBreakerEvents 返回最近的熔断器状态迁移（时间升序副本）
func (c *Collector) GetRecentBreakerEvents() []breaker.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()

	events := make([]breaker.Event, len(c.recentEvents))
	copy(events, c.recentEvents)
	return events
}
