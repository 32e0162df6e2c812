// Package breaker 实现按代理隔离故障的熔断器
// 状态机：CLOSED -> OPEN -> HALF_OPEN -> CLOSED/OPEN，循环往复贯穿代理生命周期
package breaker

import (
	"sync"
	"time"
)

// State represents the state of a circuit breaker
type State int

const (
	// StateClosed - 正常状态，请求放行
	StateClosed State = iota
	// StateOpen - 熔断状态，代理被排除在选择之外
	StateOpen
	// StateHalfOpen - 半开状态，只允许一个探测请求
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Event 记录一次熔断器状态迁移，写入后不可变
type Event struct {
	ProxyID      string    `json:"proxy_id"`
	Timestamp    time.Time `json:"timestamp"`
	From         State     `json:"from"`
	To           State     `json:"to"`
	FailureCount int       `json:"failure_count"` // 迁移发生时窗口内的失败数
}

// Settings holds the per-breaker thresholds
type Settings struct {
	FailureThreshold int           // 窗口内失败次数达到该值时熔断
	WindowDuration   time.Duration // 滚动失败窗口
	TimeoutDuration  time.Duration // OPEN状态持续时间，到期后允许探测
}

// Snapshot 熔断器状态快照，用于持久化和进程重启后恢复
type Snapshot struct {
	ProxyID         string      `json:"proxy_id"`
	State           State       `json:"state"`
	FailureTimes    []time.Time `json:"failure_times"`
	NextTestTime    time.Time   `json:"next_test_time"`
	LastStateChange time.Time   `json:"last_state_change"`
}

// CircuitBreaker 单个代理的熔断器
// 每个实例持有独立的互斥锁，不同代理的熔断器互不阻塞
type CircuitBreaker struct {
	proxyID  string
	settings Settings

	mutex           sync.Mutex
	state           State
	failureTimes    []time.Time // 滚动窗口内的失败时间戳，过期条目惰性剔除
	nextTestTime    time.Time   // 仅在OPEN状态有效
	lastStateChange time.Time
	probeInFlight   bool // HALF_OPEN探测是否已被占用

	onStateChange func(Event)
}

// New creates a circuit breaker for the given proxy identity
func New(proxyID string, settings Settings, onStateChange func(Event)) *CircuitBreaker {
	return &CircuitBreaker{
		proxyID:         proxyID,
		settings:        settings,
		state:           StateClosed,
		lastStateChange: time.Now(),
		onStateChange:   onStateChange,
	}
}

// ProxyID returns the proxy identity this breaker guards
func (cb *CircuitBreaker) ProxyID() string {
	return cb.proxyID
}

// ShouldAttemptRequest 判断当前是否允许发起请求
// CLOSED直接放行；OPEN在到达nextTestTime时原子地转为HALF_OPEN并授予唯一探测权；
// HALF_OPEN对探测持有者之外的所有调用方返回false
func (cb *CircuitBreaker) ShouldAttemptRequest() bool {
	cb.mutex.Lock()

	var ev *Event
	allowed := false

	switch cb.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if !time.Now().Before(cb.nextTestTime) {
			// 检查和转移必须在同一临界区内完成，否则两个并发请求都会认为自己拿到了探测权
			ev = cb.transitionLocked(StateHalfOpen)
			cb.probeInFlight = true
			allowed = true
		}
	case StateHalfOpen:
		// 探测权已被占用
	}

	cb.mutex.Unlock()

	if ev != nil {
		cb.notify(*ev)
	}
	return allowed
}

// RecordSuccess 记录一次成功
// HALF_OPEN下的探测成功使熔断器闭合并清空失败历史；CLOSED下只是统计层面的no-op
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mutex.Lock()

	var ev *Event
	if cb.state == StateHalfOpen {
		cb.failureTimes = nil
		cb.probeInFlight = false
		ev = cb.transitionLocked(StateClosed)
	}

	cb.mutex.Unlock()

	if ev != nil {
		cb.notify(*ev)
	}
}

// RecordFailure 记录一次失败
// CLOSED下失败计入滚动窗口，剔除过期条目后达到阈值则熔断；
// HALF_OPEN下的探测失败直接回到OPEN并重置超时窗口
func (cb *CircuitBreaker) RecordFailure() {
	cb.mutex.Lock()

	now := time.Now()
	var ev *Event

	switch cb.state {
	case StateHalfOpen:
		cb.probeInFlight = false
		cb.failureTimes = append(cb.pruneLocked(now), now)
		cb.nextTestTime = now.Add(cb.settings.TimeoutDuration)
		ev = cb.transitionLocked(StateOpen)
	case StateClosed:
		cb.failureTimes = append(cb.pruneLocked(now), now)
		if len(cb.failureTimes) >= cb.settings.FailureThreshold {
			cb.nextTestTime = now.Add(cb.settings.TimeoutDuration)
			ev = cb.transitionLocked(StateOpen)
		}
	case StateOpen:
		// 熔断期间完成的在途请求，只记录不重复迁移
		cb.failureTimes = append(cb.pruneLocked(now), now)
	}

	cb.mutex.Unlock()

	if ev != nil {
		cb.notify(*ev)
	}
}

// Reset 强制闭合熔断器并清空失败状态（人工干预用）
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()

	cb.failureTimes = nil
	cb.nextTestTime = time.Time{}
	cb.probeInFlight = false

	var ev *Event
	if cb.state != StateClosed {
		ev = cb.transitionLocked(StateClosed)
	}

	cb.mutex.Unlock()

	if ev != nil {
		cb.notify(*ev)
	}
}

// State 返回当前状态，不产生任何状态变更
func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// ProbeInFlight 返回HALF_OPEN探测是否已被占用
func (cb *CircuitBreaker) ProbeInFlight() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state == StateHalfOpen && cb.probeInFlight
}

// FailureCount 返回滚动窗口内的失败数（过期条目已剔除）
func (cb *CircuitBreaker) FailureCount() int {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.failureTimes = cb.pruneLocked(time.Now())
	return len(cb.failureTimes)
}

// Snapshot 导出当前状态快照
// 快照在锁内构建，持久化I/O由调用方在锁外执行
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	times := make([]time.Time, len(cb.failureTimes))
	copy(times, cb.failureTimes)

	return Snapshot{
		ProxyID:         cb.proxyID,
		State:           cb.state,
		FailureTimes:    times,
		NextTestTime:    cb.nextTestTime,
		LastStateChange: cb.lastStateChange,
	}
}

// Restore 从快照恢复状态（进程重启后使OPEN熔断器继续生效）
// 不触发状态迁移事件，过期的失败条目在恢复时直接剔除
func (cb *CircuitBreaker) Restore(snapshot Snapshot) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.state = snapshot.State
	cb.failureTimes = append([]time.Time(nil), snapshot.FailureTimes...)
	cb.nextTestTime = snapshot.NextTestTime
	cb.lastStateChange = snapshot.LastStateChange
	cb.probeInFlight = false
	cb.failureTimes = cb.pruneLocked(time.Now())

	// 恢复后的HALF_OPEN没有探测持有者，回退到OPEN等待新的探测
	if cb.state == StateHalfOpen {
		cb.state = StateOpen
		if cb.nextTestTime.IsZero() {
			cb.nextTestTime = time.Now()
		}
	}
}

// pruneLocked 剔除窗口外的失败时间戳，调用方必须持有锁
func (cb *CircuitBreaker) pruneLocked(now time.Time) []time.Time {
	cutoff := now.Add(-cb.settings.WindowDuration)
	times := cb.failureTimes
	idx := 0
	for idx < len(times) && !times[idx].After(cutoff) {
		idx++
	}
	return times[idx:]
}

// transitionLocked 执行状态迁移并构造事件，调用方必须持有锁
func (cb *CircuitBreaker) transitionLocked(to State) *Event {
	from := cb.state
	if from == to {
		return nil
	}

	now := time.Now()
	cb.state = to
	cb.lastStateChange = now

	return &Event{
		ProxyID:      cb.proxyID,
		Timestamp:    now,
		From:         from,
		To:           to,
		FailureCount: len(cb.failureTimes),
	}
}

// notify 在锁外回调状态迁移监听器
func (cb *CircuitBreaker) notify(ev Event) {
	if cb.onStateChange != nil {
		cb.onStateChange(ev)
	}
}
