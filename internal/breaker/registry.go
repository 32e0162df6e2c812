package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"proxy-rotator/config"
)

// Registry 管理所有代理的熔断器实例
// 按代理标识惰性创建，每个熔断器持有独立的锁，注册表锁只保护map本身
type Registry struct {
	settings Settings
	store    Store

	mutex    sync.RWMutex
	breakers map[string]*CircuitBreaker

	// 状态迁移监听器（事件总线、指标收集器）
	listenerMutex sync.RWMutex
	listeners     []func(Event)
}

// NewRegistry creates a breaker registry from configuration
// store为nil时使用NoopStore，状态只存在于内存
func NewRegistry(cfg *config.BreakerConfig, store Store) *Registry {
	if store == nil {
		store = NoopStore{}
	}
	return &Registry{
		settings: Settings{
			FailureThreshold: cfg.FailureThreshold,
			WindowDuration:   cfg.WindowDuration,
			TimeoutDuration:  cfg.TimeoutDuration,
		},
		store:    store,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// OnTransition 注册状态迁移监听器
func (r *Registry) OnTransition(listener func(Event)) {
	r.listenerMutex.Lock()
	defer r.listenerMutex.Unlock()
	r.listeners = append(r.listeners, listener)
}

// Get 获取代理的熔断器，不存在时惰性创建
// 新建时尝试从持久化存储恢复快照，使OPEN熔断在进程重启后继续生效
func (r *Registry) Get(proxyID string) *CircuitBreaker {
	r.mutex.RLock()
	cb, exists := r.breakers[proxyID]
	r.mutex.RUnlock()
	if exists {
		return cb
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	// 双重检查，避免并发创建
	if cb, exists = r.breakers[proxyID]; exists {
		return cb
	}

	cb = New(proxyID, r.settings, r.handleTransition)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if snapshot, ok, err := r.store.Load(ctx, proxyID); err != nil {
		slog.Warn(fmt.Sprintf("⚠️ [熔断恢复] 代理 %s 快照加载失败: %v", proxyID, err))
	} else if ok {
		cb.Restore(snapshot)
		slog.Info(fmt.Sprintf("🔁 [熔断恢复] 代理 %s 从快照恢复，状态: %s", proxyID, cb.State()))
	}

	r.breakers[proxyID] = cb
	return cb
}

// GetState 返回指定代理的熔断状态，未创建的熔断器视为CLOSED
func (r *Registry) GetState(proxyID string) State {
	r.mutex.RLock()
	cb, exists := r.breakers[proxyID]
	r.mutex.RUnlock()
	if !exists {
		return StateClosed
	}
	return cb.State()
}

// AllStates 返回所有已创建熔断器的状态
func (r *Registry) AllStates() map[string]State {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	states := make(map[string]State, len(r.breakers))
	for proxyID, cb := range r.breakers {
		states[proxyID] = cb.State()
	}
	return states
}

// Reset 强制闭合指定代理的熔断器（人工干预用）
func (r *Registry) Reset(proxyID string) error {
	r.mutex.RLock()
	cb, exists := r.breakers[proxyID]
	r.mutex.RUnlock()
	if !exists {
		return fmt.Errorf("代理 '%s' 没有熔断器实例", proxyID)
	}

	cb.Reset()
	slog.Info(fmt.Sprintf("🔧 [熔断重置] 代理 %s 熔断器已手动重置", proxyID))
	return nil
}

// handleTransition 处理一次状态迁移：通知监听器并异步持久化快照
// 快照在熔断器锁外构建，持久化I/O不会阻塞任何请求路径
func (r *Registry) handleTransition(ev Event) {
	slog.Info(fmt.Sprintf("⚡ [熔断状态] 代理 %s 状态迁移: %s → %s (窗口内失败: %d)",
		ev.ProxyID, ev.From, ev.To, ev.FailureCount))

	r.listenerMutex.RLock()
	listeners := make([]func(Event), len(r.listeners))
	copy(listeners, r.listeners)
	r.listenerMutex.RUnlock()

	for _, listener := range listeners {
		listener(ev)
	}

	r.persistAsync(ev.ProxyID)
}

// persistAsync 异步写入代理的最新快照，接受最终一致
func (r *Registry) persistAsync(proxyID string) {
	if _, isNoop := r.store.(NoopStore); isNoop {
		return
	}

	r.mutex.RLock()
	cb, exists := r.breakers[proxyID]
	r.mutex.RUnlock()
	if !exists {
		return
	}

	snapshot := cb.Snapshot()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.Save(ctx, proxyID, snapshot); err != nil {
			slog.Warn(fmt.Sprintf("⚠️ [熔断持久化] 代理 %s 快照保存失败: %v", proxyID, err))
		}
	}()
}
