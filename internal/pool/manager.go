package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"proxy-rotator/config"
	"proxy-rotator/internal/events"
)

// HealthChecker 通过指定代理发起探测请求
// 由transport包实现，注入进来避免包循环
type HealthChecker interface {
	Check(ctx context.Context, proxyCfg config.ProxyConfig, testURL string) (time.Duration, error)
}

// Manager 管理代理池及其健康状态
type Manager struct {
	config  *config.Config
	checker HealthChecker
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mutex   sync.RWMutex
	proxies []*Proxy

	// EventBus for decoupled event publishing
	eventBus events.EventBus
}

// NewManager creates a new proxy pool manager
func NewManager(cfg *config.Config, checker HealthChecker) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	manager := &Manager{
		config:  cfg,
		checker: checker,
		ctx:     ctx,
		cancel:  cancel,
	}

	for _, proxyCfg := range cfg.Proxies {
		manager.proxies = append(manager.proxies, newProxy(proxyCfg))
	}

	return manager
}

func newProxy(proxyCfg config.ProxyConfig) *Proxy {
	return &Proxy{
		name:   proxyCfg.Name,
		Config: proxyCfg,
		Status: ProxyStatus{
			Healthy:      false, // Start pessimistic, let health checks determine actual status
			LastCheck:    time.Now(),
			NeverChecked: true, // 标记为未检测
		},
	}
}

// healthConfig 在锁内取健康检查配置快照，避免与热更新竞争
func (m *Manager) healthConfig() config.HealthConfig {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.config.Health
}

// Start starts the health checking routine
func (m *Manager) Start() {
	if !m.healthConfig().Enabled {
		slog.Info("🩺 [健康检查] 健康检查已禁用，所有代理按可用处理")
		return
	}
	m.wg.Add(1)
	go m.healthCheckLoop()
}

// Stop stops the health checking routine
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// SetEventBus 设置EventBus事件总线
func (m *Manager) SetEventBus(eventBus events.EventBus) {
	m.eventBus = eventBus
}

// UpdateConfig 热更新配置并重建代理池
// 已有代理的健康状态和请求统计保留，新增代理从未检测状态开始
func (m *Manager) UpdateConfig(cfg *config.Config) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	existing := make(map[string]*Proxy, len(m.proxies))
	for _, p := range m.proxies {
		existing[p.ID()] = p
	}

	proxies := make([]*Proxy, 0, len(cfg.Proxies))
	for _, proxyCfg := range cfg.Proxies {
		if p, ok := existing[proxyCfg.Name]; ok {
			p.mutex.Lock()
			p.Config = proxyCfg
			p.mutex.Unlock()
			proxies = append(proxies, p)
		} else {
			proxies = append(proxies, newProxy(proxyCfg))
		}
	}

	m.config = cfg
	m.proxies = proxies
}

// GetProxy 按名称查找代理
func (m *Manager) GetProxy(name string) *Proxy {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for _, p := range m.proxies {
		if p.ID() == name {
			return p
		}
	}
	return nil
}

// GetAllProxies 返回池内所有代理（按配置顺序）
func (m *Manager) GetAllProxies() []*Proxy {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	proxies := make([]*Proxy, len(m.proxies))
	copy(proxies, m.proxies)
	return proxies
}

// Candidates 返回可参与选择的代理
// 健康检查不可用的代理等同于OPEN熔断被排除；从未检测过的代理视为可用，
// 否则健康检查关闭或尚未跑完首轮时整个池都会被误判为空
func (m *Manager) Candidates() []*Proxy {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var candidates []*Proxy
	for _, p := range m.proxies {
		status := p.GetStatus()
		if status.Healthy || status.NeverChecked {
			candidates = append(candidates, p)
		}
	}
	return candidates
}

// StatsSnapshot 导出池内所有代理的打分统计
// 延迟相对池内最大平均延迟归一化
func (m *Manager) StatsSnapshot() []Stats {
	m.mutex.RLock()
	proxies := make([]*Proxy, len(m.proxies))
	copy(proxies, m.proxies)
	m.mutex.RUnlock()

	return buildStats(proxies)
}

// healthCheckLoop runs the health check routine
func (m *Manager) healthCheckLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.healthConfig().CheckInterval)
	defer ticker.Stop()

	// Initial health check
	m.performHealthChecks()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.performHealthChecks()
		}
	}
}

// performHealthChecks performs health checks on all proxies in parallel
func (m *Manager) performHealthChecks() {
	proxies := m.GetAllProxies()
	if len(proxies) == 0 {
		slog.Debug("🩺 [健康检查] 没有配置的代理，跳过健康检查")
		return
	}

	slog.Debug(fmt.Sprintf("🩺 [健康检查] 开始检查 %d 个代理", len(proxies)))

	var wg sync.WaitGroup
	for _, proxy := range proxies {
		wg.Add(1)
		go func(p *Proxy) {
			defer wg.Done()
			m.checkProxyHealth(p)
		}(proxy)
	}
	wg.Wait()

	healthyCount := 0
	for _, p := range proxies {
		if p.IsHealthy() {
			healthyCount++
		}
	}
	slog.Debug(fmt.Sprintf("🩺 [健康检查] 完成检查 - 健康: %d/%d", healthyCount, len(proxies)))
}

// checkProxyHealth checks the health of a single proxy
func (m *Manager) checkProxyHealth(proxy *Proxy) {
	health := m.healthConfig()
	ctx, cancel := context.WithTimeout(m.ctx, health.Timeout)
	defer cancel()

	responseTime, err := m.checker.Check(ctx, proxy.GetConfig(), health.TestURL)
	if err != nil {
		slog.Warn(fmt.Sprintf("❌ [健康检查] 代理探测失败: %s - 错误: %s, 响应时间: %dms",
			proxy.ID(), err.Error(), responseTime.Milliseconds()))
		m.updateProxyStatus(proxy, false, responseTime)
		return
	}

	slog.Debug(fmt.Sprintf("✅ [健康检查] 代理正常: %s - 响应时间: %dms",
		proxy.ID(), responseTime.Milliseconds()))
	m.updateProxyStatus(proxy, true, responseTime)
}

// updateProxyStatus updates the health status of a proxy
func (m *Manager) updateProxyStatus(proxy *Proxy, healthy bool, responseTime time.Duration) {
	proxy.mutex.Lock()

	proxy.Status.LastCheck = time.Now()
	proxy.Status.ResponseTime = responseTime
	proxy.Status.NeverChecked = false // 标记为已检测

	changed := proxy.Status.Healthy != healthy
	if healthy {
		wasUnhealthy := !proxy.Status.Healthy
		proxy.Status.Healthy = true
		proxy.Status.ConsecutiveFails = 0

		if wasUnhealthy {
			slog.Info(fmt.Sprintf("✅ [健康检查] 代理恢复可用: %s - 响应时间: %dms",
				proxy.ID(), responseTime.Milliseconds()))
		}
	} else {
		proxy.Status.ConsecutiveFails++
		wasHealthy := proxy.Status.Healthy
		proxy.Status.Healthy = false

		if wasHealthy {
			slog.Warn(fmt.Sprintf("❌ [健康检查] 代理标记为不可用: %s - 连续失败: %d次",
				proxy.ID(), proxy.Status.ConsecutiveFails))
		}
	}
	status := proxy.Status

	proxy.mutex.Unlock()

	if changed {
		go m.notifyHealthChange(proxy, status)
	}
}

// notifyHealthChange 通过EventBus发布代理健康状态变化事件
func (m *Manager) notifyHealthChange(proxy *Proxy, status ProxyStatus) {
	if m.eventBus == nil {
		return
	}

	eventType := events.EventProxyHealthy
	priority := events.PriorityHigh
	if !status.Healthy {
		eventType = events.EventProxyUnhealthy
		priority = events.PriorityCritical
	}

	m.eventBus.Publish(events.Event{
		Type:     eventType,
		Source:   "pool_manager",
		Priority: priority,
		Data: map[string]interface{}{
			"proxy":             proxy.ID(),
			"healthy":           status.Healthy,
			"response_time_ms":  status.ResponseTime.Milliseconds(),
			"last_check":        status.LastCheck.Format("2006-01-02 15:04:05"),
			"consecutive_fails": status.ConsecutiveFails,
		},
	})
}
