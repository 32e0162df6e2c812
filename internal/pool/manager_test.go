package pool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"proxy-rotator/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChecker 按代理名称返回预设探测结果
type fakeChecker struct {
	mu      sync.Mutex
	healthy map[string]bool
	latency map[string]time.Duration
}

func (f *fakeChecker) Check(ctx context.Context, proxyCfg config.ProxyConfig, testURL string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	latency := f.latency[proxyCfg.Name]
	if !f.healthy[proxyCfg.Name] {
		return latency, fmt.Errorf("connection refused")
	}
	return latency, nil
}

func createTestPoolConfig(names ...string) *config.Config {
	cfg := &config.Config{
		Health: config.HealthConfig{
			Enabled:       true,
			CheckInterval: time.Hour,
			Timeout:       time.Second,
			TestURL:       "https://www.gstatic.com/generate_204",
		},
	}
	for _, name := range names {
		cfg.Proxies = append(cfg.Proxies, config.ProxyConfig{
			Name: name,
			URL:  "http://" + name + ".example:8080",
			Type: "http",
		})
	}
	return cfg
}

func TestManagerInitialState(t *testing.T) {
	checker := &fakeChecker{healthy: map[string]bool{}, latency: map[string]time.Duration{}}
	manager := NewManager(createTestPoolConfig("proxy-a", "proxy-b"), checker)

	assert.Len(t, manager.GetAllProxies(), 2)
	require.NotNil(t, manager.GetProxy("proxy-a"))
	assert.Nil(t, manager.GetProxy("proxy-missing"))

	// 未检测过的代理应参与候选，否则首轮检查前整个池都不可用
	assert.Len(t, manager.Candidates(), 2)
}

func TestManagerHealthChecks(t *testing.T) {
	checker := &fakeChecker{
		healthy: map[string]bool{"proxy-a": true, "proxy-b": false},
		latency: map[string]time.Duration{"proxy-a": 50 * time.Millisecond},
	}
	manager := NewManager(createTestPoolConfig("proxy-a", "proxy-b"), checker)

	manager.performHealthChecks()

	assert.True(t, manager.GetProxy("proxy-a").IsHealthy())
	assert.False(t, manager.GetProxy("proxy-b").IsHealthy())

	statusA := manager.GetProxy("proxy-a").GetStatus()
	assert.False(t, statusA.NeverChecked)
	assert.Equal(t, 50*time.Millisecond, statusA.ResponseTime)

	statusB := manager.GetProxy("proxy-b").GetStatus()
	assert.Equal(t, 1, statusB.ConsecutiveFails)

	// 检查失败的代理退出候选集合
	candidates := manager.Candidates()
	require.Len(t, candidates, 1)
	assert.Equal(t, "proxy-a", candidates[0].ID())
}

func TestManagerRecovery(t *testing.T) {
	checker := &fakeChecker{
		healthy: map[string]bool{"proxy-a": false},
		latency: map[string]time.Duration{},
	}
	manager := NewManager(createTestPoolConfig("proxy-a"), checker)

	manager.performHealthChecks()
	require.False(t, manager.GetProxy("proxy-a").IsHealthy())

	checker.mu.Lock()
	checker.healthy["proxy-a"] = true
	checker.mu.Unlock()

	manager.performHealthChecks()
	status := manager.GetProxy("proxy-a").GetStatus()
	assert.True(t, status.Healthy, "探测恢复后代理应重新可用")
	assert.Equal(t, 0, status.ConsecutiveFails, "恢复后连续失败计数应清零")
}

func TestManagerUpdateConfigPreservesStats(t *testing.T) {
	checker := &fakeChecker{healthy: map[string]bool{"proxy-a": true}, latency: map[string]time.Duration{}}
	manager := NewManager(createTestPoolConfig("proxy-a"), checker)

	manager.GetProxy("proxy-a").RecordResult(true, 100*time.Millisecond)
	manager.performHealthChecks()

	manager.UpdateConfig(createTestPoolConfig("proxy-a", "proxy-b"))

	require.Len(t, manager.GetAllProxies(), 2)
	kept := manager.GetProxy("proxy-a")
	assert.True(t, kept.IsHealthy(), "热更新应保留已有代理的健康状态")

	stats := manager.StatsSnapshot()
	require.Len(t, stats, 2)
	assert.Equal(t, int64(1), stats[0].Attempts, "热更新应保留已有代理的请求统计")
	assert.True(t, manager.GetProxy("proxy-b").GetStatus().NeverChecked)
}

func TestManagerConcurrentReloadAndReads(t *testing.T) {
	checker := &fakeChecker{healthy: map[string]bool{"proxy-a": true, "proxy-b": true}, latency: map[string]time.Duration{}}
	manager := NewManager(createTestPoolConfig("proxy-a", "proxy-b"), checker)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			manager.UpdateConfig(createTestPoolConfig("proxy-a", "proxy-b"))
		}
	}()

	// 热更新期间的并发读取不应观察到半成品状态
	for i := 0; i < 100; i++ {
		if p := manager.GetProxy("proxy-a"); p != nil {
			assert.Equal(t, "proxy-a", p.GetConfig().Name)
		}
		manager.performHealthChecks()
		assert.NotEmpty(t, manager.Candidates(), "热更新期间候选集合不应为空")
	}
	wg.Wait()

	assert.Len(t, manager.GetAllProxies(), 2)
}

func TestManagerStatsNormalization(t *testing.T) {
	checker := &fakeChecker{healthy: map[string]bool{}, latency: map[string]time.Duration{}}
	manager := NewManager(createTestPoolConfig("proxy-a", "proxy-b"), checker)

	manager.GetProxy("proxy-a").RecordResult(true, 100*time.Millisecond)
	manager.GetProxy("proxy-b").RecordResult(true, 400*time.Millisecond)
	manager.GetProxy("proxy-b").RecordResult(false, 400*time.Millisecond)

	stats := manager.StatsSnapshot()
	require.Len(t, stats, 2)

	assert.InDelta(t, 1.0, stats[0].SuccessRate, 0.001)
	assert.InDelta(t, 0.25, stats[0].NormalizedLatency, 0.001, "延迟应相对池内最大平均延迟归一化")
	assert.InDelta(t, 0.5, stats[1].SuccessRate, 0.001)
	assert.InDelta(t, 1.0, stats[1].NormalizedLatency, 0.001)
}
