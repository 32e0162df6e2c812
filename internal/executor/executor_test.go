package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"proxy-rotator/config"
	"proxy-rotator/internal/breaker"
	"proxy-rotator/internal/events"
	"proxy-rotator/internal/metrics"
	"proxy-rotator/internal/pool"
	"proxy-rotator/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptStep 单次调用的脚本化结果
type scriptStep struct {
	status int
	err    error
}

// fakeTransport 按代理名回放预设结果序列，超出脚本后重复最后一步
type fakeTransport struct {
	mu      sync.Mutex
	scripts map[string][]scriptStep
	calls   map[string]int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		scripts: make(map[string][]scriptStep),
		calls:   make(map[string]int),
	}
}

func (f *fakeTransport) script(proxyName string, steps ...scriptStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[proxyName] = steps
}

func (f *fakeTransport) callCount(proxyName string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[proxyName]
}

func (f *fakeTransport) RoundTrip(ctx context.Context, proxyCfg config.ProxyConfig, spec transport.RequestSpec) (*transport.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	steps := f.scripts[proxyCfg.Name]
	idx := f.calls[proxyCfg.Name]
	f.calls[proxyCfg.Name]++

	if len(steps) == 0 {
		return nil, fmt.Errorf("no script for proxy %s", proxyCfg.Name)
	}
	if idx >= len(steps) {
		idx = len(steps) - 1
	}
	step := steps[idx]
	if step.err != nil {
		return nil, step.err
	}
	return &transport.Response{
		StatusCode: step.status,
		Headers:    http.Header{},
		Body:       []byte("ok"),
		Latency:    10 * time.Millisecond,
	}, nil
}

// recordingBus 同步记录所有发布的事件
type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingBus) Publish(event events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingBus) Subscribe(events.Subscriber) {}
func (r *recordingBus) Start() error                { return nil }
func (r *recordingBus) Stop() error                 { return nil }
func (r *recordingBus) GetStats() events.BusStats   { return events.BusStats{} }

func (r *recordingBus) byType(eventType events.EventType) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []events.Event
	for _, ev := range r.events {
		if ev.Type == eventType {
			matched = append(matched, ev)
		}
	}
	return matched
}

func boolPtr(b bool) *bool { return &b }

func createTestExecutorConfig(proxyNames ...string) *config.Config {
	cfg := &config.Config{
		Retry: config.RetryConfig{
			MaxAttempts:          3,
			BackoffStrategy:      "fixed",
			BaseDelay:            0,
			MaxDelay:             time.Second,
			Jitter:               boolPtr(false),
			RetryableStatusCodes: []int{502, 503, 504},
		},
		Breaker: config.BreakerConfig{
			FailureThreshold: 5,
			WindowDuration:   time.Minute,
			TimeoutDuration:  time.Hour,
		},
		Health: config.HealthConfig{
			Enabled: false,
		},
		Metrics: config.MetricsConfig{
			BufferSize:       100,
			RetentionHours:   24,
			RecentEventsSize: 16,
		},
	}
	for _, name := range proxyNames {
		cfg.Proxies = append(cfg.Proxies, config.ProxyConfig{
			Name:    name,
			URL:     "http://" + name + ".example.com:8080",
			Type:    "http",
			Timeout: 5 * time.Second,
		})
	}
	return cfg
}

func createTestExecutor(cfg *config.Config, ft *fakeTransport) (*Executor, *pool.Manager, *breaker.Registry, *metrics.Collector) {
	registry := breaker.NewRegistry(&cfg.Breaker, breaker.NoopStore{})
	manager := pool.NewManager(cfg, nil)
	collector := metrics.NewCollector(&cfg.Metrics)
	exec := NewExecutor(cfg, ft, manager, registry, collector)
	return exec, manager, registry, collector
}

func TestExecutorRetryThenSuccess(t *testing.T) {
	cfg := createTestExecutorConfig("proxy-a")
	ft := newFakeTransport()
	ft.script("proxy-a",
		scriptStep{status: 503},
		scriptStep{status: 200},
	)

	exec, manager, registry, collector := createTestExecutor(cfg, ft)

	resp, err := exec.Execute(context.Background(),
		transport.RequestSpec{Method: "GET", URL: "http://target.example.com/"},
		manager.GetProxy("proxy-a"))

	require.NoError(t, err, "重试后应该成功")
	assert.Equal(t, 200, resp.StatusCode, "应该返回最终成功的状态码")
	assert.Equal(t, 2, ft.callCount("proxy-a"), "应该发起两次尝试")

	summary := collector.GetSummary()
	assert.Equal(t, int64(2), summary.TotalAttempts, "指标应该记录两次尝试")
	assert.Equal(t, int64(1), summary.SuccessCount, "指标应该记录一次成功")
	assert.Equal(t, int64(1), summary.SuccessByAttemptIndex[1], "成功应该落在第二次尝试上")

	assert.Equal(t, breaker.StateClosed, registry.Get("proxy-a").State(), "单次失败不应该触发熔断")
}

func TestExecutorBreakerOpensAndFailsOver(t *testing.T) {
	cfg := createTestExecutorConfig("proxy-a", "proxy-b")
	cfg.Breaker.FailureThreshold = 3
	ft := newFakeTransport()
	ft.script("proxy-a", scriptStep{status: 503})
	ft.script("proxy-b", scriptStep{status: 200})

	exec, manager, registry, _ := createTestExecutor(cfg, ft)

	resp, err := exec.Execute(context.Background(),
		transport.RequestSpec{Method: "GET", URL: "http://target.example.com/"},
		manager.GetProxy("proxy-a"))

	require.NoError(t, err, "故障转移后应该成功")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, 3, ft.callCount("proxy-a"), "初始代理应该耗尽全部尝试额度")
	assert.Equal(t, 1, ft.callCount("proxy-b"), "替代代理应该一次成功")

	assert.Equal(t, breaker.StateOpen, registry.Get("proxy-a").State(), "三次失败应该打开熔断器")
	assert.Equal(t, breaker.StateClosed, registry.Get("proxy-b").State())
}

func TestExecutorSkipsOpenBreakerWithoutAttempt(t *testing.T) {
	cfg := createTestExecutorConfig("proxy-a", "proxy-b")
	ft := newFakeTransport()
	ft.script("proxy-a", scriptStep{status: 503})
	ft.script("proxy-b", scriptStep{status: 200})

	exec, manager, registry, collector := createTestExecutor(cfg, ft)

	// 预置proxy-a熔断打开
	cb := registry.Get("proxy-a")
	for i := 0; i < cfg.Breaker.FailureThreshold; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, breaker.StateOpen, cb.State())

	resp, err := exec.Execute(context.Background(),
		transport.RequestSpec{Method: "GET", URL: "http://target.example.com/"},
		manager.GetProxy("proxy-a"))

	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, 0, ft.callCount("proxy-a"), "熔断拒绝不应该消耗真实请求")
	assert.Equal(t, 1, ft.callCount("proxy-b"))

	summary := collector.GetSummary()
	assert.Equal(t, int64(1), summary.TotalAttempts, "熔断拒绝不应该产生尝试记录")
}

func TestExecutorPoolExhausted(t *testing.T) {
	cfg := createTestExecutorConfig("proxy-a")
	ft := newFakeTransport()
	ft.script("proxy-a", scriptStep{err: errors.New("connection refused")})

	exec, manager, _, _ := createTestExecutor(cfg, ft)

	resp, err := exec.Execute(context.Background(),
		transport.RequestSpec{Method: "GET", URL: "http://target.example.com/"},
		manager.GetProxy("proxy-a"))

	require.Error(t, err, "唯一代理失败后应该报池耗尽")
	assert.Nil(t, resp)

	require.True(t, IsPoolExhausted(err), "错误类型应该是池耗尽")
	var exhausted *PoolExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 1, exhausted.ProxiesTried, "只尝试了一个代理")
	assert.ErrorContains(t, exhausted.LastErr, "connection refused", "应该保留最后一次底层错误")
	assert.Equal(t, 3, ft.callCount("proxy-a"), "代理应该在耗尽前重试满额度")
}

func TestExecutorNonIdempotentSingleAttempt(t *testing.T) {
	cfg := createTestExecutorConfig("proxy-a", "proxy-b")
	ft := newFakeTransport()
	ft.script("proxy-a", scriptStep{status: 503})
	ft.script("proxy-b", scriptStep{status: 200})

	exec, manager, _, collector := createTestExecutor(cfg, ft)

	resp, err := exec.Execute(context.Background(),
		transport.RequestSpec{Method: "POST", URL: "http://target.example.com/submit"},
		manager.GetProxy("proxy-a"))

	require.Error(t, err, "非幂等方法失败不应该重试")
	assert.Nil(t, resp)

	require.True(t, IsNonRetryable(err))
	var nonRetryable *NonRetryableError
	require.True(t, errors.As(err, &nonRetryable))
	assert.Equal(t, "proxy-a", nonRetryable.ProxyID)

	assert.Equal(t, 1, ft.callCount("proxy-a"), "POST应该只执行一次")
	assert.Equal(t, 0, ft.callCount("proxy-b"), "非幂等失败不应该故障转移")
	assert.Equal(t, int64(1), collector.GetSummary().TotalAttempts)
}

func TestExecutorNonIdempotentOptIn(t *testing.T) {
	cfg := createTestExecutorConfig("proxy-a")
	cfg.Retry.RetryNonIdempotent = true
	ft := newFakeTransport()
	ft.script("proxy-a",
		scriptStep{status: 503},
		scriptStep{status: 201},
	)

	exec, manager, _, _ := createTestExecutor(cfg, ft)

	resp, err := exec.Execute(context.Background(),
		transport.RequestSpec{Method: "POST", URL: "http://target.example.com/submit"},
		manager.GetProxy("proxy-a"))

	require.NoError(t, err, "显式开启后POST应该可以重试")
	assert.Equal(t, 201, resp.StatusCode)
	assert.Equal(t, 2, ft.callCount("proxy-a"))
}

func TestExecutorTotalTimeoutSkipsBackoff(t *testing.T) {
	cfg := createTestExecutorConfig("proxy-a")
	cfg.Retry.TotalTimeout = 50 * time.Millisecond
	cfg.Retry.BaseDelay = 5 * time.Second
	ft := newFakeTransport()
	ft.script("proxy-a", scriptStep{status: 503})

	exec, manager, _, _ := createTestExecutor(cfg, ft)

	start := time.Now()
	resp, err := exec.Execute(context.Background(),
		transport.RequestSpec{Method: "GET", URL: "http://target.example.com/"},
		manager.GetProxy("proxy-a"))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Nil(t, resp)

	require.True(t, IsTimeoutExhausted(err), "错误类型应该是总超时耗尽")
	var timedOut *TimeoutExhaustedError
	require.True(t, errors.As(err, &timedOut))
	assert.ErrorContains(t, timedOut.LastErr, "503")
	assert.Less(t, elapsed, time.Second, "退避冲破预算时不应该真的等待")
	assert.Equal(t, 1, ft.callCount("proxy-a"), "超时判定后不应该再发起尝试")
}

func TestExecutorPublishesExhaustionOnTotalTimeout(t *testing.T) {
	cfg := createTestExecutorConfig("proxy-a")
	cfg.Retry.TotalTimeout = 50 * time.Millisecond
	cfg.Retry.BaseDelay = 5 * time.Second
	ft := newFakeTransport()
	ft.script("proxy-a", scriptStep{status: 503})

	exec, manager, _, _ := createTestExecutor(cfg, ft)
	bus := &recordingBus{}
	exec.SetEventBus(bus)

	_, err := exec.Execute(context.Background(),
		transport.RequestSpec{Method: "GET", URL: "http://target.example.com/"},
		manager.GetProxy("proxy-a"))
	require.True(t, IsTimeoutExhausted(err))

	exhausted := bus.byType(events.EventRetryExhausted)
	require.Len(t, exhausted, 1, "总超时终止应该发布一条耗尽事件")
	assert.Equal(t, events.PriorityHigh, exhausted[0].Priority)
	assert.Equal(t, "total_timeout", exhausted[0].Data["reason"])
	assert.Equal(t, "proxy-a", exhausted[0].Data["proxy"])
}

func TestExecutorProxyAuthNotRetried(t *testing.T) {
	cfg := createTestExecutorConfig("proxy-a", "proxy-b")
	ft := newFakeTransport()
	ft.script("proxy-a", scriptStep{status: 407})
	ft.script("proxy-b", scriptStep{status: 200})

	exec, manager, _, _ := createTestExecutor(cfg, ft)

	resp, err := exec.Execute(context.Background(),
		transport.RequestSpec{Method: "GET", URL: "http://target.example.com/"},
		manager.GetProxy("proxy-a"))

	require.Error(t, err, "代理认证失败应该立即终止")
	assert.Nil(t, resp)

	require.True(t, IsNonRetryable(err))
	var nonRetryable *NonRetryableError
	require.True(t, errors.As(err, &nonRetryable))
	assert.Equal(t, 407, nonRetryable.StatusCode)
	assert.Equal(t, 1, ft.callCount("proxy-a"))
	assert.Equal(t, 0, ft.callCount("proxy-b"), "认证失败是配置问题，不应该故障转移")
}

func TestExecutorNonRetryableStatusCode(t *testing.T) {
	cfg := createTestExecutorConfig("proxy-a")
	// 500不在可重试集合内
	ft := newFakeTransport()
	ft.script("proxy-a", scriptStep{status: 500})

	exec, manager, _, _ := createTestExecutor(cfg, ft)

	resp, err := exec.Execute(context.Background(),
		transport.RequestSpec{Method: "GET", URL: "http://target.example.com/"},
		manager.GetProxy("proxy-a"))

	require.Error(t, err, "不在可重试集合内的状态码应该直接失败")
	assert.Nil(t, resp)

	require.True(t, IsNonRetryable(err))
	var nonRetryable *NonRetryableError
	require.True(t, errors.As(err, &nonRetryable))
	assert.Equal(t, 500, nonRetryable.StatusCode)
	assert.Equal(t, 1, ft.callCount("proxy-a"))
}

func TestExecutorContextCancellation(t *testing.T) {
	cfg := createTestExecutorConfig("proxy-a")
	cfg.Retry.BaseDelay = 10 * time.Second
	ft := newFakeTransport()
	ft.script("proxy-a", scriptStep{status: 503})

	exec, manager, _, _ := createTestExecutor(cfg, ft)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	resp, err := exec.Execute(ctx,
		transport.RequestSpec{Method: "GET", URL: "http://target.example.com/"},
		manager.GetProxy("proxy-a"))
	elapsed := time.Since(start)

	require.Error(t, err, "取消应该打断退避等待")
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, context.Canceled, "错误链应该包含context.Canceled")
	assert.Less(t, elapsed, time.Second, "不应该等完整个退避周期")
}

func TestExecutorRegionPreferredFailover(t *testing.T) {
	cfg := createTestExecutorConfig("proxy-a", "proxy-remote", "proxy-local")
	cfg.Proxies[2].Region = "us-east"
	ft := newFakeTransport()
	ft.script("proxy-a", scriptStep{status: 503})
	ft.script("proxy-remote", scriptStep{status: 200})
	ft.script("proxy-local", scriptStep{status: 200})

	exec, manager, _, _ := createTestExecutor(cfg, ft)

	resp, err := exec.Execute(context.Background(),
		transport.RequestSpec{Method: "GET", URL: "http://target.example.com/", TargetRegion: "us-east"},
		manager.GetProxy("proxy-a"))

	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, 1, ft.callCount("proxy-local"), "同区域代理应该优先被选中")
	assert.Equal(t, 0, ft.callCount("proxy-remote"))
}

func TestExecutorConcurrentReloadAndExecute(t *testing.T) {
	cfg := createTestExecutorConfig("proxy-a")
	ft := newFakeTransport()
	ft.script("proxy-a", scriptStep{status: 200})

	exec, manager, _, _ := createTestExecutor(cfg, ft)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			next := createTestExecutorConfig("proxy-a")
			next.Retry.MaxAttempts = 2 + i%4
			exec.UpdateConfig(next)
			manager.UpdateConfig(next)
		}
	}()

	// 热更新期间进来的请求沿用某一份完整的策略快照
	for i := 0; i < 100; i++ {
		resp, err := exec.Execute(context.Background(),
			transport.RequestSpec{Method: "GET", URL: "http://target.example.com/"},
			manager.GetProxy("proxy-a"))
		require.NoError(t, err, "热更新不应影响在途请求")
		assert.Equal(t, 200, resp.StatusCode)
	}
	wg.Wait()
}
