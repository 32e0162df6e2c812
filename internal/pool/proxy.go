package pool

import (
	"sync"
	"time"

	"proxy-rotator/config"
)

// ProxyStatus 代理的健康状态
type ProxyStatus struct {
	Healthy          bool
	LastCheck        time.Time
	ResponseTime     time.Duration
	ConsecutiveFails int
	NeverChecked     bool // 表示从未被检测过
}

// Stats 用于打分的只读统计快照
// NormalizedLatency相对池内观测到的最大平均延迟归一化到[0,1]
type Stats struct {
	ProxyID           string  `json:"proxy_id"`
	SuccessRate       float64 `json:"success_rate"`
	NormalizedLatency float64 `json:"normalized_latency"`
	Region            string  `json:"region,omitempty"`
	Attempts          int64   `json:"attempts"`
}

// Proxy 一个代理实例及其配置、健康状态和请求统计
type Proxy struct {
	// name在构造后不变，ID()无需持锁（热更新同名代理时统计保留）
	name string

	Config config.ProxyConfig
	Status ProxyStatus

	mutex sync.RWMutex

	// 请求统计（打分用），与健康检查结果相互独立
	attempts     int64
	successes    int64
	totalLatency time.Duration
}

// ID 返回代理标识（熔断器和指标以此为键）
func (p *Proxy) ID() string {
	return p.name
}

// GetConfig 返回配置副本，与热更新的配置替换互斥
func (p *Proxy) GetConfig() config.ProxyConfig {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.Config
}

// IsHealthy 返回健康检查结论
func (p *Proxy) IsHealthy() bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.Status.Healthy
}

// GetStatus 返回状态副本
func (p *Proxy) GetStatus() ProxyStatus {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.Status
}

// RecordResult 记录一次经由该代理的请求结果
func (p *Proxy) RecordResult(success bool, latency time.Duration) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.attempts++
	if success {
		p.successes++
	}
	p.totalLatency += latency
}

// successRate 无任何样本时乐观地返回1.0，让新代理有机会被选中
func (p *Proxy) successRate() float64 {
	if p.attempts == 0 {
		return 1.0
	}
	return float64(p.successes) / float64(p.attempts)
}

// avgLatency 平均请求延迟，无样本时为0
func (p *Proxy) avgLatency() time.Duration {
	if p.attempts == 0 {
		return 0
	}
	return p.totalLatency / time.Duration(p.attempts)
}
