package pool

import (
	"fmt"
	"log/slog"

	"proxy-rotator/internal/breaker"
)

// 打分权重：成功率占主导，延迟次之，区域匹配为固定加分
const (
	successRateWeight = 0.7
	latencyWeight     = 0.3
	regionBonus       = 0.1
)

// BreakerGate 打分时需要的熔断器查询能力
type BreakerGate interface {
	Get(proxyID string) *breaker.CircuitBreaker
}

// SelectReplacement 为故障转移挑选替代代理
// 排除刚失败的代理、OPEN熔断的代理以及探测权已被占用的HALF_OPEN代理；
// 得分最高者胜出，同分按池内顺序取先出现者，保证同一快照下选择确定；
// 无可用候选返回nil，由调用方决定是否上抛池耗尽错误
func SelectReplacement(candidates []*Proxy, excludedID string, gate BreakerGate, targetRegion string) *Proxy {
	var eligible []*Proxy
	for _, p := range candidates {
		if p.ID() == excludedID {
			continue
		}
		cb := gate.Get(p.ID())
		switch cb.State() {
		case breaker.StateOpen:
			continue
		case breaker.StateHalfOpen:
			if cb.ProbeInFlight() {
				continue
			}
		}
		eligible = append(eligible, p)
	}

	if len(eligible) == 0 {
		return nil
	}

	stats := buildStats(eligible)

	var best *Proxy
	bestScore := -1.0
	for i, p := range eligible {
		score := scoreProxy(stats[i], targetRegion)
		slog.Debug(fmt.Sprintf("📊 [代理打分] %s - 得分: %.3f (成功率: %.2f, 归一化延迟: %.2f, 区域: %s)",
			p.ID(), score, stats[i].SuccessRate, stats[i].NormalizedLatency, stats[i].Region))
		if score > bestScore {
			best = p
			bestScore = score
		}
	}

	slog.Info(fmt.Sprintf("🔀 [故障转移] 选择替代代理: %s (得分: %.3f, 候选: %d个)",
		best.ID(), bestScore, len(eligible)))
	return best
}

// scoreProxy 计算单个候选的得分
// 区域加分不参与归一化，区域匹配可以反超略优的非区域候选
func scoreProxy(s Stats, targetRegion string) float64 {
	score := successRateWeight*s.SuccessRate + latencyWeight*(1-s.NormalizedLatency)
	if targetRegion != "" && s.Region == targetRegion {
		score += regionBonus
	}
	return score
}

// buildStats 构建候选集合的统计快照，延迟相对集合内最大平均延迟归一化
func buildStats(proxies []*Proxy) []Stats {
	avgs := make([]int64, len(proxies))
	var maxAvg int64
	stats := make([]Stats, len(proxies))

	for i, p := range proxies {
		p.mutex.RLock()
		stats[i] = Stats{
			ProxyID:     p.ID(),
			SuccessRate: p.successRate(),
			Region:      p.Config.Region,
			Attempts:    p.attempts,
		}
		avgs[i] = p.avgLatency().Milliseconds()
		p.mutex.RUnlock()

		if avgs[i] > maxAvg {
			maxAvg = avgs[i]
		}
	}

	if maxAvg > 0 {
		for i := range stats {
			stats[i].NormalizedLatency = float64(avgs[i]) / float64(maxAvg)
		}
	}
	return stats
}
