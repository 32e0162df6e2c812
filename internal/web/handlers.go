package web

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// handleHealth处理健康检查
func (ws *WebServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, map[string]interface{}{
		"status":     "running",
		"uptime":     formatUptime(time.Since(ws.startTime)),
		"start_time": ws.startTime.Format("2006-01-02 15:04:05"),
	})
}

// handleRetrySummary处理重试总览API
func (ws *WebServer) handleRetrySummary(c *gin.Context) {
	c.JSON(http.StatusOK, ws.metrics.GetSummary())
}

// handleRetryTimeseries处理按小时时间序列API
func (ws *WebServer) handleRetryTimeseries(c *gin.Context) {
	hours := parseWindowHours(c, 24)
	c.JSON(http.StatusOK, map[string]interface{}{
		"window_hours": hours,
		"points":       ws.metrics.GetTimeseries(hours),
	})
}

// handleRetryByProxy处理按代理聚合API
func (ws *WebServer) handleRetryByProxy(c *gin.Context) {
	hours := parseWindowHours(c, 24)
	c.JSON(http.StatusOK, map[string]interface{}{
		"window_hours": hours,
		"proxies":      ws.metrics.GetByProxy(hours),
	})
}

// handleRetryEvents处理熔断器迁移事件API
func (ws *WebServer) handleRetryEvents(c *gin.Context) {
	events := ws.metrics.GetRecentBreakerEvents()
	eventData := make([]map[string]interface{}, 0, len(events))
	for _, ev := range events {
		eventData = append(eventData, map[string]interface{}{
			"proxy_id":      ev.ProxyID,
			"timestamp":     ev.Timestamp.Format("2006-01-02 15:04:05"),
			"from":          ev.From.String(),
			"to":            ev.To.String(),
			"failure_count": ev.FailureCount,
		})
	}
	c.JSON(http.StatusOK, map[string]interface{}{
		"events": eventData,
		"total":  len(eventData),
	})
}

// handleBreakers处理熔断器列表API
func (ws *WebServer) handleBreakers(c *gin.Context) {
	states := ws.breakers.AllStates()
	breakerData := make([]map[string]interface{}, 0, len(states))
	for proxyID, state := range states {
		breakerData = append(breakerData, map[string]interface{}{
			"proxy_id": proxyID,
			"state":    state.String(),
		})
	}
	c.JSON(http.StatusOK, map[string]interface{}{
		"breakers": breakerData,
		"total":    len(breakerData),
	})
}

// handleBreakerDetail处理单个熔断器详情API
func (ws *WebServer) handleBreakerDetail(c *gin.Context) {
	proxyID := c.Param("proxy")
	if _, ok := ws.breakers.AllStates()[proxyID]; !ok {
		c.JSON(http.StatusNotFound, map[string]interface{}{
			"error": fmt.Sprintf("breaker for proxy %s not found", proxyID),
		})
		return
	}

	snapshot := ws.breakers.Get(proxyID).Snapshot()
	c.JSON(http.StatusOK, map[string]interface{}{
		"proxy_id":          snapshot.ProxyID,
		"state":             snapshot.State.String(),
		"failure_count":     len(snapshot.FailureTimes),
		"next_test_time":    formatOptionalTime(snapshot.NextTestTime),
		"last_state_change": formatOptionalTime(snapshot.LastStateChange),
	})
}

// handleBreakerReset处理手动重置熔断器API
func (ws *WebServer) handleBreakerReset(c *gin.Context) {
	proxyID := c.Param("proxy")
	if err := ws.breakers.Reset(proxyID); err != nil {
		c.JSON(http.StatusNotFound, map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	ws.logger.Info(fmt.Sprintf("🔧 [手动重置] 熔断器已重置 - 代理: %s", proxyID))
	c.JSON(http.StatusOK, map[string]interface{}{
		"proxy_id": proxyID,
		"state":    ws.breakers.GetState(proxyID).String(),
	})
}

// handleProxies处理代理池API
func (ws *WebServer) handleProxies(c *gin.Context) {
	proxies := ws.pool.GetAllProxies()
	stats := make(map[string]float64, len(proxies))
	for _, s := range ws.pool.StatsSnapshot() {
		stats[s.ProxyID] = s.SuccessRate
	}

	proxyData := make([]map[string]interface{}, 0, len(proxies))
	for _, p := range proxies {
		status := p.GetStatus()
		proxyCfg := p.GetConfig()
		proxyData = append(proxyData, map[string]interface{}{
			"name":              proxyCfg.Name,
			"url":               proxyCfg.URL,
			"type":              proxyCfg.Type,
			"region":            proxyCfg.Region,
			"healthy":           status.Healthy,
			"never_checked":     status.NeverChecked,
			"last_check":        formatOptionalTime(status.LastCheck),
			"response_time":     formatResponseTime(status.ResponseTime),
			"consecutive_fails": status.ConsecutiveFails,
			"success_rate":      stats[p.ID()],
			"breaker_state":     ws.breakers.GetState(p.ID()).String(),
		})
	}

	c.JSON(http.StatusOK, map[string]interface{}{
		"proxies": proxyData,
		"total":   len(proxyData),
	})
}

// parseWindowHours解析hours查询参数，非法值回退到默认窗口
func parseWindowHours(c *gin.Context, defaultHours int) int {
	raw := c.Query("hours")
	if raw == "" {
		return defaultHours
	}
	hours, err := strconv.Atoi(raw)
	if err != nil || hours <= 0 {
		return defaultHours
	}
	return hours
}

// formatUptime格式化运行时间
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%d天%d小时%d分钟", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%d小时%d分钟", hours, minutes)
	}
	return fmt.Sprintf("%d分钟", minutes)
}

// formatResponseTime格式化响应时间
func formatResponseTime(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}

// formatOptionalTime零值时间显示为"-"
func formatOptionalTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}
