package breaker

import (
	"context"
	"fmt"

	"proxy-rotator/config"
)

// Store 熔断器快照的持久化接口
// 注入式设计：熔断器核心不感知存储实现，存储失败只影响重启后的恢复能力
type Store interface {
	// Save 写入或覆盖代理的快照
	Save(ctx context.Context, proxyID string, snapshot Snapshot) error

	// Load 读取代理的快照，第二个返回值表示是否存在
	Load(ctx context.Context, proxyID string) (Snapshot, bool, error)

	// LoadAll 读取所有快照（启动时批量恢复用）
	LoadAll(ctx context.Context) ([]Snapshot, error)

	// Close 释放底层资源
	Close() error
}

// NoopStore 空实现，持久化未启用时使用
type NoopStore struct{}

func (NoopStore) Save(ctx context.Context, proxyID string, snapshot Snapshot) error {
	return nil
}

func (NoopStore) Load(ctx context.Context, proxyID string) (Snapshot, bool, error) {
	return Snapshot{}, false, nil
}

func (NoopStore) LoadAll(ctx context.Context) ([]Snapshot, error) {
	return nil, nil
}

func (NoopStore) Close() error {
	return nil
}

// NewStore 根据持久化配置创建对应的存储实现
func NewStore(cfg *config.PersistenceConfig) (Store, error) {
	if cfg == nil || cfg.Type == "none" {
		return NoopStore{}, nil
	}

	switch cfg.Type {
	case "sqlite":
		return NewSQLiteStore(cfg)
	case "mysql":
		return NewMySQLStore(cfg)
	default:
		return nil, fmt.Errorf("unsupported persistence type: %s", cfg.Type)
	}
}
