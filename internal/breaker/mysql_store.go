package breaker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"proxy-rotator/config"

	_ "github.com/go-sql-driver/mysql"
)

const mysqlSchema = `CREATE TABLE IF NOT EXISTS breaker_snapshots (
	proxy_id VARCHAR(255) NOT NULL PRIMARY KEY,
	state VARCHAR(16) NOT NULL DEFAULT 'CLOSED',
	failure_times TEXT NOT NULL,
	next_test_time VARCHAR(64),
	last_state_change VARCHAR(64),
	updated_at VARCHAR(64) NOT NULL,
	INDEX idx_breaker_snapshots_state (state)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`

// MySQLStore 基于MySQL的熔断器快照存储
type MySQLStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewMySQLStore 创建并初始化MySQL快照存储
func NewMySQLStore(cfg *config.PersistenceConfig) (*MySQLStore, error) {
	dsn, err := buildMySQLDSN(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build DSN: %w", err)
	}

	logger := slog.Default()
	logger.Info("正在连接MySQL数据库",
		"host", cfg.Host,
		"database", cfg.Database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	// 设置连接池参数
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping MySQL database: %w", err)
	}

	store := &MySQLStore{
		db:     db,
		logger: logger,
	}

	if _, err := db.ExecContext(ctx, mysqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize MySQL schema: %w", err)
	}

	logger.Info("✅ 熔断器MySQL存储初始化完成",
		"max_open_conns", cfg.MaxOpenConns,
		"max_idle_conns", cfg.MaxIdleConns)
	return store, nil
}

// buildMySQLDSN 构建MySQL连接字符串
func buildMySQLDSN(cfg *config.PersistenceConfig) (string, error) {
	if cfg.Host == "" {
		return "", fmt.Errorf("MySQL host is required")
	}
	if cfg.Database == "" {
		return "", fmt.Errorf("MySQL database name is required")
	}
	if cfg.Username == "" {
		return "", fmt.Errorf("MySQL username is required")
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s",
		cfg.Username,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database)

	params := url.Values{}
	params.Add("charset", cfg.Charset)
	params.Add("parseTime", "true")
	params.Add("timeout", "30s")
	params.Add("readTimeout", "30s")
	params.Add("writeTimeout", "30s")
	if cfg.Timezone != "" {
		params.Add("loc", cfg.Timezone)
	}

	return dsn + "?" + params.Encode(), nil
}

// Save 写入或覆盖代理快照
func (m *MySQLStore) Save(ctx context.Context, proxyID string, snapshot Snapshot) error {
	failureTimes, err := json.Marshal(snapshot.FailureTimes)
	if err != nil {
		return fmt.Errorf("failed to marshal failure times: %w", err)
	}

	query := `INSERT INTO breaker_snapshots
		(proxy_id, state, failure_times, next_test_time, last_state_change, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
		state = VALUES(state),
		failure_times = VALUES(failure_times),
		next_test_time = VALUES(next_test_time),
		last_state_change = VALUES(last_state_change),
		updated_at = VALUES(updated_at)`

	_, err = m.db.ExecContext(ctx, query,
		proxyID,
		snapshot.State.String(),
		string(failureTimes),
		formatTime(snapshot.NextTestTime),
		formatTime(snapshot.LastStateChange),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save breaker snapshot: %w", err)
	}
	return nil
}

// Load 读取代理快照
func (m *MySQLStore) Load(ctx context.Context, proxyID string) (Snapshot, bool, error) {
	query := `SELECT proxy_id, state, failure_times, next_test_time, last_state_change
		FROM breaker_snapshots WHERE proxy_id = ?`

	snapshot, err := scanSnapshot(m.db.QueryRowContext(ctx, query, proxyID))
	if err == sql.ErrNoRows {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to load breaker snapshot: %w", err)
	}
	return snapshot, true, nil
}

// LoadAll 读取所有快照
func (m *MySQLStore) LoadAll(ctx context.Context) ([]Snapshot, error) {
	query := `SELECT proxy_id, state, failure_times, next_test_time, last_state_change
		FROM breaker_snapshots`

	rows, err := m.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load breaker snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []Snapshot
	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan breaker snapshot: %w", err)
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, rows.Err()
}

// Close 关闭数据库连接
func (m *MySQLStore) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
