package breaker

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"proxy-rotator/config"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var sqliteSchemaFS embed.FS

// SQLiteStore 基于SQLite的熔断器快照存储
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore 创建并初始化SQLite快照存储
func NewSQLiteStore(cfg *config.PersistenceConfig) (*SQLiteStore, error) {
	dbPath := cfg.Path
	if dbPath == "" {
		dbPath = "data/breakers.db"
	}

	// 确保数据库目录存在
	if dbPath != ":memory:" {
		dbDir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := dbPath + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=60000"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// SQLite写操作需要单一连接
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		logger: slog.Default(),
	}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store.logger.Info("✅ 熔断器SQLite存储初始化完成", "path", dbPath)
	return store, nil
}

// initSchema 初始化数据库Schema
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema, err := sqliteSchemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema.sql: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// Save 写入或覆盖代理快照
func (s *SQLiteStore) Save(ctx context.Context, proxyID string, snapshot Snapshot) error {
	failureTimes, err := json.Marshal(snapshot.FailureTimes)
	if err != nil {
		return fmt.Errorf("failed to marshal failure times: %w", err)
	}

	query := `INSERT INTO breaker_snapshots
		(proxy_id, state, failure_times, next_test_time, last_state_change, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(proxy_id) DO UPDATE SET
		state = EXCLUDED.state,
		failure_times = EXCLUDED.failure_times,
		next_test_time = EXCLUDED.next_test_time,
		last_state_change = EXCLUDED.last_state_change,
		updated_at = EXCLUDED.updated_at`

	_, err = s.db.ExecContext(ctx, query,
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
func (s *SQLiteStore) Load(ctx context.Context, proxyID string) (Snapshot, bool, error) {
	query := `SELECT proxy_id, state, failure_times, next_test_time, last_state_change
		FROM breaker_snapshots WHERE proxy_id = ?`

	snapshot, err := scanSnapshot(s.db.QueryRowContext(ctx, query, proxyID))
	if err == sql.ErrNoRows {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to load breaker snapshot: %w", err)
	}
	return snapshot, true, nil
}

// LoadAll 读取所有快照
func (s *SQLiteStore) LoadAll(ctx context.Context) ([]Snapshot, error) {
	query := `SELECT proxy_id, state, failure_times, next_test_time, last_state_change
		FROM breaker_snapshots`

	rows, err := s.db.QueryContext(ctx, query)
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
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// rowScanner 兼容 *sql.Row 和 *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// scanSnapshot 从查询结果构建快照
func scanSnapshot(row rowScanner) (Snapshot, error) {
	var snapshot Snapshot
	var stateStr, failureTimesStr string
	var nextTestStr, lastChangeStr sql.NullString

	if err := row.Scan(&snapshot.ProxyID, &stateStr, &failureTimesStr, &nextTestStr, &lastChangeStr); err != nil {
		return Snapshot{}, err
	}

	snapshot.State = parseState(stateStr)
	if err := json.Unmarshal([]byte(failureTimesStr), &snapshot.FailureTimes); err != nil {
		return Snapshot{}, fmt.Errorf("failed to unmarshal failure times: %w", err)
	}
	snapshot.NextTestTime = parseTime(nextTestStr)
	snapshot.LastStateChange = parseTime(lastChangeStr)

	return snapshot, nil
}

// parseState 反序列化状态字符串，未知值按CLOSED处理
func parseState(s string) State {
	switch s {
	case "OPEN":
		return StateOpen
	case "HALF_OPEN":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
