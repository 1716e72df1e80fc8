package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"JornadaAgent/internal/events"
)

// PgxConfig PostgreSQL连接池配置
type PgxConfig struct {
	DSN               string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// DefaultPgxConfig 默认连接池配置
func DefaultPgxConfig(dsn string) PgxConfig {
	return PgxConfig{
		DSN:               dsn,
		MaxConns:          25,
		MinConns:          2,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		HealthCheckPeriod: time.Minute,
	}
}

// PgxRepository 基于PostgreSQL的会话与事件存储。
// 事件以JSON（非JSONB）保存，保留原始字节。
type PgxRepository struct {
	pool *pgxpool.Pool
}

var pgxMigrations = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id          TEXT PRIMARY KEY,
		client_id   TEXT NOT NULL DEFAULT '',
		user_id     TEXT NOT NULL DEFAULT '',
		user_email  TEXT NOT NULL DEFAULT '',
		user_name   TEXT NOT NULL DEFAULT '',
		meta        JSON,
		user_agent  TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`ALTER TABLE sessions
		ADD COLUMN IF NOT EXISTS browser_name    TEXT NOT NULL DEFAULT '',
		ADD COLUMN IF NOT EXISTS browser_version TEXT NOT NULL DEFAULT '',
		ADD COLUMN IF NOT EXISTS os_name         TEXT NOT NULL DEFAULT '',
		ADD COLUMN IF NOT EXISTS os_version      TEXT NOT NULL DEFAULT '',
		ADD COLUMN IF NOT EXISTS device          TEXT NOT NULL DEFAULT ''`,
	`CREATE INDEX IF NOT EXISTS sessions_updated_at_idx ON sessions (updated_at)`,
	`CREATE TABLE IF NOT EXISTS events (
		session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq         BIGINT NOT NULL,
		payload     JSON NOT NULL,
		PRIMARY KEY (session_id, seq)
	)`,
}

// ConnectPgx 连接PostgreSQL并执行建表
func ConnectPgx(ctx context.Context, cfg PgxConfig) (*PgxRepository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckPeriod > 0 {
		poolConfig.HealthCheckPeriod = cfg.HealthCheckPeriod
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	for _, stmt := range pgxMigrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	return &PgxRepository{pool: pool}, nil
}

func (r *PgxRepository) SaveSession(ctx context.Context, s Session) (bool, error) {
	meta, err := json.Marshal(s.Meta)
	if err != nil {
		return false, fmt.Errorf("encode meta: %w", err)
	}

	var inserted bool
	err = r.pool.QueryRow(ctx, `
		INSERT INTO sessions (id, client_id, user_id, user_email, user_name, meta, user_agent,
			browser_name, browser_version, os_name, os_version, device, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			client_id       = EXCLUDED.client_id,
			user_id         = EXCLUDED.user_id,
			user_email      = EXCLUDED.user_email,
			user_name       = EXCLUDED.user_name,
			meta            = EXCLUDED.meta,
			user_agent      = EXCLUDED.user_agent,
			browser_name    = EXCLUDED.browser_name,
			browser_version = EXCLUDED.browser_version,
			os_name         = EXCLUDED.os_name,
			os_version      = EXCLUDED.os_version,
			device          = EXCLUDED.device,
			updated_at      = EXCLUDED.updated_at
		RETURNING (xmax = 0)`,
		s.ID, s.ClientTag, s.User.ID, s.User.Email, s.User.Name, string(meta), s.UserAgent,
		s.Browser.Name, s.Browser.Version, s.OS.Name, s.OS.Version, s.Device, s.CreatedAt, s.UpdatedAt,
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("save session %s: %w", s.ID, err)
	}
	return inserted, nil
}

const selectSession = `SELECT id, client_id, user_id, user_email, user_name, meta, user_agent,
	browser_name, browser_version, os_name, os_version, device, created_at, updated_at FROM sessions`

func scanSession(row pgx.Row) (Session, error) {
	var (
		s    Session
		meta []byte
	)
	err := row.Scan(&s.ID, &s.ClientTag, &s.User.ID, &s.User.Email, &s.User.Name, &meta, &s.UserAgent,
		&s.Browser.Name, &s.Browser.Version, &s.OS.Name, &s.OS.Version, &s.Device, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return Session{}, err
	}
	if len(meta) > 0 && string(meta) != "null" {
		if err := json.Unmarshal(meta, &s.Meta); err != nil {
			return Session{}, fmt.Errorf("decode meta: %w", err)
		}
	}
	return s, nil
}

func (r *PgxRepository) GetSession(ctx context.Context, id string) (Session, error) {
	s, err := scanSession(r.pool.QueryRow(ctx, selectSession+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return s, nil
}

// ListSessions 检索条件转换为参数化WHERE子句
func (r *PgxRepository) ListSessions(ctx context.Context, opts ListOptions) ([]Session, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	where, args, err := opts.Query.SQL(sessionColumn, 2)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	query := selectSession
	if where != "" {
		query += ` WHERE ` + where
	}
	args = append([]any{limit, max(opts.Offset, 0)}, args...)

	rows, err := r.pool.Query(ctx, query+` ORDER BY updated_at DESC, id LIMIT $1 OFFSET $2`, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := []Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PgxRepository) DeleteSession(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete sessions: %w", err)
	}
	return nil
}

// AppendEvents 在事务内分配连续序号，锁住会话行保证并发追加有序
func (r *PgxRepository) AppendEvents(ctx context.Context, id string, records ...events.Record) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked string
	err = tx.QueryRow(ctx, `SELECT id FROM sessions WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("lock session %s: %w", id, err)
	}

	var last int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = $1`, id).Scan(&last); err != nil {
		return fmt.Errorf("read last sequence: %w", err)
	}

	batch := &pgx.Batch{}
	for i, rec := range records {
		batch.Queue(`INSERT INTO events (session_id, seq, payload) VALUES ($1, $2, $3)`, id, last+int64(i)+1, string(rec))
	}
	batch.Queue(`UPDATE sessions SET updated_at = $2 WHERE id = $1`, id, time.Now().UTC())

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert events: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *PgxRepository) Events(ctx context.Context, id string) ([]events.Record, error) {
	if _, err := r.GetSession(ctx, id); err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `SELECT payload FROM events WHERE session_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	out := []events.Record{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("read events: %w", err)
		}
		out = append(out, events.Record(payload))
	}
	return out, rows.Err()
}

func (r *PgxRepository) SessionsUpdatedBefore(ctx context.Context, t time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM sessions WHERE updated_at < $1 ORDER BY id`, t)
	if err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Stat 连接池统计
func (r *PgxRepository) Stat() *pgxpool.Stat {
	return r.pool.Stat()
}

func (r *PgxRepository) Close() error {
	r.pool.Close()
	return nil
}

var _ Repository = (*PgxRepository)(nil)
var _ Repository = (*MemoryRepository)(nil)
