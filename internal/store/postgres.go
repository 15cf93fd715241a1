// Package store — PostgreSQL Store implementation backed by pgx.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/opshalo/opshalo/pkg/models"
	"github.com/rs/zerolog/log"
)

// PostgresStore implements Store on top of a pgx connection pool.
// Turns live in their own table with a serial sequence column, so the
// conversation order is the insertion order by construction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres and creates the schema if needed.
func NewPostgresStore(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Msg("Postgres store initialized")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS oh_instances (
			id                   TEXT PRIMARY KEY,
			tenant_id            TEXT NOT NULL,
			agent_type           TEXT NOT NULL,
			config               JSONB NOT NULL DEFAULT '{}',
			status               TEXT NOT NULL,
			credential_hash      TEXT NOT NULL,
			credential_encrypted BYTEA NOT NULL,
			created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_used_at         TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_oh_instances_tenant ON oh_instances (tenant_id, agent_type);

		CREATE TABLE IF NOT EXISTS oh_threads (
			id         TEXT PRIMARY KEY,
			tenant_id  TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_oh_threads_owner ON oh_threads (tenant_id, user_id);
		CREATE INDEX IF NOT EXISTS idx_oh_threads_updated ON oh_threads (updated_at);

		CREATE TABLE IF NOT EXISTS oh_turns (
			seq        BIGSERIAL PRIMARY KEY,
			thread_id  TEXT NOT NULL REFERENCES oh_threads(id) ON DELETE CASCADE,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_oh_turns_thread ON oh_turns (thread_id, seq);

		CREATE TABLE IF NOT EXISTS oh_work_items (
			id              TEXT PRIMARY KEY,
			tenant_id       TEXT NOT NULL,
			user_id         TEXT NOT NULL,
			thread_id       TEXT NOT NULL DEFAULT '',
			action_type     TEXT NOT NULL,
			subject         TEXT NOT NULL,
			description     TEXT NOT NULL,
			severity        TEXT NOT NULL,
			status          TEXT NOT NULL,
			idempotency_key TEXT NOT NULL DEFAULT '',
			payload         JSONB NOT NULL DEFAULT '{}',
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_oh_work_items_key
			ON oh_work_items (idempotency_key) WHERE idempotency_key <> '';
		CREATE INDEX IF NOT EXISTS idx_oh_work_items_tenant ON oh_work_items (tenant_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS oh_audit (
			id          TEXT PRIMARY KEY,
			ts          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			tenant_id   TEXT NOT NULL,
			actor       TEXT NOT NULL,
			action      TEXT NOT NULL,
			resource    TEXT NOT NULL,
			resource_id TEXT NOT NULL DEFAULT '',
			outcome     TEXT NOT NULL,
			detail      JSONB NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_oh_audit_tenant ON oh_audit (tenant_id, ts DESC);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ── Instances ───────────────────────────────────────────────

const instanceCols = `id, tenant_id, agent_type, config, status, credential_hash,
	credential_encrypted, created_at, updated_at, last_used_at`

func scanInstance(row pgx.Row) (*models.AgentInstance, error) {
	var inst models.AgentInstance
	var cfg []byte
	err := row.Scan(&inst.ID, &inst.TenantID, &inst.AgentType, &cfg, &inst.Status,
		&inst.CredentialHash, &inst.CredentialEncrypted, &inst.CreatedAt, &inst.UpdatedAt, &inst.LastUsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("instance: %w", models.ErrNotFound)
		}
		return nil, err
	}
	if err := json.Unmarshal(cfg, &inst.Config); err != nil {
		return nil, fmt.Errorf("instance config decode: %w", err)
	}
	return &inst, nil
}

func (s *PostgresStore) GetInstance(ctx context.Context, id string) (*models.AgentInstance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+instanceCols+` FROM oh_instances WHERE id = $1`, id)
	return scanInstance(row)
}

func (s *PostgresStore) GetActiveInstance(ctx context.Context, tenantID, agentType string) (*models.AgentInstance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+instanceCols+` FROM oh_instances
		WHERE tenant_id = $1 AND agent_type = $2 AND status <> $3
		ORDER BY created_at LIMIT 1`, tenantID, agentType, models.InstanceDisabled)
	return scanInstance(row)
}

func (s *PostgresStore) ListInstances(ctx context.Context, tenantID string) ([]models.AgentInstance, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+instanceCols+` FROM oh_instances
		WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.AgentInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *inst)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CreateInstance(ctx context.Context, inst *models.AgentInstance) error {
	cfg, err := json.Marshal(inst.Config)
	if err != nil {
		return fmt.Errorf("instance config encode: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO oh_instances
		(id, tenant_id, agent_type, config, status, credential_hash, credential_encrypted, created_at, updated_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		inst.ID, inst.TenantID, inst.AgentType, cfg, inst.Status,
		inst.CredentialHash, inst.CredentialEncrypted, inst.CreatedAt, inst.UpdatedAt, inst.LastUsedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("instance %s already exists: %w", inst.ID, models.ErrConflict)
	}
	return err
}

func (s *PostgresStore) UpdateInstance(ctx context.Context, inst *models.AgentInstance) error {
	cfg, err := json.Marshal(inst.Config)
	if err != nil {
		return fmt.Errorf("instance config encode: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE oh_instances SET
		config = $2, status = $3, credential_hash = $4, credential_encrypted = $5,
		updated_at = NOW(), last_used_at = $6
		WHERE id = $1`,
		inst.ID, cfg, inst.Status, inst.CredentialHash, inst.CredentialEncrypted, inst.LastUsedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("instance %s: %w", inst.ID, models.ErrNotFound)
	}
	return nil
}

// ── Threads ─────────────────────────────────────────────────

func (s *PostgresStore) GetThread(ctx context.Context, id string) (*models.ConversationThread, error) {
	var t models.ConversationThread
	err := s.pool.QueryRow(ctx, `SELECT id, tenant_id, user_id, created_at, updated_at
		FROM oh_threads WHERE id = $1`, id).
		Scan(&t.ID, &t.TenantID, &t.UserID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("thread %s: %w", id, models.ErrNotFound)
		}
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `SELECT role, content, created_at
		FROM oh_turns WHERE thread_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var turn models.Turn
		if err := rows.Scan(&turn.Role, &turn.Content, &turn.CreatedAt); err != nil {
			return nil, err
		}
		t.Turns = append(t.Turns, turn)
	}
	return &t, rows.Err()
}

func (s *PostgresStore) CreateThread(ctx context.Context, thread *models.ConversationThread) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO oh_threads (id, tenant_id, user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		thread.ID, thread.TenantID, thread.UserID, thread.CreatedAt, thread.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("thread %s already exists: %w", thread.ID, models.ErrConflict)
	}
	return err
}

func (s *PostgresStore) AppendTurn(ctx context.Context, threadID string, turn models.Turn) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE oh_threads SET updated_at = NOW() WHERE id = $1`, threadID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("thread %s: %w", threadID, models.ErrNotFound)
	}
	_, err = tx.Exec(ctx, `INSERT INTO oh_turns (thread_id, role, content, created_at)
		VALUES ($1, $2, $3, $4)`, threadID, turn.Role, turn.Content, turn.CreatedAt)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) DeleteThread(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM oh_threads WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("thread %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListThreads(ctx context.Context, tenantID, userID string) ([]models.ConversationThread, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, tenant_id, user_id, created_at, updated_at
		FROM oh_threads WHERE tenant_id = $1 AND ($2 = '' OR user_id = $2)
		ORDER BY updated_at DESC`, tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanThreadRows(rows)
}

func (s *PostgresStore) ListIdleThreads(ctx context.Context, cutoff time.Time) ([]models.ConversationThread, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, tenant_id, user_id, created_at, updated_at
		FROM oh_threads WHERE updated_at < $1`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanThreadRows(rows)
}

func scanThreadRows(rows pgx.Rows) ([]models.ConversationThread, error) {
	var result []models.ConversationThread
	for rows.Next() {
		var t models.ConversationThread
		if err := rows.Scan(&t.ID, &t.TenantID, &t.UserID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// ── Work Items ──────────────────────────────────────────────

const workItemCols = `id, tenant_id, user_id, thread_id, action_type, subject,
	description, severity, status, idempotency_key, payload, created_at, updated_at`

func scanWorkItem(row pgx.Row) (*models.WorkItem, error) {
	var item models.WorkItem
	var payload []byte
	err := row.Scan(&item.ID, &item.TenantID, &item.UserID, &item.ThreadID, &item.ActionType,
		&item.Subject, &item.Description, &item.Severity, &item.Status,
		&item.IdempotencyKey, &payload, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("work item: %w", models.ErrNotFound)
		}
		return nil, err
	}
	if err := json.Unmarshal(payload, &item.Payload); err != nil {
		return nil, fmt.Errorf("work item payload decode: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) GetWorkItem(ctx context.Context, id string) (*models.WorkItem, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+workItemCols+` FROM oh_work_items WHERE id = $1`, id)
	return scanWorkItem(row)
}

func (s *PostgresStore) GetWorkItemByKey(ctx context.Context, key string) (*models.WorkItem, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+workItemCols+` FROM oh_work_items WHERE idempotency_key = $1`, key)
	return scanWorkItem(row)
}

func (s *PostgresStore) CreateWorkItem(ctx context.Context, item *models.WorkItem) error {
	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return fmt.Errorf("work item payload encode: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO oh_work_items
		(id, tenant_id, user_id, thread_id, action_type, subject, description, severity, status, idempotency_key, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		item.ID, item.TenantID, item.UserID, item.ThreadID, item.ActionType, item.Subject,
		item.Description, item.Severity, item.Status, item.IdempotencyKey, payload,
		item.CreatedAt, item.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("duplicate work item: %w", models.ErrConflict)
	}
	return err
}

func (s *PostgresStore) UpdateWorkItem(ctx context.Context, item *models.WorkItem) error {
	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return fmt.Errorf("work item payload encode: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE oh_work_items SET
		severity = $2, status = $3, payload = $4, updated_at = NOW()
		WHERE id = $1`, item.ID, item.Severity, item.Status, payload)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("work item %s: %w", item.ID, models.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListWorkItems(ctx context.Context, tenantID string, limit int) ([]models.WorkItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT `+workItemCols+` FROM oh_work_items
		WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *item)
	}
	return result, rows.Err()
}

// ── Audit ───────────────────────────────────────────────────

func (s *PostgresStore) AppendAudit(ctx context.Context, event *models.AuditEvent) error {
	detail, err := json.Marshal(event.Detail)
	if err != nil {
		return fmt.Errorf("audit detail encode: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO oh_audit
		(id, ts, tenant_id, actor, action, resource, resource_id, outcome, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		event.ID, event.Timestamp, event.TenantID, event.Actor, event.Action,
		event.Resource, event.ResourceID, event.Outcome, detail)
	return err
}

func (s *PostgresStore) ListAudit(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var since time.Time
	if filter.Since != nil {
		since = *filter.Since
	}
	rows, err := s.pool.Query(ctx, `SELECT id, ts, tenant_id, actor, action, resource, resource_id, outcome, detail
		FROM oh_audit
		WHERE ($1 = '' OR tenant_id = $1)
		  AND ($2 = '' OR action = $2)
		  AND ($3::timestamptz IS NULL OR ts >= $3)
		ORDER BY ts DESC LIMIT $4`,
		filter.TenantID, filter.Action, nullableTime(since), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.AuditEvent
	for rows.Next() {
		var ev models.AuditEvent
		var detail []byte
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.TenantID, &ev.Actor, &ev.Action,
			&ev.Resource, &ev.ResourceID, &ev.Outcome, &detail); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(detail, &ev.Detail); err != nil {
			return nil, fmt.Errorf("audit detail decode: %w", err)
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
