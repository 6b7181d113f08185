package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLContextStore persists execution contexts and outbox entries through
// database/sql. The schema targets SQLite but sticks to portable DDL.
type SQLContextStore struct {
	db          *sql.DB
	table       string
	outboxTable string
}

// NewSQLContextStore builds a store using the given DB and context table
// name. The outbox lives in "<table>_outbox".
func NewSQLContextStore(db *sql.DB, table string) *SQLContextStore {
	if table == "" {
		table = "execution_contexts"
	}
	return &SQLContextStore{
		db:          db,
		table:       table,
		outboxTable: table + "_outbox",
	}
}

func (s *SQLContextStore) Create(ctx context.Context, ec *ExecutionContext) error {
	if s == nil || s.db == nil {
		return errors.New("sql store not configured")
	}
	if err := s.ensureSchema(ctx, s.db); err != nil {
		return err
	}
	ec = cloneExecutionContext(ec)
	if ec == nil {
		return errors.New("execution context required")
	}
	ec.ID = strings.TrimSpace(ec.ID)
	if ec.ID == "" {
		return errors.New("execution context id required")
	}
	now := time.Now().UTC()
	if ec.CreatedAt.IsZero() {
		ec.CreatedAt = now
	}
	ec.UpdatedAt = now
	return insertContext(ctx, s.db, s.table, ec)
}

func (s *SQLContextStore) Load(ctx context.Context, id string) (*ExecutionContext, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sql store not configured")
	}
	if err := s.ensureSchema(ctx, s.db); err != nil {
		return nil, err
	}
	return loadContext(ctx, s.db, s.table, "id", strings.TrimSpace(id))
}

func (s *SQLContextStore) LoadByCorrelation(ctx context.Context, correlationID string) (*ExecutionContext, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sql store not configured")
	}
	if err := s.ensureSchema(ctx, s.db); err != nil {
		return nil, err
	}
	return loadContext(ctx, s.db, s.table, "correlation_id", strings.TrimSpace(correlationID))
}

func (s *SQLContextStore) AppendStep(ctx context.Context, id string, rec StepRecord) error {
	if s == nil || s.db == nil {
		return errors.New("sql store not configured")
	}
	if err := s.ensureSchema(ctx, s.db); err != nil {
		return err
	}
	return appendStepSQL(ctx, s.db, s.table, id, rec)
}

func (s *SQLContextStore) SetStatus(ctx context.Context, id string, status Status, change StatusChange) error {
	if s == nil || s.db == nil {
		return errors.New("sql store not configured")
	}
	if err := s.ensureSchema(ctx, s.db); err != nil {
		return err
	}
	return setStatusSQL(ctx, s.db, s.table, id, status, change)
}

func (s *SQLContextStore) RecordRetry(ctx context.Context, id string, at time.Time) error {
	if s == nil || s.db == nil {
		return errors.New("sql store not configured")
	}
	if err := s.ensureSchema(ctx, s.db); err != nil {
		return err
	}
	ec, err := loadContext(ctx, s.db, s.table, "id", strings.TrimSpace(id))
	if err != nil {
		return err
	}
	if ec == nil {
		return ErrRunNotFound.Clone().WithMetadata(map[string]any{"run_id": id})
	}
	ec.RetryTimestamps = append(ec.RetryTimestamps, at.UTC())
	stamps, err := json.Marshal(ec.RetryTimestamps)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET retry_timestamps=?, updated_at=? WHERE id=?`, s.table)
	_, err = s.db.ExecContext(ctx, q, string(stamps), time.Now().UTC().Format(time.RFC3339Nano), ec.ID)
	return err
}

// RunInTransaction executes fn in a DB transaction.
func (s *SQLContextStore) RunInTransaction(ctx context.Context, fn func(TxStore) error) error {
	if s == nil || s.db == nil {
		return errors.New("sql store not configured")
	}
	if fn == nil {
		return nil
	}
	if err := s.ensureSchema(ctx, s.db); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	store := &sqlTxStore{parent: s, tx: tx}
	if err := fn(store); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ClaimPending claims dispatchable outbox entries with a worker lease.
func (s *SQLContextStore) ClaimPending(ctx context.Context, workerID string, limit int, leaseUntil time.Time) ([]OutboxEntry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sql store not configured")
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, errors.New("worker id required")
	}
	if limit <= 0 {
		limit = 100
	}
	if leaseUntil.IsZero() {
		leaseUntil = time.Now().UTC().Add(30 * time.Second)
	} else {
		leaseUntil = leaseUntil.UTC()
	}
	now := time.Now().UTC()

	if err := s.ensureSchema(ctx, s.db); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	query := fmt.Sprintf(`SELECT id FROM %s
		WHERE status != 'completed' AND status != 'dead_letter'
		AND (retry_at IS NULL OR retry_at = '' OR retry_at <= ?)
		AND (
			status = 'pending'
			OR (status = 'leased' AND (lease_until IS NULL OR lease_until = '' OR lease_until <= ?))
		)
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, s.outboxTable)
	rows, err := tx.QueryContext(ctx, query,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, strings.TrimSpace(id))
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	update := fmt.Sprintf(`UPDATE %s
		SET status='leased', lease_owner=?, lease_until=?, attempts=attempts+1
		WHERE id=?`, s.outboxTable)
	claimed := make([]OutboxEntry, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, update, workerID, leaseUntil.Format(time.RFC3339Nano), id); err != nil {
			return nil, err
		}
		entry, err := loadOutboxEntry(ctx, tx, s.outboxTable, id)
		if err != nil {
			return nil, err
		}
		if entry.ID != "" {
			claimed = append(claimed, entry)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	tx = nil
	return claimed, nil
}

func (s *SQLContextStore) MarkCompleted(ctx context.Context, id string) error {
	q := fmt.Sprintf(`UPDATE %s
		SET status='completed', lease_owner='', lease_until='', retry_at='', last_error='', processed_at=?
		WHERE id=?`, s.outboxTable)
	return s.markOutbox(ctx, q, time.Now().UTC().Format(time.RFC3339Nano), id)
}

func (s *SQLContextStore) MarkFailed(ctx context.Context, id string, retryAt time.Time, reason string) error {
	q := fmt.Sprintf(`UPDATE %s
		SET status='pending', lease_owner='', lease_until='', retry_at=?, processed_at=NULL, last_error=?
		WHERE id=?`, s.outboxTable)
	return s.markOutbox(ctx, q, retryAt.UTC().Format(time.RFC3339Nano), strings.TrimSpace(reason), id)
}

func (s *SQLContextStore) MarkDeadLetter(ctx context.Context, id string, reason string) error {
	q := fmt.Sprintf(`UPDATE %s
		SET status='dead_letter', lease_owner='', lease_until='', last_error=?
		WHERE id=?`, s.outboxTable)
	return s.markOutbox(ctx, q, strings.TrimSpace(reason), id)
}

func (s *SQLContextStore) markOutbox(ctx context.Context, query string, args ...any) error {
	if s == nil || s.db == nil {
		return errors.New("sql store not configured")
	}
	id, _ := args[len(args)-1].(string)
	if strings.TrimSpace(id) == "" {
		return errors.New("outbox id required")
	}
	if err := s.ensureSchema(ctx, s.db); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("outbox %s not found", id)
	}
	return nil
}

func (s *SQLContextStore) ListDeadLetters(ctx context.Context, limit int) ([]OutboxEntry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sql store not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	if err := s.ensureSchema(ctx, s.db); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT id FROM %s WHERE status='dead_letter' ORDER BY created_at ASC, id ASC LIMIT ?`, s.outboxTable)
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]OutboxEntry, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		entry, err := loadOutboxEntry(ctx, s.db, s.outboxTable, id)
		if err != nil {
			return nil, err
		}
		if entry.ID != "" {
			out = append(out, entry)
		}
	}
	return out, rows.Err()
}

type sqlTxStore struct {
	parent *SQLContextStore
	tx     *sql.Tx
}

func (s *sqlTxStore) Load(ctx context.Context, id string) (*ExecutionContext, error) {
	if s == nil || s.tx == nil {
		return nil, errors.New("sql tx store not configured")
	}
	return loadContext(ctx, s.tx, s.parent.table, "id", strings.TrimSpace(id))
}

func (s *sqlTxStore) AppendStep(ctx context.Context, id string, rec StepRecord) error {
	if s == nil || s.tx == nil {
		return errors.New("sql tx store not configured")
	}
	return appendStepSQL(ctx, s.tx, s.parent.table, id, rec)
}

func (s *sqlTxStore) SetStatus(ctx context.Context, id string, status Status, change StatusChange) error {
	if s == nil || s.tx == nil {
		return errors.New("sql tx store not configured")
	}
	return setStatusSQL(ctx, s.tx, s.parent.table, id, status, change)
}

func (s *sqlTxStore) AppendOutbox(ctx context.Context, entry OutboxEntry) error {
	if s == nil || s.tx == nil {
		return errors.New("sql tx store not configured")
	}
	entry = normalizeOutboxEntry(entry)
	payloadJSON, err := json.Marshal(entry.Payload)
	if err != nil {
		return err
	}
	entityJSON, err := json.Marshal(entry.EntityIDs)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s (
		id, topic, run_id, correlation_id, entity_ids, payload,
		status, attempts, lease_owner, lease_until, retry_at, processed_at, last_error, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`, s.parent.outboxTable)
	_, err = s.tx.ExecContext(ctx, q,
		entry.ID,
		entry.Topic,
		entry.RunID,
		entry.CorrelationID,
		string(entityJSON),
		string(payloadJSON),
		entry.Status,
		entry.Attempts,
		entry.LeaseOwner,
		formatNullableTime(entry.LeaseUntil),
		formatNullableTime(entry.RetryAt),
		entry.LastError,
		entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func insertContext(ctx context.Context, q sqlQuerier, table string, ec *ExecutionContext) error {
	paramsJSON, err := json.Marshal(ec.RequestParams)
	if err != nil {
		return err
	}
	entityJSON, err := json.Marshal(ec.EntityIDs)
	if err != nil {
		return err
	}
	stepsJSON, err := json.Marshal(ec.Steps)
	if err != nil {
		return err
	}
	stampsJSON, err := json.Marshal(ec.RetryTimestamps)
	if err != nil {
		return err
	}
	responseJSON, err := json.Marshal(ec.Response)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT OR IGNORE INTO %s (
		id, task_kind, params, entity_ids, steps, status, response,
		retry_timestamps, correlation_id, error_code, error_message, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, table)
	result, err := q.ExecContext(ctx, query,
		ec.ID,
		ec.TaskKind,
		string(paramsJSON),
		string(entityJSON),
		string(stepsJSON),
		string(normalizeStatus(ec.Status)),
		string(responseJSON),
		string(stampsJSON),
		ec.CorrelationID,
		ec.ErrorCode,
		ec.ErrorMessage,
		ec.CreatedAt.UTC().Format(time.RFC3339Nano),
		ec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrRunExists.Clone().WithMetadata(map[string]any{"run_id": ec.ID})
	}
	return nil
}

func loadContext(ctx context.Context, q sqlQuerier, table, column, value string) (*ExecutionContext, error) {
	if value == "" {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT id, task_kind, params, entity_ids, steps, status, response,
		retry_timestamps, correlation_id, error_code, error_message, created_at, updated_at
		FROM %s WHERE %s = ?`, table, column)
	var (
		ec           ExecutionContext
		paramsJSON   string
		entityJSON   string
		stepsJSON    string
		statusStr    string
		responseJSON string
		stampsJSON   string
		createdStr   string
		updatedStr   string
	)
	err := q.QueryRowContext(ctx, query, value).Scan(
		&ec.ID,
		&ec.TaskKind,
		&paramsJSON,
		&entityJSON,
		&stepsJSON,
		&statusStr,
		&responseJSON,
		&stampsJSON,
		&ec.CorrelationID,
		&ec.ErrorCode,
		&ec.ErrorMessage,
		&createdStr,
		&updatedStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ec.Status = normalizeStatus(Status(statusStr))
	decodeJSON(paramsJSON, &ec.RequestParams)
	decodeJSON(entityJSON, &ec.EntityIDs)
	decodeJSON(stepsJSON, &ec.Steps)
	decodeJSON(responseJSON, &ec.Response)
	decodeJSON(stampsJSON, &ec.RetryTimestamps)
	ec.CreatedAt = parseTimestamp(createdStr)
	ec.UpdatedAt = parseTimestamp(updatedStr)
	return &ec, nil
}

func appendStepSQL(ctx context.Context, q sqlQuerier, table, id string, rec StepRecord) error {
	ec, err := loadContext(ctx, q, table, "id", strings.TrimSpace(id))
	if err != nil {
		return err
	}
	if ec == nil {
		return ErrRunNotFound.Clone().WithMetadata(map[string]any{"run_id": id})
	}
	if ec.Status.IsTerminal() {
		return ErrRunConflict.Clone().WithMetadata(map[string]any{
			"run_id": ec.ID,
			"status": string(ec.Status),
		})
	}
	rec.StepName = strings.TrimSpace(rec.StepName)
	if rec.StepName == "" {
		return errors.New("step name required")
	}
	ec.Steps = append(ec.Steps, cloneStepRecord(rec))
	stepsJSON, err := json.Marshal(ec.Steps)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET steps=?, updated_at=? WHERE id=?`, table)
	_, err = q.ExecContext(ctx, query, string(stepsJSON), time.Now().UTC().Format(time.RFC3339Nano), ec.ID)
	return err
}

func setStatusSQL(ctx context.Context, q sqlQuerier, table, id string, status Status, change StatusChange) error {
	ec, err := loadContext(ctx, q, table, "id", strings.TrimSpace(id))
	if err != nil {
		return err
	}
	if ec == nil {
		return ErrRunNotFound.Clone().WithMetadata(map[string]any{"run_id": id})
	}
	status = normalizeStatus(status)
	if ec.Status.IsTerminal() && status != ec.Status {
		return ErrRunConflict.Clone().WithMetadata(map[string]any{
			"run_id": ec.ID,
			"status": string(ec.Status),
		})
	}
	if change.Response != nil {
		ec.Response = copyMap(change.Response)
	}
	if corr := strings.TrimSpace(change.CorrelationID); corr != "" {
		ec.CorrelationID = corr
	}
	if code := strings.TrimSpace(change.ErrorCode); code != "" {
		ec.ErrorCode = code
	}
	if msg := strings.TrimSpace(change.ErrorMessage); msg != "" {
		ec.ErrorMessage = msg
	}
	responseJSON, err := json.Marshal(ec.Response)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s
		SET status=?, response=?, correlation_id=?, error_code=?, error_message=?, updated_at=?
		WHERE id=?`, table)
	_, err = q.ExecContext(ctx, query,
		string(status),
		string(responseJSON),
		ec.CorrelationID,
		ec.ErrorCode,
		ec.ErrorMessage,
		time.Now().UTC().Format(time.RFC3339Nano),
		ec.ID,
	)
	return err
}

func loadOutboxEntry(ctx context.Context, q sqlQuerier, table, id string) (OutboxEntry, error) {
	query := fmt.Sprintf(`SELECT id, topic, run_id, correlation_id, entity_ids, payload,
		status, attempts, lease_owner, lease_until, retry_at, processed_at, last_error, created_at
		FROM %s WHERE id = ?`, table)
	var (
		entry        OutboxEntry
		entityJSON   string
		payloadJSON  string
		leaseStr     sql.NullString
		retryStr     sql.NullString
		processedStr sql.NullString
		createdStr   string
	)
	err := q.QueryRowContext(ctx, query, id).Scan(
		&entry.ID,
		&entry.Topic,
		&entry.RunID,
		&entry.CorrelationID,
		&entityJSON,
		&payloadJSON,
		&entry.Status,
		&entry.Attempts,
		&entry.LeaseOwner,
		&leaseStr,
		&retryStr,
		&processedStr,
		&entry.LastError,
		&createdStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return OutboxEntry{}, nil
	}
	if err != nil {
		return OutboxEntry{}, err
	}
	decodeJSON(entityJSON, &entry.EntityIDs)
	decodeJSON(payloadJSON, &entry.Payload)
	if leaseStr.Valid {
		entry.LeaseUntil = parseTimestamp(leaseStr.String)
	}
	if retryStr.Valid {
		entry.RetryAt = parseTimestamp(retryStr.String)
	}
	if processedStr.Valid && processedStr.String != "" {
		processedAt := parseTimestamp(processedStr.String)
		entry.ProcessedAt = &processedAt
	}
	entry.CreatedAt = parseTimestamp(createdStr)
	return entry, nil
}

func (s *SQLContextStore) ensureSchema(ctx context.Context, q sqlQuerier) error {
	if q == nil {
		return errors.New("sql exec not configured")
	}
	contextDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		task_kind TEXT NOT NULL,
		params TEXT,
		entity_ids TEXT,
		steps TEXT,
		status TEXT NOT NULL,
		response TEXT,
		retry_timestamps TEXT,
		correlation_id TEXT,
		error_code TEXT,
		error_message TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`, s.table)
	if _, err := q.ExecContext(ctx, contextDDL); err != nil {
		return err
	}
	indexDDL := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_correlation ON %s (correlation_id)`, s.table, s.table)
	if _, err := q.ExecContext(ctx, indexDDL); err != nil {
		return err
	}
	outboxDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		topic TEXT NOT NULL,
		run_id TEXT NOT NULL,
		correlation_id TEXT,
		entity_ids TEXT,
		payload TEXT,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		lease_owner TEXT,
		lease_until TEXT,
		retry_at TEXT,
		processed_at TEXT,
		last_error TEXT,
		created_at TEXT NOT NULL
	)`, s.outboxTable)
	_, err := q.ExecContext(ctx, outboxDDL)
	return err
}

func decodeJSON(raw string, target any) {
	if strings.TrimSpace(raw) == "" || raw == "null" {
		return
	}
	_ = json.Unmarshal([]byte(raw), target)
}

func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func formatNullableTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339Nano)
}
