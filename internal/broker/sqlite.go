package broker

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/snapq/internal/fault"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "snapq-v1-tasks-events-kv"
	schemaVersionV2  = 2
	schemaChecksumV2 = "snapq-v2-trace-parent"
	schemaVersionV3  = 3
	schemaChecksumV3 = "snapq-v3-retry-visible-at"

	schemaVersionLatest  = schemaVersionV3
	schemaChecksumLatest = schemaChecksumV3
)

const taskColumns = `id, queue, kind, payload, identity, file_name, COALESCE(content_hash, ''), size, trace_parent,
	status, attempt_count, max_retries, version, result, COALESCE(error_json, ''),
	COALESCE(lease_owner, ''), lease_expires_at, visible_at, expires_at, created_at, updated_at`

// SQLiteStore is the default Store backend. Every transition and its event
// row are written in one transaction; transactions take the write lock up
// front so read-then-write checks hold across processes sharing the file.
type SQLiteStore struct {
	db  *sql.DB
	now Clock
}

// Option configures a Store backend.
type Option func(*options)

type options struct {
	clock Clock
}

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{clock: systemClock}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// OpenSQLite opens (or creates) the broker database at path.
func OpenSQLite(path string, opts ...Option) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("open sqlite broker: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	o := buildOptions(opts)
	s := &SQLiteStore{db: db, now: o.clock}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fault.E(fault.Transient, "broker.ping", err)
	}
	return nil
}

func (s *SQLiteStore) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	var checksum string
	err = tx.QueryRowContext(ctx, `
		SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;
	`).Scan(&current, &checksum)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current = 0
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case current > schemaVersionLatest:
		return fmt.Errorf("database schema v%d is newer than supported v%d", current, schemaVersionLatest)
	case current == schemaVersionLatest && checksum != schemaChecksumLatest:
		return fmt.Errorf("schema checksum mismatch for v%d: %q", current, checksum)
	}

	if current < schemaVersionV1 {
		if _, err := tx.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				queue TEXT NOT NULL,
				kind TEXT NOT NULL,
				payload BLOB,
				identity TEXT NOT NULL DEFAULT '',
				file_name TEXT NOT NULL DEFAULT '',
				content_hash TEXT,
				size INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL,
				attempt_count INTEGER NOT NULL DEFAULT 0,
				max_retries INTEGER NOT NULL DEFAULT 0,
				version INTEGER NOT NULL DEFAULT 1,
				result BLOB,
				error_json TEXT,
				lease_owner TEXT,
				lease_expires_at INTEGER,
				expires_at INTEGER,
				queue_seq INTEGER NOT NULL,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_tasks_queue_seq ON tasks(queue, status, queue_seq);
			CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at, id);
			CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_active_hash
				ON tasks(content_hash)
				WHERE content_hash IS NOT NULL AND status != 'FAILURE';

			CREATE TABLE IF NOT EXISTS task_events (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
				version INTEGER NOT NULL,
				state_from TEXT,
				state_to TEXT NOT NULL,
				reason TEXT NOT NULL,
				worker TEXT,
				error_json TEXT,
				created_at INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, seq);

			CREATE TABLE IF NOT EXISTS kv (
				key TEXT PRIMARY KEY,
				value BLOB NOT NULL,
				expires_at INTEGER
			);
		`); err != nil {
			return fmt.Errorf("apply schema v1: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, checksum, applied_at) VALUES (?, ?, ?);
		`, schemaVersionV1, schemaChecksumV1, s.now().UnixMilli()); err != nil {
			return fmt.Errorf("record schema v1: %w", err)
		}
	}

	if current < schemaVersionV2 {
		if _, err := tx.ExecContext(ctx, `
			ALTER TABLE tasks ADD COLUMN trace_parent TEXT NOT NULL DEFAULT '';
		`); err != nil {
			return fmt.Errorf("apply schema v2: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, checksum, applied_at) VALUES (?, ?, ?);
		`, schemaVersionV2, schemaChecksumV2, s.now().UnixMilli()); err != nil {
			return fmt.Errorf("record schema v2: %w", err)
		}
	}

	if current < schemaVersionV3 {
		if _, err := tx.ExecContext(ctx, `
			ALTER TABLE tasks ADD COLUMN visible_at INTEGER;
		`); err != nil {
			return fmt.Errorf("apply schema v3: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, checksum, applied_at) VALUES (?, ?, ?);
		`, schemaVersionV3, schemaChecksumV3, s.now().UnixMilli()); err != nil {
			return fmt.Errorf("record schema v3: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// withTx runs f in a write transaction, retrying BUSY/LOCKED with bounded
// jittered backoff.
func (s *SQLiteStore) withTx(ctx context.Context, op string, f func(tx *sql.Tx) error) error {
	err := fault.Retry(ctx, fault.DefaultBackoff, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return busyAsTransient(op, fmt.Errorf("begin tx: %w", err))
		}
		defer func() { _ = tx.Rollback() }()
		if err := f(tx); err != nil {
			return busyAsTransient(op, err)
		}
		if err := tx.Commit(); err != nil {
			return busyAsTransient(op, fmt.Errorf("commit tx: %w", err))
		}
		return nil
	})
	return classify(op, err)
}

func busyAsTransient(op string, err error) error {
	if isSQLiteBusy(err) {
		return fault.E(fault.Transient, op, err)
	}
	return err
}

// classify maps broker sentinels and driver failures onto fault kinds.
func classify(op string, err error) error {
	var fe *fault.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &fe):
		return err
	case errors.Is(err, ErrEmpty), errors.Is(err, ErrDuplicate),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, ErrNotFound):
		return fault.E(fault.NotFound, op, err)
	case errors.Is(err, ErrConflict), errors.Is(err, ErrLeaseLost), errors.Is(err, ErrTerminal):
		return fault.E(fault.Conflict, op, err)
	default:
		return fault.E(fault.Transient, op, err)
	}
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullMS(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func encodeCause(c *Cause) (sql.NullString, error) {
	if c == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode cause: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func decodeCause(raw string) (*Cause, error) {
	if raw == "" {
		return nil, nil
	}
	var c Cause
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("decode cause: %w", err)
	}
	return &c, nil
}

func scanTask(scanFn func(dest ...any) error) (*Task, error) {
	var t Task
	var errJSON string
	var leaseExp, visible, expires sql.NullInt64
	var created, updated int64
	if err := scanFn(
		&t.ID, &t.Queue, &t.Kind, &t.Payload,
		&t.Meta.Identity, &t.Meta.FileName, &t.Meta.ContentHash, &t.Meta.Size, &t.Meta.TraceParent,
		&t.Status, &t.AttemptCount, &t.MaxRetries, &t.Version, &t.Result, &errJSON,
		&t.LeaseOwner, &leaseExp, &visible, &expires, &created, &updated,
	); err != nil {
		return nil, err
	}
	if leaseExp.Valid {
		v := fromMS(leaseExp.Int64)
		t.LeaseExpiresAt = &v
	}
	if visible.Valid {
		v := fromMS(visible.Int64)
		t.VisibleAt = &v
	}
	if expires.Valid {
		v := fromMS(expires.Int64)
		t.ExpiresAt = &v
	}
	t.CreatedAt = fromMS(created)
	t.UpdatedAt = fromMS(updated)
	cause, err := decodeCause(errJSON)
	if err != nil {
		return nil, err
	}
	t.Error = cause
	return &t, nil
}

func getTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (*Task, error) {
	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select task: %w", err)
	}
	return t, nil
}

func appendEventTx(ctx context.Context, tx *sql.Tx, ev Event) error {
	errJSON, err := encodeCause(ev.Error)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, version, state_from, state_to, reason, worker, error_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, ev.TaskID, ev.Version, nullString(string(ev.From)), string(ev.To), ev.Reason,
		nullString(ev.Worker), errJSON, ms(ev.At)); err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// writeTransitionTx persists t (already mutated to its new state) guarded by
// prevVersion, moves it to the queue tail when requeued, and appends the event.
func writeTransitionTx(ctx context.Context, tx *sql.Tx, t *Task, prevVersion int64, from Status, reason, worker string) error {
	errJSON, err := encodeCause(t.Error)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?,
			attempt_count = ?,
			version = ?,
			result = ?,
			error_json = ?,
			lease_owner = ?,
			lease_expires_at = ?,
			visible_at = ?,
			queue_seq = CASE WHEN ? THEN (SELECT COALESCE(MAX(queue_seq), 0) + 1 FROM tasks) ELSE queue_seq END,
			updated_at = ?
		WHERE id = ? AND version = ?;
	`, t.Status, t.AttemptCount, t.Version, t.Result, errJSON,
		nullString(t.LeaseOwner), nullMS(t.LeaseExpiresAt), nullMS(t.VisibleAt),
		t.Status == StatusRetry, ms(t.UpdatedAt), t.ID, prevVersion)
	if err != nil {
		return fmt.Errorf("update task transition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition rows affected: %w", err)
	}
	if n != 1 {
		return ErrConflict
	}
	return appendEventTx(ctx, tx, Event{
		TaskID:  t.ID,
		Version: t.Version,
		From:    from,
		To:      t.Status,
		Reason:  reason,
		Worker:  worker,
		Error:   t.Error,
		At:      t.UpdatedAt,
	})
}

func (s *SQLiteStore) Push(ctx context.Context, task *Task) (*Task, error) {
	if task == nil || task.ID == "" || task.Queue == "" {
		return nil, fault.New(fault.Validation, "broker.push", "task id and queue are required")
	}
	var out *Task
	var dup bool
	err := s.withTx(ctx, "broker.push", func(tx *sql.Tx) error {
		dup = false
		if hash := task.Meta.ContentHash; hash != "" {
			existing, err := scanTask(tx.QueryRowContext(ctx, `
				SELECT `+taskColumns+` FROM tasks WHERE content_hash = ? AND status != ?;
			`, hash, StatusFailure).Scan)
			if err == nil {
				out, dup = existing, true
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("lookup content hash: %w", err)
			}
		}

		now := s.now()
		t := *task
		t.Status = StatusPending
		t.AttemptCount = 0
		t.Version = 1
		t.Result = nil
		t.Error = nil
		t.LeaseOwner = ""
		t.LeaseExpiresAt = nil
		t.CreatedAt = now
		t.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, queue, kind, payload, identity, file_name, content_hash, size, trace_parent,
				status, attempt_count, max_retries, version, expires_at, queue_seq, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, 1, ?,
				(SELECT COALESCE(MAX(queue_seq), 0) + 1 FROM tasks), ?, ?);
		`, t.ID, t.Queue, t.Kind, t.Payload, t.Meta.Identity, t.Meta.FileName,
			nullString(t.Meta.ContentHash), t.Meta.Size, t.Meta.TraceParent, t.Status, t.MaxRetries,
			nullMS(t.ExpiresAt), ms(now), ms(now)); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := appendEventTx(ctx, tx, Event{
			TaskID: t.ID, Version: 1, To: StatusPending, Reason: ReasonEnqueued, At: now,
		}); err != nil {
			return err
		}
		out = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	if dup {
		return out, ErrDuplicate
	}
	return out, nil
}

func (s *SQLiteStore) PopLease(ctx context.Context, queue, workerID string, lease time.Duration) (*Task, []*Task, error) {
	var out *Task
	var reaped []*Task
	err := s.withTx(ctx, "broker.pop_lease", func(tx *sql.Tx) error {
		out, reaped = nil, nil
		now := s.now()
		var err error
		if reaped, err = s.reapTx(ctx, tx, queue, now); err != nil {
			return err
		}
		t, err := scanTask(tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+`
			FROM tasks
			WHERE queue = ? AND status IN (?, ?) AND (visible_at IS NULL OR visible_at <= ?)
			ORDER BY queue_seq ASC
			LIMIT 1;
		`, queue, StatusPending, StatusRetry, ms(now)).Scan)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select pending task: %w", err)
		}
		from, prev := t.Status, t.Version
		exp := now.Add(lease)
		t.Status = StatusStarted
		t.LeaseOwner = workerID
		t.LeaseExpiresAt = &exp
		t.VisibleAt = nil
		t.Version++
		t.UpdatedAt = now
		if err := writeTransitionTx(ctx, tx, t, prev, from, ReasonLeased, workerID); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if out == nil {
		return nil, reaped, ErrEmpty
	}
	return out, reaped, nil
}

func (s *SQLiteStore) Ack(ctx context.Context, taskID, workerID string, version int64, result []byte) (*Task, error) {
	var out *Task
	err := s.withTx(ctx, "broker.ack", func(tx *sql.Tx) error {
		now := s.now()
		t, err := getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := checkHolder(t, workerID, version, now); err != nil {
			return err
		}
		prev := t.Version
		t.Status = StatusSuccess
		t.Result = result
		t.LeaseOwner = ""
		t.LeaseExpiresAt = nil
		t.Version++
		t.UpdatedAt = now
		if err := writeTransitionTx(ctx, tx, t, prev, StatusStarted, ReasonAcked, workerID); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (s *SQLiteStore) Nack(ctx context.Context, taskID, workerID string, version int64, cause Cause, delay time.Duration) (*Task, error) {
	var out *Task
	err := s.withTx(ctx, "broker.nack", func(tx *sql.Tx) error {
		now := s.now()
		t, err := getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := checkHolder(t, workerID, version, now); err != nil {
			return err
		}
		prev := t.Version
		_, reason := applyNack(t, cause, now, delay)
		if err := writeTransitionTx(ctx, tx, t, prev, StatusStarted, reason, workerID); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (s *SQLiteStore) ExtendLease(ctx context.Context, taskID, workerID string, lease time.Duration) (*Task, error) {
	var out *Task
	err := s.withTx(ctx, "broker.extend_lease", func(tx *sql.Tx) error {
		now := s.now()
		t, err := getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := checkHolder(t, workerID, 0, now); err != nil {
			return err
		}
		exp := now.Add(lease)
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET lease_expires_at = ?, updated_at = ? WHERE id = ? AND version = ?;
		`, ms(exp), ms(now), t.ID, t.Version); err != nil {
			return fmt.Errorf("extend lease: %w", err)
		}
		t.LeaseExpiresAt = &exp
		t.UpdatedAt = now
		out = t
		return nil
	})
	return out, err
}

func (s *SQLiteStore) ReapExpired(ctx context.Context, queue string) ([]*Task, error) {
	var out []*Task
	err := s.withTx(ctx, "broker.reap", func(tx *sql.Tx) error {
		reaped, err := s.reapTx(ctx, tx, queue, s.now())
		out = reaped
		return err
	})
	return out, err
}

// reapTx nacks every expired lease in queue (all queues when empty).
func (s *SQLiteStore) reapTx(ctx context.Context, tx *sql.Tx, queue string, now time.Time) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?`
	args := []any{StatusStarted, ms(now)}
	if queue != "" {
		query += ` AND queue = ?`
		args = append(args, queue)
	}
	rows, err := tx.QueryContext(ctx, query+` ORDER BY lease_expires_at ASC;`, args...)
	if err != nil {
		return nil, fmt.Errorf("query expired leases: %w", err)
	}
	var expired []*Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan expired lease: %w", err)
		}
		expired = append(expired, t)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close expired lease rows: %w", err)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired leases: %w", err)
	}

	for _, t := range expired {
		prev, owner := t.Version, t.LeaseOwner
		status, reason := applyNack(t, leaseExpiredCause(now), now, 0)
		if status == StatusRetry {
			reason = ReasonLeaseExpired
		}
		if err := writeTransitionTx(ctx, tx, t, prev, StatusStarted, reason, owner); err != nil {
			return nil, err
		}
	}
	return expired, nil
}

func leaseExpiredCause(now time.Time) Cause {
	return Cause{Kind: string(fault.Transient), Message: "lease expired before ack", At: now}
}

func (s *SQLiteStore) CAS(ctx context.Context, key string, expected, next []byte, ttl time.Duration) (bool, error) {
	var swapped bool
	err := s.withTx(ctx, "broker.cas", func(tx *sql.Tx) error {
		swapped = false
		now := s.now()
		cur, err := loadTx(ctx, tx, key, now)
		if err != nil {
			return err
		}
		if expected == nil {
			if cur != nil {
				return nil
			}
		} else if cur == nil || !bytes.Equal(cur, expected) {
			return nil
		}
		if next == nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?;`, key); err != nil {
				return fmt.Errorf("delete kv: %w", err)
			}
		} else {
			var exp sql.NullInt64
			if ttl > 0 {
				exp = sql.NullInt64{Int64: ms(now.Add(ttl)), Valid: true}
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
				ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at;
			`, key, next, exp); err != nil {
				return fmt.Errorf("upsert kv: %w", err)
			}
		}
		swapped = true
		return nil
	})
	return swapped, err
}

func loadTx(ctx context.Context, tx *sql.Tx, key string, now time.Time) ([]byte, error) {
	var val []byte
	var exp sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT value, expires_at FROM kv WHERE key = ?;`, key).Scan(&val, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select kv: %w", err)
	}
	if exp.Valid && exp.Int64 <= ms(now) {
		return nil, nil
	}
	return val, nil
}

func (s *SQLiteStore) Load(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	var exp sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM kv WHERE key = ?;`, key).Scan(&val, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("broker.load", fmt.Errorf("select kv: %w", err))
	}
	if exp.Valid && exp.Int64 <= ms(s.now()) {
		return nil, nil
	}
	return val, nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, classify("broker.get_task", ErrNotFound)
	}
	if err != nil {
		return nil, classify("broker.get_task", fmt.Errorf("select task: %w", err))
	}
	return t, nil
}

// ListTasks pages in creation order. after is the id of the last task of the
// previous page.
func (s *SQLiteStore) ListTasks(ctx context.Context, filter Filter, after string, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 100
	}
	var where []string
	var args []any
	if filter.Queue != "" {
		where = append(where, "queue = ?")
		args = append(args, filter.Queue)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if after != "" {
		var created int64
		err := s.db.QueryRowContext(ctx, `SELECT created_at FROM tasks WHERE id = ?;`, after).Scan(&created)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, classify("broker.list_tasks", ErrNotFound)
		}
		if err != nil {
			return nil, classify("broker.list_tasks", fmt.Errorf("resolve cursor: %w", err))
		}
		where = append(where, "(created_at > ? OR (created_at = ? AND id > ?))")
		args = append(args, created, created, after)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("broker.list_tasks", fmt.Errorf("query tasks: %w", err))
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, classify("broker.list_tasks", fmt.Errorf("scan task: %w", err))
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("broker.list_tasks", fmt.Errorf("iterate tasks: %w", err))
	}
	return out, nil
}

func (s *SQLiteStore) Events(ctx context.Context, taskID string) ([]Event, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?;`, taskID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, classify("broker.events", ErrNotFound)
	}
	if err != nil {
		return nil, classify("broker.events", fmt.Errorf("check task: %w", err))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, task_id, version, COALESCE(state_from, ''), state_to, reason,
			COALESCE(worker, ''), COALESCE(error_json, ''), created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY seq ASC;
	`, taskID)
	if err != nil {
		return nil, classify("broker.events", fmt.Errorf("query events: %w", err))
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var ev Event
		var errJSON string
		var at int64
		if err := rows.Scan(&ev.Seq, &ev.TaskID, &ev.Version, &ev.From, &ev.To, &ev.Reason, &ev.Worker, &errJSON, &at); err != nil {
			return nil, classify("broker.events", fmt.Errorf("scan event: %w", err))
		}
		ev.At = fromMS(at)
		if ev.Error, err = decodeCause(errJSON); err != nil {
			return nil, classify("broker.events", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("broker.events", fmt.Errorf("iterate events: %w", err))
	}
	return out, nil
}

func (s *SQLiteStore) Depth(ctx context.Context, queue string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks WHERE queue = ? AND status IN (?, ?);
	`, queue, StatusPending, StatusRetry).Scan(&n); err != nil {
		return 0, classify("broker.depth", fmt.Errorf("count queue depth: %w", err))
	}
	return n, nil
}

func (s *SQLiteStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	var purged int64
	err := s.withTx(ctx, "broker.purge", func(tx *sql.Tx) error {
		cutoff := ms(before)
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM task_events WHERE task_id IN (
				SELECT id FROM tasks WHERE status IN (?, ?) AND updated_at < ?
			);
		`, StatusSuccess, StatusFailure, cutoff); err != nil {
			return fmt.Errorf("purge task events: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM tasks WHERE status IN (?, ?) AND updated_at < ?;
		`, StatusSuccess, StatusFailure, cutoff)
		if err != nil {
			return fmt.Errorf("purge tasks: %w", err)
		}
		if purged, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("purge rows affected: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?;
		`, ms(s.now())); err != nil {
			return fmt.Errorf("purge expired keys: %w", err)
		}
		return nil
	})
	return purged, err
}
