package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"mt5-copytrader/internal/copier"
)

// DB is the SQLite-backed mapping store. The engine is the only writer, so
// WAL journaling, with a busy timeout for overlapping writes from the
// connection pool, satisfies the durability contract:
// once SaveMappings returns, a crash-restart reloads identical rows.
type DB struct {
	db *sql.DB
}

var _ copier.Store = (*DB)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS position_mappings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	master_ticket INTEGER NOT NULL,
	slave_name TEXT NOT NULL,
	slave_ticket INTEGER NOT NULL,
	master_volume REAL NOT NULL,
	slave_volume REAL NOT NULL,
	symbol TEXT NOT NULL,
	direction INTEGER NOT NULL,
	master_price_open REAL NOT NULL DEFAULT 0,
	status TEXT DEFAULT 'open',
	created_at INTEGER NOT NULL,
	closed_at INTEGER,
	UNIQUE(master_ticket, slave_name)
);

CREATE TABLE IF NOT EXISTS operation_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	operation_type TEXT NOT NULL,
	master_ticket INTEGER NOT NULL,
	slave_name TEXT NOT NULL,
	payload TEXT NOT NULL,
	attempts INTEGER DEFAULT 0,
	max_attempts INTEGER DEFAULT 3,
	status TEXT DEFAULT 'pending',
	error_message TEXT,
	created_at INTEGER NOT NULL,
	next_retry_at INTEGER,
	completed_at INTEGER
);

CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	master_ticket INTEGER,
	slave_name TEXT,
	slave_ticket INTEGER,
	details TEXT,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_mappings_master ON position_mappings(master_ticket);
CREATE INDEX IF NOT EXISTS idx_mappings_status ON position_mappings(status);
CREATE INDEX IF NOT EXISTS idx_queue_status ON operation_queue(status, next_retry_at);
CREATE INDEX IF NOT EXISTS idx_audit_type ON audit_log(event_type);
`

// NewDB opens (creating if needed) the database at path.
func NewDB(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	dsn := path
	if !strings.Contains(path, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	log.Info().Str("path", path).Msg("database initialized")
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// SaveMappings upserts mapping rows keyed by (master_ticket, slave_name).
func (d *DB) SaveMappings(ctx context.Context, masterTicket int64, mappings []*copier.PositionMapping) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, m := range mappings {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO position_mappings
			(master_ticket, slave_name, slave_ticket, master_volume, slave_volume,
			 symbol, direction, master_price_open, status, created_at, closed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(master_ticket, slave_name) DO UPDATE SET
				slave_ticket = excluded.slave_ticket,
				master_volume = excluded.master_volume,
				slave_volume = excluded.slave_volume,
				symbol = excluded.symbol,
				direction = excluded.direction,
				master_price_open = excluded.master_price_open,
				status = excluded.status,
				closed_at = excluded.closed_at`,
			m.MasterTicket, m.SlaveName, m.SlaveTicket, m.MasterVolume, m.SlaveVolume,
			m.Symbol, m.Direction, m.MasterPriceOpen, m.Status, m.CreatedAt.Unix(), nullableUnix(m.ClosedAt))
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	log.Debug().Int64("master_ticket", masterTicket).Int("count", len(mappings)).Msg("mappings saved")
	return nil
}

// LoadOpenMappings returns every status='open' mapping keyed by master
// ticket.
func (d *DB) LoadOpenMappings(ctx context.Context) (map[int64][]*copier.PositionMapping, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, master_ticket, slave_name, slave_ticket, master_volume, slave_volume,
		       symbol, direction, master_price_open, status, created_at, closed_at
		FROM position_mappings
		WHERE status = 'open'
		ORDER BY master_ticket`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	mappings := make(map[int64][]*copier.PositionMapping)
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		mappings[m.MasterTicket] = append(mappings[m.MasterTicket], m)
	}
	return mappings, rows.Err()
}

// UpdateMappingsStatus sets the status for every mapping of a master ticket,
// stamping closed_at on close and clearing it otherwise.
func (d *DB) UpdateMappingsStatus(ctx context.Context, masterTicket int64, status string) error {
	var closedAt interface{}
	if status == copier.StatusClosed {
		closedAt = time.Now().Unix()
	}

	_, err := d.db.ExecContext(ctx, `
		UPDATE position_mappings
		SET status = ?, closed_at = ?
		WHERE master_ticket = ?`,
		status, closedAt, masterTicket)
	return err
}

// UpdateMappingVolume records the slave volume left after a partial close.
func (d *DB) UpdateMappingVolume(ctx context.Context, masterTicket int64, slaveName string, volume float64) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE position_mappings
		SET slave_volume = ?
		WHERE master_ticket = ? AND slave_name = ?`,
		volume, masterTicket, slaveName)
	return err
}

// GetMapping fetches one mapping, or nil when absent.
func (d *DB) GetMapping(ctx context.Context, masterTicket int64, slaveName string) (*copier.PositionMapping, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, master_ticket, slave_name, slave_ticket, master_volume, slave_volume,
		       symbol, direction, master_price_open, status, created_at, closed_at
		FROM position_mappings
		WHERE master_ticket = ? AND slave_name = ?`,
		masterTicket, slaveName)

	m, err := scanMapping(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// LogEvent appends one audit row.
func (d *DB) LogEvent(ctx context.Context, event copier.AuditEvent) error {
	var details interface{}
	if event.Details != nil {
		raw, err := json.Marshal(event.Details)
		if err != nil {
			return err
		}
		details = string(raw)
	}

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO audit_log (event_type, master_ticket, slave_name, slave_ticket, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventType, nullableInt(event.MasterTicket), nullableString(event.SlaveName),
		nullableInt(event.SlaveTicket), details, time.Now().Unix())
	return err
}

// QueueOperation persists a terminally failed operation for the durable
// retry variant; the live path never reads it back.
func (d *DB) QueueOperation(ctx context.Context, op *copier.QueuedOperation) (int64, error) {
	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return 0, err
	}

	res, err := d.db.ExecContext(ctx, `
		INSERT INTO operation_queue
		(operation_type, master_ticket, slave_name, payload, attempts, max_attempts,
		 status, error_message, created_at, next_retry_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(op.Type), op.MasterTicket, op.SlaveName, string(payload), op.Attempts,
		op.MaxAttempts, string(op.Status), op.ErrorMessage, op.CreatedAt.Unix(),
		nullableUnix(op.NextRetryAt), nullableUnix(op.CompletedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// PendingOperations returns queued operations due for a retry, oldest first.
func (d *DB) PendingOperations(ctx context.Context) ([]*copier.QueuedOperation, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, operation_type, master_ticket, slave_name, payload, attempts,
		       max_attempts, status, error_message, created_at, next_retry_at, completed_at
		FROM operation_queue
		WHERE status = 'pending'
		AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY created_at`,
		time.Now().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*copier.QueuedOperation
	for rows.Next() {
		var (
			op           copier.QueuedOperation
			opType       string
			opStatus     string
			payload      string
			errorMessage sql.NullString
			createdAt    int64
			nextRetryAt  sql.NullInt64
			completedAt  sql.NullInt64
		)
		if err := rows.Scan(&op.ID, &opType, &op.MasterTicket, &op.SlaveName, &payload,
			&op.Attempts, &op.MaxAttempts, &opStatus, &errorMessage, &createdAt,
			&nextRetryAt, &completedAt); err != nil {
			return nil, err
		}
		op.Type = copier.OperationType(opType)
		op.Status = copier.OperationStatus(opStatus)
		op.ErrorMessage = errorMessage.String
		op.CreatedAt = time.Unix(createdAt, 0)
		op.NextRetryAt = unixPtr(nextRetryAt)
		op.CompletedAt = unixPtr(completedAt)
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &op.Payload); err != nil {
				return nil, err
			}
		}
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMapping(row rowScanner) (*copier.PositionMapping, error) {
	var (
		m         copier.PositionMapping
		createdAt int64
		closedAt  sql.NullInt64
	)
	err := row.Scan(&m.ID, &m.MasterTicket, &m.SlaveName, &m.SlaveTicket,
		&m.MasterVolume, &m.SlaveVolume, &m.Symbol, &m.Direction,
		&m.MasterPriceOpen, &m.Status, &createdAt, &closedAt)
	if err != nil {
		return nil, err
	}
	m.CreatedAt = time.Unix(createdAt, 0)
	m.ClosedAt = unixPtr(closedAt)
	return &m, nil
}

func nullableUnix(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

func nullableInt(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
