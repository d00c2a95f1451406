package command

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repository defines the interface for command persistence.
type Repository interface {
	// Insert records a freshly dispatched command in the sent state.
	Insert(ctx context.Context, c *Command) error

	// GetByID retrieves a command by ID.
	// Returns ErrCommandNotFound if no row exists.
	GetByID(ctx context.Context, id string) (*Command, error)

	// OldestSent retrieves the oldest unresolved command for the
	// device and action, or ErrCommandNotFound if none is outstanding.
	OldestSent(ctx context.Context, deviceID string, action Action) (*Command, error)

	// ResolveAcked moves a command from sent to acked, stamping the
	// reported method. Returns false if the command was already
	// resolved; the compare-and-swap is the sole race arbiter between
	// a device response and the fallback timer.
	ResolveAcked(ctx context.Context, id, method string, at time.Time) (bool, error)

	// MarkTimedOut moves a command from sent to timed_out with the
	// degraded flag set. Returns false if the command was already
	// resolved.
	MarkTimedOut(ctx context.Context, id string, at time.Time) (bool, error)

	// ListByDevice retrieves a device's commands, newest first.
	ListByDevice(ctx context.Context, deviceID string, limit int) ([]Command, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const commandColumns = `id, device_id, action, nonce, duration_seconds,
	signature, state, method, degraded, issued_at, resolved_at`

// Insert records a freshly dispatched command in the sent state.
func (r *SQLiteRepository) Insert(ctx context.Context, c *Command) error {
	if !c.Action.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidAction, c.Action)
	}
	if c.State == "" {
		c.State = StateSent
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO commands (id, device_id, action, nonce, duration_seconds,
			signature, state, degraded, issued_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.DeviceID, c.Action, c.Nonce, nullableInt(c.DurationSeconds),
		c.Signature, c.State, boolToInt(c.Degraded),
		c.IssuedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting command: %w", err)
	}

	return nil
}

// GetByID retrieves a command by ID.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Command, error) {
	//nolint:gosec // commandColumns is a compile-time constant
	query := "SELECT " + commandColumns + " FROM commands WHERE id = ?"
	c, err := scanCommand(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCommandNotFound
	}
	return c, err
}

// OldestSent retrieves the oldest unresolved command for the device
// and action. Issue order is rowid order.
func (r *SQLiteRepository) OldestSent(ctx context.Context, deviceID string, action Action) (*Command, error) {
	//nolint:gosec // commandColumns is a compile-time constant
	query := "SELECT " + commandColumns + ` FROM commands
		WHERE device_id = ? AND action = ? AND state = 'sent'
		ORDER BY rowid LIMIT 1`
	c, err := scanCommand(r.db.QueryRowContext(ctx, query, deviceID, action))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCommandNotFound
	}
	return c, err
}

// ResolveAcked moves a command from sent to acked.
func (r *SQLiteRepository) ResolveAcked(ctx context.Context, id, method string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE commands SET state = 'acked', method = ?, resolved_at = ?
		 WHERE id = ? AND state = 'sent'`,
		method, at.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return false, fmt.Errorf("acking command %s: %w", id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking ack of %s: %w", id, err)
	}
	return rows == 1, nil
}

// MarkTimedOut moves a command from sent to timed_out.
func (r *SQLiteRepository) MarkTimedOut(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE commands SET state = 'timed_out', degraded = 1, resolved_at = ?
		 WHERE id = ? AND state = 'sent'`,
		at.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return false, fmt.Errorf("timing out command %s: %w", id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking timeout of %s: %w", id, err)
	}
	return rows == 1, nil
}

// ListByDevice retrieves a device's commands, newest first.
func (r *SQLiteRepository) ListByDevice(ctx context.Context, deviceID string, limit int) ([]Command, error) {
	if limit <= 0 {
		limit = 50
	}

	//nolint:gosec // commandColumns is a compile-time constant
	query := "SELECT " + commandColumns + ` FROM commands
		WHERE device_id = ? ORDER BY rowid DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying commands: %w", err)
	}
	defer rows.Close()

	var commands []Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		commands = append(commands, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating commands: %w", err)
	}

	return commands, nil
}

// rowScanner abstracts sql.Row and sql.Rows for scanCommand.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*Command, error) {
	var c Command
	var duration sql.NullInt64
	var method sql.NullString
	var degraded int
	var issuedAt string
	var resolvedAt sql.NullString

	err := row.Scan(&c.ID, &c.DeviceID, &c.Action, &c.Nonce, &duration,
		&c.Signature, &c.State, &method, &degraded, &issuedAt, &resolvedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning command: %w", err)
	}

	if duration.Valid {
		d := int(duration.Int64)
		c.DurationSeconds = &d
	}
	if method.Valid {
		c.Method = &method.String
	}
	c.Degraded = degraded != 0

	c.IssuedAt, err = time.Parse(time.RFC3339, issuedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing issued_at for %s: %w", c.ID, err)
	}
	if resolvedAt.Valid {
		t, err := time.Parse(time.RFC3339, resolvedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing resolved_at for %s: %w", c.ID, err)
		}
		c.ResolvedAt = &t
	}

	return &c, nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
