package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the interface for device persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetByID retrieves a device by its unique identifier.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id string) (*Device, error)

	// List retrieves all devices ordered by name.
	List(ctx context.Context) ([]Device, error)

	// Create inserts a new device.
	// Returns ErrDeviceExists if a device with the same ID already exists.
	Create(ctx context.Context, d *Device) error

	// Delete removes a device by ID.
	// Returns ErrDeviceNotFound if the device does not exist.
	Delete(ctx context.Context, id string) error

	// SetLockState records a confirmed bolt transition, stamping
	// last_unlock or last_lock depending on the new state.
	// Returns ErrDeviceNotFound if the device does not exist.
	SetLockState(ctx context.Context, id string, state LockState, at time.Time) error

	// SetLockStateTx is SetLockState within an existing transaction.
	SetLockStateTx(ctx context.Context, tx *sql.Tx, id string, state LockState, at time.Time) error

	// RecordHeartbeat applies a status report: marks the device online,
	// refreshes last_seen, and updates battery/lock state when present.
	RecordHeartbeat(ctx context.Context, id string, hb Heartbeat) error

	// TouchLastSeen refreshes last_seen and marks the device online.
	// Used when an NFC tap proves the device is alive.
	TouchLastSeen(ctx context.Context, id string, at time.Time) error

	// ListBatteryLow retrieves devices whose battery level is at or
	// below their configured threshold.
	ListBatteryLow(ctx context.Context) ([]Device, error)

	// MarkOfflineStale flags devices offline whose last_seen is older
	// than the cutoff. Returns the IDs of devices that transitioned.
	MarkOfflineStale(ctx context.Context, cutoff time.Time) ([]string, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const deviceColumns = `id, name, secret, lock_state, online, battery_level,
	battery_low_threshold, last_seen, last_unlock, last_lock, created_at, updated_at`

// GetByID retrieves a device by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return d, nil
}

// List retrieves all devices ordered by name.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices ORDER BY name`
	return r.queryDevices(ctx, query)
}

// Create inserts a new device.
func (r *SQLiteRepository) Create(ctx context.Context, d *Device) error {
	if !d.LockState.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidLockState, d.LockState)
	}

	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	query := `
		INSERT INTO devices (
			id, name, secret, lock_state, online, battery_level,
			battery_low_threshold, last_seen, last_unlock, last_lock,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		d.ID,
		d.Name,
		d.Secret,
		string(d.LockState),
		boolToInt(d.Online),
		d.BatteryLevel,
		d.BatteryLowThreshold,
		nullableTime(d.LastSeen),
		nullableTime(d.LastUnlock),
		nullableTime(d.LastLock),
		d.CreatedAt.Format(time.RFC3339),
		d.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}

	return nil
}

// Delete removes a device by ID.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}

	return nil
}

// execer is the subset of sql.DB and sql.Tx used by state updates.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SetLockState records a confirmed bolt transition.
func (r *SQLiteRepository) SetLockState(ctx context.Context, id string, state LockState, at time.Time) error {
	return setLockState(ctx, r.db, id, state, at)
}

// SetLockStateTx is SetLockState within an existing transaction.
func (r *SQLiteRepository) SetLockStateTx(ctx context.Context, tx *sql.Tx, id string, state LockState, at time.Time) error {
	return setLockState(ctx, tx, id, state, at)
}

func setLockState(ctx context.Context, ex execer, id string, state LockState, at time.Time) error {
	if !state.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidLockState, state)
	}

	stampColumn := "last_lock"
	if state == StateUnlocked {
		stampColumn = "last_unlock"
	}

	now := time.Now().UTC()
	query := fmt.Sprintf(`
		UPDATE devices
		SET lock_state = ?, %s = ?, updated_at = ?
		WHERE id = ?`, stampColumn)

	result, err := ex.ExecContext(ctx, query,
		string(state),
		at.UTC().Format(time.RFC3339),
		now.Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating lock state: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}

	return nil
}

// RecordHeartbeat applies a status report from a device.
func (r *SQLiteRepository) RecordHeartbeat(ctx context.Context, id string, hb Heartbeat) error {
	now := time.Now().UTC()

	setClauses := []string{"online = ?", "last_seen = ?", "updated_at = ?"}
	args := []any{boolToInt(hb.Online), hb.At.UTC().Format(time.RFC3339), now.Format(time.RFC3339)}

	if hb.BatteryLevel != nil {
		setClauses = append(setClauses, "battery_level = ?")
		args = append(args, *hb.BatteryLevel)
	}
	if hb.LockState != nil {
		if !hb.LockState.IsValid() {
			return fmt.Errorf("%w: %q", ErrInvalidLockState, *hb.LockState)
		}
		setClauses = append(setClauses, "lock_state = ?")
		args = append(args, string(*hb.LockState))
	}

	args = append(args, id)
	query := "UPDATE devices SET " + strings.Join(setClauses, ", ") + " WHERE id = ?"

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("recording heartbeat: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}

	return nil
}

// TouchLastSeen refreshes last_seen and marks the device online.
func (r *SQLiteRepository) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	now := time.Now().UTC()
	query := `
		UPDATE devices
		SET online = 1, last_seen = ?, updated_at = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		at.UTC().Format(time.RFC3339),
		now.Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("touching last_seen: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}

	return nil
}

// ListBatteryLow retrieves devices at or below their battery threshold.
func (r *SQLiteRepository) ListBatteryLow(ctx context.Context) ([]Device, error) {
	query := `SELECT ` + deviceColumns + `
		FROM devices
		WHERE battery_level <= battery_low_threshold
		ORDER BY battery_level`

	return r.queryDevices(ctx, query)
}

// MarkOfflineStale flags devices offline whose last_seen predates the cutoff.
// Devices that have never reported (last_seen IS NULL) are included.
func (r *SQLiteRepository) MarkOfflineStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	cutoffStr := cutoff.UTC().Format(time.RFC3339)

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM devices
		WHERE online = 1 AND (last_seen IS NULL OR last_seen < ?)`,
		cutoffStr,
	)
	if err != nil {
		return nil, fmt.Errorf("querying stale devices: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning stale device id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating stale devices: %w", err)
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `
		UPDATE devices SET online = 0, updated_at = ?
		WHERE online = 1 AND (last_seen IS NULL OR last_seen < ?)`,
		now, cutoffStr,
	)
	if err != nil {
		return nil, fmt.Errorf("marking devices offline: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing offline sweep: %w", err)
	}

	return ids, nil
}

// queryDevices executes a query and returns a slice of devices.
func (r *SQLiteRepository) queryDevices(ctx context.Context, query string, args ...any) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}

	return devices, nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDevice scans a row or rows result into a Device.
func scanDevice(scanner rowScanner) (*Device, error) {
	var d Device
	var lockState string
	var online int
	var lastSeen, lastUnlock, lastLock sql.NullString
	var createdAt, updatedAt string

	err := scanner.Scan(
		&d.ID,
		&d.Name,
		&d.Secret,
		&lockState,
		&online,
		&d.BatteryLevel,
		&d.BatteryLowThreshold,
		&lastSeen,
		&lastUnlock,
		&lastLock,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.LockState = LockState(lockState)
	d.Online = online != 0
	d.LastSeen = parseNullableTime(lastSeen)
	d.LastUnlock = parseNullableTime(lastUnlock)
	d.LastLock = parseNullableTime(lastLock)

	var parseErr error
	d.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	d.UpdatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}

	return &d, nil
}

// parseNullableTime parses an optional RFC3339 column into a *time.Time.
func parseNullableTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// nullableTime returns a sql.NullString for optional time pointers (as RFC3339 strings).
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// boolToInt converts a boolean to 0/1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "unique constraint")
}
