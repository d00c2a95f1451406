package credential

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the interface for credential persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetByID retrieves a credential by its unique identifier.
	// Returns ErrCredentialNotFound if the credential does not exist.
	GetByID(ctx context.Context, id string) (*Credential, error)

	// ListActive retrieves all active credentials for a device.
	// This is the evaluator's input set.
	ListActive(ctx context.Context, deviceID string) ([]Credential, error)

	// ListByDevice retrieves all credentials for a device, active or not.
	ListByDevice(ctx context.Context, deviceID string) ([]Credential, error)

	// Create inserts a new credential.
	// Returns ErrCredentialExists if the ID is already taken.
	Create(ctx context.Context, c *Credential) error

	// Deactivate flips is_active off without deleting the row, so the
	// credential's usage history stays referenceable from the audit log.
	Deactivate(ctx context.Context, id string) error

	// Delete removes a credential.
	// Returns ErrCredentialNotFound if the credential does not exist.
	Delete(ctx context.Context, id string) error

	// IncrementUsage atomically increments usage_count, guarded by the
	// cap. Returns ErrUsageCapExceeded if the cap was already consumed,
	// which under concurrency means another verification won the race.
	IncrementUsage(ctx context.Context, id string) error

	// IncrementUsageTx is IncrementUsage within an existing transaction.
	IncrementUsageTx(ctx context.Context, tx *sql.Tx, id string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const credentialColumns = `id, device_id, kind, name, secret_hash, valid_from,
	valid_until, usage_count, max_usage, allowed_days, allowed_hours,
	is_active, created_at, updated_at`

// GetByID retrieves a credential by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	c, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("querying credential by id: %w", err)
	}
	return c, nil
}

// ListActive retrieves all active credentials for a device.
func (r *SQLiteRepository) ListActive(ctx context.Context, deviceID string) ([]Credential, error) {
	query := `SELECT ` + credentialColumns + `
		FROM credentials
		WHERE device_id = ? AND is_active = 1
		ORDER BY created_at`

	return r.queryCredentials(ctx, query, deviceID)
}

// ListByDevice retrieves all credentials for a device.
func (r *SQLiteRepository) ListByDevice(ctx context.Context, deviceID string) ([]Credential, error) {
	query := `SELECT ` + credentialColumns + `
		FROM credentials
		WHERE device_id = ?
		ORDER BY created_at`

	return r.queryCredentials(ctx, query, deviceID)
}

// Create inserts a new credential.
func (r *SQLiteRepository) Create(ctx context.Context, c *Credential) error {
	if !c.Kind.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, c.Kind)
	}

	daysJSON, err := json.Marshal(orEmptyDays(c.AllowedDays))
	if err != nil {
		return fmt.Errorf("marshalling allowed_days: %w", err)
	}

	hoursJSON := []byte("{}")
	if c.AllowedHours != nil {
		hoursJSON, err = json.Marshal(c.AllowedHours)
		if err != nil {
			return fmt.Errorf("marshalling allowed_hours: %w", err)
		}
	}

	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	query := `
		INSERT INTO credentials (
			id, device_id, kind, name, secret_hash, valid_from,
			valid_until, usage_count, max_usage, allowed_days,
			allowed_hours, is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		c.ID,
		c.DeviceID,
		string(c.Kind),
		c.Name,
		c.SecretHash,
		c.ValidFrom.UTC().Format(time.RFC3339),
		nullableTime(c.ValidUntil),
		c.UsageCount,
		nullableInt(c.MaxUsage),
		string(daysJSON),
		string(hoursJSON),
		boolToInt(c.IsActive),
		c.CreatedAt.Format(time.RFC3339),
		c.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrCredentialExists
		}
		return fmt.Errorf("inserting credential: %w", err)
	}

	return nil
}

// Deactivate flips is_active off without deleting the row.
func (r *SQLiteRepository) Deactivate(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := r.db.ExecContext(ctx,
		"UPDATE credentials SET is_active = 0, updated_at = ? WHERE id = ?",
		now, id,
	)
	if err != nil {
		return fmt.Errorf("deactivating credential: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrCredentialNotFound
	}

	return nil
}

// Delete removes a credential by ID.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM credentials WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrCredentialNotFound
	}

	return nil
}

// execer is the subset of sql.DB and sql.Tx used by the usage increment.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// IncrementUsage atomically increments usage_count, guarded by the cap.
func (r *SQLiteRepository) IncrementUsage(ctx context.Context, id string) error {
	return incrementUsage(ctx, r.db, id)
}

// IncrementUsageTx is IncrementUsage within an existing transaction.
func (r *SQLiteRepository) IncrementUsageTx(ctx context.Context, tx *sql.Tx, id string) error {
	return incrementUsage(ctx, tx, id)
}

// incrementUsage is the single place usage counts go up. The cap guard
// lives in the WHERE clause so two concurrent verifications can never
// both consume the final use.
func incrementUsage(ctx context.Context, ex execer, id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	query := `
		UPDATE credentials
		SET usage_count = usage_count + 1, updated_at = ?
		WHERE id = ?
		  AND is_active = 1
		  AND (max_usage IS NULL OR usage_count < max_usage)`

	result, err := ex.ExecContext(ctx, query, now, id)
	if err != nil {
		return fmt.Errorf("incrementing usage: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrUsageCapExceeded
	}

	return nil
}

// queryCredentials executes a query and returns a slice of credentials.
func (r *SQLiteRepository) queryCredentials(ctx context.Context, query string, args ...any) ([]Credential, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	defer rows.Close()

	var creds []Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning credential: %w", err)
		}
		creds = append(creds, *c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating credentials: %w", err)
	}

	return creds, nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanCredential scans a row or rows result into a Credential.
func scanCredential(scanner rowScanner) (*Credential, error) {
	var c Credential
	var kind string
	var validFrom string
	var validUntil sql.NullString
	var maxUsage sql.NullInt64
	var daysJSON, hoursJSON string
	var isActive int
	var createdAt, updatedAt string

	err := scanner.Scan(
		&c.ID,
		&c.DeviceID,
		&kind,
		&c.Name,
		&c.SecretHash,
		&validFrom,
		&validUntil,
		&c.UsageCount,
		&maxUsage,
		&daysJSON,
		&hoursJSON,
		&isActive,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Kind = Kind(kind)
	c.IsActive = isActive != 0

	var parseErr error
	c.ValidFrom, parseErr = time.Parse(time.RFC3339, validFrom)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing valid_from: %w", parseErr)
	}
	if validUntil.Valid && validUntil.String != "" {
		t, err := time.Parse(time.RFC3339, validUntil.String)
		if err != nil {
			return nil, fmt.Errorf("parsing valid_until: %w", err)
		}
		c.ValidUntil = &t
	}
	if maxUsage.Valid {
		v := int(maxUsage.Int64)
		c.MaxUsage = &v
	}

	if daysJSON != "" {
		if err := json.Unmarshal([]byte(daysJSON), &c.AllowedDays); err != nil {
			return nil, fmt.Errorf("unmarshalling allowed_days: %w", err)
		}
	}
	if hoursJSON != "" && hoursJSON != "{}" {
		var w HourWindow
		if err := json.Unmarshal([]byte(hoursJSON), &w); err != nil {
			return nil, fmt.Errorf("unmarshalling allowed_hours: %w", err)
		}
		c.AllowedHours = &w
	}

	c.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	c.UpdatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}

	return &c, nil
}

// orEmptyDays ensures allowed_days serialises as [] rather than null.
func orEmptyDays(days []string) []string {
	if days == nil {
		return []string{}
	}
	return days
}

// nullableTime returns a sql.NullString for optional time pointers (as RFC3339 strings).
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// nullableInt returns a sql.NullInt64 for optional int pointers.
func nullableInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
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
