package credential

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB creates an in-memory SQLite database with the credentials table.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	// A second connection to :memory: would open a different database,
	// so pin the pool to one connection.
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE credentials (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			secret_hash TEXT NOT NULL,
			valid_from TEXT NOT NULL,
			valid_until TEXT,
			usage_count INTEGER NOT NULL DEFAULT 0,
			max_usage INTEGER,
			allowed_days TEXT NOT NULL DEFAULT '[]',
			allowed_hours TEXT NOT NULL DEFAULT '{}',
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		) STRICT;
		CREATE INDEX idx_credentials_device_active ON credentials(device_id, is_active);
	`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// testCredential returns a valid NFC credential for testing.
func testCredential(id string) *Credential {
	return &Credential{
		ID:         id,
		DeviceID:   "lock-01",
		Kind:       KindNFC,
		Name:       "Test card",
		SecretHash: "04A3B2C1",
		ValidFrom:  time.Now().UTC().Add(-time.Hour).Truncate(time.Second),
		IsActive:   true,
	}
}

func TestCreateAndGetByID(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	c := testCredential("cred-1")
	until := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Second)
	c.ValidUntil = &until
	max := 5
	c.MaxUsage = &max
	c.AllowedDays = []string{"mon", "wed", "fri"}
	c.AllowedHours = &HourWindow{Start: "08:00", End: "18:00"}

	if err := repo.Create(ctx, c); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := repo.GetByID(ctx, "cred-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}

	if got.Kind != KindNFC {
		t.Errorf("Kind = %q, want %q", got.Kind, KindNFC)
	}
	if got.SecretHash != "04A3B2C1" {
		t.Errorf("SecretHash = %q, want 04A3B2C1", got.SecretHash)
	}
	if got.ValidUntil == nil || !got.ValidUntil.Equal(until) {
		t.Errorf("ValidUntil = %v, want %v", got.ValidUntil, until)
	}
	if got.MaxUsage == nil || *got.MaxUsage != 5 {
		t.Errorf("MaxUsage = %v, want 5", got.MaxUsage)
	}
	if len(got.AllowedDays) != 3 || got.AllowedDays[0] != "mon" {
		t.Errorf("AllowedDays = %v, want [mon wed fri]", got.AllowedDays)
	}
	if got.AllowedHours == nil || got.AllowedHours.Start != "08:00" {
		t.Errorf("AllowedHours = %v, want 08:00-18:00", got.AllowedHours)
	}
}

func TestGetByID_NotFound(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)

	_, err := repo.GetByID(context.Background(), "nonexistent")
	if !errors.Is(err, ErrCredentialNotFound) {
		t.Errorf("GetByID() error = %v, want ErrCredentialNotFound", err)
	}
}

func TestCreate_Duplicate(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	if err := repo.Create(ctx, testCredential("cred-1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	err := repo.Create(ctx, testCredential("cred-1"))
	if !errors.Is(err, ErrCredentialExists) {
		t.Errorf("Create() duplicate error = %v, want ErrCredentialExists", err)
	}
}

func TestCreate_InvalidKind(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)

	c := testCredential("cred-1")
	c.Kind = "retina"

	err := repo.Create(context.Background(), c)
	if !errors.Is(err, ErrInvalidKind) {
		t.Errorf("Create() error = %v, want ErrInvalidKind", err)
	}
}

func TestCreate_UnboundedCredential(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	// No valid_until, no max_usage, no day/hour mask.
	if err := repo.Create(ctx, testCredential("cred-1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := repo.GetByID(ctx, "cred-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.ValidUntil != nil {
		t.Errorf("ValidUntil = %v, want nil", got.ValidUntil)
	}
	if got.MaxUsage != nil {
		t.Errorf("MaxUsage = %v, want nil", got.MaxUsage)
	}
	if len(got.AllowedDays) != 0 {
		t.Errorf("AllowedDays = %v, want empty", got.AllowedDays)
	}
	if got.AllowedHours != nil {
		t.Errorf("AllowedHours = %v, want nil", got.AllowedHours)
	}
}

func TestListActive(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	active := testCredential("cred-active")

	inactive := testCredential("cred-inactive")
	inactive.IsActive = false

	otherDevice := testCredential("cred-other")
	otherDevice.DeviceID = "lock-02"

	for _, c := range []*Credential{active, inactive, otherDevice} {
		if err := repo.Create(ctx, c); err != nil {
			t.Fatalf("Create(%s) error = %v", c.ID, err)
		}
	}

	creds, err := repo.ListActive(ctx, "lock-01")
	if err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	if len(creds) != 1 {
		t.Fatalf("ListActive() returned %d credentials, want 1", len(creds))
	}
	if creds[0].ID != "cred-active" {
		t.Errorf("ListActive()[0].ID = %q, want cred-active", creds[0].ID)
	}
}

func TestListByDevice(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	active := testCredential("cred-active")
	inactive := testCredential("cred-inactive")
	inactive.IsActive = false

	for _, c := range []*Credential{active, inactive} {
		if err := repo.Create(ctx, c); err != nil {
			t.Fatalf("Create(%s) error = %v", c.ID, err)
		}
	}

	creds, err := repo.ListByDevice(ctx, "lock-01")
	if err != nil {
		t.Fatalf("ListByDevice() error = %v", err)
	}
	if len(creds) != 2 {
		t.Errorf("ListByDevice() returned %d credentials, want 2", len(creds))
	}
}

func TestDeactivate(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	if err := repo.Create(ctx, testCredential("cred-1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := repo.Deactivate(ctx, "cred-1"); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}

	got, err := repo.GetByID(ctx, "cred-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.IsActive {
		t.Error("IsActive = true after Deactivate, want false")
	}
}

func TestDelete(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	if err := repo.Create(ctx, testCredential("cred-1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := repo.Delete(ctx, "cred-1"); err != nil {
		t.Errorf("Delete() error = %v", err)
	}

	_, err := repo.GetByID(ctx, "cred-1")
	if !errors.Is(err, ErrCredentialNotFound) {
		t.Errorf("GetByID() after delete error = %v, want ErrCredentialNotFound", err)
	}
}

func TestIncrementUsage(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	c := testCredential("cred-1")
	max := 2
	c.MaxUsage = &max
	if err := repo.Create(ctx, c); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := repo.IncrementUsage(ctx, "cred-1"); err != nil {
		t.Fatalf("IncrementUsage() #1 error = %v", err)
	}
	if err := repo.IncrementUsage(ctx, "cred-1"); err != nil {
		t.Fatalf("IncrementUsage() #2 error = %v", err)
	}

	// Cap consumed
	err := repo.IncrementUsage(ctx, "cred-1")
	if !errors.Is(err, ErrUsageCapExceeded) {
		t.Errorf("IncrementUsage() #3 error = %v, want ErrUsageCapExceeded", err)
	}

	got, err := repo.GetByID(ctx, "cred-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.UsageCount != 2 {
		t.Errorf("UsageCount = %d, want 2", got.UsageCount)
	}
}

func TestIncrementUsage_Unlimited(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	if err := repo.Create(ctx, testCredential("cred-1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	for i := 0; i < 10; i++ {
		if err := repo.IncrementUsage(ctx, "cred-1"); err != nil {
			t.Fatalf("IncrementUsage() #%d error = %v", i+1, err)
		}
	}

	got, err := repo.GetByID(ctx, "cred-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.UsageCount != 10 {
		t.Errorf("UsageCount = %d, want 10", got.UsageCount)
	}
}

func TestIncrementUsage_Inactive(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	c := testCredential("cred-1")
	c.IsActive = false
	if err := repo.Create(ctx, c); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	err := repo.IncrementUsage(ctx, "cred-1")
	if !errors.Is(err, ErrUsageCapExceeded) {
		t.Errorf("IncrementUsage() on inactive error = %v, want ErrUsageCapExceeded", err)
	}
}

func TestIncrementUsage_ConcurrentCapEnforced(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	c := testCredential("cred-1")
	max := 1
	c.MaxUsage = &max
	if err := repo.Create(ctx, c); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	const attempts = 8
	var wg sync.WaitGroup
	successes := make(chan struct{}, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := repo.IncrementUsage(ctx, "cred-1"); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	var count int
	for range successes {
		count++
	}
	if count != 1 {
		t.Errorf("%d concurrent increments succeeded, want exactly 1", count)
	}
}

func TestIncrementUsageTx_Rollback(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	if err := repo.Create(ctx, testCredential("cred-1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx() error = %v", err)
	}

	if err := repo.IncrementUsageTx(ctx, tx, "cred-1"); err != nil {
		tx.Rollback()
		t.Fatalf("IncrementUsageTx() error = %v", err)
	}

	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}

	got, err := repo.GetByID(ctx, "cred-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.UsageCount != 0 {
		t.Errorf("UsageCount = %d after rollback, want 0", got.UsageCount)
	}
}
