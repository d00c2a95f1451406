package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// GenesisHash is the previous_hash of the first entry in an empty chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is a single audit trail record.
type Entry struct {
	ID           string         `json:"id"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Success      bool           `json:"success"`
	Reason       string         `json:"reason,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	PreviousHash string         `json:"previous_hash"`
	CurrentHash  string         `json:"current_hash"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Chain appends hash-linked entries to the audit_log table.
//
// The mutex spans the whole read-tail → compute → insert sequence, so
// concurrent appends serialise and each entry links to exactly one
// predecessor. Use one Chain per process.
type Chain struct {
	db *sql.DB
	mu sync.Mutex
}

// NewChain creates the audit chain over an open database.
func NewChain(db *sql.DB) *Chain {
	return &Chain{db: db}
}

// Record appends an entry to the chain. ID and CreatedAt are
// generated if empty; PreviousHash and CurrentHash are always
// computed here and any caller-set values are ignored.
func (c *Chain) Record(ctx context.Context, e *Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.append(ctx, c.db, e)
}

// RecordWith appends an entry atomically with the caller's own
// writes. The chain owns the transaction: fn runs inside it, then the
// entry is appended and the transaction commits. If fn or the append
// fails, everything rolls back and the chain is untouched.
//
// The chain mutex spans the whole transaction, so a plain Record can
// never read a tail that a pending RecordWith is about to replace.
func (c *Chain) RecordWith(ctx context.Context, fn func(tx *sql.Tx) error, e *Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning transaction: %w", ErrAppendFailed, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if fn != nil {
		if err := fn(tx); err != nil {
			return err
		}
	}

	if err := c.append(ctx, tx, e); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing: %w", ErrAppendFailed, err)
	}

	return nil
}

// querier is the subset of sql.DB and sql.Tx the append path uses.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// append does the linked write. Caller holds c.mu.
func (c *Chain) append(ctx context.Context, q querier, e *Entry) error {
	if e.ID == "" {
		e.ID = "aud-" + uuid.NewString()[:8]
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	prev, err := tailHash(ctx, q)
	if err != nil {
		return fmt.Errorf("%w: reading chain tail: %w", ErrAppendFailed, err)
	}

	createdAt := e.CreatedAt.UTC().Format(time.RFC3339Nano)
	e.PreviousHash = prev
	e.CurrentHash = computeHash(createdAt, e.Action, e.ResourceType, e.ResourceID, prev)

	var detailsJSON any
	if e.Details != nil {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("%w: marshalling details: %w", ErrAppendFailed, err)
		}
		detailsJSON = string(b)
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO audit_log (id, action, resource_type, resource_id, success,
			reason, details, previous_hash, current_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Action, e.ResourceType, e.ResourceID, boolToInt(e.Success),
		e.Reason, detailsJSON, e.PreviousHash, e.CurrentHash, createdAt,
	)
	if err != nil {
		return fmt.Errorf("%w: inserting entry: %w", ErrAppendFailed, err)
	}

	return nil
}

// tailHash returns the hash of the most recently appended entry, or
// GenesisHash for an empty chain. Append order is rowid order.
func tailHash(ctx context.Context, q querier) (string, error) {
	var hash string
	err := q.QueryRowContext(ctx,
		"SELECT current_hash FROM audit_log ORDER BY rowid DESC LIMIT 1",
	).Scan(&hash)
	if err != nil {
		if err == sql.ErrNoRows {
			return GenesisHash, nil
		}
		return "", err
	}
	return hash, nil
}

// computeHash derives an entry's hash from its fields and its
// predecessor's hash. createdAt must be the exact stored string.
func computeHash(createdAt, action, resourceType, resourceID, previousHash string) string {
	h := sha256.New()
	h.Write([]byte(createdAt))
	h.Write([]byte(action))
	h.Write([]byte(resourceType))
	h.Write([]byte(resourceID))
	h.Write([]byte(previousHash))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyResult reports the outcome of a chain verification pass.
type VerifyResult struct {
	Valid   bool   `json:"valid"`
	Entries int    `json:"entries"`
	// BrokenID is the first entry whose linkage or hash failed, when
	// Valid is false.
	BrokenID string `json:"broken_id,omitempty"`
}

// Verify recomputes every hash from genesis and checks both linkage
// (previous_hash matches the predecessor) and content (current_hash
// matches its recomputation). Returns ErrChainBroken with the first
// offending entry on failure.
func (c *Chain) Verify(ctx context.Context) (*VerifyResult, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, action, resource_type, resource_id, previous_hash,
			current_hash, created_at
		 FROM audit_log ORDER BY rowid`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	prev := GenesisHash
	count := 0

	for rows.Next() {
		var id, action, resourceType, resourceID string
		var previousHash, currentHash, createdAt string

		if err := rows.Scan(&id, &action, &resourceType, &resourceID,
			&previousHash, &currentHash, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		count++

		if previousHash != prev {
			return &VerifyResult{Valid: false, Entries: count, BrokenID: id},
				fmt.Errorf("%w: entry %s previous_hash mismatch", ErrChainBroken, id)
		}

		expected := computeHash(createdAt, action, resourceType, resourceID, previousHash)
		if expected != currentHash {
			return &VerifyResult{Valid: false, Entries: count, BrokenID: id},
				fmt.Errorf("%w: entry %s current_hash mismatch", ErrChainBroken, id)
		}

		prev = currentHash
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}

	return &VerifyResult{Valid: true, Entries: count}, nil
}

// boolToInt converts a boolean to 0/1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var (
	_ querier = (*sql.DB)(nil)
	_ querier = (*sql.Tx)(nil)
)
