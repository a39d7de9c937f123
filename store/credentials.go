package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/slotwatch/slotwatch/idgen"
)

// ErrNotFound is returned when a record ID does not exist.
var ErrNotFound = errors.New("store: record not found")

const credentialCols = `id, name, email, password, active, is_primary,
	total_attempts, successful_attempts, last_used, notes, created_at, updated_at`

func scanCredential(row interface{ Scan(...any) error }) (*Credential, error) {
	var c Credential
	var active, primary int
	var lastUsed sql.NullInt64
	err := row.Scan(&c.ID, &c.Name, &c.Email, &c.Password, &active, &primary,
		&c.TotalAttempts, &c.SuccessfulAttempts, &lastUsed, &c.Notes, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Active = active != 0
	c.Primary = primary != 0
	if lastUsed.Valid {
		c.LastUsed = &lastUsed.Int64
	}
	return &c, nil
}

// InsertCredential stores a new credential. A generated ID is assigned when
// empty. When the credential is marked primary, the flag is cleared on all
// others in the same transaction.
func (s *Store) InsertCredential(ctx context.Context, c *Credential) error {
	if c.ID == "" {
		c.ID = idgen.Credential()
	}
	now := time.Now().UnixMilli()
	c.CreatedAt, c.UpdatedAt = now, now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	if c.Primary {
		if _, err := tx.ExecContext(ctx, `UPDATE credentials SET is_primary = 0`); err != nil {
			return fmt.Errorf("store: clear primary: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO credentials (id, name, email, password, active, is_primary,
			total_attempts, successful_attempts, last_used, notes, created_at, updated_at)
		VALUES (?,?,?,?,?,?,0,0,NULL,?,?,?)`,
		c.ID, c.Name, c.Email, c.Password, boolInt(c.Active), boolInt(c.Primary),
		c.Notes, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: insert credential: %w", err)
	}
	return tx.Commit()
}

// GetCredential fetches one credential by ID.
func (s *Store) GetCredential(ctx context.Context, id string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+credentialCols+` FROM credentials WHERE id = ?`, id)
	c, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get credential: %w", err)
	}
	return c, nil
}

// ListCredentials returns all credentials, primary first, then newest first.
func (s *Store) ListCredentials(ctx context.Context) ([]*Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+credentialCols+` FROM credentials ORDER BY is_primary DESC, created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list credentials: %w", err)
	}
	defer rows.Close()

	var out []*Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ActiveCredentials returns the rotation pool: active credentials only.
func (s *Store) ActiveCredentials(ctx context.Context) ([]*Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+credentialCols+` FROM credentials WHERE active = 1 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("store: active credentials: %w", err)
	}
	defer rows.Close()

	var out []*Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PrimaryCredential returns the primary active credential, or ErrNotFound.
func (s *Store) PrimaryCredential(ctx context.Context) (*Credential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+credentialCols+` FROM credentials WHERE is_primary = 1 AND active = 1 LIMIT 1`)
	c, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: primary credential: %w", err)
	}
	return c, nil
}

// UpdateCredential updates operator-editable fields. Zero-valued fields are
// left unchanged except the boolean pointers, which update when non-nil.
func (s *Store) UpdateCredential(ctx context.Context, id string, name, email, password, notes *string, active, primary *bool) (*Credential, error) {
	cur, err := s.GetCredential(ctx, id)
	if err != nil {
		return nil, err
	}
	if name != nil {
		cur.Name = *name
	}
	if email != nil {
		cur.Email = *email
	}
	if password != nil {
		cur.Password = *password
	}
	if notes != nil {
		cur.Notes = *notes
	}
	if active != nil {
		cur.Active = *active
	}
	if primary != nil {
		cur.Primary = *primary
	}
	cur.UpdatedAt = time.Now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	if primary != nil && *primary {
		if _, err := tx.ExecContext(ctx, `UPDATE credentials SET is_primary = 0`); err != nil {
			return nil, fmt.Errorf("store: clear primary: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE credentials SET name=?, email=?, password=?, active=?, is_primary=?, notes=?, updated_at=?
		WHERE id=?`,
		cur.Name, cur.Email, cur.Password, boolInt(cur.Active), boolInt(cur.Primary),
		cur.Notes, cur.UpdatedAt, id)
	if err != nil {
		return nil, fmt.Errorf("store: update credential: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cur, nil
}

// DeleteCredential removes a credential.
func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPrimaryCredential marks one credential primary and clears all others.
func (s *Store) SetPrimaryCredential(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE credentials SET is_primary = 0`); err != nil {
		return fmt.Errorf("store: clear primary: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE credentials SET is_primary = 1, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("store: set primary: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// RecordAttempt increments the attempt counter (and the success counter on
// success) and stamps last_used. Counters only ever grow.
func (s *Store) RecordAttempt(ctx context.Context, id string, success bool, at time.Time) error {
	succ := 0
	if success {
		succ = 1
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials
		SET total_attempts = total_attempts + 1,
		    successful_attempts = successful_attempts + ?,
		    last_used = ?,
		    updated_at = ?
		WHERE id = ?`,
		succ, at.UnixMilli(), at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("store: record attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveCredentialStats writes the attempt counters and last-used stamp from
// a rotator snapshot entry. Name, secrets, and flags are untouched.
func (s *Store) SaveCredentialStats(ctx context.Context, c *Credential) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials
		SET total_attempts = ?,
		    successful_attempts = ?,
		    last_used = ?,
		    updated_at = ?
		WHERE id = ?`,
		c.TotalAttempts, c.SuccessfulAttempts, c.LastUsed, time.Now().UnixMilli(), c.ID)
	if err != nil {
		return fmt.Errorf("store: save credential stats: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
