package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/slotwatch/slotwatch/idgen"
)

const applicantCols = `id, first_name, last_name, passport_number, nationality,
	phone_number, email, date_of_birth, gender, address, city, postal_code,
	country, emergency_contact, emergency_phone, visa_type, notes, is_primary,
	created_at, updated_at`

func scanApplicant(row interface{ Scan(...any) error }) (*Applicant, error) {
	var a Applicant
	var primary int
	err := row.Scan(&a.ID, &a.FirstName, &a.LastName, &a.PassportNumber, &a.Nationality,
		&a.PhoneNumber, &a.Email, &a.DateOfBirth, &a.Gender, &a.Address, &a.City,
		&a.PostalCode, &a.Country, &a.EmergencyContact, &a.EmergencyPhone,
		&a.VisaType, &a.Notes, &primary, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Primary = primary != 0
	return &a, nil
}

// InsertApplicant stores a new applicant. Primary exclusivity is enforced
// the same way as for credentials.
func (s *Store) InsertApplicant(ctx context.Context, a *Applicant) error {
	if a.ID == "" {
		a.ID = idgen.Applicant()
	}
	now := time.Now().UnixMilli()
	a.CreatedAt, a.UpdatedAt = now, now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	if a.Primary {
		if _, err := tx.ExecContext(ctx, `UPDATE applicants SET is_primary = 0`); err != nil {
			return fmt.Errorf("store: clear primary: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO applicants (id, first_name, last_name, passport_number, nationality,
			phone_number, email, date_of_birth, gender, address, city, postal_code,
			country, emergency_contact, emergency_phone, visa_type, notes, is_primary,
			created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.FirstName, a.LastName, a.PassportNumber, a.Nationality,
		a.PhoneNumber, a.Email, a.DateOfBirth, a.Gender, a.Address, a.City,
		a.PostalCode, a.Country, a.EmergencyContact, a.EmergencyPhone,
		a.VisaType, a.Notes, boolInt(a.Primary), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: insert applicant: %w", err)
	}
	return tx.Commit()
}

// GetApplicant fetches one applicant by ID.
func (s *Store) GetApplicant(ctx context.Context, id string) (*Applicant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+applicantCols+` FROM applicants WHERE id = ?`, id)
	a, err := scanApplicant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get applicant: %w", err)
	}
	return a, nil
}

// ListApplicants returns all applicants, primary first.
func (s *Store) ListApplicants(ctx context.Context) ([]*Applicant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+applicantCols+` FROM applicants ORDER BY is_primary DESC, created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list applicants: %w", err)
	}
	defer rows.Close()

	var out []*Applicant
	for rows.Next() {
		a, err := scanApplicant(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan applicant: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PrimaryApplicant returns the primary applicant, or ErrNotFound.
func (s *Store) PrimaryApplicant(ctx context.Context) (*Applicant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+applicantCols+` FROM applicants WHERE is_primary = 1 LIMIT 1`)
	a, err := scanApplicant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: primary applicant: %w", err)
	}
	return a, nil
}

// UpdateApplicant replaces the record's editable fields with the given
// struct's values (the API layer merges partial updates before calling).
func (s *Store) UpdateApplicant(ctx context.Context, a *Applicant) error {
	a.UpdatedAt = time.Now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	if a.Primary {
		if _, err := tx.ExecContext(ctx, `UPDATE applicants SET is_primary = 0 WHERE id != ?`, a.ID); err != nil {
			return fmt.Errorf("store: clear primary: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE applicants SET first_name=?, last_name=?, passport_number=?, nationality=?,
			phone_number=?, email=?, date_of_birth=?, gender=?, address=?, city=?,
			postal_code=?, country=?, emergency_contact=?, emergency_phone=?,
			visa_type=?, notes=?, is_primary=?, updated_at=?
		WHERE id=?`,
		a.FirstName, a.LastName, a.PassportNumber, a.Nationality,
		a.PhoneNumber, a.Email, a.DateOfBirth, a.Gender, a.Address, a.City,
		a.PostalCode, a.Country, a.EmergencyContact, a.EmergencyPhone,
		a.VisaType, a.Notes, boolInt(a.Primary), a.UpdatedAt, a.ID)
	if err != nil {
		return fmt.Errorf("store: update applicant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// DeleteApplicant removes an applicant.
func (s *Store) DeleteApplicant(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM applicants WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete applicant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
