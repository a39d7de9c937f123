package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SystemConfig reads the singleton configuration row.
func (s *Store) SystemConfig(ctx context.Context) (*SystemConfig, error) {
	var c SystemConfig
	var autoBook int
	var lastCheck sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT status, check_interval_min, visa_type, visa_subtype,
			appointment_type, members, auto_book, last_check,
			total_checks, slots_found, successful_bookings, error_count
		FROM system_config WHERE id = 1`).
		Scan(&c.Status, &c.CheckIntervalMin, &c.VisaType, &c.VisaSubType,
			&c.AppointmentType, &c.Members, &autoBook, &lastCheck,
			&c.TotalChecks, &c.SlotsFound, &c.SuccessfulBookings, &c.ErrorCount)
	if err != nil {
		return nil, fmt.Errorf("store: system config: %w", err)
	}
	c.AutoBook = autoBook != 0
	if lastCheck.Valid {
		c.LastCheck = &lastCheck.Int64
	}
	return &c, nil
}

// SaveRunConfig persists the run-configuration half of the singleton row
// (status and counters are owned by the engine-side setters below).
func (s *Store) SaveRunConfig(ctx context.Context, c *SystemConfig) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE system_config
		SET check_interval_min=?, visa_type=?, visa_subtype=?,
			appointment_type=?, members=?, auto_book=?, updated_at=?
		WHERE id = 1`,
		c.CheckIntervalMin, c.VisaType, c.VisaSubType,
		c.AppointmentType, c.Members, boolInt(c.AutoBook), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: save run config: %w", err)
	}
	return nil
}

// SetSystemStatus updates the status field only.
func (s *Store) SetSystemStatus(ctx context.Context, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE system_config SET status=?, updated_at=? WHERE id = 1`,
		status, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: set status: %w", err)
	}
	return nil
}

// BumpCheckCounters records one completed attempt: total_checks always
// increments; slots found, bookings, and errors increment by the deltas.
func (s *Store) BumpCheckCounters(ctx context.Context, slotsFound, bookings, errs int, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE system_config
		SET total_checks = total_checks + 1,
			slots_found = slots_found + ?,
			successful_bookings = successful_bookings + ?,
			error_count = error_count + ?,
			last_check = ?,
			updated_at = ?
		WHERE id = 1`,
		slotsFound, bookings, errs, at.UnixMilli(), at.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: bump counters: %w", err)
	}
	return nil
}

// NotificationSettings reads the singleton notification preferences.
func (s *Store) NotificationSettings(ctx context.Context) (*NotificationSettings, error) {
	var n NotificationSettings
	var enabled, onSlots, onBooking, onErrors int
	err := s.db.QueryRowContext(ctx, `
		SELECT email_enabled, email, on_slots_found, on_booking, on_errors
		FROM notification_settings WHERE id = 1`).
		Scan(&enabled, &n.Email, &onSlots, &onBooking, &onErrors)
	if err != nil {
		return nil, fmt.Errorf("store: notification settings: %w", err)
	}
	n.EmailEnabled = enabled != 0
	n.OnSlotsFound = onSlots != 0
	n.OnBooking = onBooking != 0
	n.OnErrors = onErrors != 0
	return &n, nil
}

// SaveNotificationSettings replaces the singleton notification preferences.
func (s *Store) SaveNotificationSettings(ctx context.Context, n *NotificationSettings) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notification_settings
		SET email_enabled=?, email=?, on_slots_found=?, on_booking=?, on_errors=?
		WHERE id = 1`,
		boolInt(n.EmailEnabled), n.Email, boolInt(n.OnSlotsFound),
		boolInt(n.OnBooking), boolInt(n.OnErrors))
	if err != nil {
		return fmt.Errorf("store: save notification settings: %w", err)
	}
	return nil
}
