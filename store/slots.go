package store

import (
	"context"
	"fmt"
	"time"

	"github.com/slotwatch/slotwatch/idgen"
)

// AppendSlot records a discovered slot. Discoveries are immutable: every
// sighting gets a fresh row, duplicates included.
func (s *Store) AppendSlot(ctx context.Context, slot *Slot) error {
	if slot.ID == "" {
		slot.ID = idgen.Slot()
	}
	if slot.FoundAt == 0 {
		slot.FoundAt = time.Now().UnixMilli()
	}
	if slot.Status == "" {
		slot.Status = SlotAvailable
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO appointment_slots (id, found_at, slot_date, slot_time,
			visa_type, visa_subtype, location, available, status, booking_ref)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		slot.ID, slot.FoundAt, slot.Date, slot.Time,
		slot.VisaType, slot.VisaSubType, slot.Location, slot.Available,
		slot.Status, slot.BookingRef)
	if err != nil {
		return fmt.Errorf("store: append slot: %w", err)
	}
	return nil
}

// ListSlots returns the most recently found slots, newest first.
func (s *Store) ListSlots(ctx context.Context, limit int) ([]*Slot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, found_at, slot_date, slot_time, visa_type, visa_subtype,
			location, available, status, booking_ref
		FROM appointment_slots ORDER BY found_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list slots: %w", err)
	}
	defer rows.Close()

	var out []*Slot
	for rows.Next() {
		var sl Slot
		if err := rows.Scan(&sl.ID, &sl.FoundAt, &sl.Date, &sl.Time, &sl.VisaType,
			&sl.VisaSubType, &sl.Location, &sl.Available, &sl.Status, &sl.BookingRef); err != nil {
			return nil, fmt.Errorf("store: scan slot: %w", err)
		}
		out = append(out, &sl)
	}
	return out, rows.Err()
}

// CountSlots returns the total number of recorded slot discoveries.
func (s *Store) CountSlots(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM appointment_slots`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count slots: %w", err)
	}
	return n, nil
}
