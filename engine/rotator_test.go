package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/slotwatch/slotwatch/store"
)

func cred(id string, active, primary bool, attempts, successes int64, lastUsed int64) *store.Credential {
	c := &store.Credential{
		ID:                 id,
		Active:             active,
		Primary:            primary,
		TotalAttempts:      attempts,
		SuccessfulAttempts: successes,
	}
	if lastUsed > 0 {
		c.LastUsed = &lastUsed
	}
	return c
}

func TestSelectNextNeverReturnsInactive(t *testing.T) {
	pool := []*store.Credential{
		cred("a", false, true, 0, 0, 0),
		cred("b", true, false, 10, 5, 0),
		cred("c", false, false, 0, 0, 0),
	}
	got, err := SelectNext(pool)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "b" {
		t.Errorf("got %s, want b (only active)", got.ID)
	}
}

func TestSelectNextPrefersActivePrimary(t *testing.T) {
	// WHAT: an active primary wins regardless of other credentials' stats.
	pool := []*store.Credential{
		cred("perfect", true, false, 100, 100, 0),
		cred("prim", true, true, 50, 1, 0),
	}
	got, err := SelectNext(pool)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "prim" {
		t.Errorf("got %s, want prim", got.ID)
	}
}

func TestSelectNextLowestSuccessRatio(t *testing.T) {
	pool := []*store.Credential{
		cred("good", true, false, 10, 9, 0), // 0.9
		cred("weak", true, false, 5, 1, 0),  // 0.2
	}
	got, err := SelectNext(pool)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "weak" {
		t.Errorf("got %s, want weak (0.2 < 0.9)", got.ID)
	}
}

func TestSelectNextTieBreaksLeastRecentlyUsed(t *testing.T) {
	pool := []*store.Credential{
		cred("recent", true, false, 4, 2, 2000),
		cred("stale", true, false, 2, 1, 1000),
		cred("never", true, false, 2, 1, 0),
	}
	got, err := SelectNext(pool)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "never" {
		t.Errorf("got %s, want never (unused sorts oldest)", got.ID)
	}
}

func TestSelectNextPoolExhausted(t *testing.T) {
	_, err := SelectNext(nil)
	if !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("empty pool: got %v", err)
	}
	_, err = SelectNext([]*store.Credential{cred("x", false, true, 0, 0, 0)})
	if !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("all inactive: got %v", err)
	}
}

func TestRecordIsPureSnapshot(t *testing.T) {
	now := time.Now()
	pool := []*store.Credential{cred("a", true, false, 1, 1, 0)}

	next := Record(pool, "a", true, now)
	next = Record(next, "a", false, now.Add(time.Second))

	if pool[0].TotalAttempts != 1 || pool[0].SuccessfulAttempts != 1 {
		t.Errorf("input mutated: %+v", pool[0])
	}
	if next[0].TotalAttempts != 3 || next[0].SuccessfulAttempts != 2 {
		t.Errorf("snapshot: got %d/%d, want 3/2", next[0].SuccessfulAttempts, next[0].TotalAttempts)
	}
	if next[0].LastUsed == nil || *next[0].LastUsed != now.Add(time.Second).UnixMilli() {
		t.Errorf("last used: %v", next[0].LastUsed)
	}
}
