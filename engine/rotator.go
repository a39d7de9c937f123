package engine

import (
	"errors"
	"time"

	"github.com/slotwatch/slotwatch/store"
)

// ErrPoolExhausted reports that no active credential remains. The monitor
// treats it like a fatal outcome: stop and surface, never a silent no-op.
var ErrPoolExhausted = errors.New("engine: no active credential in pool")

// SelectNext picks the credential the next attempt should use. An active
// primary credential always wins; otherwise the active credential with the
// lowest success ratio goes next, ties broken by least-recently-used.
// Pure over the snapshot: no mutation, safe to call from status handlers.
func SelectNext(pool []*store.Credential) (*store.Credential, error) {
	var best *store.Credential
	for _, c := range pool {
		if !c.Active {
			continue
		}
		if c.Primary {
			return c, nil
		}
		if best == nil || ratioLess(c, best) {
			best = c
		}
	}
	if best == nil {
		return nil, ErrPoolExhausted
	}
	return best, nil
}

func ratioLess(a, b *store.Credential) bool {
	ra, rb := a.SuccessRate(), b.SuccessRate()
	if ra != rb {
		return ra < rb
	}
	return lastUsed(a) < lastUsed(b)
}

// lastUsed treats a never-used credential as infinitely stale.
func lastUsed(c *store.Credential) int64 {
	if c.LastUsed == nil {
		return 0
	}
	return *c.LastUsed
}

// Record returns a new pool snapshot with the attempt applied to the given
// credential: attempts always increment, successes only on success, and
// last-used is stamped. The input snapshot is untouched.
func Record(pool []*store.Credential, id string, success bool, at time.Time) []*store.Credential {
	out := make([]*store.Credential, len(pool))
	for i, c := range pool {
		if c.ID != id {
			out[i] = c
			continue
		}
		cp := *c
		cp.TotalAttempts++
		if success {
			cp.SuccessfulAttempts++
		}
		ts := at.UnixMilli()
		cp.LastUsed = &ts
		out[i] = &cp
	}
	return out
}
