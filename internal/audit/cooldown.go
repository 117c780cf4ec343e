package audit

import (
	"time"

	"fantasyguard/internal/store"
)

// Cooldown remembers when a keyed action last fired.
type Cooldown struct {
	last *store.Sharded[time.Time]
}

func NewCooldown() *Cooldown {
	return &Cooldown{last: store.NewSharded[time.Time](0)}
}

// AllowKey reports whether the action for key may run at now and, if so,
// restarts its cooldown.
func (c *Cooldown) AllowKey(key string, cooldown time.Duration, now time.Time) bool {
	if cooldown <= 0 {
		return true
	}
	allowed := false
	c.last.Update(key, func() time.Time { return time.Time{} }, func(ts *time.Time) {
		if !ts.IsZero() && now.Sub(*ts) < cooldown {
			return
		}
		*ts = now
		allowed = true
	})
	return allowed
}

// Sweep forgets keys idle for longer than maxAge.
func (c *Cooldown) Sweep(now time.Time, maxAge time.Duration) int {
	return c.last.Sweep(func(_ string, ts *time.Time) bool {
		return now.Sub(*ts) > maxAge
	})
}

func (c *Cooldown) Len() int {
	return c.last.Len()
}

func cooldownKey(pattern, principalID, ip string) string {
	subject := principalID
	if subject == "" {
		subject = ip
	}
	return pattern + "|" + subject
}
