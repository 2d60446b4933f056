package pool

import "time"

// Cooldown is the window after which an exhausted account becomes eligible
// for rotation again. Evaluated at read time; the stored exhaustion mark is
// never cleared by the passage of time.
const Cooldown = time.Hour

// IsAvailable reports whether the account may serve requests at the given
// instant.
func IsAvailable(a *Account, now time.Time) bool {
	if a.ExhaustedAt == nil {
		return true
	}
	return now.Sub(*a.ExhaustedAt) > Cooldown
}

// CountAvailable returns how many accounts in the pool are currently
// available.
func CountAvailable(p *Pool, now time.Time) int {
	count := 0
	for i := range p.Accounts {
		if IsAvailable(&p.Accounts[i], now) {
			count++
		}
	}
	return count
}

// NextAvailable scans offsets 1..len-1 from CurrentIndex, modulo the pool
// length, and returns the first available index. The current index is never
// re-selected, even when it is itself available, because the caller has just
// marked it exhausted; starting one past it guarantees fair cycling.
func NextAvailable(p *Pool, now time.Time) (int, bool) {
	n := len(p.Accounts)
	if n < 2 {
		return 0, false
	}
	for offset := 1; offset < n; offset++ {
		idx := (p.CurrentIndex + offset) % n
		if IsAvailable(&p.Accounts[idx], now) {
			return idx, true
		}
	}
	return 0, false
}

// NextRecovery returns the minimum remaining cooldown across exhausted
// accounts, used to report an ETA when every account is cooling down.
func NextRecovery(p *Pool, now time.Time) (time.Duration, bool) {
	var (
		found bool
		min   time.Duration
	)
	for i := range p.Accounts {
		a := &p.Accounts[i]
		if a.ExhaustedAt == nil {
			continue
		}
		remaining := Cooldown - now.Sub(*a.ExhaustedAt)
		if remaining < 0 {
			remaining = 0
		}
		if !found || remaining < min {
			min = remaining
			found = true
		}
	}
	return min, found
}
