package pool

import (
	"testing"
	"time"
)

func poolOf(current int, exhausted ...*time.Time) *Pool {
	p := &Pool{CurrentIndex: current}
	for i, ex := range exhausted {
		p.Accounts = append(p.Accounts, Account{
			Label:       PlaceholderLabel(i + 1),
			ExhaustedAt: ex,
		})
	}
	return p
}

func TestIsAvailable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	fresh := &Account{}
	if !IsAvailable(fresh, now) {
		t.Fatal("account without exhaustion mark should be available")
	}

	justExhausted := now.Add(-time.Minute)
	if IsAvailable(&Account{ExhaustedAt: &justExhausted}, now) {
		t.Fatal("account exhausted a minute ago should be cooling down")
	}

	atBoundary := now.Add(-Cooldown)
	if IsAvailable(&Account{ExhaustedAt: &atBoundary}, now) {
		t.Fatal("account at exactly one cooldown should still be cooling down")
	}

	pastBoundary := now.Add(-Cooldown - time.Second)
	if !IsAvailable(&Account{ExhaustedAt: &pastBoundary}, now) {
		t.Fatal("account past the cooldown should be available again")
	}
}

func TestNextAvailableNeverRepicksCurrent(t *testing.T) {
	now := time.Now()
	p := poolOf(1, nil, nil, nil)

	idx, ok := NextAvailable(p, now)
	if !ok {
		t.Fatal("expected an available account")
	}
	if idx == p.CurrentIndex {
		t.Fatalf("NextAvailable returned the current index %d", idx)
	}
	if idx != 2 {
		t.Fatalf("expected the account one past current, got %d", idx)
	}
}

func TestNextAvailableWrapsAndSkipsExhausted(t *testing.T) {
	now := time.Now()
	cooling := now.Add(-10 * time.Minute)
	// current=2; index 0 is the only available candidate after wrapping.
	p := poolOf(2, nil, &cooling, nil)

	idx, ok := NextAvailable(p, now)
	if !ok {
		t.Fatal("expected an available account")
	}
	if idx != 0 {
		t.Fatalf("expected wrap to index 0, got %d", idx)
	}
}

func TestNextAvailableExhaustedPool(t *testing.T) {
	now := time.Now()
	cooling := now.Add(-10 * time.Minute)
	p := poolOf(0, nil, &cooling, &cooling)

	if _, ok := NextAvailable(p, now); ok {
		t.Fatal("every other account is cooling down, expected no candidate")
	}

	// Single-account pools never rotate.
	if _, ok := NextAvailable(poolOf(0, nil), now); ok {
		t.Fatal("single-account pool must not rotate")
	}
}

func TestRoundRobinVisitsEveryAccountOncePerCycle(t *testing.T) {
	now := time.Now()
	p := poolOf(0, nil, nil, nil, nil)

	// Repeatedly exhaust the current account and rotate: every other
	// account must be visited exactly once before the pool runs dry.
	visited := make(map[int]int)
	for {
		exhausted := now
		p.Accounts[p.CurrentIndex].ExhaustedAt = &exhausted
		idx, ok := NextAvailable(p, now)
		if !ok {
			break
		}
		visited[idx]++
		p.CurrentIndex = idx
	}
	if len(visited) != 3 {
		t.Fatalf("expected 3 distinct rotations, got %v", visited)
	}
	for idx, count := range visited {
		if count != 1 {
			t.Fatalf("account %d visited %d times in one cycle", idx, count)
		}
	}
}

func TestNextRecovery(t *testing.T) {
	now := time.Now()
	tenAgo := now.Add(-10 * time.Minute)
	fiftyAgo := now.Add(-50 * time.Minute)
	p := poolOf(0, &tenAgo, &fiftyAgo, nil)

	wait, ok := NextRecovery(p, now)
	if !ok {
		t.Fatal("expected a recovery ETA")
	}
	if want := 10 * time.Minute; wait.Round(time.Second) != want {
		t.Fatalf("expected soonest recovery in %s, got %s", want, wait)
	}

	if _, ok := NextRecovery(poolOf(0, nil, nil), now); ok {
		t.Fatal("pool without exhausted accounts has no recovery ETA")
	}
}

func TestCountAvailable(t *testing.T) {
	now := time.Now()
	cooling := now.Add(-5 * time.Minute)
	recovered := now.Add(-Cooldown - time.Minute)
	p := poolOf(0, nil, &cooling, &recovered)

	if got := CountAvailable(p, now); got != 2 {
		t.Fatalf("expected 2 available accounts, got %d", got)
	}
}
