package clock

import (
	"sync"
	"time"
)

// Clock abstracts wall-clock access so scheduling and TTL logic is
// deterministic in tests.
type Clock interface {
	Now() time.Time
}

// System uses the system time in UTC.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// Frozen is a manually advanced clock for tests.
type Frozen struct {
	mu  sync.Mutex
	now time.Time
}

func NewFrozen(at time.Time) *Frozen { return &Frozen{now: at.UTC()} }

func (f *Frozen) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the frozen clock forward by d.
func (f *Frozen) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}
