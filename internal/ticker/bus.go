// Package ticker publishes named ticks at UTC-aligned boundaries. Every
// flush in the system hangs off one of these ticks.
package ticker

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tracktags/tracktags/internal/core"
)

// Supported tick names. Fixed-period ticks align to epoch multiples of
// their period (which lands on UTC midnight for divisors of a day);
// tick_1w aligns to Monday 00:00 UTC and tick_1mo to the 1st of the
// calendar month 00:00 UTC.
const (
	Tick1s  = "tick_1s"
	Tick5s  = "tick_5s"
	Tick15s = "tick_15s"
	Tick1m  = "tick_1m"
	Tick5m  = "tick_5m"
	Tick15m = "tick_15m"
	Tick1h  = "tick_1h"
	Tick1d  = "tick_1d"
	Tick1w  = "tick_1w"
	Tick1mo = "tick_1mo"
)

var fixedPeriods = map[string]time.Duration{
	Tick1s:  time.Second,
	Tick5s:  5 * time.Second,
	Tick15s: 15 * time.Second,
	Tick1m:  time.Minute,
	Tick5m:  5 * time.Minute,
	Tick15m: 15 * time.Minute,
	Tick1h:  time.Hour,
	Tick1d:  24 * time.Hour,
}

// Names lists every supported tick, shortest period first.
func Names() []string {
	return []string{Tick1s, Tick5s, Tick15s, Tick1m, Tick5m, Tick15m, Tick1h, Tick1d, Tick1w, Tick1mo}
}

// IsValid reports whether name is a supported tick.
func IsValid(name string) bool {
	if _, ok := fixedPeriods[name]; ok {
		return true
	}
	return name == Tick1w || name == Tick1mo
}

// NextBoundary returns the first aligned boundary strictly after t.
func NextBoundary(name string, t time.Time) (time.Time, error) {
	t = t.UTC()
	if d, ok := fixedPeriods[name]; ok {
		next := t.Truncate(d).Add(d)
		if !next.After(t) {
			next = next.Add(d)
		}
		return next, nil
	}
	switch name {
	case Tick1w:
		// Monday 00:00 UTC.
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(time.Monday) - int(day.Weekday()) + 7) % 7
		next := day.AddDate(0, 0, offset)
		if !next.After(t) {
			next = next.AddDate(0, 0, 7)
		}
		return next, nil
	case Tick1mo:
		// 1st of the calendar month 00:00 UTC.
		next := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		if !next.After(t) {
			next = next.AddDate(0, 1, 0)
		}
		return next, nil
	}
	return time.Time{}, fmt.Errorf("unknown tick %q", name)
}

// Window returns the [start, end] bounds of the tick period ending at
// boundary. Stagers use it to stamp flush windows.
func Window(name string, boundary time.Time) (time.Time, time.Time) {
	end := boundary.UTC()
	if d, ok := fixedPeriods[name]; ok {
		return end.Add(-d), end
	}
	switch name {
	case Tick1w:
		return end.AddDate(0, 0, -7), end
	case Tick1mo:
		return end.AddDate(0, -1, 0), end
	}
	return end, end
}

// Bus runs one scheduler goroutine per tick name and fans each firing
// out to subscriber channels. Sends never block: a wedged subscriber
// drops ticks instead of stalling the bus, and the strictly increasing
// sequence lets it detect the gap.
type Bus struct {
	clock  clockwork.Clock
	logger *log.Logger

	mu   sync.RWMutex
	subs map[string][]chan core.Tick
	seq  map[string]uint64

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewBus builds a bus on the real clock.
func NewBus() *Bus {
	return NewBusWithClock(clockwork.NewRealClock())
}

// NewBusWithClock builds a bus on an injected clock. Tests pass a fake.
func NewBusWithClock(clock clockwork.Clock) *Bus {
	return &Bus{
		clock:  clock,
		logger: log.New(log.Writer(), "[TICKER] ", log.LstdFlags),
		subs:   make(map[string][]chan core.Tick),
		seq:    make(map[string]uint64),
		stop:   make(chan struct{}),
	}
}

// Subscribe returns a channel that receives every firing of the named
// tick, plus an unsubscribe func. Subscribing to an unknown tick fails.
func (b *Bus) Subscribe(name string) (<-chan core.Tick, func(), error) {
	if !IsValid(name) {
		return nil, nil, fmt.Errorf("subscribe: unknown tick %q", name)
	}
	ch := make(chan core.Tick, 16)

	b.mu.Lock()
	b.subs[name] = append(b.subs[name], ch)
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		chans := b.subs[name]
		for i, c := range chans {
			if c == ch {
				b.subs[name] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
	}
	return ch, unsubscribe, nil
}

// Start launches one scheduler per tick name. Safe to call once.
func (b *Bus) Start() {
	b.startOnce.Do(func() {
		for _, name := range Names() {
			b.wg.Add(1)
			go b.run(name)
		}
		b.logger.Printf("started %d tick schedulers", len(Names()))
	})
}

// Stop halts all schedulers and waits for them to exit.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		close(b.stop)
	})
	b.wg.Wait()
}

func (b *Bus) run(name string) {
	defer b.wg.Done()
	for {
		now := b.clock.Now().UTC()
		next, err := NextBoundary(name, now)
		if err != nil {
			b.logger.Printf("scheduler %s: %v", name, err)
			return
		}

		timer := b.clock.NewTimer(next.Sub(now))
		select {
		case <-b.stop:
			timer.Stop()
			return
		case <-timer.Chan():
		}

		// Fire the boundary we slept toward. If the process was paused
		// past further boundaries, the next loop pass recomputes from
		// the new wall clock and skips the missed ones.
		b.publish(name, next)
	}
}

func (b *Bus) publish(name string, boundary time.Time) {
	b.mu.Lock()
	b.seq[name]++
	tick := core.Tick{Name: name, UnixTS: boundary.Unix(), Sequence: b.seq[name]}
	chans := make([]chan core.Tick, len(b.subs[name]))
	copy(chans, b.subs[name])
	b.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- tick:
		default:
			b.logger.Printf("⚠️ %s seq=%d dropped for a slow subscriber", name, tick.Sequence)
		}
	}
}

// FireNow publishes a synthetic tick immediately. Shutdown uses this for
// the final flush pass; sequences stay monotonic.
func (b *Bus) FireNow(name string) error {
	if !IsValid(name) {
		return fmt.Errorf("fire: unknown tick %q", name)
	}
	b.publish(name, b.clock.Now().UTC())
	return nil
}
