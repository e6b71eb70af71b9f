package actors

import (
	"context"
	"sync"
	"time"

	"github.com/tracktags/tracktags/internal/core"
	"github.com/tracktags/tracktags/internal/events"
	"github.com/tracktags/tracktags/internal/ticker"
)

// Drainer moves one tick's staged batches into the row store. One
// drainer runs per tick name; actors stage, drainers commit. The stage
// is cleared only after the durable write succeeds, so a failed write
// retries on the next firing with re-staged values.
type Drainer struct {
	tick string
	deps *Deps

	ticks <-chan core.Tick
	unsub func()

	stopOnce sync.Once
	done     chan struct{}
	stopped  chan struct{}
}

// NewDrainer subscribes to the tick and returns the ready drainer.
func NewDrainer(deps *Deps, tick string) (*Drainer, error) {
	ch, unsub, err := deps.Bus.Subscribe(tick)
	if err != nil {
		return nil, err
	}
	return &Drainer{
		tick:    tick,
		deps:    deps,
		ticks:   ch,
		unsub:   unsub,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}, nil
}

// StartDrainers boots one supervised drainer per tick name.
func StartDrainers(deps *Deps) ([]*Drainer, error) {
	var drainers []*Drainer
	for _, name := range ticker.Names() {
		d, err := NewDrainer(deps, name)
		if err != nil {
			return nil, err
		}
		boot := func() (Runnable, error) { return NewDrainer(deps, name) }
		deps.Super.Watch("drainer:"+name, "drainer", d, boot)
		drainers = append(drainers, d)
	}
	return drainers, nil
}

func (d *Drainer) Run() {
	defer close(d.stopped)
	for {
		select {
		case <-d.ticks:
			if err := d.Drain(context.Background()); err != nil {
				d.deps.Logger.Printf("❌ drain %s: %v", d.tick, err)
			}
		case <-d.done:
			d.unsub()
			return
		}
	}
}

func (d *Drainer) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
}

// Drain commits everything currently staged for the drainer's tick.
// Exposed so shutdown can force a final pass.
func (d *Drainer) Drain(ctx context.Context) error {
	start := time.Now()
	batches, err := d.deps.Batches.FlushInterval(d.tick)
	if err != nil {
		d.deps.Metrics.RecordFlush(d.tick, 0, time.Since(start).Seconds(), err)
		return err
	}
	if len(batches) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	err = d.deps.DB.FlushBatch(ctx, batches)
	d.deps.Metrics.RecordFlush(d.tick, len(batches), time.Since(start).Seconds(), err)
	if err != nil {
		// Stage stays intact; the next firing retries with fresh values.
		return err
	}

	if err := d.deps.Batches.ClearInterval(d.tick); err != nil {
		return err
	}
	d.deps.emit(events.TypeMetricFlushed, "tracktags/drainer", d.tick, map[string]interface{}{
		"tick":    d.tick,
		"batches": len(batches),
	})
	d.deps.Logger.Printf("✅ flushed %d batches for %s", len(batches), d.tick)
	return nil
}
