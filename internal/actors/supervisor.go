package actors

import (
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/tracktags/tracktags/internal/monitoring"
	"github.com/tracktags/tracktags/internal/registry"
)

// Runnable is a mailbox-driven worker the supervisor can run and, after
// a panic, replace.
type Runnable interface {
	Run()
	Stop()
}

const (
	maxRestarts        = 5
	restartBackoffBase = time.Second
)

// Supervisor runs actor loops and restarts them after panics. A restart
// boots a fresh instance via the actor's boot func and swaps it into the
// registry; whatever sat in the crashed mailbox is lost.
type Supervisor struct {
	registry *registry.Registry
	metrics  *monitoring.Metrics
	logger   *log.Logger
	wg       sync.WaitGroup
}

func NewSupervisor(reg *registry.Registry, metrics *monitoring.Metrics) *Supervisor {
	return &Supervisor{
		registry: reg,
		metrics:  metrics,
		logger:   log.New(log.Writer(), "[SUPERVISOR] ", log.LstdFlags),
	}
}

// Watch runs the actor's loop in a supervised goroutine. The caller has
// already registered the actor under key (usually via LookupOrStart);
// restarts rebind the key with Replace.
func (s *Supervisor) Watch(key, kind string, actor Runnable, boot func() (Runnable, error)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		current := actor
		for attempt := 0; ; attempt++ {
			if !s.runOnce(key, current) {
				return // clean exit: the actor shut itself down
			}
			if attempt+1 >= maxRestarts {
				s.logger.Printf("❌ %s crashed %d times, giving up", key, maxRestarts)
				s.registry.Unregister(key)
				return
			}

			backoff := time.Duration((attempt+1)*(attempt+1)) * restartBackoffBase
			s.logger.Printf("⚠️ restarting %s in %s (attempt %d/%d)", key, backoff, attempt+1, maxRestarts)
			time.Sleep(backoff)

			next, err := boot()
			if err != nil {
				s.logger.Printf("❌ reboot of %s failed: %v", key, err)
				s.registry.Unregister(key)
				return
			}
			s.registry.Replace(key, next)
			s.metrics.RecordActorRestart(kind)
			current = next
		}
	}()
}

// runOnce drives one actor lifetime and reports whether it panicked.
func (s *Supervisor) runOnce(key string, actor Runnable) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			s.logger.Printf("❌ %s panicked: %v\n%s", key, r, debug.Stack())
		}
	}()
	actor.Run()
	return false
}

// Wait blocks until every supervised loop has exited.
func (s *Supervisor) Wait() { s.wg.Wait() }
