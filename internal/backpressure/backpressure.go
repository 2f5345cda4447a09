// Package backpressure implements the engine queue's admission
// controller: a three-state circuit (CLOSED/HALF_OPEN/OPEN) wrapped
// around sony/gobreaker, driven by observed queue depth rather than
// gobreaker's default request-failure-ratio trip condition.
package backpressure

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/samirobaid01/aemos-core/internal/engineerr"
	"github.com/samirobaid01/aemos-core/pkg/logger"
)

var errDepthTooHigh = errors.New("backpressure: queue depth over threshold")

// State mirrors gobreaker.State with the names the metrics surface
// uses.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	default:
		return "open"
	}
}

// Thresholds configures the depth boundaries and cooldown.
type Thresholds struct {
	Warning  int
	Critical int
	Cooldown time.Duration
}

// Controller tracks queueDepth (set by the manager on every enqueue)
// and answers admission requests. gobreaker's ReadyToTrip and
// OnStateChange hooks implement the critical/cooldown transitions;
// Admit() itself wraps every decision through the breaker's Execute so
// probe semantics in HALF_OPEN (admit exactly one event) come from
// gobreaker. An open circuit also leaves OPEN without waiting for the
// cooldown once the queue drains to the warning threshold — gobreaker
// short-circuits Execute while open, so that path is handled before
// the breaker is consulted.
type Controller struct {
	mu             sync.RWMutex
	cb             *gobreaker.CircuitBreaker
	thresholds     Thresholds
	depth          atomic.Int64
	rejected       atomic.Int64
	stateEnteredAt atomic.Int64
	log            *logger.Logger
}

func New(t Thresholds, log *logger.Logger) *Controller {
	c := &Controller{thresholds: t, log: log}
	c.stateEnteredAt.Store(time.Now().UnixNano())
	c.cb = c.newBreaker()
	return c
}

func (c *Controller) newBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "rule-engine-queue",
		MaxRequests: 1, // one probe event admitted per HALF_OPEN interval
		Interval:    0, // counts never reset on a timer; depth drives transitions directly
		Timeout:     c.thresholds.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.stateEnteredAt.Store(time.Now().UnixNano())
			if c.log != nil {
				c.log.Infow("backpressure circuit state change", "name", name, "from", from.String(), "to", to.String(), "depth", c.depth.Load())
			}
		},
	})
}

func (c *Controller) breaker() *gobreaker.CircuitBreaker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cb
}

// SetDepth records the manager's current waiting+active queue depth.
// Called once per enqueue/dequeue so ReadyToTrip and State() observe
// fresh data without a repository round-trip.
func (c *Controller) SetDepth(depth int) {
	c.depth.Store(int64(depth))
}

func (c *Controller) Depth() int {
	return int(c.depth.Load())
}

// Admit asks the breaker whether a new event may enter the queue. The
// depth gate is evaluated inside the breaker's wrapped call so its
// outcome drives gobreaker's own state machine: CLOSED trips to OPEN
// once depth reaches critical, OPEN refuses everything until either
// the cooldown elapses or the queue drains to the warning threshold,
// and the first call afterward is the HALF_OPEN probe, gated against
// the lower warning threshold so the circuit only recloses once the
// queue has actually stayed drained.
func (c *Controller) Admit() error {
	c.reopenIfDrained()

	cb := c.breaker()
	_, err := cb.Execute(func() (interface{}, error) {
		depth := c.depth.Load()
		if cb.State() == gobreaker.StateHalfOpen {
			if depth > int64(c.thresholds.Warning) {
				return nil, errDepthTooHigh
			}
			return nil, nil
		}
		if depth >= int64(c.thresholds.Critical) {
			return nil, errDepthTooHigh
		}
		return nil, nil
	})
	if err != nil {
		c.rejected.Add(1)
		return engineerr.New(engineerr.BackpressureRejected, "queue admission refused", map[string]interface{}{
			"depth": c.depth.Load(), "state": c.State().String(),
		})
	}
	return nil
}

// reopenIfDrained is the early exit from OPEN: when the queue has
// drained to the warning threshold before the cooldown elapses, the
// tripped breaker is swapped for a fresh one so the caller's admission
// becomes the probe. gobreaker never re-invokes the depth gate while
// open (Execute short-circuits with ErrOpenState), so this check has
// to run outside the breaker.
func (c *Controller) reopenIfDrained() {
	if c.breaker().State() != gobreaker.StateOpen {
		return
	}
	if c.depth.Load() > int64(c.thresholds.Warning) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cb.State() != gobreaker.StateOpen {
		return
	}
	c.stateEnteredAt.Store(time.Now().UnixNano())
	if c.log != nil {
		c.log.Infow("backpressure circuit reopening early, queue drained below warning",
			"depth", c.depth.Load(), "warning", c.thresholds.Warning)
	}
	c.cb = c.newBreaker()
}

func (c *Controller) State() State {
	switch c.breaker().State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func (c *Controller) Rejected() int64 {
	return c.rejected.Load()
}

// StateAge returns how long the controller has held its current state.
func (c *Controller) StateAge() time.Duration {
	return time.Since(time.Unix(0, c.stateEnteredAt.Load()))
}

func (c *Controller) Thresholds() Thresholds {
	return c.thresholds
}
