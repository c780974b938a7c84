package biometric

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Collector defaults
const (
	DefaultMaxSamples = 300
	DefaultSessionTTL = 15 * time.Minute
)

// State is the lifecycle state of a pending enrollment.
type State string

// Enrollment states. Finalized and Aborted are terminal.
const (
	StateNoSamples      State = "no_samples"
	StateCollecting     State = "collecting"
	StateRefining       State = "refining"
	StateDuplicateCheck State = "duplicate_check"
	StateFinalized      State = "finalized"
	StateAborted        State = "aborted"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateFinalized || s == StateAborted
}

// acceptsSamples reports whether frames may still be appended.
func (s State) acceptsSamples() bool {
	return s == StateNoSamples || s == StateCollecting
}

// Enrollment is the sample accumulator of one pending registration.
// Appends are serialized by its own lock.
type Enrollment struct {
	Key string

	mu        sync.Mutex
	state     State
	samples   []Embedding
	createdAt time.Time
	updatedAt time.Time
}

func newEnrollment(key string, now time.Time) *Enrollment {
	return &Enrollment{
		Key:       key,
		state:     StateNoSamples,
		createdAt: now,
		updatedAt: now,
	}
}

// State returns the current state.
func (e *Enrollment) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Len returns the number of collected samples.
func (e *Enrollment) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.samples)
}

// append adds one embedding, enforcing the sample cap and the shared dimensionality.
func (e *Enrollment) append(emb Embedding, maxSamples int, now time.Time) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.acceptsSamples() {
		return len(e.samples), ErrEnrollmentClosed
	}
	if maxSamples > 0 && len(e.samples) >= maxSamples {
		return len(e.samples), ErrSampleLimit
	}
	if len(e.samples) > 0 && len(emb) != len(e.samples[0]) {
		return len(e.samples), &DimensionMismatchError{Expected: len(e.samples[0]), Actual: len(emb)}
	}

	e.samples = append(e.samples, emb.Clone())
	e.state = StateCollecting
	e.updatedAt = now
	return len(e.samples), nil
}

// beginRefining closes the enrollment for new frames and returns a snapshot
// of its samples.
func (e *Enrollment) beginRefining() ([]Embedding, State) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.state
	if prev != StateCollecting {
		return nil, prev
	}
	e.state = StateRefining
	snapshot := make([]Embedding, len(e.samples))
	copy(snapshot, e.samples)
	return snapshot, prev
}

// transition moves the enrollment to a new state. Reaching a terminal state
// releases the samples.
func (e *Enrollment) transition(to State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = to
	if to.Terminal() {
		e.samples = nil
	}
}

// expire aborts the enrollment if it is still collecting and has been idle
// for longer than ttl.
func (e *Enrollment) expire(now time.Time, ttl time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.acceptsSamples() || now.Sub(e.updatedAt) <= ttl {
		return false
	}
	e.state = StateAborted
	e.samples = nil
	return true
}

// Collector keeps the pending enrollments keyed by normalized pending key.
// mu is held across lookup and append so an enrollment removed from the map
// never receives another frame.
type Collector struct {
	mu         sync.Mutex
	pending    map[string]*Enrollment
	maxSamples int
	ttl        time.Duration
	now        func() time.Time
}

// NewCollector creates a collector. maxSamples <= 0 disables the cap and
// ttl <= 0 disables expiry.
func NewCollector(maxSamples int, ttl time.Duration) *Collector {
	return &Collector{
		pending:    make(map[string]*Enrollment),
		maxSamples: maxSamples,
		ttl:        ttl,
		now:        time.Now,
	}
}

// NormalizeKey canonicalizes a pending key (NFKC, case folded, trimmed) so
// that "Alice@Example.com " and "alice@example.com" share one enrollment.
func NormalizeKey(key string) string {
	key = norm.NFKC.String(strings.TrimSpace(key))
	return cases.Fold().String(key)
}

// Add appends an embedding to the enrollment for key, creating it if absent.
// It returns the number of samples collected so far.
func (c *Collector) Add(key string, emb Embedding) (int, error) {
	key = NormalizeKey(key)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.pending[key]
	if !ok {
		e = newEnrollment(key, now)
		c.pending[key] = e
	}
	return e.append(emb, c.maxSamples, now)
}

// Get returns the pending enrollment for key.
func (c *Collector) Get(key string) (*Enrollment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.pending[NormalizeKey(key)]
	return e, ok
}

// Take removes the enrollment for key and hands it to the caller.
func (c *Collector) Take(key string) (*Enrollment, bool) {
	key = NormalizeKey(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	return e, ok
}

// Discard drops the enrollment for key and marks it aborted.
func (c *Collector) Discard(key string) bool {
	e, ok := c.Take(key)
	if ok {
		e.transition(StateAborted)
	}
	return ok
}

// Sweep discards enrollments idle for longer than the TTL and returns how
// many were removed.
func (c *Collector) Sweep() int {
	if c.ttl <= 0 {
		return 0
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, e := range c.pending {
		if e.expire(now, c.ttl) {
			delete(c.pending, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of pending enrollments.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
