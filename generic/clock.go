package generic

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CLOCK
// =============================================================================

// Clock supplies wall-clock time. Components take a Clock so tests can
// move time without sleeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the real UTC clock.
func SystemClock() Clock { return systemClock{} }

// ManualClock is a Clock that only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start.UTC()}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

// =============================================================================
// IDS
// =============================================================================

// IDGenerator produces collision-resistant identifiers.
type IDGenerator interface {
	NewID() string
}

type uuidGenerator struct{}

func (uuidGenerator) NewID() string { return uuid.NewString() }

// UUIDGenerator returns a random (v4) UUID generator.
func UUIDGenerator() IDGenerator { return uuidGenerator{} }

// NewOperationID derives a fresh operation ID for callers that do not carry
// their own key, e.g. "withdrawal-user42-<uuid>".
func NewOperationID(t OperationType, subjectID string) string {
	return string(t) + "-" + subjectID + "-" + uuid.NewString()
}

// =============================================================================
// RANDOMNESS
// =============================================================================

// IndexSource picks an index in [0, n). Shard selection and backoff jitter
// go through it so tests can be deterministic.
type IndexSource interface {
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

// RandomIndex returns the process-wide random source.
func RandomIndex() IndexSource { return globalRand{} }

// SeededIndex returns a deterministic source; *rand.Rand is not safe for
// concurrent use so calls are serialized.
func SeededIndex(seed uint64) IndexSource {
	return &lockedRand{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) IntN(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.IntN(n)
}

// FixedIndex always returns the same index (clamped to n-1).
type FixedIndex int

func (f FixedIndex) IntN(n int) int {
	if int(f) >= n {
		return n - 1
	}
	if f < 0 {
		return 0
	}
	return int(f)
}
