// Package timer implements the three timers the consensus core schedules
// against: the randomized election timer, the fixed heartbeat timer, and
// the snapshot-threshold check timer. Every timer delivers its expiration
// as a value on a channel rather than invoking a callback directly, so the
// actor that owns consensus state is the only thing that ever reacts to a
// firing timer: timers deliver commands, they do not invoke handlers
// directly.
package timer

import (
	"math/rand"
	"sync"
	"time"
)

// Kind identifies which of the three timers fired.
type Kind int

const (
	Election Kind = iota
	Heartbeat
	Snapshot
)

func (k Kind) String() string {
	switch k {
	case Election:
		return "election"
	case Heartbeat:
		return "heartbeat"
	case Snapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// Elapsed is delivered on the timer's output channel when a timer fires.
type Elapsed struct {
	Kind       Kind
	Generation uint64
}

// Timer wraps time.Timer with a generation counter so that a fire event
// racing with a concurrent Reset/Stop can be recognized as stale and
// discarded by the receiver, instead of requiring perfectly-synchronized
// Stop-then-drain logic at every call site.
type Timer struct {
	mu         sync.Mutex
	kind       Kind
	out        chan<- Elapsed
	underlying *time.Timer
	generation uint64
}

// New creates a timer that delivers Elapsed values for kind to out. The
// timer is not scheduled until Reset is called.
func New(kind Kind, out chan<- Elapsed) *Timer {
	return &Timer{kind: kind, out: out}
}

// Reset (re)schedules the timer to fire after d, returning the generation
// number the caller should compare an eventually-delivered Elapsed against.
func (t *Timer) Reset(d time.Duration) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.underlying != nil {
		t.underlying.Stop()
	}
	t.generation++
	gen := t.generation
	t.underlying = time.AfterFunc(d, func() {
		select {
		case t.out <- Elapsed{Kind: t.kind, Generation: gen}:
		default:
			// The output channel is full; a coalesced extra tick
			// is harmless for all three timers, so the fire is dropped
			// rather than blocking this goroutine.
		}
	})
	return gen
}

// Stop cancels any pending fire. A subsequent Reset is required to
// reschedule.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.underlying != nil {
		t.underlying.Stop()
		t.underlying = nil
	}
	t.generation++
}

// Generation reports the timer's current generation, for callers that want
// to validate an Elapsed without going through Reset again.
func (t *Timer) Generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.generation
}

// RandomElectionTimeout returns a uniform random duration in [min, max),
// the randomization Raft uses to make split votes unlikely.
func RandomElectionTimeout(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	span := max - min
	return min + time.Duration(rand.Int63n(int64(span)))
}

// Config bundles the three timer durations a node is configured with.
type Config struct {
	ElectionMin       time.Duration
	ElectionMax       time.Duration
	HeartbeatInterval time.Duration
	SnapshotInterval  time.Duration
}

// DefaultConfig returns the stock timing values: randomized 150-300ms
// elections, 50ms heartbeats, a snapshot check every 5s.
func DefaultConfig() Config {
	return Config{
		ElectionMin:       150 * time.Millisecond,
		ElectionMax:       300 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
		SnapshotInterval:  5 * time.Second,
	}
}

// Set bundles the three timers a node schedules against, all delivering
// into the same Elapsed channel (the actor's command queue demultiplexes
// by Kind).
type Set struct {
	cfg       Config
	ElectionT *Timer
	Heartbeat *Timer
	SnapshotT *Timer
}

// NewSet constructs a Set whose timers all deliver into out. None of the
// three timers are scheduled yet; call ResetElection/ResetHeartbeat/
// ResetSnapshot (or Stop) as the node's state dictates.
func NewSet(cfg Config, out chan<- Elapsed) *Set {
	return &Set{
		cfg:       cfg,
		ElectionT: New(Election, out),
		Heartbeat: New(Heartbeat, out),
		SnapshotT: New(Snapshot, out),
	}
}

// ResetElection reschedules the election timer to a fresh random value.
func (s *Set) ResetElection() uint64 {
	return s.ElectionT.Reset(RandomElectionTimeout(s.cfg.ElectionMin, s.cfg.ElectionMax))
}

// ResetHeartbeat reschedules the heartbeat timer at its fixed interval.
func (s *Set) ResetHeartbeat() uint64 {
	return s.Heartbeat.Reset(s.cfg.HeartbeatInterval)
}

// ResetSnapshot reschedules the snapshot-check timer at its fixed interval.
func (s *Set) ResetSnapshot() uint64 {
	return s.SnapshotT.Reset(s.cfg.SnapshotInterval)
}

// StopAll stops every timer in the set, e.g. on node shutdown.
func (s *Set) StopAll() {
	s.ElectionT.Stop()
	s.Heartbeat.Stop()
	s.SnapshotT.Stop()
}
