// Package freshness ranks conversation files by how recently they changed
// and feeds a bounded priority queue that favors live conversations.
package freshness

import (
	"sync"
	"time"
)

// Level orders files by urgency. Hot files are live conversations; UrgentWarm
// files are warm files that have waited too long.
type Level int

const (
	Hot Level = iota
	UrgentWarm
	Warm
	Cold
)

func (l Level) String() string {
	switch l {
	case Hot:
		return "hot"
	case UrgentWarm:
		return "urgent_warm"
	case Warm:
		return "warm"
	default:
		return "cold"
	}
}

const (
	// DefaultHotWindow bounds how recently a file must have changed to be hot.
	DefaultHotWindow = 5 * time.Minute
	// DefaultWarmWindow bounds the warm band.
	DefaultWarmWindow = 24 * time.Hour
	// DefaultMaxWarmWait is the starvation threshold promoting warm to
	// urgent_warm.
	DefaultMaxWarmWait = 30 * time.Minute

	// Priority bands. Lower number = more urgent. The tie-break term k is
	// the modification time bucketed modulo tieBucket, which keeps the
	// bands disjoint: hot < urgent_warm < warm < cold always holds.
	hotBase    = 100
	urgentBase = 10000
	warmBase   = 20000
	coldBase   = 40000
	tieBucket  = 9000
)

// Classifier assigns levels and priorities at scan time. It remembers when
// each path first entered the queue so starved warm files get promoted.
type Classifier struct {
	hotWindow   time.Duration
	warmWindow  time.Duration
	maxWarmWait time.Duration

	now func() time.Time

	mu        sync.Mutex
	firstSeen map[string]time.Time
}

// NewClassifier builds a classifier, filling zero windows with defaults.
func NewClassifier(hotWindow, warmWindow, maxWarmWait time.Duration) *Classifier {
	if hotWindow <= 0 {
		hotWindow = DefaultHotWindow
	}
	if warmWindow <= 0 {
		warmWindow = DefaultWarmWindow
	}
	if maxWarmWait <= 0 {
		maxWarmWait = DefaultMaxWarmWait
	}
	return &Classifier{
		hotWindow:   hotWindow,
		warmWindow:  warmWindow,
		maxWarmWait: maxWarmWait,
		now:         time.Now,
		firstSeen:   make(map[string]time.Time),
	}
}

// Classify levels a file by modification age, promoting starved warm files
// to urgent_warm, and returns its priority number (lower = more urgent).
func (c *Classifier) Classify(path string, mtime time.Time) (Level, int) {
	now := c.now()
	age := now.Sub(mtime)

	var level Level
	switch {
	case age <= c.hotWindow:
		level = Hot
	case age <= c.warmWindow:
		level = Warm
	default:
		level = Cold
	}

	c.mu.Lock()
	first, seen := c.firstSeen[path]
	if !seen {
		c.firstSeen[path] = now
		first = now
	}
	c.mu.Unlock()

	if level == Warm && now.Sub(first) > c.maxWarmWait {
		level = UrgentWarm
	}

	return level, Priority(level, mtime)
}

// Forget drops the first-seen record after a file has been ingested, so its
// next appearance starts a fresh starvation clock.
func (c *Classifier) Forget(path string) {
	c.mu.Lock()
	delete(c.firstSeen, path)
	c.mu.Unlock()
}

// Priority maps a level and modification time into a band. Hot and
// urgent_warm subtract the tie-break term so newer activity pops first; warm
// and cold add it so older files drain in FIFO order.
func Priority(level Level, mtime time.Time) int {
	k := int(mtime.Unix() % tieBucket)
	if k < 0 {
		k += tieBucket
	}
	switch level {
	case Hot:
		return hotBase - k
	case UrgentWarm:
		return urgentBase - k
	case Warm:
		return warmBase + k
	default:
		return coldBase + k
	}
}
