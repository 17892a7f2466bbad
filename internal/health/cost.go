package health

import (
	"sync"
	"time"

	"github.com/tkodaira/pipeflow/internal/model"
)

// costTracker keeps a rolling day of spend entries and derives hourly and
// daily totals. Entries older than the daily window are pruned on record.
type costTracker struct {
	mu      sync.Mutex
	entries []costEntry
}

type costEntry struct {
	at   time.Time
	cost float64
}

func newCostTracker() *costTracker {
	return &costTracker{}
}

func (c *costTracker) Record(at time.Time, cost float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := at.Add(-24 * time.Hour)
	kept := c.entries[:0]
	for _, e := range c.entries {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	c.entries = append(kept, costEntry{at: at, cost: cost})
}

func (c *costTracker) Totals(now time.Time) model.CostTotals {
	c.mu.Lock()
	defer c.mu.Unlock()

	hourCutoff := now.Add(-time.Hour)
	dayCutoff := now.Add(-24 * time.Hour)

	var t model.CostTotals
	for _, e := range c.entries {
		if e.at.After(dayCutoff) {
			t.Daily += e.cost
		}
		if e.at.After(hourCutoff) {
			t.Hourly += e.cost
		}
	}
	return t
}
