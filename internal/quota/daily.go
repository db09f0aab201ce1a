package quota

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/haneul-edu/quiz-ai-gateway/internal/storage"
)

// Record is the persisted daily counter. Count resets implicitly when
// the stored date is not today; the record does not clamp, callers must
// check CanProceed before incrementing.
type Record struct {
	Date  string `json:"date"` // YYYY-MM-DD, local time
	Count int    `json:"count"`
}

type Status struct {
	Count     int    `json:"count"`
	Remaining int    `json:"remaining"`
	ResetsIn  string `json:"resets_in"`
}

// Counter enforces a small daily cap on billable generations, scoped to
// local calendar days. Not billing-grade enforcement: a lost increment
// costs at most one extra generation.
type Counter struct {
	kv         storage.KV
	storageKey string
	limit      int
	now        func() time.Time
}

func NewCounter(kv storage.KV, storageKey string, limit int) *Counter {
	return &Counter{
		kv:         kv,
		storageKey: storageKey,
		limit:      limit,
		now:        time.Now,
	}
}

// Status reads the record without writing. A stale date reads as count
// zero; the corrected record is only written by the next Increment.
func (c *Counter) Status() Status {
	rec := c.read()
	count := 0
	if rec.Date == c.today() {
		count = rec.Count
	}
	remaining := c.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		Count:     count,
		Remaining: remaining,
		ResetsIn:  c.untilMidnight(),
	}
}

func (c *Counter) CanProceed() bool {
	return c.Status().Remaining > 0
}

// Increment records one successful billable generation. Call only after
// the generation succeeded, never speculatively.
func (c *Counter) Increment() error {
	rec := c.read()
	today := c.today()
	if rec.Date == today {
		rec.Count++
	} else {
		rec = Record{Date: today, Count: 1}
	}
	return c.write(rec)
}

func (c *Counter) today() string {
	return c.now().Format("2006-01-02")
}

func (c *Counter) untilMidnight() string {
	now := c.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
	d := midnight.Sub(now)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dh %dm", h, m)
}

// read degrades to a zero record on missing or corrupt state.
func (c *Counter) read() Record {
	var rec Record
	raw, found, err := c.kv.Get(c.storageKey)
	if err != nil || !found {
		return rec
	}
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}
	}
	return rec
}

func (c *Counter) write(rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.kv.Set(c.storageKey, string(raw))
}
