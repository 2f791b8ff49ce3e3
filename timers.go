package jstime

import (
	"sort"
	"time"

	v8 "github.com/tommie/v8go"
)

// minInterval is the floor for repeating timers, matching the clamping
// browsers apply to tight setInterval loops.
const minInterval = 10 * time.Millisecond

// timerEntry is a scheduled callback. interval is zero for one-shot timers.
// seq records insertion order so simultaneous deadlines fire deterministically.
// cleared marks an entry cancelled after it was popped for firing but before
// its callback ran.
type timerEntry struct {
	callback *v8.Function
	fireAt   time.Time
	interval time.Duration
	id       int
	seq      uint64
	cleared  bool
}

// timerQueue holds pending timers for one instance. It is only ever touched
// from the engine goroutine. firing is the batch currently being fired, so
// clear can reach entries already popped out of the queue.
type timerQueue struct {
	entries []*timerEntry
	firing  []*timerEntry
	nextID  int
	nextSeq uint64
}

func newTimerQueue() *timerQueue {
	return &timerQueue{}
}

// insert schedules a callback and returns its timer id.
func (q *timerQueue) insert(callback *v8.Function, fireAt time.Time, interval time.Duration) int {
	q.nextID++
	q.nextSeq++
	q.entries = append(q.entries, &timerEntry{
		callback: callback,
		fireAt:   fireAt,
		interval: interval,
		id:       q.nextID,
		seq:      q.nextSeq,
	})
	return q.nextID
}

// clear cancels a timer by id. Unknown ids are ignored. An entry that is due
// in the firing batch alongside the clearing callback has already left the
// queue, so it is marked cleared instead; the loop skips marked entries
// before invoking them.
func (q *timerQueue) clear(id int) {
	for idx, e := range q.entries {
		if e.id == id {
			q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
			break
		}
	}
	for _, e := range q.firing {
		if e.id == id {
			e.cleared = true
		}
	}
}

func (q *timerQueue) empty() bool {
	return len(q.entries) == 0
}

// nextDeadline returns the earliest fire time, if any timer is pending.
func (q *timerQueue) nextDeadline() (time.Time, bool) {
	if len(q.entries) == 0 {
		return time.Time{}, false
	}
	next := q.entries[0].fireAt
	for _, e := range q.entries[1:] {
		if e.fireAt.Before(next) {
			next = e.fireAt
		}
	}
	return next, true
}

// popDue extracts every entry due at now, ordered by ascending fire time with
// insertion order breaking ties. One-shot entries are removed; repeating
// entries are re-armed relative to now and keep their id. The returned batch
// is retained as the firing batch until doneFiring, so clear can still cancel
// entries in it.
func (q *timerQueue) popDue(now time.Time) []*timerEntry {
	var due []*timerEntry
	remaining := q.entries[:0]
	for _, e := range q.entries {
		if !e.fireAt.After(now) {
			due = append(due, e)
			if e.interval > 0 {
				rearmed := *e
				rearmed.fireAt = now.Add(e.interval)
				q.nextSeq++
				rearmed.seq = q.nextSeq
				remaining = append(remaining, &rearmed)
			}
		} else {
			remaining = append(remaining, e)
		}
	}
	q.entries = remaining
	sort.SliceStable(due, func(a, b int) bool {
		if !due[a].fireAt.Equal(due[b].fireAt) {
			return due[a].fireAt.Before(due[b].fireAt)
		}
		return due[a].seq < due[b].seq
	})
	q.firing = due
	return due
}

// doneFiring drops the firing batch once every due callback has run.
func (q *timerQueue) doneFiring() {
	q.firing = nil
}
