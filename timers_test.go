package jstime

import (
	"testing"
	"time"

	v8 "github.com/tommie/v8go"
)

// dummyCallback returns a no-op JS function for queue tests.
func dummyCallback(t *testing.T, inst *Instance) *v8.Function {
	t.Helper()
	val, err := inst.RunScript("(function() {})", "cb.js")
	if err != nil {
		t.Fatalf("creating callback: %v", err)
	}
	fn, err := val.AsFunction()
	if err != nil {
		t.Fatalf("as function: %v", err)
	}
	return fn
}

func TestTimerQueue_InsertAndEmpty(t *testing.T) {
	inst, _ := newTestInstance(t, Options{})
	q := newTimerQueue()

	if !q.empty() {
		t.Error("new queue should be empty")
	}

	cb := dummyCallback(t, inst)
	id := q.insert(cb, time.Now(), 0)
	if id != 1 {
		t.Errorf("first timer id = %d, want 1", id)
	}
	if q.empty() {
		t.Error("queue should not be empty after insert")
	}

	if id2 := q.insert(cb, time.Now(), 0); id2 != 2 {
		t.Errorf("second timer id = %d, want 2", id2)
	}
}

func TestTimerQueue_PopDue_AscendingFireTime(t *testing.T) {
	inst, _ := newTestInstance(t, Options{})
	q := newTimerQueue()
	cb := dummyCallback(t, inst)

	now := time.Now()
	late := q.insert(cb, now.Add(-10*time.Millisecond), 0)
	early := q.insert(cb, now.Add(-50*time.Millisecond), 0)
	future := q.insert(cb, now.Add(time.Hour), 0)

	due := q.popDue(now)
	if len(due) != 2 {
		t.Fatalf("len(due) = %d, want 2", len(due))
	}
	if due[0].id != early || due[1].id != late {
		t.Errorf("due order = [%d %d], want [%d %d]", due[0].id, due[1].id, early, late)
	}
	if q.empty() {
		t.Error("future timer should remain queued")
	}
	if deadline, ok := q.nextDeadline(); !ok || deadline.Before(now) {
		t.Errorf("nextDeadline should be the future timer, got %v (ok=%v)", deadline, ok)
	}
	_ = future
}

func TestTimerQueue_PopDue_InsertionOrderOnTies(t *testing.T) {
	inst, _ := newTestInstance(t, Options{})
	q := newTimerQueue()
	cb := dummyCallback(t, inst)

	fireAt := time.Now().Add(-time.Millisecond)
	first := q.insert(cb, fireAt, 0)
	second := q.insert(cb, fireAt, 0)
	third := q.insert(cb, fireAt, 0)

	due := q.popDue(time.Now())
	if len(due) != 3 {
		t.Fatalf("len(due) = %d, want 3", len(due))
	}
	got := []int{due[0].id, due[1].id, due[2].id}
	want := []int{first, second, third}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tie order = %v, want %v", got, want)
		}
	}
}

func TestTimerQueue_IntervalRearms(t *testing.T) {
	inst, _ := newTestInstance(t, Options{})
	q := newTimerQueue()
	cb := dummyCallback(t, inst)

	now := time.Now()
	id := q.insert(cb, now.Add(-time.Millisecond), 20*time.Millisecond)

	due := q.popDue(now)
	if len(due) != 1 || due[0].id != id {
		t.Fatalf("interval timer should be due")
	}
	if q.empty() {
		t.Fatal("interval timer should be re-armed, not removed")
	}
	deadline, ok := q.nextDeadline()
	if !ok {
		t.Fatal("expected a re-armed deadline")
	}
	if got := deadline.Sub(now); got != 20*time.Millisecond {
		t.Errorf("re-armed deadline = now+%v, want now+20ms", got)
	}
}

func TestTimerQueue_Clear(t *testing.T) {
	inst, _ := newTestInstance(t, Options{})
	q := newTimerQueue()
	cb := dummyCallback(t, inst)

	id := q.insert(cb, time.Now().Add(-time.Millisecond), 0)
	q.clear(id)
	if !q.empty() {
		t.Error("queue should be empty after clear")
	}
	if due := q.popDue(time.Now()); len(due) != 0 {
		t.Errorf("cleared timer fired: %v", due)
	}

	// Unknown ids are a no-op.
	q.clear(999)
}

func TestTimerQueue_ClearReachesFiringBatch(t *testing.T) {
	inst, _ := newTestInstance(t, Options{})
	q := newTimerQueue()
	cb := dummyCallback(t, inst)

	now := time.Now()
	q.insert(cb, now, 0)
	second := q.insert(cb, now, 0)

	due := q.popDue(now)
	if len(due) != 2 {
		t.Fatalf("popped %d entries, want 2", len(due))
	}

	// The batch has left the queue; clearing must still reach it.
	q.clear(second)
	if due[0].cleared {
		t.Error("first entry should not be marked cleared")
	}
	if !due[1].cleared {
		t.Error("second entry should be marked cleared while its batch fires")
	}

	q.doneFiring()
	if !q.empty() {
		t.Error("queue should be empty after a one-shot batch")
	}
}
