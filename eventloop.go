package jstime

import (
	"fmt"
	"time"

	v8 "github.com/tommie/v8go"
	"go.uber.org/zap"
)

// responsePollInterval bounds the wait on the response channel while timers
// are pending, so a slow HTTP response cannot starve a due timer.
const responsePollInterval = 10 * time.Millisecond

// Tick advances the event loop by one step and reports whether more work
// remains. One step is: fire due timers, or apply one fetch response,
// whichever the pending state calls for. Callers repeat Tick until it
// returns false, performing a microtask checkpoint between ticks;
// RunEventLoop does exactly that.
func (i *Instance) Tick() bool {
	st := i.state

	noPending := len(st.pending) == 0
	if noPending && st.timers.empty() {
		return false
	}

	// Timers only: sleep until the next deadline, then fire.
	if noPending {
		if deadline, ok := st.timers.nextDeadline(); ok {
			if d := time.Until(deadline); d > 0 {
				time.Sleep(d)
			}
		}
		i.fireDueTimers()
		return true
	}

	// Responses outstanding: block on the channel, but only briefly when
	// timers are also pending.
	if st.timers.empty() {
		i.applyResponse(<-st.responses)
		return true
	}
	select {
	case resp := <-st.responses:
		i.applyResponse(resp)
	case <-time.After(responsePollInterval):
	}
	i.fireDueTimers()
	return true
}

// RunEventLoop drives Tick until no timers or fetch responses remain,
// letting the engine drain its microtask queue between ticks.
func (i *Instance) RunEventLoop() {
	i.ctx.PerformMicrotaskCheckpoint()
	for i.Tick() {
		i.ctx.PerformMicrotaskCheckpoint()
	}
}

// fireDueTimers invokes every due callback in deadline order. Each callback
// gets its own microtask checkpoint, matching per-task semantics. An earlier
// callback may cancel a later timer in the same batch, so the cleared flag is
// checked immediately before each invocation. Errors thrown by timer
// callbacks are logged and dropped.
func (i *Instance) fireDueTimers() {
	q := i.state.timers
	due := q.popDue(time.Now())
	defer q.doneFiring()
	for _, entry := range due {
		if entry.cleared {
			continue
		}
		undef := v8.Undefined(i.iso)
		if _, err := entry.callback.Call(undef); err != nil {
			i.log.Warn("timer callback threw", zap.Int("timerID", entry.id), zap.Error(err))
		}
		i.ctx.PerformMicrotaskCheckpoint()
	}
}

// applyResponse settles the promise registered for a fetch response. A
// response with no matching pending entry means the id protocol between the
// host and the bridge is broken, which is not recoverable.
func (i *Instance) applyResponse(resp fetchResponse) {
	st := i.state
	resolver, ok := st.pending[resp.id]
	if !ok {
		i.log.Error("fetch response for unknown request id", zap.Uint32("id", resp.id))
		panic(fmt.Sprintf("jstime: fetch response for unknown request id %d", resp.id))
	}
	delete(st.pending, resp.id)

	if resp.err != nil {
		errVal, _ := v8.NewValue(i.iso, fmt.Sprintf("fetch: %s", resp.err.Error()))
		resolver.Reject(errVal)
		return
	}
	statusVal, _ := v8.NewValue(i.iso, int32(resp.status))
	resolver.Resolve(statusVal)
}
