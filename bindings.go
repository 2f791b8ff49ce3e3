package jstime

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	v8 "github.com/tommie/v8go"
	"go.uber.org/zap"
)

// installBindings exposes the host capabilities to script as callables on the
// __bindings global. Polyfills reference __bindings at call time rather than
// capturing the functions at evaluation time, which keeps the polyfill layer
// pure JS and therefore snapshotable; restoring a snapshot only has to
// re-install this object.
//
// No binding blocks the engine goroutine.
func (i *Instance) installBindings() error {
	tmpl := v8.NewObjectTemplate(i.iso)
	bindings, err := tmpl.NewInstance(i.ctx)
	if err != nil {
		return fmt.Errorf("creating bindings object: %w", err)
	}

	for name, fn := range map[string]v8.FunctionCallback{
		"print":          i.bindPrint,
		"now":            i.bindNow,
		"randomFloat":    i.bindRandomFloat,
		"queueMicrotask": i.bindQueueMicrotask,
		"setTimeout":     i.bindSetTimeout,
		"setInterval":    i.bindSetInterval,
		"clearTimer":     i.bindClearTimer,
		"fetch":          i.bindFetch,
	} {
		ft := v8.NewFunctionTemplate(i.iso, fn)
		if err := bindings.Set(name, ft.GetFunction(i.ctx)); err != nil {
			return fmt.Errorf("setting binding %s: %w", name, err)
		}
	}

	return i.ctx.Global().Set("__bindings", bindings)
}

// bindPrint writes the display form of a value to stdout, or stderr when the
// second argument is truthy. String coercion runs inside the engine and may
// itself throw; a throw degrades to an empty string instead of propagating.
func (i *Instance) bindPrint(info *v8.FunctionCallbackInfo) *v8.Value {
	args := info.Args()
	if len(args) == 0 {
		return v8.Undefined(i.iso)
	}
	toErr := len(args) >= 2 && args[1].Boolean()

	out := i.opts.Stdout
	if toErr {
		out = i.opts.Stderr
	}
	fmt.Fprintln(out, i.coerceString(args[0]))
	return v8.Undefined(i.iso)
}

// coerceString applies the engine's own ToString to a value, falling back to
// "" when coercion throws.
func (i *Instance) coerceString(val *v8.Value) string {
	if err := i.ctx.Global().Set("__coerce_val", val); err != nil {
		return ""
	}
	out, err := i.ctx.RunScript(`(function() {
		var v = globalThis.__coerce_val;
		delete globalThis.__coerce_val;
		try { return String(v); } catch (e) { return ''; }
	})()`, "coerce.js")
	if err != nil {
		return ""
	}
	return out.String()
}

// bindNow returns fractional milliseconds elapsed since the time origin
// captured at bootstrap.
func (i *Instance) bindNow(info *v8.FunctionCallbackInfo) *v8.Value {
	elapsed := float64(time.Since(i.state.timeOrigin).Nanoseconds()) / 1e6
	val, _ := v8.NewValue(i.iso, elapsed)
	return val
}

func (i *Instance) bindRandomFloat(info *v8.FunctionCallbackInfo) *v8.Value {
	val, _ := v8.NewValue(i.iso, rand.Float64())
	return val
}

// bindQueueMicrotask enqueues a callback onto the engine's microtask queue.
// It runs at the next microtask checkpoint, before any timer or I/O event.
func (i *Instance) bindQueueMicrotask(info *v8.FunctionCallbackInfo) *v8.Value {
	args := info.Args()
	if len(args) == 0 || !args[0].IsFunction() {
		return i.throwTypeError("callback must be a function")
	}
	i.enqueueMicrotask(args[0])
	return v8.Undefined(i.iso)
}

// enqueueMicrotask hands a callback to the engine's own deferred-callback
// queue via a resolved promise.
func (i *Instance) enqueueMicrotask(callback *v8.Value) {
	_ = i.ctx.Global().Set("__microtask_cb", callback)
	_, _ = i.ctx.RunScript(`(function() {
		var cb = globalThis.__microtask_cb;
		delete globalThis.__microtask_cb;
		Promise.resolve().then(cb);
	})()`, "enqueue_microtask.js")
}

// bindSetTimeout schedules a one-shot timer. With no delay argument the
// callback runs as a microtask instead of entering the timer queue.
func (i *Instance) bindSetTimeout(info *v8.FunctionCallbackInfo) *v8.Value {
	args := info.Args()
	if len(args) == 0 {
		return v8.Undefined(i.iso)
	}
	if !args[0].IsFunction() {
		return i.throwTypeError("Callback must be a function")
	}
	if len(args) == 1 {
		i.enqueueMicrotask(args[0])
		return v8.Undefined(i.iso)
	}
	if !args[1].IsNumber() {
		return i.throwTypeError("Delay must be a number")
	}
	callback, err := args[0].AsFunction()
	if err != nil {
		return i.throwTypeError("Callback must be a function")
	}
	delay := time.Duration(args[1].Number() * float64(time.Millisecond))
	id := i.state.timers.insert(callback, time.Now().Add(delay), 0)
	val, _ := v8.NewValue(i.iso, int32(id))
	return val
}

// bindSetInterval schedules a repeating timer.
func (i *Instance) bindSetInterval(info *v8.FunctionCallbackInfo) *v8.Value {
	args := info.Args()
	if len(args) == 0 || !args[0].IsFunction() {
		return i.throwTypeError("Callback must be a function")
	}
	if len(args) < 2 || !args[1].IsNumber() {
		return i.throwTypeError("Interval must be a number")
	}
	callback, err := args[0].AsFunction()
	if err != nil {
		return i.throwTypeError("Callback must be a function")
	}
	interval := time.Duration(args[1].Number() * float64(time.Millisecond))
	if interval < minInterval {
		interval = minInterval
	}
	id := i.state.timers.insert(callback, time.Now().Add(interval), interval)
	val, _ := v8.NewValue(i.iso, int32(id))
	return val
}

// bindClearTimer cancels a pending timer before it fires.
func (i *Instance) bindClearTimer(info *v8.FunctionCallbackInfo) *v8.Value {
	args := info.Args()
	if len(args) >= 1 && args[0].IsNumber() {
		i.state.timers.clear(int(args[0].Integer()))
	}
	return v8.Undefined(i.iso)
}

// fetchInit is the extracted form of fetch's optional init argument.
type fetchInit struct {
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
}

// bindFetch dispatches an HTTP request to the bridge and returns a promise
// that resolves with the numeric status code. Argument errors are thrown
// synchronously; only the network outcome travels through the promise.
func (i *Instance) bindFetch(info *v8.FunctionCallbackInfo) *v8.Value {
	args := info.Args()
	if len(args) == 0 {
		return i.throwTypeError("1 argument required, but only 0 present")
	}
	if !args[0].IsString() {
		return i.throwTypeError("first argument to fetch must be a string")
	}
	resource := args[0].String()

	init := fetchInit{Method: "GET"}
	if len(args) >= 2 && !args[1].IsNullOrUndefined() {
		if !args[1].IsObject() {
			return i.throwTypeError("fetch init argument must be an object")
		}
		if err := i.extractFetchInit(args[1], &init); err != nil {
			return i.throwTypeError(jsErrorMessage(err))
		}
	}

	resolver, err := v8.NewPromiseResolver(i.ctx)
	if err != nil {
		return i.throwTypeError(fmt.Sprintf("fetch: %s", err.Error()))
	}

	st := i.state
	id := st.allocRequestID()
	st.pending[id] = resolver
	st.requests <- fetchRequest{
		id:      id,
		method:  init.Method,
		url:     resource,
		headers: init.Headers,
	}
	i.log.Debug("fetch dispatched", zap.Uint32("id", id), zap.String("url", resource))

	return resolver.GetPromise().Value
}

// extractFetchInit pulls method and headers out of the init object. The walk
// happens in JS via a temporary global so option objects with getters behave
// the way script expects.
func (i *Instance) extractFetchInit(initVal *v8.Value, init *fetchInit) error {
	if err := i.ctx.Global().Set("__fetch_init", initVal); err != nil {
		return err
	}
	out, err := i.ctx.RunScript(`(function() {
		var init = globalThis.__fetch_init;
		delete globalThis.__fetch_init;
		var method = 'GET', headers = {};
		if (init.method !== undefined) {
			method = String(init.method).toUpperCase();
		}
		if (init.headers !== undefined && init.headers !== null) {
			if (typeof init.headers !== 'object') {
				throw new TypeError('headers must be an object');
			}
			for (var k in init.headers) {
				if (Object.prototype.hasOwnProperty.call(init.headers, k)) {
					headers[k.toLowerCase()] = String(init.headers[k]);
				}
			}
		}
		return JSON.stringify({method: method, headers: headers});
	})()`, "fetch_init.js")
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(out.String()), init)
}

// throwTypeError raises a script-level TypeError in the engine and returns
// the nil callback result v8go expects after a throw.
func (i *Instance) throwTypeError(msg string) *v8.Value {
	errVal, err := i.ctx.RunScript(fmt.Sprintf("new TypeError(%q)", msg), "throw.js")
	if err != nil {
		errVal, _ = v8.NewValue(i.iso, msg)
	}
	i.iso.ThrowException(errVal)
	return nil
}

// jsErrorMessage unwraps the message of a JS exception captured on the Go
// side, so it can be re-thrown into script.
func jsErrorMessage(err error) string {
	var jsErr *v8.JSError
	if errors.As(err, &jsErr) {
		return jsErr.Message
	}
	return err.Error()
}
