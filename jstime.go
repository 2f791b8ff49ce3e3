// Package jstime embeds a V8 JavaScript engine and gives scripts access to
// the outside world: console output, wall-clock time, randomness, timers,
// microtasks, and outbound HTTP via fetch. The host owns a single isolate
// and its single global context, installs native bindings, evaluates the
// polyfill layer once at bootstrap, and drives an event loop that reconciles
// engine microtasks, host timers, and off-thread network I/O.
//
// An Instance is not safe for concurrent use: exactly one goroutine may
// execute script or touch engine-owned values. All other concurrency lives
// behind the fetch bridge, which exchanges only plain Go data with the
// engine goroutine.
package jstime

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	v8 "github.com/tommie/v8go"
	"go.uber.org/zap"
)

// Options configures a new Instance.
type Options struct {
	// Snapshot restores the instance from a heap image produced by
	// CreateSnapshot instead of evaluating the polyfill layer.
	Snapshot *Snapshot

	// Logger receives host-level diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger

	// Stdout and Stderr receive print output. Default to os.Stdout/os.Stderr.
	Stdout io.Writer
	Stderr io.Writer

	// FetchTimeout bounds each outbound HTTP request. Defaults to 30s.
	FetchTimeout time.Duration

	// Transport overrides the bridge's HTTP transport (tests point this at
	// stub round-trippers). Defaults to an HTTP/2-enabled http.Transport.
	Transport http.RoundTripper

	// Loader resolves module specifiers for Import. Defaults to FileLoader.
	Loader Loader

	// BaseDir is the directory module specifiers are resolved against.
	// Defaults to the process working directory.
	BaseDir string
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	if o.FetchTimeout == 0 {
		o.FetchTimeout = 30 * time.Second
	}
	if o.Transport == nil {
		o.Transport = defaultTransport()
	}
	if o.Loader == nil {
		o.Loader = FileLoader{}
	}
	if o.BaseDir == "" {
		o.BaseDir, _ = os.Getwd()
	}
	return o
}

// Instance owns a V8 isolate, its global context, and the host state attached
// to their lifetime.
type Instance struct {
	iso    *v8.Isolate
	ctx    *v8.Context
	state  *contextState
	bridge *fetchBridge
	opts   Options
	log    *zap.Logger

	// The isolate belongs to the snapshot creator while a snapshot is being
	// taken; Dispose must leave it alone in that case.
	takingSnapshot bool
}

// contextState is the per-instance host state: the timer queue, the table of
// resolvers awaiting fetch responses, and the bridge channel endpoints. It is
// created at bootstrap and mutated only on the engine goroutine, so it needs
// no locking.
type contextState struct {
	timers     *timerQueue
	pending    map[uint32]*v8.PromiseResolver
	nextReqID  uint32
	requests   chan<- fetchRequest
	responses  <-chan fetchResponse
	timeOrigin time.Time
}

// allocRequestID hands out correlation ids for fetch requests. Ids are never
// reused within an instance; exhausting the 32-bit space is a host fault
// rather than a silent wraparound.
func (s *contextState) allocRequestID() uint32 {
	s.nextReqID++
	if s.nextReqID == 0 {
		panic("jstime: request id space exhausted")
	}
	return s.nextReqID
}

// New creates an Instance. With a snapshot, the isolate is restored from the
// serialized heap and polyfill evaluation is skipped; the native bindings are
// re-installed either way, since Go-backed function templates cannot live
// inside a V8 heap image. Without a snapshot, the polyfill source units are
// evaluated exactly once, in a fixed order.
func New(opts Options) (*Instance, error) {
	opts = opts.withDefaults()

	restored := opts.Snapshot != nil
	var iso *v8.Isolate
	if restored {
		iso = v8.NewIsolate(v8.WithStartupData(opts.Snapshot.data))
	} else {
		iso = v8.NewIsolate()
	}
	ctx := v8.NewContext(iso)

	inst := &Instance{
		iso:  iso,
		ctx:  ctx,
		opts: opts,
		log:  opts.Logger,
	}

	bridge := newFetchBridge(opts.Transport, opts.FetchTimeout, opts.Logger)
	inst.state = &contextState{
		timers:     newTimerQueue(),
		pending:    make(map[uint32]*v8.PromiseResolver),
		requests:   bridge.requests,
		responses:  bridge.responses,
		timeOrigin: time.Now(),
	}
	inst.bridge = bridge

	if err := inst.installBindings(); err != nil {
		bridge.close()
		ctx.Close()
		iso.Dispose()
		return nil, fmt.Errorf("installing bindings: %w", err)
	}
	if !restored {
		if err := inst.evaluatePolyfills(); err != nil {
			bridge.close()
			ctx.Close()
			iso.Dispose()
			return nil, err
		}
	}

	inst.log.Debug("engine bootstrap complete", zap.Bool("fromSnapshot", restored))
	return inst, nil
}

// RunScript compiles and executes a unit of script source against the global
// context and returns its completion value. Syntax and runtime errors come
// back as a *v8.JSError; nothing is retried.
func (i *Instance) RunScript(source, origin string) (*v8.Value, error) {
	return i.ctx.RunScript(source, origin)
}

// Import resolves and evaluates a module through the configured Loader, then
// drives the event loop until no timers or fetch responses remain.
func (i *Instance) Import(specifier string) error {
	source, origin, err := i.opts.Loader.Load(i.opts.BaseDir, specifier)
	if err != nil {
		return fmt.Errorf("loading module %q: %w", specifier, err)
	}
	if _, err := i.ctx.RunScript(source, origin); err != nil {
		return fmt.Errorf("evaluating module %q: %w", specifier, err)
	}
	i.RunEventLoop()
	return nil
}

// Dispose releases the context, the isolate, and the bridge worker. It is a
// no-op for instances built by the snapshot creator, which owns the isolate
// for that run.
func (i *Instance) Dispose() {
	if i.takingSnapshot {
		return
	}
	if i.bridge != nil {
		i.bridge.close()
	}
	i.ctx.Close()
	i.iso.Dispose()
}
