package jstime

import (
	"fmt"

	v8 "github.com/tommie/v8go"
)

// Snapshot is a serialized heap image of a bootstrapped context. It is an
// opaque blob: the only contract is that CreateSnapshot produces it and
// Options.Snapshot consumes it.
type Snapshot struct {
	data *v8.StartupData
}

// CreateSnapshot bootstraps a context the same way New does, except on a
// snapshot creator's isolate, and serializes the resulting heap. The polyfill
// layer is captured in the image; the native __bindings object is not, since
// Go-backed functions cannot be serialized, and New re-installs it on
// restore. The creator owns the isolate, so the transient instance is never
// disposed through the normal path.
func CreateSnapshot(opts Options) (*Snapshot, error) {
	opts = opts.withDefaults()
	if opts.Snapshot != nil {
		return nil, fmt.Errorf("cannot create a snapshot from a snapshot")
	}

	creator := v8.NewSnapshotCreator()
	iso, err := creator.GetIsolate()
	if err != nil {
		return nil, fmt.Errorf("creating snapshot isolate: %w", err)
	}
	ctx := v8.NewContext(iso)

	inst := &Instance{
		iso:            iso,
		ctx:            ctx,
		opts:           opts,
		log:            opts.Logger,
		takingSnapshot: true,
	}
	if err := inst.evaluatePolyfills(); err != nil {
		creator.Dispose()
		return nil, err
	}

	if err := creator.SetDefaultContext(ctx); err != nil {
		creator.Dispose()
		return nil, fmt.Errorf("setting snapshot context: %w", err)
	}
	data, err := creator.Create(v8.FunctionCodeHandlingKeep)
	if err != nil {
		creator.Dispose()
		return nil, fmt.Errorf("serializing heap: %w", err)
	}

	opts.Logger.Info("snapshot created")
	return &Snapshot{data: data}, nil
}
