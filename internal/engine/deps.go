package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/steprun/internal/forms"
	"github.com/rendis/steprun/internal/reference"
	"github.com/rendis/steprun/internal/streaming"
	"github.com/rendis/steprun/internal/validation"
	"github.com/rendis/steprun/pkg/schema"
)

// RunRequest is what the transport receives for one run.
type RunRequest struct {
	NodeID  string          `json:"node_id"`
	RunID   string          `json:"run_id"`
	Kind    schema.NodeKind `json:"kind"`
	Payload map[string]any  `json:"payload"`
}

// Transport executes a single node run. Implementations should honour ctx
// cancellation; results arriving after a stop are discarded either way.
type Transport interface {
	Execute(ctx context.Context, req RunRequest) (*schema.RunResult, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req RunRequest) (*schema.RunResult, error)

// Execute implements Transport.
func (f TransportFunc) Execute(ctx context.Context, req RunRequest) (*schema.RunResult, error) {
	return f(ctx, req)
}

// DraftSyncer persists the editable graph draft. A run never starts before
// SyncDraft returns nil.
type DraftSyncer interface {
	SyncDraft(ctx context.Context, force bool) error
}

// DraftSyncFunc adapts a function to DraftSyncer.
type DraftSyncFunc func(ctx context.Context, force bool) error

// SyncDraft implements DraftSyncer.
func (f DraftSyncFunc) SyncDraft(ctx context.Context, force bool) error {
	return f(ctx, force)
}

// OutputRecorder receives the outputs of completed runs so later runs of
// downstream nodes can resolve references to them.
type OutputRecorder interface {
	RecordOutputs(ctx context.Context, nodeID string, outputs map[string]any) error
}

// GraphEditor holds the editable graph document. Mounting a node writes its
// definition there so the draft synced before a run matches what is mounted.
type GraphEditor interface {
	PutNode(node schema.NodeInstance) (changed bool)
}

// dirtyMarker is implemented by syncers that skip unforced syncs of an
// unchanged graph.
type dirtyMarker interface {
	MarkDirty()
}

// Deps are the collaborators shared by every controller of a Manager.
type Deps struct {
	Registry    *forms.Registry
	Validator   *validation.Validator
	Resolver    *reference.Resolver
	FormContext *forms.Context
	Graph       GraphEditor
	Transport   Transport
	Syncer      DraftSyncer
	Recorder    OutputRecorder
	Hub         streaming.EventHub
	Pool        *RunPool
	Pending     *PendingSlot
	Logger      *slog.Logger
	Now         func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Registry == nil {
		d.Registry = forms.NewDefaultRegistry()
	}
	if d.Validator == nil {
		d.Validator = validation.New()
	}
	if d.FormContext == nil {
		d.FormContext = &forms.Context{}
	}
	if d.Transport == nil {
		d.Transport = TransportFunc(func(context.Context, RunRequest) (*schema.RunResult, error) {
			return nil, schema.NewError(schema.ErrCodeTransport, "no execution transport configured")
		})
	}
	if d.Graph == nil {
		if ed, ok := d.FormContext.Graph.(GraphEditor); ok {
			d.Graph = ed
		}
	}
	if d.Syncer == nil {
		d.Syncer = DraftSyncFunc(func(context.Context, bool) error { return nil })
	}
	if d.Hub == nil {
		d.Hub = streaming.NewMemoryHub()
	}
	if d.Pool == nil {
		d.Pool = NewRunPool(4)
	}
	if d.Pending == nil {
		d.Pending = NewPendingSlot()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}
