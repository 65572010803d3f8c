// Package forms derives, per node kind, the input forms a single-step run
// needs, and prunes the fields whose values are already known.
package forms

import (
	"sort"
	"sync"
	"time"

	"github.com/rendis/steprun/internal/expressions"
	"github.com/rendis/steprun/pkg/schema"
)

// Provider derives the input forms of one node kind from a node's configuration.
// Implementations must not have side effects.
type Provider interface {
	Forms(node schema.NodeInstance, pctx *Context) []schema.FormGroup
}

// AuxProvider is implemented by providers that expose kind-specific data,
// such as whether a "more options" affordance applies.
type AuxProvider interface {
	AuxData(node schema.NodeInstance, pctx *Context) map[string]any
}

// ConfigChecker is implemented by providers whose node configuration must be
// complete before a debug panel may open.
type ConfigChecker interface {
	CheckConfig(node schema.NodeInstance, pctx *Context) error
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(node schema.NodeInstance, pctx *Context) []schema.FormGroup

// Forms implements Provider.
func (f ProviderFunc) Forms(node schema.NodeInstance, pctx *Context) []schema.FormGroup {
	return f(node, pctx)
}

// NoopProvider requires no inputs; nodes using it are auto-runnable.
type NoopProvider struct{}

// Forms implements Provider.
func (NoopProvider) Forms(schema.NodeInstance, *Context) []schema.FormGroup { return nil }

// Context carries the read-only collaborators providers may consult.
type Context struct {
	Graph    Graph
	CEL      *expressions.CELEngine
	Expr     *expressions.ExprEngine
	ChatMode bool
	Now      func() time.Time
}

func (c *Context) graph() Graph {
	if c == nil || c.Graph == nil {
		return emptyGraph{}
	}
	return c.Graph
}

var (
	defaultCEL  = sync.OnceValues(expressions.NewCELEngine)
	defaultExpr = sync.OnceValue(expressions.NewExprEngine)
)

func (c *Context) cel() (*expressions.CELEngine, error) {
	if c != nil && c.CEL != nil {
		return c.CEL, nil
	}
	return defaultCEL()
}

func (c *Context) expr() *expressions.ExprEngine {
	if c != nil && c.Expr != nil {
		return c.Expr
	}
	return defaultExpr()
}

func (c *Context) chatMode() bool {
	return c != nil && c.ChatMode
}

func (c *Context) now() time.Time {
	if c == nil || c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

// Registry maps each node kind to at most one Provider. Unregistered kinds
// fall back to NoopProvider. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[schema.NodeKind]Provider
	fallback  Provider
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[schema.NodeKind]Provider),
		fallback:  NoopProvider{},
	}
}

// NewDefaultRegistry creates a Registry holding the built-in providers.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for kind, p := range builtinProviders() {
		r.providers[kind] = p
	}
	return r
}

// Register binds a provider to a kind. Returns an error on unknown kinds and
// on duplicates.
func (r *Registry) Register(kind schema.NodeKind, p Provider) error {
	if p == nil {
		return schema.NewError(schema.ErrCodeValidation, "provider is nil")
	}
	if !kind.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown node kind %q", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[kind]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "provider for %q already registered", kind)
	}
	r.providers[kind] = p
	return nil
}

// Get returns the provider for kind, or the no-op fallback.
func (r *Registry) Get(kind schema.NodeKind) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.providers[kind]; ok {
		return p
	}
	return r.fallback
}

// Has reports whether kind has a dedicated provider.
func (r *Registry) Has(kind schema.NodeKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[kind]
	return ok
}

// Kinds returns the kinds with a dedicated provider, sorted.
func (r *Registry) Kinds() []schema.NodeKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]schema.NodeKind, 0, len(r.providers))
	for k := range r.providers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Forms returns the node's input forms. Each group's Values is non-nil and
// holds only keys of its own inputs.
func (r *Registry) Forms(node schema.NodeInstance, pctx *Context) []schema.FormGroup {
	groups := r.Get(node.Kind).Forms(node, pctx)
	out := make([]schema.FormGroup, 0, len(groups))
	for _, g := range groups {
		out = append(out, sanitizeGroup(g))
	}
	return out
}

// AuxData returns kind-specific auxiliary data, or nil for kinds without any.
func (r *Registry) AuxData(node schema.NodeInstance, pctx *Context) map[string]any {
	if ap, ok := r.Get(node.Kind).(AuxProvider); ok {
		return ap.AuxData(node, pctx)
	}
	return nil
}

// CheckConfig validates the node's configuration when its kind defines a check.
func (r *Registry) CheckConfig(node schema.NodeInstance, pctx *Context) error {
	if cc, ok := r.Get(node.Kind).(ConfigChecker); ok {
		if err := cc.CheckConfig(node, pctx); err != nil {
			return err
		}
	}
	return nil
}

// sanitizeGroup drops value keys that do not belong to an input.
func sanitizeGroup(g schema.FormGroup) schema.FormGroup {
	known := make(map[string]struct{}, len(g.Inputs))
	for _, in := range g.Inputs {
		known[in.Variable] = struct{}{}
	}
	values := make(map[string]any, len(g.Values))
	for k, v := range g.Values {
		if _, ok := known[k]; ok {
			values[k] = v
		}
	}
	g.Values = values
	return g
}
