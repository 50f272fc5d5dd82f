package stagecontract

import (
	"context"
	"fmt"
	"sync"

	"github.com/acamarata/cutroom/pkg/registry"
)

// ValidationResult is returned by Handler.Validate.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Context carries everything a stage handler's Execute needs: which
// pipeline/stage it is running for, the previous stage's output (nil
// for the first stage), the raw input for this stage, and whether this
// is a dry run. Handlers must treat dry_run as "do the work but skip
// any owned external side effect" — see the retry-safety requirement
// in the stage contract.
type Context struct {
	PipelineID     string
	StageID        string
	StageName      registry.StageName
	Input          map[string]interface{}
	PreviousOutput map[string]interface{}
	DryRun         bool
	Ctx            context.Context
}

// Result is what Handler.Execute returns.
type Result struct {
	Success   bool
	Output    map[string]interface{}
	Artifacts []string
	Metadata  map[string]interface{}
	Error     string
}

// Handler is the uniform contract every stage implementation conforms
// to. Concrete handlers (LLM research, TTS voice, b-roll sourcing,
// video assembly, social publishing, ...) are black boxes outside this
// module; the orchestrator only ever talks to this interface.
type Handler interface {
	// Validate is synchronous and pure: it never mutates state and
	// never performs I/O. A failing validation must not have any
	// observable side effect.
	Validate(input map[string]interface{}) ValidationResult

	// Execute performs the stage's work. It must be side-effect-safe
	// on failure — no orphaned external mutations the handler doesn't
	// own — and retry-safe: rerunning Execute after a transient
	// failure must produce a functionally equivalent output.
	Execute(ctx *Context) Result
}

// ErrNoHandler is returned by Dispatcher.Execute when no handler has
// been registered for the requested stage.
type ErrNoHandler struct {
	Stage registry.StageName
}

func (e *ErrNoHandler) Error() string {
	return fmt.Sprintf("stagecontract: no handler registered for stage %q", e.Stage)
}

// Dispatcher is the handler registry keyed by stage name. It realizes
// stage polymorphism through composition rather than inheritance:
// handlers register themselves at process startup and the dispatcher
// looks one up by name at execution time.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[registry.StageName]Handler
}

// NewDispatcher creates an empty handler registry.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[registry.StageName]Handler)}
}

// Register binds handler to stage. Registering twice for the same
// stage replaces the previous handler — useful for tests swapping in a
// fake, but production callers should register each stage exactly once
// at startup.
func (d *Dispatcher) Register(stage registry.StageName, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[stage] = handler
}

// Lookup returns the handler registered for stage, if any. The
// orchestrator itself never requires a handler to exist: claim_stage
// succeeds regardless, since the orchestrator does not execute stage
// business logic. Only a caller that wants to actually run the stage's
// work needs a registered handler.
func (d *Dispatcher) Lookup(stage registry.StageName) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[stage]
	return h, ok
}

// Execute looks up the handler for ctx.StageName and runs it, returning
// ErrNoHandler if none is registered.
func (d *Dispatcher) Execute(ctx *Context) (Result, error) {
	h, ok := d.Lookup(ctx.StageName)
	if !ok {
		return Result{}, &ErrNoHandler{Stage: ctx.StageName}
	}
	return h.Execute(ctx), nil
}
