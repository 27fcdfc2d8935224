package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/glimte/stagerelay/internal/metrics"
	"github.com/glimte/stagerelay/internal/store"
)

type registration struct {
	handler Handler
	caps    Capabilities
	schema  *jsonschema.Schema
}

// Registry is the integration table
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]registration
	sealed   bool
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// RegistryOption configures the Registry
type RegistryOption func(*Registry)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithMetrics records dispatch latency
func WithMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// NewRegistry creates an empty registry
func NewRegistry(options ...RegistryOption) *Registry {
	r := &Registry{
		handlers: make(map[string]registration),
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Register adds a handler under name. It fails for duplicate names, for
// handlers without a declared idempotency mode, for an invalid config schema
// and once the registry is sealed.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("integration name cannot be empty")
	}
	if h == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	caps := h.Capabilities()
	if caps.Idempotency == IdempotencyUndeclared {
		return fmt.Errorf("%w: %s", ErrUndeclaredIdempotency, name)
	}

	var schema *jsonschema.Schema
	if caps.ConfigSchema != "" {
		compiled, err := compileSchema(name, caps.ConfigSchema)
		if err != nil {
			return fmt.Errorf("integration %s: %w", name, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("%w: cannot register %s", ErrRegistrySealed, name)
	}
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateIntegration, name)
	}

	r.handlers[name] = registration{handler: h, caps: caps, schema: schema}
	r.logger.Debug("integration registered",
		"integration", name,
		"pauses", caps.Pauses,
		"idempotency", caps.Idempotency.String(),
	)
	return nil
}

// Seal closes the table; later Register calls fail
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Lookup returns the handler registered under name
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[name]
	return reg.handler, ok
}

// Capabilities returns the declared capabilities of name
func (r *Registry) Capabilities(name string) (Capabilities, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[name]
	return reg.caps, ok
}

// Names returns the registered integration names in order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateStep checks that the step's integration is registered and, when the
// handler declares a schema, that the config satisfies it
func (r *Registry) ValidateStep(step store.Step) error {
	r.mu.RLock()
	reg, ok := r.handlers[step.Integration]
	r.mu.RUnlock()

	if !ok {
		return &StepError{WorkflowID: step.WorkflowID, Index: step.Index, Integration: step.Integration, Err: ErrUnknownIntegration}
	}
	if reg.schema == nil {
		return nil
	}

	if err := r.validateConfig(reg.schema, step.Config); err != nil {
		return &StepError{WorkflowID: step.WorkflowID, Index: step.Index, Integration: step.Integration, Err: err}
	}
	return nil
}

func (r *Registry) validateConfig(schema *jsonschema.Schema, config map[string]any) error {
	doc, err := toJSONValue(config)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// ValidateSteps validates every step and joins the failures
func (r *Registry) ValidateSteps(steps []store.Step) error {
	var errs []error
	for _, step := range steps {
		if err := r.ValidateStep(step); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatched is the outcome of Dispatch
type Dispatched struct {
	Result Result
	// Pauses is copied from the handler's capabilities
	Pauses bool
	// Unknown is set when no handler is registered; the stage counts as a
	// successful no-op
	Unknown bool
}

// Dispatch invokes the handler registered under name. An unknown name logs a
// warning and succeeds without doing anything.
func (r *Registry) Dispatch(ctx context.Context, name string, req *Request) (Dispatched, error) {
	r.mu.RLock()
	reg, ok := r.handlers[name]
	r.mu.RUnlock()

	logger := r.logger
	if req != nil && req.Record != nil {
		logger = logger.With("runId", req.Record.RunID, "stage", req.Record.StageIndex)
	}

	if !ok {
		logger.Warn("no handler for integration, skipping stage", "integration", name)
		return Dispatched{Unknown: true}, nil
	}

	if reg.schema != nil && req != nil && req.Step != nil {
		if err := r.validateConfig(reg.schema, req.Step.Config); err != nil {
			logger.Error("step config rejected", "integration", name, "error", err)
			return Dispatched{}, fmt.Errorf("integration %s: %w: %w", name, ErrInvalidRequest, err)
		}
	}

	start := time.Now()
	result, err := reg.handler.Invoke(ctx, req)
	r.metrics.Dispatch(ctx, name, err, time.Since(start))
	if err != nil {
		logger.Error("integration failed", "integration", name, "duration", time.Since(start), "error", err)
		return Dispatched{}, fmt.Errorf("integration %s: %w", name, err)
	}

	logger.Debug("integration completed",
		"integration", name,
		"duration", time.Since(start),
		"correlationId", result.CorrelationID,
	)
	return Dispatched{Result: result, Pauses: reg.caps.Pauses}, nil
}

func compileSchema(name, schema string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal config schema: %w", err)
	}

	url := "https://stagerelay.local/schemas/integrations/" + name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add config schema: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}
	return compiled, nil
}

// toJSONValue converts a decoded map to the value model the validator expects
func toJSONValue(v any) (any, error) {
	if v == nil {
		v = map[string]any{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
}
