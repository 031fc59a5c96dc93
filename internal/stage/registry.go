package stage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"conductor/internal/core"
)

// Decoder populates a stage configuration. *yaml.Node satisfies it.
type Decoder interface {
	Decode(v any) error
}

// Factory builds a configured stage.
type Factory func(name string, props Decoder) (Stage, error)

// Definition registers a stage type.
type Definition struct {
	Type string
	Doc  string
	New  Factory
}

// Registry maps stage type names to their definitions.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds def. Registering a type twice is an error.
func (r *Registry) Register(def Definition) error {
	if def.Type == "" || def.New == nil {
		return fmt.Errorf("stage definition needs a type and a factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.Type]; ok {
		return fmt.Errorf("stage type %q already registered", def.Type)
	}
	r.defs[def.Type] = def
	return nil
}

// Lookup returns the definition of typ.
func (r *Registry) Lookup(typ string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[typ]
	return def, ok
}

// Types lists registered stage types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.defs))
}

// Build constructs the stage described by spec. Unknown types, unknown
// properties and invalid values are configuration errors.
func (r *Registry) Build(spec Spec) (Stage, error) {
	def, ok := r.Lookup(spec.Type)
	if !ok {
		return nil, fmt.Errorf("%w: unknown stage type %q", core.ErrConfiguration, spec.Type)
	}
	name := spec.Name
	if name == "" {
		name = spec.Type
	}
	s, err := def.New(name, propertyDecoder(spec.Properties))
	if err != nil {
		return nil, fmt.Errorf("%w: stage %s: %w", core.ErrConfiguration, name, err)
	}
	return s, nil
}

// PeekCommon reads the settings shared by every stage from spec without
// building it. Unknown keys are ignored and unreadable values are left at
// their defaults, so it also serves specs that Build rejects.
func PeekCommon(spec Spec) Common {
	var c Common
	if err := yaml.Unmarshal(spec.Properties, &c); err != nil {
		return Common{}
	}
	return c
}

type propertyDecoder []byte

func (p propertyDecoder) Decode(v any) error {
	if len(bytes.TrimSpace(p)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(p))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decoding properties: %w", err)
	}
	return nil
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// DefaultRegistry holds the built-in stages.
func DefaultRegistry() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
		for _, def := range builtins() {
			if err := defaultRegistry.Register(def); err != nil {
				panic(err)
			}
		}
	})
	return defaultRegistry
}

func builtins() []Definition {
	return []Definition{
		{
			Type: RegisterListenersType,
			Doc:  "Registers or unregisters instrumented cache listeners and reports the events they observed.",
			New:  newRegisterListeners,
		},
		{
			Type: StressTestType,
			Doc:  "Drives a random mix of basic operations from concurrent threads for a fixed duration.",
			New:  newStressTest,
		},
		{
			Type: ClusterListenersType,
			Doc:  "Stress test with logging cache listeners enabled or disabled on the default cache.",
			New:  newClusterListeners,
		},
	}
}
