package trait

import (
	"errors"
	"maps"
	"slices"
)

type resolver func(service any) (any, bool)

func as[T any](service any) (any, bool) {
	t, ok := service.(T)
	return t, ok
}

// discovery maps each known kind to its runtime check.
var discovery = map[Kind]resolver{
	KindBasicOperations:  as[BasicOperations],
	KindCacheInformation: as[CacheInformation],
	KindCacheListeners:   as[CacheListeners],
}

// Registry holds the traits resolved for one attached service.
// It is immutable after construction and safe for concurrent reads.
type Registry struct {
	traits map[Kind]any
}

// Option adjusts discovery.
type Option func(map[Kind]any)

// WithTrait binds impl to kind, overriding discovery.
func WithTrait(kind Kind, impl any) Option {
	return func(m map[Kind]any) { m[kind] = impl }
}

// WithoutTrait hides kind even if the service implements it.
func WithoutTrait(kind Kind) Option {
	return func(m map[Kind]any) { delete(m, kind) }
}

// NewRegistry resolves the traits service exposes. service may be nil.
func NewRegistry(service any, opts ...Option) *Registry {
	traits := make(map[Kind]any)
	if service != nil {
		for kind, resolve := range discovery {
			if impl, ok := resolve(service); ok {
				traits[kind] = impl
			}
		}
	}
	for _, opt := range opts {
		opt(traits)
	}
	return &Registry{traits: traits}
}

// Resolve returns the implementation of kind, if any.
func (r *Registry) Resolve(kind Kind) (any, bool) {
	impl, ok := r.traits[kind]
	return impl, ok
}

// Kinds lists the resolved traits, sorted.
func (r *Registry) Kinds() []Kind {
	return slices.Sorted(maps.Keys(r.traits))
}

// Validate checks declared requirements. Every missing mandatory trait is
// reported; optional ones are ignored.
func (r *Registry) Validate(reqs []Requirement) error {
	var errs []error
	for _, req := range reqs {
		if req.Dependency != Mandatory {
			continue
		}
		if _, ok := r.traits[req.Kind]; !ok {
			errs = append(errs, &MissingError{Kind: req.Kind})
		}
	}
	return errors.Join(errs...)
}

// Mandatory returns kind as T. A lookup that finds nothing, or finds
// something that is not a T, fails with a *MissingError.
func Mandatory[T any](r *Registry, kind Kind) (T, error) {
	var zero T
	impl, ok := r.traits[kind]
	if !ok {
		return zero, &MissingError{Kind: kind}
	}
	t, ok := impl.(T)
	if !ok {
		return zero, &MissingError{Kind: kind}
	}
	return t, nil
}

// Optional returns kind as T and whether it is available.
func Optional[T any](r *Registry, kind Kind) (T, bool) {
	var zero T
	impl, ok := r.traits[kind]
	if !ok {
		return zero, false
	}
	t, ok := impl.(T)
	if !ok {
		return zero, false
	}
	return t, true
}
