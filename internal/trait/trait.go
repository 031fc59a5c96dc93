// Package trait models the capability interfaces ("traits") a service under
// test may expose, and negotiates them at attach time.
//
// Which traits a service supports is a runtime fact: the Registry discovers
// them by type assertion against the contracts below, and plugin loaders can
// override discovery with WithTrait/WithoutTrait.
package trait

import (
	"context"
	"fmt"

	"conductor/internal/core"
)

// Kind names a trait.
type Kind string

const (
	KindBasicOperations  Kind = "BasicOperations"
	KindCacheInformation Kind = "CacheInformation"
	KindCacheListeners   Kind = "CacheListeners"
)

// Dependency declares how a stage depends on a trait.
type Dependency int

const (
	// Mandatory traits must be present or the stage fails to initialize.
	Mandatory Dependency = iota
	// Optional traits may be absent; the stage disables the feature.
	Optional
)

func (d Dependency) String() string {
	if d == Optional {
		return "optional"
	}
	return "mandatory"
}

// Requirement is one declared trait dependency of a stage.
type Requirement struct {
	Kind       Kind
	Dependency Dependency
}

// Require is shorthand for a mandatory requirement.
func Require(k Kind) Requirement { return Requirement{Kind: k, Dependency: Mandatory} }

// Want is shorthand for an optional requirement.
func Want(k Kind) Requirement { return Requirement{Kind: k, Dependency: Optional} }

// BasicOperations is the key/value access trait driven by stress stages.
type BasicOperations interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) (bool, error)
}

// CacheInformation exposes metadata about the service's caches.
type CacheInformation interface {
	DefaultCacheName() string
}

// MissingError reports a mandatory trait that the service does not expose.
type MissingError struct {
	Kind Kind
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("service does not support trait %s", e.Kind)
}

// Unwrap classifies the error as a configuration error.
func (e *MissingError) Unwrap() error { return core.ErrConfiguration }
