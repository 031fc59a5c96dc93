package trait

import (
	"fmt"
	"slices"
	"strings"

	"conductor/internal/core"
	"conductor/internal/stats"
)

// EventType is one capability variant of the CacheListeners trait.
type EventType int

const (
	Created EventType = iota
	Updated
	Removed
	Evicted
	Expired
)

// EventTypes lists every variant in declaration order.
var EventTypes = []EventType{Created, Updated, Removed, Evicted, Expired}

var eventNames = [...]string{"Created", "Updated", "Removed", "Evicted", "Expired"}

func (t EventType) String() string {
	if t < 0 || int(t) >= len(eventNames) {
		return fmt.Sprintf("EventType(%d)", int(t))
	}
	return eventNames[t]
}

// Operation is the statistics identity of the variant, e.g. "CacheListeners.Created".
func (t EventType) Operation() stats.Operation {
	return stats.Operation(string(KindCacheListeners) + "." + t.String())
}

// ParseEventType resolves a variant by case-insensitive name.
func ParseEventType(s string) (EventType, error) {
	for i, n := range eventNames {
		if strings.EqualFold(n, s) {
			return EventType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown event type %q", s)
}

// Listener receives cache events. Implementations are invoked on goroutines
// owned by the service and must be safe for concurrent use. Listener values
// are compared by identity when removed, so use pointer types.
type Listener interface {
	OnEvent(key, value any)
}

// CacheListeners is the event-notification trait. The scope is an opaque cache
// name; the empty string means the default cache.
type CacheListeners interface {
	SupportedListeners() []EventType
	AddListener(scope string, typ EventType, l Listener) error
	RemoveListener(scope string, typ EventType, l Listener) error
}

// VariantUnsupportedError reports a call for a variant outside the negotiated
// supported set.
type VariantUnsupportedError struct {
	Kind    Kind
	Variant fmt.Stringer
}

func (e *VariantUnsupportedError) Error() string {
	return fmt.Sprintf("trait %s does not support variant %s", e.Kind, e.Variant)
}

// Unwrap classifies the error as a capability violation.
func (e *VariantUnsupportedError) Unwrap() error { return core.ErrCapabilityViolation }

// Listeners is a negotiated CacheListeners. The supported set is queried once;
// every variant-specific call is checked against it.
type Listeners struct {
	impl      CacheListeners
	supported []EventType
}

// NegotiateListeners queries impl for its supported variants.
func NegotiateListeners(impl CacheListeners) *Listeners {
	supported := slices.Clone(impl.SupportedListeners())
	slices.Sort(supported)
	return &Listeners{impl: impl, supported: slices.Compact(supported)}
}

// IsSupported reports whether the service advertises typ.
func (l *Listeners) IsSupported(typ EventType) bool {
	_, found := slices.BinarySearch(l.supported, typ)
	return found
}

// Supported returns the advertised variants, sorted.
func (l *Listeners) Supported() []EventType {
	return slices.Clone(l.supported)
}

// SupportsAll reports whether every variant in types is advertised.
func (l *Listeners) SupportsAll(types ...EventType) bool {
	for _, t := range types {
		if !l.IsSupported(t) {
			return false
		}
	}
	return true
}

// Add registers listener for typ on scope.
func (l *Listeners) Add(scope string, typ EventType, listener Listener) error {
	if !l.IsSupported(typ) {
		return &VariantUnsupportedError{Kind: KindCacheListeners, Variant: typ}
	}
	return l.impl.AddListener(scope, typ, listener)
}

// Remove unregisters listener for typ on scope.
func (l *Listeners) Remove(scope string, typ EventType, listener Listener) error {
	if !l.IsSupported(typ) {
		return &VariantUnsupportedError{Kind: KindCacheListeners, Variant: typ}
	}
	return l.impl.RemoveListener(scope, typ, listener)
}
