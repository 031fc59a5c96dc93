package trait

import (
	"context"
	"errors"
	"testing"

	"conductor/internal/core"
)

type fakeListeners struct {
	supported []EventType
	added     []EventType
	removed   []EventType
}

func (f *fakeListeners) SupportedListeners() []EventType { return f.supported }

func (f *fakeListeners) AddListener(_ string, typ EventType, _ Listener) error {
	f.added = append(f.added, typ)
	return nil
}

func (f *fakeListeners) RemoveListener(_ string, typ EventType, _ Listener) error {
	f.removed = append(f.removed, typ)
	return nil
}

type fakeCache struct {
	fakeListeners
}

func (fakeCache) DefaultCacheName() string { return "default" }

func (fakeCache) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (fakeCache) Put(context.Context, string, []byte) error         { return nil }
func (fakeCache) Remove(context.Context, string) (bool, error)      { return false, nil }

type nopListener struct{}

func (*nopListener) OnEvent(any, any) {}

func TestNewRegistry_Discovery(t *testing.T) {
	r := NewRegistry(&fakeCache{})
	got := r.Kinds()
	want := []Kind{KindBasicOperations, KindCacheInformation, KindCacheListeners}
	if len(got) != len(want) {
		t.Fatalf("Kinds() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Kinds()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestNewRegistry_Overrides(t *testing.T) {
	r := NewRegistry(&fakeCache{}, WithoutTrait(KindCacheListeners))
	if _, ok := r.Resolve(KindCacheListeners); ok {
		t.Error("CacheListeners should be hidden")
	}

	fl := &fakeListeners{}
	r = NewRegistry(nil, WithTrait(KindCacheListeners, fl))
	impl, ok := Optional[CacheListeners](r, KindCacheListeners)
	if !ok || impl != fl {
		t.Errorf("Optional() = %v, %v; want injected impl", impl, ok)
	}
}

func TestRegistry_Validate(t *testing.T) {
	r := NewRegistry(&fakeListeners{})

	if err := r.Validate([]Requirement{Want(KindBasicOperations), Require(KindCacheListeners)}); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}

	err := r.Validate([]Requirement{Require(KindBasicOperations), Require(KindCacheInformation)})
	if err == nil {
		t.Fatal("Validate() = nil, want error")
	}
	if !errors.Is(err, core.ErrConfiguration) {
		t.Errorf("error %v should be a configuration error", err)
	}
	var missing *MissingError
	if !errors.As(err, &missing) || missing.Kind != KindBasicOperations {
		t.Errorf("errors.As() = %v, want MissingError for BasicOperations", missing)
	}
}

func TestMandatory(t *testing.T) {
	r := NewRegistry(&fakeListeners{})
	if _, err := Mandatory[CacheListeners](r, KindCacheListeners); err != nil {
		t.Errorf("Mandatory(CacheListeners) = %v", err)
	}
	var missing *MissingError
	if _, err := Mandatory[CacheInformation](r, KindCacheInformation); !errors.As(err, &missing) || missing.Kind != KindCacheInformation {
		t.Errorf("Mandatory(CacheInformation) = %v, want *MissingError", err)
	}
	// Bound under the wrong kind.
	r = NewRegistry(nil, WithTrait(KindBasicOperations, &fakeListeners{}))
	if _, err := Mandatory[BasicOperations](r, KindBasicOperations); !errors.As(err, &missing) || missing.Kind != KindBasicOperations {
		t.Errorf("Mandatory with mismatched impl = %v, want *MissingError", err)
	}
}

func TestListeners_Negotiation(t *testing.T) {
	fl := &fakeListeners{supported: []EventType{Removed, Created, Created}}
	l := NegotiateListeners(fl)

	if !l.IsSupported(Created) || !l.IsSupported(Removed) {
		t.Error("advertised variants should be supported")
	}
	if l.IsSupported(Expired) {
		t.Error("Expired should not be supported")
	}
	if got := l.Supported(); len(got) != 2 || got[0] != Created || got[1] != Removed {
		t.Errorf("Supported() = %v", got)
	}
	if l.SupportsAll(Created, Updated) {
		t.Error("SupportsAll(Created, Updated) should be false")
	}

	lis := &nopListener{}
	if err := l.Add("", Created, lis); err != nil {
		t.Errorf("Add(Created) = %v", err)
	}
	err := l.Add("", Expired, lis)
	if !errors.Is(err, core.ErrCapabilityViolation) {
		t.Errorf("Add(Expired) = %v, want capability violation", err)
	}
	if err := l.Remove("", Evicted, lis); err == nil {
		t.Error("Remove(Evicted) should fail")
	}
	if len(fl.added) != 1 || len(fl.removed) != 0 {
		t.Errorf("unsupported calls must not reach the service: added=%v removed=%v", fl.added, fl.removed)
	}
}

func TestEventType(t *testing.T) {
	tests := []struct {
		typ  EventType
		name string
		op   string
	}{
		{Created, "Created", "CacheListeners.Created"},
		{Updated, "Updated", "CacheListeners.Updated"},
		{Removed, "Removed", "CacheListeners.Removed"},
		{Evicted, "Evicted", "CacheListeners.Evicted"},
		{Expired, "Expired", "CacheListeners.Expired"},
	}
	for _, tt := range tests {
		if tt.typ.String() != tt.name {
			t.Errorf("String() = %s, want %s", tt.typ, tt.name)
		}
		if string(tt.typ.Operation()) != tt.op {
			t.Errorf("Operation() = %s, want %s", tt.typ.Operation(), tt.op)
		}
		parsed, err := ParseEventType(tt.name)
		if err != nil || parsed != tt.typ {
			t.Errorf("ParseEventType(%s) = %v, %v", tt.name, parsed, err)
		}
	}
	if _, err := ParseEventType("bogus"); err == nil {
		t.Error("ParseEventType(bogus) should fail")
	}
	if got := EventType(42).String(); got != "EventType(42)" {
		t.Errorf("String() = %s", got)
	}
}
