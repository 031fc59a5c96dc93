package listener

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"conductor/internal/stats"
	"conductor/internal/trait"
)

// fakeService records listener calls and fires events on demand.
type fakeService struct {
	supported []trait.EventType

	mu      sync.Mutex
	calls   int
	active  map[string]map[trait.EventType][]trait.Listener
	failAdd error
}

func newFakeService(supported ...trait.EventType) *fakeService {
	return &fakeService{supported: supported, active: make(map[string]map[trait.EventType][]trait.Listener)}
}

func (f *fakeService) SupportedListeners() []trait.EventType { return f.supported }

func (f *fakeService) AddListener(scope string, typ trait.EventType, l trait.Listener) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failAdd != nil {
		return f.failAdd
	}
	if f.active[scope] == nil {
		f.active[scope] = make(map[trait.EventType][]trait.Listener)
	}
	f.active[scope][typ] = append(f.active[scope][typ], l)
	return nil
}

func (f *fakeService) RemoveListener(scope string, typ trait.EventType, l trait.Listener) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	ls := f.active[scope][typ]
	for i, x := range ls {
		if x == l {
			f.active[scope][typ] = append(ls[:i], ls[i+1:]...)
			return nil
		}
	}
	return errors.New("listener not found")
}

func (f *fakeService) count(scope string, typ trait.EventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.active[scope][typ])
}

func (f *fakeService) fire(scope string, typ trait.EventType) {
	f.mu.Lock()
	ls := append([]trait.Listener(nil), f.active[scope][typ]...)
	f.mu.Unlock()
	for _, l := range ls {
		l.OnEvent("key", "value")
	}
}

func newBridge(svc *fakeService, opts ...Option) (*Bridge, *stats.Statistics) {
	s := stats.New()
	return New(trait.NegotiateListeners(svc), s, opts...), s
}

// sleepyBridge simulates d of work in every callback.
func sleepyBridge(svc *fakeService, d time.Duration) (*Bridge, *stats.Statistics) {
	b, s := newBridge(svc)
	b.SetWork(true, d)
	return b, s
}

func requests(s *stats.Statistics, typ trait.EventType) int64 {
	os, _ := s.Copy().Get(typ.Operation())
	return os.Requests
}

func TestBridge_SkipsUnsupported(t *testing.T) {
	svc := newFakeService(trait.Created, trait.Removed)
	b, _ := newBridge(svc)
	defer b.Close()

	if err := b.Register(""); err != nil {
		t.Fatalf("Register() = %v", err)
	}
	if svc.count("", trait.Evicted) != 0 {
		t.Error("Evicted must not be registered")
	}
	if svc.calls != 2 {
		t.Errorf("service saw %d calls, want 2", svc.calls)
	}
	got := b.Registered("")
	if len(got) != 2 || got[0] != trait.Created || got[1] != trait.Removed {
		t.Errorf("Registered() = %v", got)
	}
}

func TestBridge_RecordsOneSamplePerEvent(t *testing.T) {
	svc := newFakeService(trait.EventTypes...)
	b, s := newBridge(svc)
	defer b.Close()

	if err := b.Register("users"); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.fire("users", trait.Created)
			svc.fire("users", trait.Updated)
		}()
	}
	wg.Wait()
	// Events on another scope have no listener.
	svc.fire("orders", trait.Created)

	if err := b.Quiesce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := requests(s, trait.Created); got != 50 {
		t.Errorf("Created requests = %d, want 50", got)
	}
	if got := requests(s, trait.Updated); got != 50 {
		t.Errorf("Updated requests = %d, want 50", got)
	}
	if got := requests(s, trait.Removed); got != 0 {
		t.Errorf("Removed requests = %d, want 0", got)
	}
}

func TestBridge_UnregisterWithoutRegister(t *testing.T) {
	svc := newFakeService(trait.EventTypes...)
	b, s := newBridge(svc)
	defer b.Close()

	if err := b.Unregister(""); err != nil {
		t.Errorf("Unregister() = %v, want nil", err)
	}
	if svc.calls != 0 {
		t.Errorf("service saw %d calls, want 0", svc.calls)
	}
	if len(b.Registered("")) != 0 {
		t.Error("no registrations expected")
	}
	if !s.Copy().IsEmpty() {
		t.Error("statistics should be untouched")
	}
}

func TestBridge_RegisterUnregisterRegister(t *testing.T) {
	svc := newFakeService(trait.Created, trait.Expired)
	b, s := newBridge(svc)
	defer b.Close()

	for _, step := range []func(string) error{b.Register, b.Register, b.Unregister, b.Unregister, b.Register} {
		if err := step(""); err != nil {
			t.Fatal(err)
		}
	}
	for _, typ := range []trait.EventType{trait.Created, trait.Expired} {
		if n := svc.count("", typ); n != 1 {
			t.Errorf("%s listeners = %d, want 1", typ, n)
		}
	}
	svc.fire("", trait.Created)
	if got := requests(s, trait.Created); got != 1 {
		t.Errorf("Created requests = %d, want 1", got)
	}
}

func TestBridge_AddFailureIsReported(t *testing.T) {
	svc := newFakeService(trait.Created)
	svc.failAdd = errors.New("boom")
	b, _ := newBridge(svc)
	defer b.Close()

	if err := b.Register(""); err == nil {
		t.Fatal("Register() = nil, want error")
	}
	if len(b.Registered("")) != 0 {
		t.Error("failed registration must not be tracked")
	}
}

func TestBridge_SimulatedWorkAndQuiesce(t *testing.T) {
	svc := newFakeService(trait.Created)
	b, s := sleepyBridge(svc, 20*time.Millisecond)
	defer b.Close()

	if err := b.Register(""); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		svc.fire("", trait.Created)
		close(done)
	}()
	for b.InFlight() == 0 {
		time.Sleep(time.Millisecond)
	}
	if err := b.Quiesce(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-done
	if got := requests(s, trait.Created); got != 1 {
		t.Errorf("Created requests = %d, want 1", got)
	}
}

func TestBridge_QuiesceHonorsContext(t *testing.T) {
	svc := newFakeService(trait.Created)
	b, _ := sleepyBridge(svc, time.Hour)

	if err := b.Register(""); err != nil {
		t.Fatal(err)
	}
	go svc.fire("", trait.Created)
	for b.InFlight() == 0 {
		time.Sleep(time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := b.Quiesce(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Quiesce() = %v, want deadline exceeded", err)
	}
	b.Close()
}

func TestBridge_CloseInterruptsWithoutRecording(t *testing.T) {
	svc := newFakeService(trait.Removed)
	b, s := sleepyBridge(svc, time.Hour)

	if err := b.Register(""); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		svc.fire("", trait.Removed)
		close(done)
	}()
	for b.InFlight() == 0 {
		time.Sleep(time.Millisecond)
	}
	b.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback did not return after Close")
	}
	if got := requests(s, trait.Removed); got != 0 {
		t.Errorf("Removed requests = %d, want 0", got)
	}
	if b.InFlight() != 0 {
		t.Errorf("InFlight() = %d, want 0", b.InFlight())
	}
}
