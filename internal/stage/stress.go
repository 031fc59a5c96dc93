package stage

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"conductor/internal/coordinator"
	"conductor/internal/core"
	"conductor/internal/ratelimit"
	"conductor/internal/stats"
	"conductor/internal/trait"
)

const StressTestType = "stress-test"

// Operations recorded by the stress driver.
const (
	OpGet    stats.Operation = "BasicOperations.Get"
	OpPut    stats.Operation = "BasicOperations.Put"
	OpRemove stats.Operation = "BasicOperations.Remove"
)

type StressTestConfig struct {
	Common `yaml:",inline"`

	Threads          int           `yaml:"threads"`
	Duration         time.Duration `yaml:"duration"`
	NumEntries       int           `yaml:"numEntries"`
	EntrySize        int           `yaml:"entrySize"`
	WritePercentage  int           `yaml:"writePercentage"`
	RemovePercentage int           `yaml:"removePercentage"`
	// RequestsPerSec caps the whole worker; zero means unlimited.
	RequestsPerSec int    `yaml:"requestsPerSec"`
	TestName       string `yaml:"testName"`
}

func defaultStressTestConfig() StressTestConfig {
	return StressTestConfig{
		Threads:         10,
		Duration:        time.Second,
		NumEntries:      100,
		EntrySize:       100,
		WritePercentage: 20,
		TestName:        "stress",
	}
}

func (c StressTestConfig) validate() error {
	var errs []error
	if c.Threads <= 0 {
		errs = append(errs, fmt.Errorf("threads must be positive, got %d", c.Threads))
	}
	if c.Duration <= 0 {
		errs = append(errs, fmt.Errorf("duration must be positive, got %v", c.Duration))
	}
	if c.NumEntries <= 0 {
		errs = append(errs, fmt.Errorf("numEntries must be positive, got %d", c.NumEntries))
	}
	if c.EntrySize < 0 {
		errs = append(errs, fmt.Errorf("entrySize must not be negative, got %d", c.EntrySize))
	}
	if c.WritePercentage < 0 || c.RemovePercentage < 0 || c.WritePercentage+c.RemovePercentage > 100 {
		errs = append(errs, fmt.Errorf("writePercentage (%d) and removePercentage (%d) must be non-negative and sum to at most 100",
			c.WritePercentage, c.RemovePercentage))
	}
	if c.RequestsPerSec < 0 {
		errs = append(errs, fmt.Errorf("requestsPerSec must not be negative, got %d", c.RequestsPerSec))
	}
	return errors.Join(errs...)
}

type StressTest struct {
	name string
	cfg  StressTestConfig
	ops  trait.BasicOperations
}

// NewStressTest builds the stage from an already-typed configuration.
func NewStressTest(name string, cfg StressTestConfig) (*StressTest, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &StressTest{name: name, cfg: cfg}, nil
}

func newStressTest(name string, props Decoder) (Stage, error) {
	cfg := defaultStressTestConfig()
	if err := props.Decode(&cfg); err != nil {
		return nil, err
	}
	return NewStressTest(name, cfg)
}

func (s *StressTest) Name() string        { return s.name }
func (s *StressTest) ExitOnFailure() bool { return s.cfg.ExitOnFailure }
func (s *StressTest) TestName() string    { return s.cfg.TestName }

// Config returns the decoded configuration.
func (s *StressTest) Config() StressTestConfig { return s.cfg }

func (s *StressTest) Requirements() []trait.Requirement {
	return []trait.Requirement{trait.Require(trait.KindBasicOperations)}
}

func (s *StressTest) Init(r *trait.Registry) error {
	ops, err := trait.Mandatory[trait.BasicOperations](r, trait.KindBasicOperations)
	if err != nil {
		return err
	}
	s.ops = ops
	return nil
}

func (s *StressTest) Execute(ctx context.Context, st *State) (*stats.Snapshot, error) {
	recorder := stats.New(stats.WithClock(st.Clock))
	limiter := ratelimit.New(s.cfg.RequestsPerSec)
	coord := coordinator.NewCoordinator(coordinator.WithLogger(st.Log))

	threads := make([]*stressThread, s.cfg.Threads)
	for i := range threads {
		threads[i] = s.newThread(st, i)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Duration)
	defer cancel()

	st.Log.Info("stress test started", "stage", s.name, "worker", st.WorkerIndex,
		"threads", s.cfg.Threads, "duration", s.cfg.Duration, "rps", limiter.Rate())
	recorder.Begin()
	coord.Spawn(runCtx, s.cfg.Threads, coordinator.ActorFunc(func(ctx context.Context, id int) error {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		return threads[id].request(ctx, s.ops, recorder)
	}))
	err := coord.Wait()
	recorder.End()

	if err != nil {
		return nil, fmt.Errorf("stress threads failed: %w", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	snap := recorder.Copy()
	st.Log.Info("stress test finished", "stage", s.name, "worker", st.WorkerIndex,
		"requests", snap.Total().Requests, "errors", snap.Total().Errors)
	return &snap, nil
}

type stressThread struct {
	id    int
	rng   *rand.Rand
	value []byte
	clock core.Clock
	cfg   *StressTestConfig
}

func (s *StressTest) newThread(st *State, id int) *stressThread {
	rng := rand.New(rand.NewPCG(uint64(st.WorkerIndex), uint64(id)))
	value := make([]byte, s.cfg.EntrySize)
	for i := range value {
		value[i] = byte('a' + rng.IntN(26))
	}
	return &stressThread{id: id, rng: rng, value: value, clock: st.Clock, cfg: &s.cfg}
}

// request issues one randomly chosen operation. Failures are recorded, not
// returned; only cancellation ends the thread.
func (t *stressThread) request(ctx context.Context, ops trait.BasicOperations, rec *stats.Statistics) error {
	key := "key_" + strconv.Itoa(t.rng.IntN(t.cfg.NumEntries))
	roll := t.rng.IntN(100)

	var (
		op  stats.Operation
		err error
	)
	start := t.clock.Now()
	switch {
	case roll < t.cfg.WritePercentage:
		op = OpPut
		err = ops.Put(ctx, key, t.value)
	case roll < t.cfg.WritePercentage+t.cfg.RemovePercentage:
		op = OpRemove
		_, err = ops.Remove(ctx, key)
	default:
		op = OpGet
		_, _, err = ops.Get(ctx, key)
	}
	elapsed := t.clock.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rec.RegisterError(t.id, op, elapsed)
		return nil
	}
	rec.RegisterLatency(t.id, op, elapsed)
	return nil
}
