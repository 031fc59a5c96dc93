package stage

import (
	"context"
	"fmt"

	"conductor/internal/listener"
	"conductor/internal/stats"
	"conductor/internal/trait"
)

const RegisterListenersType = "register-listeners"

// DefaultTestName marks results that are computed but not reported.
const DefaultTestName = "FAKE_TEST"

type RegisterListenersConfig struct {
	Common `yaml:",inline"`

	// SimulateWork makes each listener sleep for SleepTime before recording.
	// Both apply to the listeners this stage registers.
	SimulateWork bool     `yaml:"simulateWork"`
	SleepTime    Duration `yaml:"sleepTime"`

	// RegisterListeners and UnregisterListeners toggle the listeners on the
	// Cache scope. Both may be set in one stage.
	RegisterListeners   bool   `yaml:"registerListeners"`
	UnregisterListeners bool   `yaml:"unregisterListeners"`
	Cache               string `yaml:"cache"`
	TestName            string `yaml:"testName"`
}

func defaultRegisterListenersConfig() RegisterListenersConfig {
	return RegisterListenersConfig{
		SleepTime: Duration(listener.DefaultSleepTime),
		TestName:  DefaultTestName,
	}
}

type RegisterListeners struct {
	name      string
	cfg       RegisterListenersConfig
	listeners *trait.Listeners
}

// NewRegisterListeners builds the stage from an already-typed configuration.
func NewRegisterListeners(name string, cfg RegisterListenersConfig) (*RegisterListeners, error) {
	if cfg.SleepTime < 0 {
		return nil, fmt.Errorf("sleepTime must not be negative, got %v", cfg.SleepTime)
	}
	return &RegisterListeners{name: name, cfg: cfg}, nil
}

func newRegisterListeners(name string, props Decoder) (Stage, error) {
	cfg := defaultRegisterListenersConfig()
	if err := props.Decode(&cfg); err != nil {
		return nil, err
	}
	return NewRegisterListeners(name, cfg)
}

func (s *RegisterListeners) Name() string        { return s.name }
func (s *RegisterListeners) ExitOnFailure() bool { return s.cfg.ExitOnFailure }
func (s *RegisterListeners) TestName() string    { return s.cfg.TestName }

// Config returns the decoded configuration.
func (s *RegisterListeners) Config() RegisterListenersConfig { return s.cfg }

func (s *RegisterListeners) Requirements() []trait.Requirement {
	return []trait.Requirement{trait.Want(trait.KindCacheListeners)}
}

func (s *RegisterListeners) Init(r *trait.Registry) error {
	impl, ok := trait.Optional[trait.CacheListeners](r, trait.KindCacheListeners)
	if !ok {
		if s.cfg.RegisterListeners || s.cfg.UnregisterListeners {
			return fmt.Errorf("%w: listener registration requested", &trait.MissingError{Kind: trait.KindCacheListeners})
		}
		return nil
	}
	s.listeners = trait.NegotiateListeners(impl)
	return nil
}

func (s *RegisterListeners) Execute(ctx context.Context, st *State) (*stats.Snapshot, error) {
	if s.listeners != nil && st.Listeners == nil {
		st.Listeners = listener.New(s.listeners, st.ListenerStats,
			listener.WithLogger(st.Log.With("stage", s.name)))
		st.ListenerStats.Begin()
	}

	if s.cfg.RegisterListeners {
		st.Listeners.SetWork(s.cfg.SimulateWork, s.cfg.SleepTime.Std())
		if err := st.Listeners.Register(s.cfg.Cache); err != nil {
			return nil, err
		}
		st.Log.Info("listeners registered", "stage", s.name, "cache", s.cfg.Cache,
			"variants", fmt.Sprint(st.Listeners.Registered(s.cfg.Cache)))
	}
	if s.cfg.UnregisterListeners {
		if err := st.Listeners.Unregister(s.cfg.Cache); err != nil {
			return nil, err
		}
		st.Log.Info("listeners unregistered", "stage", s.name, "cache", s.cfg.Cache)
	}

	if st.Listeners != nil {
		if err := st.Listeners.Quiesce(ctx); err != nil {
			return nil, fmt.Errorf("waiting for %d listener callbacks: %w", st.Listeners.InFlight(), err)
		}
	}
	// Each snapshot covers the samples since the previous listener stage.
	st.ListenerStats.End()
	snap := st.ListenerStats.Drain()
	st.ListenerStats.Begin()
	return &snap, nil
}
