package stage

import (
	"context"
	"fmt"
	"log/slog"

	"conductor/internal/core"
	"conductor/internal/stats"
	"conductor/internal/trait"
)

const ClusterListenersType = "cluster-listeners"

// clusterListenerTypes must all be supported to enable cluster listeners.
var clusterListenerTypes = []trait.EventType{trait.Created, trait.Evicted, trait.Removed, trait.Updated}

type ClusterListenersConfig struct {
	StressTestConfig `yaml:",inline"`

	// EnableClusterListeners attaches logging listeners to the default cache
	// for the duration of the stress run.
	EnableClusterListeners bool `yaml:"enableClusterListeners"`
}

// ClusterListeners is a stress test that optionally runs with listeners
// attached, to compare performance with and without them.
type ClusterListeners struct {
	*StressTest
	enable    bool
	info      trait.CacheInformation
	listeners *trait.Listeners
}

func NewClusterListeners(name string, cfg ClusterListenersConfig) (*ClusterListeners, error) {
	st, err := NewStressTest(name, cfg.StressTestConfig)
	if err != nil {
		return nil, err
	}
	return &ClusterListeners{StressTest: st, enable: cfg.EnableClusterListeners}, nil
}

func newClusterListeners(name string, props Decoder) (Stage, error) {
	cfg := ClusterListenersConfig{StressTestConfig: defaultStressTestConfig()}
	if err := props.Decode(&cfg); err != nil {
		return nil, err
	}
	return NewClusterListeners(name, cfg)
}

func (s *ClusterListeners) Requirements() []trait.Requirement {
	return append(s.StressTest.Requirements(),
		trait.Require(trait.KindCacheInformation),
		trait.Require(trait.KindCacheListeners))
}

func (s *ClusterListeners) Init(r *trait.Registry) error {
	if err := s.StressTest.Init(r); err != nil {
		return err
	}
	info, err := trait.Mandatory[trait.CacheInformation](r, trait.KindCacheInformation)
	if err != nil {
		return err
	}
	impl, err := trait.Mandatory[trait.CacheListeners](r, trait.KindCacheListeners)
	if err != nil {
		return err
	}
	s.info = info
	s.listeners = trait.NegotiateListeners(impl)

	if s.enable && !s.listeners.SupportsAll(clusterListenerTypes...) {
		return fmt.Errorf("%w: service does not support required listener types %v; supported are %v",
			core.ErrConfiguration, clusterListenerTypes, s.listeners.Supported())
	}
	return nil
}

func (s *ClusterListeners) Execute(ctx context.Context, st *State) (*stats.Snapshot, error) {
	if !s.enable {
		return s.StressTest.Execute(ctx, st)
	}

	scope := s.info.DefaultCacheName()
	log := st.Log.With("stage", s.name, "cache", scope)
	attached := make(map[trait.EventType]trait.Listener, len(clusterListenerTypes))
	defer func() {
		for typ, l := range attached {
			if err := s.listeners.Remove(scope, typ, l); err != nil {
				log.Warn("removing cluster listener", "variant", typ.String(), "error", err)
			}
		}
	}()

	for _, typ := range clusterListenerTypes {
		l := &logListener{log: log, typ: typ}
		if err := s.listeners.Add(scope, typ, l); err != nil {
			return nil, fmt.Errorf("adding %s cluster listener: %w", typ, err)
		}
		attached[typ] = l
	}
	log.Info("cluster listeners enabled", "worker", st.WorkerIndex)

	return s.StressTest.Execute(ctx, st)
}

// logListener only traces the event.
type logListener struct {
	log *slog.Logger
	typ trait.EventType
}

func (l *logListener) OnEvent(key, value any) {
	l.log.Debug(l.typ.String(), "key", key, "value", value)
}

