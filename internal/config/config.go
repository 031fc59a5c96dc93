// Package config handles YAML benchmark configuration parsing.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"conductor/internal/core"
	"conductor/internal/protocol"
	"conductor/internal/report"
	"conductor/internal/stage"
	"conductor/internal/trait"
)

const (
	TransportLocal = "local"
	TransportNATS  = "nats"
)

// Environment overrides applied by LoadConfig.
const (
	EnvNATSURL      = "CONDUCTOR_NATS_URL"
	EnvOTELEndpoint = "CONDUCTOR_OTEL_ENDPOINT"
)

// Config is the root configuration structure.
type Config struct {
	Workers    int                `yaml:"workers"`
	AckTimeout time.Duration      `yaml:"ackTimeout"`
	Transport  string             `yaml:"transport"`
	NATS       NATSConfig         `yaml:"nats"`
	Service    ServiceConfig      `yaml:"service"`
	Telemetry  TelemetryConfig    `yaml:"telemetry"`
	Thresholds *report.Thresholds `yaml:"thresholds,omitempty"`
	Scenarios  []ScenarioConfig   `yaml:"scenarios"`
}

// NATSConfig locates remote workers.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subjectPrefix"`
}

// ServiceConfig shapes the in-memory service used by local workers.
type ServiceConfig struct {
	SupportedEvents []string `yaml:"supportedEvents"`
	MaxEntries      int      `yaml:"maxEntries"`
}

type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// ScenarioConfig is one ordered list of stages.
type ScenarioConfig struct {
	Name   string        `yaml:"name"`
	Stages []StageConfig `yaml:"stages"`
}

// StageConfig names a stage type. Every other key is kept verbatim as the
// stage's properties and decoded by the stage factory.
type StageConfig struct {
	Type       string
	Name       string
	Properties []byte
}

func (s *StageConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: stage must be a mapping", value.Line)
	}
	rest := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, val := value.Content[i], value.Content[i+1]
		switch key.Value {
		case "type":
			if err := val.Decode(&s.Type); err != nil {
				return err
			}
		case "name":
			if err := val.Decode(&s.Name); err != nil {
				return err
			}
		default:
			rest.Content = append(rest.Content, key, val)
		}
	}
	if len(rest.Content) == 0 {
		s.Properties = nil
		return nil
	}
	props, err := yaml.Marshal(rest)
	if err != nil {
		return fmt.Errorf("line %d: re-encoding stage properties: %w", value.Line, err)
	}
	s.Properties = props
	return nil
}

// Spec converts the stage to its dispatchable form.
func (s StageConfig) Spec() stage.Spec {
	return stage.Spec{Type: s.Type, Name: s.Name, Properties: s.Properties}
}

// LoadConfig reads and parses a YAML configuration file. A .env file in the
// working directory, if present, is loaded before environment overrides are
// applied.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	_ = godotenv.Load()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes data and fills defaults without validating.
func Parse(data []byte) (*Config, error) {
	cfg := Config{
		Workers:    1,
		AckTimeout: protocol.DefaultAckTimeout,
		Transport:  TransportLocal,
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvNATSURL); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv(EnvOTELEndpoint); v != "" {
		c.Telemetry.Endpoint = v
	}
}

// Validate checks the fleet settings and makes sure every referenced stage
// type exists and its properties decode.
func (c *Config) Validate() error {
	var errs []error
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must not be negative, got %d", c.Workers))
	}
	if c.AckTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ackTimeout must be positive, got %v", c.AckTimeout))
	}
	switch c.Transport {
	case TransportLocal:
	case TransportNATS:
		if c.NATS.URL == "" {
			errs = append(errs, fmt.Errorf("nats.url is required for transport %q", TransportNATS))
		}
	default:
		errs = append(errs, fmt.Errorf("transport must be %q or %q, got %q", TransportLocal, TransportNATS, c.Transport))
	}
	if _, err := c.Service.EventTypes(); err != nil {
		errs = append(errs, fmt.Errorf("service.supportedEvents: %w", err))
	}
	if c.Service.MaxEntries < 0 {
		errs = append(errs, fmt.Errorf("service.maxEntries must not be negative, got %d", c.Service.MaxEntries))
	}
	if err := c.Thresholds.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(c.Scenarios) == 0 {
		errs = append(errs, errors.New("at least one scenario is required"))
	}

	registry := stage.DefaultRegistry()
	for i, sc := range c.Scenarios {
		if sc.Name == "" {
			errs = append(errs, fmt.Errorf("scenarios[%d]: name is required", i))
		}
		if len(sc.Stages) == 0 {
			errs = append(errs, fmt.Errorf("scenario %q has no stages", sc.Name))
		}
		for j, st := range sc.Stages {
			if _, err := registry.Build(st.Spec()); err != nil {
				errs = append(errs, fmt.Errorf("scenario %q stage %d: %w", sc.Name, j, err))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", core.ErrConfiguration, errors.Join(errs...))
	}
	return nil
}

// EventTypes parses SupportedEvents. An empty list yields nil, meaning the
// service default.
func (s ServiceConfig) EventTypes() ([]trait.EventType, error) {
	if len(s.SupportedEvents) == 0 {
		return nil, nil
	}
	out := make([]trait.EventType, 0, len(s.SupportedEvents))
	for _, name := range s.SupportedEvents {
		t, err := trait.ParseEventType(name)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ToScenarios converts the configured scenarios for protocol.Master.Run.
func (c *Config) ToScenarios() []protocol.Scenario {
	out := make([]protocol.Scenario, len(c.Scenarios))
	for i, sc := range c.Scenarios {
		specs := make([]stage.Spec, len(sc.Stages))
		for j, st := range sc.Stages {
			specs[j] = st.Spec()
		}
		out[i] = protocol.Scenario{Name: sc.Name, Stages: specs}
	}
	return out
}
