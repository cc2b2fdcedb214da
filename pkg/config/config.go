// Package config loads the daemon configuration from a YAML file
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/beacontrack/beacontrack/pkg"
	"github.com/beacontrack/beacontrack/pkg/aggregator"
	"github.com/beacontrack/beacontrack/pkg/kalman"
	"github.com/beacontrack/beacontrack/pkg/mqtt"
	"github.com/beacontrack/beacontrack/pkg/multilat"
	"github.com/beacontrack/beacontrack/pkg/retry"
	"github.com/beacontrack/beacontrack/pkg/telem"
)

// Config represents the beacontrack configuration
type Config struct {
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn warning error"`
	Syslog   bool   `yaml:"syslog"`

	HTTP    HTTPConfig     `yaml:"http"`
	Metrics ListenerConfig `yaml:"metrics"`
	Health  ListenerConfig `yaml:"health"`
	GRPC    ListenerConfig `yaml:"grpc"`
	MQTT    MQTTConfig     `yaml:"mqtt"`
	Store   StoreConfig    `yaml:"store"`
	Engine  EngineConfig   `yaml:"engine"`
	Retry   retry.Config   `yaml:"retry"`
	Events  telem.Config   `yaml:"events"`

	// Initial anchor configuration, applied when nothing was restored
	PathLossExponent float64        `yaml:"path_loss_exponent" validate:"gt=0"`
	Anchors          []AnchorConfig `yaml:"anchors" validate:"omitempty,min=3,max=5,unique=ID,dive"`
}

// HTTPConfig configures the REST and websocket API
type HTTPConfig struct {
	Port         int           `yaml:"port" validate:"min=1,max=65535"`
	PushInterval time.Duration `yaml:"push_interval" validate:"min=10ms"`
}

// ListenerConfig configures an optional listener
type ListenerConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port" validate:"min=1,max=65535"`
}

// MQTTConfig configures the sample transport
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker" validate:"required_if=Enabled true"`
	Port        int    `yaml:"port" validate:"min=1,max=65535"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix" validate:"required,excludesall=+#"`
	ModeTopic   string `yaml:"mode_topic" validate:"required,excludesall=+#"`
	QoS         int    `yaml:"qos" validate:"min=0,max=2"`
}

// StoreConfig configures configuration persistence
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"required_if=Enabled true"`
}

// EngineConfig tunes the positioning pipeline
type EngineConfig struct {
	HistoryCapacity int          `yaml:"history_capacity" validate:"min=1,max=1000"`
	IngestBuffer    int          `yaml:"ingest_buffer" validate:"min=1"`
	Filter          FilterConfig `yaml:"filter"`
	Solver          SolverConfig `yaml:"solver"`
}

// FilterConfig is the scalar RSSI filter tuning
type FilterConfig struct {
	InitialEstimate   float64 `yaml:"initial_estimate"`
	InitialCovariance float64 `yaml:"initial_covariance" validate:"gte=0"`
	ProcessNoise      float64 `yaml:"process_noise" validate:"gte=0"`
	MeasurementNoise  float64 `yaml:"measurement_noise" validate:"gt=0"`
}

// SolverConfig bounds the multilateration solver
type SolverConfig struct {
	MaxIterations  int     `yaml:"max_iterations" validate:"min=1,max=10000"`
	Tolerance      float64 `yaml:"tolerance" validate:"gt=0"`
	InitialDamping float64 `yaml:"initial_damping" validate:"gt=0"`
}

// AnchorConfig is one anchor in the initial configuration
type AnchorConfig struct {
	ID             string   `yaml:"id" validate:"required"`
	X              float64  `yaml:"x"`
	Y              float64  `yaml:"y"`
	ReferencePower *float64 `yaml:"reference_power"`
}

// Default configuration values
const (
	DefaultLogLevel     = "info"
	DefaultHTTPPort     = 5001
	DefaultPushInterval = time.Second
	DefaultMetricsPort  = 9101
	DefaultHealthPort   = 9102
	DefaultGRPCPort     = 50051
	DefaultStorePath    = "/var/lib/beacontrack/beacontrack.db"
	DefaultIngestBuffer = 256
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// report yaml names in errors
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// LoadConfig loads and validates the configuration file. A missing file
// yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used when no file is present
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// setDefaults sets default values for the configuration
func (c *Config) setDefaults() {
	c.LogLevel = DefaultLogLevel
	c.HTTP = HTTPConfig{Port: DefaultHTTPPort, PushInterval: DefaultPushInterval}
	c.Metrics = ListenerConfig{Enabled: true, Port: DefaultMetricsPort}
	c.Health = ListenerConfig{Enabled: true, Port: DefaultHealthPort}
	c.GRPC = ListenerConfig{Enabled: false, Port: DefaultGRPCPort}
	m := mqtt.DefaultConfig()
	c.MQTT = MQTTConfig{
		Enabled:     m.Enabled,
		Broker:      m.Broker,
		Port:        m.Port,
		ClientID:    m.ClientID,
		TopicPrefix: m.TopicPrefix,
		ModeTopic:   m.ModeTopic,
		QoS:         m.QoS,
	}
	c.Store = StoreConfig{Enabled: false, Path: DefaultStorePath}
	c.Engine = EngineConfig{
		HistoryCapacity: 10,
		IngestBuffer:    DefaultIngestBuffer,
		Filter: FilterConfig{
			InitialEstimate:   kalman.DefaultX0,
			InitialCovariance: kalman.DefaultP0,
			ProcessNoise:      kalman.DefaultQ,
			MeasurementNoise:  kalman.DefaultR,
		},
		Solver: SolverConfig{
			MaxIterations:  multilat.DefaultOptions().MaxIterations,
			Tolerance:      multilat.DefaultOptions().Tolerance,
			InitialDamping: multilat.DefaultOptions().InitialDamping,
		},
	}
	c.Retry = retry.Config{
		MaxAttempts:   5,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2,
	}
	c.Events = telem.Config{MaxEvents: telem.DefaultMaxEvents, Retention: telem.DefaultRetention}
	c.PathLossExponent = pkg.DefaultPathLossExponent
}

// Validate checks field constraints
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("%s failed %s", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag())
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		msgs = append(msgs, msg)
	}
	return errors.New(strings.Join(msgs, "; "))
}

// AggregatorOptions converts the engine section
func (e EngineConfig) AggregatorOptions() aggregator.Options {
	f := e.Filter
	return aggregator.Options{
		HistoryCapacity: e.HistoryCapacity,
		Filter:          kalman.ScalarConfig(f.InitialEstimate, f.InitialCovariance, 1, 1, f.ProcessNoise, f.MeasurementNoise),
		Solver: multilat.Options{
			MaxIterations:  e.Solver.MaxIterations,
			Tolerance:      e.Solver.Tolerance,
			InitialDamping: e.Solver.InitialDamping,
		},
	}
}

// ClientConfig converts the mqtt section for the transport client
func (m MQTTConfig) ClientConfig() *mqtt.Config {
	cfg := mqtt.DefaultConfig()
	cfg.Enabled = m.Enabled
	cfg.Broker = m.Broker
	cfg.Port = m.Port
	cfg.ClientID = m.ClientID
	cfg.Username = m.Username
	cfg.Password = m.Password
	cfg.TopicPrefix = m.TopicPrefix
	cfg.ModeTopic = m.ModeTopic
	cfg.QoS = m.QoS
	return cfg
}

// InitialAnchors converts the anchors section. Missing reference powers
// default to pkg.DefaultReferencePower.
func (c *Config) InitialAnchors() []pkg.AnchorConfig {
	if len(c.Anchors) == 0 {
		return nil
	}
	out := make([]pkg.AnchorConfig, 0, len(c.Anchors))
	for _, a := range c.Anchors {
		power := pkg.DefaultReferencePower
		if a.ReferencePower != nil {
			power = *a.ReferencePower
		}
		out = append(out, pkg.AnchorConfig{
			ID:             a.ID,
			Position:       pkg.Point{X: a.X, Y: a.Y},
			ReferencePower: power,
		})
	}
	return out
}
