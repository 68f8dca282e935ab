// Package config loads the process configuration from YAML over
// conservative defaults. Durations are written as strings ("250ms", "2s")
// and parsed when component configs are built.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/framewire/framewire/internal/api"
	"github.com/framewire/framewire/internal/buffer"
	"github.com/framewire/framewire/internal/consumer"
	"github.com/framewire/framewire/internal/dispatch"
	"github.com/framewire/framewire/internal/registry"
	"github.com/framewire/framewire/internal/tracing"
	"github.com/framewire/framewire/internal/upstream"
)

// Config is the full process configuration.
type Config struct {
	Logger   LoggerConfig   `yaml:"logger"`
	HTTP     api.Config     `yaml:"http"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Buffer   BufferConfig   `yaml:"buffer"`
	Registry RegistryConfig `yaml:"registry"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Consumer ConsumerConfig `yaml:"consumer"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level string `yaml:"level"`
}

// UpstreamConfig mirrors upstream.Config with string durations.
type UpstreamConfig struct {
	URL             string `yaml:"url"`
	Stream          string `yaml:"stream"`
	ConsumerGroup   string `yaml:"consumer_group"`
	ClientID        string `yaml:"client_id"`
	CreateStream    bool   `yaml:"create_stream"`
	StartFromOldest bool   `yaml:"start_from_oldest"`
	Limit           int64  `yaml:"limit"`
	PollTimeout     string `yaml:"poll_timeout"`
	CommitPeriod    string `yaml:"commit_period"`
}

// BufferConfig mirrors buffer.Config with string durations.
type BufferConfig struct {
	Capacity          int    `yaml:"capacity"`
	MaxAttempts       uint32 `yaml:"max_attempts"`
	LeaseTimeout      string `yaml:"lease_timeout"`
	UnmatchedDeadline string `yaml:"unmatched_deadline"`
}

// RegistryConfig mirrors registry.Config with string durations.
type RegistryConfig struct {
	SuspectAfter string `yaml:"suspect_after"`
	EvictAfter   string `yaml:"evict_after"`
}

// DispatchConfig mirrors dispatch.Config with string durations.
type DispatchConfig struct {
	Tick string `yaml:"tick"`
}

// ConsumerConfig mirrors consumer.Config.
type ConsumerConfig struct {
	Batch int `yaml:"batch"`
}

// TracingConfig mirrors tracing.Config.
type TracingConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
	Insecure     bool   `yaml:"insecure"`
}

// New returns the default configuration.
func New() Config {
	up := upstream.NewConfig()
	buf := buffer.NewConfig()
	reg := registry.NewConfig()
	dis := dispatch.NewConfig()
	con := consumer.NewConfig()
	tr := tracing.NewConfig()

	return Config{
		Logger: LoggerConfig{Level: "info"},
		HTTP:   api.NewConfig(),
		Upstream: UpstreamConfig{
			URL:             up.URL,
			Stream:          up.Stream,
			ConsumerGroup:   up.ConsumerGroup,
			ClientID:        up.ClientID,
			CreateStream:    up.CreateStream,
			StartFromOldest: up.StartFromOldest,
			Limit:           up.Limit,
			PollTimeout:     up.PollTimeout.String(),
			CommitPeriod:    up.CommitPeriod.String(),
		},
		Buffer: BufferConfig{
			Capacity:          buf.Capacity,
			MaxAttempts:       buf.MaxAttempts,
			LeaseTimeout:      buf.LeaseTimeout.String(),
			UnmatchedDeadline: buf.UnmatchedDeadline.String(),
		},
		Registry: RegistryConfig{
			SuspectAfter: reg.SuspectAfter.String(),
			EvictAfter:   reg.EvictAfter.String(),
		},
		Dispatch: DispatchConfig{Tick: dis.Tick.String()},
		Consumer: ConsumerConfig{Batch: con.Batch},
		Tracing: TracingConfig{
			OTLPEndpoint: tr.OTLPEndpoint,
			ServiceName:  tr.ServiceName,
			Insecure:     tr.Insecure,
		},
	}
}

// Read loads YAML from path over the defaults.
func Read(path string) (Config, error) {
	conf := New()
	if path == "" {
		return conf, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return conf, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &conf); err != nil {
		return conf, fmt.Errorf("failed to parse config file: %w", err)
	}
	return conf, nil
}

func parseDur(field, v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %v duration: %w", field, err)
	}
	return d, nil
}

// UpstreamConfig builds the upstream component config.
func (c Config) UpstreamConfig() (upstream.Config, error) {
	conf := upstream.NewConfig()
	conf.URL = c.Upstream.URL
	conf.Stream = c.Upstream.Stream
	conf.ConsumerGroup = c.Upstream.ConsumerGroup
	if c.Upstream.ClientID != "" {
		conf.ClientID = c.Upstream.ClientID
	}
	conf.CreateStream = c.Upstream.CreateStream
	conf.StartFromOldest = c.Upstream.StartFromOldest
	conf.Limit = c.Upstream.Limit

	var err error
	if conf.PollTimeout, err = parseDur("upstream.poll_timeout", c.Upstream.PollTimeout); err != nil {
		return conf, err
	}
	if conf.CommitPeriod, err = parseDur("upstream.commit_period", c.Upstream.CommitPeriod); err != nil {
		return conf, err
	}
	return conf, nil
}

// BufferConfig builds the buffer component config.
func (c Config) BufferConfig() (buffer.Config, error) {
	conf := buffer.Config{
		Capacity:    c.Buffer.Capacity,
		MaxAttempts: c.Buffer.MaxAttempts,
	}
	var err error
	if conf.LeaseTimeout, err = parseDur("buffer.lease_timeout", c.Buffer.LeaseTimeout); err != nil {
		return conf, err
	}
	if conf.UnmatchedDeadline, err = parseDur("buffer.unmatched_deadline", c.Buffer.UnmatchedDeadline); err != nil {
		return conf, err
	}
	return conf, nil
}

// RegistryConfig builds the registry component config.
func (c Config) RegistryConfig() (registry.Config, error) {
	var conf registry.Config
	var err error
	if conf.SuspectAfter, err = parseDur("registry.suspect_after", c.Registry.SuspectAfter); err != nil {
		return conf, err
	}
	if conf.EvictAfter, err = parseDur("registry.evict_after", c.Registry.EvictAfter); err != nil {
		return conf, err
	}
	return conf, nil
}

// DispatchConfig builds the dispatcher component config.
func (c Config) DispatchConfig() (dispatch.Config, error) {
	var conf dispatch.Config
	var err error
	if conf.Tick, err = parseDur("dispatch.tick", c.Dispatch.Tick); err != nil {
		return conf, err
	}
	return conf, nil
}

// ConsumerConfig builds the consumer component config.
func (c Config) ConsumerConfig() consumer.Config {
	return consumer.Config{Batch: c.Consumer.Batch}
}

// TracingConfig builds the tracing component config.
func (c Config) TracingConfig() tracing.Config {
	return tracing.Config{
		OTLPEndpoint: c.Tracing.OTLPEndpoint,
		ServiceName:  c.Tracing.ServiceName,
		Insecure:     c.Tracing.Insecure,
	}
}
