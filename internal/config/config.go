// Package config holds the enumerated Config struct recognised at the
// plan/exec boundary (spec.md §6 "Config recognised at the plan/exec
// boundary"). Loading config from disk or a control plane is a named
// external collaborator (Non-goal); this package only decodes an
// already-parsed blob into its typed shape. The executor does not read a
// Config: it takes its per-subgraph settings from schema.Subgraph.
package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/sosodev/duration"
)

// Duration accepts both ISO-8601 durations ("PT30S") and Go's native
// "30s" syntax, per SPEC_FULL.md "Durations" — decoded through
// github.com/sosodev/duration for the ISO-8601 form, a real transitive
// dependency of the teacher's execution module promoted to direct use here.
type Duration struct {
	time.Duration
}

func (d Duration) String() string { return d.Duration.String() }

func parseDuration(raw string) (Duration, error) {
	if iso, err := duration.Parse(raw); err == nil {
		return Duration{Duration: iso.ToTimeDuration()}, nil
	}
	td, err := time.ParseDuration(raw)
	if err != nil {
		return Duration{}, fmt.Errorf("config: %q is neither an ISO-8601 nor a Go duration: %w", raw, err)
	}
	return Duration{Duration: td}, nil
}

// UnmarshalYAML lets gopkg.in/yaml.v2 fixtures in tests spell durations the
// same way production config does.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := parseDuration(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

type RetryConfig struct {
	MinPerSecond   float64  `mapstructure:"min_per_second" yaml:"min_per_second"`
	TTL            Duration `mapstructure:"ttl" yaml:"ttl"`
	RetryPercent   float64  `mapstructure:"retry_percent" yaml:"retry_percent"`
	RetryMutations bool     `mapstructure:"retry_mutations" yaml:"retry_mutations"`
}

type EntityCachingConfig struct {
	Enabled bool     `mapstructure:"enabled" yaml:"enabled"`
	TTL     Duration `mapstructure:"ttl" yaml:"ttl"`
}

type RateLimitConfig struct {
	Limit    int      `mapstructure:"limit" yaml:"limit"`
	Duration Duration `mapstructure:"duration" yaml:"duration"`
}

type SubgraphConfig struct {
	URL            string              `mapstructure:"url" yaml:"url"`
	WebsocketURL   string              `mapstructure:"websocket_url" yaml:"websocket_url"`
	Timeout        Duration            `mapstructure:"timeout" yaml:"timeout"`
	Retry          RetryConfig         `mapstructure:"retry" yaml:"retry"`
	EntityCaching  EntityCachingConfig `mapstructure:"entity_caching" yaml:"entity_caching"`
	RateLimit      RateLimitConfig     `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// HeaderRuleKind is the tagged-union discriminant for one header_rules entry.
type HeaderRuleKind string

const (
	HeaderForward         HeaderRuleKind = "forward"
	HeaderInsert          HeaderRuleKind = "insert"
	HeaderRemove          HeaderRuleKind = "remove"
	HeaderRenameDuplicate HeaderRuleKind = "rename_duplicate"
)

type HeaderRule struct {
	Kind    HeaderRuleKind `mapstructure:"kind" yaml:"kind"`
	Name    string         `mapstructure:"name" yaml:"name"`
	Default string         `mapstructure:"default" yaml:"default"`
	Rename  string         `mapstructure:"rename" yaml:"rename"`
	Value   string         `mapstructure:"value" yaml:"value"`
}

type OperationLimits struct {
	Depth      int `mapstructure:"depth" yaml:"depth"`
	Height     int `mapstructure:"height" yaml:"height"`
	Aliases    int `mapstructure:"aliases" yaml:"aliases"`
	RootFields int `mapstructure:"root_fields" yaml:"root_fields"`
	Complexity int `mapstructure:"complexity" yaml:"complexity"`
}

type ComplexityMode string

const (
	ComplexityDisabled ComplexityMode = "disabled"
	ComplexityWarn     ComplexityMode = "warn"
	ComplexityEnforce  ComplexityMode = "enforce"
)

type ComplexityControl struct {
	Mode            ComplexityMode `mapstructure:"mode" yaml:"mode"`
	Limit           int            `mapstructure:"limit" yaml:"limit"`
	DefaultListSize int            `mapstructure:"default_list_size" yaml:"default_list_size"`
}

type DebugConfig struct {
	ExecutorTrace bool `mapstructure:"executor_trace" yaml:"executor_trace"`
}

type Config struct {
	Subgraphs         map[string]SubgraphConfig `mapstructure:"subgraphs" yaml:"subgraphs"`
	HeaderRules       []HeaderRule              `mapstructure:"header_rules" yaml:"header_rules"`
	OperationLimits   OperationLimits           `mapstructure:"operation_limits" yaml:"operation_limits"`
	ComplexityControl ComplexityControl         `mapstructure:"complexity_control" yaml:"complexity_control"`
	Debug             DebugConfig               `mapstructure:"debug" yaml:"debug"`
}

// DecodeMap populates a Config from an already-parsed generic blob (e.g. an
// extension's dynamic config payload) via mapstructure — the teacher's own
// choice for "arbitrary map[string]any into a typed struct", reused here
// rather than hand-writing reflection.
func DecodeMap(raw map[string]any) (*Config, error) {
	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		DecodeHook:       durationDecodeHook,
	})
	if err != nil {
		return nil, fmt.Errorf("config: building decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}
	return &cfg, nil
}

var durationType = reflect.TypeOf(Duration{})

// durationDecodeHook lets a plain string value ("PT30S" or "30s") in the
// source map populate a Duration field without the caller pre-parsing it.
func durationDecodeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != durationType || from.Kind() != reflect.String {
		return data, nil
	}
	return parseDuration(data.(string))
}
