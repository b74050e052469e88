package kvopt

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Config is the full kvopt.yaml structure.
// All top-level sections must be listed to satisfy KnownFields(true) strict parsing.
type Config struct {
	SLO        SLOSettings           `yaml:"slo"`
	Budgets    BudgetSettings        `yaml:"budgets"`
	Policy     PolicySettings        `yaml:"policy"`
	Guardrails GuardrailSettings     `yaml:"guardrails"`
	Adapter    AdapterSettings       `yaml:"adapter"`
	Autopilot  AutopilotSettings     `yaml:"autopilot"`
	Plugins    map[string]PluginSpec `yaml:"plugins"`
}

// SLOSettings holds the latency and accuracy objectives.
type SLOSettings struct {
	LatencyP95Ms        float64 `yaml:"latency_p95_ms"`
	MaxAccuracyDeltaPct float64 `yaml:"max_accuracy_delta_pct"`
}

// BudgetSettings holds memory and bandwidth budgets.
type BudgetSettings struct {
	HBMUtilTarget float64 `yaml:"hbm_util_target"`
	OffloadBWGbps float64 `yaml:"offload_bw_gbps"`
}

// PolicySettings controls which tokens are eligible and in which order
// eviction strategies are tried.
type PolicySettings struct {
	KeepRecentTokens int      `yaml:"keep_recent_tokens"`
	Eviction         []string `yaml:"eviction"`
	Tiers            []string `yaml:"tiers"`
	Scorers          string   `yaml:"scorers"` // "name:weight,..."; empty uses the default profile
}

// GuardrailSettings holds the shadow-testing knobs.
type GuardrailSettings struct {
	ABShadowFraction   float64 `yaml:"ab_shadow_fraction"`
	RollbackOnAccDelta bool    `yaml:"rollback_on_acc_delta"`
	MinConfidence      float64 `yaml:"min_confidence"`
}

// AdapterSettings selects and sizes the inference-engine adapter.
type AdapterSettings struct {
	Type          string  `yaml:"type"`
	HBMCapacityGB float64 `yaml:"hbm_capacity_gb"`
	BytesPerToken float64 `yaml:"bytes_per_token"`
}

// AutopilotSettings controls the monitoring loop and plan lifecycle.
type AutopilotSettings struct {
	Enabled        bool          `yaml:"enabled"`
	TickInterval   time.Duration `yaml:"tick_interval"`
	StabilityTicks int           `yaml:"stability_ticks"`
	MaxActions     int           `yaml:"max_actions"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
}

// GuardrailConfig is the safety budget handed to the guardrail evaluator.
type GuardrailConfig struct {
	MaxAccuracyDeltaPct float64
	ShadowFraction      float64
	MinConfidence       float64
	RollbackOnAccDelta  bool
}

// Validate enforces 0 <= ShadowFraction <= 1, MaxAccuracyDeltaPct >= 0 and
// 0 <= MinConfidence <= 1.
func (g GuardrailConfig) Validate() error {
	if problems := g.problems(); len(problems) > 0 {
		return &ConfigError{Err: multierror.Append(nil, problems...)}
	}
	return nil
}

func (g GuardrailConfig) problems() []error {
	var errs []error
	if g.MaxAccuracyDeltaPct < 0 || math.IsNaN(g.MaxAccuracyDeltaPct) {
		errs = append(errs, fmt.Errorf("max_accuracy_delta_pct must be non-negative, got %v", g.MaxAccuracyDeltaPct))
	}
	if !(g.ShadowFraction >= 0 && g.ShadowFraction <= 1) {
		errs = append(errs, fmt.Errorf("ab_shadow_fraction must be in [0,1], got %v", g.ShadowFraction))
	}
	if !(g.MinConfidence >= 0 && g.MinConfidence <= 1) {
		errs = append(errs, fmt.Errorf("min_confidence must be in [0,1], got %v", g.MinConfidence))
	}
	return errs
}

// GuardrailConfig assembles the guardrail budget from the SLO and guardrail sections.
func (c *Config) GuardrailConfig() GuardrailConfig {
	return GuardrailConfig{
		MaxAccuracyDeltaPct: c.SLO.MaxAccuracyDeltaPct,
		ShadowFraction:      c.Guardrails.ABShadowFraction,
		MinConfidence:       c.Guardrails.MinConfidence,
		RollbackOnAccDelta:  c.Guardrails.RollbackOnAccDelta,
	}
}

// Plugin kinds with a built-in implementation.
const (
	KindLMCache  = "lmcache"
	KindKIVI     = "kivi"
	KindAgeDecay = "age_decay"
)

// pluginKindTypes maps each plugin kind to its capability family.
var pluginKindTypes = map[string]PluginType{
	KindLMCache:  PluginKVCache,
	KindKIVI:     PluginQuantization,
	KindAgeDecay: PluginEviction,
}

// ValidPluginKinds returns sorted built-in plugin kinds.
func ValidPluginKinds() []string {
	names := make([]string, 0, len(pluginKindTypes))
	for k := range pluginKindTypes {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// PluginSpec is the configuration of one plugin. Exactly one of the option
// pointers is set, chosen by Kind.
type PluginSpec struct {
	Kind          string     `yaml:"kind"`
	PluginType    PluginType `yaml:"plugin_type"`
	Enabled       bool       `yaml:"enabled"`
	Priority      int        `yaml:"priority"`
	BytesPerToken float64    `yaml:"bytes_per_token"` // 0 inherits adapter.bytes_per_token

	LMCache  *LMCacheOptions  `yaml:"-"`
	KIVI     *KIVIOptions     `yaml:"-"`
	Eviction *EvictionOptions `yaml:"-"`

	pending *yaml.Node // options waiting for the kind to be taken from the map key
}

// LMCacheOptions configures the reuse cache plugin.
type LMCacheOptions struct {
	Backend           string `yaml:"backend"` // memory:// or redis://host:port/db
	TTLSeconds        int    `yaml:"ttl"`
	MinSequenceLength int    `yaml:"min_sequence_length"`
	MaxMemoryMB       int    `yaml:"max_memory_mb"`
}

// KIVIOptions configures the group-wise quantization plugin.
type KIVIOptions struct {
	Bitwidth        int         `yaml:"bitwidth"`
	GroupSize       int         `yaml:"group_size"`
	MinTokens       int         `yaml:"min_tokens"`
	LayerGroupSizes map[int]int `yaml:"layer_group_sizes"`
}

// EvictionOptions configures the age_decay eviction plugin.
type EvictionOptions struct {
	SpillTo string `yaml:"spill_to"` // name of a kv_cache plugin that keeps a copy of evicted tokens
}

// pluginCommonKeys are accepted for every plugin kind.
var pluginCommonKeys = map[string]bool{
	"kind": true, "plugin_type": true, "enabled": true, "priority": true, "bytes_per_token": true, "name": true,
}

// pluginOptionKeys are the kind-specific keys.
var pluginOptionKeys = map[string]map[string]bool{
	KindLMCache:  {"backend": true, "ttl": true, "min_sequence_length": true, "max_memory_mb": true},
	KindKIVI:     {"bitwidth": true, "group_size": true, "min_tokens": true, "layer_group_sizes": true},
	KindAgeDecay: {"spill_to": true},
}

// pluginHeader is the part of a PluginSpec shared by all kinds.
type pluginHeader struct {
	Kind          string     `yaml:"kind"`
	Name          string     `yaml:"name"` // informational only
	PluginType    PluginType `yaml:"plugin_type"`
	Enabled       bool       `yaml:"enabled"`
	Priority      int        `yaml:"priority"`
	BytesPerToken float64    `yaml:"bytes_per_token"`
}

// UnmarshalYAML decodes the shared header and then the typed options of the
// selected kind. Unknown keys are rejected. A spec without an explicit kind
// takes it from its map key once ParseConfig knows the key.
func (p *PluginSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: plugin spec must be a mapping", node.Line)
	}
	head := pluginHeader{Enabled: true}
	if err := node.Decode(&head); err != nil {
		return err
	}
	kind := head.Kind
	*p = PluginSpec{
		Kind:          kind,
		PluginType:    head.PluginType,
		Enabled:       head.Enabled,
		Priority:      head.Priority,
		BytesPerToken: head.BytesPerToken,
	}
	if kind == "" {
		p.pending = node
		return nil
	}
	return p.decodeOptions(node, kind)
}

func (p *PluginSpec) decodeOptions(node *yaml.Node, kind string) error {
	allowed, ok := pluginOptionKeys[kind]
	if !ok {
		return fmt.Errorf("line %d: unknown plugin kind %q; valid: %s", node.Line, kind, strings.Join(ValidPluginKinds(), ", "))
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if !pluginCommonKeys[key] && !allowed[key] {
			return fmt.Errorf("line %d: field %s not valid for plugin kind %s", node.Content[i].Line, key, kind)
		}
	}
	switch kind {
	case KindLMCache:
		opts := DefaultLMCacheOptions()
		if err := node.Decode(&opts); err != nil {
			return err
		}
		p.LMCache = &opts
	case KindKIVI:
		opts := DefaultKIVIOptions()
		if err := node.Decode(&opts); err != nil {
			return err
		}
		p.KIVI = &opts
	case KindAgeDecay:
		var opts EvictionOptions
		if err := node.Decode(&opts); err != nil {
			return err
		}
		p.Eviction = &opts
	}
	p.Kind = kind
	return nil
}

// DefaultLMCacheOptions mirrors the reference reuse cache defaults.
func DefaultLMCacheOptions() LMCacheOptions {
	return LMCacheOptions{Backend: "memory://", TTLSeconds: 3600, MinSequenceLength: 1, MaxMemoryMB: 1024}
}

// DefaultKIVIOptions mirrors the reference quantizer defaults.
func DefaultKIVIOptions() KIVIOptions {
	return KIVIOptions{Bitwidth: 4, GroupSize: 64}
}

// DefaultConfig returns the built-in defaults, including a single age_decay
// eviction plugin so the default eviction strategy has a provider.
func DefaultConfig() *Config {
	return &Config{
		SLO:     SLOSettings{LatencyP95Ms: 2000, MaxAccuracyDeltaPct: 0.5},
		Budgets: BudgetSettings{HBMUtilTarget: 0.85, OffloadBWGbps: 120},
		Policy: PolicySettings{
			KeepRecentTokens: 4096,
			Eviction:         []string{KindAgeDecay},
			Tiers:            []string{"HBM", "DDR", "CXL", "NVMe"},
		},
		Guardrails: GuardrailSettings{ABShadowFraction: 0.05, RollbackOnAccDelta: true, MinConfidence: 0.8},
		Adapter:    AdapterSettings{Type: "sim", HBMCapacityGB: 80, BytesPerToken: 512 * 1024},
		Autopilot: AutopilotSettings{
			TickInterval:   time.Second,
			StabilityTicks: 3,
			MaxActions:     16,
			CallTimeout:    2 * time.Second,
		},
		Plugins: map[string]PluginSpec{
			KindAgeDecay: {Kind: KindAgeDecay, PluginType: PluginEviction, Enabled: true, Eviction: &EvictionOptions{}},
		},
	}
}

// LoadConfig reads a YAML file over DefaultConfig and validates the result.
// Uses strict field checking: typos must cause errors.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML bytes over DefaultConfig and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, &ConfigError{Err: fmt.Errorf("parsing config: %w", err)}
	}
	for name, spec := range cfg.Plugins {
		if spec.pending != nil {
			node := spec.pending
			spec.pending = nil
			if err := spec.decodeOptions(node, name); err != nil {
				return nil, &ConfigError{Err: fmt.Errorf("plugins.%s: %w", name, err)}
			}
			cfg.Plugins[name] = spec
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Strategy names accepted in policy.eviction and the action each one proposes.
var strategyActions = map[string]ActionKind{
	"age_decay": ActionEvict,
	"evict":     ActionEvict,
	"offload":   ActionOffload,
	"quantize":  ActionQuantize,
	"kivi":      ActionQuantize,
}

// StrategyAction returns the action kind a named eviction strategy proposes.
func StrategyAction(name string) (ActionKind, bool) {
	kind, ok := strategyActions[name]
	return kind, ok
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs *multierror.Error
	add := func(format string, args ...interface{}) {
		errs = multierror.Append(errs, fmt.Errorf(format, args...))
	}

	if c.SLO.LatencyP95Ms <= 0 {
		add("slo.latency_p95_ms must be positive, got %v", c.SLO.LatencyP95Ms)
	}
	errs = multierror.Append(errs, c.GuardrailConfig().problems()...)
	if c.Budgets.HBMUtilTarget <= 0 || c.Budgets.HBMUtilTarget > 1 {
		add("budgets.hbm_util_target must be in (0,1], got %v", c.Budgets.HBMUtilTarget)
	}
	if c.Budgets.OffloadBWGbps <= 0 {
		add("budgets.offload_bw_gbps must be positive, got %v", c.Budgets.OffloadBWGbps)
	}
	if c.Policy.KeepRecentTokens < 0 {
		add("policy.keep_recent_tokens must be non-negative, got %d", c.Policy.KeepRecentTokens)
	}
	if len(c.Policy.Eviction) == 0 {
		add("policy.eviction must list at least one strategy")
	}
	for _, s := range c.Policy.Eviction {
		if _, ok := StrategyAction(s); !ok {
			add("policy.eviction: unknown strategy %q", s)
		}
	}
	if err := ValidateTierOrder(c.Policy.Tiers); err != nil {
		add("policy.tiers: %v", err)
	}
	if c.Adapter.Type != "sim" {
		add("adapter.type %q is not supported (only sim)", c.Adapter.Type)
	}
	if c.Adapter.HBMCapacityGB <= 0 {
		add("adapter.hbm_capacity_gb must be positive, got %v", c.Adapter.HBMCapacityGB)
	}
	if c.Adapter.BytesPerToken <= 0 {
		add("adapter.bytes_per_token must be positive, got %v", c.Adapter.BytesPerToken)
	}
	if c.Autopilot.TickInterval <= 0 {
		add("autopilot.tick_interval must be positive, got %v", c.Autopilot.TickInterval)
	}
	if c.Autopilot.StabilityTicks < 1 {
		add("autopilot.stability_ticks must be at least 1, got %d", c.Autopilot.StabilityTicks)
	}
	if c.Autopilot.MaxActions < 1 {
		add("autopilot.max_actions must be at least 1, got %d", c.Autopilot.MaxActions)
	}
	if c.Autopilot.CallTimeout <= 0 {
		add("autopilot.call_timeout must be positive, got %v", c.Autopilot.CallTimeout)
	}

	names := make([]string, 0, len(c.Plugins))
	for name := range c.Plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, err := range c.Plugins[name].validate(c.Plugins) {
			errs = multierror.Append(errs, fmt.Errorf("plugins.%s: %w", name, err))
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return &ConfigError{Err: err}
	}
	return nil
}

var validKIVIBitwidths = map[int]bool{2: true, 3: true, 4: true, 8: true}

func (p PluginSpec) validate(all map[string]PluginSpec) []error {
	var errs []error
	want, ok := pluginKindTypes[p.Kind]
	if !ok {
		return []error{fmt.Errorf("unknown plugin kind %q; valid: %s", p.Kind, strings.Join(ValidPluginKinds(), ", "))}
	}
	if p.PluginType != "" && p.PluginType != want {
		errs = append(errs, fmt.Errorf("plugin_type %q does not match kind %s (%s)", p.PluginType, p.Kind, want))
	}
	if p.BytesPerToken < 0 {
		errs = append(errs, fmt.Errorf("bytes_per_token must be non-negative, got %v", p.BytesPerToken))
	}
	switch p.Kind {
	case KindLMCache:
		o := p.LMCache
		if o == nil {
			return append(errs, fmt.Errorf("missing lmcache options"))
		}
		u, err := url.Parse(o.Backend)
		if err != nil || (u.Scheme != "memory" && u.Scheme != "redis" && u.Scheme != "rediss") {
			errs = append(errs, fmt.Errorf("backend %q must be memory:// or redis://", o.Backend))
		}
		if o.TTLSeconds <= 0 {
			errs = append(errs, fmt.Errorf("ttl must be positive, got %d", o.TTLSeconds))
		}
		if o.MinSequenceLength < 0 {
			errs = append(errs, fmt.Errorf("min_sequence_length must be non-negative, got %d", o.MinSequenceLength))
		}
		if o.MaxMemoryMB <= 0 {
			errs = append(errs, fmt.Errorf("max_memory_mb must be positive, got %d", o.MaxMemoryMB))
		}
	case KindKIVI:
		o := p.KIVI
		if o == nil {
			return append(errs, fmt.Errorf("missing kivi options"))
		}
		if !validKIVIBitwidths[o.Bitwidth] {
			errs = append(errs, fmt.Errorf("bitwidth must be one of 2, 3, 4, 8, got %d", o.Bitwidth))
		}
		if o.GroupSize <= 0 {
			errs = append(errs, fmt.Errorf("group_size must be positive, got %d", o.GroupSize))
		}
		if o.MinTokens < 0 {
			errs = append(errs, fmt.Errorf("min_tokens must be non-negative, got %d", o.MinTokens))
		}
		for layer, gs := range o.LayerGroupSizes {
			if layer < 0 || gs <= 0 {
				errs = append(errs, fmt.Errorf("layer_group_sizes[%d]=%d is invalid", layer, gs))
			}
		}
	case KindAgeDecay:
		if p.Eviction != nil && p.Eviction.SpillTo != "" {
			target, ok := all[p.Eviction.SpillTo]
			if !ok || target.Kind != KindLMCache {
				errs = append(errs, fmt.Errorf("spill_to %q must name an lmcache plugin", p.Eviction.SpillTo))
			}
		}
	}
	return errs
}
